package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newQueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and replay mutations queued while offline",
	}

	cmd.AddCommand(newQueueListCommand())
	cmd.AddCommand(newQueueFlushCommand())
	cmd.AddCommand(newQueueClearCommand())

	return cmd
}

func newQueueListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued mutations",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := application.Queue.List()
			if err != nil {
				return fmt.Errorf("failed to load queue: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(items) == 0 {
				fmt.Fprintln(out, "Queue is empty.")
				return nil
			}

			fmt.Fprintf(out, "%-36s  %-14s  %-7s  %-20s  %s\n", "ID", "RESOURCE", "OP", "TARGET", "QUEUED")
			for _, item := range items {
				target := item.TargetID
				if target == "" {
					target = "-"
				}
				fmt.Fprintf(out, "%-36s  %-14s  %-7s  %-20s  %s\n",
					item.ID, item.Resource, item.Op, truncate(target, 20), formatTime(item.QueuedAt))
			}
			return nil
		},
	}
}

func newQueueFlushCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Replay queued mutations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireSession(); err != nil {
				return err
			}
			res, err := application.FlushQueue(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "Flushed %d, dropped %d, remaining %d.\n", res.Flushed, res.Dropped, res.Remaining)
			if err != nil {
				return fmt.Errorf("flush stopped: %w", err)
			}
			return nil
		},
	}
}

func newQueueClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Discard every queued mutation",
		RunE: func(cmd *cobra.Command, args []string) error {
			n := application.Queue.Len()
			if err := application.Queue.Clear(); err != nil {
				return fmt.Errorf("failed to clear queue: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d queued mutation(s).\n", n)
			return nil
		},
	}
}
