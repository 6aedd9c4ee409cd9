package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tradeflow/tflow/internal/api"
	"github.com/tradeflow/tflow/internal/services"
)

type resourceSpec struct {
	name    string
	short   string
	columns []string
}

var resourceCommands = []resourceSpec{
	{name: api.ResourceBudgets, short: "Manage budgets", columns: []string{"name", "amount", "status"}},
	{name: api.ResourceTradeSpends, short: "Manage trade spends", columns: []string{"name", "amount", "status"}},
	{name: api.ResourceWallets, short: "Manage wallets", columns: []string{"name", "balance", "currency"}},
	{name: api.ResourceUsers, short: "Manage users", columns: []string{"email", "name", "role"}},
}

func newResourceCommand(spec resourceSpec) *cobra.Command {
	cmd := &cobra.Command{
		Use:   spec.name,
		Short: spec.short,
	}

	cmd.AddCommand(newResourceListCommand(spec))
	cmd.AddCommand(newResourceGetCommand(spec))
	cmd.AddCommand(newResourceCreateCommand(spec))
	cmd.AddCommand(newResourceUpdateCommand(spec))
	cmd.AddCommand(newResourceDeleteCommand(spec))

	return cmd
}

func newResourceListCommand(spec resourceSpec) *cobra.Command {
	var params []string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: fmt.Sprintf("List %s", spec.name),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireSession(); err != nil {
				return err
			}
			query, err := parseParams(params)
			if err != nil {
				return err
			}
			r, err := application.Services.Resource(spec.name)
			if err != nil {
				return err
			}

			raw, err := r.List(cmd.Context(), query)
			if err != nil {
				return handleAPIError(err, spec.name, "", "list")
			}
			if asJSON {
				return printRaw(cmd.OutOrStdout(), raw)
			}

			var items []services.Item
			if err := services.Decode(raw, &items); err != nil {
				// Not a plain list; show what the backend sent.
				return printRaw(cmd.OutOrStdout(), raw)
			}
			if len(items) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No %s found.\n", spec.name)
				return nil
			}
			printTable(cmd.OutOrStdout(), items, spec.columns)
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "Query parameter as key=value (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw JSON response")
	return cmd
}

func newResourceGetCommand(spec resourceSpec) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: fmt.Sprintf("Show one of %s", spec.name),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireSession(); err != nil {
				return err
			}
			r, err := application.Services.Resource(spec.name)
			if err != nil {
				return err
			}
			raw, err := r.Get(cmd.Context(), args[0])
			if err != nil {
				return handleAPIError(err, spec.name, args[0], "get")
			}
			return printRaw(cmd.OutOrStdout(), raw)
		},
	}
}

func newResourceCreateCommand(spec resourceSpec) *cobra.Command {
	var data string

	cmd := &cobra.Command{
		Use:   "create",
		Short: fmt.Sprintf("Create one of %s", spec.name),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMutation(cmd, spec.name, services.OpCreate, "", data)
		},
	}

	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON body, or - to read it from stdin")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

func newResourceUpdateCommand(spec resourceSpec) *cobra.Command {
	var data string

	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: fmt.Sprintf("Update one of %s", spec.name),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMutation(cmd, spec.name, services.OpUpdate, args[0], data)
		},
	}

	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON body, or - to read it from stdin")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

func newResourceDeleteCommand(spec resourceSpec) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: fmt.Sprintf("Delete one of %s", spec.name),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMutation(cmd, spec.name, services.OpDelete, args[0], "")
		},
	}
}

// runMutation applies a mutation, queueing it when the backend is
// unreachable.
func runMutation(cmd *cobra.Command, resource, op, id, data string) error {
	if err := requireSession(); err != nil {
		return err
	}

	var body json.RawMessage
	if op != services.OpDelete {
		var err error
		if body, err = readBody(cmd.InOrStdin(), data); err != nil {
			return err
		}
	}

	r, err := application.Services.Resource(resource)
	if err != nil {
		return err
	}

	var raw json.RawMessage
	switch op {
	case services.OpCreate:
		raw, err = r.Create(cmd.Context(), body)
	case services.OpUpdate:
		raw, err = r.Update(cmd.Context(), id, body)
	case services.OpDelete:
		err = r.Delete(cmd.Context(), id)
	}

	if err != nil {
		if api.IsNetworkError(err) {
			var payload any
			if body != nil {
				payload = body
			}
			if _, qErr := application.Enqueue(resource, op, id, payload); qErr != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "failed to queue request: %v\n", qErr)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "Queued offline. Run `tflow queue flush` once reconnected.")
			}
		}
		return handleAPIError(err, resource, id, op)
	}

	if op == services.OpDelete {
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s %s.\n", resource, id)
		return nil
	}
	return printRaw(cmd.OutOrStdout(), raw)
}

// readBody returns data as JSON, reading stdin when data is "-".
func readBody(stdin io.Reader, data string) (json.RawMessage, error) {
	if data == "-" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		data = string(b)
	}
	data = strings.TrimSpace(data)
	if !json.Valid([]byte(data)) {
		return nil, fmt.Errorf("--data must be valid JSON")
	}
	return json.RawMessage(data), nil
}

// parseParams turns key=value pairs into a query map.
func parseParams(pairs []string) (map[string]string, error) {
	params := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --param %q, expected key=value", p)
		}
		params[k] = v
	}
	return params, nil
}

func handleAPIError(err error, resource, id, op string) error {
	if api.IsAuthError(err) {
		return err
	}
	if id == "" {
		return fmt.Errorf("failed to %s %s: %w", op, resource, err)
	}
	return fmt.Errorf("failed to %s %s %s: %w", op, resource, id, err)
}
