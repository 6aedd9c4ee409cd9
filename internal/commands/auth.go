package commands

import (
	"bufio"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tradeflow/tflow/internal/api"
	"github.com/tradeflow/tflow/internal/auth"
	"github.com/tradeflow/tflow/internal/config"
)

func newAuthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage the signed-in session",
	}

	cmd.AddCommand(newAuthLoginCommand())
	cmd.AddCommand(newAuthLogoutCommand())
	cmd.AddCommand(newAuthStatusCommand())
	cmd.AddCommand(newAuthWhoamiCommand())
	cmd.AddCommand(newAuthRefreshCommand())

	return cmd
}

func newAuthLoginCommand() *cobra.Command {
	var email, password string
	var saveEndpoint bool

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with email and password",
		RunE: func(cmd *cobra.Command, args []string) error {
			scanner := bufio.NewScanner(cmd.InOrStdin())
			prompt := func(label string) string {
				fmt.Fprint(cmd.OutOrStdout(), label)
				scanner.Scan()
				return strings.TrimSpace(scanner.Text())
			}

			if saveEndpoint {
				if input := prompt(fmt.Sprintf("Endpoint [%s]: ", cfg.Endpoint)); input != "" {
					cfg.Endpoint = input
				}
				if err := buildApp(); err != nil {
					return err
				}
				if err := config.Save(cfg); err != nil {
					return fmt.Errorf("failed to save config: %w", err)
				}
			}

			if email == "" {
				email = prompt("Email: ")
			}
			if password == "" {
				password = prompt("Password: ")
			}
			if email == "" || password == "" {
				return fmt.Errorf("email and password are required")
			}

			sess, err := application.Login(cmd.Context(), email, password)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s.\n", strField(sess.User, "email", email))
			if exp, err := auth.TokenExpiry(sess.AccessToken); err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Access token expires %s.\n", formatTime(exp))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.Flags().StringVar(&password, "password", "", "Account password (prompted when omitted)")
	cmd.Flags().BoolVar(&saveEndpoint, "configure", false, "Prompt for the endpoint and save it to the config file")
	return cmd
}

func newAuthLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and clear the local session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !application.IsAuthenticated() {
				fmt.Fprintln(cmd.OutOrStdout(), "Not signed in.")
				return nil
			}
			if err := application.Logout(cmd.Context()); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %v\n", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
			return nil
		},
	}
}

func newAuthStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show current session status",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			sess := application.Session()
			if !sess.IsAuthenticated {
				fmt.Fprintln(out, "Not authenticated. Run `tflow auth login`.")
				return nil
			}

			fmt.Fprintf(out, "Authenticated\n")
			fmt.Fprintf(out, "  User:      %s\n", strField(sess.User, "email", strField(sess.User, "id", "(unknown)")))
			fmt.Fprintf(out, "  Endpoint:  %s\n", cfg.Endpoint)

			exp, err := auth.TokenExpiry(sess.AccessToken)
			if err != nil {
				fmt.Fprintf(out, "  Expires:   unknown (%v)\n", err)
			} else {
				left := time.Until(exp).Round(time.Second)
				fmt.Fprintf(out, "  Expires:   %s (in %s)\n", formatTime(exp), left)
				if auth.IsExpiringSoon(sess.AccessToken, auth.DefaultExpiryThreshold) {
					fmt.Fprintln(out, "  Renewal:   due, the next request refreshes the token")
				}
			}

			refresh := "no"
			if sess.RefreshToken != "" {
				refresh = "yes"
			}
			fmt.Fprintf(out, "  Refresh:   %s\n", refresh)

			if n := application.Queue.Len(); n > 0 {
				fmt.Fprintf(out, "  Queued:    %d mutation(s), run `tflow queue flush`\n", n)
			}
			return nil
		},
	}
}

func newAuthWhoamiCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the current user profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			me, err := application.Me(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), me)
		},
	}
}

func newAuthRefreshCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Refresh the access token now",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := application.Refresh(cmd.Context()); err != nil {
				if errors.Is(err, api.ErrNotAuthenticated) {
					return err
				}
				return fmt.Errorf("refresh failed: %w", err)
			}

			exp, err := auth.TokenExpiry(application.Session().AccessToken)
			if err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), "Token refreshed.")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Token refreshed. New expiry: %s\n", formatTime(exp))
			return nil
		},
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}
