package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tradeflow/tflow/internal/api"
	"github.com/tradeflow/tflow/internal/app"
	"github.com/tradeflow/tflow/internal/config"
	"github.com/tradeflow/tflow/internal/logging"
)

var (
	// Global flags
	endpointFlag string
	logLevelFlag string

	// Shared instances (initialized in initGlobals)
	cfg         *config.Config
	logger      = zerolog.Nop()
	application *app.App
)

// Execute is the entry point called from main.go.
func Execute(ctx context.Context, version, commit, date string) int {
	root := newRootCommand(version, commit, date)
	err := root.ExecuteContext(ctx)
	if application != nil {
		application.Close()
	}
	if err == nil {
		return 0
	}

	if api.IsAuthError(err) {
		fmt.Fprintln(os.Stderr, "Session expired. Run `tflow auth login`.")
		logger.Debug().Err(err).Msg("session ended")
	} else {
		fmt.Fprintln(os.Stderr, err)
	}
	return 1
}

func newRootCommand(version, commit, date string) *cobra.Command {
	root := &cobra.Command{
		Use:   "tflow",
		Short: "Command-line client for the trade-spend API",
		Long: `tflow talks to the trade-spend REST API on behalf of one signed-in user.
It keeps the session fresh, caches reads for a few minutes and queues
mutations made while offline.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initGlobals()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	root.PersistentFlags().StringVar(&endpointFlag, "endpoint", "", "Override the API endpoint URL")
	root.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level (debug, info, warn, error)")

	root.AddCommand(newAuthCommand())
	for _, r := range resourceCommands {
		root.AddCommand(newResourceCommand(r))
	}
	root.AddCommand(newQueueCommand())

	return root
}

// initGlobals loads config and builds the shared application instance.
func initGlobals() error {
	var err error
	cfg, err = config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Flags override config and environment.
	if endpointFlag != "" {
		cfg.Endpoint = endpointFlag
	}
	if logLevelFlag != "" {
		cfg.LogLevel = logLevelFlag
	}

	logger, err = logging.New(cfg.LogLevel, os.Stderr)
	if err != nil {
		return err
	}

	return buildApp()
}

func buildApp() error {
	if application != nil {
		application.Close()
	}
	a, err := app.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	application = a
	return nil
}

// requireSession fails fast when nobody is signed in.
func requireSession() error {
	if !application.IsAuthenticated() {
		return api.ErrNotAuthenticated
	}
	return nil
}
