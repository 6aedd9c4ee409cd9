package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/tradeflow/tflow/internal/commands"
)

// Injected at build time by GoReleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := commands.Execute(ctx, version, commit, date)
	stop()
	os.Exit(code)
}
