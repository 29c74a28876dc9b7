// Package main is the entry point for the leadsync server.
//
// MAIN PACKAGE IN GO:
// Every Go program starts execution in the main() function of the "main" package.
// The main package should be kept minimal. Configuration, logging and wiring
// live in internal/cli and internal/server; main only runs the root command
// and turns an error into a non-zero exit code.
//
// WHY cmd/server/?
// The cmd/ directory is a Go convention for executable entry points.
// `server` with no arguments serves HTTP; `server resync` is the maintenance
// command that shares the same configuration.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/sakif/leadsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		slog.Error("leadsync failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
