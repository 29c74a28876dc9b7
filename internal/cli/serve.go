package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sakif/leadsync/internal/server"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long: `Start the HTTP server. It stops gracefully on SIGINT or SIGTERM.

Example:
  leadsync serve
  leadsync serve --env-file .env.production`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, rootOpts)
		},
	}
}

func runServe(cmd *cobra.Command, opts *RootOptions) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	srv, err := server.New(ctx, opts.Config, opts.Logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	// Start() blocks until the server is shut down (via Ctrl+C or SIGTERM)
	return srv.Start()
}
