// Package cli is the leadsync command line: `serve` runs the HTTP server and
// `resync` retries leads that never reached the mailing list.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sakif/leadsync/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	EnvFiles []string

	// Set by PersistentPreRunE.
	Config *config.Config
	Logger *slog.Logger
}

// NewRootCommand creates the root command. Running it without a subcommand
// starts the server.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "leadsync",
		Short: "leadsync - lead capture and Zoho Campaigns sync",
		Long: `leadsync stores signup-form leads, subscribes them to a Zoho Campaigns
list and gates a passwordless login on a successful sync.

Configuration comes from the environment, optionally seeded from .env files.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.EnvFiles...)
			if err != nil {
				return err
			}
			opts.Config = cfg
			opts.Logger = newLogger(cfg)
			slog.SetDefault(opts.Logger)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.PersistentFlags().StringSliceVar(&opts.EnvFiles, "env-file", nil, "dotenv files to load before the environment (default .env)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewResyncCommand(opts))

	return cmd
}

// newLogger writes text logs to stdout at the configured level.
func newLogger(cfg *config.Config) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
}
