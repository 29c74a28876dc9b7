package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sakif/leadsync/internal/server"
)

// ResyncOptions holds flags for the resync command.
type ResyncOptions struct {
	*RootOptions
	Limit int
}

// NewResyncCommand creates the resync command.
func NewResyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resync",
		Short: "Retry the Zoho subscribe for leads that never synced",
		Long: `Retry the Zoho subscribe for every lead without zoho_synced_at, oldest
first. Each failure is recorded on the lead; the command exits non-zero when
any lead failed.

Example:
  leadsync resync --limit 50`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResync(cmd, opts)
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 100, "maximum number of leads to retry")

	return cmd
}

func runResync(cmd *cobra.Command, opts *ResyncOptions) error {
	if opts.Limit <= 0 {
		return fmt.Errorf("--limit must be positive, got %d", opts.Limit)
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, opts.Config, opts.Logger)
	if err != nil {
		return fmt.Errorf("opening services: %w", err)
	}
	defer srv.Close()

	report, err := srv.Leads().ResyncPending(ctx, opts.Limit)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "attempted=%d synced=%d failed=%d\n",
		report.Attempted, report.Synced, report.Failed)
	if report.Failed > 0 {
		return fmt.Errorf("%d of %d leads failed to sync", report.Failed, report.Attempted)
	}
	return nil
}
