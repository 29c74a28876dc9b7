package zoho

import (
	"context"
	"log/slog"
)

// DryRun is the Subscriber used when TEST_MODE is on: it logs and succeeds
// without calling Zoho.
type DryRun struct {
	Logger *slog.Logger
}

var _ Subscriber = DryRun{}

func (d DryRun) Subscribe(ctx context.Context, contact Contact) (*Result, error) {
	d.Logger.InfoContext(ctx, "zoho: TEST_MODE=true; skipping list subscribe",
		slog.String("email", contact.Email),
	)
	return &Result{}, nil
}
