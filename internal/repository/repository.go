// Package repository defines the storage contracts the services depend on.
// Implementations live in the sqlite and postgres subpackages; both must pass
// the same behavioural tests.
package repository

import (
	"context"
	"time"

	"github.com/sakif/leadsync/internal/model"
)

// LeadInput is what a capture form or passwordless start submits.
// EmailNormalized is the unique key; Phone nil leaves a stored phone untouched.
type LeadInput struct {
	Name            string
	EmailNormalized string
	Phone           *string
}

// LeadRepository stores Leads.
//
// UpsertLead must be atomic against the email_normalized unique constraint:
// two concurrent upserts for the same email converge on one row and neither
// returns an error.
type LeadRepository interface {
	UpsertLead(ctx context.Context, in LeadInput) (*model.Lead, error)
	// FindLeadByEmail returns apperror.ErrNotFound when no lead matches.
	FindLeadByEmail(ctx context.Context, emailNormalized string) (*model.Lead, error)
	// MarkLeadSynced stamps zoho_synced_at (only if still NULL) and clears
	// zoho_last_error.
	MarkLeadSynced(ctx context.Context, id string) error
	// MarkLeadFailed records the failure detail and never touches zoho_synced_at.
	MarkLeadFailed(ctx context.Context, id, message string) error
	// MarkLoginInitiated increments login_initiated_count and stamps
	// login_initiated_at.
	MarkLoginInitiated(ctx context.Context, id string) error
	// ListUnsyncedLeads returns up to limit leads that never synced, oldest first.
	ListUnsyncedLeads(ctx context.Context, limit int) ([]model.Lead, error)
}

// UserProfile is the identity-provider view of a person.
type UserProfile struct {
	ExternalID string
	Email      *string
	Name       *string
	ImageURL   *string
}

// UserRepository stores Users.
type UserRepository interface {
	// CreateUser returns apperror.ErrConflict when external_id already exists.
	CreateUser(ctx context.Context, p UserProfile) (*model.User, error)
	// UpdateUserProfile overwrites email, name and image_url.
	UpdateUserProfile(ctx context.Context, id string, p UserProfile) (*model.User, error)
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	GetUserByExternalID(ctx context.Context, externalID string) (*model.User, error)
	// MarkUserSubscribed sets zoho_subscribed_at when it is still NULL and
	// returns the stored row either way.
	MarkUserSubscribed(ctx context.Context, id string, at time.Time) (*model.User, error)
}

// Store is a complete backend: both repositories plus the connection
// lifecycle. *sqlite.DB and *postgres.DB satisfy it.
type Store interface {
	LeadRepository
	UserRepository
	Ping(ctx context.Context) error
	Close() error
}
