// Package service holds the lead and account business rules.
//
// It sits between the HTTP handlers and the collaborators:
//
//	handler → LeadService    → LeadRepository (DB)
//	                         ↘ zoho.Subscriber (mailing list)
//	        → LoginService   → auth.Provider (authorize URL)
//	        → AccountService → UserRepository (DB)
//
// SYNC STATE MACHINE FOR A LEAD:
//
//	(none) --upsert--> UNSYNCED --subscribe ok--> SYNCED
//	                      |  ^
//	       subscribe fail |  | (last error recorded, retry later)
//	                      v  |
//	                   UNSYNCED
//
// SYNCED is terminal: zoho_synced_at is set once and never cleared, so a later
// failure for the same email only updates zoho_last_error.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sakif/leadsync/internal/apperror"
	"github.com/sakif/leadsync/internal/model"
	"github.com/sakif/leadsync/internal/ratelimit"
	"github.com/sakif/leadsync/internal/repository"
	"github.com/sakif/leadsync/internal/zoho"
)

// Messages shown to visitors.
const (
	msgNameRequired = "Name is required"
	msgInvalidEmail = "Invalid email format"
	msgRateLimited  = "Too many requests. Please try again shortly."
	msgSyncFailed   = "Unable to process your request right now. Please try again."
)

// LeadForm is a visitor submission from the capture form or the passwordless
// start page. Values are raw; the service normalizes them.
type LeadForm struct {
	Name     string
	Email    string
	Phone    string
	Honeypot string
}

// IsBot reports whether the hidden honeypot field was filled in.
func (f LeadForm) IsBot() bool {
	return NormalizeHoneypot(f.Honeypot) != ""
}

// LeadService registers leads and keeps them in sync with the mailing list.
type LeadService struct {
	leads        repository.LeadRepository
	users        repository.UserRepository
	subscriber   zoho.Subscriber
	loginLimiter *ratelimit.Limiter
	logger       *slog.Logger
}

// NewLeadService creates a LeadService. loginLimiter throttles passwordless
// start and retry per client IP and email.
func NewLeadService(
	leads repository.LeadRepository,
	users repository.UserRepository,
	subscriber zoho.Subscriber,
	loginLimiter *ratelimit.Limiter,
	logger *slog.Logger,
) *LeadService {
	return &LeadService{
		leads:        leads,
		users:        users,
		subscriber:   subscriber,
		loginLimiter: loginLimiter,
		logger:       logger,
	}
}

// Capture stores a signup-form lead and tries to subscribe it.
//
// The caller answers the visitor with the same generic success whatever
// happens here, so invalid input is dropped silently and sync failures are
// only recorded on the lead. A nil lead means nothing was stored.
func (s *LeadService) Capture(ctx context.Context, form LeadForm) (*model.Lead, error) {
	name := NormalizeName(form.Name)
	email := NormalizeEmail(form.Email)
	if name == "" || email == "" {
		return nil, nil
	}

	lead, err := s.leads.UpsertLead(ctx, repository.LeadInput{
		Name:            name,
		EmailNormalized: email,
		Phone:           NormalizePhone(form.Phone),
	})
	if err != nil {
		return nil, fmt.Errorf("service/lead: upserting lead %s: %w", email, err)
	}

	if err := s.SyncLead(ctx, lead); err != nil {
		return lead, err
	}
	return lead, nil
}

// Start registers a lead before the passwordless login.
//
// Validation errors are returned as apperror.ErrValidation, an exhausted
// budget as apperror.ErrRateLimited, and a failed subscribe as
// apperror.ErrUpstream. A bot submission returns nil without side effects.
func (s *LeadService) Start(ctx context.Context, form LeadForm, clientIP string) error {
	if form.IsBot() {
		return nil
	}

	name, email, err := validateLoginForm(form)
	if err != nil {
		return err
	}
	if err := s.checkLoginLimit(ctx, clientIP, email); err != nil {
		return err
	}

	lead, err := s.leads.UpsertLead(ctx, repository.LeadInput{
		Name:            name,
		EmailNormalized: email,
		Phone:           NormalizePhone(form.Phone),
	})
	if err != nil {
		return fmt.Errorf("service/lead: upserting lead %s: %w", email, err)
	}

	if lead.IsSynced() {
		return nil
	}
	if err := s.SyncLead(ctx, lead); err != nil {
		return apperror.Upstream(msgSyncFailed, err)
	}
	return nil
}

// Retry re-attempts the subscribe for an existing lead that never synced.
// Only the email is read from form. Unknown emails and sync failures are not
// reported to the caller.
func (s *LeadService) Retry(ctx context.Context, form LeadForm, clientIP string) error {
	if form.IsBot() {
		return nil
	}

	email := NormalizeEmail(form.Email)
	if email == "" {
		return apperror.ValidationFailed("email", msgInvalidEmail)
	}
	if err := s.checkLoginLimit(ctx, clientIP, email); err != nil {
		return err
	}

	lead, err := s.leads.FindLeadByEmail(ctx, email)
	if errors.Is(err, apperror.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("service/lead: finding lead %s: %w", email, err)
	}
	if lead.IsSynced() {
		return nil
	}

	// SyncLead already recorded the failure on the lead.
	_ = s.SyncLead(ctx, lead)
	return nil
}

// SyncLead subscribes lead to the mailing list and records the outcome.
// A duplicate on the provider side counts as success.
func (s *LeadService) SyncLead(ctx context.Context, lead *model.Lead) error {
	first, last := zoho.SplitName(lead.Name)

	_, err := s.subscriber.Subscribe(ctx, zoho.Contact{
		Email:     lead.EmailNormalized,
		FirstName: first,
		LastName:  last,
		Phone:     lead.PhoneValue(),
	})
	if err != nil {
		s.logger.Warn("lead sync failed",
			slog.String("leadID", lead.ID),
			slog.String("email", lead.EmailNormalized),
			slog.String("error", err.Error()),
		)
		if markErr := s.leads.MarkLeadFailed(ctx, lead.ID, SafeErrorMessage(err)); markErr != nil {
			s.logger.Error("recording lead sync failure",
				slog.String("leadID", lead.ID),
				slog.String("error", markErr.Error()),
			)
		}
		return fmt.Errorf("service/lead: subscribing lead %s: %w", lead.ID, err)
	}

	if err := s.leads.MarkLeadSynced(ctx, lead.ID); err != nil {
		return fmt.Errorf("service/lead: marking lead %s synced: %w", lead.ID, err)
	}
	s.logger.Info("lead synced",
		slog.String("leadID", lead.ID),
		slog.String("email", lead.EmailNormalized),
	)
	return nil
}

// ReconcileUserSubscription copies a synced lead's timestamp onto the user
// with the same email, so a person who signed up before logging in is not
// subscribed a second time. It returns the user as stored afterwards.
func (s *LeadService) ReconcileUserSubscription(ctx context.Context, user *model.User) (*model.User, error) {
	if user == nil || user.Email == nil || user.IsSubscribed() {
		return user, nil
	}
	email := normalizeStoredEmail(*user.Email)
	if email == "" {
		return user, nil
	}

	lead, err := s.leads.FindLeadByEmail(ctx, email)
	if errors.Is(err, apperror.ErrNotFound) {
		return user, nil
	}
	if err != nil {
		return user, fmt.Errorf("service/lead: finding lead for user %s: %w", user.ID, err)
	}
	if !lead.IsSynced() {
		return user, nil
	}

	updated, err := s.users.MarkUserSubscribed(ctx, user.ID, *lead.ZohoSyncedAt)
	if err != nil {
		return user, fmt.Errorf("service/lead: reconciling user %s: %w", user.ID, err)
	}
	s.logger.Info("user subscription reconciled from lead",
		slog.String("userID", user.ID),
		slog.String("leadID", lead.ID),
	)
	return updated, nil
}

// ResyncReport summarises a ResyncPending run.
type ResyncReport struct {
	Attempted int
	Synced    int
	Failed    int
}

// ResyncPending retries every lead that never synced, oldest first, up to
// limit leads. Individual failures are counted, not returned.
func (s *LeadService) ResyncPending(ctx context.Context, limit int) (ResyncReport, error) {
	var report ResyncReport

	leads, err := s.leads.ListUnsyncedLeads(ctx, limit)
	if err != nil {
		return report, fmt.Errorf("service/lead: listing unsynced leads: %w", err)
	}

	for i := range leads {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Attempted++
		if err := s.SyncLead(ctx, &leads[i]); err != nil {
			report.Failed++
			continue
		}
		report.Synced++
	}

	s.logger.Info("resync finished",
		slog.Int("attempted", report.Attempted),
		slog.Int("synced", report.Synced),
		slog.Int("failed", report.Failed),
	)
	return report, nil
}

// checkLoginLimit applies the login budget. A broken counter fails open.
func (s *LeadService) checkLoginLimit(ctx context.Context, clientIP, email string) error {
	if s.loginLimiter == nil {
		return nil
	}
	limited, err := s.loginLimiter.CheckAndIncrement(ctx, clientIP+":"+email)
	if err != nil {
		s.logger.Warn("login rate limiter unavailable", slog.String("error", err.Error()))
		return nil
	}
	if limited {
		return apperror.RateLimited(msgRateLimited)
	}
	return nil
}

func validateLoginForm(form LeadForm) (name, email string, err error) {
	name = NormalizeName(form.Name)
	if name == "" {
		return "", "", apperror.ValidationFailed("name", msgNameRequired)
	}
	email = NormalizeEmail(form.Email)
	if email == "" {
		return "", "", apperror.ValidationFailed("email", msgInvalidEmail)
	}
	return name, email, nil
}
