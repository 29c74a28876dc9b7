package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rs/xid"
	"github.com/sakif/leadsync/internal/apperror"
	"github.com/sakif/leadsync/internal/auth"
	"github.com/sakif/leadsync/internal/model"
	"github.com/sakif/leadsync/internal/repository"
)

const (
	// PostLoginFlow marks a callback that finishes a passwordless login.
	PostLoginFlow = "pwl"
	// PostLoginPath is where the provider callback sends the browser after
	// a passwordless login.
	PostLoginPath = "/api/v1/auth/post-login?flow=" + PostLoginFlow
)

// Authorizer builds the identity provider's authorize URL.
// *auth.Provider satisfies it.
type Authorizer interface {
	AuthURL(state string, params auth.LoginParams) string
}

// LoginOutcome says why a passwordless login did or did not start.
type LoginOutcome string

const (
	LoginInitiated            LoginOutcome = "initiated"
	LoginRejectedInvalidEmail LoginOutcome = "invalid_email"
	LoginRejectedNoLead       LoginOutcome = "no_lead"
	LoginRejectedNotSynced    LoginOutcome = "not_synced"
	LoginRejectedCooldown     LoginOutcome = "cooldown"
)

// LoginStart is the result of Initiate. AuthURL and State are only set when
// Outcome is LoginInitiated.
type LoginStart struct {
	Outcome  LoginOutcome
	AuthURL  string
	State    string
	ReturnTo string
}

// Initiated reports whether the browser should go to the provider.
func (l *LoginStart) Initiated() bool {
	return l.Outcome == LoginInitiated
}

// LoginService drives the passwordless login around the identity provider.
//
// GATES, IN ORDER:
//  1. the email parses
//  2. a lead exists for it
//  3. the lead reached the mailing list (zoho_synced_at set)
//  4. the last login for the lead started at least `cooldown` ago
//
// Every rejection looks the same to the visitor (a redirect home), so the
// endpoint reveals nothing about which emails are registered.
type LoginService struct {
	leads      repository.LeadRepository
	leadSvc    *LeadService
	accounts   *AccountService
	authorizer Authorizer
	cooldown   time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewLoginService creates a LoginService. The cooldown is truncated to whole
// seconds; anything under one second falls back to model.DefaultLoginCooldown.
func NewLoginService(
	leads repository.LeadRepository,
	leadSvc *LeadService,
	accounts *AccountService,
	authorizer Authorizer,
	cooldown time.Duration,
	logger *slog.Logger,
) *LoginService {
	cooldown = cooldown.Truncate(time.Second)
	if cooldown < time.Second {
		cooldown = model.DefaultLoginCooldown
	}
	return &LoginService{
		leads:      leads,
		leadSvc:    leadSvc,
		accounts:   accounts,
		authorizer: authorizer,
		cooldown:   cooldown,
		logger:     logger,
		now:        time.Now,
	}
}

// Cooldown returns the effective resend cooldown.
func (s *LoginService) Cooldown() time.Duration {
	return s.cooldown
}

// Initiate decides whether rawEmail may start a passwordless login and, if
// so, records the attempt and returns the provider URL.
func (s *LoginService) Initiate(ctx context.Context, rawEmail string) (*LoginStart, error) {
	email := NormalizeEmail(rawEmail)
	if email == "" {
		return &LoginStart{Outcome: LoginRejectedInvalidEmail}, nil
	}

	lead, err := s.leads.FindLeadByEmail(ctx, email)
	if errors.Is(err, apperror.ErrNotFound) {
		return &LoginStart{Outcome: LoginRejectedNoLead}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("service/login: finding lead %s: %w", email, err)
	}
	if !lead.IsSynced() {
		return &LoginStart{Outcome: LoginRejectedNotSynced}, nil
	}
	if lead.InCooldown(s.now(), s.cooldown) {
		return &LoginStart{Outcome: LoginRejectedCooldown}, nil
	}

	if err := s.leads.MarkLoginInitiated(ctx, lead.ID); err != nil {
		return nil, fmt.Errorf("service/login: marking login for lead %s: %w", lead.ID, err)
	}

	state := xid.New().String()
	s.logger.Info("passwordless login initiated", slog.String("leadID", lead.ID))

	return &LoginStart{
		Outcome: LoginInitiated,
		AuthURL: s.authorizer.AuthURL(state, auth.LoginParams{
			Connection: "email",
			LoginHint:  email,
			ScreenHint: "login",
		}),
		State:    state,
		ReturnTo: PostLoginPath,
	}, nil
}

// Complete runs after the provider callback of a passwordless login: it
// syncs the user and carries a synced lead's subscription over. Nothing
// happens unless flow is PostLoginFlow and sess is set. Failures are logged,
// never returned, because the browser goes home either way.
func (s *LoginService) Complete(ctx context.Context, flow string, sess *auth.Session) {
	if flow != PostLoginFlow || sess == nil {
		return
	}

	res, err := s.accounts.SyncAuthenticatedUser(ctx, sess)
	if err != nil {
		s.logger.Error("post-login user sync failed", slog.String("error", err.Error()))
		return
	}
	if _, err := s.leadSvc.ReconcileUserSubscription(ctx, res.User); err != nil {
		s.logger.Error("post-login reconciliation failed",
			slog.String("userID", res.User.ID),
			slog.String("error", err.Error()),
		)
	}
}
