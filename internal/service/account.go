package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sakif/leadsync/internal/apperror"
	"github.com/sakif/leadsync/internal/auth"
	"github.com/sakif/leadsync/internal/inflight"
	"github.com/sakif/leadsync/internal/model"
	"github.com/sakif/leadsync/internal/repository"
	"github.com/sakif/leadsync/internal/zoho"
)

// AuthProfile is a session's identity with blanks turned into nil and the
// contact fields the mailing list wants.
type AuthProfile struct {
	ExternalID string
	Email      *string
	Name       *string
	ImageURL   *string
	FirstName  string
	LastName   string
	Phone      string
}

// NormalizeProfile builds an AuthProfile. A session without a subject is an
// error: the user row is keyed by it.
func NormalizeProfile(sess *auth.Session) (AuthProfile, error) {
	subject := strings.TrimSpace(sess.Subject)
	if subject == "" {
		return AuthProfile{}, errors.New("service/account: session user missing sub claim")
	}

	p := AuthProfile{
		ExternalID: subject,
		Email:      optionalString(sess.Email),
		Name:       optionalString(sess.Name),
		ImageURL:   optionalString(sess.Picture),
		FirstName:  strings.TrimSpace(sess.GivenName),
		LastName:   strings.TrimSpace(sess.FamilyName),
		Phone:      strings.TrimSpace(sess.PhoneNumber),
	}
	if p.Name != nil {
		first, last := zoho.SplitName(*p.Name)
		if p.FirstName == "" {
			p.FirstName = first
		}
		if p.LastName == "" {
			p.LastName = last
		}
	}
	return p, nil
}

// SyncResult is the local account behind a session.
type SyncResult struct {
	User         *model.User
	Profile      AuthProfile
	IsFirstLogin bool
}

// SubscribeState is the outcome of a post-login subscribe.
type SubscribeState string

const (
	StateSubscribed        SubscribeState = "subscribed"
	StateAlreadySubscribed SubscribeState = "already_subscribed"
	StateSkippedNoEmail    SubscribeState = "skipped_no_email"
	StateInProgress        SubscribeState = "in_progress"
)

// AccountService mirrors identity-provider users into the users table and
// subscribes them after login.
type AccountService struct {
	users         repository.UserRepository
	subscriptions *SubscriptionService
	guard         *inflight.Guard
	logger        *slog.Logger
	now           func() time.Time
}

// NewAccountService creates an AccountService.
func NewAccountService(
	users repository.UserRepository,
	subscriptions *SubscriptionService,
	guard *inflight.Guard,
	logger *slog.Logger,
) *AccountService {
	if guard == nil {
		guard = &inflight.Guard{}
	}
	return &AccountService{
		users:         users,
		subscriptions: subscriptions,
		guard:         guard,
		logger:        logger,
		now:           time.Now,
	}
}

// SyncAuthenticatedUser finds or creates the user for sess and refreshes the
// profile fields that changed.
//
// CONCURRENT FIRST LOGINS:
// Two requests for a brand-new subject can both miss the lookup. The loser of
// the INSERT race gets apperror.ErrConflict from the unique external_id and
// re-reads the winner's row instead of failing.
func (s *AccountService) SyncAuthenticatedUser(ctx context.Context, sess *auth.Session) (*SyncResult, error) {
	profile, err := NormalizeProfile(sess)
	if err != nil {
		return nil, err
	}
	input := repository.UserProfile{
		ExternalID: profile.ExternalID,
		Email:      profile.Email,
		Name:       profile.Name,
		ImageURL:   profile.ImageURL,
	}

	user, err := s.users.GetUserByExternalID(ctx, profile.ExternalID)
	switch {
	case errors.Is(err, apperror.ErrNotFound):
		user, err = s.users.CreateUser(ctx, input)
		if errors.Is(err, apperror.ErrConflict) {
			user, err = s.users.GetUserByExternalID(ctx, profile.ExternalID)
			if err != nil {
				return nil, fmt.Errorf("service/account: re-reading user after conflict: %w", err)
			}
			return &SyncResult{User: user, Profile: profile}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("service/account: creating user: %w", err)
		}
		s.logger.Info("user created", slog.String("userID", user.ID))
		return &SyncResult{User: user, Profile: profile, IsFirstLogin: true}, nil

	case err != nil:
		return nil, fmt.Errorf("service/account: finding user: %w", err)
	}

	if profileChanged(user, input) {
		updated, err := s.users.UpdateUserProfile(ctx, user.ID, input)
		if err != nil {
			return nil, fmt.Errorf("service/account: updating user %s: %w", user.ID, err)
		}
		user = updated
	}
	return &SyncResult{User: user, Profile: profile}, nil
}

// Me returns the local user for sess, or nil for an anonymous request.
func (s *AccountService) Me(ctx context.Context, sess *auth.Session) (*model.User, error) {
	if sess == nil {
		return nil, nil
	}
	res, err := s.SyncAuthenticatedUser(ctx, sess)
	if err != nil {
		return nil, err
	}
	return res.User, nil
}

// Subscribe puts the logged-in user on the mailing list once.
//
// Only one subscribe per user runs at a time; a concurrent call returns
// StateInProgress without contacting the provider.
func (s *AccountService) Subscribe(ctx context.Context, sess *auth.Session) (SubscribeState, error) {
	if sess == nil {
		return "", apperror.Unauthorized("Unauthorized")
	}

	res, err := s.SyncAuthenticatedUser(ctx, sess)
	if err != nil {
		return "", err
	}
	user, profile := res.User, res.Profile

	if profile.Email == nil {
		return StateSkippedNoEmail, nil
	}
	if user.IsSubscribed() {
		return StateAlreadySubscribed, nil
	}

	release, ok := s.guard.TryAcquire(user.ID)
	if !ok {
		return StateInProgress, nil
	}
	defer release()

	// Another call may have subscribed this user between the read above and
	// acquiring the guard.
	current, err := s.users.GetUserByID(ctx, user.ID)
	if err != nil {
		return "", fmt.Errorf("service/account: re-reading user %s: %w", user.ID, err)
	}
	if current.IsSubscribed() {
		return StateAlreadySubscribed, nil
	}

	err = s.subscriptions.Subscribe(ctx, ContactForm{
		Email:     *profile.Email,
		FirstName: profile.FirstName,
		LastName:  profile.LastName,
		Phone:     profile.Phone,
	})
	if err != nil {
		s.logger.Error("post-login subscribe failed",
			slog.String("userID", user.ID),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, apperror.ErrUpstream) {
			return "", err
		}
		return "", apperror.Upstream(zohoFailureMessage(""), err)
	}

	if _, err := s.users.MarkUserSubscribed(ctx, user.ID, s.now()); err != nil {
		return "", fmt.Errorf("service/account: marking user %s subscribed: %w", user.ID, err)
	}
	return StateSubscribed, nil
}

func profileChanged(u *model.User, p repository.UserProfile) bool {
	return !equalStringPtr(u.Email, p.Email) ||
		!equalStringPtr(u.Name, p.Name) ||
		!equalStringPtr(u.ImageURL, p.ImageURL)
}

func equalStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func optionalString(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}
