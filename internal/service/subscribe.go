package service

import (
	"context"
	"log/slog"

	"github.com/sakif/leadsync/internal/apperror"
	"github.com/sakif/leadsync/internal/ratelimit"
	"github.com/sakif/leadsync/internal/zoho"
)

// ContactForm is the body of a direct subscribe request.
type ContactForm struct {
	Email     string
	FirstName string
	LastName  string
	Phone     string
}

// SubscriptionService adds contacts to the mailing list without storing a
// lead. It backs the public subscribe endpoint and the post-login subscribe.
type SubscriptionService struct {
	subscriber zoho.Subscriber
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
}

// NewSubscriptionService creates a SubscriptionService. limiter is the
// per-IP budget of the public endpoint.
func NewSubscriptionService(subscriber zoho.Subscriber, limiter *ratelimit.Limiter, logger *slog.Logger) *SubscriptionService {
	return &SubscriptionService{subscriber: subscriber, limiter: limiter, logger: logger}
}

// Allow spends one unit of clientIP's budget. It runs before the body is
// read so floods are cheap to reject.
func (s *SubscriptionService) Allow(ctx context.Context, clientIP string) error {
	if s.limiter == nil {
		return nil
	}
	limited, err := s.limiter.CheckAndIncrement(ctx, clientIP)
	if err != nil {
		s.logger.Warn("subscribe rate limiter unavailable", slog.String("error", err.Error()))
		return nil
	}
	if limited {
		return apperror.RateLimited(msgRateLimited)
	}
	return nil
}

// Subscribe validates form and adds it to the list. A contact that is
// already on the list is a success. Provider failures come back as
// apperror.ErrUpstream carrying "Failed to subscribe via Zoho (code: X)".
func (s *SubscriptionService) Subscribe(ctx context.Context, form ContactForm) error {
	email := NormalizeEmail(form.Email)
	if email == "" {
		return apperror.ValidationFailed("email", msgInvalidEmail)
	}
	contact := zoho.Contact{
		Email:     email,
		FirstName: cleanString(form.FirstName, maxContactNameLength),
		LastName:  cleanString(form.LastName, maxContactNameLength),
		Phone:     cleanString(form.Phone, maxPhoneLength),
	}

	res, err := s.subscriber.Subscribe(ctx, contact)
	if err != nil {
		code, isZoho := zoho.ErrorCode(err)
		if !isZoho {
			return err
		}
		s.logger.Error("zoho subscribe failed",
			slog.String("email", email),
			slog.String("code", code),
			slog.String("error", err.Error()),
		)
		return apperror.Upstream(zohoFailureMessage(code), err)
	}

	if res != nil && res.AlreadyExists {
		s.logger.Info("contact already on list; treated as success", slog.String("email", email))
	}
	return nil
}

func zohoFailureMessage(code string) string {
	if code == "" {
		return "Failed to subscribe via Zoho"
	}
	return "Failed to subscribe via Zoho (code: " + code + ")"
}
