package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/sakif/leadsync/internal/service"
)

// Subscriber is the public subscribe use case. *service.SubscriptionService
// satisfies it.
type Subscriber interface {
	Allow(ctx context.Context, clientIP string) error
	Subscribe(ctx context.Context, form service.ContactForm) error
}

// SubscribeHandler serves the public newsletter endpoint.
type SubscribeHandler struct {
	subscriptions Subscriber
	logger        *slog.Logger
}

// NewSubscribeHandler creates a SubscribeHandler.
func NewSubscribeHandler(subscriptions Subscriber, logger *slog.Logger) *SubscribeHandler {
	return &SubscribeHandler{subscriptions: subscriptions, logger: logger}
}

// HandleSubscribe puts an email on the mailing list.
//
// HTTP: POST /api/v1/zoho/subscribe
// REQUEST BODY: {"email": "...", "firstName": "...", "lastName": "...", "phone": "..."}
//
// The per-IP budget is charged before the body is read, so malformed
// requests count against it too.
func (h *SubscribeHandler) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if err := h.subscriptions.Allow(r.Context(), clientIP(r)); err != nil {
		writeError(w, err)
		return
	}

	body, err := decodeObject(w, r)
	if err != nil {
		writeBodyError(w, err)
		return
	}

	err = h.subscriptions.Subscribe(r.Context(), service.ContactForm{
		Email:     stringField(body, "email"),
		FirstName: stringField(body, "firstName"),
		LastName:  stringField(body, "lastName"),
		Phone:     stringField(body, "phone"),
	})
	if err != nil {
		h.logger.Warn("subscribe failed", slog.String("error", err.Error()))
		writeError(w, err)
		return
	}
	writeOK(w)
}
