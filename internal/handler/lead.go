package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sakif/leadsync/internal/apperror"
	"github.com/sakif/leadsync/internal/model"
	"github.com/sakif/leadsync/internal/service"
)

// Verifier checks a bot-protection token. *turnstile.Verifier satisfies it.
type Verifier interface {
	Enabled() bool
	SiteKey() string
	Verify(ctx context.Context, token, remoteIP string) bool
}

// LeadRegistrar is the lead use-case surface. *service.LeadService satisfies it.
type LeadRegistrar interface {
	Capture(ctx context.Context, form service.LeadForm) (*model.Lead, error)
	Start(ctx context.Context, form service.LeadForm, clientIP string) error
	Retry(ctx context.Context, form service.LeadForm, clientIP string) error
}

// LeadHandler serves the forms that register leads.
//
//   - HandleCapture          → POST /api/v1/lead
//   - HandlePasswordlessStart → POST /api/v1/auth/passwordless-start
//   - HandleRetry            → POST /api/v1/auth/retry
//   - HandleFormConfig       → GET  /api/v1/lead/config
type LeadHandler struct {
	leads    LeadRegistrar
	verifier Verifier
	logger   *slog.Logger
}

// NewLeadHandler creates a LeadHandler.
func NewLeadHandler(leads LeadRegistrar, verifier Verifier, logger *slog.Logger) *LeadHandler {
	return &LeadHandler{leads: leads, verifier: verifier, logger: logger}
}

func leadForm(body map[string]any) service.LeadForm {
	return service.LeadForm{
		Name:     stringField(body, "name"),
		Email:    stringField(body, "email"),
		Phone:    stringField(body, "phone"),
		Honeypot: stringField(body, "hp"),
	}
}

// HandleCapture registers a signup-form lead.
//
// HTTP: POST /api/v1/lead
// REQUEST BODY: {"name": "...", "email": "...", "phone": "...", "hp": "", "turnstileToken": "..."}
//
// Apart from the bot check, the answer is always {"ok": true}: a scraper must
// not learn whether an email is registered or whether the sync worked.
func (h *LeadHandler) HandleCapture(w http.ResponseWriter, r *http.Request) {
	body, err := decodeObject(w, r)
	if err != nil {
		writeOK(w)
		return
	}
	form := leadForm(body)
	if form.IsBot() {
		writeOK(w)
		return
	}

	if h.verifier == nil || !h.verifier.Enabled() {
		writeError(w, apperror.Unavailable("Security verification is unavailable. Please try again later."))
		return
	}
	token := stringField(body, "turnstileToken")
	if strings.TrimSpace(token) == "" {
		writeFailure(w, http.StatusBadRequest, "Please complete the Cloudflare Turnstile check.")
		return
	}
	if !h.verifier.Verify(r.Context(), token, clientIP(r)) {
		writeFailure(w, http.StatusBadRequest, "Turnstile verification failed. Please try again.")
		return
	}

	if _, err := h.leads.Capture(r.Context(), form); err != nil {
		h.logger.Warn("lead capture incomplete", slog.String("error", err.Error()))
	}
	writeOK(w)
}

// HandlePasswordlessStart registers the lead that is about to log in.
//
// HTTP: POST /api/v1/auth/passwordless-start
// REQUEST BODY: {"name": "...", "email": "...", "phone": "...", "hp": ""}
func (h *LeadHandler) HandlePasswordlessStart(w http.ResponseWriter, r *http.Request) {
	body, err := decodeObject(w, r)
	if err != nil {
		writeBodyError(w, err)
		return
	}

	if err := h.leads.Start(r.Context(), leadForm(body), clientIP(r)); err != nil {
		h.logger.Warn("passwordless start rejected", slog.String("error", err.Error()))
		writeError(w, err)
		return
	}
	writeOK(w)
}

// HandleRetry re-attempts the sync of a lead whose first subscribe failed.
//
// HTTP: POST /api/v1/auth/retry
// REQUEST BODY: {"email": "...", "hp": ""}
func (h *LeadHandler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	body, err := decodeObject(w, r)
	if err != nil {
		writeBodyError(w, err)
		return
	}

	if err := h.leads.Retry(r.Context(), leadForm(body), clientIP(r)); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w)
}

// FormConfig is what the browser needs to render the capture form.
type FormConfig struct {
	TurnstileEnabled bool   `json:"turnstileEnabled"`
	TurnstileSiteKey string `json:"turnstileSiteKey,omitempty"`
}

// HandleFormConfig returns the public Turnstile site key.
//
// HTTP: GET /api/v1/lead/config
func (h *LeadHandler) HandleFormConfig(w http.ResponseWriter, r *http.Request) {
	var cfg FormConfig
	if h.verifier != nil && h.verifier.Enabled() {
		cfg = FormConfig{TurnstileEnabled: true, TurnstileSiteKey: h.verifier.SiteKey()}
	}
	writeJSON(w, http.StatusOK, cfg)
}

func writeBodyError(w http.ResponseWriter, err error) {
	var be errBody
	if errors.As(err, &be) {
		writeFailure(w, http.StatusBadRequest, string(be))
		return
	}
	writeFailure(w, http.StatusBadRequest, string(errInvalidJSON))
}
