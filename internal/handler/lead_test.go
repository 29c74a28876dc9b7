package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sakif/leadsync/internal/apperror"
	"github.com/sakif/leadsync/internal/handler"
	"github.com/sakif/leadsync/internal/model"
	"github.com/sakif/leadsync/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// MockLeads records what the handler passed and returns canned errors.
type MockLeads struct {
	CapturedForm service.LeadForm
	CapturedIP   string
	Calls        int
	ReturnErr    error
}

func (m *MockLeads) Capture(ctx context.Context, form service.LeadForm) (*model.Lead, error) {
	m.Calls++
	m.CapturedForm = form
	return nil, m.ReturnErr
}

func (m *MockLeads) Start(ctx context.Context, form service.LeadForm, clientIP string) error {
	m.Calls++
	m.CapturedForm, m.CapturedIP = form, clientIP
	return m.ReturnErr
}

func (m *MockLeads) Retry(ctx context.Context, form service.LeadForm, clientIP string) error {
	m.Calls++
	m.CapturedForm, m.CapturedIP = form, clientIP
	return m.ReturnErr
}

// MockVerifier is a switchable bot-protection check.
type MockVerifier struct {
	Disabled     bool
	Reject       bool
	CapturedTok  string
	CapturedAddr string
}

func (m *MockVerifier) Enabled() bool { return !m.Disabled }

func (m *MockVerifier) SiteKey() string { return "site-key" }

func (m *MockVerifier) Verify(ctx context.Context, token, remoteIP string) bool {
	m.CapturedTok, m.CapturedAddr = token, remoteIP
	return !m.Reject
}

func post(t *testing.T, h http.HandlerFunc, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "203.0.113.7:41000"
	rr := httptest.NewRecorder()
	h(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	return body
}

// =========================================================================
// CAPTURE
// =========================================================================

func TestLeadHandler_HandleCapture(t *testing.T) {
	t.Run("valid submission", func(t *testing.T) {
		leads, verifier := &MockLeads{}, &MockVerifier{}
		h := handler.NewLeadHandler(leads, verifier, testLogger)

		rr := post(t, h.HandleCapture, `{"name":"Ada","email":"ada@example.com","phone":"123","turnstileToken":"tok"}`)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, map[string]any{"ok": true}, decodeBody(t, rr))
		assert.Equal(t, "ada@example.com", leads.CapturedForm.Email)
		assert.Equal(t, "tok", verifier.CapturedTok)
		assert.Equal(t, "203.0.113.7", verifier.CapturedAddr)
	})

	t.Run("malformed JSON still looks like success", func(t *testing.T) {
		leads := &MockLeads{}
		h := handler.NewLeadHandler(leads, &MockVerifier{}, testLogger)

		rr := post(t, h.HandleCapture, `{"name":`)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, 0, leads.Calls)
	})

	t.Run("honeypot short-circuits before verification", func(t *testing.T) {
		leads := &MockLeads{}
		h := handler.NewLeadHandler(leads, &MockVerifier{Disabled: true}, testLogger)

		rr := post(t, h.HandleCapture, `{"name":"Bot","email":"bot@example.com","hp":"http://spam"}`)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, 0, leads.Calls)
	})

	t.Run("verification not configured", func(t *testing.T) {
		h := handler.NewLeadHandler(&MockLeads{}, &MockVerifier{Disabled: true}, testLogger)

		rr := post(t, h.HandleCapture, `{"name":"Ada","email":"ada@example.com"}`)

		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
		assert.Equal(t, "Security verification is unavailable. Please try again later.", decodeBody(t, rr)["error"])
	})

	t.Run("missing token", func(t *testing.T) {
		h := handler.NewLeadHandler(&MockLeads{}, &MockVerifier{}, testLogger)

		rr := post(t, h.HandleCapture, `{"name":"Ada","email":"ada@example.com","turnstileToken":"  "}`)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "Please complete the Cloudflare Turnstile check.", decodeBody(t, rr)["error"])
	})

	t.Run("rejected token", func(t *testing.T) {
		leads := &MockLeads{}
		h := handler.NewLeadHandler(leads, &MockVerifier{Reject: true}, testLogger)

		rr := post(t, h.HandleCapture, `{"name":"Ada","email":"ada@example.com","turnstileToken":"bad"}`)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "Turnstile verification failed. Please try again.", decodeBody(t, rr)["error"])
		assert.Equal(t, 0, leads.Calls)
	})

	t.Run("service failure is hidden", func(t *testing.T) {
		leads := &MockLeads{ReturnErr: errors.New("db down")}
		h := handler.NewLeadHandler(leads, &MockVerifier{}, testLogger)

		rr := post(t, h.HandleCapture, `{"name":"Ada","email":"ada@example.com","turnstileToken":"tok"}`)

		assert.Equal(t, http.StatusOK, rr.Code)
	})
}

// =========================================================================
// PASSWORDLESS START / RETRY
// =========================================================================

func TestLeadHandler_HandlePasswordlessStart(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantError  string
	}{
		{"ok", `{"name":"Ada","email":"ada@example.com"}`, nil, http.StatusOK, ""},
		{"invalid JSON", `{`, nil, http.StatusBadRequest, "Invalid JSON body"},
		{"array body", `[1,2]`, nil, http.StatusBadRequest, "Body must be a JSON object"},
		{"validation", `{"email":"x"}`, apperror.ValidationFailed("name", "Name is required"), http.StatusBadRequest, "Name is required"},
		{"rate limited", `{"name":"Ada","email":"ada@example.com"}`, apperror.RateLimited("Too many requests. Please try again shortly."), http.StatusTooManyRequests, "Too many requests. Please try again shortly."},
		{"sync failed", `{"name":"Ada","email":"ada@example.com"}`, apperror.Upstream("Unable to process your request right now. Please try again.", errors.New("zoho")), http.StatusBadGateway, "Unable to process your request right now. Please try again."},
		{"unexpected", `{"name":"Ada","email":"ada@example.com"}`, errors.New("sqlite: disk I/O error"), http.StatusInternalServerError, "Internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			leads := &MockLeads{ReturnErr: tt.err}
			h := handler.NewLeadHandler(leads, &MockVerifier{}, testLogger)

			rr := post(t, h.HandlePasswordlessStart, tt.body)

			assert.Equal(t, tt.wantStatus, rr.Code)
			body := decodeBody(t, rr)
			if tt.wantError == "" {
				assert.Equal(t, true, body["ok"])
				return
			}
			assert.Equal(t, false, body["ok"])
			assert.Equal(t, tt.wantError, body["error"])
		})
	}
}

func TestLeadHandler_PassesClientIPAndIgnoresNonStrings(t *testing.T) {
	leads := &MockLeads{}
	h := handler.NewLeadHandler(leads, &MockVerifier{}, testLogger)

	rr := post(t, h.HandleRetry, `{"email":"ada@example.com","name":42}`)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "203.0.113.7", leads.CapturedIP)
	assert.Equal(t, "", leads.CapturedForm.Name)
	assert.Equal(t, "ada@example.com", leads.CapturedForm.Email)
}

func TestLeadHandler_HandleFormConfig(t *testing.T) {
	for _, disabled := range []bool{false, true} {
		h := handler.NewLeadHandler(&MockLeads{}, &MockVerifier{Disabled: disabled}, testLogger)

		rr := httptest.NewRecorder()
		h.HandleFormConfig(rr, httptest.NewRequest(http.MethodGet, "/api/v1/lead/config", nil))

		assert.Equal(t, http.StatusOK, rr.Code)
		if disabled {
			assert.Equal(t, map[string]any{"turnstileEnabled": false}, decodeBody(t, rr))
		} else {
			assert.Equal(t, map[string]any{"turnstileEnabled": true, "turnstileSiteKey": "site-key"}, decodeBody(t, rr))
		}
	}
}
