// Package turnstile verifies Cloudflare Turnstile bot-check tokens.
package turnstile

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultVerifyURL is Cloudflare's siteverify endpoint.
const DefaultVerifyURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"

type verifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

// Verifier checks tokens against siteverify. The zero value is disabled.
type Verifier struct {
	secret     string
	siteKey    string
	verifyURL  string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithVerifyURL points the verifier at another endpoint (tests).
func WithVerifyURL(u string) Option {
	return func(v *Verifier) { v.verifyURL = u }
}

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(v *Verifier) { v.httpClient = c }
}

// New creates a Verifier. It is only enabled when both keys are set: the
// site key is what the browser widget needs, so a secret alone is useless.
func New(secret, siteKey string, logger *slog.Logger, opts ...Option) *Verifier {
	v := &Verifier{
		secret:     secret,
		siteKey:    siteKey,
		verifyURL:  DefaultVerifyURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Enabled reports whether verification is configured.
func (v *Verifier) Enabled() bool {
	return v != nil && v.secret != "" && v.siteKey != ""
}

// SiteKey is the public key the frontend widget renders with.
func (v *Verifier) SiteKey() string {
	return v.siteKey
}

// Verify reports whether token proves a human. Any failure to reach or parse
// siteverify counts as "not verified".
func (v *Verifier) Verify(ctx context.Context, token, remoteIP string) bool {
	if !v.Enabled() {
		return false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return false
	}

	form := url.Values{"secret": {v.secret}, "response": {token}}
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		v.logger.Error("turnstile: building request", slog.String("error", err.Error()))
		return false
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		v.logger.Error("turnstile: verification failed", slog.String("error", err.Error()))
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		v.logger.Error("turnstile: verification request failed", slog.Int("status", resp.StatusCode))
		return false
	}

	var payload verifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&payload); err != nil {
		v.logger.Error("turnstile: decoding response", slog.String("error", err.Error()))
		return false
	}
	if !payload.Success {
		v.logger.Debug("turnstile: token rejected", slog.Any("errors", payload.ErrorCodes))
	}
	return payload.Success
}
