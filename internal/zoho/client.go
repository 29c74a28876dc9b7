// Package zoho is the Zoho Campaigns list-subscribe integration.
//
// THE PIECES:
//
//	TokenManager  → caches the OAuth access token, refreshes on demand
//	Classifier    → turns any response body into success / duplicate / error
//	Client        → runs the subscribe fallback ladder using both
//
// Client is safe for concurrent use. Construct one per process and share it;
// the only mutable state is the token slot inside TokenManager.
package zoho

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// maxBodyBytes caps how much of a provider body we read.
	maxBodyBytes = 1 << 20
	// transportRetryDelay is the fixed backoff before the single retry of a
	// request that never got an HTTP response.
	transportRetryDelay = 250 * time.Millisecond
)

// Config describes one Zoho Campaigns account.
type Config struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	ListKey      string
	// DC is the accounts data centre, e.g. "zoho.in" or "zoho.com".
	DC string
	// BaseURL is the Campaigns host ("campaigns.zoho.in") or a full URL.
	BaseURL string
	// TokenURL overrides https://accounts.<DC>/oauth/v2/token.
	TokenURL string
	OrgID    string
	Source   string

	// MalformedPayloadCodes trigger the legacy contactinfo retry.
	MalformedPayloadCodes []string
	// InvalidTokenMarkers are matched (substring, case-insensitive) against
	// the first code and message to detect a rejected access token.
	InvalidTokenMarkers []string
	// DuplicateCodes extend the "already exists" allow-list.
	DuplicateCodes []string
	// Debug logs full provider payloads. Never enable in production.
	Debug bool
}

// WithDefaults fills unset fields with the values observed in production.
func (c Config) WithDefaults() Config {
	if c.DC == "" {
		c.DC = "zoho.in"
	}
	if c.BaseURL == "" {
		c.BaseURL = "campaigns.zoho.in"
	}
	if c.TokenURL == "" {
		c.TokenURL = "https://accounts." + c.DC + "/oauth/v2/token"
	}
	if c.Source == "" {
		c.Source = "Lead Signup"
	}
	if len(c.MalformedPayloadCodes) == 0 {
		c.MalformedPayloadCodes = []string{"2001"}
	}
	if len(c.InvalidTokenMarkers) == 0 {
		c.InvalidTokenMarkers = []string{"invalid_oauthtoken"}
	}
	if len(c.DuplicateCodes) == 0 {
		c.DuplicateCodes = DefaultDuplicateCodes
	}
	return c
}

// Validate reports the first missing credential.
func (c Config) Validate() error {
	switch {
	case c.ClientID == "":
		return fmt.Errorf("zoho: missing client id")
	case c.ClientSecret == "":
		return fmt.Errorf("zoho: missing client secret")
	case c.RefreshToken == "":
		return fmt.Errorf("zoho: missing refresh token")
	case c.ListKey == "":
		return fmt.Errorf("zoho: missing list key")
	}
	return nil
}

// subscribeURL accepts either a bare host or a full URL in BaseURL.
func (c Config) subscribeURL() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	return base + "/api/v1.1/json/listsubscribe"
}

// Result is a successful subscribe. AlreadyExists is set when the provider
// reported the contact as already on the list.
type Result struct {
	AlreadyExists bool
}

// Subscriber is what the rest of the application depends on.
type Subscriber interface {
	Subscribe(ctx context.Context, contact Contact) (*Result, error)
}

// Client is the live Zoho Campaigns subscriber.
type Client struct {
	config     Config
	tokens     *TokenManager
	classifier *Classifier
	httpClient *http.Client
	logger     *slog.Logger
	sleep      func(context.Context, time.Duration) error
}

var _ Subscriber = (*Client)(nil)

// NewClient creates a Client. The HTTP client should carry a timeout; the
// ladder itself never cancels a request.
func NewClient(cfg Config, tokens *TokenManager, httpClient *http.Client, logger *slog.Logger) *Client {
	cfg = cfg.WithDefaults()
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		config:     cfg,
		tokens:     tokens,
		classifier: NewClassifier(cfg.DuplicateCodes),
		httpClient: httpClient,
		logger:     logger,
		sleep:      sleepContext,
	}
}

// response is one listsubscribe round trip.
type response struct {
	status  int
	payload any
	format  Format
}

// Subscribe adds the contact to the configured list.
//
// FALLBACK LADDER (at most four calls, at most one forced token refresh):
//  1. JSON contactinfo with the cached token
//  2. malformed-payload code → legacy contactinfo, same token
//  3. 401 or invalid-token code/message → force refresh, repeat last format
//  4. still malformed and not yet legacy → legacy, refreshed token kept
//  5. classify the final response
func (c *Client) Subscribe(ctx context.Context, contact Contact) (*Result, error) {
	res, err := c.send(ctx, contact, FormatJSON, false)
	if err != nil {
		return nil, err
	}

	if c.isMalformedPayload(res.payload) {
		c.logger.Info("zoho: retrying with legacy contactinfo", slog.String("code", FirstCode(res.payload)))
		if res, err = c.send(ctx, contact, FormatLegacy, false); err != nil {
			return nil, err
		}
	}

	if res.status == http.StatusUnauthorized || c.isInvalidToken(res.payload) {
		c.logger.Info("zoho: access token rejected, refreshing", slog.Int("status", res.status))
		if res, err = c.send(ctx, contact, res.format, true); err != nil {
			return nil, err
		}

		if res.format != FormatLegacy && c.isMalformedPayload(res.payload) {
			if res, err = c.send(ctx, contact, FormatLegacy, false); err != nil {
				return nil, err
			}
		}
	}

	return c.finish(contact, res)
}

func (c *Client) finish(contact Contact, res *response) (*Result, error) {
	verdict := c.classifier.Classify(res.status, res.payload)

	switch verdict.Outcome {
	case OutcomeDuplicate:
		c.logger.Info("zoho: contact already on list; treated as success", slog.String("format", string(res.format)))
		return &Result{AlreadyExists: true}, nil
	case OutcomeSuccess:
		return &Result{}, nil
	}

	status := res.status
	if isHTTPOK(status) || status == 0 {
		status = http.StatusBadGateway
	}

	c.logger.Error("zoho: list subscribe failed",
		slog.String("email", contact.Email),
		slog.Int("status", res.status),
		slog.String("code", verdict.Code),
		slog.String("message", verdict.Message),
		slog.String("format", string(res.format)),
	)

	return nil, &SyncError{StatusCode: status, Code: verdict.Code, Message: verdict.Message}
}

func (c *Client) isMalformedPayload(payload any) bool {
	code := FirstCode(payload)
	if code == "" {
		return false
	}
	for _, m := range c.config.MalformedPayloadCodes {
		if code == m {
			return true
		}
	}
	return false
}

func (c *Client) isInvalidToken(payload any) bool {
	code := strings.ToLower(FirstCode(payload))
	msg := strings.ToLower(FirstMessage(payload))
	for _, marker := range c.config.InvalidTokenMarkers {
		marker = strings.ToLower(marker)
		if strings.Contains(code, marker) || strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// send performs one listsubscribe call. A request that gets no HTTP response
// at all is retried once after a fixed backoff.
func (c *Client) send(ctx context.Context, contact Contact, format Format, forceRefresh bool) (*response, error) {
	token, err := c.tokens.AccessToken(ctx, forceRefresh)
	if err != nil {
		return nil, err
	}

	form := url.Values{
		"resfmt":      {"JSON"},
		"listkey":     {c.config.ListKey},
		"source":      {c.config.Source},
		"contactinfo": {EncodeContactInfo(contact, format)},
	}
	body := form.Encode()

	var resp *http.Response
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, transportRetryDelay); err != nil {
				return nil, fmt.Errorf("zoho: listsubscribe: %w", err)
			}
		}

		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, c.config.subscribeURL(), strings.NewReader(body))
		if reqErr != nil {
			return nil, fmt.Errorf("zoho: building listsubscribe request: %w", reqErr)
		}
		req.Header.Set("Authorization", "Zoho-oauthtoken "+token)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if c.config.OrgID != "" {
			req.Header.Set("X-com-zoho-campaigns-organizationid", c.config.OrgID)
		}

		resp, err = c.httpClient.Do(req)
		if err == nil {
			break
		}
		c.logger.Warn("zoho: listsubscribe transport error", slog.Int("attempt", attempt+1), slog.String("error", err.Error()))
	}
	if err != nil {
		return nil, fmt.Errorf("zoho: listsubscribe: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("zoho: reading listsubscribe response: %w", err)
	}

	res := &response{status: resp.StatusCode, payload: decodeBody(raw), format: format}

	if c.config.Debug {
		c.logger.Debug("zoho: listsubscribe response",
			slog.Int("status", res.status),
			slog.String("format", string(format)),
			slog.String("body", string(raw)),
		)
	}

	return res, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
