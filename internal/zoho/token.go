package zoho

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

const (
	// tokenExpiryBuffer keeps us from sending a token that expires in flight.
	tokenExpiryBuffer = 60 * time.Second
	// defaultTokenLifetime applies when the grant omits expires_in.
	defaultTokenLifetime = time.Hour
)

// TokenManager owns the Zoho OAuth access token.
//
// REFRESH-TOKEN GRANT:
// Zoho issues a long-lived refresh token once (out of band). Every access
// token is obtained by POSTing grant_type=refresh_token together with the
// client credentials to accounts.<dc>/oauth/v2/token. golang.org/x/oauth2
// already speaks this grant, including provider error bodies, so we let it
// build and parse the request and keep only the caching policy here.
//
// CACHE:
// One slot {token, expiresAt}, guarded by a mutex. The mutex is not held
// across the network call: two callers that both miss will both refresh and
// the last one wins. Zoho hands out equivalent tokens, so that is harmless.
type TokenManager struct {
	config       *oauth2.Config
	refreshToken string
	httpClient   *http.Client
	now          func() time.Time
	onRefresh    func()

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// TokenManagerOption customises a TokenManager.
type TokenManagerOption func(*TokenManager)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) TokenManagerOption {
	return func(m *TokenManager) { m.now = now }
}

// WithRefreshHook registers a callback invoked after every successful grant.
func WithRefreshHook(fn func()) TokenManagerOption {
	return func(m *TokenManager) { m.onRefresh = fn }
}

// NewTokenManager creates a TokenManager for the given token endpoint.
func NewTokenManager(clientID, clientSecret, refreshToken, tokenURL string, httpClient *http.Client, opts ...TokenManagerOption) *TokenManager {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	m := &TokenManager{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		refreshToken: refreshToken,
		httpClient:   httpClient,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AccessToken returns a usable access token, refreshing when the cached one
// is missing, within a minute of expiry, or when forceRefresh is set.
func (m *TokenManager) AccessToken(ctx context.Context, forceRefresh bool) (string, error) {
	if !forceRefresh {
		m.mu.Lock()
		token, expiresAt := m.token, m.expiresAt
		m.mu.Unlock()

		if token != "" && expiresAt.After(m.now().Add(tokenExpiryBuffer)) {
			return token, nil
		}
	}

	return m.refresh(ctx)
}

func (m *TokenManager) refresh(ctx context.Context) (string, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)

	// An oauth2.Token holding only a refresh token is always "expired", so
	// Token() performs exactly one refresh grant.
	src := m.config.TokenSource(ctx, &oauth2.Token{RefreshToken: m.refreshToken})
	tok, err := src.Token()
	if err != nil {
		return "", toAuthError(err)
	}
	if tok.AccessToken == "" {
		return "", &AuthError{StatusCode: http.StatusBadGateway}
	}

	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = m.now().Add(defaultTokenLifetime)
	}

	m.mu.Lock()
	m.token = tok.AccessToken
	m.expiresAt = expiresAt
	m.mu.Unlock()

	if m.onRefresh != nil {
		m.onRefresh()
	}
	return tok.AccessToken, nil
}

func toAuthError(err error) *AuthError {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		// Zoho reports some grant failures as 200 with an "error" field.
		status := http.StatusBadGateway
		if re.Response != nil && re.Response.StatusCode >= http.StatusBadRequest {
			status = re.Response.StatusCode
		}
		return &AuthError{StatusCode: status, Code: re.ErrorCode, Err: err}
	}
	return &AuthError{StatusCode: http.StatusBadGateway, Err: err}
}
