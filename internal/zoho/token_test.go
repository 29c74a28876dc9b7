package zoho

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tokenServer is a fake accounts.zoho.* token endpoint. Each grant hands out
// "tok-1", "tok-2", ... so tests can tell a cached token from a fresh one.
type tokenServer struct {
	*httptest.Server
	grants    atomic.Int32
	expiresIn int
	status    int
	body      string
}

func newTokenServer(t *testing.T) *tokenServer {
	t.Helper()
	ts := &tokenServer{expiresIn: 3600}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := ts.grants.Add(1)

		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("grant_type") != "refresh_token" || r.PostForm.Get("refresh_token") != "refresh-xyz" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"invalid_request"}`)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if ts.status != 0 {
			w.WriteHeader(ts.status)
			fmt.Fprint(w, ts.body)
			return
		}
		if ts.expiresIn > 0 {
			fmt.Fprintf(w, `{"access_token":"tok-%d","token_type":"Bearer","expires_in":%d}`, n, ts.expiresIn)
			return
		}
		fmt.Fprintf(w, `{"access_token":"tok-%d","token_type":"Bearer"}`, n)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *tokenServer) manager(opts ...TokenManagerOption) *TokenManager {
	return NewTokenManager("client-id", "client-secret", "refresh-xyz", ts.URL+"/oauth/v2/token", ts.Client(), opts...)
}

// =========================================================================
// CACHE TESTS
// =========================================================================

func TestAccessToken_CachesUntilBuffer(t *testing.T) {
	ts := newTokenServer(t)
	m := ts.manager()
	ctx := context.Background()

	first, err := m.AccessToken(ctx, false)
	require.NoError(t, err)
	second, err := m.AccessToken(ctx, false)
	require.NoError(t, err)

	assert.Equal(t, "tok-1", first)
	assert.Equal(t, "tok-1", second)
	assert.Equal(t, int32(1), ts.grants.Load(), "second call should hit the cache")
}

func TestAccessToken_RefreshesInsideExpiryBuffer(t *testing.T) {
	ts := newTokenServer(t)
	now := time.Now()
	m := ts.manager(WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_, err := m.AccessToken(ctx, false)
	require.NoError(t, err)

	// 30s before expiry is inside the 60s buffer.
	now = now.Add(time.Hour - 30*time.Second)

	tok, err := m.AccessToken(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
	assert.Equal(t, int32(2), ts.grants.Load())
}

func TestAccessToken_ForceAlwaysRefreshes(t *testing.T) {
	ts := newTokenServer(t)
	m := ts.manager()
	ctx := context.Background()

	_, err := m.AccessToken(ctx, false)
	require.NoError(t, err)

	tok, err := m.AccessToken(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)

	// the forced token is cached for the next plain call
	tok, err = m.AccessToken(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
	assert.Equal(t, int32(2), ts.grants.Load())
}

func TestAccessToken_DefaultsLifetimeWhenExpiresInMissing(t *testing.T) {
	ts := newTokenServer(t)
	ts.expiresIn = 0
	now := time.Now()
	m := ts.manager(WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_, err := m.AccessToken(ctx, false)
	require.NoError(t, err)

	now = now.Add(58 * time.Minute)
	tok, err := m.AccessToken(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok, "an hour lifetime is assumed")

	now = now.Add(90 * time.Second)
	tok, err = m.AccessToken(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
}

func TestAccessToken_RefreshHook(t *testing.T) {
	ts := newTokenServer(t)
	var calls int
	m := ts.manager(WithRefreshHook(func() { calls++ }))

	_, err := m.AccessToken(context.Background(), false)
	require.NoError(t, err)
	_, err = m.AccessToken(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
}

func TestAccessToken_ConcurrentCallers(t *testing.T) {
	ts := newTokenServer(t)
	m := ts.manager()

	const callers = 16
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = m.AccessToken(context.Background(), false)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.NotEmpty(t, tokens[i])
	}
	// Racing misses may each refresh; that is allowed but bounded by callers.
	assert.LessOrEqual(t, ts.grants.Load(), int32(callers))
	assert.GreaterOrEqual(t, ts.grants.Load(), int32(1))
}

// =========================================================================
// FAILURE TESTS
// =========================================================================

func TestAccessToken_Failures(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "provider error on 400",
			status:     http.StatusBadRequest,
			body:       `{"error":"invalid_client"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_client",
		},
		{
			name:       "provider error on 200",
			status:     http.StatusOK,
			body:       `{"error":"invalid_code"}`,
			wantStatus: http.StatusBadGateway,
			wantCode:   "invalid_code",
		},
		{
			name:       "200 without access token",
			status:     http.StatusOK,
			body:       `{"token_type":"Bearer"}`,
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "server error without body",
			status:     http.StatusServiceUnavailable,
			body:       ``,
			wantStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTokenServer(t)
			ts.status = tt.status
			ts.body = tt.body
			m := ts.manager()

			tok, err := m.AccessToken(context.Background(), false)

			assert.Empty(t, tok)
			var authErr *AuthError
			require.True(t, errors.As(err, &authErr), "want *AuthError, got %T: %v", err, err)
			assert.Equal(t, tt.wantStatus, authErr.StatusCode)
			assert.Equal(t, tt.wantCode, authErr.Code)
		})
	}
}

func TestAccessToken_TransportFailure(t *testing.T) {
	ts := newTokenServer(t)
	m := ts.manager()
	ts.Close()

	_, err := m.AccessToken(context.Background(), false)

	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, http.StatusBadGateway, authErr.StatusCode)
	assert.Error(t, authErr.Unwrap())
}
