package server

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/leadsync/internal/auth"
	"github.com/sakif/leadsync/internal/config"
)

func newTestServer(t *testing.T, env map[string]string) *Server {
	t.Helper()
	base := map[string]string{
		"TEST_MODE": "true",
		"DB_PATH":   ":memory:",
	}
	for k, v := range env {
		base[k] = v
	}
	cfg, err := config.FromLookup(func(k string) string { return base[k] })
	require.NoError(t, err)

	srv, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	return srv
}

func do(srv *Server, method, target, body, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if ip != "" {
		req.Header.Set("X-Forwarded-For", ip)
	}
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	return rr
}

// =========================================================================
// OPERATIONS
// =========================================================================

func TestServer_HealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, nil)

	assert.Equal(t, http.StatusOK, do(srv, http.MethodGet, "/healthz", "", "").Code)

	rr := do(srv, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `leadsync_http_requests_total{method="GET",route="/healthz",status="200"} 1`)
}

func TestServer_AuthRoutesNeedConfiguration(t *testing.T) {
	srv := newTestServer(t, nil)

	assert.Equal(t, http.StatusNotFound, do(srv, http.MethodGet, "/api/v1/auth/me", "", "").Code)
	assert.Equal(t, http.StatusOK, do(srv, http.MethodPost, "/api/v1/auth/retry", `{"email":"ada@example.com"}`, "").Code)
}

// =========================================================================
// SUBSCRIBE RATE LIMIT
// =========================================================================

func TestServer_PublicSubscribeIsLimitedPerIP(t *testing.T) {
	srv := newTestServer(t, nil)
	body := `{"email":"ada@example.com","firstName":"Ada"}`

	for i := 0; i < subscribeMax; i++ {
		require.Equal(t, http.StatusOK, do(srv, http.MethodPost, "/api/v1/zoho/subscribe", body, "198.51.100.1").Code, "hit %d", i+1)
	}
	assert.Equal(t, http.StatusTooManyRequests, do(srv, http.MethodPost, "/api/v1/zoho/subscribe", body, "198.51.100.1").Code)
	assert.Equal(t, http.StatusOK, do(srv, http.MethodPost, "/api/v1/zoho/subscribe", body, "198.51.100.2").Code, "other IPs keep their budget")

	metrics := do(srv, http.MethodGet, "/metrics", "", "").Body.String()
	assert.Contains(t, metrics, `leadsync_rate_limited_total{limiter="subscribe"} 1`)
	assert.Contains(t, metrics, `leadsync_zoho_subscribe_total{outcome="subscribed"} 16`)
}

func TestServer_RedisSharesTheBudget(t *testing.T) {
	mr := miniredis.RunT(t)
	env := map[string]string{"REDIS_URL": "redis://" + mr.Addr()}
	a := newTestServer(t, env)
	b := newTestServer(t, env)
	body := `{"email":"ada@example.com"}`

	for i := 0; i < subscribeMax; i++ {
		srv := a
		if i%2 == 1 {
			srv = b
		}
		require.Equal(t, http.StatusOK, do(srv, http.MethodPost, "/api/v1/zoho/subscribe", body, "198.51.100.9").Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, do(a, http.MethodPost, "/api/v1/zoho/subscribe", body, "198.51.100.9").Code)
	assert.Equal(t, http.StatusTooManyRequests, do(b, http.MethodPost, "/api/v1/zoho/subscribe", body, "198.51.100.9").Code)
}

// =========================================================================
// PASSWORDLESS LOGIN
// =========================================================================

func TestServer_PasswordlessLoginAfterStart(t *testing.T) {
	srv := newTestServer(t, map[string]string{
		"SESSION_SECRET": "0123456789abcdef0123456789abcdef",
		"AUTH_DOMAIN":    "https://id.example.com",
		"AUTH_CLIENT_ID": "client-1",
		"APP_BASE_URL":   "https://leads.example.com",
	})

	// Unknown email: rejected like every other gate.
	rr := do(srv, http.MethodGet, "/api/v1/auth/passwordless-login?email=ada@example.com", "", "")
	assert.Equal(t, http.StatusFound, rr.Code)
	assert.Equal(t, "/", rr.Header().Get("Location"))

	rr = do(srv, http.MethodPost, "/api/v1/auth/passwordless-start", `{"name":"Ada Lovelace","email":"Ada@Example.com"}`, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = do(srv, http.MethodGet, "/api/v1/auth/passwordless-login?email=ada@example.com", "", "")
	require.Equal(t, http.StatusFound, rr.Code)
	loc, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "id.example.com", loc.Host)
	assert.Equal(t, "/authorize", loc.Path)
	assert.Equal(t, "email", loc.Query().Get("connection"))
	assert.Equal(t, "ada@example.com", loc.Query().Get("login_hint"))
	assert.Equal(t, "https://leads.example.com/auth/callback", loc.Query().Get("redirect_uri"))

	var stateCookie *http.Cookie
	for _, c := range rr.Result().Cookies() {
		if c.Name == auth.StateCookie {
			stateCookie = c
		}
	}
	require.NotNil(t, stateCookie)
	assert.Equal(t, loc.Query().Get("state"), stateCookie.Value)

	// Second attempt inside the cooldown goes home.
	rr = do(srv, http.MethodGet, "/api/v1/auth/passwordless-login?email=ada@example.com", "", "")
	assert.Equal(t, "/", rr.Header().Get("Location"))

	rr = do(srv, http.MethodGet, "/api/v1/auth/me", "", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), `"authenticated":false`))
}
