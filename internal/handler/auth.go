package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sakif/leadsync/internal/auth"
	"github.com/sakif/leadsync/internal/model"
	"github.com/sakif/leadsync/internal/service"
)

// IdentityProvider is the part of *auth.Provider the callback and logout use.
type IdentityProvider interface {
	Exchange(ctx context.Context, code string) (*auth.Profile, error)
	LogoutURL(returnTo string) string
}

// LoginFlow is the passwordless login use case. *service.LoginService
// satisfies it.
type LoginFlow interface {
	Initiate(ctx context.Context, rawEmail string) (*service.LoginStart, error)
	Complete(ctx context.Context, flow string, sess *auth.Session)
}

// Accounts is the logged-in user use case. *service.AccountService
// satisfies it.
type Accounts interface {
	Me(ctx context.Context, sess *auth.Session) (*model.User, error)
	Subscribe(ctx context.Context, sess *auth.Session) (service.SubscribeState, error)
}

// AuthHandler manages the passwordless login, the provider callback and the
// session cookie.
//
// HANDLER RESPONSIBILITIES:
//   - HandlePasswordlessLogin → gate the email, then redirect to the provider
//   - HandleCallback          → verify state, exchange the code, set the session
//   - HandlePostLogin         → sync the user after a passwordless login
//   - HandleMe                → who is logged in, if anyone
//   - HandleLogout            → clear the session and end the provider session
//   - HandleSubscribe         → put the logged-in user on the mailing list
//
// DEPENDENCY CHAIN:
//   - provider IdentityProvider    → performs the OAuth code exchange
//   - sessions *auth.SessionService → issues signed session tokens
//   - logins   LoginFlow           → passwordless gates and post-login sync
//   - accounts Accounts            → local user mirror and subscribe
type AuthHandler struct {
	provider IdentityProvider
	sessions *auth.SessionService
	logins   LoginFlow
	accounts Accounts
	baseURL  string
	secure   bool
	logger   *slog.Logger
}

// NewAuthHandler creates an AuthHandler. secure marks cookies HTTPS-only and
// should be true in production. baseURL is where the provider sends the
// browser after logout.
func NewAuthHandler(
	provider IdentityProvider,
	sessions *auth.SessionService,
	logins LoginFlow,
	accounts Accounts,
	baseURL string,
	secure bool,
	logger *slog.Logger,
) *AuthHandler {
	return &AuthHandler{
		provider: provider,
		sessions: sessions,
		logins:   logins,
		accounts: accounts,
		baseURL:  baseURL,
		secure:   secure,
		logger:   logger,
	}
}

// HandlePasswordlessLogin starts the provider login for a registered lead.
//
// HTTP: GET /api/v1/auth/passwordless-login?email=...
//
// Every rejection is the same redirect home, so the endpoint cannot be used
// to probe which emails are registered.
//
// CSRF PROTECTION VIA STATE:
// The state is stored in a short-lived HttpOnly cookie and compared on the
// callback. The return path rides along in a second cookie.
func (h *AuthHandler) HandlePasswordlessLogin(w http.ResponseWriter, r *http.Request) {
	start, err := h.logins.Initiate(r.Context(), r.URL.Query().Get("email"))
	if err != nil {
		h.logger.Error("passwordless login failed", slog.String("error", err.Error()))
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	if !start.Initiated() {
		h.logger.Info("passwordless login rejected", slog.String("outcome", string(start.Outcome)))
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	h.setShortCookie(w, auth.StateCookie, start.State)
	h.setShortCookie(w, auth.ReturnCookie, start.ReturnTo)
	http.Redirect(w, r, start.AuthURL, http.StatusFound)
}

// HandleCallback completes the OAuth login flow.
//
// HTTP: GET /auth/callback?code=xxx&state=yyy
//
// FLOW:
//  1. Validate the state parameter (CSRF check)
//  2. Exchange the code for the provider profile
//  3. Issue the signed session cookie
//  4. Redirect to the stored return path, or home
func (h *AuthHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	// --- Step 1: Validate CSRF state ---
	stateCookie, err := r.Cookie(auth.StateCookie)
	if err != nil || stateCookie.Value == "" {
		h.logger.Warn("auth callback: missing state cookie")
		http.Error(w, "invalid OAuth state", http.StatusBadRequest)
		return
	}
	if r.URL.Query().Get("state") != stateCookie.Value {
		h.logger.Warn("auth callback: state mismatch")
		http.Error(w, "invalid OAuth state", http.StatusBadRequest)
		return
	}
	auth.ClearCookie(w, auth.StateCookie)

	returnTo := "/"
	if c, err := r.Cookie(auth.ReturnCookie); err == nil && safeReturnPath(c.Value) {
		returnTo = c.Value
	}
	auth.ClearCookie(w, auth.ReturnCookie)

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		h.logger.Info("auth callback: provider returned an error", slog.String("error", errParam))
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	// --- Step 2: Exchange code for the profile ---
	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "missing OAuth code", http.StatusBadRequest)
		return
	}
	profile, err := h.provider.Exchange(r.Context(), code)
	if err != nil {
		h.logger.Error("auth callback: exchange failed", slog.String("error", err.Error()))
		http.Error(w, "authentication failed", http.StatusInternalServerError)
		return
	}

	// --- Step 3: Issue the session cookie ---
	token, err := h.sessions.Issue(auth.SessionFromProfile(profile))
	if err != nil {
		h.logger.Error("auth callback: session issue failed", slog.String("error", err.Error()))
		http.Error(w, "authentication failed", http.StatusInternalServerError)
		return
	}
	auth.SetSessionCookie(w, token, h.secure)

	h.logger.Info("user authenticated", slog.String("subject", profile.Subject))

	// --- Step 4: Redirect ---
	http.Redirect(w, r, returnTo, http.StatusSeeOther)
}

// HandlePostLogin finishes a passwordless login and sends the browser home.
//
// HTTP: GET /api/v1/auth/post-login?flow=pwl
func (h *AuthHandler) HandlePostLogin(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.SessionFromContext(r.Context())
	h.logins.Complete(r.Context(), r.URL.Query().Get("flow"), sess)
	http.Redirect(w, r, "/", http.StatusFound)
}

// MeResponse is the body of GET /api/v1/auth/me.
type MeResponse struct {
	Authenticated bool        `json:"authenticated"`
	User          *model.User `json:"user"`
}

// HandleMe returns the logged-in user, or {"authenticated": false} for an
// anonymous request.
//
// HTTP: GET /api/v1/auth/me
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.SessionFromContext(r.Context())

	user, err := h.accounts.Me(r.Context(), sess)
	if err != nil {
		h.logger.Error("HandleMe: user sync failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, MeResponse{})
		return
	}
	if user == nil {
		writeJSON(w, http.StatusOK, MeResponse{})
		return
	}
	writeJSON(w, http.StatusOK, MeResponse{Authenticated: true, User: user})
}

// HandleLogout clears the session cookie and ends the provider session.
//
// HTTP: POST /auth/logout
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	auth.ClearCookie(w, auth.SessionCookie)

	target := "/"
	if h.provider != nil {
		target = h.provider.LogoutURL(h.baseURL)
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// HandleSubscribe puts the logged-in user on the mailing list.
//
// HTTP: POST /api/v1/auth/subscribe
// RESPONSE: {"ok": true, "state": "subscribed" | "already_subscribed" | "skipped_no_email" | "in_progress"}
func (h *AuthHandler) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.SessionFromContext(r.Context())

	state, err := h.accounts.Subscribe(r.Context(), sess)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OKResponse{OK: true, State: string(state)})
}

func (h *AuthHandler) setShortCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   600, // 10 minutes
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// safeReturnPath accepts same-origin relative paths only.
func safeReturnPath(p string) bool {
	return strings.HasPrefix(p, "/") && !strings.HasPrefix(p, "//") && !strings.Contains(p, `\`)
}
