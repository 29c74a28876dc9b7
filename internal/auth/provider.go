package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
)

// Profile is the portion of the identity provider's /userinfo response we keep.
// Every field except Subject may be empty.
type Profile struct {
	Subject     string `json:"sub"`
	Email       string `json:"email"`
	Name        string `json:"name"`
	Picture     string `json:"picture"`
	GivenName   string `json:"given_name"`
	FamilyName  string `json:"family_name"`
	PhoneNumber string `json:"phone_number"`
}

// LoginParams are the extra authorization parameters the passwordless flow
// sends. Empty fields are omitted from the authorize URL.
type LoginParams struct {
	// Connection picks the provider connection, "email" for passwordless.
	Connection string
	// LoginHint pre-fills the email on the provider's page.
	LoginHint string
	// ScreenHint asks for the login screen rather than signup.
	ScreenHint string
}

// Provider wraps golang.org/x/oauth2 for an Auth0-style OpenID Connect tenant.
//
// AUTHORIZATION CODE FLOW:
//  1. AuthURL → browser goes to https://<domain>/authorize
//  2. the provider emails the one-time code / link and the user completes it
//  3. the provider redirects back to the callback with ?code=&state=
//  4. Exchange trades the code at /oauth/token (server to server)
//  5. Exchange calls /userinfo with the access token for the profile
type Provider struct {
	config      *oauth2.Config
	baseURL     string
	userInfoURL string
	httpClient  *http.Client
}

// NewProvider creates a Provider. domain is either a bare tenant host
// ("example.eu.auth0.com") or a full base URL.
func NewProvider(domain, clientID, clientSecret, callbackURL string, httpClient *http.Client) *Provider {
	base := strings.TrimRight(domain, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Provider{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  callbackURL,
			Scopes:       []string{"openid", "profile", "email"},
			Endpoint: oauth2.Endpoint{
				AuthURL:   base + "/authorize",
				TokenURL:  base + "/oauth/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		baseURL:     base,
		userInfoURL: base + "/userinfo",
		httpClient:  httpClient,
	}
}

// AuthURL returns the authorize URL for the given CSRF state.
func (p *Provider) AuthURL(state string, params LoginParams) string {
	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOnline}
	if params.Connection != "" {
		opts = append(opts, oauth2.SetAuthURLParam("connection", params.Connection))
	}
	if params.LoginHint != "" {
		opts = append(opts, oauth2.SetAuthURLParam("login_hint", params.LoginHint))
	}
	if params.ScreenHint != "" {
		opts = append(opts, oauth2.SetAuthURLParam("screen_hint", params.ScreenHint))
	}
	return p.config.AuthCodeURL(state, opts...)
}

// LogoutURL ends the provider session too, then lands on returnTo.
func (p *Provider) LogoutURL(returnTo string) string {
	q := url.Values{"client_id": {p.config.ClientID}, "returnTo": {returnTo}}
	return p.baseURL + "/v2/logout?" + q.Encode()
}

// Exchange completes the flow: code → access token → profile.
func (p *Provider) Exchange(ctx context.Context, code string) (*Profile, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("auth: exchanging OAuth code: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("auth: building userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth: calling userinfo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("auth: userinfo returned status %d", resp.StatusCode)
	}

	var profile Profile
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&profile); err != nil {
		return nil, fmt.Errorf("auth: decoding userinfo response: %w", err)
	}

	if strings.TrimSpace(profile.Subject) == "" {
		return nil, fmt.Errorf("auth: userinfo returned no subject")
	}

	return &profile, nil
}
