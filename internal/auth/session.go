// Package auth handles the identity-provider login and the session cookie.
//
// AUTHENTICATION FLOW OVERVIEW:
//  1. A registered, synced lead opens /api/v1/auth/passwordless-login
//  2. We redirect to the provider's /authorize with connection=email
//  3. The provider calls back /auth/callback with a code
//  4. We exchange the code for the profile and issue a signed session JWT in
//     an HttpOnly cookie
//  5. LoadSession reads that cookie on later requests
//
// SESSION = SIGNED CLAIMS:
// The session carries the provider profile (subject, email, name, picture),
// so pages that only need "who is this" never touch the database. The HMAC
// signature stops anyone from editing the claims.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// SessionTTL is how long a login lasts.
	SessionTTL = 7 * 24 * time.Hour
	issuer     = "leadsync"
)

// Session is the authenticated identity carried by the session cookie.
type Session struct {
	Subject     string
	Email       string
	Name        string
	Picture     string
	GivenName   string
	FamilyName  string
	PhoneNumber string
}

// SessionFromProfile copies the provider profile into a Session.
func SessionFromProfile(p *Profile) Session {
	return Session{
		Subject:     p.Subject,
		Email:       p.Email,
		Name:        p.Name,
		Picture:     p.Picture,
		GivenName:   p.GivenName,
		FamilyName:  p.FamilyName,
		PhoneNumber: p.PhoneNumber,
	}
}

// SessionService signs and verifies session tokens.
type SessionService struct {
	secret []byte
	now    func() time.Time
}

// NewSessionService creates a SessionService. The secret should be at least
// 32 random bytes in production, e.g. SESSION_SECRET=$(openssl rand -hex 32).
func NewSessionService(secret string) (*SessionService, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: session secret must be at least 16 characters")
	}
	return &SessionService{secret: []byte(secret), now: time.Now}, nil
}

type sessionClaims struct {
	jwt.RegisteredClaims
	Email       string `json:"email,omitempty"`
	Name        string `json:"name,omitempty"`
	Picture     string `json:"picture,omitempty"`
	GivenName   string `json:"given_name,omitempty"`
	FamilyName  string `json:"family_name,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

// Issue signs a session valid for SessionTTL.
func (s *SessionService) Issue(sess Session) (string, error) {
	return s.IssueWithDuration(sess, SessionTTL)
}

// IssueWithDuration signs a session with a custom lifetime (tests, short
// lived sessions).
func (s *SessionService) IssueWithDuration(sess Session, d time.Duration) (string, error) {
	if sess.Subject == "" {
		return "", errors.New("auth: session has no subject")
	}
	now := s.now()

	c := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sess.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(d)),
			Issuer:    issuer,
		},
		Email:       sess.Email,
		Name:        sess.Name,
		Picture:     sess.Picture,
		GivenName:   sess.GivenName,
		FamilyName:  sess.FamilyName,
		PhoneNumber: sess.PhoneNumber,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing session: %w", err)
	}
	return signed, nil
}

// Validate verifies signature, issuer, algorithm and expiry and returns the
// session.
func (s *SessionService) Validate(tokenStr string) (*Session, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&sessionClaims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("auth: session expired")
		}
		return nil, fmt.Errorf("auth: invalid session: %w", err)
	}

	c, ok := token.Claims.(*sessionClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid session claims")
	}
	if c.Subject == "" {
		return nil, fmt.Errorf("auth: session has no subject")
	}

	return &Session{
		Subject:     c.Subject,
		Email:       c.Email,
		Name:        c.Name,
		Picture:     c.Picture,
		GivenName:   c.GivenName,
		FamilyName:  c.FamilyName,
		PhoneNumber: c.PhoneNumber,
	}, nil
}
