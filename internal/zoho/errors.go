package zoho

import (
	"errors"
	"fmt"
)

// AuthError means the OAuth refresh-token grant failed: a non-2xx answer, a
// provider "error" field, or a response without an access token.
type AuthError struct {
	StatusCode int    // HTTP status of the token endpoint (502 when unknown)
	Code       string // provider error code, e.g. "invalid_code"
	Err        error  // underlying transport or oauth2 error, if any
}

func (e *AuthError) Error() string {
	msg := fmt.Sprintf("zoho: retrieving OAuth access token failed (status %d", e.StatusCode)
	if e.Code != "" {
		msg += ", code: " + e.Code
	}
	msg += ")"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// SyncError is a hard list-subscribe failure after the fallback ladder is
// exhausted. Duplicates never produce a SyncError.
type SyncError struct {
	StatusCode int    // 502 when the provider answered 2xx but the body failed
	Code       string // first provider code found in the body
	Message    string // first failing record message, if any
}

func (e *SyncError) Error() string {
	if e.Message != "" {
		return "Zoho Campaigns list subscribe failed: " + e.Message
	}
	return "Zoho Campaigns list subscribe API request failed"
}

// ErrorCode reports whether err came from Zoho (token grant or list
// subscribe) and returns the provider code, which may be empty.
func ErrorCode(err error) (code string, ok bool) {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Code, true
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Code, true
	}
	return "", false
}
