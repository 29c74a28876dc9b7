package handler

// RESPONSE HELPERS:
// These functions standardise how we send JSON responses and errors.
//
// CONSISTENT ERROR FORMAT:
// Every error response from our API has the same shape:
//   {"ok": false, "error": "Invalid email format"}
//
// and every plain success is {"ok": true}, so the frontend only ever checks
// one field.

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/sakif/leadsync/internal/apperror"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 64 << 10

// ErrorResponse is the standard error format returned by all API endpoints.
type ErrorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// OKResponse is the generic success body.
type OKResponse struct {
	OK    bool   `json:"ok"`
	State string `json:"state,omitempty"`
}

// writeJSON sends a JSON response with the given status code.
//
// HEADER ORDER MATTERS:
// Headers and status must be set before the body; once Encode writes, any
// header change is silently ignored.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

func writeFailure(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{OK: false, Error: message})
}

// writeError maps a domain error to the appropriate HTTP status code and sends it.
//
// ERROR MAPPING:
// The service layer returns apperror categories; this is the only place they
// become status codes. Upstream is checked first because it may wrap a
// validation error from deeper down.
//
// Anything that is not an *apperror.AppError is a 500 with a fixed message:
// raw errors can carry SQL, file paths or provider payloads.
func writeError(w http.ResponseWriter, err error) {
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) {
		writeFailure(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperror.ErrUpstream):
		status = http.StatusBadGateway // 502
	case errors.Is(err, apperror.ErrValidation):
		status = http.StatusBadRequest // 400
	case errors.Is(err, apperror.ErrUnauthorized):
		status = http.StatusUnauthorized // 401
	case errors.Is(err, apperror.ErrNotFound):
		status = http.StatusNotFound // 404
	case errors.Is(err, apperror.ErrConflict):
		status = http.StatusConflict // 409
	case errors.Is(err, apperror.ErrRateLimited):
		status = http.StatusTooManyRequests // 429
	case errors.Is(err, apperror.ErrUnavailable):
		status = http.StatusServiceUnavailable // 503
	}

	message := appErr.Message
	if status == http.StatusInternalServerError {
		message = "Internal server error"
	}
	writeFailure(w, status, message)
}

// errBody says why a request body could not be used.
type errBody string

const (
	errInvalidJSON errBody = "Invalid JSON body"
	errNotObject   errBody = "Body must be a JSON object"
)

func (e errBody) Error() string { return string(e) }

// decodeObject reads a JSON object body. Field values are left as decoded so
// callers can treat non-string fields as absent.
func decodeObject(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	var body any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		return nil, errInvalidJSON
	}
	obj, ok := body.(map[string]any)
	if !ok {
		return nil, errNotObject
	}
	return obj, nil
}

// stringField returns body[key] when it is a string, "" otherwise.
func stringField(body map[string]any, key string) string {
	s, _ := body[key].(string)
	return s
}

// clientIP is the caller address. chi's RealIP middleware has already
// replaced RemoteAddr with the forwarded address when one was sent.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}
