package service

import (
	"regexp"
	"strings"
)

// Field limits applied to everything a visitor submits.
const (
	maxEmailLength        = 254
	maxEmailLocalLength   = 64
	maxNameLength         = 120
	maxContactNameLength  = 100
	maxPhoneLength        = 40
	maxHoneypotLength     = 300
	maxErrorMessageLength = 500
)

// emailPattern is the address shape we accept. The overall and local-part
// length limits are checked separately in ValidEmail because RE2 has no
// lookaheads.
var emailPattern = regexp.MustCompile(
	"^[A-Za-z0-9!#$%&'*+/=?^_`{|}~-]+(?:\\.[A-Za-z0-9!#$%&'*+/=?^_`{|}~-]+)*" +
		"@(?:[A-Za-z0-9](?:[A-Za-z0-9-]{0,61}[A-Za-z0-9])?\\.)+[A-Za-z]{2,63}$",
)

// cleanString trims v and cuts it to max characters.
func cleanString(v string, max int) string {
	v = strings.TrimSpace(v)
	if r := []rune(v); len(r) > max {
		return string(r[:max])
	}
	return v
}

// ValidEmail reports whether email (already normalized) is acceptable.
func ValidEmail(email string) bool {
	if email == "" || len(email) > maxEmailLength {
		return false
	}
	at := strings.IndexByte(email, '@')
	if at < 1 || at > maxEmailLocalLength {
		return false
	}
	return emailPattern.MatchString(email)
}

// NormalizeEmail trims, caps and lowercases raw. It returns "" when the
// result is not a valid address.
func NormalizeEmail(raw string) string {
	email := strings.ToLower(cleanString(raw, maxEmailLength))
	if !ValidEmail(email) {
		return ""
	}
	return email
}

// NormalizeName trims and caps a display name.
func NormalizeName(raw string) string {
	return cleanString(raw, maxNameLength)
}

// NormalizePhone trims and caps a phone number; nil means none was given.
func NormalizePhone(raw string) *string {
	phone := cleanString(raw, maxPhoneLength)
	if phone == "" {
		return nil
	}
	return &phone
}

// NormalizeHoneypot returns the trimmed hidden-field value. Anything non-empty
// marks the submission as a bot.
func NormalizeHoneypot(raw string) string {
	return cleanString(raw, maxHoneypotLength)
}

// SafeErrorMessage renders err for storage in zoho_last_error.
func SafeErrorMessage(err error) string {
	if err == nil {
		return "Unknown error"
	}
	return cleanString(err.Error(), maxErrorMessageLength)
}

// normalizeStoredEmail lowercases an email read back from a profile or row
// without validating it.
func normalizeStoredEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
