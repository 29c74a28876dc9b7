package model

import "time"

// Lead is a contact captured before authentication (signup form or
// passwordless start). Leads are deduplicated by EmailNormalized.
//
// SYNC BOOKKEEPING:
//   - ZohoSyncedAt is stamped the first time the list subscribe succeeds and
//     is never cleared afterwards, not even by a later failure.
//   - ZohoLastError only ever records the latest failure detail.
//
// LOGIN BOOKKEEPING:
// LoginInitiatedAt/LoginInitiatedCount drive the passwordless resend
// cooldown; the count only grows.
type Lead struct {
	ID                  string     `json:"id"                  db:"id"`
	Name                string     `json:"name"                db:"name"`
	Email               string     `json:"email"               db:"email"`
	EmailNormalized     string     `json:"emailNormalized"     db:"email_normalized"`
	Phone               *string    `json:"phone,omitempty"     db:"phone"`
	ZohoSyncedAt        *time.Time `json:"zohoSyncedAt"        db:"zoho_synced_at"`
	ZohoLastError       *string    `json:"zohoLastError"       db:"zoho_last_error"`
	LoginInitiatedAt    *time.Time `json:"loginInitiatedAt"    db:"login_initiated_at"`
	LoginInitiatedCount int        `json:"loginInitiatedCount" db:"login_initiated_count"`
	CreatedAt           time.Time  `json:"createdAt"           db:"created_at"`
	UpdatedAt           time.Time  `json:"updatedAt"           db:"updated_at"`
}

// IsSynced reports whether the lead reached the marketing list at least once.
func (l *Lead) IsSynced() bool {
	return l.ZohoSyncedAt != nil
}

// PhoneValue returns the phone number or "" when none was captured.
func (l *Lead) PhoneValue() string {
	if l.Phone == nil {
		return ""
	}
	return *l.Phone
}

// DefaultLoginCooldown applies when no cooldown of at least one second is
// configured.
const DefaultLoginCooldown = 90 * time.Second

// InCooldown reports whether a new passwordless login may not be started yet.
// A lead that never initiated a login is never in cooldown.
func (l *Lead) InCooldown(now time.Time, cooldown time.Duration) bool {
	if l.LoginInitiatedAt == nil {
		return false
	}
	return now.Before(l.LoginInitiatedAt.Add(cooldown))
}
