// Package model defines the data structures used throughout the application.
package model

import "time"

// User represents an authenticated account.
//
// The identity provider owns the person; we only mirror what its session
// claims tell us. ExternalID is the provider's stable subject ("sub") and is
// UNIQUE in the users table, so one provider identity maps to exactly one
// local account. We still generate our own internal ID (xid) so primary keys
// are not tied to a third party's format.
//
// WHY POINTERS FOR Email/Name/ImageURL?
// Claims can be absent, and "absent" must survive a round trip through the
// database as NULL rather than collapsing into "". The same applies to the
// timestamps: ZohoSubscribedAt == nil means "never confirmed subscribed".
type User struct {
	ID               string     `json:"id"               db:"id"`
	ExternalID       string     `json:"externalId"       db:"external_id"`
	Email            *string    `json:"email"            db:"email"`
	Name             *string    `json:"name"             db:"name"`
	ImageURL         *string    `json:"imageUrl"         db:"image_url"`
	ZohoSubscribedAt *time.Time `json:"zohoSubscribedAt" db:"zoho_subscribed_at"` // set once, never cleared
	DeletedAt        *time.Time `json:"deletedAt,omitempty" db:"deleted_at"`
	CreatedAt        time.Time  `json:"createdAt"        db:"created_at"`
	UpdatedAt        time.Time  `json:"updatedAt"        db:"updated_at"`
}

// IsSubscribed reports whether the account has been confirmed on the list,
// either directly or through reconciliation with a matching lead.
func (u *User) IsSubscribed() bool {
	return u.ZohoSubscribedAt != nil
}
