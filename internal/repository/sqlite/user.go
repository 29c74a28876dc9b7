package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"
	"github.com/sakif/leadsync/internal/apperror"
	"github.com/sakif/leadsync/internal/model"
	"github.com/sakif/leadsync/internal/repository"
)

// compile-time check that *DB implements repository.UserRepository
var _ repository.UserRepository = (*DB)(nil)

const userColumns = `id, external_id, email, name, image_url, zoho_subscribed_at, deleted_at, created_at, updated_at`

func scanUser(row scanner) (*model.User, error) {
	var (
		u            model.User
		email        sql.NullString
		name         sql.NullString
		imageURL     sql.NullString
		subscribedAt sql.NullTime
		deletedAt    sql.NullTime
	)
	err := row.Scan(
		&u.ID,
		&u.ExternalID,
		&email,
		&name,
		&imageURL,
		&subscribedAt,
		&deletedAt,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	u.Email = nullStringPtr(email)
	u.Name = nullStringPtr(name)
	u.ImageURL = nullStringPtr(imageURL)
	u.ZohoSubscribedAt = nullTimePtr(subscribedAt)
	u.DeletedAt = nullTimePtr(deletedAt)
	return &u, nil
}

// CreateUser inserts a new user for a provider subject.
//
// Two first requests for the same subject can race here; the loser gets
// apperror.ErrConflict and is expected to re-read with GetUserByExternalID.
func (db *DB) CreateUser(ctx context.Context, p repository.UserProfile) (*model.User, error) {
	now := db.now()

	row := db.conn.QueryRowContext(ctx, `
		INSERT INTO users (id, external_id, email, name, image_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING `+userColumns,
		xid.New().String(),
		p.ExternalID,
		p.Email,
		p.Name,
		p.ImageURL,
		now,
		now,
	)

	u, err := scanUser(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperror.Conflict("user", p.ExternalID)
		}
		return nil, fmt.Errorf("sqlite: inserting user (externalID=%s): %w", p.ExternalID, err)
	}
	return u, nil
}

func (db *DB) UpdateUserProfile(ctx context.Context, id string, p repository.UserProfile) (*model.User, error) {
	row := db.conn.QueryRowContext(ctx, `
		UPDATE users SET email = ?, name = ?, image_url = ?, updated_at = ?
		WHERE id = ?
		RETURNING `+userColumns,
		p.Email,
		p.Name,
		p.ImageURL,
		db.now(),
		id,
	)
	return db.userOrNotFound(row, id, "updating user")
}

// GetUserByID returns apperror.ErrNotFound if no user exists with that ID.
func (db *DB) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return db.userOrNotFound(row, id, "getting user")
}

func (db *DB) GetUserByExternalID(ctx context.Context, externalID string) (*model.User, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE external_id = ?`, externalID)
	return db.userOrNotFound(row, externalID, "getting user by external id")
}

// MarkUserSubscribed never overwrites an earlier subscription timestamp.
func (db *DB) MarkUserSubscribed(ctx context.Context, id string, at time.Time) (*model.User, error) {
	row := db.conn.QueryRowContext(ctx, `
		UPDATE users
		SET zoho_subscribed_at = COALESCE(zoho_subscribed_at, ?), updated_at = ?
		WHERE id = ?
		RETURNING `+userColumns,
		at.UTC(),
		db.now(),
		id,
	)
	return db.userOrNotFound(row, id, "marking user subscribed")
}

func (db *DB) userOrNotFound(row *sql.Row, key, action string) (*model.User, error) {
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("user", key)
		}
		return nil, fmt.Errorf("sqlite: %s %s: %w", action, key, err)
	}
	return u, nil
}
