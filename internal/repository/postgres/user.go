package postgres

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
	err := row.Scan(&u.ID, &u.ExternalID, &email, &name, &imageURL, &subscribedAt, &deletedAt,
		&u.CreatedAt, &u.UpdatedAt)
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

func (db *DB) CreateUser(ctx context.Context, p repository.UserProfile) (*model.User, error) {
	row := db.conn.QueryRowContext(ctx, `
		INSERT INTO users (id, external_id, email, name, image_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		RETURNING `+userColumns,
		xid.New().String(), p.ExternalID, p.Email, p.Name, p.ImageURL, db.now(),
	)

	u, err := scanUser(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperror.Conflict("user", p.ExternalID)
		}
		return nil, fmt.Errorf("postgres: inserting user (externalID=%s): %w", p.ExternalID, err)
	}
	return u, nil
}

func (db *DB) UpdateUserProfile(ctx context.Context, id string, p repository.UserProfile) (*model.User, error) {
	row := db.conn.QueryRowContext(ctx, `
		UPDATE users SET email = $1, name = $2, image_url = $3, updated_at = $4
		WHERE id = $5
		RETURNING `+userColumns,
		p.Email, p.Name, p.ImageURL, db.now(), id,
	)
	return userOrNotFound(row, id, "updating user")
}

func (db *DB) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return userOrNotFound(row, id, "getting user")
}

func (db *DB) GetUserByExternalID(ctx context.Context, externalID string) (*model.User, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE external_id = $1`, externalID)
	return userOrNotFound(row, externalID, "getting user by external id")
}

func (db *DB) MarkUserSubscribed(ctx context.Context, id string, at time.Time) (*model.User, error) {
	row := db.conn.QueryRowContext(ctx, `
		UPDATE users
		SET zoho_subscribed_at = COALESCE(zoho_subscribed_at, $1), updated_at = $2
		WHERE id = $3
		RETURNING `+userColumns,
		at.UTC(), db.now(), id,
	)
	return userOrNotFound(row, id, "marking user subscribed")
}

func userOrNotFound(row *sql.Row, key, action string) (*model.User, error) {
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("user", key)
		}
		return nil, fmt.Errorf("postgres: %s %s: %w", action, key, err)
	}
	return u, nil
}
