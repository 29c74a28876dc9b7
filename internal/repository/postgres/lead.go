package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/xid"
	"github.com/sakif/leadsync/internal/apperror"
	"github.com/sakif/leadsync/internal/model"
	"github.com/sakif/leadsync/internal/repository"
)

var _ repository.LeadRepository = (*DB)(nil)

const leadColumns = `id, name, email, email_normalized, phone, zoho_synced_at, zoho_last_error,
	login_initiated_at, login_initiated_count, created_at, updated_at`

func scanLead(row scanner) (*model.Lead, error) {
	var (
		l          model.Lead
		phone      sql.NullString
		lastError  sql.NullString
		syncedAt   sql.NullTime
		initiateAt sql.NullTime
	)
	err := row.Scan(&l.ID, &l.Name, &l.Email, &l.EmailNormalized, &phone, &syncedAt, &lastError,
		&initiateAt, &l.LoginInitiatedCount, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	l.Phone = nullStringPtr(phone)
	l.ZohoLastError = nullStringPtr(lastError)
	l.ZohoSyncedAt = nullTimePtr(syncedAt)
	l.LoginInitiatedAt = nullTimePtr(initiateAt)
	return &l, nil
}

func (db *DB) UpsertLead(ctx context.Context, in repository.LeadInput) (*model.Lead, error) {
	now := db.now()

	row := db.conn.QueryRowContext(ctx, `
		INSERT INTO leads (id, name, email, email_normalized, phone, created_at, updated_at)
		VALUES ($1, $2, $3, $3, $4, $5, $5)
		ON CONFLICT (email_normalized) DO UPDATE SET
			name       = EXCLUDED.name,
			email      = EXCLUDED.email,
			phone      = COALESCE(EXCLUDED.phone, leads.phone),
			updated_at = EXCLUDED.updated_at
		RETURNING `+leadColumns,
		xid.New().String(), in.Name, in.EmailNormalized, in.Phone, now,
	)

	lead, err := scanLead(row)
	if err != nil {
		return nil, fmt.Errorf("postgres: upserting lead %s: %w", in.EmailNormalized, err)
	}
	return lead, nil
}

func (db *DB) FindLeadByEmail(ctx context.Context, emailNormalized string) (*model.Lead, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE email_normalized = $1`, emailNormalized)

	lead, err := scanLead(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("lead", emailNormalized)
		}
		return nil, fmt.Errorf("postgres: finding lead %s: %w", emailNormalized, err)
	}
	return lead, nil
}

func (db *DB) MarkLeadSynced(ctx context.Context, id string) error {
	return db.execLead(ctx, id, "marking lead synced",
		`UPDATE leads
		 SET zoho_synced_at = COALESCE(zoho_synced_at, $1), zoho_last_error = NULL, updated_at = $1
		 WHERE id = $2`,
		db.now(), id)
}

func (db *DB) MarkLeadFailed(ctx context.Context, id, message string) error {
	return db.execLead(ctx, id, "marking lead failed",
		`UPDATE leads SET zoho_last_error = $1, updated_at = $2 WHERE id = $3`,
		message, db.now(), id)
}

func (db *DB) MarkLoginInitiated(ctx context.Context, id string) error {
	return db.execLead(ctx, id, "marking login initiated",
		`UPDATE leads
		 SET login_initiated_count = login_initiated_count + 1, login_initiated_at = $1, updated_at = $1
		 WHERE id = $2`,
		db.now(), id)
}

func (db *DB) ListUnsyncedLeads(ctx context.Context, limit int) ([]model.Lead, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+leadColumns+` FROM leads
		 WHERE zoho_synced_at IS NULL
		 ORDER BY created_at ASC, id ASC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: listing unsynced leads: %w", err)
	}
	defer rows.Close()

	leads := []model.Lead{}
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scanning lead row: %w", err)
		}
		leads = append(leads, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterating lead rows: %w", err)
	}
	return leads, nil
}

func (db *DB) execLead(ctx context.Context, id, action, query string, args ...any) error {
	result, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: %s %s: %w", action, id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: checking rows affected for %s: %w", id, err)
	}
	if n == 0 {
		return apperror.NotFound("lead", id)
	}
	return nil
}
