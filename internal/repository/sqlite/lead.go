package sqlite

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

// compile-time check that *DB implements repository.LeadRepository
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
	err := row.Scan(
		&l.ID,
		&l.Name,
		&l.Email,
		&l.EmailNormalized,
		&phone,
		&syncedAt,
		&lastError,
		&initiateAt,
		&l.LoginInitiatedCount,
		&l.CreatedAt,
		&l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	l.Phone = nullStringPtr(phone)
	l.ZohoLastError = nullStringPtr(lastError)
	l.ZohoSyncedAt = nullTimePtr(syncedAt)
	l.LoginInitiatedAt = nullTimePtr(initiateAt)
	return &l, nil
}

// UpsertLead inserts a lead or refreshes name/phone on the existing row.
//
// The stored email is always the normalized one; the submitted casing is
// not worth a second column of PII.
func (db *DB) UpsertLead(ctx context.Context, in repository.LeadInput) (*model.Lead, error) {
	now := db.now()

	row := db.conn.QueryRowContext(ctx, `
		INSERT INTO leads (id, name, email, email_normalized, phone, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(email_normalized) DO UPDATE SET
			name       = excluded.name,
			email      = excluded.email,
			phone      = COALESCE(excluded.phone, leads.phone),
			updated_at = excluded.updated_at
		RETURNING `+leadColumns,
		xid.New().String(),
		in.Name,
		in.EmailNormalized,
		in.EmailNormalized,
		in.Phone,
		now,
		now,
	)

	lead, err := scanLead(row)
	if err != nil {
		return nil, fmt.Errorf("sqlite: upserting lead %s: %w", in.EmailNormalized, err)
	}
	return lead, nil
}

// FindLeadByEmail returns apperror.ErrNotFound if no lead has that email.
func (db *DB) FindLeadByEmail(ctx context.Context, emailNormalized string) (*model.Lead, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE email_normalized = ?`,
		emailNormalized,
	)

	lead, err := scanLead(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("lead", emailNormalized)
		}
		return nil, fmt.Errorf("sqlite: finding lead %s: %w", emailNormalized, err)
	}
	return lead, nil
}

func (db *DB) MarkLeadSynced(ctx context.Context, id string) error {
	now := db.now()
	return db.execLead(ctx, id, "marking lead synced",
		`UPDATE leads
		 SET zoho_synced_at = COALESCE(zoho_synced_at, ?), zoho_last_error = NULL, updated_at = ?
		 WHERE id = ?`,
		now, now, id,
	)
}

func (db *DB) MarkLeadFailed(ctx context.Context, id, message string) error {
	return db.execLead(ctx, id, "marking lead failed",
		`UPDATE leads SET zoho_last_error = ?, updated_at = ? WHERE id = ?`,
		message, db.now(), id,
	)
}

func (db *DB) MarkLoginInitiated(ctx context.Context, id string) error {
	now := db.now()
	return db.execLead(ctx, id, "marking login initiated",
		`UPDATE leads
		 SET login_initiated_count = login_initiated_count + 1, login_initiated_at = ?, updated_at = ?
		 WHERE id = ?`,
		now, now, id,
	)
}

// ListUnsyncedLeads returns leads with no zoho_synced_at, oldest first.
func (db *DB) ListUnsyncedLeads(ctx context.Context, limit int) ([]model.Lead, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+leadColumns+` FROM leads
		 WHERE zoho_synced_at IS NULL
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing unsynced leads: %w", err)
	}
	defer rows.Close()

	leads := []model.Lead{}
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning lead row: %w", err)
		}
		leads = append(leads, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating lead rows: %w", err)
	}
	return leads, nil
}

// execLead runs a single-row UPDATE and maps "no row" to ErrNotFound.
func (db *DB) execLead(ctx context.Context, id, action, query string, args ...any) error {
	result, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("sqlite: %s %s: %w", action, id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected for %s: %w", id, err)
	}
	if n == 0 {
		return apperror.NotFound("lead", id)
	}
	return nil
}
