// Package sqlite implements the repository interfaces on an embedded SQLite
// database.
//
// WHY SQLITE?
// A single-instance deployment needs nothing more than a file next to the
// binary, and tests get a fresh database per test with ":memory:".
//
// WHY modernc.org/sqlite INSTEAD OF github.com/mattn/go-sqlite3?
// modernc.org/sqlite is a pure Go translation of SQLite: no CGo, no C
// compiler, cross-compilation just works.
//
// UPSERTS:
// Both tables are written with INSERT ... ON CONFLICT ... DO UPDATE ...
// RETURNING, one statement per operation. SQLite serialises writers and every
// pooled connection waits up to busyTimeoutMS for the write lock, so two
// requests racing on the same email converge on one row instead of failing
// with SQLITE_BUSY or a constraint error.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// busyTimeoutMS is how long a connection waits for another writer.
const busyTimeoutMS = 5000

// DB wraps a sql.DB connection pool and implements LeadRepository and
// UserRepository.
type DB struct {
	conn *sql.DB
	now  func() time.Time
}

// New opens the database at dbPath and runs migrations.
//
// dbPath examples:
//   - "data/leadsync.db" → file-based database (persistent)
//   - ":memory:"         → in-memory database (tests)
func New(dbPath string) (*DB, error) {
	memory := strings.Contains(dbPath, ":memory:")

	conn, err := sql.Open("sqlite", dsn(dbPath, memory))
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}

	// Every pooled connection to ":memory:" is its own empty database.
	if memory {
		conn.SetMaxOpenConns(1)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	db := &DB{conn: conn, now: func() time.Time { return time.Now().UTC() }}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return db, nil
}

// dsn appends the per-connection pragmas. A PRAGMA run through db.Exec only
// reaches the one pooled connection that happened to execute it; _pragma
// parameters are applied by the driver to each new connection.
func dsn(dbPath string, memory bool) string {
	pragmas := []string{fmt.Sprintf("_pragma=busy_timeout(%d)", busyTimeoutMS)}
	if !memory {
		// WAL lets readers proceed while a write is in progress.
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)")
	}

	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return dbPath + sep + strings.Join(pragmas, "&")
}

// Close closes the database connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping reports whether the database is reachable; used by /healthz.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// migrate creates the schema. CREATE ... IF NOT EXISTS keeps it idempotent.
func (db *DB) migrate() error {
	// email_normalized is the dedup key: one row per person, however many
	// times they submit a form.
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS leads (
			id                    TEXT PRIMARY KEY,
			name                  TEXT NOT NULL,
			email                 TEXT NOT NULL,
			email_normalized      TEXT NOT NULL UNIQUE,
			phone                 TEXT,
			zoho_synced_at        DATETIME,
			zoho_last_error       TEXT,
			login_initiated_at    DATETIME,
			login_initiated_count INTEGER NOT NULL DEFAULT 0,
			created_at            DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at            DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_leads_zoho_synced_at ON leads(zoho_synced_at);
	`)
	if err != nil {
		return fmt.Errorf("creating leads table: %w", err)
	}

	// external_id is the identity provider subject ("sub").
	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id                 TEXT PRIMARY KEY,
			external_id        TEXT NOT NULL UNIQUE,
			email              TEXT,
			name               TEXT,
			image_url          TEXT,
			zoho_subscribed_at DATETIME,
			created_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		return fmt.Errorf("creating users table: %w", err)
	}

	// Soft delete arrived after the first deployments.
	if err := db.addColumnIfNotExists("users", "deleted_at", "DATETIME"); err != nil {
		return fmt.Errorf("adding deleted_at to users: %w", err)
	}

	return nil
}

// addColumnIfNotExists adds a column only if it doesn't already exist, so
// ALTER TABLE migrations are safe to run on every start.
func (db *DB) addColumnIfNotExists(table, column, definition string) error {
	var count int
	err := db.conn.QueryRow(
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`,
		table, column,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("checking column %s.%s: %w", table, column, err)
	}
	if count > 0 {
		return nil
	}
	_, err = db.conn.Exec(fmt.Sprintf(
		`ALTER TABLE %s ADD COLUMN %s %s`, table, column, definition,
	))
	return err
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
