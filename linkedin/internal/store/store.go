// Package store persists the singleton automation session row.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hazyhaar/leadscout/dbopen"
)

// Schema is a single-row table: id is always 1.
const Schema = `
CREATE TABLE IF NOT EXISTS auth_session (
    id                  INTEGER PRIMARY KEY CHECK (id = 1),
    status              TEXT NOT NULL,
    account_identifier  TEXT NOT NULL DEFAULT '',
    auth_method         TEXT NOT NULL DEFAULT '',
    last_connected_at   INTEGER NOT NULL DEFAULT 0,
    error_message       TEXT NOT NULL DEFAULT '',
    sealed_secret       BLOB,
    created_at          INTEGER NOT NULL,
    updated_at          INTEGER NOT NULL
);
`

// ApplySchema creates the auth_session table.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

// Record is the stored row. Timestamps are unix millis.
type Record struct {
	Status            string
	AccountIdentifier string
	AuthMethod        string
	LastConnectedAt   int64
	ErrorMessage      string
	SealedSecret      []byte
	CreatedAt         int64
	UpdatedAt         int64
}

// Store wraps the database holding auth_session.
type Store struct {
	DB *sql.DB
}

// NewStore creates a Store from an already-opened database.
func NewStore(db *sql.DB) *Store {
	return &Store{DB: db}
}

// Get returns the session row, or nil when none is stored.
func (s *Store) Get(ctx context.Context) (*Record, error) {
	var r Record
	err := s.DB.QueryRowContext(ctx,
		`SELECT status, account_identifier, auth_method, last_connected_at, error_message,
		sealed_secret, created_at, updated_at
		FROM auth_session WHERE id = 1`).Scan(
		&r.Status, &r.AccountIdentifier, &r.AuthMethod, &r.LastConnectedAt, &r.ErrorMessage,
		&r.SealedSecret, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Upsert writes the session row. A nil sealed secret keeps the stored one.
func (s *Store) Upsert(ctx context.Context, r *Record, sealed []byte) error {
	now := time.Now().UnixMilli()
	var secret any
	if sealed != nil {
		secret = sealed
	}
	_, err := dbopen.Exec(ctx, s.DB,
		`INSERT INTO auth_session (id, status, account_identifier, auth_method, last_connected_at,
		error_message, sealed_secret, created_at, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			account_identifier = excluded.account_identifier,
			auth_method = excluded.auth_method,
			last_connected_at = excluded.last_connected_at,
			error_message = excluded.error_message,
			sealed_secret = COALESCE(excluded.sealed_secret, auth_session.sealed_secret),
			updated_at = excluded.updated_at`,
		r.Status, r.AccountIdentifier, r.AuthMethod, r.LastConnectedAt,
		r.ErrorMessage, secret, now, now,
	)
	return err
}

// Delete removes the session row and its secret.
func (s *Store) Delete(ctx context.Context) error {
	_, err := dbopen.Exec(ctx, s.DB, `DELETE FROM auth_session WHERE id = 1`)
	return err
}
