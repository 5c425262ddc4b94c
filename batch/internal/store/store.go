// Package store persists batch searches and their accumulated results.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hazyhaar/leadscout/contact"
	"github.com/hazyhaar/leadscout/dbopen"
)

// Session statuses as stored.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Schema holds sessions and their ordered results. seq is 0-based and
// dense per session.
const Schema = `
CREATE TABLE IF NOT EXISTS search_sessions (
    id                  TEXT PRIMARY KEY,
    status              TEXT NOT NULL DEFAULT 'pending',
    companies           TEXT NOT NULL DEFAULT '[]',
    keywords            TEXT NOT NULL DEFAULT '[]',
    total_companies     INTEGER NOT NULL,
    companies_searched  INTEGER NOT NULL DEFAULT 0,
    total_results       INTEGER NOT NULL DEFAULT 0,
    error_count         INTEGER NOT NULL DEFAULT 0,
    error_message       TEXT NOT NULL DEFAULT '',
    limit_per_company   INTEGER NOT NULL,
    request_key         TEXT NOT NULL,
    created_at          INTEGER NOT NULL,
    updated_at          INTEGER NOT NULL,
    completed_at        INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_search_sessions_key ON search_sessions(request_key, status, completed_at);
CREATE INDEX IF NOT EXISTS idx_search_sessions_created ON search_sessions(created_at);

CREATE TABLE IF NOT EXISTS search_results (
    session_id        TEXT NOT NULL REFERENCES search_sessions(id) ON DELETE CASCADE,
    seq               INTEGER NOT NULL,
    searched_company  TEXT NOT NULL,
    searched_keyword  TEXT NOT NULL,
    name              TEXT NOT NULL,
    title             TEXT NOT NULL DEFAULT '',
    company           TEXT NOT NULL DEFAULT '',
    location          TEXT NOT NULL DEFAULT '',
    profile_url       TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (session_id, seq)
);
`

// ApplySchema creates the tables.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

// Session is a stored row. Timestamps are unix millis; CompletedAt is 0
// while the session runs.
type Session struct {
	ID                string
	Status            string
	Companies         []string
	Keywords          []string
	TotalCompanies    int
	CompaniesSearched int
	TotalResults      int
	ErrorCount        int
	ErrorMessage      string
	LimitPerCompany   int
	RequestKey        string
	CreatedAt         int64
	UpdatedAt         int64
	CompletedAt       int64
}

// Store wraps the database holding search_sessions and search_results.
type Store struct {
	DB *sql.DB
}

// NewStore creates a Store from an already-opened database.
func NewStore(db *sql.DB) *Store {
	return &Store{DB: db}
}

const sessionCols = `id, status, companies, keywords, total_companies, companies_searched,
	total_results, error_count, error_message, limit_per_company, request_key,
	created_at, updated_at, completed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var (
		s                  Session
		companies, keyword string
	)
	err := row.Scan(&s.ID, &s.Status, &companies, &keyword, &s.TotalCompanies, &s.CompaniesSearched,
		&s.TotalResults, &s.ErrorCount, &s.ErrorMessage, &s.LimitPerCompany, &s.RequestKey,
		&s.CreatedAt, &s.UpdatedAt, &s.CompletedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(companies), &s.Companies); err != nil {
		return nil, fmt.Errorf("decode companies: %w", err)
	}
	if err := json.Unmarshal([]byte(keyword), &s.Keywords); err != nil {
		return nil, fmt.Errorf("decode keywords: %w", err)
	}
	return &s, nil
}

// Create inserts a new session.
func (s *Store) Create(ctx context.Context, sess *Session) error {
	companies, _ := json.Marshal(sess.Companies)
	keywords, _ := json.Marshal(sess.Keywords)
	_, err := dbopen.Exec(ctx, s.DB,
		`INSERT INTO search_sessions (id, status, companies, keywords, total_companies,
		limit_per_company, request_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Status, string(companies), string(keywords), sess.TotalCompanies,
		sess.LimitPerCompany, sess.RequestKey, sess.CreatedAt, sess.UpdatedAt)
	return err
}

// Get returns a session, or nil when the id is unknown.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	sess, err := scanSession(s.DB.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM search_sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sess, err
}

// FindCompleted returns the newest completed session with the request key
// that completed at or after since, or nil.
func (s *Store) FindCompleted(ctx context.Context, requestKey string, since int64) (*Session, error) {
	sess, err := scanSession(s.DB.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM search_sessions
		WHERE request_key = ? AND status = ? AND completed_at >= ?
		ORDER BY completed_at DESC LIMIT 1`,
		requestKey, StatusCompleted, since))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sess, err
}

// Transition moves a session from one status to the next. It reports
// false when the session was not in from, which keeps statuses moving
// forward only. Terminal statuses stamp completed_at.
func (s *Store) Transition(ctx context.Context, id, from, to, message string, now int64) (bool, error) {
	completed := int64(0)
	if to == StatusCompleted || to == StatusFailed {
		completed = now
	}
	res, err := dbopen.Exec(ctx, s.DB,
		`UPDATE search_sessions SET status = ?, error_message = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		to, message, now, completed, id, from)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// AppendPair records the outcome of one (company, keyword) pair: its
// results, whether it finished the company and whether it failed. Nothing
// is written unless the session is processing.
func (s *Store) AppendPair(ctx context.Context, id string, results []contact.Result, companyDone, failed bool, now int64) (bool, error) {
	applied := false
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		var (
			status string
			next   int
		)
		err := tx.QueryRowContext(ctx,
			`SELECT status, total_results FROM search_sessions WHERE id = ?`, id).Scan(&status, &next)
		if err != nil {
			return err
		}
		if status != StatusProcessing {
			return nil
		}

		if len(results) > 0 {
			stmt, err := tx.PrepareContext(ctx,
				`INSERT INTO search_results (session_id, seq, searched_company, searched_keyword,
				name, title, company, location, profile_url)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
			if err != nil {
				return err
			}
			defer stmt.Close()
			for i, r := range results {
				if _, err := stmt.ExecContext(ctx, id, next+i, r.SearchedCompany, r.SearchedKeyword,
					r.Name, r.Title, r.Company, r.Location, r.ProfileURL); err != nil {
					return err
				}
			}
		}

		var doneInc, errInc int
		if companyDone {
			doneInc = 1
		}
		if failed {
			errInc = 1
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE search_sessions SET
				total_results = total_results + ?,
				companies_searched = MIN(companies_searched + ?, total_companies),
				error_count = error_count + ?,
				updated_at = ?
			WHERE id = ?`,
			len(results), doneInc, errInc, now, id)
		if err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

// Results returns results with seq in [from, to), in order.
func (s *Store) Results(ctx context.Context, id string, from, to int) ([]contact.Result, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT searched_company, searched_keyword, name, title, company, location, profile_url
		FROM search_results WHERE session_id = ? AND seq >= ? AND seq < ? ORDER BY seq`,
		id, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []contact.Result{}
	for rows.Next() {
		var r contact.Result
		if err := rows.Scan(&r.SearchedCompany, &r.SearchedKeyword, &r.Name, &r.Title,
			&r.Company, &r.Location, &r.ProfileURL); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// List returns sessions newest first, and the total count.
func (s *Store) List(ctx context.Context, offset, limit int) ([]*Session, int, error) {
	var total int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM search_sessions`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+sessionCols+` FROM search_sessions ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, sess)
	}
	return out, total, rows.Err()
}

// FailUnfinished marks every pending or processing session failed.
func (s *Store) FailUnfinished(ctx context.Context, message string, now int64) (int, error) {
	res, err := dbopen.Exec(ctx, s.DB,
		`UPDATE search_sessions SET status = ?, error_message = ?, updated_at = ?, completed_at = ?
		WHERE status IN (?, ?)`,
		StatusFailed, message, now, now, StatusPending, StatusProcessing)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteFinishedBefore removes terminal sessions completed before the
// cutoff, with their results.
func (s *Store) DeleteFinishedBefore(ctx context.Context, cutoff int64) (int, error) {
	var removed int64
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		where := `status IN (?, ?) AND completed_at > 0 AND completed_at < ?`
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM search_results WHERE session_id IN (SELECT id FROM search_sessions WHERE `+where+`)`,
			StatusCompleted, StatusFailed, cutoff); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM search_sessions WHERE `+where,
			StatusCompleted, StatusFailed, cutoff)
		if err != nil {
			return err
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return int(removed), err
}
