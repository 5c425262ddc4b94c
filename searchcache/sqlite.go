package searchcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hazyhaar/leadscout/contact"
	"github.com/hazyhaar/leadscout/dbopen"
)

// Schema stores one row per normalized pair. contacts is a JSON array.
const Schema = `
CREATE TABLE IF NOT EXISTS search_cache (
    cache_key   TEXT PRIMARY KEY,
    company     TEXT NOT NULL,
    keyword     TEXT NOT NULL,
    contacts    TEXT NOT NULL DEFAULT '[]',
    fetched_at  INTEGER NOT NULL,
    hits        INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_search_cache_fetched ON search_cache(fetched_at);
`

// SQLite persists the cache in the application database.
type SQLite struct {
	DB   *sql.DB
	opts Options
}

// NewSQLite applies the schema and returns the cache.
func NewSQLite(db *sql.DB, opts Options) (*SQLite, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("searchcache: schema: %w", err)
	}
	opts.defaults()
	return &SQLite{DB: db, opts: opts}, nil
}

func (s *SQLite) Get(ctx context.Context, company, keyword string) ([]contact.Contact, bool, error) {
	key := contact.Key(company, keyword)
	minFetched := s.opts.Now().Add(-s.opts.TTL).UnixMilli()

	var raw string
	err := s.DB.QueryRowContext(ctx,
		`SELECT contacts FROM search_cache WHERE cache_key = ? AND fetched_at > ?`,
		key, minFetched).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("searchcache: get: %w", err)
	}

	var out []contact.Contact
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, false, fmt.Errorf("searchcache: decode %q: %w", key, err)
	}
	dbopen.Exec(ctx, s.DB, `UPDATE search_cache SET hits = hits + 1 WHERE cache_key = ?`, key)
	return clone(out), true, nil
}

func (s *SQLite) Put(ctx context.Context, company, keyword string, contacts []contact.Contact) error {
	raw, err := json.Marshal(clone(contacts))
	if err != nil {
		return fmt.Errorf("searchcache: encode: %w", err)
	}
	_, err = dbopen.Exec(ctx, s.DB,
		`INSERT INTO search_cache (cache_key, company, keyword, contacts, fetched_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			company = excluded.company,
			keyword = excluded.keyword,
			contacts = excluded.contacts,
			fetched_at = excluded.fetched_at`,
		contact.Key(company, keyword), company, keyword, string(raw), s.opts.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("searchcache: put: %w", err)
	}
	return nil
}

func (s *SQLite) Purge(ctx context.Context) (int, error) {
	minFetched := s.opts.Now().Add(-s.opts.TTL).UnixMilli()
	var removed int64
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM search_cache WHERE fetched_at <= ?`, minFetched)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		removed = n

		res, err = tx.ExecContext(ctx,
			`DELETE FROM search_cache WHERE cache_key NOT IN (
				SELECT cache_key FROM search_cache ORDER BY fetched_at DESC LIMIT ?)`,
			s.opts.MaxEntries)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		removed += n
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("searchcache: purge: %w", err)
	}
	return int(removed), nil
}
