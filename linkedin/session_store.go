package linkedin

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/leadscout/linkedin/internal/store"
	"github.com/hazyhaar/leadscout/linkedin/internal/vault"
)

// StoredSession is what a SessionStore hands back: the snapshot plus the
// cookie or password that established it.
type StoredSession struct {
	Session Session
	Secret  string
}

// SessionStore persists the single AuthSession.
type SessionStore interface {
	Load(ctx context.Context) (StoredSession, bool, error)
	// Save updates the session and keeps any stored secret.
	Save(ctx context.Context, s Session) error
	SaveWithSecret(ctx context.Context, s Session, secret string) error
	Clear(ctx context.Context) error
}

// SQLiteSessionStore keeps the session in the auth_session table with the
// secret sealed under a key derived from the configured passphrase.
type SQLiteSessionStore struct {
	st *store.Store
	v  *vault.Vault
}

// NewSQLiteSessionStore applies the schema and returns the store.
func NewSQLiteSessionStore(db *sql.DB, passphrase string) (*SQLiteSessionStore, error) {
	if err := store.ApplySchema(db); err != nil {
		return nil, fmt.Errorf("linkedin: session schema: %w", err)
	}
	v, err := vault.New(passphrase)
	if err != nil {
		return nil, fmt.Errorf("linkedin: session vault: %w", err)
	}
	return &SQLiteSessionStore{st: store.NewStore(db), v: v}, nil
}

func (s *SQLiteSessionStore) Load(ctx context.Context) (StoredSession, bool, error) {
	rec, err := s.st.Get(ctx)
	if err != nil || rec == nil {
		return StoredSession{}, false, err
	}
	out := StoredSession{Session: Session{
		Status:            Status(rec.Status),
		AccountIdentifier: rec.AccountIdentifier,
		AuthMethod:        AuthMethod(rec.AuthMethod),
		ErrorMessage:      rec.ErrorMessage,
	}}
	if rec.LastConnectedAt > 0 {
		t := time.UnixMilli(rec.LastConnectedAt)
		out.Session.LastConnectedAt = &t
	}
	if len(rec.SealedSecret) > 0 {
		plain, err := s.v.Open(rec.SealedSecret)
		if err != nil {
			// A rotated passphrase makes the secret unreadable; the
			// session can still be revalidated through the browser.
			return out, true, nil
		}
		out.Secret = string(plain)
	}
	return out, true, nil
}

func (s *SQLiteSessionStore) Save(ctx context.Context, sess Session) error {
	return s.st.Upsert(ctx, toRecord(sess), nil)
}

func (s *SQLiteSessionStore) SaveWithSecret(ctx context.Context, sess Session, secret string) error {
	sealed, err := s.v.Seal([]byte(secret))
	if err != nil {
		return fmt.Errorf("linkedin: seal secret: %w", err)
	}
	return s.st.Upsert(ctx, toRecord(sess), sealed)
}

func (s *SQLiteSessionStore) Clear(ctx context.Context) error {
	return s.st.Delete(ctx)
}

func toRecord(sess Session) *store.Record {
	rec := &store.Record{
		Status:            string(sess.Status),
		AccountIdentifier: sess.AccountIdentifier,
		AuthMethod:        string(sess.AuthMethod),
		ErrorMessage:      sess.ErrorMessage,
	}
	if sess.LastConnectedAt != nil {
		rec.LastConnectedAt = sess.LastConnectedAt.UnixMilli()
	}
	return rec
}
