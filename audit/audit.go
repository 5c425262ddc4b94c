// Package audit keeps a SQLite trail of the operations that act on the
// automation session or spend its quota: logins, disconnects, batch starts
// and ad-hoc searches. Secrets never reach the trail.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/leadscout/dbopen"
	"github.com/hazyhaar/leadscout/idgen"
	"github.com/hazyhaar/leadscout/kit"
)

// Schema is the audit_log DDL.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_log (
    entry_id TEXT PRIMARY KEY,
    timestamp INTEGER NOT NULL,
    action TEXT NOT NULL,
    transport TEXT NOT NULL,
    trace_id TEXT,
    remote_addr TEXT,
    target TEXT,
    parameters TEXT NOT NULL DEFAULT '{}',
    status TEXT NOT NULL,
    error_message TEXT,
    duration_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_log(action, timestamp DESC);
`

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Entry is one audited operation. Timestamp is in Unix milliseconds.
type Entry struct {
	EntryID    string `json:"entryId"`
	Timestamp  int64  `json:"timestamp"`
	Action     string `json:"action"`
	Transport  string `json:"transport"`
	TraceID    string `json:"traceId,omitempty"`
	RemoteAddr string `json:"remoteAddr,omitempty"`
	Target     string `json:"target,omitempty"` // batch session id, query...
	Parameters string `json:"parameters,omitempty"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// Filter narrows Query. Zero values match everything.
type Filter struct {
	Action string
	Status string
	Since  time.Time
	Limit  int // Default 100, max 1000.
	Offset int
}

// SQLiteLogger writes entries to audit_log, batching asynchronous ones.
type SQLiteLogger struct {
	db     *sql.DB
	newID  idgen.Generator
	now    func() time.Time
	logger *slog.Logger

	ch   chan *Entry
	stop chan struct{}
	done chan struct{}
}

// Option configures a SQLiteLogger.
type Option func(*SQLiteLogger)

// WithIDGenerator replaces the entry id generator.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(l *SQLiteLogger) { l.newID = gen }
}

// WithClock replaces time.Now.
func WithClock(fn func() time.Time) Option {
	return func(l *SQLiteLogger) { l.now = fn }
}

// WithLogger sets the slog logger for flush failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *SQLiteLogger) { l.logger = logger }
}

const (
	bufferSize    = 256
	flushBatch    = 32
	flushInterval = 2 * time.Second
)

// NewSQLiteLogger starts the flush goroutine. Call Init before logging and
// Close to drain pending entries.
func NewSQLiteLogger(db *sql.DB, opts ...Option) *SQLiteLogger {
	l := &SQLiteLogger{
		db:     db,
		newID:  idgen.Prefixed("aud_", idgen.Default),
		now:    time.Now,
		logger: slog.Default(),
		ch:     make(chan *Entry, bufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.flushLoop()
	return l
}

// Init creates the audit_log table.
func (l *SQLiteLogger) Init() error {
	if _, err := l.db.Exec(Schema); err != nil {
		return fmt.Errorf("audit: schema: %w", err)
	}
	return nil
}

// Log writes e synchronously.
func (l *SQLiteLogger) Log(ctx context.Context, e *Entry) error {
	l.fillDefaults(e)
	return l.insert(ctx, l.db, e)
}

// LogAsync queues e. A full buffer falls back to a synchronous write.
func (l *SQLiteLogger) LogAsync(e *Entry) {
	l.fillDefaults(e)
	select {
	case l.ch <- e:
	default:
		l.logger.Warn("audit: buffer full, writing synchronously", "action", e.Action)
		if err := l.insert(context.Background(), l.db, e); err != nil {
			l.logger.Error("audit: sync write failed", "error", err)
		}
	}
}

// Record queues an entry for action built from the request context, the
// outcome and the start time. params is marshalled to JSON.
func (l *SQLiteLogger) Record(ctx context.Context, action, target string, params any, err error, start time.Time) {
	e := &Entry{
		Action:     action,
		Transport:  kit.GetTransport(ctx),
		TraceID:    kit.GetTraceID(ctx),
		RemoteAddr: kit.GetRemoteAddr(ctx),
		Target:     target,
		DurationMs: l.now().Sub(start).Milliseconds(),
	}
	if params != nil {
		if b, mErr := json.Marshal(params); mErr == nil {
			e.Parameters = string(b)
		}
	}
	if err != nil {
		e.Error = err.Error()
	}
	l.LogAsync(e)
}

// Query returns entries newest first.
func (l *SQLiteLogger) Query(ctx context.Context, f Filter) ([]Entry, error) {
	q := `SELECT entry_id, timestamp, action, transport, trace_id, remote_addr, target,
		parameters, status, error_message, duration_ms FROM audit_log WHERE 1=1`
	var args []any
	if f.Action != "" {
		q += " AND action = ?"
		args = append(args, f.Action)
	}
	if f.Status != "" {
		q += " AND status = ?"
		args = append(args, f.Status)
	}
	if !f.Since.IsZero() {
		q += " AND timestamp >= ?"
		args = append(args, f.Since.UnixMilli())
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	limit = min(limit, 1000)
	q += " ORDER BY timestamp DESC, entry_id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, max(f.Offset, 0))

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		var e Entry
		var traceID, remote, target, errMsg sql.NullString
		if err := rows.Scan(&e.EntryID, &e.Timestamp, &e.Action, &e.Transport, &traceID, &remote,
			&target, &e.Parameters, &e.Status, &errMsg, &e.DurationMs); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		e.TraceID, e.RemoteAddr, e.Target, e.Error = traceID.String, remote.String, target.String, errMsg.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// Cleanup deletes entries older than age.
func (l *SQLiteLogger) Cleanup(ctx context.Context, age time.Duration) (int, error) {
	res, err := dbopen.Exec(ctx, l.db, "DELETE FROM audit_log WHERE timestamp < ?", l.now().Add(-age).UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("audit: cleanup: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close drains the buffer and stops the flush goroutine.
func (l *SQLiteLogger) Close() error {
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
	<-l.done
	return nil
}

func (l *SQLiteLogger) fillDefaults(e *Entry) {
	if e.EntryID == "" {
		e.EntryID = l.newID()
	}
	if e.Timestamp == 0 {
		e.Timestamp = l.now().UnixMilli()
	}
	if e.Transport == "" {
		e.Transport = "http"
	}
	if e.Parameters == "" {
		e.Parameters = "{}"
	}
	if e.Status == "" {
		if e.Error != "" {
			e.Status = StatusError
		} else {
			e.Status = StatusSuccess
		}
	}
}

func (l *SQLiteLogger) flushLoop() {
	defer close(l.done)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	pending := make([]*Entry, 0, flushBatch)

	flush := func() {
		if len(pending) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := dbopen.RunTx(ctx, l.db, func(tx *sql.Tx) error {
			for _, e := range pending {
				if err := l.insert(ctx, tx, e); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			l.logger.Error("audit: flush failed", "entries", len(pending), "error", err)
		}
		pending = pending[:0]
	}

	for {
		select {
		case <-l.stop:
			for {
				select {
				case e := <-l.ch:
					pending = append(pending, e)
				default:
					flush()
					return
				}
			}
		case e := <-l.ch:
			pending = append(pending, e)
			if len(pending) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (l *SQLiteLogger) insert(ctx context.Context, db execer, e *Entry) error {
	_, err := db.ExecContext(ctx, `INSERT INTO audit_log
		(entry_id, timestamp, action, transport, trace_id, remote_addr, target,
		 parameters, status, error_message, duration_ms)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		e.EntryID, e.Timestamp, e.Action, e.Transport, e.TraceID, e.RemoteAddr, e.Target,
		e.Parameters, e.Status, e.Error, e.DurationMs)
	return err
}
