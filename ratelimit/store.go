package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/leadscout/dbopen"
)

// Schema holds one row per budgeted service. Timestamps are unix millis,
// 0 meaning unset.
const Schema = `
CREATE TABLE IF NOT EXISTS rate_limit_state (
    service          TEXT PRIMARY KEY,
    minute_start     INTEGER NOT NULL DEFAULT 0,
    minute_count     INTEGER NOT NULL DEFAULT 0,
    hour_start       INTEGER NOT NULL DEFAULT 0,
    hour_count       INTEGER NOT NULL DEFAULT 0,
    day_start        INTEGER NOT NULL DEFAULT 0,
    day_count        INTEGER NOT NULL DEFAULT 0,
    cooldown_until   INTEGER NOT NULL DEFAULT 0,
    session_started  INTEGER NOT NULL DEFAULT 0,
    last_request     INTEGER NOT NULL DEFAULT 0,
    total_requests   INTEGER NOT NULL DEFAULT 0,
    updated_at       INTEGER NOT NULL
);
`

// ApplySchema creates the rate_limit_state table.
func ApplySchema(db *sql.DB) error {
	if _, err := db.Exec(Schema); err != nil {
		return fmt.Errorf("ratelimit: schema: %w", err)
	}
	return nil
}

func (l *Limiter) load() error {
	rows, err := l.db.Query(`SELECT service, minute_start, minute_count, hour_start, hour_count,
		day_start, day_count, cooldown_until, session_started, last_request, total_requests
		FROM rate_limit_state`)
	if err != nil {
		return fmt.Errorf("ratelimit: load: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			service                               string
			minuteStart, hourStart, dayStart      int64
			cooldown, sessionStarted, lastRequest int64
			st                                    state
		)
		if err := rows.Scan(&service, &minuteStart, &st.minuteCount, &hourStart, &st.hourCount,
			&dayStart, &st.dayCount, &cooldown, &sessionStarted, &lastRequest, &st.total); err != nil {
			return fmt.Errorf("ratelimit: scan: %w", err)
		}
		if _, ok := l.budgets[service]; !ok {
			continue
		}
		st.minuteStart = fromMillis(minuteStart)
		st.hourStart = fromMillis(hourStart)
		st.dayStart = fromMillis(dayStart)
		st.cooldownUntil = fromMillis(cooldown)
		st.sessionStarted = fromMillis(sessionStarted)
		st.lastRequest = fromMillis(lastRequest)
		l.states[service] = &st
	}
	return rows.Err()
}

// persistLocked writes st through. Failures are logged: the in-memory
// state stays authoritative for this process.
func (l *Limiter) persistLocked(service string, st *state) {
	if l.db == nil {
		return
	}
	_, err := dbopen.Exec(context.Background(), l.db,
		`INSERT INTO rate_limit_state (service, minute_start, minute_count, hour_start, hour_count,
		day_start, day_count, cooldown_until, session_started, last_request, total_requests, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(service) DO UPDATE SET
			minute_start=excluded.minute_start, minute_count=excluded.minute_count,
			hour_start=excluded.hour_start, hour_count=excluded.hour_count,
			day_start=excluded.day_start, day_count=excluded.day_count,
			cooldown_until=excluded.cooldown_until, session_started=excluded.session_started,
			last_request=excluded.last_request, total_requests=excluded.total_requests,
			updated_at=excluded.updated_at`,
		service, toMillis(st.minuteStart), st.minuteCount, toMillis(st.hourStart), st.hourCount,
		toMillis(st.dayStart), st.dayCount, toMillis(st.cooldownUntil), toMillis(st.sessionStarted),
		toMillis(st.lastRequest), st.total, l.now().UnixMilli(),
	)
	if err != nil {
		l.logger.Error("ratelimit: persist state", "service", service, "error", err)
	}
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
