// Package ratelimit enforces per-service request budgets: fixed minute,
// hour and day windows, a minimum spacing between calls, cooldowns after a
// ceiling is reached, and a cap on continuous usage sessions.
//
// State lives in memory behind one mutex and is written through to SQLite
// when a database is attached, so counters survive restarts.
package ratelimit

import (
	"context"
	"database/sql"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// state is the RateLimitState of one service.
type state struct {
	minuteStart time.Time
	minuteCount int
	hourStart   time.Time
	hourCount   int
	dayStart    time.Time
	dayCount    int

	cooldownUntil  time.Time
	sessionStarted time.Time
	lastRequest    time.Time
	total          int64
}

// Limiter is safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	budgets map[string]Budget
	states  map[string]*state

	db     *sql.DB
	now    func() time.Time
	after  func(time.Duration) <-chan time.Time
	logger *slog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithDB persists state to db. The schema is applied by New.
func WithDB(db *sql.DB) Option { return func(l *Limiter) { l.db = db } }

// WithClock sets the time source (tests).
func WithClock(fn func() time.Time) Option { return func(l *Limiter) { l.now = fn } }

// WithAfter sets the timer used by AwaitReady (tests).
func WithAfter(fn func(time.Duration) <-chan time.Time) Option {
	return func(l *Limiter) { l.after = fn }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option { return func(l *Limiter) { l.logger = logger } }

// New creates a Limiter for the given budgets and, with WithDB, restores
// the persisted state of every budgeted service.
func New(budgets map[string]Budget, opts ...Option) (*Limiter, error) {
	l := &Limiter{
		budgets: make(map[string]Budget, len(budgets)),
		states:  make(map[string]*state, len(budgets)),
		now:     time.Now,
		after:   time.After,
		logger:  slog.Default(),
	}
	for name, b := range budgets {
		l.budgets[name] = b
		l.states[name] = &state{}
	}
	for _, o := range opts {
		o(l)
	}
	if l.db != nil {
		if err := ApplySchema(l.db); err != nil {
			return nil, err
		}
		if err := l.load(); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Budget returns the configured budget of service.
func (l *Limiter) Budget(service string) (Budget, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.budgets[service]
	return b, ok
}

// CheckAllowed reports whether a request to service may be sent now, and
// otherwise the first violated constraint, in the order cooldown,
// perMinute, perHour, perDay, session. It does not mutate state.
func (l *Limiter) CheckAllowed(service string) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	reason := l.blockedLocked(service, l.now())
	return reason == "", reason
}

func (l *Limiter) blockedLocked(service string, now time.Time) string {
	b, ok := l.budgets[service]
	if !ok {
		return ""
	}
	st := l.states[service]

	if now.Before(st.cooldownUntil) {
		return ReasonCooldown
	}
	if b.PerMinute > 0 && count(st.minuteStart, st.minuteCount, time.Minute, now) >= b.PerMinute {
		return ReasonPerMinute
	}
	if b.PerHour > 0 && count(st.hourStart, st.hourCount, time.Hour, now) >= b.PerHour {
		return ReasonPerHour
	}
	if b.PerDay > 0 && count(st.dayStart, st.dayCount, 24*time.Hour, now) >= b.PerDay {
		return ReasonPerDay
	}
	if sessionActive(b, st, now) && now.Sub(st.sessionStarted) >= b.MaxSession {
		return ReasonSession
	}
	return ""
}

// count is the window counter as seen at now: zero once the window elapsed.
func count(start time.Time, n int, window time.Duration, now time.Time) int {
	if start.IsZero() || now.Sub(start) >= window {
		return 0
	}
	return n
}

func sessionActive(b Budget, st *state, now time.Time) bool {
	if b.MaxSession <= 0 || st.sessionStarted.IsZero() {
		return false
	}
	return now.Sub(st.lastRequest) < b.Cooldown
}

// RecordRequest counts one request against service. Elapsed windows are
// reset first. Reaching the hour or day ceiling, or running a session
// past MaxSession, starts a cooldown.
func (l *Limiter) RecordRequest(service string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.budgets[service]
	if !ok {
		return
	}
	st := l.states[service]
	now := l.now()

	if !sessionActive(b, st, now) {
		st.sessionStarted = now
	}

	st.minuteStart, st.minuteCount = bump(st.minuteStart, st.minuteCount, time.Minute, now)
	st.hourStart, st.hourCount = bump(st.hourStart, st.hourCount, time.Hour, now)
	st.dayStart, st.dayCount = bump(st.dayStart, st.dayCount, 24*time.Hour, now)
	st.lastRequest = now
	st.total++

	hitCeiling := (b.PerHour > 0 && st.hourCount >= b.PerHour) || (b.PerDay > 0 && st.dayCount >= b.PerDay)
	sessionOver := b.MaxSession > 0 && now.Sub(st.sessionStarted) >= b.MaxSession
	if (hitCeiling || sessionOver) && b.Cooldown > 0 {
		st.cooldownUntil = now.Add(b.Cooldown)
		st.sessionStarted = time.Time{}
		l.logger.Warn("ratelimit: cooldown started",
			"service", service,
			"until", st.cooldownUntil,
			"hour_count", st.hourCount,
			"day_count", st.dayCount,
			"session_over", sessionOver)
	}

	l.logger.Debug("ratelimit: request recorded",
		"service", service,
		"minute", st.minuteCount,
		"hour", st.hourCount,
		"day", st.dayCount)

	l.persistLocked(service, st)
}

func bump(start time.Time, n int, window time.Duration, now time.Time) (time.Time, int) {
	if start.IsZero() || now.Sub(start) >= window {
		return now, 1
	}
	return start, n + 1
}

// EndSession closes the current usage session, as when the operator
// disconnects. A session that was still running starts the cooldown.
func (l *Limiter) EndSession(service string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.budgets[service]
	if !ok {
		return
	}
	st := l.states[service]
	now := l.now()
	if sessionActive(b, st, now) && b.Cooldown > 0 {
		st.cooldownUntil = now.Add(b.Cooldown)
		l.logger.Info("ratelimit: session ended", "service", service, "cooldown_until", st.cooldownUntil)
	}
	st.sessionStarted = time.Time{}
	l.persistLocked(service, st)
}

// ComputeDelay returns how long to wait before the next request to
// service is safe: the remaining minimum spacing, the remaining cooldown,
// and the time until any exhausted window resets, whichever is longest.
func (l *Limiter) ComputeDelay(service string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.delayLocked(service, l.now())
}

func (l *Limiter) delayLocked(service string, now time.Time) time.Duration {
	b, ok := l.budgets[service]
	if !ok {
		return 0
	}
	st := l.states[service]

	var d time.Duration
	longest := func(x time.Duration) {
		if x > d {
			d = x
		}
	}
	if !st.lastRequest.IsZero() {
		longest(b.MinDelay - now.Sub(st.lastRequest))
	}
	longest(st.cooldownUntil.Sub(now))

	windows := []struct {
		limit  int
		start  time.Time
		n      int
		window time.Duration
	}{
		{b.PerMinute, st.minuteStart, st.minuteCount, time.Minute},
		{b.PerHour, st.hourStart, st.hourCount, time.Hour},
		{b.PerDay, st.dayStart, st.dayCount, 24 * time.Hour},
	}
	for _, w := range windows {
		if w.limit > 0 && count(w.start, w.n, w.window, now) >= w.limit {
			longest(w.start.Add(w.window).Sub(now))
		}
	}
	if sessionActive(b, st, now) && now.Sub(st.sessionStarted) >= b.MaxSession {
		longest(st.lastRequest.Add(b.Cooldown).Sub(now))
	}
	return d
}

// AwaitReady blocks until a request to service is allowed and spaced by
// at least MinDelay from the previous one. It returns an *ExceededError
// when ctx ends first.
func (l *Limiter) AwaitReady(ctx context.Context, service string) error {
	for {
		l.mu.Lock()
		now := l.now()
		reason := l.blockedLocked(service, now)
		d := l.delayLocked(service, now)
		l.mu.Unlock()

		if reason == "" && d <= 0 {
			return nil
		}
		if d <= 0 {
			d = time.Second
		}

		select {
		case <-ctx.Done():
			return l.exceeded(service, reason)
		case <-l.after(d):
		}
	}
}

// Exceeded builds the error describing why service is refused right now,
// or nil when it is allowed. Callers that cannot wait use it, so a request
// inside the minimum spacing is refused too, with ReasonMinDelay.
func (l *Limiter) Exceeded(service string) error {
	l.mu.Lock()
	now := l.now()
	reason := l.blockedLocked(service, now)
	wait := l.delayLocked(service, now)
	l.mu.Unlock()
	if reason == "" && wait <= 0 {
		return nil
	}
	return l.exceeded(service, reason)
}

func (l *Limiter) exceeded(service, reason string) *ExceededError {
	if reason == "" {
		reason = ReasonMinDelay
	}
	st := l.ServiceStatus(service)
	e := &ExceededError{Service: service, Reason: reason, Status: st}
	if st.CooldownUntil != nil {
		e.CooldownUntil = *st.CooldownUntil
	}
	return e
}

// ServiceStatus is the quota view exposed to clients.
type ServiceStatus struct {
	Service            string     `json:"service"`
	RequestsThisMinute int        `json:"requestsThisMinute"`
	RequestsThisHour   int        `json:"requestsThisHour"`
	RequestsToday      int        `json:"requestsToday"`
	RemainingMinute    int        `json:"remainingMinute"`
	RemainingHour      int        `json:"remainingHour"`
	RemainingDay       int        `json:"remainingDay"`
	CooldownUntil      *time.Time `json:"cooldownUntil,omitempty"`
	CooldownRemaining  string     `json:"cooldownRemaining,omitempty"`
	SessionMinutes     int        `json:"sessionMinutes"`
	TotalRequests      int64      `json:"totalRequests"`
	Allowed            bool       `json:"allowed"`
	Reason             string     `json:"reason,omitempty"`
	NextDelayMs        int64      `json:"nextDelayMs"`
	Limits             Budget     `json:"limits"`
}

// ServiceStatus returns the current view of one service.
func (l *Limiter) ServiceStatus(service string) ServiceStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statusLocked(service, l.now())
}

// Status returns every budgeted service, sorted by name.
func (l *Limiter) Status() []ServiceStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	names := make([]string, 0, len(l.budgets))
	for name := range l.budgets {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]ServiceStatus, 0, len(names))
	for _, name := range names {
		out = append(out, l.statusLocked(name, now))
	}
	return out
}

func (l *Limiter) statusLocked(service string, now time.Time) ServiceStatus {
	b := l.budgets[service]
	s := ServiceStatus{Service: service, Limits: b}
	st, ok := l.states[service]
	if !ok {
		s.Allowed = true
		return s
	}
	s.RequestsThisMinute = count(st.minuteStart, st.minuteCount, time.Minute, now)
	s.RequestsThisHour = count(st.hourStart, st.hourCount, time.Hour, now)
	s.RequestsToday = count(st.dayStart, st.dayCount, 24*time.Hour, now)
	s.RemainingMinute = remaining(b.PerMinute, s.RequestsThisMinute)
	s.RemainingHour = remaining(b.PerHour, s.RequestsThisHour)
	s.RemainingDay = remaining(b.PerDay, s.RequestsToday)
	if now.Before(st.cooldownUntil) {
		until := st.cooldownUntil
		s.CooldownUntil = &until
		s.CooldownRemaining = until.Sub(now).Round(time.Second).String()
	}
	if sessionActive(b, st, now) {
		s.SessionMinutes = int(now.Sub(st.sessionStarted).Minutes())
	}
	s.TotalRequests = st.total
	s.Reason = l.blockedLocked(service, now)
	s.Allowed = s.Reason == ""
	s.NextDelayMs = l.delayLocked(service, now).Milliseconds()
	return s
}

// remaining is -1 for unlimited budgets.
func remaining(limit, used int) int {
	if limit <= 0 {
		return -1
	}
	if used >= limit {
		return 0
	}
	return limit - used
}
