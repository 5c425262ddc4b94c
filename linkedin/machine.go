// Package linkedin owns the single authenticated automation session against
// the professional network. Machine drives it through cookie, credential,
// verification-code and manual logins, and serialises every driver call:
// at most one search (or login step) runs against the browser at a time.
package linkedin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/leadscout/contact"
)

// Config configures a Machine.
type Config struct {
	// NewDriver builds the automation driver, lazily and again after a
	// disconnect. Required.
	NewDriver DriverFactory

	// Store persists the session across restarts. Nil keeps it in memory.
	Store SessionStore

	LoginTimeout  time.Duration // per login step. Default: 2m.
	SearchTimeout time.Duration // per search. Default: 90s.

	// HangGrace is how long a driver call may overrun its deadline before
	// the session is declared broken. Default: 15s.
	HangGrace time.Duration

	MaxConsecutiveFailures int // failed searches before error. Default: 3.
	MaxCodeAttempts        int // rejected codes before error. Default: 3.
	MinCookieLength        int // Default: 100.
	DefaultSearchLimit     int // Default: 10.
	MaxSearchLimit         int // Default: 100.

	Logger *slog.Logger
	Now    func() time.Time
}

func (c *Config) defaults() {
	if c.LoginTimeout <= 0 {
		c.LoginTimeout = 2 * time.Minute
	}
	if c.SearchTimeout <= 0 {
		c.SearchTimeout = 90 * time.Second
	}
	if c.HangGrace <= 0 {
		c.HangGrace = 15 * time.Second
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 3
	}
	if c.MaxCodeAttempts <= 0 {
		c.MaxCodeAttempts = 3
	}
	if c.MinCookieLength <= 0 {
		c.MinCookieLength = 100
	}
	if c.DefaultSearchLimit <= 0 {
		c.DefaultSearchLimit = 10
	}
	if c.MaxSearchLimit <= 0 {
		c.MaxSearchLimit = 100
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Machine is the AuthStateMachine. All methods are safe for concurrent use.
type Machine struct {
	cfg Config

	mu       sync.Mutex
	sess     Session
	driver   Driver
	inFlight bool

	// gen changes whenever the driver is discarded. An operation that
	// finishes under an older generation leaves the state alone.
	gen uint64

	failures     int
	codeAttempts int
}

// NewMachine returns a disconnected Machine.
func NewMachine(cfg Config) (*Machine, error) {
	if cfg.NewDriver == nil {
		return nil, errors.New("linkedin: Config.NewDriver is required")
	}
	cfg.defaults()
	return &Machine{cfg: cfg, sess: Session{Status: StatusDisconnected}}, nil
}

// Status returns a snapshot of the session.
func (m *Machine) Status() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Session {
	s := m.sess
	if s.LastConnectedAt != nil {
		t := *s.LastConnectedAt
		s.LastConnectedAt = &t
	}
	return s
}

// ConnectWithCookie logs in with a session cookie.
func (m *Machine) ConnectWithCookie(ctx context.Context, cookie string) (Session, error) {
	cookie = strings.TrimSpace(cookie)
	if len(cookie) < m.cfg.MinCookieLength {
		return m.Status(), fmt.Errorf("%w: cookie too short (%d chars, need at least %d)",
			ErrInvalidRequest, len(cookie), m.cfg.MinCookieLength)
	}

	const op = "connect with cookie"
	d, gen, err := m.acquire(ctx, op, nil, func(s *Session) {
		s.Status = StatusConnecting
		s.AuthMethod = AuthCookie
		s.AccountIdentifier = cookieFingerprint(cookie)
		s.ErrorMessage = ""
	})
	if err != nil {
		return m.Status(), err
	}

	var outcome Outcome
	hung, err := m.run(ctx, m.cfg.LoginTimeout, func(ctx context.Context) error {
		var e error
		outcome, e = d.LoginWithCookie(ctx, cookie)
		return e
	})
	return m.finishLogin(gen, op, outcome, hung, err, cookie)
}

// ConnectWithCredentials logs in with email and password. When the network
// asks for an emailed code the session moves to needs_verification_code
// and the returned error matches ErrVerificationRequired.
func (m *Machine) ConnectWithCredentials(ctx context.Context, email, password string) (Session, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return m.Status(), fmt.Errorf("%w: email and password are required", ErrInvalidRequest)
	}

	const op = "connect with credentials"
	d, gen, err := m.acquire(ctx, op, nil, func(s *Session) {
		s.Status = StatusConnecting
		s.AuthMethod = AuthCredentials
		s.AccountIdentifier = email
		s.ErrorMessage = ""
	})
	if err != nil {
		return m.Status(), err
	}

	var outcome Outcome
	hung, err := m.run(ctx, m.cfg.LoginTimeout, func(ctx context.Context) error {
		var e error
		outcome, e = d.LoginWithCredentials(ctx, email, password)
		return e
	})
	return m.finishLogin(gen, op, outcome, hung, err, password)
}

func (m *Machine) finishLogin(gen uint64, op string, outcome Outcome, hung bool, err error, secret string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen {
		return m.snapshotLocked(), fmt.Errorf("%w: %s interrupted by disconnect", ErrWrongState, op)
	}
	m.inFlight = false

	if hung || err != nil {
		return m.snapshotLocked(), m.failLocked(op, hung, err)
	}

	m.cfg.Logger.Info("linkedin: login step", "op", op, "outcome", outcome.String())
	switch outcome {
	case OutcomeAccepted:
		m.connectedLocked()
		m.persistLocked(&secret)
		return m.snapshotLocked(), nil

	case OutcomeNeedsCode:
		if m.sess.AuthMethod == AuthCredentials {
			m.sess.Status = StatusNeedsVerificationCode
			m.codeAttempts = 0
			m.persistLocked(nil)
			return m.snapshotLocked(), ErrVerificationRequired
		}
		m.sess.Status = StatusNeedsManualLogin

	case OutcomeChallenge:
		m.sess.Status = StatusNeedsManualLogin
		m.sess.ErrorMessage = "security challenge requires a manual login"

	default:
		m.sess.Status = StatusError
		if m.sess.AuthMethod == AuthCookie {
			m.sess.ErrorMessage = "cookie is invalid or expired"
		} else {
			m.sess.ErrorMessage = "credentials rejected"
		}
	}
	m.persistLocked(nil)
	return m.snapshotLocked(), nil
}

// SubmitVerificationCode answers the emailed-code checkpoint.
func (m *Machine) SubmitVerificationCode(ctx context.Context, code string) (Session, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return m.Status(), fmt.Errorf("%w: code is required", ErrInvalidRequest)
	}

	const op = "submit verification code"
	d, gen, err := m.acquire(ctx, op, func(st Status) error {
		if st != StatusNeedsVerificationCode {
			return fmt.Errorf("%w: no verification pending (status=%s)", ErrWrongState, st)
		}
		return nil
	}, nil)
	if err != nil {
		return m.Status(), err
	}

	var outcome Outcome
	hung, err := m.run(ctx, m.cfg.LoginTimeout, func(ctx context.Context) error {
		var e error
		outcome, e = d.SubmitCode(ctx, code)
		return e
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return m.snapshotLocked(), fmt.Errorf("%w: %s interrupted by disconnect", ErrWrongState, op)
	}
	m.inFlight = false
	if hung || err != nil {
		return m.snapshotLocked(), m.failLocked(op, hung, err)
	}

	switch outcome {
	case OutcomeAccepted:
		m.connectedLocked()
	case OutcomeChallenge:
		m.sess.Status = StatusNeedsManualLogin
		m.sess.ErrorMessage = "security challenge requires a manual login"
	default:
		m.codeAttempts++
		if m.codeAttempts >= m.cfg.MaxCodeAttempts {
			m.sess.Status = StatusError
			m.sess.ErrorMessage = "too many invalid verification codes"
			m.persistLocked(nil)
			return m.snapshotLocked(), nil
		}
		m.persistLocked(nil)
		return m.snapshotLocked(), fmt.Errorf("%w: code rejected (%d/%d attempts)",
			ErrVerificationRequired, m.codeAttempts, m.cfg.MaxCodeAttempts)
	}
	m.persistLocked(nil)
	return m.snapshotLocked(), nil
}

// OpenInteractiveLoginSurface opens the login page in a visible browser so
// an operator can pass checkpoints by hand, then call ValidateSession.
func (m *Machine) OpenInteractiveLoginSurface(ctx context.Context) (Session, error) {
	const op = "open login surface"
	d, gen, err := m.acquire(ctx, op, func(st Status) error {
		if st == StatusConnected {
			return fmt.Errorf("%w: already connected", ErrWrongState)
		}
		return nil
	}, nil)
	if err != nil {
		return m.Status(), err
	}

	hung, err := m.run(ctx, m.cfg.LoginTimeout, d.OpenLoginSurface)

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return m.snapshotLocked(), fmt.Errorf("%w: %s interrupted by disconnect", ErrWrongState, op)
	}
	m.inFlight = false
	if hung || err != nil {
		return m.snapshotLocked(), m.failLocked(op, hung, err)
	}
	m.sess.Status = StatusAwaitingManualLogin
	m.sess.AuthMethod = AuthManual
	m.sess.AccountIdentifier = "manual"
	m.sess.ErrorMessage = ""
	m.persistLocked(nil)
	return m.snapshotLocked(), nil
}

// ValidateSession checks whether the browser is logged in. It completes a
// manual login, and demotes a connected session whose login was lost.
func (m *Machine) ValidateSession(ctx context.Context) (Session, error) {
	const op = "validate session"
	d, gen, err := m.acquire(ctx, op, nil, nil)
	if err != nil {
		return m.Status(), err
	}

	var valid bool
	hung, err := m.run(ctx, m.cfg.LoginTimeout, func(ctx context.Context) error {
		var e error
		valid, e = d.Validate(ctx)
		return e
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return m.snapshotLocked(), fmt.Errorf("%w: %s interrupted by disconnect", ErrWrongState, op)
	}
	m.inFlight = false

	prev := m.sess.Status
	if err != nil && !hung && prev == StatusAwaitingManualLogin {
		return m.snapshotLocked(), &AutomationError{Op: op, Err: err}
	}
	if hung || err != nil {
		return m.snapshotLocked(), m.failLocked(op, hung, err)
	}

	switch {
	case valid:
		if prev != StatusConnected {
			if m.sess.AuthMethod == "" {
				m.sess.AuthMethod = AuthManual
				m.sess.AccountIdentifier = "manual"
			}
			m.connectedLocked()
		}
	case prev == StatusConnected:
		m.sess.Status = StatusNeedsManualLogin
		m.sess.ErrorMessage = "session is no longer logged in"
	}
	m.persistLocked(nil)
	return m.snapshotLocked(), nil
}

// Search runs one people search. It requires the connected state, holds
// busy for its duration and never queues: a concurrent caller gets
// ErrAuthBusy.
func (m *Machine) Search(ctx context.Context, query string, limit int) ([]contact.Contact, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidRequest)
	}
	if limit <= 0 {
		limit = m.cfg.DefaultSearchLimit
	}
	if limit > m.cfg.MaxSearchLimit {
		limit = m.cfg.MaxSearchLimit
	}

	const op = "search"
	d, gen, err := m.acquire(ctx, op, func(st Status) error {
		if st != StatusConnected {
			return &NotReadyError{Status: st}
		}
		return nil
	}, func(s *Session) { s.Status = StatusBusy })
	if err != nil {
		return nil, err
	}

	var found []contact.Contact
	hung, err := m.run(ctx, m.cfg.SearchTimeout, func(ctx context.Context) error {
		var e error
		found, e = d.SearchPeople(ctx, query, limit)
		return e
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return nil, &NotReadyError{Status: m.sess.Status}
	}
	m.inFlight = false

	switch {
	case hung:
		return nil, m.failLocked(op, true, err)

	case err != nil && errors.Is(err, ErrChallenge):
		m.sess.Status = StatusNeedsManualLogin
		m.sess.ErrorMessage = "security challenge during search"
		m.persistLocked(nil)
		m.cfg.Logger.Warn("linkedin: challenge during search", "query", query)
		return nil, &AutomationError{Op: op, Err: err}

	case err != nil && ctx.Err() != nil:
		// Caller gave up; not the driver's fault.
		m.sess.Status = StatusConnected
		return nil, &AutomationError{Op: op, Err: err}

	case err != nil:
		m.failures++
		if m.failures >= m.cfg.MaxConsecutiveFailures {
			m.sess.Status = StatusError
			m.sess.ErrorMessage = fmt.Sprintf("%d consecutive automation failures: %v", m.failures, err)
			m.persistLocked(nil)
		} else {
			m.sess.Status = StatusConnected
		}
		m.cfg.Logger.Warn("linkedin: search failed", "query", query, "failures", m.failures, "error", err)
		return nil, &AutomationError{Op: op, Err: err}
	}

	m.failures = 0
	m.sess.Status = StatusConnected
	if len(found) > limit {
		found = found[:limit]
	}
	return found, nil
}

// SearchCompanies searches every company × keyword pair in order and tags
// the contacts that pass contact.Filter with their pair. Pair failures are
// collected and the loop goes on; it stops when the session becomes
// unusable.
func (m *Machine) SearchCompanies(ctx context.Context, companies, keywords []string, limitPerCompany int) ([]contact.Result, error) {
	cs := contact.Dedupe(companies)
	if len(cs) == 0 {
		return nil, fmt.Errorf("%w: no companies", ErrInvalidRequest)
	}
	ks := contact.Dedupe(keywords)
	if len(ks) == 0 {
		ks = []string{""}
	}

	var (
		out  []contact.Result
		errs []error
	)
	for _, c := range cs {
		for _, k := range ks {
			found, err := m.Search(ctx, contact.Query(c, k), limitPerCompany)
			if err != nil {
				if errors.Is(err, ErrAuthNotReady) || errors.Is(err, ErrAuthBusy) || ctx.Err() != nil {
					return out, err
				}
				errs = append(errs, fmt.Errorf("%s / %s: %w", c, k, err))
				continue
			}
			for _, f := range contact.Filter(found, c, k) {
				out = append(out, contact.Result{SearchedCompany: c, SearchedKeyword: k, Contact: f})
			}
		}
	}
	return out, errors.Join(errs...)
}

// Disconnect discards the driver and the stored session, from any state.
// An operation still running against the old driver is abandoned.
func (m *Machine) Disconnect(ctx context.Context) (Session, error) {
	m.mu.Lock()
	d := m.driver
	m.driver = nil
	m.gen++
	m.inFlight = false
	m.failures = 0
	m.codeAttempts = 0
	m.sess = Session{Status: StatusDisconnected}
	var err error
	if m.cfg.Store != nil {
		err = m.cfg.Store.Clear(ctx)
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.closeDriver(d)
	m.cfg.Logger.Info("linkedin: disconnected")
	if err != nil {
		return snap, fmt.Errorf("linkedin: clear session: %w", err)
	}
	return snap, nil
}

// Restore reloads the stored session at startup. A session stored as
// connected is re-checked against the network; anything else comes back
// disconnected, since the browser it depended on is gone.
func (m *Machine) Restore(ctx context.Context) (Session, error) {
	if m.cfg.Store == nil {
		return m.Status(), nil
	}
	stored, ok, err := m.cfg.Store.Load(ctx)
	if err != nil {
		return m.Status(), fmt.Errorf("linkedin: load session: %w", err)
	}
	if !ok {
		return m.Status(), nil
	}

	if !stored.Session.Status.Usable() {
		m.mu.Lock()
		m.sess = Session{Status: StatusDisconnected}
		if err := m.cfg.Store.Clear(ctx); err != nil {
			m.cfg.Logger.Error("linkedin: clear stored session", "error", err)
		}
		m.mu.Unlock()
		m.cfg.Logger.Info("linkedin: stored session not restorable", "status", stored.Session.Status)
		return m.Status(), nil
	}

	const op = "restore session"
	d, gen, err := m.acquire(ctx, op, nil, func(s *Session) {
		*s = stored.Session
		s.Status = StatusConnecting
	})
	if err != nil {
		return m.Status(), err
	}

	var outcome Outcome
	hung, err := m.run(ctx, m.cfg.LoginTimeout, func(ctx context.Context) error {
		if stored.Session.AuthMethod == AuthCookie && stored.Secret != "" {
			var e error
			outcome, e = d.LoginWithCookie(ctx, stored.Secret)
			return e
		}
		valid, e := d.Validate(ctx)
		if e != nil {
			return e
		}
		if valid {
			outcome = OutcomeAccepted
			return nil
		}
		if stored.Session.AuthMethod == AuthCredentials && stored.Secret != "" {
			outcome, e = d.LoginWithCredentials(ctx, stored.Session.AccountIdentifier, stored.Secret)
			return e
		}
		outcome = OutcomeRejected
		return nil
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return m.snapshotLocked(), nil
	}
	m.inFlight = false
	if hung || err != nil || outcome != OutcomeAccepted {
		m.cfg.Logger.Warn("linkedin: session restore failed", "outcome", outcome.String(), "error", err)
		if hung {
			m.abandonLocked()
		}
		m.sess = Session{Status: StatusDisconnected}
		if err := m.cfg.Store.Clear(ctx); err != nil {
			m.cfg.Logger.Error("linkedin: clear stored session", "error", err)
		}
		return m.snapshotLocked(), nil
	}
	m.connectedLocked()
	m.persistLocked(nil)
	m.cfg.Logger.Info("linkedin: session restored", "method", m.sess.AuthMethod)
	return m.snapshotLocked(), nil
}

// Close releases the driver at shutdown. The stored session is kept.
func (m *Machine) Close() error {
	m.mu.Lock()
	d := m.driver
	m.driver = nil
	m.gen++
	m.inFlight = false
	m.mu.Unlock()
	m.closeDriver(d)
	return nil
}

// acquire claims the driver for op. check sees the current status, enter
// mutates the session once the claim succeeds. A missing driver is built
// after the lock is released, bounded by LoginTimeout, so status reads and
// Disconnect never wait on a browser launch.
func (m *Machine) acquire(ctx context.Context, op string, check func(Status) error, enter func(*Session)) (Driver, uint64, error) {
	m.mu.Lock()
	if m.sess.Status == StatusBusy {
		m.mu.Unlock()
		return nil, 0, ErrAuthBusy
	}
	if check != nil {
		if err := check(m.sess.Status); err != nil {
			m.mu.Unlock()
			return nil, 0, err
		}
	}
	if m.inFlight {
		m.mu.Unlock()
		return nil, 0, ErrAuthBusy
	}

	m.inFlight = true
	if enter != nil {
		enter(&m.sess)
		if m.sess.Status != StatusBusy {
			m.persistLocked(nil)
		}
	}
	d, gen := m.driver, m.gen
	m.mu.Unlock()
	if d != nil {
		return d, gen, nil
	}

	d, err := m.startDriver(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		if d != nil {
			go m.closeDriver(d)
		}
		return nil, 0, fmt.Errorf("%w: %s interrupted by disconnect", ErrWrongState, op)
	}
	if err != nil {
		m.inFlight = false
		m.sess.Status = StatusError
		m.sess.ErrorMessage = "start driver: " + err.Error()
		m.persistLocked(nil)
		m.cfg.Logger.Error("linkedin: start driver", "op", op, "error", err)
		return nil, 0, &AutomationError{Op: op, Err: err}
	}
	m.driver = d
	return d, gen, nil
}

// startDriver calls the factory with LoginTimeout. A driver the factory
// delivers after the deadline is closed.
func (m *Machine) startDriver(ctx context.Context) (Driver, error) {
	type built struct {
		d   Driver
		err error
	}
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.LoginTimeout)
	defer cancel()

	ch := make(chan built, 1)
	go func() {
		d, err := m.cfg.NewDriver(callCtx)
		ch <- built{d, err}
	}()

	select {
	case b := <-ch:
		return b.d, b.err
	case <-callCtx.Done():
	}
	go func() {
		if b := <-ch; b.d != nil {
			m.closeDriver(b.d)
		}
	}()
	return nil, fmt.Errorf("driver start timed out after %s: %w", m.cfg.LoginTimeout, callCtx.Err())
}

// run calls fn with a deadline. If fn has not returned HangGrace after the
// deadline, run gives up on it and reports hung.
func (m *Machine) run(ctx context.Context, timeout time.Duration, fn func(context.Context) error) (hung bool, err error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(callCtx) }()

	select {
	case err := <-done:
		return false, err
	case <-callCtx.Done():
	}

	grace := time.NewTimer(m.cfg.HangGrace)
	defer grace.Stop()
	select {
	case err := <-done:
		return false, err
	case <-grace.C:
		return true, fmt.Errorf("driver unresponsive %s after deadline: %w", m.cfg.HangGrace, callCtx.Err())
	}
}

// failLocked moves to error after a driver failure. A hung driver is
// discarded so the next operation starts a fresh one.
func (m *Machine) failLocked(op string, hung bool, err error) error {
	if hung {
		m.abandonLocked()
	}
	m.sess.Status = StatusError
	m.sess.ErrorMessage = fmt.Sprintf("%s: %v", op, err)
	m.persistLocked(nil)
	m.cfg.Logger.Error("linkedin: automation failure", "op", op, "hung", hung, "error", err)
	return &AutomationError{Op: op, Err: err}
}

func (m *Machine) abandonLocked() {
	d := m.driver
	m.driver = nil
	m.gen++
	go m.closeDriver(d)
}

func (m *Machine) connectedLocked() {
	now := m.cfg.Now()
	m.sess.Status = StatusConnected
	m.sess.LastConnectedAt = &now
	m.sess.ErrorMessage = ""
	m.failures = 0
	m.codeAttempts = 0
}

func (m *Machine) persistLocked(secret *string) {
	if m.cfg.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	if secret != nil {
		err = m.cfg.Store.SaveWithSecret(ctx, m.sess, *secret)
	} else {
		err = m.cfg.Store.Save(ctx, m.sess)
	}
	if err != nil {
		m.cfg.Logger.Error("linkedin: persist session", "status", m.sess.Status, "error", err)
	}
}

func (m *Machine) closeDriver(d Driver) {
	if d == nil {
		return
	}
	done := make(chan error, 1)
	go func() { done <- d.Close() }()
	select {
	case err := <-done:
		if err != nil {
			m.cfg.Logger.Warn("linkedin: close driver", "error", err)
		}
	case <-time.After(m.cfg.HangGrace):
		m.cfg.Logger.Warn("linkedin: driver close timed out")
	}
}

func cookieFingerprint(cookie string) string {
	sum := sha256.Sum256([]byte(cookie))
	return "cookie:" + hex.EncodeToString(sum[:6])
}
