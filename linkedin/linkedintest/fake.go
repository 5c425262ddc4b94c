// Package linkedintest provides a scripted linkedin.Driver for tests of the
// state machine and of everything built on it.
package linkedintest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hazyhaar/leadscout/contact"
	"github.com/hazyhaar/leadscout/linkedin"
)

// ValidCookie is long enough to pass the cookie length check.
var ValidCookie = "AQEDA" + strings.Repeat("x", 150)

// Driver is an in-memory linkedin.Driver. Zero value: every login is
// accepted, Validate reports true, each search returns one contact.
type Driver struct {
	mu sync.Mutex

	CookieOutcome      linkedin.Outcome
	CredentialsOutcome linkedin.Outcome
	// Codes maps accepted codes to their outcome; other codes are rejected.
	Codes map[string]linkedin.Outcome
	// Invalid makes Validate report false.
	Invalid bool
	// OpenErr fails OpenLoginSurface.
	OpenErr error

	// Fail maps a query to the error its search returns.
	Fail map[string]error
	// FailAll fails every search with this error.
	FailAll error
	// PerQuery is the number of contacts per search. Default 1.
	PerQuery int
	// Results maps a query to the contacts its search returns verbatim.
	Results map[string][]contact.Contact

	// Gate, when set, blocks each search until a value is received or the
	// call context ends.
	Gate chan struct{}
	// Hang makes a gated search ignore its context.
	Hang bool
	// Started receives the query of each search as it begins.
	Started chan string

	queries  []string
	closes   int
	active   atomic.Int32
	maxSeen  atomic.Int32
	searches atomic.Int32
}

// Factory returns a DriverFactory handing out d and counting builds.
func (d *Driver) Factory(builds *atomic.Int32) linkedin.DriverFactory {
	return func(context.Context) (linkedin.Driver, error) {
		if builds != nil {
			builds.Add(1)
		}
		return d, nil
	}
}

func (d *Driver) LoginWithCookie(ctx context.Context, cookie string) (linkedin.Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CookieOutcome, nil
}

func (d *Driver) LoginWithCredentials(ctx context.Context, email, password string) (linkedin.Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CredentialsOutcome, nil
}

func (d *Driver) SubmitCode(ctx context.Context, code string) (linkedin.Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if o, ok := d.Codes[code]; ok {
		return o, nil
	}
	return linkedin.OutcomeRejected, nil
}

func (d *Driver) OpenLoginSurface(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.OpenErr
}

func (d *Driver) Validate(ctx context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.Invalid, nil
}

func (d *Driver) SearchPeople(ctx context.Context, query string, limit int) ([]contact.Contact, error) {
	n := d.active.Add(1)
	defer d.active.Add(-1)
	for {
		m := d.maxSeen.Load()
		if n <= m || d.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	d.searches.Add(1)

	d.mu.Lock()
	d.queries = append(d.queries, query)
	gate, hang, started := d.Gate, d.Hang, d.Started
	failErr := d.FailAll
	if e, ok := d.Fail[query]; ok {
		failErr = e
	}
	per := d.PerQuery
	scripted, hasScript := d.Results[query]
	d.mu.Unlock()

	if started != nil {
		started <- query
	}
	if gate != nil {
		if hang {
			<-gate
		} else {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if failErr != nil {
		return nil, failErr
	}
	if hasScript {
		return append([]contact.Contact(nil), scripted...), nil
	}

	if per <= 0 {
		per = 1
	}
	if per > limit {
		per = limit
	}
	out := make([]contact.Contact, per)
	for i := range out {
		out[i] = contact.Contact{
			Name:       fmt.Sprintf("%s #%d", query, i+1),
			Title:      query,
			ProfileURL: fmt.Sprintf("https://www.linkedin.com/in/p-%d-%d", d.searches.Load(), i),
		}
	}
	return out, nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	return nil
}

// Set changes the script under the driver lock.
func (d *Driver) Set(fn func(d *Driver)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d)
}

// Queries returns the searched queries in call order.
func (d *Driver) Queries() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.queries...)
}

// Searches is the number of SearchPeople calls.
func (d *Driver) Searches() int { return int(d.searches.Load()) }

// MaxConcurrent is the highest number of overlapping SearchPeople calls.
func (d *Driver) MaxConcurrent() int { return int(d.maxSeen.Load()) }

// Closes is the number of Close calls.
func (d *Driver) Closes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closes
}
