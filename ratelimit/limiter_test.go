package ratelimit

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/leadscout/dbopen"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// After advances the clock instead of sleeping.
func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.Advance(d)
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

func newTestLimiter(t *testing.T, budgets map[string]Budget, clk *fakeClock, opts ...Option) *Limiter {
	t.Helper()
	opts = append([]Option{WithClock(clk.Now), WithAfter(clk.After)}, opts...)
	l, err := New(budgets, opts...)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	return l
}

func TestCheckAllowed_PerMinute(t *testing.T) {
	// WHAT: one request per minute, second check in the same minute is refused.
	// WHY: the reason string drives client-side throttling messages.
	clk := newFakeClock()
	l := newTestLimiter(t, map[string]Budget{"svc": {PerMinute: 1}}, clk)

	if ok, reason := l.CheckAllowed("svc"); !ok {
		t.Fatalf("first check refused: %s", reason)
	}
	l.RecordRequest("svc")
	clk.Advance(10 * time.Second)

	ok, reason := l.CheckAllowed("svc")
	if ok {
		t.Fatal("second check in same minute allowed")
	}
	if reason != ReasonPerMinute {
		t.Errorf("reason: got %q, want %q", reason, ReasonPerMinute)
	}

	clk.Advance(time.Minute)
	if ok, reason := l.CheckAllowed("svc"); !ok {
		t.Errorf("refused after window elapsed: %s", reason)
	}
}

func TestCheckAllowed_DoesNotMutate(t *testing.T) {
	clk := newFakeClock()
	l := newTestLimiter(t, map[string]Budget{"svc": {PerMinute: 3}}, clk)
	for i := 0; i < 10; i++ {
		l.CheckAllowed("svc")
	}
	if got := l.ServiceStatus("svc").RequestsThisMinute; got != 0 {
		t.Errorf("requests after checks: got %d, want 0", got)
	}
}

func TestCheckAllowed_NeverAboveHourCeiling(t *testing.T) {
	// WHAT: across random request patterns, a service whose hour counter is at
	// the ceiling is never reported as allowed.
	// WHY: this is the guarantee protecting the scraped account.
	budgets := []Budget{
		{PerHour: 5},
		{PerHour: 5, Cooldown: 10 * time.Minute},
		{PerMinute: 2, PerHour: 5, PerDay: 12, Cooldown: 3 * time.Minute, MaxSession: 40 * time.Minute},
	}
	for bi, b := range budgets {
		clk := newFakeClock()
		l := newTestLimiter(t, map[string]Budget{"svc": b}, clk)
		rng := rand.New(rand.NewSource(int64(bi + 1)))

		for step := 0; step < 2000; step++ {
			clk.Advance(time.Duration(rng.Intn(12*60)) * time.Second)
			if rng.Intn(4) == 0 {
				// Record without asking first, as a misbehaving caller would.
				l.RecordRequest("svc")
			} else if ok, _ := l.CheckAllowed("svc"); ok {
				l.RecordRequest("svc")
			}

			st := l.ServiceStatus("svc")
			ok, _ := l.CheckAllowed("svc")
			if ok && st.RequestsThisHour >= b.PerHour {
				t.Fatalf("budget %d step %d: allowed with %d requests this hour (limit %d)",
					bi, step, st.RequestsThisHour, b.PerHour)
			}
		}
	}
}

func TestRecordRequest_CooldownOnHourCeiling(t *testing.T) {
	clk := newFakeClock()
	l := newTestLimiter(t, map[string]Budget{"svc": {PerHour: 2, Cooldown: 15 * time.Minute}}, clk)

	l.RecordRequest("svc")
	l.RecordRequest("svc")

	if _, reason := l.CheckAllowed("svc"); reason != ReasonCooldown {
		t.Fatalf("reason: got %q, want %q", reason, ReasonCooldown)
	}
	// Cooldown ends before the hour window, so the delay covers the window.
	if d := l.ComputeDelay("svc"); d != time.Hour {
		t.Errorf("delay: got %v, want 1h", d)
	}

	clk.Advance(16 * time.Minute)
	if _, reason := l.CheckAllowed("svc"); reason != ReasonPerHour {
		t.Errorf("after cooldown: got %q, want %q", reason, ReasonPerHour)
	}

	clk.Advance(45 * time.Minute)
	if ok, reason := l.CheckAllowed("svc"); !ok {
		t.Errorf("after hour window: refused (%s)", reason)
	}
}

func TestSessionCap(t *testing.T) {
	// WHAT: continuous use past MaxSession is refused, then a record at the cap
	// starts the cooldown.
	// WHY: long uninterrupted scraping sessions are what triggers bot detection.
	clk := newFakeClock()
	l := newTestLimiter(t, map[string]Budget{"svc": {Cooldown: 15 * time.Minute, MaxSession: 45 * time.Minute}}, clk)

	for i := 0; i < 5; i++ {
		l.RecordRequest("svc")
		clk.Advance(10 * time.Minute)
	}
	// t = 50m since session start, last request 10m ago.
	if _, reason := l.CheckAllowed("svc"); reason != ReasonSession {
		t.Fatalf("reason: got %q, want %q", reason, ReasonSession)
	}
	if d := l.ComputeDelay("svc"); d != 5*time.Minute {
		t.Errorf("delay: got %v, want 5m (until session idles out)", d)
	}

	l.RecordRequest("svc")
	if _, reason := l.CheckAllowed("svc"); reason != ReasonCooldown {
		t.Errorf("after record past cap: got %q, want %q", reason, ReasonCooldown)
	}
}

func TestEndSession(t *testing.T) {
	// WHAT: ending a running session starts the cooldown; ending an idle one
	// only forgets it.
	clk := newFakeClock()
	l := newTestLimiter(t, map[string]Budget{"svc": {Cooldown: 15 * time.Minute, MaxSession: time.Hour}}, clk)

	l.EndSession("svc")
	if ok, reason := l.CheckAllowed("svc"); !ok {
		t.Fatalf("idle end started a cooldown: %q", reason)
	}

	l.RecordRequest("svc")
	clk.Advance(time.Minute)
	l.EndSession("svc")
	if _, reason := l.CheckAllowed("svc"); reason != ReasonCooldown {
		t.Fatalf("after ending a running session: got %q, want %q", reason, ReasonCooldown)
	}
	if d := l.ComputeDelay("svc"); d != 15*time.Minute {
		t.Errorf("delay: got %v, want 15m", d)
	}

	clk.Advance(15 * time.Minute)
	l.RecordRequest("svc")
	if s := l.ServiceStatus("svc"); s.SessionMinutes != 0 {
		t.Errorf("new session carried the old start: %d minutes", s.SessionMinutes)
	}
}

func TestComputeDelay_MinDelay(t *testing.T) {
	clk := newFakeClock()
	l := newTestLimiter(t, map[string]Budget{"svc": {MinDelay: 30 * time.Second}}, clk)

	if d := l.ComputeDelay("svc"); d != 0 {
		t.Errorf("fresh delay: got %v, want 0", d)
	}
	l.RecordRequest("svc")
	clk.Advance(10 * time.Second)
	if d := l.ComputeDelay("svc"); d != 20*time.Second {
		t.Errorf("delay: got %v, want 20s", d)
	}
}

func TestExceeded_MinDelay(t *testing.T) {
	// WHAT: a caller that cannot queue is refused inside the minimum
	// spacing, with the spacing as the reason.
	// WHY: an ad-hoc search fired right after a batch search would hit the
	// network faster than a person could.
	clk := newFakeClock()
	l := newTestLimiter(t, map[string]Budget{"svc": {MinDelay: 30 * time.Second}}, clk)

	if err := l.Exceeded("svc"); err != nil {
		t.Fatalf("fresh: %v", err)
	}
	l.RecordRequest("svc")
	clk.Advance(10 * time.Second)

	err := l.Exceeded("svc")
	var ee *ExceededError
	if !errors.As(err, &ee) || ee.Reason != ReasonMinDelay {
		t.Fatalf("inside spacing: got %v", err)
	}
	if ee.Status.NextDelayMs != 20000 {
		t.Errorf("next delay: got %dms, want 20000", ee.Status.NextDelayMs)
	}
	if ok, _ := l.CheckAllowed("svc"); !ok {
		t.Error("CheckAllowed reports the spacing as a quota refusal")
	}

	clk.Advance(20 * time.Second)
	if err := l.Exceeded("svc"); err != nil {
		t.Errorf("after spacing: %v", err)
	}
}

func TestAwaitReady_WaitsForWindow(t *testing.T) {
	clk := newFakeClock()
	l := newTestLimiter(t, map[string]Budget{"svc": {PerMinute: 1, MinDelay: 5 * time.Second}}, clk)

	start := clk.Now()
	l.RecordRequest("svc")
	if err := l.AwaitReady(context.Background(), "svc"); err != nil {
		t.Fatalf("await: %v", err)
	}
	if waited := clk.Now().Sub(start); waited < time.Minute {
		t.Errorf("waited %v, want >= 1m", waited)
	}
	if ok, _ := l.CheckAllowed("svc"); !ok {
		t.Error("not allowed after AwaitReady returned")
	}
}

func TestAwaitReady_ContextDone(t *testing.T) {
	clk := newFakeClock()
	l, err := New(map[string]Budget{"svc": {PerMinute: 1}},
		WithClock(clk.Now),
		WithAfter(func(time.Duration) <-chan time.Time { return nil }))
	if err != nil {
		t.Fatal(err)
	}
	l.RecordRequest("svc")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = l.AwaitReady(ctx, "svc")
	if !errors.Is(err, ErrRateLimitExceeded) {
		t.Fatalf("got %v, want ErrRateLimitExceeded", err)
	}
	var ee *ExceededError
	if !errors.As(err, &ee) || ee.Reason != ReasonPerMinute {
		t.Errorf("exceeded error: %+v", ee)
	}
}

func TestServicesIndependent(t *testing.T) {
	clk := newFakeClock()
	l := newTestLimiter(t, DefaultBudgets(), clk)

	for i := 0; i < 80; i++ {
		l.RecordRequest(ServiceLinkedIn)
	}
	if ok, _ := l.CheckAllowed(ServiceLinkedIn); ok {
		t.Fatal("linkedin should be exhausted")
	}
	if ok, reason := l.CheckAllowed(ServiceRegistry); !ok {
		t.Errorf("registry blocked by linkedin budget: %s", reason)
	}
	if ok, _ := l.CheckAllowed("unknown"); !ok {
		t.Error("unbudgeted service should be unconstrained")
	}
}

func TestPersistence_Reload(t *testing.T) {
	// WHAT: counters and cooldown survive a limiter restart on the same database.
	// WHY: a process restart must not hand a fresh budget to the scraped account.
	db := dbopen.OpenMemory(t)
	clk := newFakeClock()
	budgets := map[string]Budget{"svc": {PerHour: 3, Cooldown: 15 * time.Minute}}

	l1 := newTestLimiter(t, budgets, clk, WithDB(db))
	for i := 0; i < 3; i++ {
		l1.RecordRequest("svc")
	}

	l2 := newTestLimiter(t, budgets, clk, WithDB(db))
	st := l2.ServiceStatus("svc")
	if st.RequestsThisHour != 3 {
		t.Errorf("requests this hour: got %d, want 3", st.RequestsThisHour)
	}
	if st.CooldownUntil == nil {
		t.Error("cooldown lost across reload")
	}
	if st.TotalRequests != 3 {
		t.Errorf("total: got %d, want 3", st.TotalRequests)
	}
}

func TestBudgetMerge(t *testing.T) {
	b := DefaultBudgets()[ServiceLinkedIn].Merge(Budget{PerHour: 10})
	if b.PerHour != 10 || b.PerDay != 80 || b.MinDelay != 30*time.Second {
		t.Errorf("merged: %+v", b)
	}
}
