package linkedin_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/leadscout/dbopen"
	"github.com/hazyhaar/leadscout/linkedin"
	"github.com/hazyhaar/leadscout/linkedin/linkedintest"
)

func newMachine(t *testing.T, d *linkedintest.Driver, mutate ...func(*linkedin.Config)) *linkedin.Machine {
	t.Helper()
	cfg := linkedin.Config{
		NewDriver:     d.Factory(nil),
		SearchTimeout: 2 * time.Second,
		HangGrace:     200 * time.Millisecond,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	m, err := linkedin.NewMachine(cfg)
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func connect(t *testing.T, m *linkedin.Machine) {
	t.Helper()
	s, err := m.ConnectWithCookie(context.Background(), linkedintest.ValidCookie)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if s.Status != linkedin.StatusConnected {
		t.Fatalf("status after connect: %s", s.Status)
	}
}

func TestSearch_DisconnectedThenCookieThenBusy(t *testing.T) {
	// WHAT: search refused while disconnected, accepted after a cookie login,
	// with the status showing busy during the call and connected after.
	// WHY: this is the full happy path an operator walks through.
	d := &linkedintest.Driver{Gate: make(chan struct{}), Started: make(chan string, 1)}
	m := newMachine(t, d)
	ctx := context.Background()

	_, err := m.Search(ctx, "CEO Carrefour", 10)
	var nre *linkedin.NotReadyError
	if !errors.As(err, &nre) || nre.Status != linkedin.StatusDisconnected {
		t.Fatalf("search while disconnected: got %v", err)
	}
	if !errors.Is(err, linkedin.ErrAuthNotReady) {
		t.Fatalf("error does not match ErrAuthNotReady: %v", err)
	}

	connect(t, m)
	if s := m.Status(); s.AuthMethod != linkedin.AuthCookie || s.LastConnectedAt == nil {
		t.Errorf("session after connect: %+v", s)
	}

	type res struct {
		n   int
		err error
	}
	done := make(chan res, 1)
	go func() {
		found, err := m.Search(ctx, "CEO Carrefour", 10)
		done <- res{len(found), err}
	}()

	<-d.Started
	if got := m.Status().Status; got != linkedin.StatusBusy {
		t.Errorf("status during search: got %s, want busy", got)
	}
	if _, err := m.Search(ctx, "CFO Carrefour", 10); !errors.Is(err, linkedin.ErrAuthBusy) {
		t.Errorf("second search while busy: got %v, want ErrAuthBusy", err)
	}

	d.Gate <- struct{}{}
	r := <-done
	if r.err != nil || r.n != 1 {
		t.Fatalf("search: n=%d err=%v", r.n, r.err)
	}
	if got := m.Status().Status; got != linkedin.StatusConnected {
		t.Errorf("status after search: got %s, want connected", got)
	}
}

func TestSearch_MutualExclusionStress(t *testing.T) {
	// WHAT: many concurrent searches never overlap inside the driver.
	// WHY: the browser session is not reentrant; overlap corrupts pages.
	d := &linkedintest.Driver{}
	m := newMachine(t, d)
	connect(t, m)

	var (
		wg       sync.WaitGroup
		ok, busy atomic.Int32
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, err := m.Search(context.Background(), "q", 5)
				switch {
				case err == nil:
					ok.Add(1)
				case errors.Is(err, linkedin.ErrAuthBusy):
					busy.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	if d.MaxConcurrent() != 1 {
		t.Errorf("max concurrent driver searches: got %d, want 1", d.MaxConcurrent())
	}
	if int(ok.Load()) != d.Searches() {
		t.Errorf("successful searches %d != driver calls %d", ok.Load(), d.Searches())
	}
	if ok.Load()+busy.Load() != 64*20 {
		t.Errorf("accounted calls: %d", ok.Load()+busy.Load())
	}
	if got := m.Status().Status; got != linkedin.StatusConnected {
		t.Errorf("final status: %s", got)
	}
}

func TestConnectWithCookie_TooShort(t *testing.T) {
	m := newMachine(t, &linkedintest.Driver{})
	s, err := m.ConnectWithCookie(context.Background(), "short")
	if !errors.Is(err, linkedin.ErrInvalidRequest) {
		t.Fatalf("got %v, want ErrInvalidRequest", err)
	}
	if s.Status != linkedin.StatusDisconnected {
		t.Errorf("status: got %s, want disconnected", s.Status)
	}
}

func TestConnectWithCookie_Rejected(t *testing.T) {
	d := &linkedintest.Driver{CookieOutcome: linkedin.OutcomeRejected}
	m := newMachine(t, d)
	s, err := m.ConnectWithCookie(context.Background(), linkedintest.ValidCookie)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if s.Status != linkedin.StatusError || s.ErrorMessage == "" {
		t.Errorf("session: %+v", s)
	}
}

func TestCredentials_VerificationCodeFlow(t *testing.T) {
	d := &linkedintest.Driver{
		CredentialsOutcome: linkedin.OutcomeNeedsCode,
		Codes:              map[string]linkedin.Outcome{"123456": linkedin.OutcomeAccepted},
	}
	m := newMachine(t, d)
	ctx := context.Background()

	s, err := m.ConnectWithCredentials(ctx, "ops@example.com", "pw")
	if !errors.Is(err, linkedin.ErrVerificationRequired) {
		t.Fatalf("connect: got %v, want ErrVerificationRequired", err)
	}
	if s.Status != linkedin.StatusNeedsVerificationCode {
		t.Fatalf("status: %s", s.Status)
	}

	_, err = m.Search(ctx, "q", 1)
	if !errors.Is(err, linkedin.ErrAuthNotReady) || !errors.Is(err, linkedin.ErrVerificationRequired) {
		t.Errorf("search while code pending: %v", err)
	}

	s, err = m.SubmitVerificationCode(ctx, "000000")
	if !errors.Is(err, linkedin.ErrVerificationRequired) || s.Status != linkedin.StatusNeedsVerificationCode {
		t.Errorf("wrong code: status=%s err=%v", s.Status, err)
	}

	s, err = m.SubmitVerificationCode(ctx, "123456")
	if err != nil || s.Status != linkedin.StatusConnected {
		t.Fatalf("right code: status=%s err=%v", s.Status, err)
	}
	if s.AccountIdentifier != "ops@example.com" {
		t.Errorf("account: %q", s.AccountIdentifier)
	}
}

func TestCredentials_RepeatedBadCodes(t *testing.T) {
	d := &linkedintest.Driver{CredentialsOutcome: linkedin.OutcomeNeedsCode}
	m := newMachine(t, d)
	ctx := context.Background()
	m.ConnectWithCredentials(ctx, "a@b.c", "pw")

	var s linkedin.Session
	for i := 0; i < 3; i++ {
		s, _ = m.SubmitVerificationCode(ctx, "bad")
	}
	if s.Status != linkedin.StatusError {
		t.Errorf("after 3 bad codes: got %s, want error", s.Status)
	}
	if _, err := m.SubmitVerificationCode(ctx, "bad"); !errors.Is(err, linkedin.ErrWrongState) {
		t.Errorf("code after error: got %v, want ErrWrongState", err)
	}
}

func TestManualLoginFlow(t *testing.T) {
	// WHAT: challenge → open surface → failed validate stays awaiting →
	// successful validate connects.
	// WHY: manual fallback is the only way past captchas.
	d := &linkedintest.Driver{CredentialsOutcome: linkedin.OutcomeChallenge, Invalid: true}
	m := newMachine(t, d)
	ctx := context.Background()

	s, _ := m.ConnectWithCredentials(ctx, "a@b.c", "pw")
	if s.Status != linkedin.StatusNeedsManualLogin {
		t.Fatalf("after challenge: %s", s.Status)
	}

	s, err := m.OpenInteractiveLoginSurface(ctx)
	if err != nil || s.Status != linkedin.StatusAwaitingManualLogin {
		t.Fatalf("open surface: %s %v", s.Status, err)
	}

	s, err = m.ValidateSession(ctx)
	if err != nil || s.Status != linkedin.StatusAwaitingManualLogin {
		t.Errorf("validate before login: %s %v", s.Status, err)
	}

	d.Set(func(d *linkedintest.Driver) { d.Invalid = false })
	s, err = m.ValidateSession(ctx)
	if err != nil || s.Status != linkedin.StatusConnected {
		t.Fatalf("validate after login: %s %v", s.Status, err)
	}
	if s.AuthMethod != linkedin.AuthManual {
		t.Errorf("auth method: %s", s.AuthMethod)
	}
}

func TestValidate_ConnectedButLoggedOut(t *testing.T) {
	d := &linkedintest.Driver{}
	m := newMachine(t, d)
	connect(t, m)
	d.Set(func(d *linkedintest.Driver) { d.Invalid = true })

	s, _ := m.ValidateSession(context.Background())
	if s.Status != linkedin.StatusNeedsManualLogin {
		t.Errorf("got %s, want needs_manual_login", s.Status)
	}
}

func TestSearch_ConsecutiveFailuresThenRecover(t *testing.T) {
	d := &linkedintest.Driver{FailAll: errors.New("selector not found")}
	var builds atomic.Int32
	m := newMachine(t, d, func(c *linkedin.Config) { c.NewDriver = d.Factory(&builds) })
	connect(t, m)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := m.Search(ctx, "q", 1); !errors.Is(err, linkedin.ErrAutomationFailure) {
			t.Fatalf("search %d: %v", i, err)
		}
		if got := m.Status().Status; got != linkedin.StatusConnected {
			t.Fatalf("after %d failures: %s", i+1, got)
		}
	}
	m.Search(ctx, "q", 1)
	if got := m.Status().Status; got != linkedin.StatusError {
		t.Fatalf("after 3 failures: got %s, want error", got)
	}
	if _, err := m.Search(ctx, "q", 1); !errors.Is(err, linkedin.ErrAuthNotReady) {
		t.Errorf("search in error: %v", err)
	}

	s, _ := m.Disconnect(ctx)
	if s.Status != linkedin.StatusDisconnected {
		t.Fatalf("disconnect: %s", s.Status)
	}
	if d.Closes() == 0 {
		t.Error("driver not closed on disconnect")
	}

	d.Set(func(d *linkedintest.Driver) { d.FailAll = nil })
	connect(t, m)
	if _, err := m.Search(ctx, "q", 1); err != nil {
		t.Errorf("search after reconnect: %v", err)
	}
	if builds.Load() != 2 {
		t.Errorf("driver builds: got %d, want 2", builds.Load())
	}
}

func TestSearch_HungDriverMovesToError(t *testing.T) {
	// WHAT: a driver that ignores its deadline is abandoned and the session
	// goes to error instead of staying busy.
	// WHY: headless browsers do hang; busy forever would wedge every batch.
	gate := make(chan struct{})
	defer close(gate)
	d := &linkedintest.Driver{Gate: gate, Hang: true}
	m := newMachine(t, d, func(c *linkedin.Config) {
		c.SearchTimeout = 30 * time.Millisecond
		c.HangGrace = 30 * time.Millisecond
	})
	connect(t, m)

	_, err := m.Search(context.Background(), "q", 1)
	if !errors.Is(err, linkedin.ErrAutomationFailure) {
		t.Fatalf("got %v, want ErrAutomationFailure", err)
	}
	if got := m.Status().Status; got != linkedin.StatusError {
		t.Errorf("status: got %s, want error", got)
	}
}

func TestSearch_ChallengeNeedsManualLogin(t *testing.T) {
	d := &linkedintest.Driver{FailAll: linkedin.ErrChallenge}
	m := newMachine(t, d)
	connect(t, m)

	if _, err := m.Search(context.Background(), "q", 1); !errors.Is(err, linkedin.ErrChallenge) {
		t.Fatalf("got %v", err)
	}
	if got := m.Status().Status; got != linkedin.StatusNeedsManualLogin {
		t.Errorf("status: got %s, want needs_manual_login", got)
	}
}

func TestDisconnect_DuringSearch(t *testing.T) {
	d := &linkedintest.Driver{Gate: make(chan struct{}), Started: make(chan string, 1)}
	m := newMachine(t, d)
	connect(t, m)

	done := make(chan error, 1)
	go func() {
		_, err := m.Search(context.Background(), "q", 1)
		done <- err
	}()
	<-d.Started
	m.Disconnect(context.Background())
	close(d.Gate)

	if err := <-done; !errors.Is(err, linkedin.ErrAuthNotReady) {
		t.Errorf("abandoned search: got %v, want ErrAuthNotReady", err)
	}
	if got := m.Status().Status; got != linkedin.StatusDisconnected {
		t.Errorf("status: got %s, want disconnected", got)
	}
}

func TestSearchCompanies_PairFailuresContinue(t *testing.T) {
	d := &linkedintest.Driver{Fail: map[string]error{"CTO Beta": errors.New("timeout")}}
	m := newMachine(t, d)
	connect(t, m)

	res, err := m.SearchCompanies(context.Background(), []string{"Alpha", "Beta", "beta "}, []string{"CEO", "CTO"}, 5)
	if err == nil {
		t.Error("expected the failing pair to be reported")
	}
	if len(res) != 3 {
		t.Fatalf("results: got %d, want 3", len(res))
	}
	if res[0].SearchedCompany != "Alpha" || res[0].SearchedKeyword != "CEO" {
		t.Errorf("first result tagged %q/%q", res[0].SearchedCompany, res[0].SearchedKeyword)
	}
	if n := len(d.Queries()); n != 4 {
		t.Errorf("driver queries: got %d, want 4", n)
	}
}

func TestRestore_FromSQLite(t *testing.T) {
	// WHAT: a connected cookie session survives a restart and is re-checked.
	// WHY: operators should not paste a cookie after every deploy.
	db := dbopen.OpenMemory(t)
	st, err := linkedin.NewSQLiteSessionStore(db, "test-passphrase")
	if err != nil {
		t.Fatal(err)
	}

	d := &linkedintest.Driver{}
	m1 := newMachine(t, d, func(c *linkedin.Config) { c.Store = st })
	connect(t, m1)
	m1.Close()

	stored, ok, err := st.Load(context.Background())
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if stored.Secret != linkedintest.ValidCookie {
		t.Error("cookie not recovered from sealed storage")
	}

	m2 := newMachine(t, d, func(c *linkedin.Config) { c.Store = st })
	s, err := m2.Restore(context.Background())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if s.Status != linkedin.StatusConnected || s.AuthMethod != linkedin.AuthCookie {
		t.Errorf("restored session: %+v", s)
	}
}

func TestRestore_ExpiredSession(t *testing.T) {
	db := dbopen.OpenMemory(t)
	st, _ := linkedin.NewSQLiteSessionStore(db, "k")

	d := &linkedintest.Driver{}
	m1 := newMachine(t, d, func(c *linkedin.Config) { c.Store = st })
	connect(t, m1)

	d.Set(func(d *linkedintest.Driver) { d.CookieOutcome = linkedin.OutcomeRejected })
	m2 := newMachine(t, d, func(c *linkedin.Config) { c.Store = st })
	s, _ := m2.Restore(context.Background())
	if s.Status != linkedin.StatusDisconnected {
		t.Errorf("got %s, want disconnected", s.Status)
	}
	if _, ok, _ := st.Load(context.Background()); ok {
		t.Error("expired session left in store")
	}
}

// blockingFactory hands out d only after release is closed, and signals
// entered as each build begins.
func blockingFactory(d *linkedintest.Driver, entered chan<- struct{}, release <-chan struct{}) linkedin.DriverFactory {
	return func(context.Context) (linkedin.Driver, error) {
		entered <- struct{}{}
		<-release
		return d, nil
	}
}

func waitCloses(t *testing.T, d *linkedintest.Driver) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for d.Closes() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("late driver never closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConnect_SlowDriverStartDoesNotBlockStatus(t *testing.T) {
	// WHAT: a browser launch that hangs leaves Status responsive, the connect
	// fails once LoginTimeout elapses and the late driver is closed.
	// WHY: the health endpoint and the status panel must keep answering
	// while a browser is being launched.
	d := &linkedintest.Driver{}
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	m := newMachine(t, d, func(c *linkedin.Config) {
		c.LoginTimeout = 300 * time.Millisecond
		c.NewDriver = blockingFactory(d, entered, release)
	})

	errc := make(chan error, 1)
	go func() {
		_, err := m.ConnectWithCookie(context.Background(), linkedintest.ValidCookie)
		errc <- err
	}()
	<-entered

	got := make(chan linkedin.Status, 1)
	go func() { got <- m.Status().Status }()
	select {
	case st := <-got:
		if st != linkedin.StatusConnecting {
			t.Errorf("status during driver start: got %s, want connecting", st)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Status blocked while the driver was starting")
	}

	if _, err := m.Search(context.Background(), "CEO Acme", 5); !errors.Is(err, linkedin.ErrAuthNotReady) {
		t.Errorf("search during driver start: got %v", err)
	}

	err := <-errc
	if !errors.Is(err, linkedin.ErrAutomationFailure) {
		t.Fatalf("connect after start timeout: got %v", err)
	}
	if st := m.Status().Status; st != linkedin.StatusError {
		t.Errorf("status after start timeout: got %s, want error", st)
	}

	close(release)
	waitCloses(t, d)
}

func TestDisconnect_DuringDriverStart(t *testing.T) {
	// WHAT: Disconnect returns at once while a driver is being built; the
	// pending connect reports a wrong-state error and the driver it was
	// waiting for is closed when it arrives.
	// WHY: an operator must be able to abort a stuck launch.
	d := &linkedintest.Driver{}
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	m := newMachine(t, d, func(c *linkedin.Config) {
		c.LoginTimeout = 5 * time.Second
		c.NewDriver = blockingFactory(d, entered, release)
	})

	errc := make(chan error, 1)
	go func() {
		_, err := m.ConnectWithCookie(context.Background(), linkedintest.ValidCookie)
		errc <- err
	}()
	<-entered

	disc := make(chan linkedin.Session, 1)
	go func() {
		s, _ := m.Disconnect(context.Background())
		disc <- s
	}()
	select {
	case s := <-disc:
		if s.Status != linkedin.StatusDisconnected {
			t.Errorf("status after disconnect: got %s", s.Status)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("Disconnect blocked while the driver was starting")
	}

	close(release)
	if err := <-errc; !errors.Is(err, linkedin.ErrWrongState) {
		t.Errorf("connect interrupted by disconnect: got %v", err)
	}
	if st := m.Status().Status; st != linkedin.StatusDisconnected {
		t.Errorf("final status: got %s, want disconnected", st)
	}
	waitCloses(t, d)
}
