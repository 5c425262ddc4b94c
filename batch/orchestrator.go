// Package batch runs multi-company, multi-keyword searches in the
// background against the single automation session.
//
// Each batch gets its own goroutine. Cache hits are answered inline; every
// miss goes through one FIFO queue drained by a single dispatcher, so live
// searches from concurrent batches interleave pair by pair in arrival
// order and never contend for the session.
package batch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/leadscout/batch/internal/store"
	"github.com/hazyhaar/leadscout/contact"
	"github.com/hazyhaar/leadscout/idgen"
	"github.com/hazyhaar/leadscout/linkedin"
	"github.com/hazyhaar/leadscout/ratelimit"
	"github.com/hazyhaar/leadscout/searchcache"
)

// Auth is the part of linkedin.Machine the orchestrator uses.
type Auth interface {
	Search(ctx context.Context, query string, limit int) ([]contact.Contact, error)
	Status() linkedin.Session
}

// Limiter is the part of ratelimit.Limiter the orchestrator uses.
type Limiter interface {
	AwaitReady(ctx context.Context, service string) error
	RecordRequest(service string)
}

// Config configures an Orchestrator.
type Config struct {
	DB      *sql.DB // required
	Auth    Auth    // required
	Limiter Limiter
	Cache   searchcache.Cache // default: in-memory

	// Service is the rate-limit bucket of live searches. Default: linkedin.
	Service string

	// ReuseWindow is how long a completed batch is returned again for an
	// identical request. Default: 24h. Negative: forever.
	ReuseWindow time.Duration

	// MaxRateWait bounds the wait for rate-limit permission per pair.
	// Default: 1h.
	MaxRateWait time.Duration

	// BusyRetries and BusyBackoff govern retries when the session is
	// held by another caller (an ad-hoc search, a login step).
	// Defaults: 5 and 2s, the backoff growing linearly.
	BusyRetries int
	BusyBackoff time.Duration

	DefaultLimit int // per company. Default: 10.
	MaxLimit     int // Default: 100.

	// Publisher, when set, also receives every snapshot.
	Publisher Publisher

	NewID  idgen.Generator
	Logger *slog.Logger
	Now    func() time.Time
}

func (c *Config) defaults() {
	if c.Cache == nil {
		c.Cache = searchcache.NewMemory(searchcache.Options{})
	}
	if c.Service == "" {
		c.Service = ratelimit.ServiceLinkedIn
	}
	if c.ReuseWindow == 0 {
		c.ReuseWindow = 24 * time.Hour
	}
	if c.MaxRateWait <= 0 {
		c.MaxRateWait = time.Hour
	}
	if c.BusyRetries <= 0 {
		c.BusyRetries = 5
	}
	if c.BusyBackoff <= 0 {
		c.BusyBackoff = 2 * time.Second
	}
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = 10
	}
	if c.MaxLimit <= 0 {
		c.MaxLimit = 100
	}
	if c.NewID == nil {
		c.NewID = idgen.Prefixed("srch_", idgen.UUIDv7())
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Orchestrator is the SearchSessionOrchestrator.
type Orchestrator struct {
	cfg   Config
	st    *store.Store
	hub   *hub
	queue chan *liveJob

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type liveJob struct {
	ctx              context.Context
	company, keyword string
	limit            int
	reply            chan liveResult
}

type liveResult struct {
	contacts []contact.Contact
	err      error
}

// New starts the dispatcher. Call Close to stop it and the running batches.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.DB == nil {
		return nil, errors.New("batch: Config.DB is required")
	}
	if cfg.Auth == nil {
		return nil, errors.New("batch: Config.Auth is required")
	}
	if err := store.ApplySchema(cfg.DB); err != nil {
		return nil, fmt.Errorf("batch: schema: %w", err)
	}
	cfg.defaults()

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:    cfg,
		st:     store.NewStore(cfg.DB),
		hub:    newHub(),
		queue:  make(chan *liveJob),
		ctx:    ctx,
		cancel: cancel,
	}
	o.wg.Add(1)
	go o.dispatch()
	return o, nil
}

// Close stops the dispatcher and waits for running batches, which end
// failed.
func (o *Orchestrator) Close() error {
	o.cancel()
	o.wg.Wait()
	return nil
}

// StartBatch validates and dedupes the request, then either returns an
// identical completed batch or schedules a new one and returns at once.
// When live searches would be needed and the session cannot serve them it
// fails with a linkedin.NotReadyError.
func (o *Orchestrator) StartBatch(ctx context.Context, req Request) (Started, error) {
	companies := contact.Dedupe(req.Companies)
	keywords := contact.Dedupe(req.Keywords)
	if len(companies) == 0 {
		return Started{}, fmt.Errorf("%w: at least one company is required", ErrInvalidRequest)
	}
	if len(keywords) == 0 {
		return Started{}, fmt.Errorf("%w: at least one keyword is required", ErrInvalidRequest)
	}
	limit := req.LimitPerCompany
	if limit <= 0 {
		limit = o.cfg.DefaultLimit
	}
	if limit > o.cfg.MaxLimit {
		limit = o.cfg.MaxLimit
	}

	key := RequestKey(companies, keywords)
	since := int64(0)
	if o.cfg.ReuseWindow > 0 {
		since = o.cfg.Now().Add(-o.cfg.ReuseWindow).UnixMilli()
	}
	prev, err := o.st.FindCompleted(ctx, key, since)
	if err != nil {
		return Started{}, fmt.Errorf("batch: find previous: %w", err)
	}
	if prev != nil {
		o.cfg.Logger.Info("batch: reusing completed session", "session", prev.ID)
		return Started{Session: fromRecord(prev), Cached: true}, nil
	}

	if st := o.cfg.Auth.Status().Status; !st.Usable() && o.needsLive(ctx, companies, keywords) {
		return Started{}, &linkedin.NotReadyError{Status: st}
	}

	now := o.cfg.Now().UnixMilli()
	rec := &store.Session{
		ID:              o.cfg.NewID(),
		Status:          store.StatusPending,
		Companies:       companies,
		Keywords:        keywords,
		TotalCompanies:  len(companies),
		LimitPerCompany: limit,
		RequestKey:      key,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := o.st.Create(ctx, rec); err != nil {
		return Started{}, fmt.Errorf("batch: create session: %w", err)
	}
	if _, err := o.st.Transition(ctx, rec.ID, store.StatusPending, store.StatusProcessing, "", now); err != nil {
		return Started{}, fmt.Errorf("batch: start session: %w", err)
	}
	rec.Status = store.StatusProcessing

	o.cfg.Logger.Info("batch: started", "session", rec.ID,
		"companies", len(companies), "keywords", len(keywords), "limit", limit)

	o.wg.Add(1)
	go o.run(rec.ID, companies, keywords, limit)

	return Started{Session: fromRecord(rec)}, nil
}

func (o *Orchestrator) needsLive(ctx context.Context, companies, keywords []string) bool {
	for _, c := range companies {
		for _, k := range keywords {
			if _, ok, err := o.cfg.Cache.Get(ctx, c, k); err != nil || !ok {
				return true
			}
		}
	}
	return false
}

// run is the per-batch worker: companies outer, keywords inner.
func (o *Orchestrator) run(id string, companies, keywords []string, limit int) {
	defer o.wg.Done()
	log := o.cfg.Logger.With("session", id)
	ctx := o.ctx

	for _, c := range companies {
		for ki, k := range keywords {
			companyDone := ki == len(keywords)-1

			found, err := o.resolve(ctx, c, k, limit)
			switch {
			case err == nil:
				results := make([]contact.Result, len(found))
				for i, f := range found {
					results[i] = contact.Result{SearchedCompany: c, SearchedKeyword: k, Contact: f}
				}
				o.append(id, results, companyDone, false)

			case ctx.Err() != nil:
				o.finish(id, StatusFailed, "interrupted by shutdown")
				return

			case errors.Is(err, linkedin.ErrAuthNotReady):
				log.Warn("batch: session unusable, stopping", "company", c, "keyword", k, "error", err)
				o.append(id, nil, false, true)
				o.finish(id, StatusFailed, err.Error())
				return

			default:
				log.Warn("batch: pair failed", "company", c, "keyword", k, "error", err)
				o.append(id, nil, companyDone, true)
			}
		}
	}
	o.finish(id, StatusCompleted, "")
	log.Info("batch: completed")
}

// resolve answers one pair from the cache or through the live queue.
func (o *Orchestrator) resolve(ctx context.Context, company, keyword string, limit int) ([]contact.Contact, error) {
	cached, ok, err := o.cfg.Cache.Get(ctx, company, keyword)
	if err != nil {
		o.cfg.Logger.Warn("batch: cache read", "company", company, "keyword", keyword, "error", err)
	}
	if ok {
		if len(cached) > limit {
			cached = cached[:limit]
		}
		return cached, nil
	}

	job := &liveJob{ctx: ctx, company: company, keyword: keyword, limit: limit, reply: make(chan liveResult, 1)}
	select {
	case o.queue <- job:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-job.reply:
		return r.contacts, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// dispatch runs live searches one at a time, in queue order.
func (o *Orchestrator) dispatch() {
	defer o.wg.Done()
	for {
		select {
		case <-o.ctx.Done():
			return
		case job := <-o.queue:
			found, err := o.live(job)
			job.reply <- liveResult{contacts: found, err: err}
		}
	}
}

func (o *Orchestrator) live(job *liveJob) ([]contact.Contact, error) {
	query := contact.Query(job.company, job.keyword)
	for attempt := 1; ; attempt++ {
		if o.cfg.Limiter != nil {
			waitCtx, cancel := context.WithTimeout(job.ctx, o.cfg.MaxRateWait)
			err := o.cfg.Limiter.AwaitReady(waitCtx, o.cfg.Service)
			cancel()
			if err != nil {
				return nil, err
			}
		}

		found, err := o.cfg.Auth.Search(job.ctx, query, job.limit)
		if errors.Is(err, linkedin.ErrAuthBusy) {
			if attempt > o.cfg.BusyRetries {
				return nil, err
			}
			t := time.NewTimer(time.Duration(attempt) * o.cfg.BusyBackoff)
			select {
			case <-job.ctx.Done():
				t.Stop()
				return nil, job.ctx.Err()
			case <-t.C:
			}
			continue
		}
		// A refused call never reached the network.
		if o.cfg.Limiter != nil && !errors.Is(err, linkedin.ErrAuthNotReady) {
			o.cfg.Limiter.RecordRequest(o.cfg.Service)
		}
		if err != nil {
			return nil, err
		}

		found = contact.Filter(found, job.company, job.keyword)
		if perr := o.cfg.Cache.Put(job.ctx, job.company, job.keyword, found); perr != nil {
			o.cfg.Logger.Warn("batch: cache write", "company", job.company, "keyword", job.keyword, "error", perr)
		}
		return found, nil
	}
}

func (o *Orchestrator) append(id string, results []contact.Result, companyDone, failed bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := o.st.AppendPair(ctx, id, results, companyDone, failed, o.cfg.Now().UnixMilli()); err != nil {
		o.cfg.Logger.Error("batch: append results", "session", id, "error", err)
		return
	}
	o.notify(ctx, id)
}

func (o *Orchestrator) finish(id string, to Status, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ok, err := o.st.Transition(ctx, id, store.StatusProcessing, string(to), message, o.cfg.Now().UnixMilli())
	if err != nil {
		o.cfg.Logger.Error("batch: finish", "session", id, "status", to, "error", err)
		return
	}
	if ok {
		o.notify(ctx, id)
	}
}

func (o *Orchestrator) notify(ctx context.Context, id string) {
	rec, err := o.st.Get(ctx, id)
	if err != nil || rec == nil {
		return
	}
	snap := fromRecord(rec)
	if o.cfg.Publisher != nil {
		o.cfg.Publisher.Publish(ctx, snap)
	}
	o.hub.publish(snap)
}

// Status returns a snapshot of a session.
func (o *Orchestrator) Status(ctx context.Context, id string) (Session, error) {
	rec, err := o.st.Get(ctx, id)
	if err != nil {
		return Session{}, fmt.Errorf("batch: get session: %w", err)
	}
	if rec == nil {
		return Session{}, ErrNotFound
	}
	return fromRecord(rec), nil
}

// Results returns one page of a session's results in insertion order.
// Bounds are computed against the result count at call time.
func (o *Orchestrator) Results(ctx context.Context, id string, page, pageSize int) (ResultsPage, error) {
	sess, err := o.Status(ctx, id)
	if err != nil {
		return ResultsPage{}, err
	}
	totalPages, page, pageSize := pages(sess.TotalResults, page, pageSize)

	from := (page - 1) * pageSize
	to := min(from+pageSize, sess.TotalResults)
	results := []contact.Result{}
	if from < to {
		results, err = o.st.Results(ctx, id, from, to)
		if err != nil {
			return ResultsPage{}, fmt.Errorf("batch: read results: %w", err)
		}
	}
	return ResultsPage{
		Results:           results,
		Total:             sess.TotalResults,
		Page:              page,
		PageSize:          pageSize,
		TotalPages:        totalPages,
		CompaniesSearched: sess.CompaniesSearched,
		TotalCompanies:    sess.TotalCompanies,
		Status:            sess.Status,
	}, nil
}

// List returns past sessions, newest first.
func (o *Orchestrator) List(ctx context.Context, page, pageSize int) (History, error) {
	_, page, pageSize = pages(0, page, pageSize)
	recs, total, err := o.st.List(ctx, (page-1)*pageSize, pageSize)
	if err != nil {
		return History{}, fmt.Errorf("batch: list sessions: %w", err)
	}
	out := History{Sessions: make([]Session, 0, len(recs)), Total: total, Page: page, PageSize: pageSize}
	out.TotalPages, _, _ = pages(total, page, pageSize)
	for _, r := range recs {
		out.Sessions = append(out.Sessions, fromRecord(r))
	}
	return out, nil
}

// Subscribe streams snapshots of a session until it is terminal; the
// channel is then closed. The current snapshot is delivered first. cancel
// releases the subscription early.
func (o *Orchestrator) Subscribe(ctx context.Context, id string) (<-chan Session, func(), error) {
	ch := o.hub.subscribe(id)
	cancel := func() { o.hub.unsubscribe(id, ch) }

	sess, err := o.Status(ctx, id)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	o.hub.deliver(ch, sess)
	return ch, cancel, nil
}

// Recover marks sessions left unfinished by a previous process as failed.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	n, err := o.st.FailUnfinished(ctx, "interrupted: process restarted", o.cfg.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("batch: recover: %w", err)
	}
	if n > 0 {
		o.cfg.Logger.Warn("batch: marked interrupted sessions failed", "count", n)
	}
	return n, nil
}

// PurgeFinished deletes terminal sessions older than age.
func (o *Orchestrator) PurgeFinished(ctx context.Context, age time.Duration) (int, error) {
	n, err := o.st.DeleteFinishedBefore(ctx, o.cfg.Now().Add(-age).UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("batch: purge: %w", err)
	}
	return n, nil
}
