// Package scheduler owns the crawl job lifecycle: admission, concurrency
// limits, retries, and terminal bookkeeping. One scheduler serves many
// concurrent jobs across many sites.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/khatiwada051/WebCrawler/internal/crawl"
	"github.com/khatiwada051/WebCrawler/internal/events"
	"github.com/khatiwada051/WebCrawler/internal/handoff"
	"github.com/khatiwada051/WebCrawler/internal/ratelimit"
	"github.com/khatiwada051/WebCrawler/internal/site"
)

// ErrDuplicateJob is returned when a site/scope pair already has a live job.
var ErrDuplicateJob = errors.New("job already running for site and scope")

// ErrSchedulerClosed is returned by Submit after shutdown has begun.
var ErrSchedulerClosed = errors.New("scheduler is shutting down")

// Fetcher is the slice of the fetch adapter the scheduler needs.
type Fetcher interface {
	Fetch(ctx context.Context, siteID string, req crawl.FetchRequest) (crawl.RawPage, error)
}

// Authenticator is the slice of the auth controller the scheduler needs.
type Authenticator interface {
	EnsureValid(ctx context.Context, def site.Definition) error
	Invalidate(siteID string)
}

// Config controls scheduler concurrency and retry behavior.
type Config struct {
	// GlobalSlots caps in-flight fetches across all jobs.
	GlobalSlots int
	// SiteSlots caps in-flight fetches per site.
	SiteSlots int
	// DetailWorkers is the per-job worker count draining detail tasks.
	DetailWorkers int
	// RetryMax is the attempt budget per task for transient failures.
	RetryMax int
	// RetryBase seeds the exponential backoff between attempts.
	RetryBase time.Duration
	// RetryMaxBackoff caps a single backoff sleep.
	RetryMaxBackoff time.Duration
	// JobTimeout bounds one job end to end.
	JobTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.GlobalSlots <= 0 {
		c.GlobalSlots = 8
	}
	if c.SiteSlots <= 0 {
		c.SiteSlots = 2
	}
	if c.DetailWorkers <= 0 {
		c.DetailWorkers = 4
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxBackoff <= 0 {
		c.RetryMaxBackoff = 30 * time.Second
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 30 * time.Minute
	}
}

type activeKey struct {
	siteID string
	scope  string
}

type jobState struct {
	id     string
	siteID string
	scope  string
	cancel context.CancelFunc

	mu        sync.Mutex
	counters  crawl.JobCounters
	cancelled bool
}

func (js *jobState) update(fn func(*crawl.JobCounters)) {
	js.mu.Lock()
	fn(&js.counters)
	js.mu.Unlock()
}

func (js *jobState) snapshot() crawl.JobCounters {
	js.mu.Lock()
	defer js.mu.Unlock()
	return js.counters
}

func (js *jobState) markCancelled() {
	js.mu.Lock()
	js.cancelled = true
	js.mu.Unlock()
	js.cancel()
}

func (js *jobState) wasCancelled() bool {
	js.mu.Lock()
	defer js.mu.Unlock()
	return js.cancelled
}

// Scheduler runs crawl jobs.
type Scheduler struct {
	cfg      Config
	sites    *site.Loader
	fetcher  Fetcher
	auth     Authenticator
	governor *ratelimit.Governor
	pipeline handoff.Pipeline
	store    crawl.JobStore
	ids      crawl.IDGenerator
	clock    crawl.Clock
	hub      events.Emitter
	logger   *zap.Logger

	mu          sync.Mutex
	jobs        map[string]*jobState
	active      map[activeKey]string
	siteSlots   map[string]chan struct{}
	globalSlots chan struct{}
	closed      bool
	wg          sync.WaitGroup
}

// New builds a Scheduler.
func New(
	cfg Config,
	sites *site.Loader,
	fetcher Fetcher,
	auth Authenticator,
	governor *ratelimit.Governor,
	pipeline handoff.Pipeline,
	store crawl.JobStore,
	ids crawl.IDGenerator,
	clock crawl.Clock,
	hub events.Emitter,
	logger *zap.Logger,
) *Scheduler {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:         cfg,
		sites:       sites,
		fetcher:     fetcher,
		auth:        auth,
		governor:    governor,
		pipeline:    pipeline,
		store:       store,
		ids:         ids,
		clock:       clock,
		hub:         hub,
		logger:      logger,
		jobs:        make(map[string]*jobState),
		active:      make(map[activeKey]string),
		siteSlots:   make(map[string]chan struct{}),
		globalSlots: make(chan struct{}, cfg.GlobalSlots),
	}
}

// Submit admits a new job. The site definition and scope are validated here
// so malformed requests fail fast; admitted jobs run asynchronously.
func (s *Scheduler) Submit(ctx context.Context, req crawl.JobRequest) (crawl.Job, error) {
	def, err := s.sites.Get(req.SiteID)
	if err != nil {
		return crawl.Job{}, err
	}
	if _, err := def.ListingsForScope(req.Scope); err != nil {
		return crawl.Job{}, err
	}

	id, err := s.ids.NewID()
	if err != nil {
		return crawl.Job{}, fmt.Errorf("mint job id: %w", err)
	}
	job := crawl.Job{
		ID:        id,
		SiteID:    req.SiteID,
		Scope:     req.Scope,
		Status:    crawl.JobStatusPending,
		Submitted: s.clock.Now(),
	}

	key := activeKey{siteID: req.SiteID, scope: req.Scope}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return crawl.Job{}, ErrSchedulerClosed
	}
	if liveID, busy := s.active[key]; busy {
		s.mu.Unlock()
		return crawl.Job{}, fmt.Errorf("site %s scope %q held by job %s: %w",
			req.SiteID, req.Scope, liveID, ErrDuplicateJob)
	}
	jobCtx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	js := &jobState{id: id, siteID: req.SiteID, scope: req.Scope, cancel: cancel}
	s.active[key] = id
	s.jobs[id] = js
	s.wg.Add(1)
	s.mu.Unlock()

	if err := s.store.CreateJob(ctx, job); err != nil {
		s.release(js)
		cancel()
		s.wg.Done()
		return crawl.Job{}, fmt.Errorf("persist job: %w", err)
	}

	go func() {
		defer s.wg.Done()
		defer cancel()
		s.runJob(jobCtx, js, job, def)
	}()
	return job, nil
}

// Status returns the job as persisted, with two runtime refinements for
// live jobs: fresh counters, and a derived Paused status while the site's
// circuit is open.
func (s *Scheduler) Status(ctx context.Context, jobID string) (crawl.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return crawl.Job{}, err
	}
	s.mu.Lock()
	js, live := s.jobs[jobID]
	s.mu.Unlock()
	if live && !job.Status.IsTerminal() {
		job.Counters = js.snapshot()
		if job.Status == crawl.JobStatusRunning &&
			s.governor.State(job.SiteID) == ratelimit.CircuitOpen {
			job.Status = crawl.JobStatusPaused
		}
	}
	return job, nil
}

// Pages lists the page bookkeeping rows recorded for a job.
func (s *Scheduler) Pages(ctx context.Context, jobID string) ([]crawl.PageRecord, error) {
	return s.store.ListPages(ctx, jobID)
}

// Cancel stops a live job. In-flight fetches finish or abort on context
// cancellation; their results are discarded. Terminal jobs are left alone.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	js, live := s.jobs[jobID]
	s.mu.Unlock()
	if live {
		js.markCancelled()
		return nil
	}
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}
	return fmt.Errorf("job %s is not running here", jobID)
}

// Close stops admission, cancels live jobs, and waits for runners to finish
// or the context to expire.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	states := make([]*jobState, 0, len(s.jobs))
	for _, js := range s.jobs {
		states = append(states, js)
	}
	s.mu.Unlock()

	for _, js := range states {
		js.markCancelled()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler close wait: %w", ctx.Err())
	}
}

func (s *Scheduler) release(js *jobState) {
	s.mu.Lock()
	delete(s.jobs, js.id)
	delete(s.active, activeKey{siteID: js.siteID, scope: js.scope})
	s.mu.Unlock()
}

func (s *Scheduler) siteSlot(siteID string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.siteSlots[siteID]
	if !ok {
		ch = make(chan struct{}, s.cfg.SiteSlots)
		s.siteSlots[siteID] = ch
	}
	return ch
}

func (s *Scheduler) emit(evt events.Event) {
	if s.hub == nil {
		return
	}
	evt.TS = s.clock.Now()
	s.hub.Emit(evt)
}
