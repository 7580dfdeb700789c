package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/khatiwada051/WebCrawler/internal/crawl"
	"github.com/khatiwada051/WebCrawler/internal/events"
	"github.com/khatiwada051/WebCrawler/internal/ratelimit"
	"github.com/khatiwada051/WebCrawler/internal/site"
	"github.com/khatiwada051/WebCrawler/internal/telemetry"
)

// halfOpenPoll is how often non-probe waiters re-check a HalfOpen circuit.
const halfOpenPoll = 100 * time.Millisecond

type taskSpec struct {
	url         string
	kind        crawl.TaskKind
	capability  crawl.Capability
	interaction *crawl.Interaction
}

// executeTask runs one fetch with the full retry policy:
//   - network failures burn an attempt and back off exponentially
//   - rate limit failures trip the circuit and wait it out without
//     consuming an attempt
//   - an auth failure triggers exactly one re-login then one replay
//   - cancellation aborts immediately
func (s *Scheduler) executeTask(ctx context.Context, js *jobState, def site.Definition, spec taskSpec) (crawl.RawPage, error) {
	const op = "scheduler.executeTask"
	siteID := def.SiteID
	authRetried := false

	for attempt := 1; attempt <= s.cfg.RetryMax; attempt++ {
		if ctx.Err() != nil {
			return crawl.RawPage{}, crawl.E(crawl.KindCancel, op, ctx.Err())
		}
		if err := s.gate(ctx, siteID); err != nil {
			return crawl.RawPage{}, err
		}

		page, err := s.fetchWithSlots(ctx, siteID, crawl.FetchRequest{
			URL:         spec.url,
			Capability:  spec.capability,
			UserAgent:   def.UserAgent,
			Interaction: spec.interaction,
		})
		if err == nil {
			s.governor.ReportSuccess(siteID)
			return page, nil
		}

		switch crawl.KindOf(err) {
		case crawl.KindCancel:
			return crawl.RawPage{}, err

		case crawl.KindAuth:
			// The transport worked; only the credentials were rejected.
			// Every rejected fetch counts as one auth incident, recovered
			// or not.
			s.governor.ReportSuccess(siteID)
			js.update(func(c *crawl.JobCounters) { c.AuthFailures++ })
			if authRetried || !def.LoginRequired {
				return crawl.RawPage{}, err
			}
			authRetried = true
			s.auth.Invalidate(siteID)
			if authErr := s.auth.EnsureValid(ctx, def); authErr != nil {
				return crawl.RawPage{}, authErr
			}
			s.emit(events.Event{JobID: js.id, Stage: events.StageAuthRefreshed, Site: siteID})
			// Replay the fetch without consuming the attempt budget.
			attempt--

		case crawl.KindRateLimit:
			s.governor.Trip(siteID)
			s.emit(events.Event{JobID: js.id, Stage: events.StageCircuitTripped, Site: siteID, URL: spec.url})
			s.logger.Warn("circuit tripped",
				zap.String("site", siteID), zap.String("url", spec.url), zap.Error(err))
			if waitErr := s.governor.AwaitNotOpen(ctx, siteID); waitErr != nil {
				return crawl.RawPage{}, waitErr
			}
			// Queued out the cooldown; the attempt was not the task's fault.
			attempt--

		default:
			s.governor.ReportFailure(siteID)
			if attempt >= s.cfg.RetryMax {
				return crawl.RawPage{}, err
			}
			js.update(func(c *crawl.JobCounters) { c.Retries++ })
			telemetry.ObserveTaskRetry(siteID, string(crawl.KindOf(err)))
			s.emit(events.Event{JobID: js.id, Stage: events.StageTaskRetried, Site: siteID, URL: spec.url})
			if sleepErr := s.backoff(ctx, attempt); sleepErr != nil {
				return crawl.RawPage{}, sleepErr
			}
		}
	}
	return crawl.RawPage{}, crawl.Errorf(crawl.KindNetwork, op, "retries exhausted for %s", spec.url)
}

// gate blocks until the site's circuit permits a fetch. While HalfOpen,
// exactly one caller proceeds as the probe; the rest wait for its verdict.
func (s *Scheduler) gate(ctx context.Context, siteID string) error {
	const op = "scheduler.gate"
	for {
		switch s.governor.State(siteID) {
		case ratelimit.CircuitClosed:
			return nil
		case ratelimit.CircuitOpen:
			if err := s.governor.AwaitNotOpen(ctx, siteID); err != nil {
				return err
			}
		case ratelimit.CircuitHalfOpen:
			if s.governor.TryProbe(siteID) {
				return nil
			}
			select {
			case <-ctx.Done():
				return crawl.E(crawl.KindRateLimit, op, ctx.Err())
			case <-time.After(halfOpenPoll):
			}
		}
	}
}

// fetchWithSlots holds a global and a per-site slot for the duration of one
// fetch so concurrency stays bounded on both axes.
func (s *Scheduler) fetchWithSlots(ctx context.Context, siteID string, req crawl.FetchRequest) (crawl.RawPage, error) {
	const op = "scheduler.fetchWithSlots"
	select {
	case s.globalSlots <- struct{}{}:
	case <-ctx.Done():
		return crawl.RawPage{}, crawl.E(crawl.KindCancel, op, ctx.Err())
	}
	defer func() { <-s.globalSlots }()

	slot := s.siteSlot(siteID)
	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return crawl.RawPage{}, crawl.E(crawl.KindCancel, op, ctx.Err())
	}
	defer func() { <-slot }()

	telemetry.IncActiveWorkers()
	defer telemetry.DecActiveWorkers()
	return s.fetcher.Fetch(ctx, siteID, req)
}

func (s *Scheduler) backoff(ctx context.Context, attempt int) error {
	delay := s.cfg.RetryBase << (attempt - 1)
	if delay > s.cfg.RetryMaxBackoff {
		delay = s.cfg.RetryMaxBackoff
	}
	select {
	case <-ctx.Done():
		return crawl.E(crawl.KindCancel, "scheduler.backoff", ctx.Err())
	case <-time.After(delay):
		return nil
	}
}
