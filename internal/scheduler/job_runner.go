package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/khatiwada051/WebCrawler/internal/crawl"
	"github.com/khatiwada051/WebCrawler/internal/events"
	"github.com/khatiwada051/WebCrawler/internal/handoff"
	"github.com/khatiwada051/WebCrawler/internal/hash/sha256"
	"github.com/khatiwada051/WebCrawler/internal/paginate"
	"github.com/khatiwada051/WebCrawler/internal/site"
	"github.com/khatiwada051/WebCrawler/internal/telemetry"
)

// runJob executes one admitted job to a terminal status. Listings paginate
// sequentially; detail pages drain through a bounded worker pool so a long
// pagination walk never starves detail fetches.
func (s *Scheduler) runJob(ctx context.Context, js *jobState, job crawl.Job, def site.Definition) {
	start := s.clock.Now()
	job.Status = crawl.JobStatusRunning
	job.Started = &start
	if err := s.store.UpdateJob(context.Background(), job); err != nil {
		s.logger.Error("persist job start failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	s.emit(events.Event{JobID: job.ID, Stage: events.StageJobStarted, Site: def.SiteID})
	s.logger.Info("job started",
		zap.String("job_id", job.ID),
		zap.String("site", def.SiteID),
		zap.String("scope", job.Scope),
	)

	fatal := s.crawlSite(ctx, js, def, job)

	s.finalize(js, job, def, fatal, start)
}

func (s *Scheduler) crawlSite(ctx context.Context, js *jobState, def site.Definition, job crawl.Job) error {
	if def.LoginRequired {
		if err := s.auth.EnsureValid(ctx, def); err != nil {
			js.update(func(c *crawl.JobCounters) { c.AuthFailures++ })
			return err
		}
		s.emit(events.Event{JobID: job.ID, Stage: events.StageAuthRefreshed, Site: def.SiteID})
	}

	listings, err := def.ListingsForScope(job.Scope)
	if err != nil {
		return err
	}

	detailCh := make(chan string)
	var (
		workerWG sync.WaitGroup
		fatalMu  sync.Mutex
		fatalErr error
	)
	setFatal := func(err error) {
		fatalMu.Lock()
		if fatalErr == nil {
			fatalErr = err
		}
		fatalMu.Unlock()
	}

	for i := 0; i < s.cfg.DetailWorkers; i++ {
		workerWG.Add(1)
		go func() {
			defer workerWG.Done()
			for url := range detailCh {
				if ctx.Err() != nil {
					continue
				}
				if err := s.processDetail(ctx, js, def, job, url); err != nil {
					if isJobFatal(err) {
						setFatal(err)
						continue
					}
					js.update(func(c *crawl.JobCounters) { c.TasksFailed++ })
					s.emit(events.Event{
						JobID: job.ID, Stage: events.StageTaskFailed,
						Site: def.SiteID, URL: url, Note: err.Error(),
					})
				}
			}
		}()
	}

	for _, listing := range listings {
		fatalMu.Lock()
		aborted := fatalErr != nil
		fatalMu.Unlock()
		if aborted || ctx.Err() != nil {
			break
		}
		if err := s.walkListing(ctx, js, def, job, listing, detailCh); err != nil {
			if isJobFatal(err) {
				setFatal(err)
				break
			}
			js.update(func(c *crawl.JobCounters) { c.TasksFailed++ })
			s.logger.Warn("listing aborted",
				zap.String("job_id", job.ID),
				zap.String("listing", listing.Name),
				zap.Error(err),
			)
		}
	}
	close(detailCh)
	workerWG.Wait()

	fatalMu.Lock()
	defer fatalMu.Unlock()
	if fatalErr != nil {
		return fatalErr
	}
	return ctx.Err()
}

// walkListing paginates one listing, feeding discovered detail URLs to the
// worker pool as soon as each page is consumed.
func (s *Scheduler) walkListing(
	ctx context.Context,
	js *jobState,
	def site.Definition,
	job crawl.Job,
	listing site.Listing,
	detailCh chan<- string,
) error {
	walker := paginate.NewWalker(def, listing)
	url, err := walker.FirstURL()
	if err != nil {
		return err
	}

	for pageNum := 1; ; pageNum++ {
		if ctx.Err() != nil {
			return crawl.E(crawl.KindCancel, "scheduler.walkListing", ctx.Err())
		}
		page, err := s.executeTask(ctx, js, def, taskSpec{
			url:         url,
			kind:        crawl.TaskListing,
			capability:  listing.Capability,
			interaction: listingInteraction(listing),
		})
		if err != nil {
			return err
		}
		js.update(func(c *crawl.JobCounters) { c.ListingPages++ })
		s.recordPage(js, crawl.PageRecord{
			JobID:      job.ID,
			URL:        page.URL,
			Kind:       crawl.TaskListing,
			StatusCode: page.StatusCode,
			Capability: page.Capability,
			FetchedAt:  page.FetchedAt,
			Duration:   page.Duration,
		}, page.Body)
		s.emit(events.Event{
			JobID: job.ID, Stage: events.StagePageFetched, Site: def.SiteID,
			URL: page.URL, StatusClass: telemetry.ClassifyStatus(page.StatusCode), Dur: page.Duration,
		})

		step, err := walker.Next(pageNum, page)
		if err != nil {
			return err
		}
		for _, detailURL := range step.DetailURLs {
			select {
			case detailCh <- detailURL:
			case <-ctx.Done():
				return crawl.E(crawl.KindCancel, "scheduler.walkListing", ctx.Err())
			}
		}
		if step.Done {
			s.logger.Debug("listing finished",
				zap.String("job_id", job.ID),
				zap.String("listing", listing.Name),
				zap.Int("pages", pageNum),
				zap.String("reason", step.DoneReason),
			)
			return nil
		}
		url = step.NextURL
	}
}

// processDetail fetches one detail page and hands it to the extraction
// pipeline. Extraction problems mark the job partial, never failed.
func (s *Scheduler) processDetail(ctx context.Context, js *jobState, def site.Definition, job crawl.Job, url string) error {
	page, err := s.executeTask(ctx, js, def, taskSpec{
		url:        url,
		kind:       crawl.TaskDetail,
		capability: def.Detail.Capability,
	})
	if err != nil {
		return err
	}
	js.update(func(c *crawl.JobCounters) { c.DetailPages++ })
	s.emit(events.Event{
		JobID: job.ID, Stage: events.StagePageFetched, Site: def.SiteID,
		URL: page.URL, StatusClass: telemetry.ClassifyStatus(page.StatusCode), Dur: page.Duration,
	})

	record := crawl.PageRecord{
		JobID:      job.ID,
		URL:        page.URL,
		Kind:       crawl.TaskDetail,
		StatusCode: page.StatusCode,
		Capability: page.Capability,
		FetchedAt:  page.FetchedAt,
		Duration:   page.Duration,
	}

	result, err := s.pipeline.Process(ctx, handoff.Handoff{
		JobID:      job.ID,
		Definition: def,
		Kind:       crawl.TaskDetail,
		Page:       page,
	})
	if err != nil {
		js.update(func(c *crawl.JobCounters) { c.ExtractionMismatches++ })
		s.logger.Warn("extraction handoff failed",
			zap.String("job_id", job.ID), zap.String("url", url), zap.Error(err))
	} else {
		record.BlobURI = result.BlobURI
		js.update(func(c *crawl.JobCounters) {
			c.ItemsExtracted += result.Items
			c.ExtractionMismatches += result.Mismatches
		})
	}

	s.recordPage(js, record, page.Body)
	return nil
}

func (s *Scheduler) recordPage(js *jobState, record crawl.PageRecord, body []byte) {
	if record.ContentHash == "" && len(body) > 0 {
		if digest, err := hashBody(body); err == nil {
			record.ContentHash = digest
		}
	}
	// Bookkeeping writes use a detached context so a cancelled job still
	// records the pages it already fetched.
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.RecordPage(writeCtx, record); err != nil {
		s.logger.Warn("record page failed",
			zap.String("job_id", js.id), zap.String("url", record.URL), zap.Error(err))
	}
}

func (s *Scheduler) finalize(js *jobState, job crawl.Job, def site.Definition, fatal error, start time.Time) {
	finished := s.clock.Now()
	job.Counters = js.snapshot()
	job.Started = &start
	job.Finished = &finished

	switch {
	case js.wasCancelled():
		job.Status = crawl.JobStatusCancelled
		job.Reason = "cancelled by request"
	case fatal != nil:
		job.Status = crawl.JobStatusFailed
		job.Reason = failureReason(fatal)
	default:
		job.Status = crawl.JobStatusCompleted
		if job.Partial() {
			job.Reason = "completed with partial results"
		}
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.UpdateJob(writeCtx, job); err != nil {
		s.logger.Error("persist terminal job failed", zap.String("job_id", job.ID), zap.Error(err))
	}

	telemetry.ObserveJob(string(job.Status))
	s.emit(events.Event{
		JobID: job.ID, Stage: events.StageJobFinished, Site: def.SiteID,
		Dur: finished.Sub(start), Note: job.Reason,
	})
	s.logger.Info("job finished",
		zap.String("job_id", job.ID),
		zap.String("site", def.SiteID),
		zap.String("status", string(job.Status)),
		zap.String("reason", job.Reason),
		zap.Int("listing_pages", job.Counters.ListingPages),
		zap.Int("detail_pages", job.Counters.DetailPages),
		zap.Int("tasks_failed", job.Counters.TasksFailed),
	)
	s.release(js)
}

func hashBody(body []byte) (string, error) {
	return sha256.New().Hash(body)
}

func listingInteraction(l site.Listing) *crawl.Interaction {
	if l.Strategy != site.PaginationTrigger {
		return nil
	}
	return &crawl.Interaction{
		ClickSelector: l.TriggerSelector,
		MaxClicks:     l.MaxPages,
		WaitAfter:     time.Second,
	}
}

func isJobFatal(err error) bool {
	switch crawl.KindOf(err) {
	case crawl.KindCancel, crawl.KindAuth, crawl.KindRateLimit, crawl.KindConfig:
		return true
	default:
		return false
	}
}

func failureReason(err error) string {
	switch crawl.KindOf(err) {
	case crawl.KindAuth:
		return "authentication failed: " + err.Error()
	case crawl.KindRateLimit:
		return "rate limited: " + err.Error()
	case crawl.KindCancel:
		return "deadline exceeded"
	default:
		return err.Error()
	}
}
