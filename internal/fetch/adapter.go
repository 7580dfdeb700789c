// Package fetch exposes both page retrieval capabilities behind one
// adapter so the rest of the engine stays capability-agnostic.
package fetch

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/khatiwada051/WebCrawler/internal/crawl"
	"github.com/khatiwada051/WebCrawler/internal/ratelimit"
	"github.com/khatiwada051/WebCrawler/internal/session"
	"github.com/khatiwada051/WebCrawler/internal/telemetry"
)

// Adapter routes fetch requests to the simple or rendered fetcher, attaches
// session cookies, paces requests through the rate governor, and classifies
// responses into the engine's failure taxonomy.
type Adapter struct {
	simple   crawl.Fetcher
	rendered crawl.Fetcher
	sessions *session.Store
	governor *ratelimit.Governor
	detector *ChallengeDetector
	logger   *zap.Logger
}

// NewAdapter builds an Adapter. The rendered fetcher may be nil when the
// deployment runs without a browser; requests declaring the rendered
// capability then fail with a config error.
func NewAdapter(
	simple crawl.Fetcher,
	rendered crawl.Fetcher,
	sessions *session.Store,
	governor *ratelimit.Governor,
	detector *ChallengeDetector,
	logger *zap.Logger,
) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if detector == nil {
		detector = NewChallengeDetector(nil)
	}
	return &Adapter{
		simple:   simple,
		rendered: rendered,
		sessions: sessions,
		governor: governor,
		detector: detector,
		logger:   logger,
	}
}

// Fetch retrieves one page for a site. Session cookies are attached for
// Valid sessions only, and Set-Cookie values from successful responses are
// merged back through the session store's single write path.
func (a *Adapter) Fetch(ctx context.Context, siteID string, req crawl.FetchRequest) (crawl.RawPage, error) {
	const op = "fetch.Adapter"

	if err := a.governor.Wait(ctx, siteID); err != nil {
		if ctx.Err() != nil {
			return crawl.RawPage{}, crawl.E(crawl.KindCancel, op, ctx.Err())
		}
		return crawl.RawPage{}, crawl.E(crawl.KindNetwork, op, err)
	}

	snap := a.sessions.Get(siteID)
	if snap.State == session.StateValid {
		req.Cookies = append(append([]*http.Cookie(nil), snap.Cookies...), req.Cookies...)
		req.Headers = mergeHeaders(snap.Headers, req.Headers)
	}

	fetcher, err := a.pick(req.Capability)
	if err != nil {
		return crawl.RawPage{}, err
	}

	page, err := fetcher.Fetch(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return crawl.RawPage{}, crawl.E(crawl.KindCancel, op, ctx.Err())
		}
		return crawl.RawPage{}, crawl.E(crawl.KindNetwork, op, err)
	}

	telemetry.ObservePage(page.URL, page.StatusCode, len(page.Body), string(page.Capability), page.Duration)

	if err := a.classify(siteID, page); err != nil {
		return crawl.RawPage{}, err
	}

	a.sessions.MergeCookies(siteID, page.Cookies)
	return page, nil
}

func (a *Adapter) pick(capability crawl.Capability) (crawl.Fetcher, error) {
	switch capability {
	case crawl.CapabilityRendered:
		if a.rendered == nil {
			return nil, crawl.Errorf(crawl.KindConfig, "fetch.Adapter", "rendered capability is not available")
		}
		return a.rendered, nil
	case crawl.CapabilitySimple, "":
		return a.simple, nil
	default:
		return nil, crawl.Errorf(crawl.KindConfig, "fetch.Adapter", "unknown capability %q", capability)
	}
}

// classify maps a response to the failure taxonomy. Challenge pages are
// treated as rate limiting regardless of status: the site is pushing back
// and the circuit must open, not the task fail.
func (a *Adapter) classify(siteID string, page crawl.RawPage) error {
	const op = "fetch.Adapter"
	if a.detector.Detect(page) {
		a.logger.Warn("challenge page detected",
			zap.String("site", siteID),
			zap.String("url", page.URL),
			zap.Int("status", page.StatusCode),
		)
		return crawl.Errorf(crawl.KindRateLimit, op, "challenge detected at %s", page.URL)
	}
	switch {
	case page.StatusCode == http.StatusTooManyRequests:
		return crawl.Errorf(crawl.KindRateLimit, op, "status 429 from %s", page.URL)
	case page.StatusCode == http.StatusUnauthorized || page.StatusCode == http.StatusForbidden:
		return crawl.Errorf(crawl.KindAuth, op, "status %d from %s", page.StatusCode, page.URL)
	case page.StatusCode >= 500:
		return crawl.E(crawl.KindNetwork, op, fmt.Errorf("status %d from %s", page.StatusCode, page.URL))
	case page.StatusCode >= 400:
		return crawl.E(crawl.KindNetwork, op, fmt.Errorf("status %d from %s", page.StatusCode, page.URL))
	}
	return nil
}

func mergeHeaders(base, override http.Header) http.Header {
	if len(base) == 0 {
		return override
	}
	out := base.Clone()
	for k, values := range override {
		out.Del(k)
		for _, v := range values {
			out.Add(k, v)
		}
	}
	return out
}
