package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/khatiwada051/WebCrawler/internal/clock/system"
	"github.com/khatiwada051/WebCrawler/internal/crawl"
	"github.com/khatiwada051/WebCrawler/internal/handoff"
	"github.com/khatiwada051/WebCrawler/internal/id/uuid"
	"github.com/khatiwada051/WebCrawler/internal/ratelimit"
	"github.com/khatiwada051/WebCrawler/internal/site"
	"github.com/khatiwada051/WebCrawler/internal/storage/memory"
)

type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]crawl.RawPage
	errs  map[string][]error
	calls map[string]int
	delay time.Duration
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		pages: make(map[string]crawl.RawPage),
		errs:  make(map[string][]error),
		calls: make(map[string]int),
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, _ string, req crawl.FetchRequest) (crawl.RawPage, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return crawl.RawPage{}, crawl.E(crawl.KindCancel, "fake", ctx.Err())
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[req.URL]++
	if queue := f.errs[req.URL]; len(queue) > 0 {
		err := queue[0]
		f.errs[req.URL] = queue[1:]
		return crawl.RawPage{}, err
	}
	page, ok := f.pages[req.URL]
	if !ok {
		return crawl.RawPage{}, crawl.Errorf(crawl.KindNetwork, "fake", "no page for %s", req.URL)
	}
	page.FetchedAt = time.Now()
	return page, nil
}

func (f *fakeFetcher) failWith(url string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[url] = append(f.errs[url], errs...)
}

func (f *fakeFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeFetcher) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

type fakeAuth struct {
	mu          sync.Mutex
	ensureErr   error
	ensureCalls int
	invalidated []string
}

func (a *fakeAuth) EnsureValid(context.Context, site.Definition) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ensureCalls++
	return a.ensureErr
}

func (a *fakeAuth) Invalidate(siteID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.invalidated = append(a.invalidated, siteID)
}

type capturePipeline struct {
	mu       sync.Mutex
	handoffs []handoff.Handoff
	errFor   map[string]error
}

func (p *capturePipeline) Process(_ context.Context, h handoff.Handoff) (handoff.ExtractionResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handoffs = append(p.handoffs, h)
	if p.errFor != nil {
		if err := p.errFor[h.Page.URL]; err != nil {
			return handoff.ExtractionResult{Status: handoff.StatusFailure}, err
		}
	}
	return handoff.ExtractionResult{Status: handoff.StatusSuccess, Items: 1}, nil
}

func (p *capturePipeline) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handoffs)
}

func listingPage(hrefs ...string) crawl.RawPage {
	html := "<html><body>"
	for _, h := range hrefs {
		html += fmt.Sprintf(`<a class="product" href=%q>item</a>`, h)
	}
	html += "</body></html>"
	return crawl.RawPage{StatusCode: 200, Body: []byte(html), Capability: crawl.CapabilitySimple}
}

func detailPage() crawl.RawPage {
	return crawl.RawPage{StatusCode: 200, Body: []byte("<html>product detail</html>"), Capability: crawl.CapabilitySimple}
}

func shopDefinition(loginRequired bool) site.Definition {
	def := site.Definition{
		SiteID:        "shop",
		BaseURL:       "https://shop.example",
		LoginRequired: loginRequired,
		Auth: site.AuthFlow{
			LoginURL: "/login", Capability: crawl.CapabilitySimple,
			UsernameField: "user", PasswordField: "pass",
		},
		Listings: []site.Listing{{
			Name:               "laptops",
			URLPattern:         "/laptops?page={page}",
			StartPage:          1,
			Strategy:           site.PaginationNumbered,
			MaxPages:           3,
			DetailLinkSelector: "a.product",
			Capability:         crawl.CapabilitySimple,
		}},
		Detail: site.DetailPage{Capability: crawl.CapabilitySimple},
	}
	return def
}

// seedShop loads three listing pages with ten detail links total.
func seedShop(f *fakeFetcher) []string {
	var details []string
	pageLinks := [][]string{
		{"/p/1", "/p/2", "/p/3", "/p/4"},
		{"/p/5", "/p/6", "/p/7"},
		{"/p/8", "/p/9", "/p/10"},
	}
	for i, links := range pageLinks {
		url := fmt.Sprintf("https://shop.example/laptops?page=%d", i+1)
		f.pages[url] = listingPage(links...)
		for _, l := range links {
			detailURL := "https://shop.example" + l
			f.pages[detailURL] = detailPage()
			details = append(details, detailURL)
		}
	}
	return details
}

type harness struct {
	sched    *Scheduler
	fetcher  *fakeFetcher
	auth     *fakeAuth
	pipeline *capturePipeline
	store    *memory.JobStore
	governor *ratelimit.Governor
}

func newHarness(t *testing.T, def site.Definition, cfg Config, govCfg ratelimit.Config) *harness {
	t.Helper()
	if govCfg.RPS == 0 {
		govCfg = ratelimit.Config{RPS: 10_000, Burst: 10_000, FailureThreshold: 1000, Poll: 20 * time.Millisecond}
	}
	h := &harness{
		fetcher:  newFakeFetcher(),
		auth:     &fakeAuth{},
		pipeline: &capturePipeline{},
		store:    memory.NewJobStore(),
		governor: ratelimit.New(govCfg, system.Clock{}),
	}
	h.sched = New(cfg,
		site.NewStaticLoader(def),
		h.fetcher, h.auth, h.governor, h.pipeline,
		h.store, uuid.New(), system.Clock{}, nil, zap.NewNop(),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.sched.Close(ctx)
	})
	return h
}

func (h *harness) awaitTerminal(t *testing.T, jobID string) crawl.Job {
	t.Helper()
	var job crawl.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = h.store.GetJob(context.Background(), jobID)
		return err == nil && job.Status.IsTerminal()
	}, 10*time.Second, 10*time.Millisecond)
	return job
}

func TestJobCompletesAcrossPaginationAndDetails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, shopDefinition(false), Config{RetryBase: time.Millisecond}, ratelimit.Config{})
	seedShop(h.fetcher)

	job, err := h.sched.Submit(context.Background(), crawl.JobRequest{SiteID: "shop"})
	require.NoError(t, err)

	final := h.awaitTerminal(t, job.ID)
	require.Equal(t, crawl.JobStatusCompleted, final.Status)
	require.Equal(t, 3, final.Counters.ListingPages)
	require.Equal(t, 10, final.Counters.DetailPages)
	require.Equal(t, 10, final.Counters.ItemsExtracted)
	require.Zero(t, final.Counters.TasksFailed)
	require.False(t, final.Partial())
	require.Equal(t, 10, h.pipeline.count())

	pages, err := h.sched.Pages(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, pages, 13)
}

func TestAuthExpiryTriggersOneReloginAndReplay(t *testing.T) {
	t.Parallel()

	h := newHarness(t, shopDefinition(true), Config{RetryBase: time.Millisecond}, ratelimit.Config{})
	details := seedShop(h.fetcher)
	h.fetcher.failWith(details[0], crawl.Errorf(crawl.KindAuth, "fake", "status 401"))

	job, err := h.sched.Submit(context.Background(), crawl.JobRequest{SiteID: "shop"})
	require.NoError(t, err)

	final := h.awaitTerminal(t, job.ID)
	require.Equal(t, crawl.JobStatusCompleted, final.Status)
	require.Equal(t, 10, final.Counters.DetailPages)
	require.Zero(t, final.Counters.TasksFailed)
	require.Equal(t, 1, final.Counters.AuthFailures)
	require.Equal(t, 2, h.fetcher.callCount(details[0]))
	require.Contains(t, h.auth.invalidated, "shop")
}

func TestPersistentThrottlingFailsJobWithOpenCircuit(t *testing.T) {
	t.Parallel()

	govCfg := ratelimit.Config{
		RPS: 10_000, Burst: 10_000,
		FailureThreshold: 1000,
		Cooldown:         10 * time.Second,
		Poll:             20 * time.Millisecond,
	}
	h := newHarness(t, shopDefinition(false), Config{
		RetryBase:  time.Millisecond,
		JobTimeout: 400 * time.Millisecond,
	}, govCfg)
	seedShop(h.fetcher)
	h.fetcher.failWith("https://shop.example/laptops?page=1",
		crawl.Errorf(crawl.KindRateLimit, "fake", "status 429"),
		crawl.Errorf(crawl.KindRateLimit, "fake", "status 429"),
		crawl.Errorf(crawl.KindRateLimit, "fake", "status 429"),
	)

	job, err := h.sched.Submit(context.Background(), crawl.JobRequest{SiteID: "shop"})
	require.NoError(t, err)

	// While the circuit is open the live job reads as paused.
	require.Eventually(t, func() bool {
		st, err := h.sched.Status(context.Background(), job.ID)
		return err == nil && st.Status == crawl.JobStatusPaused
	}, 5*time.Second, 5*time.Millisecond)

	final := h.awaitTerminal(t, job.ID)
	require.Equal(t, crawl.JobStatusFailed, final.Status)
	require.Contains(t, final.Reason, "rate limited")
	require.NotEqual(t, ratelimit.CircuitClosed, h.governor.State("shop"))
}

func TestMissingCredentialsFailsBeforeFetching(t *testing.T) {
	t.Parallel()

	h := newHarness(t, shopDefinition(true), Config{}, ratelimit.Config{})
	seedShop(h.fetcher)
	h.auth.ensureErr = crawl.Errorf(crawl.KindAuth, "fake", "credential not found")

	job, err := h.sched.Submit(context.Background(), crawl.JobRequest{SiteID: "shop"})
	require.NoError(t, err)

	final := h.awaitTerminal(t, job.ID)
	require.Equal(t, crawl.JobStatusFailed, final.Status)
	require.Contains(t, final.Reason, "authentication")
	require.Equal(t, 1, final.Counters.AuthFailures)
	require.Zero(t, h.fetcher.totalCalls())
}

func TestCancelStopsAdmissionOfNewTasks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, shopDefinition(false), Config{RetryBase: time.Millisecond}, ratelimit.Config{})
	seedShop(h.fetcher)
	h.fetcher.delay = 30 * time.Millisecond

	job, err := h.sched.Submit(context.Background(), crawl.JobRequest{SiteID: "shop"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.fetcher.totalCalls() > 0 },
		5*time.Second, 5*time.Millisecond)
	require.NoError(t, h.sched.Cancel(context.Background(), job.ID))

	final := h.awaitTerminal(t, job.ID)
	require.Equal(t, crawl.JobStatusCancelled, final.Status)
	require.Less(t, h.fetcher.totalCalls(), 13)
}

func TestDuplicateSiteScopeRejectedWhileLive(t *testing.T) {
	t.Parallel()

	h := newHarness(t, shopDefinition(false), Config{RetryBase: time.Millisecond}, ratelimit.Config{})
	seedShop(h.fetcher)
	h.fetcher.delay = 20 * time.Millisecond

	first, err := h.sched.Submit(context.Background(), crawl.JobRequest{SiteID: "shop"})
	require.NoError(t, err)

	_, err = h.sched.Submit(context.Background(), crawl.JobRequest{SiteID: "shop"})
	require.True(t, errors.Is(err, ErrDuplicateJob))

	final := h.awaitTerminal(t, first.ID)
	require.True(t, final.Status.IsTerminal())

	// Terminal frees the slot.
	_, err = h.sched.Submit(context.Background(), crawl.JobRequest{SiteID: "shop"})
	require.NoError(t, err)
}

func TestNetworkFailuresExhaustRetriesAndMarkPartial(t *testing.T) {
	t.Parallel()

	h := newHarness(t, shopDefinition(false), Config{RetryBase: time.Millisecond, RetryMax: 3}, ratelimit.Config{})
	details := seedShop(h.fetcher)
	bad := details[4]
	h.fetcher.failWith(bad,
		crawl.Errorf(crawl.KindNetwork, "fake", "status 502"),
		crawl.Errorf(crawl.KindNetwork, "fake", "status 502"),
		crawl.Errorf(crawl.KindNetwork, "fake", "status 502"),
	)

	job, err := h.sched.Submit(context.Background(), crawl.JobRequest{SiteID: "shop"})
	require.NoError(t, err)

	final := h.awaitTerminal(t, job.ID)
	require.Equal(t, crawl.JobStatusCompleted, final.Status)
	require.True(t, final.Partial())
	require.Equal(t, 1, final.Counters.TasksFailed)
	require.Equal(t, 2, final.Counters.Retries)
	require.Equal(t, 9, final.Counters.DetailPages)
	require.Equal(t, 3, h.fetcher.callCount(bad))
}

func TestExtractionMismatchMarksPartialNotFailed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, shopDefinition(false), Config{RetryBase: time.Millisecond}, ratelimit.Config{})
	details := seedShop(h.fetcher)
	h.pipeline.errFor = map[string]error{
		details[2]: crawl.Errorf(crawl.KindExtraction, "fake", "selector matched nothing"),
	}

	job, err := h.sched.Submit(context.Background(), crawl.JobRequest{SiteID: "shop"})
	require.NoError(t, err)

	final := h.awaitTerminal(t, job.ID)
	require.Equal(t, crawl.JobStatusCompleted, final.Status)
	require.True(t, final.Partial())
	require.Equal(t, 1, final.Counters.ExtractionMismatches)
	require.Equal(t, 10, final.Counters.DetailPages)
}

func TestSubmitRejectsUnknownSiteAndScope(t *testing.T) {
	t.Parallel()

	h := newHarness(t, shopDefinition(false), Config{}, ratelimit.Config{})

	_, err := h.sched.Submit(context.Background(), crawl.JobRequest{SiteID: "nope"})
	require.Error(t, err)
	require.Equal(t, crawl.KindConfig, crawl.KindOf(err))

	_, err = h.sched.Submit(context.Background(), crawl.JobRequest{SiteID: "shop", Scope: "desks"})
	require.Error(t, err)
	require.Equal(t, crawl.KindConfig, crawl.KindOf(err))
}
