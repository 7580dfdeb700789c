package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"

	"github.com/khatiwada051/WebCrawler/internal/crawl"
)

// ChromedpConfig controls the rendered-capability fetcher.
type ChromedpConfig struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
}

// ChromedpFetcher implements the rendered capability with headless Chrome.
// It executes JavaScript, drives login and load-more interactions, and
// returns the rendered DOM.
type ChromedpFetcher struct {
	cfg         ChromedpConfig
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedpFetcher creates a rendered fetcher backed by chromedp.
func NewChromedpFetcher(cfg ChromedpConfig) (*ChromedpFetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &ChromedpFetcher{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context.
func (f *ChromedpFetcher) Close() {
	f.allocCancel()
}

// Fetch navigates with a headless browser, runs any declared interaction,
// and returns the rendered page.
func (f *ChromedpFetcher) Fetch(ctx context.Context, request crawl.FetchRequest) (crawl.RawPage, error) {
	if err := f.acquire(ctx); err != nil {
		return crawl.RawPage{}, err
	}
	defer f.release()

	taskCtx, taskCancel := chromedp.NewContext(f.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, f.cfg.NavigationTimeout)
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	outcome, err := f.runBrowser(taskCtx, request)
	if err != nil {
		return crawl.RawPage{}, err
	}

	status, headers, responseURL := meta.snapshotWithFallbacks(request.URL, outcome.finalURL)
	if headers == nil {
		headers = http.Header{}
	}

	return crawl.RawPage{
		URL:              responseURL,
		StatusCode:       status,
		Headers:          headers,
		Cookies:          outcome.cookies,
		Body:             []byte(outcome.html),
		FetchedAt:        start,
		Duration:         time.Since(start),
		Capability:       crawl.CapabilityRendered,
		TriggerExhausted: outcome.triggerExhausted,
	}, nil
}

type browserOutcome struct {
	html             string
	finalURL         string
	cookies          []*http.Cookie
	triggerExhausted bool
}

func (f *ChromedpFetcher) runBrowser(ctx context.Context, request crawl.FetchRequest) (browserOutcome, error) {
	var out browserOutcome
	actions := []chromedp.Action{
		f.networkSetupAction(request),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
	}
	if request.Interaction != nil {
		actions = append(actions, f.interactionAction(*request.Interaction, &out.triggerExhausted))
	}
	actions = append(actions,
		chromedp.Location(&out.finalURL),
		chromedp.OuterHTML("html", &out.html, chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			cookies, err := storage.GetCookies().Do(ctx)
			if err != nil {
				return fmt.Errorf("read browser cookies: %w", err)
			}
			out.cookies = fromNetworkCookies(cookies)
			return nil
		}),
	)
	if err := chromedp.Run(ctx, actions...); err != nil {
		return browserOutcome{}, fmt.Errorf("chromedp run: %w", err)
	}
	return out, nil
}

func (f *ChromedpFetcher) networkSetupAction(request crawl.FetchRequest) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		ua := request.UserAgent
		if ua == "" {
			ua = f.cfg.UserAgent
		}
		if ua != "" {
			if err := emulation.SetUserAgentOverride(ua).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(request.Headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(request.Headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return f.installCookies(ctx, request)
	})
}

func (f *ChromedpFetcher) installCookies(ctx context.Context, request crawl.FetchRequest) error {
	if len(request.Cookies) == 0 {
		return nil
	}
	host := ""
	if u, err := url.Parse(request.URL); err == nil {
		host = u.Hostname()
	}
	for _, c := range request.Cookies {
		domain := c.Domain
		if domain == "" {
			domain = host
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		param := network.SetCookie(c.Name, c.Value).
			WithDomain(domain).
			WithPath(path).
			WithHTTPOnly(c.HttpOnly).
			WithSecure(c.Secure)
		if !c.Expires.IsZero() {
			expires := cdp.TimeSinceEpoch(c.Expires)
			param = param.WithExpires(&expires)
		}
		if err := param.Do(ctx); err != nil {
			return fmt.Errorf("set cookie %s: %w", c.Name, err)
		}
	}
	return nil
}

// interactionAction fills declared fields, then clicks the declared
// selector up to MaxClicks times. The loop stops early when the trigger
// disappears or becomes disabled, which is reported as exhaustion.
func (f *ChromedpFetcher) interactionAction(in crawl.Interaction, exhausted *bool) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		for selector, value := range in.Fill {
			if err := chromedp.SendKeys(selector, value, chromedp.ByQuery).Do(ctx); err != nil {
				return fmt.Errorf("fill %s: %w", selector, err)
			}
		}
		if in.ClickSelector == "" {
			return nil
		}
		wait := in.WaitAfter
		if wait <= 0 {
			wait = time.Second
		}
		clicks := in.MaxClicks
		if clicks <= 0 {
			clicks = 1
		}
		for i := 0; i < clicks; i++ {
			available, err := triggerAvailable(ctx, in.ClickSelector)
			if err != nil {
				return err
			}
			if !available {
				*exhausted = true
				return nil
			}
			if err := chromedp.Click(in.ClickSelector, chromedp.ByQuery).Do(ctx); err != nil {
				return fmt.Errorf("click %s: %w", in.ClickSelector, err)
			}
			if err := chromedp.Sleep(wait).Do(ctx); err != nil {
				return err
			}
		}
		available, err := triggerAvailable(ctx, in.ClickSelector)
		if err != nil {
			return err
		}
		*exhausted = !available
		return nil
	})
}

func triggerAvailable(ctx context.Context, selector string) (bool, error) {
	expr := fmt.Sprintf(
		`(() => { const el = document.querySelector(%q); return !!el && !el.disabled && el.offsetParent !== null; })()`,
		selector,
	)
	var available bool
	if err := chromedp.Evaluate(expr, &available).Do(ctx); err != nil {
		return false, fmt.Errorf("probe trigger %s: %w", selector, err)
	}
	return available, nil
}

func (f *ChromedpFetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (f *ChromedpFetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.RLock()
	status, headers, url := m.status, cloneHeader(m.headers), m.url
	m.mu.RUnlock()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

func cloneHeader(src http.Header) http.Header {
	if src == nil {
		return nil
	}
	dst := make(http.Header, len(src))
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
	return dst
}

func fromNetworkCookies(src []*network.Cookie) []*http.Cookie {
	if len(src) == 0 {
		return nil
	}
	out := make([]*http.Cookie, 0, len(src))
	for _, c := range src {
		cookie := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		}
		if c.Expires > 0 {
			cookie.Expires = time.Unix(int64(c.Expires), 0).UTC()
		}
		out = append(out, cookie)
	}
	return out
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
