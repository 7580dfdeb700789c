package fetch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/khatiwada051/WebCrawler/internal/crawl"
)

// CollyConfig controls the simple-capability collector.
type CollyConfig struct {
	UserAgent string
	Timeout   time.Duration
}

// CollyFetcher implements the simple capability with a Colly collector:
// plain HTTP, no JavaScript execution.
type CollyFetcher struct {
	cfg           CollyConfig
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

// NewCollyFetcher builds a CollyFetcher with a pooled transport shared by
// every cloned collector.
func NewCollyFetcher(cfg CollyConfig) *CollyFetcher {
	c := colly.NewCollector(colly.Async(false))
	transport := newHTTPTransport()
	c.WithTransport(transport)
	return &CollyFetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
	}
}

// Fetch executes one HTTP request. Responses with error statuses are still
// returned as pages; the caller classifies them. Only transport failures
// produce an error.
func (f *CollyFetcher) Fetch(ctx context.Context, request crawl.FetchRequest) (crawl.RawPage, error) {
	var (
		result   crawl.RawPage
		fetchErr error
	)
	start := time.Now()
	collector, err := f.buildCollector(request, start, &result, &fetchErr)
	if err != nil {
		return crawl.RawPage{}, err
	}
	if err := f.runCollector(ctx, collector, request, &fetchErr); err != nil {
		return crawl.RawPage{}, err
	}
	return result, nil
}

func (f *CollyFetcher) buildCollector(
	request crawl.FetchRequest,
	start time.Time,
	result *crawl.RawPage,
	fetchErr *error,
) (*colly.Collector, error) {
	collector := f.baseCollector.Clone()
	collector.IgnoreRobotsTxt = true
	// Non-2xx bodies carry the challenge markers and login failure banners
	// the classifiers need; keep them instead of erroring.
	collector.ParseHTTPErrorResponse = true
	collector.WithTransport(f.transport)

	switch {
	case request.UserAgent != "":
		collector.UserAgent = request.UserAgent
	case f.cfg.UserAgent != "":
		collector.UserAgent = f.cfg.UserAgent
	}

	timeout := f.cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	if len(request.Cookies) > 0 {
		if err := collector.SetCookies(request.URL, request.Cookies); err != nil {
			return nil, fmt.Errorf("set cookies for %s: %w", request.URL, err)
		}
	}

	collector.OnRequest(func(r *colly.Request) {
		copyRequestHeaders(request.Headers, r)
	})

	collector.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = crawl.RawPage{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Cookies:    responseCookies(headers),
			Body:       append([]byte(nil), r.Body...),
			FetchedAt:  start,
			Duration:   time.Since(start),
			Capability: crawl.CapabilitySimple,
		}
	})

	collector.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})

	return collector, nil
}

func (f *CollyFetcher) runCollector(
	ctx context.Context,
	collector *colly.Collector,
	request crawl.FetchRequest,
	fetchErr *error,
) error {
	done := make(chan error, 1)
	go func() {
		if request.Method == http.MethodPost {
			form := make(map[string]string, len(request.Form))
			for key := range request.Form {
				form[key] = request.Form.Get(key)
			}
			done <- collector.Post(request.URL, form)
			return
		}
		done <- collector.Visit(request.URL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func copyRequestHeaders(headers http.Header, r *colly.Request) {
	for key, values := range headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

// responseCookies parses Set-Cookie headers into cookies the session store
// can merge.
func responseCookies(headers http.Header) []*http.Cookie {
	if len(headers.Values("Set-Cookie")) == 0 {
		return nil
	}
	resp := http.Response{Header: headers}
	return resp.Cookies()
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
