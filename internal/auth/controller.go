// Package auth drives login flows and owns every session state transition.
// Concurrent tasks needing a session for the same site share one login
// attempt instead of stampeding the login endpoint.
package auth

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/khatiwada051/WebCrawler/internal/crawl"
	"github.com/khatiwada051/WebCrawler/internal/session"
	"github.com/khatiwada051/WebCrawler/internal/site"
	"github.com/khatiwada051/WebCrawler/internal/telemetry"
)

// maxAttempts bounds consecutive login tries before the session is marked
// Failed and the site requires operator intervention.
const maxAttempts = 2

// PageFetcher is the slice of the fetch adapter the controller needs.
type PageFetcher interface {
	Fetch(ctx context.Context, siteID string, req crawl.FetchRequest) (crawl.RawPage, error)
}

// Controller manages authentication for all sites.
type Controller struct {
	fetcher  PageFetcher
	creds    crawl.CredentialStore
	sessions *session.Store
	clock    crawl.Clock
	logger   *zap.Logger
	group    singleflight.Group
}

// NewController builds a Controller.
func NewController(
	fetcher PageFetcher,
	creds crawl.CredentialStore,
	sessions *session.Store,
	clock crawl.Clock,
	logger *zap.Logger,
) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		fetcher:  fetcher,
		creds:    creds,
		sessions: sessions,
		clock:    clock,
		logger:   logger,
	}
}

// EnsureValid guarantees a usable session for the site, logging in when
// necessary. Callers racing on the same site are coalesced; all of them see
// the outcome of the single login that actually ran.
func (c *Controller) EnsureValid(ctx context.Context, def site.Definition) error {
	if !def.LoginRequired {
		return nil
	}
	if err := c.check(def.SiteID); err != nil || c.fresh(def.SiteID) {
		return err
	}
	_, err, _ := c.group.Do(def.SiteID, func() (any, error) {
		// Re-check inside the flight: a waiter queued behind the winner
		// must not log in again.
		if err := c.check(def.SiteID); err != nil {
			return nil, err
		}
		if c.fresh(def.SiteID) {
			return nil, nil
		}
		return nil, c.login(ctx, def)
	})
	return err
}

// Invalidate marks a Valid session expired after the site rejected its
// cookies. The next EnsureValid call re-authenticates.
func (c *Controller) Invalidate(siteID string) {
	c.sessions.SetExpired(siteID)
}

// Reset clears a Failed session so fresh credentials can be tried.
func (c *Controller) Reset(siteID string) {
	c.sessions.Reset(siteID)
}

func (c *Controller) fresh(siteID string) bool {
	return c.sessions.Get(siteID).Fresh(c.clock.Now())
}

func (c *Controller) check(siteID string) error {
	if c.sessions.Get(siteID).State == session.StateFailed {
		return crawl.Errorf(crawl.KindAuth, "auth.EnsureValid",
			"site %s: login previously failed, reset required", siteID)
	}
	return nil
}

func (c *Controller) login(ctx context.Context, def site.Definition) error {
	const op = "auth.login"
	siteID := def.SiteID

	cred, err := c.creds.Get(ctx, siteID)
	if err != nil {
		// No credential means no login attempt at all; the session fails
		// without a single fetch against the site.
		c.sessions.SetFailed(siteID)
		telemetry.ObserveAuthAttempt(siteID, "missing_credentials")
		return crawl.E(crawl.KindAuth, op, err)
	}

	c.sessions.SetAuthenticating(siteID)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		page, cookies, err := c.attempt(ctx, def, cred)
		if err != nil {
			switch crawl.KindOf(err) {
			case crawl.KindCancel, crawl.KindRateLimit:
				// Not a verdict on the credentials; surface without
				// burning the remaining attempts.
				c.sessions.SetExpired(siteID)
				return err
			}
			telemetry.ObserveAuthAttempt(siteID, "error")
			lastErr = err
			continue
		}
		if reason, ok := c.evaluate(def.Auth, page); !ok {
			telemetry.ObserveAuthAttempt(siteID, "failure")
			c.logger.Warn("login rejected",
				zap.String("site", siteID),
				zap.Int("attempt", attempt),
				zap.String("reason", reason),
			)
			lastErr = crawl.Errorf(crawl.KindAuth, op, "site %s: %s", siteID, reason)
			continue
		}

		now := c.clock.Now()
		c.sessions.SetValid(siteID, cookies, nil, now, now.Add(def.Auth.SessionMaxAge))
		telemetry.ObserveAuthAttempt(siteID, "success")
		c.logger.Info("login succeeded", zap.String("site", siteID), zap.Int("attempt", attempt))
		return nil
	}

	c.sessions.SetFailed(siteID)
	if lastErr == nil {
		lastErr = crawl.Errorf(crawl.KindAuth, op, "site %s: login failed", siteID)
	}
	return lastErr
}

func (c *Controller) attempt(ctx context.Context, def site.Definition, cred crawl.Credential) (crawl.RawPage, []*http.Cookie, error) {
	if def.Auth.Capability == crawl.CapabilityRendered {
		return c.renderedLogin(ctx, def, cred)
	}
	return c.simpleLogin(ctx, def, cred)
}

// simpleLogin is a two-step form flow: GET the login page to pick up the
// CSRF token and initial cookies, then POST the credentials with those
// cookies attached.
func (c *Controller) simpleLogin(ctx context.Context, def site.Definition, cred crawl.Credential) (crawl.RawPage, []*http.Cookie, error) {
	const op = "auth.simpleLogin"
	a := def.Auth

	loginURL, err := def.ResolveURL(a.LoginURL)
	if err != nil {
		return crawl.RawPage{}, nil, crawl.E(crawl.KindConfig, op, err)
	}

	formPage, err := c.fetcher.Fetch(ctx, def.SiteID, crawl.FetchRequest{
		URL:        loginURL,
		Capability: crawl.CapabilitySimple,
		UserAgent:  def.UserAgent,
	})
	if err != nil {
		return crawl.RawPage{}, nil, err
	}
	jar := formPage.Cookies

	form := url.Values{}
	form.Set(a.UsernameField, cred.Username)
	form.Set(a.PasswordField, cred.Password)
	for key, value := range cred.Extra {
		form.Set(key, value)
	}
	if a.CSRFSelector != "" {
		token, err := extractCSRF(formPage.Body, a.CSRFSelector)
		if err != nil {
			return crawl.RawPage{}, nil, crawl.E(crawl.KindAuth, op,
				fmt.Errorf("site %s: %w", def.SiteID, err))
		}
		form.Set(a.CSRFField, token)
	}

	actionURL := loginURL
	if a.ActionURL != "" {
		if actionURL, err = def.ResolveURL(a.ActionURL); err != nil {
			return crawl.RawPage{}, nil, crawl.E(crawl.KindConfig, op, err)
		}
	}

	resultPage, err := c.fetcher.Fetch(ctx, def.SiteID, crawl.FetchRequest{
		URL:        actionURL,
		Capability: crawl.CapabilitySimple,
		Method:     http.MethodPost,
		Form:       form,
		Cookies:    jar,
		UserAgent:  def.UserAgent,
	})
	if err != nil {
		return crawl.RawPage{}, nil, err
	}
	return resultPage, mergeJars(jar, resultPage.Cookies), nil
}

// renderedLogin drives the login form in the browser: fill the selectors,
// click submit, read the resulting DOM and cookies.
func (c *Controller) renderedLogin(ctx context.Context, def site.Definition, cred crawl.Credential) (crawl.RawPage, []*http.Cookie, error) {
	const op = "auth.renderedLogin"
	a := def.Auth

	loginURL, err := def.ResolveURL(a.LoginURL)
	if err != nil {
		return crawl.RawPage{}, nil, crawl.E(crawl.KindConfig, op, err)
	}

	page, err := c.fetcher.Fetch(ctx, def.SiteID, crawl.FetchRequest{
		URL:        loginURL,
		Capability: crawl.CapabilityRendered,
		UserAgent:  def.UserAgent,
		Interaction: &crawl.Interaction{
			Fill: map[string]string{
				a.UsernameSelector: cred.Username,
				a.PasswordSelector: cred.Password,
			},
			ClickSelector: a.SubmitSelector,
			MaxClicks:     1,
			WaitAfter:     2 * time.Second,
		},
	})
	if err != nil {
		return crawl.RawPage{}, nil, err
	}
	return page, page.Cookies, nil
}

// evaluate decides the login outcome from the post-submit page. Failure
// markers win over success markers; with a success selector configured its
// absence counts as failure.
func (c *Controller) evaluate(a site.AuthFlow, page crawl.RawPage) (string, bool) {
	body := bytes.ToLower(page.Body)
	for _, text := range a.FailureTexts {
		if text != "" && bytes.Contains(body, []byte(strings.ToLower(text))) {
			return fmt.Sprintf("failure text %q matched", text), false
		}
	}

	needsDoc := a.FailureSelector != "" || a.SuccessSelector != ""
	if !needsDoc {
		return "", true
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return "response page unparseable", false
	}
	if a.FailureSelector != "" && doc.Find(a.FailureSelector).Length() > 0 {
		return fmt.Sprintf("failure selector %q matched", a.FailureSelector), false
	}
	if a.SuccessSelector != "" && doc.Find(a.SuccessSelector).Length() == 0 {
		return fmt.Sprintf("success selector %q not found", a.SuccessSelector), false
	}
	return "", true
}

// extractCSRF reads the token from a form input or meta tag.
func extractCSRF(body []byte, selector string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse login page: %w", err)
	}
	sel := doc.Find(selector).First()
	if sel.Length() == 0 {
		return "", fmt.Errorf("csrf selector %q not found", selector)
	}
	if v, ok := sel.Attr("value"); ok && v != "" {
		return v, nil
	}
	if v, ok := sel.Attr("content"); ok && v != "" {
		return v, nil
	}
	return "", fmt.Errorf("csrf selector %q has no value", selector)
}

func mergeJars(base, fresh []*http.Cookie) []*http.Cookie {
	if len(fresh) == 0 {
		return base
	}
	merged := make([]*http.Cookie, 0, len(base)+len(fresh))
	index := make(map[string]int, len(base))
	for _, c := range base {
		index[c.Name] = len(merged)
		merged = append(merged, c)
	}
	for _, c := range fresh {
		if i, ok := index[c.Name]; ok {
			merged[i] = c
			continue
		}
		index[c.Name] = len(merged)
		merged = append(merged, c)
	}
	return merged
}
