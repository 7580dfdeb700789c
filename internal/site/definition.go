// Package site loads and validates declarative per-site crawl definitions.
// New sites are data, not code: the engine interprets a definition uniformly
// instead of dispatching to site-specific plugins.
package site

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/khatiwada051/WebCrawler/internal/crawl"
)

// PagePlaceholder is substituted with the page number in numbered
// pagination URL patterns.
const PagePlaceholder = "{page}"

// hardPageCap bounds pagination even when a definition asks for more.
const hardPageCap = 500

// PaginationStrategy selects how a listing enumerates further pages.
type PaginationStrategy string

// Supported pagination strategies.
const (
	PaginationNumbered PaginationStrategy = "numbered"
	PaginationTrigger  PaginationStrategy = "trigger"
)

// Definition describes one site. Loaded once per job and never mutated
// after load; many concurrent jobs may share the same Definition.
type Definition struct {
	SiteID        string     `mapstructure:"site_id"`
	BaseURL       string     `mapstructure:"base_url"`
	UserAgent     string     `mapstructure:"user_agent"`
	LoginRequired bool       `mapstructure:"login_required"`
	Auth          AuthFlow   `mapstructure:"auth"`
	Listings      []Listing  `mapstructure:"listings"`
	Detail        DetailPage `mapstructure:"detail"`
}

// AuthFlow declares how to log in and how to detect the outcome.
type AuthFlow struct {
	LoginURL   string           `mapstructure:"login_url"`
	Capability crawl.Capability `mapstructure:"capability"`

	// Rendered-capability selectors, filled and clicked in the browser.
	UsernameSelector string `mapstructure:"username_selector"`
	PasswordSelector string `mapstructure:"password_selector"`
	SubmitSelector   string `mapstructure:"submit_selector"`

	// Simple-capability form field names posted to LoginURL (or ActionURL
	// when the form posts elsewhere).
	UsernameField string `mapstructure:"username_field"`
	PasswordField string `mapstructure:"password_field"`
	ActionURL     string `mapstructure:"action_url"`
	CSRFSelector  string `mapstructure:"csrf_selector"`
	CSRFField     string `mapstructure:"csrf_field"`

	// Outcome rules. Failure markers win over success markers; with no
	// markers matched the login counts as successful.
	SuccessSelector string        `mapstructure:"success_selector"`
	FailureSelector string        `mapstructure:"failure_selector"`
	FailureTexts    []string      `mapstructure:"failure_texts"`
	SessionMaxAge   time.Duration `mapstructure:"session_max_age"`
}

// Listing describes one listing-page class and its pagination.
type Listing struct {
	Name               string             `mapstructure:"name"`
	URLPattern         string             `mapstructure:"url_pattern"`
	StartPage          int                `mapstructure:"start_page"`
	Strategy           PaginationStrategy `mapstructure:"strategy"`
	TriggerSelector    string             `mapstructure:"trigger_selector"`
	MaxPages           int                `mapstructure:"max_pages"`
	DetailLinkSelector string             `mapstructure:"detail_link_selector"`
	Capability         crawl.Capability   `mapstructure:"capability"`
}

// DetailPage describes detail-page extraction hints carried through the
// handoff boundary. Field selectors are interpreted by the external
// extraction pipeline, not by the engine.
type DetailPage struct {
	Capability crawl.Capability  `mapstructure:"capability"`
	Fields     map[string]string `mapstructure:"fields"`
	Groups     map[string]Group  `mapstructure:"groups"`
}

// Group is a nested repeated-group selector map, e.g. specification rows.
type Group struct {
	Selector string            `mapstructure:"selector"`
	Fields   map[string]string `mapstructure:"fields"`
}

// Load reads a single definition file (YAML or JSON) and validates it.
func Load(path string) (Definition, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Definition{}, crawl.E(crawl.KindConfig, "site.Load", fmt.Errorf("read %s: %w", path, err))
	}
	var def Definition
	if err := v.Unmarshal(&def); err != nil {
		return Definition{}, crawl.E(crawl.KindConfig, "site.Load", fmt.Errorf("unmarshal %s: %w", path, err))
	}
	def.applyDefaults()
	if err := def.Validate(); err != nil {
		return Definition{}, err
	}
	return def, nil
}

// Loader holds the definitions read from a directory, keyed by site ID.
type Loader struct {
	defs map[string]Definition
}

// NewLoader reads every .yaml/.yml/.json file under dir.
func NewLoader(dir string) (*Loader, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, crawl.E(crawl.KindConfig, "site.NewLoader", fmt.Errorf("read sites dir: %w", err))
	}
	defs := make(map[string]Definition)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		def, err := Load(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if _, dup := defs[def.SiteID]; dup {
			return nil, crawl.Errorf(crawl.KindConfig, "site.NewLoader", "duplicate site id %q", def.SiteID)
		}
		defs[def.SiteID] = def
	}
	return &Loader{defs: defs}, nil
}

// NewStaticLoader builds a Loader from in-memory definitions (tests, CLI).
func NewStaticLoader(defs ...Definition) *Loader {
	m := make(map[string]Definition, len(defs))
	for _, d := range defs {
		m[d.SiteID] = d
	}
	return &Loader{defs: m}
}

// Get returns the definition for a site ID.
func (l *Loader) Get(siteID string) (Definition, error) {
	def, ok := l.defs[siteID]
	if !ok {
		return Definition{}, crawl.Errorf(crawl.KindConfig, "site.Get", "unknown site %q", siteID)
	}
	return def, nil
}

// SiteIDs lists the loaded site identifiers.
func (l *Loader) SiteIDs() []string {
	out := make([]string, 0, len(l.defs))
	for id := range l.defs {
		out = append(out, id)
	}
	return out
}

func (d *Definition) applyDefaults() {
	if d.Detail.Capability == "" {
		d.Detail.Capability = crawl.CapabilitySimple
	}
	if d.Auth.Capability == "" {
		d.Auth.Capability = crawl.CapabilitySimple
	}
	if d.Auth.SessionMaxAge <= 0 {
		d.Auth.SessionMaxAge = 30 * time.Minute
	}
	if d.Auth.CSRFField == "" {
		d.Auth.CSRFField = "csrf_token"
	}
	for i := range d.Listings {
		l := &d.Listings[i]
		if l.Capability == "" {
			l.Capability = crawl.CapabilitySimple
		}
		if l.StartPage <= 0 {
			l.StartPage = 1
		}
		if l.MaxPages <= 0 || l.MaxPages > hardPageCap {
			l.MaxPages = hardPageCap
		}
	}
}

// Validate enforces schema rules so a malformed definition fails the job
// at admission, never mid-run.
func (d Definition) Validate() error {
	op := "site.Validate"
	if d.SiteID == "" {
		return crawl.Errorf(crawl.KindConfig, op, "site_id is required")
	}
	base, err := url.Parse(d.BaseURL)
	if err != nil || !base.IsAbs() {
		return crawl.Errorf(crawl.KindConfig, op, "site %s: base_url must be an absolute URL", d.SiteID)
	}
	if len(d.Listings) == 0 {
		return crawl.Errorf(crawl.KindConfig, op, "site %s: at least one listing is required", d.SiteID)
	}
	seen := make(map[string]struct{}, len(d.Listings))
	for _, l := range d.Listings {
		if err := d.validateListing(l); err != nil {
			return err
		}
		if _, dup := seen[l.Name]; dup {
			return crawl.Errorf(crawl.KindConfig, op, "site %s: duplicate listing %q", d.SiteID, l.Name)
		}
		seen[l.Name] = struct{}{}
	}
	if d.LoginRequired {
		if err := d.validateAuth(); err != nil {
			return err
		}
	}
	return nil
}

func (d Definition) validateListing(l Listing) error {
	op := "site.Validate"
	if l.Name == "" {
		return crawl.Errorf(crawl.KindConfig, op, "site %s: listing name is required", d.SiteID)
	}
	if l.DetailLinkSelector == "" {
		return crawl.Errorf(crawl.KindConfig, op, "site %s: listing %s: detail_link_selector is required", d.SiteID, l.Name)
	}
	switch l.Strategy {
	case PaginationNumbered:
		if !strings.Contains(l.URLPattern, PagePlaceholder) {
			return crawl.Errorf(crawl.KindConfig, op,
				"site %s: listing %s: numbered pagination requires %s in url_pattern", d.SiteID, l.Name, PagePlaceholder)
		}
	case PaginationTrigger:
		if l.URLPattern == "" {
			return crawl.Errorf(crawl.KindConfig, op, "site %s: listing %s: url_pattern is required", d.SiteID, l.Name)
		}
		if l.TriggerSelector == "" {
			return crawl.Errorf(crawl.KindConfig, op,
				"site %s: listing %s: trigger pagination requires trigger_selector", d.SiteID, l.Name)
		}
		if l.Capability != crawl.CapabilityRendered {
			return crawl.Errorf(crawl.KindConfig, op,
				"site %s: listing %s: trigger pagination requires the rendered capability", d.SiteID, l.Name)
		}
	default:
		return crawl.Errorf(crawl.KindConfig, op, "site %s: listing %s: unknown strategy %q", d.SiteID, l.Name, l.Strategy)
	}
	return nil
}

func (d Definition) validateAuth() error {
	op := "site.Validate"
	a := d.Auth
	if a.LoginURL == "" {
		return crawl.Errorf(crawl.KindConfig, op, "site %s: auth.login_url is required when login_required", d.SiteID)
	}
	switch a.Capability {
	case crawl.CapabilitySimple:
		if a.UsernameField == "" || a.PasswordField == "" {
			return crawl.Errorf(crawl.KindConfig, op,
				"site %s: auth.username_field and auth.password_field are required for simple login", d.SiteID)
		}
	case crawl.CapabilityRendered:
		if a.UsernameSelector == "" || a.PasswordSelector == "" || a.SubmitSelector == "" {
			return crawl.Errorf(crawl.KindConfig, op,
				"site %s: auth selectors are required for rendered login", d.SiteID)
		}
	default:
		return crawl.Errorf(crawl.KindConfig, op, "site %s: unknown auth capability %q", d.SiteID, a.Capability)
	}
	return nil
}

// ListingsForScope resolves a job scope to concrete listings. An empty
// scope selects every listing.
func (d Definition) ListingsForScope(scope string) ([]Listing, error) {
	if scope == "" {
		return d.Listings, nil
	}
	for _, l := range d.Listings {
		if l.Name == scope {
			return []Listing{l}, nil
		}
	}
	return nil, crawl.Errorf(crawl.KindConfig, "site.ListingsForScope", "site %s has no listing %q", d.SiteID, scope)
}

// PageURL renders the numbered-pagination URL for a page, resolved against
// the base URL when the pattern is relative.
func (d Definition) PageURL(l Listing, page int) (string, error) {
	raw := strings.ReplaceAll(l.URLPattern, PagePlaceholder, fmt.Sprintf("%d", page))
	return d.ResolveURL(raw)
}

// ResolveURL resolves a possibly-relative href against the site base URL.
func (d Definition) ResolveURL(href string) (string, error) {
	base, err := url.Parse(d.BaseURL)
	if err != nil {
		return "", crawl.E(crawl.KindConfig, "site.ResolveURL", err)
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("parse href %q: %w", href, err)
	}
	return base.ResolveReference(ref).String(), nil
}
