package site

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/khatiwada051/WebCrawler/internal/crawl"
)

const shopYAML = `
site_id: shop
base_url: https://shop.example
user_agent: "engine/1.0"
login_required: true
auth:
  login_url: /login
  capability: simple
  username_field: user
  password_field: pass
  csrf_selector: 'input[name="csrf_token"]'
  failure_texts:
    - invalid credentials
listings:
  - name: laptops
    url_pattern: "/laptops?page={page}"
    strategy: numbered
    max_pages: 40
    detail_link_selector: a.product
  - name: deals
    url_pattern: /deals
    strategy: trigger
    trigger_selector: button.load-more
    detail_link_selector: a.product
    capability: rendered
detail:
  capability: simple
  fields:
    title: h1.product-title
    price: span.price
  groups:
    specs:
      selector: table.specs tr
      fields:
        key: td.key
        value: td.value
`

func writeDef(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadParsesAndDefaults(t *testing.T) {
	t.Parallel()

	def, err := Load(writeDef(t, "shop.yaml", shopYAML))
	require.NoError(t, err)

	require.Equal(t, "shop", def.SiteID)
	require.True(t, def.LoginRequired)
	require.Equal(t, "csrf_token", def.Auth.CSRFField)
	require.Equal(t, 30*time.Minute, def.Auth.SessionMaxAge)
	require.Len(t, def.Listings, 2)
	require.Equal(t, 1, def.Listings[0].StartPage)
	require.Equal(t, 40, def.Listings[0].MaxPages)
	require.Equal(t, crawl.CapabilitySimple, def.Listings[0].Capability)
	require.Equal(t, crawl.CapabilityRendered, def.Listings[1].Capability)
	require.Equal(t, "h1.product-title", def.Detail.Fields["title"])
	require.Equal(t, "td.key", def.Detail.Groups["specs"].Fields["key"])
}

func TestValidateRejectsBadDefinitions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Definition)
	}{
		{"missing site id", func(d *Definition) { d.SiteID = "" }},
		{"relative base url", func(d *Definition) { d.BaseURL = "/nope" }},
		{"no listings", func(d *Definition) { d.Listings = nil }},
		{"numbered without placeholder", func(d *Definition) {
			d.Listings[0].URLPattern = "/laptops"
		}},
		{"trigger without selector", func(d *Definition) {
			d.Listings[1].TriggerSelector = ""
		}},
		{"trigger without rendered capability", func(d *Definition) {
			d.Listings[1].Capability = crawl.CapabilitySimple
		}},
		{"duplicate listing names", func(d *Definition) {
			d.Listings[1].Name = d.Listings[0].Name
		}},
		{"login without url", func(d *Definition) { d.Auth.LoginURL = "" }},
		{"simple login without fields", func(d *Definition) { d.Auth.UsernameField = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			def, err := Load(writeDef(t, "shop.yaml", shopYAML))
			require.NoError(t, err)
			tc.mutate(&def)
			err = def.Validate()
			require.Error(t, err)
			require.Equal(t, crawl.KindConfig, crawl.KindOf(err))
		})
	}
}

func TestLoaderReadsDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shop.yaml"), []byte(shopYAML), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	loader, err := NewLoader(dir)
	require.NoError(t, err)
	require.Equal(t, []string{"shop"}, loader.SiteIDs())

	def, err := loader.Get("shop")
	require.NoError(t, err)
	require.Equal(t, "shop", def.SiteID)

	_, err = loader.Get("unknown")
	require.Error(t, err)
	require.Equal(t, crawl.KindConfig, crawl.KindOf(err))
}

func TestListingsForScope(t *testing.T) {
	t.Parallel()

	def, err := Load(writeDef(t, "shop.yaml", shopYAML))
	require.NoError(t, err)

	all, err := def.ListingsForScope("")
	require.NoError(t, err)
	require.Len(t, all, 2)

	one, err := def.ListingsForScope("deals")
	require.NoError(t, err)
	require.Len(t, one, 1)
	require.Equal(t, "deals", one[0].Name)

	_, err = def.ListingsForScope("desks")
	require.Error(t, err)
}

func TestPageURLAndResolve(t *testing.T) {
	t.Parallel()

	def, err := Load(writeDef(t, "shop.yaml", shopYAML))
	require.NoError(t, err)

	url, err := def.PageURL(def.Listings[0], 7)
	require.NoError(t, err)
	require.Equal(t, "https://shop.example/laptops?page=7", url)

	abs, err := def.ResolveURL("/p/42")
	require.NoError(t, err)
	require.Equal(t, "https://shop.example/p/42", abs)

	keep, err := def.ResolveURL("https://cdn.example/x")
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example/x", keep)
}
