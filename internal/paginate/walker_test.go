package paginate

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/khatiwada051/WebCrawler/internal/crawl"
	"github.com/khatiwada051/WebCrawler/internal/site"
)

func numberedDef(maxPages int) (site.Definition, site.Listing) {
	listing := site.Listing{
		Name:               "laptops",
		URLPattern:         "/laptops?page={page}",
		StartPage:          1,
		Strategy:           site.PaginationNumbered,
		MaxPages:           maxPages,
		DetailLinkSelector: "a.product",
	}
	def := site.Definition{
		SiteID:   "shop",
		BaseURL:  "https://shop.example",
		Listings: []site.Listing{listing},
	}
	return def, listing
}

func listingHTML(hrefs ...string) []byte {
	html := "<html><body>"
	for _, h := range hrefs {
		html += fmt.Sprintf(`<a class="product" href=%q>item</a>`, h)
	}
	html += `<a class="other" href="/ignored">nope</a></body></html>`
	return []byte(html)
}

func TestWalkerNumbered(t *testing.T) {
	t.Parallel()

	def, listing := numberedDef(10)
	w := NewWalker(def, listing)

	first, err := w.FirstURL()
	require.NoError(t, err)
	require.Equal(t, "https://shop.example/laptops?page=1", first)

	step, err := w.Next(1, crawl.RawPage{URL: first, Body: listingHTML("/p/1", "/p/2")})
	require.NoError(t, err)
	require.False(t, step.Done)
	require.Equal(t, "https://shop.example/laptops?page=2", step.NextURL)
	require.Equal(t, []string{"https://shop.example/p/1", "https://shop.example/p/2"}, step.DetailURLs)
}

func TestWalkerStopsOnEmptyPage(t *testing.T) {
	t.Parallel()

	def, listing := numberedDef(10)
	w := NewWalker(def, listing)

	step, err := w.Next(3, crawl.RawPage{Body: listingHTML()})
	require.NoError(t, err)
	require.True(t, step.Done)
	require.Empty(t, step.NextURL)
	require.Contains(t, step.DoneReason, "no new detail links")
}

func TestWalkerStopsAtMaxPages(t *testing.T) {
	t.Parallel()

	def, listing := numberedDef(2)
	w := NewWalker(def, listing)

	step, err := w.Next(1, crawl.RawPage{Body: listingHTML("/p/1")})
	require.NoError(t, err)
	require.False(t, step.Done)

	step, err = w.Next(2, crawl.RawPage{Body: listingHTML("/p/2")})
	require.NoError(t, err)
	require.True(t, step.Done)
	require.Contains(t, step.DoneReason, "max pages")
}

func TestWalkerDeduplicatesAcrossPages(t *testing.T) {
	t.Parallel()

	def, listing := numberedDef(10)
	w := NewWalker(def, listing)

	step, err := w.Next(1, crawl.RawPage{Body: listingHTML("/p/1", "/p/2")})
	require.NoError(t, err)
	require.Len(t, step.DetailURLs, 2)

	// A site that repeats the last page forever yields nothing new, so the
	// walk terminates instead of looping.
	step, err = w.Next(2, crawl.RawPage{Body: listingHTML("/p/1", "/p/2")})
	require.NoError(t, err)
	require.Empty(t, step.DetailURLs)
	require.True(t, step.Done)
}

func TestWalkerTrigger(t *testing.T) {
	t.Parallel()

	listing := site.Listing{
		Name:               "deals",
		URLPattern:         "/deals",
		Strategy:           site.PaginationTrigger,
		TriggerSelector:    "button.load-more",
		DetailLinkSelector: "a.product",
		Capability:         crawl.CapabilityRendered,
	}
	def := site.Definition{SiteID: "shop", BaseURL: "https://shop.example", Listings: []site.Listing{listing}}
	w := NewWalker(def, listing)

	first, err := w.FirstURL()
	require.NoError(t, err)
	require.Equal(t, "https://shop.example/deals", first)

	step, err := w.Next(1, crawl.RawPage{
		Body:             listingHTML("/p/1", "/p/2", "/p/3"),
		TriggerExhausted: true,
	})
	require.NoError(t, err)
	require.True(t, step.Done)
	require.Len(t, step.DetailURLs, 3)
	require.Contains(t, step.DoneReason, "exhausted")
}
