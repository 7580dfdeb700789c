// Package paginate enumerates listing pages and extracts detail links
// according to a site definition's pagination strategy.
package paginate

import (
	"bytes"
	"fmt"

	"github.com/PuerkitoBio/goquery"

	"github.com/khatiwada051/WebCrawler/internal/crawl"
	"github.com/khatiwada051/WebCrawler/internal/site"
)

// Step is the outcome of consuming one listing page.
type Step struct {
	// DetailURLs are the absolute detail-page links found on this page,
	// deduplicated in document order.
	DetailURLs []string
	// NextURL is the next listing page to fetch; empty when Done.
	NextURL string
	// Done marks the end of this listing's pagination.
	Done bool
	// DoneReason says why pagination stopped, for job logs.
	DoneReason string
}

// Walker interprets pagination for one listing.
type Walker struct {
	def     site.Definition
	listing site.Listing
	seen    map[string]struct{}
}

// NewWalker builds a Walker for a listing of the given definition.
func NewWalker(def site.Definition, listing site.Listing) *Walker {
	return &Walker{
		def:     def,
		listing: listing,
		seen:    make(map[string]struct{}),
	}
}

// FirstURL returns the first listing page to fetch.
func (w *Walker) FirstURL() (string, error) {
	switch w.listing.Strategy {
	case site.PaginationNumbered:
		return w.def.PageURL(w.listing, w.listing.StartPage)
	case site.PaginationTrigger:
		return w.def.ResolveURL(w.listing.URLPattern)
	default:
		return "", crawl.Errorf(crawl.KindConfig, "paginate.FirstURL",
			"listing %s: unknown strategy %q", w.listing.Name, w.listing.Strategy)
	}
}

// Next consumes a fetched listing page: it extracts detail links and decides
// whether another page follows. pageNum is 1-based within this listing,
// counting from the listing's start page.
func (w *Walker) Next(pageNum int, page crawl.RawPage) (Step, error) {
	links, err := w.extractDetailLinks(page)
	if err != nil {
		return Step{}, err
	}
	step := Step{DetailURLs: links}

	switch w.listing.Strategy {
	case site.PaginationTrigger:
		// The rendered fetch already clicked the trigger until exhaustion
		// (or the click budget ran out); everything is on this one page.
		step.Done = true
		if page.TriggerExhausted {
			step.DoneReason = "load-more trigger exhausted"
		} else {
			step.DoneReason = "load-more click budget reached"
		}
		return step, nil

	case site.PaginationNumbered:
		switch {
		case len(links) == 0:
			step.Done = true
			step.DoneReason = "page yielded no new detail links"
		case pageNum >= w.listing.MaxPages:
			step.Done = true
			step.DoneReason = fmt.Sprintf("reached max pages (%d)", w.listing.MaxPages)
		default:
			next, err := w.def.PageURL(w.listing, w.listing.StartPage+pageNum)
			if err != nil {
				return Step{}, err
			}
			step.NextURL = next
		}
		return step, nil

	default:
		return Step{}, crawl.Errorf(crawl.KindConfig, "paginate.Next",
			"listing %s: unknown strategy %q", w.listing.Name, w.listing.Strategy)
	}
}

// extractDetailLinks pulls hrefs matching the listing's detail link
// selector, resolves them against the base URL, and drops links already
// seen earlier in this walk. Pages that repeat earlier content therefore
// read as empty, which ends numbered pagination.
func (w *Walker) extractDetailLinks(page crawl.RawPage) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, crawl.E(crawl.KindExtraction, "paginate.extractDetailLinks",
			fmt.Errorf("parse listing %s: %w", page.URL, err))
	}

	var links []string
	var selErr error
	doc.Find(w.listing.DetailLinkSelector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, ok := s.Attr("href")
		if !ok || href == "" {
			return true
		}
		abs, err := w.def.ResolveURL(href)
		if err != nil {
			selErr = err
			return false
		}
		if _, dup := w.seen[abs]; dup {
			return true
		}
		w.seen[abs] = struct{}{}
		links = append(links, abs)
		return true
	})
	if selErr != nil {
		return nil, crawl.E(crawl.KindExtraction, "paginate.extractDetailLinks", selErr)
	}
	return links, nil
}
