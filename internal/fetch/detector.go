package fetch

import (
	"bytes"
	"strings"

	"github.com/khatiwada051/WebCrawler/internal/crawl"
)

// defaultChallengeMarkers are body fragments typical of interstitial
// anti-automation pages. Matching is case-insensitive.
var defaultChallengeMarkers = []string{
	"captcha",
	"cf-chl",
	"challenge-platform",
	"are you a robot",
	"verify you are human",
	"unusual traffic",
	"attention required",
}

// ChallengeDetector recognizes anti-automation challenge pages so they are
// classified as rate limiting instead of ordinary HTTP failures.
type ChallengeDetector struct {
	markers [][]byte
}

// NewChallengeDetector builds a detector with the default markers plus any
// extras, e.g. site-specific block-page phrases from configuration.
func NewChallengeDetector(extra []string) *ChallengeDetector {
	all := make([][]byte, 0, len(defaultChallengeMarkers)+len(extra))
	for _, m := range defaultChallengeMarkers {
		all = append(all, []byte(strings.ToLower(m)))
	}
	for _, m := range extra {
		if m = strings.TrimSpace(m); m != "" {
			all = append(all, []byte(strings.ToLower(m)))
		}
	}
	return &ChallengeDetector{markers: all}
}

// Detect reports whether a page looks like a challenge interstitial.
func (d *ChallengeDetector) Detect(page crawl.RawPage) bool {
	if page.StatusCode == 403 || page.StatusCode == 503 {
		server := strings.ToLower(page.Headers.Get("Server"))
		if strings.Contains(server, "cloudflare") || strings.Contains(server, "akamai") {
			return true
		}
		// Block pages are small; a tiny body on these statuses is suspicious
		// even without a marker hit.
		if len(page.Body) > 0 && len(page.Body) < 512 {
			return true
		}
	}

	if len(page.Body) == 0 {
		return false
	}
	body := bytes.ToLower(page.Body)
	for _, marker := range d.markers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}
