package fetch

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/khatiwada051/WebCrawler/internal/crawl"
)

func TestDetectorMarkers(t *testing.T) {
	t.Parallel()

	d := NewChallengeDetector([]string{"custom block phrase"})

	cases := []struct {
		name string
		page crawl.RawPage
		want bool
	}{
		{
			name: "clean page",
			page: crawl.RawPage{StatusCode: 200, Body: []byte("<html>products</html>")},
			want: false,
		},
		{
			name: "captcha body",
			page: crawl.RawPage{StatusCode: 200, Body: []byte("<html>Please solve this CAPTCHA</html>")},
			want: true,
		},
		{
			name: "custom marker",
			page: crawl.RawPage{StatusCode: 200, Body: []byte("custom BLOCK phrase here" + strings.Repeat(" ", 600))},
			want: true,
		},
		{
			name: "cloudflare server on 403",
			page: crawl.RawPage{
				StatusCode: 403,
				Headers:    http.Header{"Server": {"cloudflare"}},
				Body:       []byte(strings.Repeat("x", 1024)),
			},
			want: true,
		},
		{
			name: "tiny 503 body",
			page: crawl.RawPage{StatusCode: 503, Body: []byte("blocked")},
			want: true,
		},
		{
			name: "ordinary 403",
			page: crawl.RawPage{StatusCode: 403, Body: []byte(strings.Repeat("forbidden resource ", 60))},
			want: false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, d.Detect(tc.page))
		})
	}
}
