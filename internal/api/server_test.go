package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/khatiwada051/WebCrawler/internal/config"
	"github.com/khatiwada051/WebCrawler/internal/crawl"
	"github.com/khatiwada051/WebCrawler/internal/scheduler"
)

type stubController struct {
	submitJob crawl.Job
	submitErr error
	statusJob crawl.Job
	statusErr error
	pages     []crawl.PageRecord
	pagesErr  error
	cancelErr error

	cancelled []string
}

func (c *stubController) Submit(_ context.Context, _ crawl.JobRequest) (crawl.Job, error) {
	return c.submitJob, c.submitErr
}

func (c *stubController) Status(_ context.Context, _ string) (crawl.Job, error) {
	return c.statusJob, c.statusErr
}

func (c *stubController) Pages(_ context.Context, _ string) ([]crawl.PageRecord, error) {
	return c.pages, c.pagesErr
}

func (c *stubController) Cancel(_ context.Context, jobID string) error {
	c.cancelled = append(c.cancelled, jobID)
	return c.cancelErr
}

func newTestServer(t *testing.T, ctrl *stubController, mutate ...func(*config.Config)) *httptest.Server {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	for _, m := range mutate {
		m(&cfg)
	}
	srv := httptest.NewServer(NewServer(ctrl, cfg, zap.NewNop()).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestSubmitJobAccepted(t *testing.T) {
	t.Parallel()

	ctrl := &stubController{submitJob: crawl.Job{
		ID:        "job-1",
		SiteID:    "shop",
		Status:    crawl.JobStatusPending,
		Submitted: time.Now(),
	}}
	srv := newTestServer(t, ctrl)

	resp, err := http.Post(srv.URL+"/v1/jobs", "application/json",
		bytes.NewBufferString(`{"site_id":"shop","scope":"laptops"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	body := decodeBody(t, resp)
	job, ok := body["job"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "job-1", job["id"])
	require.Equal(t, "pending", job["status"])
}

func TestSubmitJobValidation(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &stubController{})

	resp, err := http.Post(srv.URL+"/v1/jobs", "application/json",
		bytes.NewBufferString(`{not json`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/v1/jobs", "application/json",
		bytes.NewBufferString(`{"scope":"laptops"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitJobErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		code int
	}{
		{"unknown site", crawl.Errorf(crawl.KindConfig, "site.get", "unknown site nope"), http.StatusBadRequest},
		{"duplicate", scheduler.ErrDuplicateJob, http.StatusConflict},
		{"shutting down", scheduler.ErrSchedulerClosed, http.StatusServiceUnavailable},
		{"store failure", errors.New("connection refused"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := newTestServer(t, &stubController{submitErr: tc.err})
			resp, err := http.Post(srv.URL+"/v1/jobs", "application/json",
				bytes.NewBufferString(`{"site_id":"shop"}`))
			require.NoError(t, err)
			resp.Body.Close()
			require.Equal(t, tc.code, resp.StatusCode)
		})
	}
}

func TestGetJobStatus(t *testing.T) {
	t.Parallel()

	ctrl := &stubController{statusJob: crawl.Job{
		ID:     "job-1",
		SiteID: "shop",
		Status: crawl.JobStatusRunning,
		Counters: crawl.JobCounters{
			ListingPages: 2,
			DetailPages:  7,
		},
	}}
	srv := newTestServer(t, ctrl)

	resp, err := http.Get(srv.URL + "/v1/jobs/job-1/status")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	job := body["job"].(map[string]any)
	require.Equal(t, "running", job["status"])
	counters := job["counters"].(map[string]any)
	require.Equal(t, float64(7), counters["detail_pages"])
}

func TestGetJobStatusNotFound(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &stubController{statusErr: crawl.ErrJobNotFound})
	resp, err := http.Get(srv.URL + "/v1/jobs/nope/status")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetJobPages(t *testing.T) {
	t.Parallel()

	ctrl := &stubController{pages: []crawl.PageRecord{
		{JobID: "job-1", URL: "https://shop.example/laptops?page=1", Kind: crawl.TaskListing, StatusCode: 200},
		{JobID: "job-1", URL: "https://shop.example/p/1", Kind: crawl.TaskDetail, StatusCode: 200},
	}}
	srv := newTestServer(t, ctrl)

	resp, err := http.Get(srv.URL + "/v1/jobs/job-1/pages")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	pages := body["pages"].([]any)
	require.Len(t, pages, 2)
}

func TestCancelJob(t *testing.T) {
	t.Parallel()

	ctrl := &stubController{}
	srv := newTestServer(t, ctrl)

	resp, err := http.Post(srv.URL+"/v1/jobs/job-1/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{"job-1"}, ctrl.cancelled)
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &stubController{})

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &stubController{})
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &stubController{}, func(c *config.Config) {
		c.Auth.Enabled = true
		c.Auth.APIKey = "sekrit"
	})

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "sekrit")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
