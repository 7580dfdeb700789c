package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/khatiwada051/WebCrawler/internal/crawl"
)

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewJobStore()

	job := crawl.Job{
		ID:        "job-1",
		SiteID:    "shop",
		Status:    crawl.JobStatusPending,
		Submitted: time.Unix(1_700_000_000, 0).UTC(),
	}
	require.NoError(t, store.CreateJob(ctx, job))
	require.Error(t, store.CreateJob(ctx, job))

	job.Status = crawl.JobStatusRunning
	require.NoError(t, store.UpdateJob(ctx, job))

	got, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, crawl.JobStatusRunning, got.Status)

	_, err = store.GetJob(ctx, "nope")
	require.True(t, errors.Is(err, ErrJobNotFound))
	require.True(t, errors.Is(store.UpdateJob(ctx, crawl.Job{ID: "nope"}), ErrJobNotFound))
}

func TestJobStorePages(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewJobStore()

	require.NoError(t, store.RecordPage(ctx, crawl.PageRecord{JobID: "job-1", URL: "https://a/1"}))
	require.NoError(t, store.RecordPage(ctx, crawl.PageRecord{JobID: "job-1", URL: "https://a/2"}))
	require.NoError(t, store.RecordPage(ctx, crawl.PageRecord{JobID: "job-2", URL: "https://b/1"}))

	pages, err := store.ListPages(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, pages, 2)

	empty, err := store.ListPages(ctx, "unknown")
	require.NoError(t, err)
	require.Empty(t, empty)
}
