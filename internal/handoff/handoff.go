// Package handoff defines the boundary between retrieval and extraction.
// The engine produces raw pages plus the declarative extraction hints; what
// happens to them downstream is the extraction pipeline's business.
package handoff

import (
	"context"
	"time"

	"github.com/khatiwada051/WebCrawler/internal/crawl"
	"github.com/khatiwada051/WebCrawler/internal/site"
)

// Handoff is one fetched page crossing the boundary, bundled with the site
// definition whose selectors describe it.
type Handoff struct {
	JobID      string
	Definition site.Definition
	Kind       crawl.TaskKind
	Page       crawl.RawPage
}

// ResultStatus summarizes what extraction made of a page.
type ResultStatus string

// Extraction outcomes. Partial and Failure mark the job partial but never
// fail it; retrieval succeeded.
const (
	StatusSuccess ResultStatus = "success"
	StatusPartial ResultStatus = "partial"
	StatusFailure ResultStatus = "failure"
)

// ExtractionResult is the pipeline's report back to the scheduler.
type ExtractionResult struct {
	Status     ResultStatus
	Items      int
	Mismatches int
	// BlobURI points at the archived body when the pipeline stored one.
	BlobURI string
}

// Pipeline consumes handoffs. Implementations may extract inline or forward
// to an external system.
type Pipeline interface {
	Process(ctx context.Context, h Handoff) (ExtractionResult, error)
}

// PipelineFunc adapts a function to the Pipeline interface.
type PipelineFunc func(ctx context.Context, h Handoff) (ExtractionResult, error)

// Process calls the function.
func (f PipelineFunc) Process(ctx context.Context, h Handoff) (ExtractionResult, error) {
	return f(ctx, h)
}

// Notification is the message published for each forwarded page.
type Notification struct {
	JobID       string            `json:"job_id"`
	SiteID      string            `json:"site_id"`
	URL         string            `json:"url"`
	Kind        crawl.TaskKind    `json:"kind"`
	ContentHash string            `json:"content_hash"`
	BlobURI     string            `json:"blob_uri,omitempty"`
	FetchedAt   time.Time         `json:"fetched_at"`
	Fields      map[string]string `json:"fields,omitempty"`
	Groups      map[string]site.Group `json:"groups,omitempty"`
}
