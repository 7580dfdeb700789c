// Package crawl defines core types shared across subsystems.
package crawl

import (
	"net/http"
	"net/url"
	"time"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values. Completed, Failed and Cancelled are terminal.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the status is final. Terminal jobs are never
// resurrected; re-submitting the same site/scope starts a fresh job.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// JobRequest is what an external caller submits: a site plus a starting
// scope. Scope names one listing descriptor of the site definition, or is
// empty to crawl every listing the definition declares.
type JobRequest struct {
	SiteID string `json:"site_id"`
	Scope  string `json:"scope,omitempty"`
}

// Job is the metadata tracked for each submitted crawl run.
type Job struct {
	ID        string      `json:"id"`
	SiteID    string      `json:"site_id"`
	Scope     string      `json:"scope,omitempty"`
	Status    JobStatus   `json:"status"`
	Submitted time.Time   `json:"submitted_at"`
	Started   *time.Time  `json:"started_at,omitempty"`
	Finished  *time.Time  `json:"finished_at,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Counters  JobCounters `json:"counters"`
}

// Partial reports whether the job completed but recorded task failures or
// extraction mismatches along the way.
func (j Job) Partial() bool {
	return j.Status == JobStatusCompleted &&
		(j.Counters.TasksFailed > 0 || j.Counters.ExtractionMismatches > 0)
}

// JobCounters tracks per-job bookkeeping stats.
type JobCounters struct {
	ListingPages         int `json:"listing_pages"`
	DetailPages          int `json:"detail_pages"`
	ItemsExtracted       int `json:"items_extracted"`
	TasksFailed          int `json:"tasks_failed"`
	Retries              int `json:"retries"`
	AuthFailures         int `json:"auth_failures"`
	ExtractionMismatches int `json:"extraction_mismatches"`
}

// TaskKind distinguishes listing-page fetches from detail-page fetches.
type TaskKind string

// Task kinds.
const (
	TaskListing TaskKind = "listing"
	TaskDetail  TaskKind = "detail"
)

// Task is one fetch unit within a job. Tasks are created by the scheduler
// or the pagination walker and discarded after a terminal outcome.
type Task struct {
	ID          string
	JobID       string
	URL         string
	Kind        TaskKind
	Attempt     int
	AuthRetried bool
	LastErrKind ErrorKind
}

// Capability declares which fetch mechanism a page class requires.
type Capability string

// Fetch capabilities.
const (
	CapabilitySimple   Capability = "simple"
	CapabilityRendered Capability = "rendered"
)

// Interaction describes browser-side actions performed by the rendered
// fetcher before the DOM is captured: form fills for login flows and
// trigger clicks for load-more pagination.
type Interaction struct {
	// Fill maps CSS selectors to values typed into matching inputs.
	Fill map[string]string
	// ClickSelector is clicked after fills, up to MaxClicks times.
	ClickSelector string
	MaxClicks     int
	// WaitAfter pauses between interactions so content can settle.
	WaitAfter time.Duration
}

// FetchRequest captures everything needed to retrieve one page.
type FetchRequest struct {
	URL         string
	Capability  Capability
	Method      string
	Form        url.Values
	Headers     http.Header
	Cookies     []*http.Cookie
	UserAgent   string
	Interaction *Interaction
}

// RawPage is the ephemeral fetch result handed to pagination or extraction.
// The core never persists it; the handoff pipeline may archive the body.
type RawPage struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Cookies    []*http.Cookie
	Body       []byte
	FetchedAt  time.Time
	Duration   time.Duration
	Capability Capability
	// TriggerExhausted is set by the rendered fetcher when a load-more
	// trigger element was absent or disabled after interaction.
	TriggerExhausted bool
}

// PageRecord is the bookkeeping row persisted for each fetched page.
type PageRecord struct {
	JobID       string        `json:"job_id"`
	URL         string        `json:"url"`
	Kind        TaskKind      `json:"kind"`
	StatusCode  int           `json:"status_code"`
	Capability  Capability    `json:"capability"`
	FetchedAt   time.Time     `json:"fetched_at"`
	Duration    time.Duration `json:"duration"`
	ContentHash string        `json:"content_hash"`
	BlobURI     string        `json:"blob_uri,omitempty"`
}

// Credential is the opaque login material consumed by the auth controller.
// The engine never stores or mutates credentials.
type Credential struct {
	Username string            `json:"username" mapstructure:"username"`
	Password string            `json:"password" mapstructure:"password"`
	Extra    map[string]string `json:"extra,omitempty" mapstructure:"extra"`
}
