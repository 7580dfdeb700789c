package crawl

import (
	"context"
	"errors"
	"time"
)

// Fetcher retrieves a single page. Implementations exist for the simple
// HTTP capability and the rendered browser capability; the fetch adapter
// exposes both behind one contract.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (RawPage, error)
}

// ErrCredentialNotFound is returned by a CredentialStore when no usable
// credential exists for a site.
var ErrCredentialNotFound = errors.New("credential not found")

// CredentialStore supplies opaque credentials. The engine never writes to
// it; storage format is the collaborator's concern.
type CredentialStore interface {
	Get(ctx context.Context, siteID string) (Credential, error)
}

// ErrJobNotFound is returned by a JobStore when a job ID has no stored row.
var ErrJobNotFound = errors.New("job not found")

// JobStore persists job lifecycle updates and page bookkeeping rows.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJob(ctx context.Context, job Job) error
	RecordPage(ctx context.Context, page PageRecord) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListPages(ctx context.Context, jobID string) ([]PageRecord, error)
}

// Clock abstracts time.Now for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator mints job and task identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher digests page bodies for dedupe and archive paths.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Publisher sends handoff notifications to the downstream extraction
// pipeline's transport.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}
