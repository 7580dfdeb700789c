// Package events streams crawl lifecycle milestones to pluggable sinks.
// Emitters never block on slow consumers; under backpressure events are
// dropped and counted.
package events

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Stage denotes the milestone an Event records.
type Stage string

// Supported stages.
const (
	StageJobStarted     Stage = "JOB_STARTED"
	StageJobFinished    Stage = "JOB_FINISHED"
	StagePageFetched    Stage = "PAGE_FETCHED"
	StageTaskRetried    Stage = "TASK_RETRIED"
	StageTaskFailed     Stage = "TASK_FAILED"
	StageCircuitTripped Stage = "CIRCUIT_TRIPPED"
	StageAuthRefreshed  Stage = "AUTH_REFRESHED"
)

// Event is one crawl milestone.
type Event struct {
	JobID string
	TS    time.Time
	Stage Stage
	// Site is the site label; required for every stage but job lifecycle.
	Site string
	// URL is the page involved, when one is.
	URL string
	// StatusClass groups HTTP response codes (2xx, 4xx, ...).
	StatusClass string
	// Dur captures fetch latency or total job runtime.
	Dur time.Duration
	// Note carries low-volume context such as a terminal reason.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStarted, StageJobFinished:
	case StagePageFetched, StageTaskRetried, StageTaskFailed, StageCircuitTripped, StageAuthRefreshed:
		if e.Site == "" {
			return fmt.Errorf("stage %s requires site", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	return nil
}

// Sink consumes batches of events. Implementations must honor ctx deadlines
// and tolerate concurrent batches.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events; Hub satisfies this so producers stay
// agnostic about buffering.
type Emitter interface {
	Emit(evt Event)
}
