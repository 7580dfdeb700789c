// Package memory provides in-memory persistence for development and tests.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/khatiwada051/WebCrawler/internal/crawl"
)

// ErrJobNotFound is returned when a job ID has no stored row.
var ErrJobNotFound = crawl.ErrJobNotFound

// JobStore implements crawl.JobStore with maps.
type JobStore struct {
	mu    sync.RWMutex
	jobs  map[string]crawl.Job
	pages map[string][]crawl.PageRecord
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:  make(map[string]crawl.Job),
		pages: make(map[string][]crawl.PageRecord),
	}
}

// CreateJob stores a new job row.
func (s *JobStore) CreateJob(_ context.Context, job crawl.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errors.New("job already exists")
	}
	s.jobs[job.ID] = job
	return nil
}

// UpdateJob overwrites the stored row for the job.
func (s *JobStore) UpdateJob(_ context.Context, job crawl.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return ErrJobNotFound
	}
	s.jobs[job.ID] = job
	return nil
}

// RecordPage appends a page bookkeeping row for a job.
func (s *JobStore) RecordPage(_ context.Context, page crawl.PageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[page.JobID] = append(s.pages[page.JobID], page)
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (crawl.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawl.Job{}, ErrJobNotFound
	}
	return job, nil
}

// ListPages returns all recorded pages for a job.
func (s *JobStore) ListPages(_ context.Context, jobID string) ([]crawl.PageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pages := s.pages[jobID]
	out := make([]crawl.PageRecord, len(pages))
	copy(out, pages)
	return out, nil
}
