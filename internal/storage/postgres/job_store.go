// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/khatiwada051/WebCrawler/internal/crawl"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ErrJobNotFound is returned when a job ID has no stored row.
var ErrJobNotFound = crawl.ErrJobNotFound

// JobStoreConfig controls the Postgres connection pool used for job rows.
type JobStoreConfig struct {
	DSN             string
	JobsTable       string
	PagesTable      string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// JobStore persists job lifecycle rows and page bookkeeping in Postgres.
type JobStore struct {
	pool       querier
	jobsTable  string
	pagesTable string
}

// NewJobStore creates a Postgres-backed JobStore using the provided config.
func NewJobStore(ctx context.Context, cfg JobStoreConfig) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	jobsTable, pagesTable, err := tableNames(cfg.JobsTable, cfg.PagesTable)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &JobStore{pool: pool, jobsTable: jobsTable, pagesTable: pagesTable}, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily
// for testing).
func NewJobStoreWithPool(pool querier, jobsTable, pagesTable string) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	jt, pt, err := tableNames(jobsTable, pagesTable)
	if err != nil {
		return nil, err
	}
	return &JobStore{pool: pool, jobsTable: jt, pagesTable: pt}, nil
}

func tableNames(jobs, pages string) (string, string, error) {
	if jobs == "" {
		jobs = "crawl_jobs"
	}
	if pages == "" {
		pages = "crawl_pages"
	}
	for _, name := range []string{jobs, pages} {
		if !validTableName.MatchString(name) {
			return "", "", fmt.Errorf("invalid table name %q", name)
		}
	}
	return jobs, pages, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateJob inserts a job row.
func (s *JobStore) CreateJob(ctx context.Context, job crawl.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	counters, err := json.Marshal(job.Counters)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id, site_id, scope, status, reason, submitted_at, started_at, finished_at, counters
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`, s.jobsTable)

	args := []any{
		job.ID, job.SiteID, job.Scope, string(job.Status), job.Reason,
		job.Submitted, job.Started, job.Finished, counters,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// UpdateJob overwrites the mutable columns of a job row.
func (s *JobStore) UpdateJob(ctx context.Context, job crawl.Job) error {
	counters, err := json.Marshal(job.Counters)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	query := fmt.Sprintf(`
UPDATE %s SET
	status = $2, reason = $3, started_at = $4, finished_at = $5, counters = $6
WHERE id = $1`, s.jobsTable)

	tag, err := s.pool.Exec(ctx, query,
		job.ID, string(job.Status), job.Reason, job.Started, job.Finished, counters)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update job %s: %w", job.ID, ErrJobNotFound)
	}
	return nil
}

// RecordPage inserts one page bookkeeping row.
func (s *JobStore) RecordPage(ctx context.Context, page crawl.PageRecord) error {
	query := fmt.Sprintf(`
INSERT INTO %s (
	job_id, url, kind, status_code, capability, fetched_at, duration_ms, content_hash, blob_uri
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`, s.pagesTable)

	args := []any{
		page.JobID, page.URL, string(page.Kind), page.StatusCode, string(page.Capability),
		page.FetchedAt, page.Duration.Milliseconds(), page.ContentHash, page.BlobURI,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert page: %w", err)
	}
	return nil
}

// GetJob reads one job row.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (crawl.Job, error) {
	query := fmt.Sprintf(`
SELECT id, site_id, scope, status, reason, submitted_at, started_at, finished_at, counters
FROM %s WHERE id = $1`, s.jobsTable)

	var (
		job      crawl.Job
		status   string
		counters []byte
	)
	row := s.pool.QueryRow(ctx, query, jobID)
	err := row.Scan(&job.ID, &job.SiteID, &job.Scope, &status, &job.Reason,
		&job.Submitted, &job.Started, &job.Finished, &counters)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawl.Job{}, fmt.Errorf("job %s: %w", jobID, ErrJobNotFound)
	}
	if err != nil {
		return crawl.Job{}, fmt.Errorf("select job: %w", err)
	}
	job.Status = crawl.JobStatus(status)
	if len(counters) > 0 {
		if err := json.Unmarshal(counters, &job.Counters); err != nil {
			return crawl.Job{}, fmt.Errorf("unmarshal counters: %w", err)
		}
	}
	return job, nil
}

// ListPages returns the page rows recorded for a job in fetch order.
func (s *JobStore) ListPages(ctx context.Context, jobID string) ([]crawl.PageRecord, error) {
	query := fmt.Sprintf(`
SELECT job_id, url, kind, status_code, capability, fetched_at, duration_ms, content_hash, blob_uri
FROM %s WHERE job_id = $1 ORDER BY fetched_at`, s.pagesTable)

	rows, err := s.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("select pages: %w", err)
	}
	defer rows.Close()

	var out []crawl.PageRecord
	for rows.Next() {
		var (
			page       crawl.PageRecord
			kind       string
			capability string
			durationMS int64
		)
		if err := rows.Scan(&page.JobID, &page.URL, &kind, &page.StatusCode, &capability,
			&page.FetchedAt, &durationMS, &page.ContentHash, &page.BlobURI); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		page.Kind = crawl.TaskKind(kind)
		page.Capability = crawl.Capability(capability)
		page.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, page)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pages: %w", err)
	}
	return out, nil
}
