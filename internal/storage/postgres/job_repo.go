package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fortai/legalcrawl/internal/crawler"
)

// JobRepo implements crawler.JobRepository over the jobs table.
type JobRepo struct {
	pool *pgxpool.Pool
}

// NewJobRepo creates a JobRepo.
func NewJobRepo(pool *pgxpool.Pool) *JobRepo {
	return &JobRepo{pool: pool}
}

// CreateJob inserts a pending job row.
func (r *JobRepo) CreateJob(ctx context.Context, job crawler.Job) error {
	metadata, err := json.Marshal(job.Metadata)
	if err != nil {
		return fmt.Errorf("marshal job metadata: %w", err)
	}
	query := `
		INSERT INTO jobs (
			id, config_id, status, created_at, updated_at,
			pages_crawled, pages_failed, pages_skipped, next_run_at, metadata
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = r.pool.Exec(ctx, query,
		job.ID, job.ConfigID, string(job.Status), job.CreatedAt, job.UpdatedAt,
		job.PagesCrawled, job.PagesFailed, job.PagesSkipped, job.NextRunAt, metadata,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by ID.
func (r *JobRepo) GetJob(ctx context.Context, jobID uuid.UUID) (crawler.Job, error) {
	query := `
		SELECT id, config_id, status, created_at, updated_at, started_at,
		       completed_at, error_message, pages_crawled, pages_failed,
		       pages_skipped, next_run_at, worker_id, metadata
		FROM jobs
		WHERE id = $1
	`
	var (
		job      crawler.Job
		status   string
		errMsg   *string
		workerID *string
		metadata []byte
	)
	err := r.pool.QueryRow(ctx, query, jobID).Scan(
		&job.ID, &job.ConfigID, &status, &job.CreatedAt, &job.UpdatedAt,
		&job.StartedAt, &job.CompletedAt, &errMsg, &job.PagesCrawled,
		&job.PagesFailed, &job.PagesSkipped, &job.NextRunAt, &workerID, &metadata,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Job{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.Job{}, fmt.Errorf("select job: %w", err)
	}

	job.Status = crawler.JobStatus(status)
	if errMsg != nil {
		job.ErrorMessage = *errMsg
	}
	if workerID != nil {
		job.WorkerID = *workerID
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &job.Metadata); err != nil {
			return crawler.Job{}, fmt.Errorf("unmarshal job metadata: %w", err)
		}
	}
	return job, nil
}

// TransitionJob performs a compare-and-set on status, writing the
// accompanying fields in the same statement. ErrTransitionConflict is
// returned when the job was not in the expected state.
func (r *JobRepo) TransitionJob(
	ctx context.Context,
	jobID uuid.UUID,
	from, to crawler.JobStatus,
	fields crawler.TransitionFields,
) error {
	if !crawler.CanTransition(from, to) {
		return crawler.ErrTransitionConflict
	}

	query := `
		UPDATE jobs
		SET status = $3,
		    updated_at = NOW(),
		    started_at = COALESCE($4, started_at),
		    completed_at = COALESCE($5, completed_at),
		    error_message = COALESCE($6, error_message),
		    worker_id = CASE WHEN $8 THEN NULL ELSE COALESCE($7, worker_id) END
		WHERE id = $1 AND status = $2
	`
	tag, err := r.pool.Exec(ctx, query,
		jobID, string(from), string(to),
		fields.StartedAt, fields.CompletedAt, fields.ErrorMessage,
		fields.WorkerID, fields.ClearWorkerID,
	)
	if err != nil {
		return fmt.Errorf("transition job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrTransitionConflict
	}
	return nil
}

// ReclaimJob reassigns a running job to a new worker, counting takeovers in
// the metadata column so repeated lease losses can fail the job.
func (r *JobRepo) ReclaimJob(ctx context.Context, jobID uuid.UUID, workerID string) (int, error) {
	query := `
		UPDATE jobs
		SET worker_id = $2,
		    updated_at = NOW(),
		    metadata = jsonb_set(
		        COALESCE(metadata, '{}'::jsonb),
		        '{reclaims}',
		        to_jsonb(COALESCE((metadata->>'reclaims')::int, 0) + 1)
		    )
		WHERE id = $1 AND status = 'running'
		RETURNING (metadata->>'reclaims')::int
	`
	var count int
	err := r.pool.QueryRow(ctx, query, jobID, workerID).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, crawler.ErrTransitionConflict
	}
	if err != nil {
		return 0, fmt.Errorf("reclaim job: %w", err)
	}
	return count, nil
}

// UpdateJobCounters applies increments to the page counters.
func (r *JobRepo) UpdateJobCounters(ctx context.Context, jobID uuid.UUID, delta crawler.CounterDelta) error {
	query := `
		UPDATE jobs
		SET pages_crawled = pages_crawled + $2,
		    pages_failed = pages_failed + $3,
		    pages_skipped = pages_skipped + $4,
		    updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query, jobID, delta.Crawled, delta.Failed, delta.Skipped)
	if err != nil {
		return fmt.Errorf("update job counters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrNotFound
	}
	return nil
}
