package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const jobColumns = `id, name, payload, status, priority, attempts, max_attempts,
	last_error, run_at, pod_id, heartbeat_at, created_at, updated_at, finished_at`

// PGStore implements Store on the shared PostgreSQL pool.
type PGStore struct {
	pool *pgxpool.Pool

	// defaultMaxAttempts applies when EnqueueOptions leaves MaxAttempts 0.
	defaultMaxAttempts int
}

// NewPGStore creates a PGStore.
func NewPGStore(pool *pgxpool.Pool, defaultMaxAttempts int) *PGStore {
	if pool == nil {
		panic("NewPGStore: pool must not be nil")
	}
	if defaultMaxAttempts < 1 {
		defaultMaxAttempts = 3
	}
	return &PGStore{pool: pool, defaultMaxAttempts: defaultMaxAttempts}
}

// Enqueue inserts a new queued job.
func (s *PGStore) Enqueue(ctx context.Context, name string, payload any, opts EnqueueOptions) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload for %s: %w", name, err)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = s.defaultMaxAttempts
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (name, payload, status, priority, max_attempts, run_at)
		VALUES ($1, $2, $3, $4, $5, now() + $6::interval)
		RETURNING `+jobColumns,
		name, raw, JobStatusQueued, opts.Priority, maxAttempts,
		fmt.Sprintf("%d milliseconds", opts.Delay.Milliseconds()))

	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue %s: %w", name, err)
	}
	return job, nil
}

// ClaimNext atomically claims the next runnable job using FOR UPDATE SKIP
// LOCKED, so concurrent workers never double-claim.
func (s *PGStore) ClaimNext(ctx context.Context, podID string, names []string) (*Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id int64
	err = tx.QueryRow(ctx, `
		SELECT id FROM jobs
		WHERE status = $1 AND run_at <= now() AND name = ANY($2)
		ORDER BY priority DESC, created_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
		JobStatusQueued, names).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoJobsAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select runnable job: %w", err)
	}

	row := tx.QueryRow(ctx, `
		UPDATE jobs
		SET status = $2, pod_id = $3, attempts = attempts + 1,
		    heartbeat_at = now(), updated_at = now()
		WHERE id = $1
		RETURNING `+jobColumns,
		id, JobStatusInProgress, podID)

	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job %d: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit claim of job %d: %w", id, err)
	}
	return job, nil
}

// Heartbeat refreshes the liveness stamp of an in-progress job.
func (s *PGStore) Heartbeat(ctx context.Context, jobID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET heartbeat_at = now(), updated_at = now()
		WHERE id = $1 AND status = $2`,
		jobID, JobStatusInProgress)
	if err != nil {
		return fmt.Errorf("failed to heartbeat job %d: %w", jobID, err)
	}
	return nil
}

// Complete marks a job completed.
func (s *PGStore) Complete(ctx context.Context, jobID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, finished_at = now(), updated_at = now()
		WHERE id = $1 AND status = $3`,
		jobID, JobStatusCompleted, JobStatusInProgress)
	if err != nil {
		return fmt.Errorf("failed to complete job %d: %w", jobID, err)
	}
	return nil
}

// Fail records a failed attempt, requeueing with exponential backoff while
// attempts remain.
func (s *PGStore) Fail(ctx context.Context, jobID int64, jobErr error, backoffBase time.Duration) (bool, error) {
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}

	var attempts, maxAttempts int
	err := s.pool.QueryRow(ctx,
		`SELECT attempts, max_attempts FROM jobs WHERE id = $1`, jobID).
		Scan(&attempts, &maxAttempts)
	if err != nil {
		return false, fmt.Errorf("failed to load job %d for failure: %w", jobID, err)
	}

	if attempts >= maxAttempts {
		_, err := s.pool.Exec(ctx, `
			UPDATE jobs
			SET status = $2, last_error = $3, finished_at = now(), updated_at = now()
			WHERE id = $1`,
			jobID, JobStatusDead, msg)
		if err != nil {
			return false, fmt.Errorf("failed to mark job %d dead: %w", jobID, err)
		}
		return false, nil
	}

	// Delay doubles per consumed attempt: base, 2*base, 4*base ...
	if attempts < 1 {
		attempts = 1
	}
	delay := backoffBase << (attempts - 1)
	_, err = s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, last_error = $3, pod_id = NULL, heartbeat_at = NULL,
		    run_at = now() + $4::interval, updated_at = now()
		WHERE id = $1`,
		jobID, JobStatusQueued, msg,
		fmt.Sprintf("%d milliseconds", delay.Milliseconds()))
	if err != nil {
		return false, fmt.Errorf("failed to requeue job %d: %w", jobID, err)
	}
	return true, nil
}

// RequeueOrphans requeues in-progress jobs with stale heartbeats. The extra
// attempt the orphaned run consumed stays consumed.
func (s *PGStore) RequeueOrphans(ctx context.Context, threshold time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $1, pod_id = NULL, heartbeat_at = NULL, run_at = now(), updated_at = now()
		WHERE status = $2 AND heartbeat_at < now() - $3::interval`,
		JobStatusQueued, JobStatusInProgress,
		fmt.Sprintf("%d milliseconds", threshold.Milliseconds()))
	if err != nil {
		return 0, fmt.Errorf("failed to requeue orphaned jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RequeueForPod requeues every in-progress job held by podID.
func (s *PGStore) RequeueForPod(ctx context.Context, podID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $1, pod_id = NULL, heartbeat_at = NULL, run_at = now(), updated_at = now()
		WHERE status = $2 AND pod_id = $3`,
		JobStatusQueued, JobStatusInProgress, podID)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue jobs for pod %s: %w", podID, err)
	}
	return int(tag.RowsAffected()), nil
}

// Stats returns per-status job counts.
func (s *PGStore) Stats(ctx context.Context) (QueueStats, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM jobs GROUP BY status`)
	if err != nil {
		return QueueStats{}, fmt.Errorf("failed to query queue stats: %w", err)
	}
	defer rows.Close()

	var stats QueueStats
	for rows.Next() {
		var status JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return QueueStats{}, fmt.Errorf("failed to scan queue stats: %w", err)
		}
		switch status {
		case JobStatusQueued:
			stats.Queued = n
		case JobStatusInProgress:
			stats.InProgress = n
		case JobStatusCompleted:
			stats.Completed = n
		case JobStatusDead:
			stats.Dead = n
		}
	}
	return stats, rows.Err()
}

// TrimFinished keeps only the newest finished rows per terminal status.
func (s *PGStore) TrimFinished(ctx context.Context, keepCompleted, keepDead int) (int64, error) {
	var removed int64
	for _, t := range []struct {
		status JobStatus
		keep   int
	}{
		{JobStatusCompleted, keepCompleted},
		{JobStatusDead, keepDead},
	} {
		tag, err := s.pool.Exec(ctx, `
			DELETE FROM jobs
			WHERE status = $1 AND id NOT IN (
				SELECT id FROM jobs WHERE status = $1
				ORDER BY finished_at DESC NULLS LAST, id DESC
				LIMIT $2
			)`, t.status, t.keep)
		if err != nil {
			return removed, fmt.Errorf("failed to trim %s jobs: %w", t.status, err)
		}
		removed += tag.RowsAffected()
	}
	return removed, nil
}

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	err := row.Scan(
		&j.ID, &j.Name, &j.Payload, &j.Status, &j.Priority, &j.Attempts,
		&j.MaxAttempts, &j.LastError, &j.RunAt, &j.PodID, &j.HeartbeatAt,
		&j.CreatedAt, &j.UpdatedAt, &j.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}
