package pipeline

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for queue operations.
var (
	// ErrNoJobsAvailable indicates no runnable jobs match the claim filter.
	ErrNoJobsAvailable = errors.New("no jobs available")
)

// EnqueueOptions tune a single enqueue.
type EnqueueOptions struct {
	// Priority orders claims; higher runs first. Default 0.
	Priority int
	// MaxAttempts overrides the queue default when > 0.
	MaxAttempts int
	// Delay postpones the first run.
	Delay time.Duration
}

// QueueStats is a per-status row count snapshot.
type QueueStats struct {
	Queued     int `json:"queued"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Dead       int `json:"dead"`
}

// Store is the persistence contract of the job queue. The production
// implementation is PGStore; tests use an in-memory fake.
type Store interface {
	// Enqueue inserts a new queued job. payload must be JSON-marshalable.
	Enqueue(ctx context.Context, name string, payload any, opts EnqueueOptions) (*Job, error)

	// ClaimNext atomically claims the next runnable job whose name is in
	// names, marking it in progress for podID and bumping its attempt
	// counter. Returns ErrNoJobsAvailable when nothing is runnable.
	ClaimNext(ctx context.Context, podID string, names []string) (*Job, error)

	// Heartbeat refreshes an in-progress job's liveness stamp.
	Heartbeat(ctx context.Context, jobID int64) error

	// Complete marks a job completed.
	Complete(ctx context.Context, jobID int64) error

	// Fail records a failed attempt. Jobs with attempts left are requeued
	// with exponential backoff from backoffBase; exhausted jobs go dead.
	// Returns whether the job was requeued.
	Fail(ctx context.Context, jobID int64, jobErr error, backoffBase time.Duration) (bool, error)

	// RequeueOrphans requeues in-progress jobs whose heartbeat is older than
	// threshold. Returns how many were recovered.
	RequeueOrphans(ctx context.Context, threshold time.Duration) (int, error)

	// RequeueForPod requeues every in-progress job claimed by podID. Run at
	// startup so a restarted pod recovers its own jobs immediately.
	RequeueForPod(ctx context.Context, podID string) (int, error)

	// Stats returns per-status counts.
	Stats(ctx context.Context) (QueueStats, error)

	// TrimFinished deletes completed and dead rows beyond the newest
	// keepCompleted / keepDead. Returns how many rows were removed.
	TrimFinished(ctx context.Context, keepCompleted, keepDead int) (int64, error)
}
