package config

import (
	"fmt"
	"time"
)

// QueueConfig controls how pipeline jobs are polled, claimed, and processed.
type QueueConfig struct {
	// WorkerCount is the number of smart-upload worker goroutines per pod.
	WorkerCount int

	// CleanupWorkerCount is the number of workers dedicated to cleanup jobs.
	// Cleanup is deliberately narrow so it never starves the main stages.
	CleanupWorkerCount int

	// PollInterval is the base interval for checking queued jobs.
	PollInterval time.Duration

	// PollIntervalJitter is the random jitter added to PollInterval.
	// Actual interval: PollInterval ± PollIntervalJitter.
	PollIntervalJitter time.Duration

	// HeartbeatInterval is how often an in-progress job refreshes its
	// heartbeat row.
	HeartbeatInterval time.Duration

	// OrphanThreshold is how long a job can go without a heartbeat before
	// the reaper requeues it.
	OrphanThreshold time.Duration

	// OrphanSweepInterval is how often the reaper scans for orphans.
	OrphanSweepInterval time.Duration

	// MaxAttempts is the per-job attempt budget before the job is dead.
	MaxAttempts int

	// RetryBackoffBase is the first retry delay; subsequent delays double.
	RetryBackoffBase time.Duration

	// KeepCompleted / KeepFailed bound how many finished job rows the
	// scheduler retains for inspection.
	KeepCompleted int
	KeepFailed    int

	// GracefulShutdownTimeout is the max time to wait for in-flight jobs
	// during shutdown.
	GracefulShutdownTimeout time.Duration
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		WorkerCount:             3,
		CleanupWorkerCount:      1,
		PollInterval:            1 * time.Second,
		PollIntervalJitter:      500 * time.Millisecond,
		HeartbeatInterval:       15 * time.Second,
		OrphanThreshold:         2 * time.Minute,
		OrphanSweepInterval:     1 * time.Minute,
		MaxAttempts:             3,
		RetryBackoffBase:        5 * time.Second,
		KeepCompleted:           100,
		KeepFailed:              50,
		GracefulShutdownTimeout: 5 * time.Minute,
	}
}

// Validate checks the configuration for values that would wedge the pool.
func (c *QueueConfig) Validate() error {
	if c.WorkerCount < 1 {
		return fmt.Errorf("worker count must be at least 1, got %d", c.WorkerCount)
	}
	if c.CleanupWorkerCount < 1 {
		return fmt.Errorf("cleanup worker count must be at least 1, got %d", c.CleanupWorkerCount)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.PollIntervalJitter < 0 || c.PollIntervalJitter >= c.PollInterval {
		return fmt.Errorf("poll jitter must be in [0, poll interval), got %s", c.PollIntervalJitter)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %s", c.HeartbeatInterval)
	}
	if c.OrphanThreshold <= c.HeartbeatInterval {
		return fmt.Errorf("orphan threshold %s must exceed heartbeat interval %s",
			c.OrphanThreshold, c.HeartbeatInterval)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	return nil
}
