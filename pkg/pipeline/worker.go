package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/scorepipe/scorepipe/pkg/config"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID            string       `json:"id"`
	Status        WorkerStatus `json:"status"`
	CurrentJobID  int64        `json:"current_job_id,omitempty"`
	JobsProcessed int          `json:"jobs_processed"`
	LastActivity  time.Time    `json:"last_activity"`
}

// JobRegistry is the subset of Pool used by a Worker to expose in-flight jobs
// for cancellation.
type JobRegistry interface {
	RegisterJob(itemID string, cancel context.CancelFunc)
	UnregisterJob(itemID string)
}

// Worker polls the store for jobs matching its name set and runs them through
// the registry.
type Worker struct {
	id       string
	podID    string
	store    Store
	registry *Registry
	config   *config.QueueConfig
	names    []string
	pool     JobRegistry
	recorder Recorder
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking
	mu            sync.RWMutex
	status        WorkerStatus
	currentJobID  int64
	jobsProcessed int
	lastActivity  time.Time
}

// Recorder receives queue observations. Implemented by pkg/metrics; nil
// disables instrumentation.
type Recorder interface {
	ObserveJob(name, outcome string, duration time.Duration)
}

// NewWorker creates a queue worker claiming only the given job names.
// recorder may be nil.
func NewWorker(id, podID string, store Store, registry *Registry, cfg *config.QueueConfig,
	names []string, pool JobRegistry, recorder Recorder) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		store:        store,
		registry:     registry,
		config:       cfg,
		names:        names,
		pool:         pool,
		recorder:     recorder,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish its current job.
// It is safe to call Stop multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:            w.id,
		Status:        w.status,
		CurrentJobID:  w.currentJobID,
		JobsProcessed: w.jobsProcessed,
		LastActivity:  w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoJobsAvailable) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing job", "error", err)
				w.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollInterval returns the configured interval with jitter applied, so
// workers across pods do not poll in lockstep.
func (w *Worker) pollInterval() time.Duration {
	jitter := w.config.PollIntervalJitter
	if jitter <= 0 {
		return w.config.PollInterval
	}
	offset := time.Duration(rand.Int64N(int64(2*jitter))) - jitter
	return w.config.PollInterval + offset
}

// pollAndProcess claims one job and runs it to a terminal queue state.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	job, err := w.store.ClaimNext(ctx, w.podID, w.names)
	if err != nil {
		return err
	}

	log := slog.With("job_id", job.ID, "job_name", job.Name, "worker_id", w.id)
	log.Info("Job claimed", "attempt", job.Attempts)

	w.setStatus(WorkerStatusWorking, job.ID)
	defer w.setStatus(WorkerStatusIdle, 0)

	jobCtx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()

	// Expose the cancel function keyed by item so a batch cancel reaches
	// in-flight handlers.
	if itemID := job.ItemID(); itemID != "" && w.pool != nil {
		w.pool.RegisterJob(itemID, cancelJob)
		defer w.pool.UnregisterJob(itemID)
	}

	heartbeatCtx, cancelHeartbeat := context.WithCancel(jobCtx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, job.ID)

	start := time.Now()
	handlerErr := w.registry.Dispatch(jobCtx, job)
	cancelHeartbeat()

	// Terminal bookkeeping uses a background context: the job context may
	// already be cancelled.
	finishCtx, cancelFinish := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelFinish()

	if handlerErr != nil {
		requeued, failErr := w.store.Fail(finishCtx, job.ID, handlerErr, w.config.RetryBackoffBase)
		if failErr != nil {
			log.Error("Failed to record job failure", "error", failErr)
			return failErr
		}
		w.observe(job.Name, "failed", time.Since(start))
		log.Warn("Job failed", "error", handlerErr, "requeued", requeued)
	} else {
		if err := w.store.Complete(finishCtx, job.ID); err != nil {
			log.Error("Failed to mark job completed", "error", err)
			return err
		}
		w.observe(job.Name, "completed", time.Since(start))
		log.Info("Job completed", "duration_ms", time.Since(start).Milliseconds())
	}

	w.mu.Lock()
	w.jobsProcessed++
	w.mu.Unlock()
	return nil
}

// runHeartbeat refreshes the job's liveness stamp until cancelled.
func (w *Worker) runHeartbeat(ctx context.Context, jobID int64) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.Heartbeat(ctx, jobID); err != nil && ctx.Err() == nil {
				slog.Warn("Heartbeat failed", "job_id", jobID, "error", err)
			}
		}
	}
}

func (w *Worker) setStatus(status WorkerStatus, jobID int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentJobID = jobID
	w.lastActivity = time.Now()
}

func (w *Worker) observe(name, outcome string, d time.Duration) {
	if w.recorder != nil {
		w.recorder.ObserveJob(name, outcome, d)
	}
}
