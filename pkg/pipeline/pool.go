package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/scorepipe/scorepipe/pkg/config"
)

// PoolHealth contains health information for the entire worker pool.
type PoolHealth struct {
	IsHealthy        bool           `json:"is_healthy"`
	PodID            string         `json:"pod_id"`
	TotalWorkers     int            `json:"total_workers"`
	ActiveJobs       int            `json:"active_jobs"`
	Queue            QueueStats     `json:"queue"`
	QueueError       string         `json:"queue_error,omitempty"`
	WorkerStats      []WorkerHealth `json:"worker_stats"`
	LastOrphanSweep  time.Time      `json:"last_orphan_sweep"`
	OrphansRecovered int            `json:"orphans_recovered"`
}

// Pool manages the stage and cleanup workers plus the orphan sweeper.
type Pool struct {
	podID    string
	store    Store
	registry *Registry
	config   *config.QueueConfig
	recorder Recorder
	workers  []*Worker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// In-flight cancel registry: item_id -> cancel function
	mu         sync.RWMutex
	activeJobs map[string]context.CancelFunc
	started    bool

	// Orphan sweep state
	orphanMu         sync.Mutex
	lastOrphanSweep  time.Time
	orphansRecovered int
}

// NewPool creates a worker pool. recorder may be nil.
func NewPool(podID string, store Store, registry *Registry, cfg *config.QueueConfig, recorder Recorder) *Pool {
	return &Pool{
		podID:      podID,
		store:      store,
		registry:   registry,
		config:     cfg,
		recorder:   recorder,
		stopCh:     make(chan struct{}),
		activeJobs: make(map[string]context.CancelFunc),
	}
}

// Start requeues this pod's leftover jobs, spawns the workers, and starts the
// orphan sweeper. Safe to call multiple times; subsequent calls are no-ops.
func (p *Pool) Start(ctx context.Context) error {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return nil
	}
	p.started = true

	// A restarted pod recovers jobs it held in its previous life before any
	// worker begins polling.
	recovered, err := p.store.RequeueForPod(ctx, p.podID)
	if err != nil {
		return fmt.Errorf("failed to requeue jobs from previous run: %w", err)
	}
	if recovered > 0 {
		slog.Info("Requeued jobs from previous run", "pod_id", p.podID, "count", recovered)
	}

	slog.Info("Starting worker pool",
		"pod_id", p.podID,
		"worker_count", p.config.WorkerCount,
		"cleanup_worker_count", p.config.CleanupWorkerCount)

	for i := 0; i < p.config.WorkerCount; i++ {
		id := fmt.Sprintf("%s-worker-%d", p.podID, i)
		w := NewWorker(id, p.podID, p.store, p.registry, p.config, StageJobNames, p, p.recorder)
		p.workers = append(p.workers, w)
		w.Start(ctx)
	}
	for i := 0; i < p.config.CleanupWorkerCount; i++ {
		id := fmt.Sprintf("%s-cleanup-%d", p.podID, i)
		w := NewWorker(id, p.podID, p.store, p.registry, p.config, []string{JobCleanup}, p, p.recorder)
		p.workers = append(p.workers, w)
		w.Start(ctx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runOrphanSweep(ctx)
	}()

	slog.Info("Worker pool started")
	return nil
}

// Stop signals all workers to stop and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	slog.Info("Stopping worker pool gracefully")

	active := p.activeItemIDs()
	if len(active) > 0 {
		slog.Info("Waiting for active jobs to complete", "count", len(active), "item_ids", active)
	}

	for _, w := range p.workers {
		w.Stop()
	}
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	slog.Info("Worker pool stopped gracefully")
}

// RegisterJob stores a cancel function for an in-flight item.
func (p *Pool) RegisterJob(itemID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeJobs[itemID] = cancel
}

// UnregisterJob removes the cancel function when processing ends.
func (p *Pool) UnregisterJob(itemID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeJobs, itemID)
}

// CancelItem cancels the in-flight job for an item on this pod. Returns true
// when a job was found and cancelled.
func (p *Pool) CancelItem(itemID string) bool {
	p.mu.RLock()
	cancel, ok := p.activeJobs[itemID]
	p.mu.RUnlock()
	if ok {
		cancel()
	}
	return ok
}

// Health reports pool, worker, and queue health.
func (p *Pool) Health(ctx context.Context) PoolHealth {
	p.mu.RLock()
	active := len(p.activeJobs)
	p.mu.RUnlock()

	health := PoolHealth{
		PodID:        p.podID,
		TotalWorkers: len(p.workers),
		ActiveJobs:   active,
	}
	for _, w := range p.workers {
		health.WorkerStats = append(health.WorkerStats, w.Health())
	}

	stats, err := p.store.Stats(ctx)
	if err != nil {
		health.QueueError = err.Error()
	} else {
		health.Queue = stats
	}

	p.orphanMu.Lock()
	health.LastOrphanSweep = p.lastOrphanSweep
	health.OrphansRecovered = p.orphansRecovered
	p.orphanMu.Unlock()

	health.IsHealthy = err == nil && len(p.workers) > 0
	return health
}

// runOrphanSweep periodically requeues jobs with stale heartbeats. All pods
// run this independently; the update is idempotent.
func (p *Pool) runOrphanSweep(ctx context.Context) {
	ticker := time.NewTicker(p.config.OrphanSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			n, err := p.store.RequeueOrphans(ctx, p.config.OrphanThreshold)
			if err != nil {
				slog.Error("Orphan sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Warn("Requeued orphaned jobs", "count", n)
			}
			p.orphanMu.Lock()
			p.lastOrphanSweep = time.Now()
			p.orphansRecovered += n
			p.orphanMu.Unlock()
		}
	}
}

func (p *Pool) activeItemIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.activeJobs))
	for id := range p.activeJobs {
		ids = append(ids, id)
	}
	return ids
}
