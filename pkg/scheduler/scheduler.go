// Package scheduler provides the periodic housekeeping loop: queue row
// retention, stalled-item resumption, and batch finalization sweeps.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/scorepipe/scorepipe/pkg/config"
	"github.com/scorepipe/scorepipe/pkg/models"
	"github.com/scorepipe/scorepipe/pkg/pipeline"
	"github.com/scorepipe/scorepipe/pkg/services"
)

const (
	// tickInterval is how often the sweeps run.
	tickInterval = time.Minute

	// stallThreshold is how long an in-flight item row may sit untouched
	// before the scheduler re-enqueues its next stage. Must comfortably
	// exceed the queue's retry backoff window.
	stallThreshold = 30 * time.Minute
)

// Resumer re-enqueues the stage a stalled item is waiting on. Implemented by
// the smartupload pipeline.
type Resumer interface {
	Resume(ctx context.Context, item *models.Item) error
}

// DepthRecorder receives queue depth snapshots. Implemented by pkg/metrics;
// nil disables the gauge.
type DepthRecorder interface {
	SetQueueDepth(stats pipeline.QueueStats)
}

// Service runs the housekeeping sweeps on a fixed ticker. All sweeps are
// idempotent and safe to run from multiple pods.
type Service struct {
	logger  *slog.Logger
	queue   pipeline.Store
	items   *services.ItemService
	batches *services.BatchService
	resumer Resumer
	qcfg    *config.QueueConfig
	depth   DepthRecorder

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a scheduler. The depth recorder may be nil.
func NewService(
	logger *slog.Logger,
	queue pipeline.Store,
	items *services.ItemService,
	batches *services.BatchService,
	resumer Resumer,
	qcfg *config.QueueConfig,
	depth DepthRecorder,
) *Service {
	switch {
	case queue == nil:
		panic("scheduler.NewService: queue must not be nil")
	case items == nil || batches == nil:
		panic("scheduler.NewService: services must not be nil")
	case resumer == nil:
		panic("scheduler.NewService: resumer must not be nil")
	case qcfg == nil:
		panic("scheduler.NewService: queue config must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		logger:  logger,
		queue:   queue,
		items:   items,
		batches: batches,
		resumer: resumer,
		qcfg:    qcfg,
		depth:   depth,
	}
}

// Start launches the background loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Scheduler started",
		"interval", tickInterval,
		"keep_completed", s.qcfg.KeepCompleted,
		"keep_failed", s.qcfg.KeepFailed)
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Scheduler stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.trimQueue(ctx)
	s.resumeStalledItems(ctx)
	s.sweepBatches(ctx)
	s.publishQueueDepth(ctx)
}

func (s *Service) trimQueue(ctx context.Context) {
	removed, err := s.queue.TrimFinished(ctx, s.qcfg.KeepCompleted, s.qcfg.KeepFailed)
	if err != nil {
		s.logger.Error("Queue trim failed", "error", err)
		return
	}
	if removed > 0 {
		s.logger.Info("Trimmed finished queue rows", "removed", removed)
	}
}

func (s *Service) resumeStalledItems(ctx context.Context) {
	cutoff := time.Now().Add(-stallThreshold)
	stalled, err := s.items.StalledProcessing(ctx, cutoff)
	if err != nil {
		s.logger.Error("Stalled item scan failed", "error", err)
		return
	}
	for _, item := range stalled {
		if err := s.resumer.Resume(ctx, item); err != nil {
			s.logger.Error("Failed to resume stalled item",
				"item_id", item.ID, "step", item.CurrentStep, "error", err)
			continue
		}
		s.logger.Warn("Resumed stalled item",
			"item_id", item.ID, "status", item.Status, "step", item.CurrentStep,
			"stalled_since", item.UpdatedAt)
	}
}

func (s *Service) sweepBatches(ctx context.Context) {
	ids, err := s.batches.UnfinishedIDs(ctx)
	if err != nil {
		s.logger.Error("Batch sweep scan failed", "error", err)
		return
	}
	for _, id := range ids {
		finished, err := s.batches.FinishIfDone(ctx, id)
		if err != nil {
			s.logger.Error("Batch finish sweep failed", "batch_id", id, "error", err)
			continue
		}
		if finished {
			s.logger.Info("Batch finished by sweep", "batch_id", id)
		}
	}
}

func (s *Service) publishQueueDepth(ctx context.Context) {
	if s.depth == nil {
		return
	}
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		s.logger.Error("Queue stats failed", "error", err)
		return
	}
	s.depth.SetQueueDepth(stats)
}
