package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scorepipe/scorepipe/pkg/config"
)

func testQueueConfig() *config.QueueConfig {
	cfg := config.DefaultQueueConfig()
	cfg.WorkerCount = 1
	cfg.PollInterval = 5 * time.Millisecond
	cfg.PollIntervalJitter = 1 * time.Millisecond
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.OrphanThreshold = 50 * time.Millisecond
	cfg.OrphanSweepInterval = 20 * time.Millisecond
	cfg.RetryBackoffBase = 1 * time.Millisecond
	return cfg
}

// waitFor polls until cond is true or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestWorkerProcessesJob(t *testing.T) {
	store := NewMemStore()
	registry := NewRegistry()
	var processed atomic.Int32
	registry.Register(JobExtractText, func(_ context.Context, _ *Job) error {
		processed.Add(1)
		return nil
	})

	job, err := store.Enqueue(context.Background(), JobExtractText,
		ItemPayload{BatchID: "b1", ItemID: "i1"}, EnqueueOptions{})
	require.NoError(t, err)

	w := NewWorker("w-0", "pod-1", store, registry, testQueueConfig(), StageJobNames, nil, nil)
	w.Start(context.Background())
	defer w.Stop()

	waitFor(t, 2*time.Second, func() bool { return processed.Load() == 1 })
	waitFor(t, 2*time.Second, func() bool {
		j, ok := store.Get(job.ID)
		return ok && j.Status == JobStatusCompleted
	})
}

func TestWorkerRetriesUntilDead(t *testing.T) {
	store := NewMemStore()
	registry := NewRegistry()
	var attempts atomic.Int32
	registry.Register(JobIngest, func(_ context.Context, _ *Job) error {
		attempts.Add(1)
		return errors.New("catalog write refused")
	})

	job, err := store.Enqueue(context.Background(), JobIngest,
		ItemPayload{BatchID: "b1", ItemID: "i1"}, EnqueueOptions{MaxAttempts: 3})
	require.NoError(t, err)

	w := NewWorker("w-0", "pod-1", store, registry, testQueueConfig(), StageJobNames, nil, nil)
	w.Start(context.Background())
	defer w.Stop()

	waitFor(t, 5*time.Second, func() bool {
		j, ok := store.Get(job.ID)
		return ok && j.Status == JobStatusDead
	})
	assert.Equal(t, int32(3), attempts.Load())

	j, _ := store.Get(job.ID)
	require.NotNil(t, j.LastError)
	assert.Contains(t, *j.LastError, "catalog write refused")
}

func TestWorkerOnlyClaimsItsNames(t *testing.T) {
	store := NewMemStore()
	registry := NewRegistry()
	var cleanups atomic.Int32
	registry.Register(JobCleanup, func(_ context.Context, _ *Job) error {
		cleanups.Add(1)
		return nil
	})

	_, err := store.Enqueue(context.Background(), JobCleanup,
		CleanupPayload{BatchID: "b1", ItemID: "i1", Reason: CleanupReasonFailed}, EnqueueOptions{})
	require.NoError(t, err)

	// A stage worker must leave cleanup jobs alone.
	w := NewWorker("w-0", "pod-1", store, registry, testQueueConfig(), StageJobNames, nil, nil)
	w.Start(context.Background())
	time.Sleep(100 * time.Millisecond)
	w.Stop()

	assert.Zero(t, cleanups.Load())
	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Queued)
}

func TestPoolCancelItemReachesHandler(t *testing.T) {
	store := NewMemStore()
	registry := NewRegistry()
	started := make(chan struct{})
	var sawCancel atomic.Bool
	registry.Register(JobSecondPass, func(ctx context.Context, _ *Job) error {
		close(started)
		<-ctx.Done()
		sawCancel.Store(true)
		return ctx.Err()
	})
	// Cleanup keeps its own workers busy-free in this test.
	registry.Register(JobCleanup, func(context.Context, *Job) error { return nil })
	for _, name := range []string{JobExtractText, JobExtractMetadata, JobClassifyAndPlan, JobSplitPDF, JobIngest} {
		registry.Register(name, func(context.Context, *Job) error { return nil })
	}

	pool := NewPool("pod-1", store, registry, testQueueConfig(), nil)
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	_, err := store.Enqueue(context.Background(), JobSecondPass,
		ItemPayload{BatchID: "b1", ItemID: "item-9"}, EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)

	<-started
	waitFor(t, 2*time.Second, func() bool { return pool.CancelItem("item-9") })
	waitFor(t, 2*time.Second, func() bool { return sawCancel.Load() })
}

func TestPoolStartRequeuesOwnOrphans(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	// Simulate a job claimed by a previous incarnation of this pod.
	_, err := store.Enqueue(ctx, JobExtractText, ItemPayload{BatchID: "b", ItemID: "i"}, EnqueueOptions{})
	require.NoError(t, err)
	claimed, err := store.ClaimNext(ctx, "pod-1", StageJobNames)
	require.NoError(t, err)

	registry := NewRegistry()
	processed := make(chan struct{})
	registry.Register(JobExtractText, func(context.Context, *Job) error {
		close(processed)
		return nil
	})

	pool := NewPool("pod-1", store, registry, testQueueConfig(), nil)
	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	select {
	case <-processed:
	case <-time.After(2 * time.Second):
		t.Fatal("requeued job was not processed after restart")
	}
	_ = claimed
}

func TestPoolHealth(t *testing.T) {
	store := NewMemStore()
	registry := NewRegistry()
	registry.Register(JobExtractText, func(context.Context, *Job) error { return nil })

	cfg := testQueueConfig()
	cfg.WorkerCount = 2
	pool := NewPool("pod-1", store, registry, cfg, nil)
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	health := pool.Health(context.Background())
	assert.True(t, health.IsHealthy)
	assert.Equal(t, "pod-1", health.PodID)
	assert.Equal(t, 3, health.TotalWorkers, "two stage workers plus one cleanup worker")
	assert.Len(t, health.WorkerStats, 3)
}

func TestMemStoreOrphanRequeue(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	_, err := store.Enqueue(ctx, JobSplitPDF, ItemPayload{BatchID: "b", ItemID: "i"}, EnqueueOptions{})
	require.NoError(t, err)
	_, err = store.ClaimNext(ctx, "pod-gone", StageJobNames)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	n, err := store.RequeueOrphans(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Queued)
}

func TestMemStoreTrimFinished(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		job, err := store.Enqueue(ctx, JobExtractText, ItemPayload{}, EnqueueOptions{})
		require.NoError(t, err)
		_, err = store.ClaimNext(ctx, "pod", StageJobNames)
		require.NoError(t, err)
		require.NoError(t, store.Complete(ctx, job.ID))
	}

	removed, err := store.TrimFinished(ctx, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Completed)
}

func TestMemStorePriorityOrdering(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	_, err := store.Enqueue(ctx, JobExtractText, ItemPayload{ItemID: "low"}, EnqueueOptions{})
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, JobExtractText, ItemPayload{ItemID: "high"}, EnqueueOptions{Priority: 10})
	require.NoError(t, err)

	job, err := store.ClaimNext(ctx, "pod", StageJobNames)
	require.NoError(t, err)
	assert.Equal(t, "high", job.ItemID())
}

func TestMemStoreDelayedJobNotClaimable(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	_, err := store.Enqueue(ctx, JobExtractText, ItemPayload{}, EnqueueOptions{Delay: time.Hour})
	require.NoError(t, err)

	_, err = store.ClaimNext(ctx, "pod", StageJobNames)
	assert.ErrorIs(t, err, ErrNoJobsAvailable)
}
