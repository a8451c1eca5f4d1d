package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/scorepipe/scorepipe/pkg/database"
)

func newTestStore(t *testing.T) *PGStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}

	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	client, err := database.NewClient(ctx, database.Config{
		Host:     host,
		Port:     port.Int(),
		User:     "test",
		Password: "test",
		Database: "test",
		SSLMode:  "disable",
		MaxConns: 5,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return NewPGStore(client.Pool(), 3)
}

func TestPGStoreClaimLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	enqueued, err := store.Enqueue(ctx, JobExtractText,
		ItemPayload{BatchID: "b1", ItemID: "i1"}, EnqueueOptions{})
	require.NoError(t, err)
	assert.Equal(t, JobStatusQueued, enqueued.Status)
	assert.Equal(t, 3, enqueued.MaxAttempts)

	job, err := store.ClaimNext(ctx, "pod-1", StageJobNames)
	require.NoError(t, err)
	assert.Equal(t, enqueued.ID, job.ID)
	assert.Equal(t, JobStatusInProgress, job.Status)
	assert.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.PodID)
	assert.Equal(t, "pod-1", *job.PodID)
	require.NotNil(t, job.HeartbeatAt)

	// The claimed job is invisible to further claims.
	_, err = store.ClaimNext(ctx, "pod-2", StageJobNames)
	assert.ErrorIs(t, err, ErrNoJobsAvailable)

	require.NoError(t, store.Heartbeat(ctx, job.ID))
	require.NoError(t, store.Complete(ctx, job.ID))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, QueueStats{Completed: 1}, stats)
}

func TestPGStoreFailRequeuesThenKills(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, JobIngest, ItemPayload{BatchID: "b", ItemID: "i"},
		EnqueueOptions{MaxAttempts: 2})
	require.NoError(t, err)

	job, err := store.ClaimNext(ctx, "pod-1", StageJobNames)
	require.NoError(t, err)

	requeued, err := store.Fail(ctx, job.ID, assert.AnError, time.Millisecond)
	require.NoError(t, err)
	assert.True(t, requeued)

	// Wait out the 1ms backoff, then claim and fail again: attempts exhausted.
	time.Sleep(50 * time.Millisecond)
	job, err = store.ClaimNext(ctx, "pod-1", StageJobNames)
	require.NoError(t, err)
	assert.Equal(t, 2, job.Attempts)

	requeued, err = store.Fail(ctx, job.ID, assert.AnError, time.Millisecond)
	require.NoError(t, err)
	assert.False(t, requeued)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Dead)
}

func TestPGStorePriorityAndFIFO(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, JobExtractText, ItemPayload{ItemID: "first"}, EnqueueOptions{})
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, JobExtractText, ItemPayload{ItemID: "second"}, EnqueueOptions{})
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, JobCleanup, CleanupPayload{ItemID: "urgent"}, EnqueueOptions{Priority: 5})
	require.NoError(t, err)

	// Priority wins within the claim set; equal priority is FIFO.
	job, err := store.ClaimNext(ctx, "pod", []string{JobExtractText, JobCleanup})
	require.NoError(t, err)
	assert.Equal(t, "urgent", job.ItemID())

	job, err = store.ClaimNext(ctx, "pod", []string{JobExtractText, JobCleanup})
	require.NoError(t, err)
	assert.Equal(t, "first", job.ItemID())
}

func TestPGStoreOrphanAndPodRequeue(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, JobSplitPDF, ItemPayload{ItemID: "a"}, EnqueueOptions{})
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, JobSplitPDF, ItemPayload{ItemID: "b"}, EnqueueOptions{})
	require.NoError(t, err)

	_, err = store.ClaimNext(ctx, "pod-dead", StageJobNames)
	require.NoError(t, err)
	_, err = store.ClaimNext(ctx, "pod-live", StageJobNames)
	require.NoError(t, err)

	// Startup recovery takes back only this pod's jobs.
	n, err := store.RequeueForPod(ctx, "pod-dead")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// A zero threshold treats any heartbeat as stale.
	time.Sleep(20 * time.Millisecond)
	n, err = store.RequeueOrphans(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Queued)
}

func TestPGStoreTrimFinished(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		job, err := store.Enqueue(ctx, JobExtractText, ItemPayload{}, EnqueueOptions{})
		require.NoError(t, err)
		_, err = store.ClaimNext(ctx, "pod", StageJobNames)
		require.NoError(t, err)
		require.NoError(t, store.Complete(ctx, job.ID))
	}

	removed, err := store.TrimFinished(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)
}
