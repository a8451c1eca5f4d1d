package services

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/scorepipe/scorepipe/pkg/database"
	"github.com/scorepipe/scorepipe/pkg/models"
)

// newTestDB starts a disposable PostgreSQL container with migrations applied.
func newTestDB(t *testing.T) *database.Client {
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
	return client
}

func createTestItem(t *testing.T, db *database.Client) (*models.Batch, *models.Item) {
	t.Helper()
	ctx := context.Background()
	batches := NewBatchService(db.Pool())
	items := NewItemService(db.Pool())

	batch, err := batches.CreateBatch(ctx, "librarian-1", 1)
	require.NoError(t, err)
	item, err := items.CreateItem(ctx, batch.ID, "suite.pdf", "", "smart-upload/s1/suite.pdf")
	require.NoError(t, err)
	return batch, item
}

func TestBatchLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	svc := NewBatchService(db.Pool())

	batch, err := svc.CreateBatch(ctx, "librarian-1", 2)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCreated, batch.Status)
	assert.Equal(t, 2, batch.TotalFiles)

	require.NoError(t, svc.MarkProcessing(ctx, batch.ID))
	require.NoError(t, svc.RecordItemOutcome(ctx, batch.ID, true))

	// Not done yet: one of two files processed.
	done, err := svc.FinishIfDone(ctx, batch.ID)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, svc.RecordItemOutcome(ctx, batch.ID, false))
	done, err = svc.FinishIfDone(ctx, batch.ID)
	require.NoError(t, err)
	assert.True(t, done)

	got, err := svc.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusComplete, got.Status)
	assert.Equal(t, 1, got.SuccessFiles)
	assert.Equal(t, 1, got.FailedFiles)
	require.NotNil(t, got.CompletedAt)

	// Terminal batches refuse cancellation.
	assert.ErrorIs(t, svc.Cancel(ctx, batch.ID), ErrTerminalState)
}

func TestBatchValidation(t *testing.T) {
	db := newTestDB(t)
	svc := NewBatchService(db.Pool())

	_, err := svc.CreateBatch(context.Background(), "", 1)
	assert.True(t, IsValidationError(err))
	_, err = svc.CreateBatch(context.Background(), "u", 0)
	assert.True(t, IsValidationError(err))
}

func TestGetBatchNotFound(t *testing.T) {
	db := newTestDB(t)
	_, err := NewBatchService(db.Pool()).GetBatch(context.Background(),
		"00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestItemStageTransitions(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	svc := NewItemService(db.Pool())
	_, item := createTestItem(t, db)

	applied, err := svc.MarkTextExtracted(ctx, item.ID, "Symphony No. 1", 12)
	require.NoError(t, err)
	assert.True(t, applied)

	// Replaying the same transition is a no-op.
	applied, err = svc.MarkTextExtracted(ctx, item.ID, "other text", 99)
	require.NoError(t, err)
	assert.False(t, applied)

	md := &models.ExtractedMetadata{
		Title: "Symphony No. 1", Composer: "Brahms",
		FileType: models.FileTypePart, IsMultiPart: true, ConfidenceScore: 90,
	}
	applied, err = svc.MarkMetadataExtracted(ctx, item.ID, md)
	require.NoError(t, err)
	assert.True(t, applied)

	instr := []models.CuttingInstruction{
		{PartName: "Flute", Instrument: "Flute", PageRange: models.PageRange{0, 5}},
		{PartName: "Oboe", Instrument: "Oboe", PageRange: models.PageRange{6, 11}},
	}
	applied, err = svc.MarkSplitPlanned(ctx, item.ID, instr, true)
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := svc.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatusNeedsReview, got.Status)
	assert.Equal(t, models.ItemStepSplitPlanned, got.CurrentStep)
	assert.True(t, got.IsPacket)
	assert.Equal(t, instr, got.CuttingInstructions)
	require.NotNil(t, got.Metadata)
	assert.Equal(t, "Brahms", got.Metadata.Composer)
	assert.Equal(t, 12, got.TotalPages)

	applied, err = svc.Approve(ctx, item.ID, false)
	require.NoError(t, err)
	assert.True(t, applied)

	parts := []models.ParsedPart{{
		PartName: "Flute", Instrument: "Flute",
		StorageKey: "smart-upload/s1/parts/flute.pdf",
		FileName:   "flute.pdf", PageCount: 6, PageRange: models.PageRange{0, 5},
	}}
	applied, err = svc.MarkSplitComplete(ctx, item.ID, parts, []string{"smart-upload/s1/pages/0.png"})
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = svc.MarkIngested(ctx, item.ID)
	require.NoError(t, err)
	assert.True(t, applied)

	got, err = svc.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatusComplete, got.Status)
	assert.Equal(t, models.ItemStepIngested, got.CurrentStep)
	assert.Equal(t, parts, got.ParsedParts)

	// Terminal items reject further transitions.
	applied, err = svc.MarkFailed(ctx, item.ID, "late failure", "")
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestItemSecondPassAndAdjudication(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	svc := NewItemService(db.Pool())
	_, item := createTestItem(t, db)

	require.NoError(t, svc.SetSecondPassStatus(ctx, item.ID, models.PassStatusQueued))

	res := &models.SecondPassResult{
		Metadata:               models.ExtractedMetadata{Title: "Suite", Composer: "Holst"},
		VerificationConfidence: 72,
		Disagreements:          []string{"title mismatch"},
	}
	applied, err := svc.StoreSecondPassResult(ctx, item.ID, res)
	require.NoError(t, err)
	assert.True(t, applied)

	// A completed pass refuses a second result.
	applied, err = svc.StoreSecondPassResult(ctx, item.ID, res)
	require.NoError(t, err)
	assert.False(t, applied)

	adjudicated := &models.ExtractedMetadata{Title: "First Suite in E-flat", Composer: "Holst", ConfidenceScore: 88}
	applied, err = svc.SetAdjudication(ctx, item.ID, adjudicated, "second pass misread the cover", models.PassStatusComplete)
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := svc.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PassStatusComplete, got.SecondPassStatus)
	require.NotNil(t, got.SecondPassResult)
	assert.Equal(t, 72.0, got.SecondPassResult.VerificationConfidence)
	require.NotNil(t, got.Metadata)
	assert.Equal(t, "First Suite in E-flat", got.Metadata.Title)
	require.NotNil(t, got.AdjudicationNotes)
}

func TestItemFinalizeAndCancel(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	svc := NewItemService(db.Pool())
	_, item := createTestItem(t, db)

	instr := []models.CuttingInstruction{
		{PartName: "Flute", Instrument: "Flute", PageRange: models.PageRange{0, 3}},
	}
	applied, err := svc.Finalize(ctx, item.ID, instr, 0, true, models.ItemStatusNeedsReview)
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := svc.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatusNeedsReview, got.Status)
	assert.True(t, got.RequiresHumanReview)
	require.NotNil(t, got.FinalConfidence)
	assert.Equal(t, 0.0, *got.FinalConfidence)

	applied, err = svc.MarkCancelled(ctx, item.ID)
	require.NoError(t, err)
	assert.True(t, applied)

	got, err = svc.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatusCancelled, got.Status)
	assert.Empty(t, got.CurrentStep)
}

func TestSettingsRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	svc := NewSettingsService(db.Pool())

	require.NoError(t, svc.Set(ctx, "llm_provider", "anthropic"))
	require.NoError(t, svc.Set(ctx, "llm_rate_limit_rpm", "30"))
	require.NoError(t, svc.Set(ctx, "llm_provider", "openai")) // upsert

	got, err := svc.Get(ctx, "llm_provider")
	require.NoError(t, err)
	assert.Equal(t, "openai", got)

	all, err := svc.AllSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"llm_provider":       "openai",
		"llm_rate_limit_rpm": "30",
	}, all)

	_, err = svc.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAssignmentHistory(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	svc := NewAssignmentService(db.Pool())

	from := "pending"
	require.NoError(t, svc.Record(ctx, models.AssignmentHistoryEntry{
		AssignmentID: "item-7",
		Action:       "approve",
		FromStatus:   &from,
		ToStatus:     "approved",
		PerformedBy:  "librarian-1",
	}))
	require.NoError(t, svc.Record(ctx, models.AssignmentHistoryEntry{
		AssignmentID: "item-7",
		Action:       "ingest",
		ToStatus:     "complete",
	}))

	history, err := svc.History(ctx, "item-7")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "approve", history[0].Action)
	assert.Equal(t, "librarian-1", history[0].PerformedBy)
	assert.Equal(t, "system", history[1].PerformedBy, "missing actor defaults to system")
}

func TestInTxRollsBackOnError(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	batches := NewBatchService(db.Pool())

	var id string
	err := InTx(ctx, db.Pool(), func(tx pgx.Tx) error {
		batch, err := batches.WithTx(tx).CreateBatch(ctx, "librarian-1", 1)
		if err != nil {
			return err
		}
		id = batch.ID
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	_, err = batches.GetBatch(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}
