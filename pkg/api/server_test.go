package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/scorepipe/scorepipe/pkg/database"
	"github.com/scorepipe/scorepipe/pkg/models"
	"github.com/scorepipe/scorepipe/pkg/pipeline"
	"github.com/scorepipe/scorepipe/pkg/services"
)

type apiHarness struct {
	server      *Server
	queue       *pipeline.MemStore
	pool        *fakePool
	resumer     *fakeResumer
	items       *services.ItemService
	batches     *services.BatchService
	assignments *services.AssignmentService
}

func newAPIHarness(t *testing.T) *apiHarness {
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

	h := &apiHarness{
		queue:       pipeline.NewMemStore(),
		pool:        &fakePool{healthy: true, workers: 2},
		resumer:     &fakeResumer{},
		items:       services.NewItemService(client.Pool()),
		batches:     services.NewBatchService(client.Pool()),
		assignments: services.NewAssignmentService(client.Pool()),
	}
	h.server = NewServer(Deps{
		DB:          client,
		Items:       h.items,
		Batches:     h.batches,
		Assignments: h.assignments,
		Queue:       h.queue,
		Pool:        h.pool,
		Resumer:     h.resumer,
	})
	return h
}

func (h *apiHarness) do(method, path, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.server.echo.ServeHTTP(rec, req)
	return rec
}

func TestBatchLifecycleOverHTTP(t *testing.T) {
	h := newAPIHarness(t)
	ctx := context.Background()

	// Register a batch of two uploaded blobs.
	rec := h.do(http.MethodPost, "/api/v1/batches", `{
		"user_id": "librarian-1",
		"files": [
			{"file_name": "suite.pdf", "storage_key": "smart-upload/incoming/suite.pdf"},
			{"file_name": "march.pdf", "storage_key": "smart-upload/incoming/march.pdf"}
		]
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created BatchDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Len(t, created.Items, 2)
	assert.Equal(t, models.BatchStatusCreated, created.Batch.Status)

	assert.Len(t, h.queue.JobsByName(pipeline.JobExtractText), 2)

	// Fetch it back with items.
	rec = h.do(http.MethodGet, "/api/v1/batches/"+created.Batch.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var fetched BatchDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fetched))
	assert.Len(t, fetched.Items, 2)

	// Unknown batch is a 404.
	rec = h.do(http.MethodGet, "/api/v1/batches/ffffffff-0000-0000-0000-000000000000", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Cancel: every item gets a cleanup job and a pod-local cancel.
	rec = h.do(http.MethodPost, "/api/v1/batches/"+created.Batch.ID+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var cancelResp CancelResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cancelResp))
	assert.Equal(t, 2, cancelResp.Cancelled)
	assert.Len(t, h.pool.cancelled, 2)

	assert.Len(t, h.queue.JobsByName(pipeline.JobCleanup), 2)

	batch, err := h.batches.GetBatch(ctx, created.Batch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCancelled, batch.Status)

	// Cancelling a terminal batch conflicts.
	rec = h.do(http.MethodPost, "/api/v1/batches/"+created.Batch.ID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestApproveItemOverHTTP(t *testing.T) {
	h := newAPIHarness(t)
	ctx := context.Background()

	batch, err := h.batches.CreateBatch(ctx, "librarian-1", 1)
	require.NoError(t, err)
	item, err := h.items.CreateItem(ctx, batch.ID, "suite.pdf", "application/pdf", "smart-upload/incoming/suite.pdf")
	require.NoError(t, err)

	// A pending item is not approvable.
	rec := h.do(http.MethodPost, "/api/v1/items/"+item.ID+"/approve", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Walk the item to the review barrier.
	_, err = h.items.MarkTextExtracted(ctx, item.ID, "SUITE", 4)
	require.NoError(t, err)
	_, err = h.items.MarkMetadataExtracted(ctx, item.ID, &models.ExtractedMetadata{Title: "Suite"})
	require.NoError(t, err)
	applied, err := h.items.MarkSplitPlanned(ctx, item.ID,
		[]models.CuttingInstruction{{PartName: "Full Score", PageRange: models.PageRange{0, 3}}}, false)
	require.NoError(t, err)
	require.True(t, applied)

	rec = h.do(http.MethodPost, "/api/v1/items/"+item.ID+"/approve",
		`{"performed_by": "alex", "notes": "plan looks right"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var approved models.Item
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &approved))
	assert.Equal(t, models.ItemStatusApproved, approved.Status)
	assert.False(t, approved.AutoApproved)
	assert.Equal(t, []string{item.ID}, h.resumer.resumed)

	history, err := h.assignments.History(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "approved", history[0].Action)
	assert.Equal(t, "alex", history[0].PerformedBy)

	// A second approve is a conflict: the item already left review.
	rec = h.do(http.MethodPost, "/api/v1/items/"+item.ID+"/approve", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Unknown item is a 404.
	rec = h.do(http.MethodGet, "/api/v1/items/ffffffff-0000-0000-0000-000000000000", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
