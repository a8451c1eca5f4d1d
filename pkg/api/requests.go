package api

import (
	"time"

	"github.com/scorepipe/scorepipe/pkg/database"
	"github.com/scorepipe/scorepipe/pkg/models"
	"github.com/scorepipe/scorepipe/pkg/pipeline"
)

// CreateBatchRequest registers a batch of already-uploaded blobs.
type CreateBatchRequest struct {
	UserID string      `json:"user_id"`
	Files  []BatchFile `json:"files"`
}

// BatchFile names one uploaded blob.
type BatchFile struct {
	FileName   string `json:"file_name"`
	MimeType   string `json:"mime_type"`
	StorageKey string `json:"storage_key"`
}

// ApproveItemRequest carries the reviewer identity for the audit record.
type ApproveItemRequest struct {
	PerformedBy string `json:"performed_by"`
	Notes       string `json:"notes"`
}

// BatchDetail is a batch with its items.
type BatchDetail struct {
	Batch *models.Batch  `json:"batch"`
	Items []*models.Item `json:"items"`
}

// CancelResponse acknowledges a cancel request.
type CancelResponse struct {
	BatchID   string `json:"batch_id"`
	Cancelled int    `json:"cancelled_items"`
	Message   string `json:"message"`
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Database  *database.HealthStatus `json:"database,omitempty"`
	Pool      pipeline.PoolHealth    `json:"pool"`
}

// ReadyResponse is the /ready body.
type ReadyResponse struct {
	Ready bool `json:"ready"`
}
