// Package models defines the domain entities shared across the Smart Upload
// pipeline: batches, items, extracted metadata, cutting plans, and parsed parts.
package models

import "time"

// BatchStatus is the lifecycle status of an upload batch.
type BatchStatus string

// Batch status constants.
const (
	BatchStatusCreated     BatchStatus = "created"
	BatchStatusProcessing  BatchStatus = "processing"
	BatchStatusNeedsReview BatchStatus = "needs_review"
	BatchStatusComplete    BatchStatus = "complete"
	BatchStatusFailed      BatchStatus = "failed"
	BatchStatusCancelled   BatchStatus = "cancelled"
)

// Valid reports whether s is a known batch status.
func (s BatchStatus) Valid() bool {
	switch s {
	case BatchStatusCreated, BatchStatusProcessing, BatchStatusNeedsReview,
		BatchStatusComplete, BatchStatusFailed, BatchStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal batch status.
func (s BatchStatus) Terminal() bool {
	switch s {
	case BatchStatusComplete, BatchStatusFailed, BatchStatusCancelled:
		return true
	}
	return false
}

// Batch is a user-initiated grouping of uploaded score documents.
//
// Invariants: SuccessFiles + FailedFiles <= TotalFiles, and a batch only
// reaches BatchStatusComplete once ProcessedFiles == TotalFiles.
type Batch struct {
	ID             string      `json:"id"`
	UserID         string      `json:"user_id"`
	Status         BatchStatus `json:"status"`
	TotalFiles     int         `json:"total_files"`
	ProcessedFiles int         `json:"processed_files"`
	SuccessFiles   int         `json:"success_files"`
	FailedFiles    int         `json:"failed_files"`
	ErrorSummary   *string     `json:"error_summary,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
}
