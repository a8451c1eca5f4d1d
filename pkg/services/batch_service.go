package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/scorepipe/scorepipe/pkg/models"
)

const batchColumns = `id, user_id, status, total_files, processed_files,
	success_files, failed_files, error_summary, created_at, updated_at, completed_at`

// BatchService manages upload batch rows and their counters.
type BatchService struct {
	db Querier
}

// NewBatchService creates a new BatchService.
func NewBatchService(db Querier) *BatchService {
	if db == nil {
		panic("NewBatchService: db must not be nil")
	}
	return &BatchService{db: db}
}

// WithTx returns a copy of the service bound to the given querier, typically
// a transaction.
func (s *BatchService) WithTx(q Querier) *BatchService {
	return &BatchService{db: q}
}

// CreateBatch inserts a new batch in "created" status.
func (s *BatchService) CreateBatch(ctx context.Context, userID string, totalFiles int) (*models.Batch, error) {
	if userID == "" {
		return nil, NewValidationError("user_id", "user id is required")
	}
	if totalFiles < 1 {
		return nil, NewValidationError("total_files", "a batch needs at least one file")
	}

	id := uuid.New().String()
	row := s.db.QueryRow(ctx, `
		INSERT INTO batches (id, user_id, status, total_files)
		VALUES ($1, $2, $3, $4)
		RETURNING `+batchColumns,
		id, userID, models.BatchStatusCreated, totalFiles)

	batch, err := scanBatch(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}
	return batch, nil
}

// GetBatch returns one batch by id.
func (s *BatchService) GetBatch(ctx context.Context, id string) (*models.Batch, error) {
	row := s.db.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, id)
	batch, err := scanBatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: batch %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch %s: %w", id, err)
	}
	return batch, nil
}

// MarkProcessing moves a batch from "created" to "processing". Already
// processing is a no-op.
func (s *BatchService) MarkProcessing(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE batches SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3`,
		id, models.BatchStatusProcessing, models.BatchStatusCreated)
	if err != nil {
		return fmt.Errorf("failed to mark batch %s processing: %w", id, err)
	}
	return nil
}

// RecordItemOutcome bumps the processed counter plus the success or failed
// counter for one finished item.
func (s *BatchService) RecordItemOutcome(ctx context.Context, id string, success bool) error {
	col := "failed_files"
	if success {
		col = "success_files"
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE batches
		SET processed_files = processed_files + 1,
		    `+col+` = `+col+` + 1,
		    updated_at = now()
		WHERE id = $1 AND processed_files < total_files`, id)
	if err != nil {
		return fmt.Errorf("failed to record item outcome on batch %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: batch %s counters already full", ErrInvalidInput, id)
	}
	return nil
}

// FinishIfDone moves a fully processed, non-terminal batch to its terminal
// status: "failed" when every file failed, "needs_review" when any item still
// needs a human, otherwise "complete". Returns true when a transition was
// applied.
func (s *BatchService) FinishIfDone(ctx context.Context, id string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE batches b
		SET status = CASE
		        WHEN b.failed_files = b.total_files THEN 'failed'
		        WHEN EXISTS (
		            SELECT 1 FROM items i
		            WHERE i.batch_id = b.id AND i.status = 'needs_review'
		        ) THEN 'needs_review'
		        ELSE 'complete'
		    END,
		    completed_at = now(),
		    updated_at = now()
		WHERE b.id = $1
		  AND b.processed_files >= b.total_files
		  AND b.status IN ('created', 'processing')`, id)
	if err != nil {
		return false, fmt.Errorf("failed to finish batch %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// UnfinishedIDs returns the ids of batches that have not reached a terminal
// status, oldest first. The scheduler sweeps these through FinishIfDone.
func (s *BatchService) UnfinishedIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id FROM batches
		WHERE status IN ('created', 'processing')
		ORDER BY created_at
		LIMIT 100`)
	if err != nil {
		return nil, fmt.Errorf("failed to list unfinished batches: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan batch id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Cancel moves a non-terminal batch to "cancelled".
func (s *BatchService) Cancel(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE batches SET status = $2, completed_at = now(), updated_at = now()
		WHERE id = $1 AND status NOT IN ('complete', 'failed', 'cancelled')`,
		id, models.BatchStatusCancelled)
	if err != nil {
		return fmt.Errorf("failed to cancel batch %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetBatch(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: batch %s", ErrTerminalState, id)
	}
	return nil
}

// SetErrorSummary records the user-visible failure summary.
func (s *BatchService) SetErrorSummary(ctx context.Context, id, summary string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE batches SET error_summary = $2, updated_at = now() WHERE id = $1`,
		id, summary)
	if err != nil {
		return fmt.Errorf("failed to set error summary on batch %s: %w", id, err)
	}
	return nil
}

func scanBatch(row pgx.Row) (*models.Batch, error) {
	var b models.Batch
	err := row.Scan(
		&b.ID, &b.UserID, &b.Status, &b.TotalFiles, &b.ProcessedFiles,
		&b.SuccessFiles, &b.FailedFiles, &b.ErrorSummary,
		&b.CreatedAt, &b.UpdatedAt, &b.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}
