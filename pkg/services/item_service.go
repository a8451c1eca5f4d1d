package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/scorepipe/scorepipe/pkg/models"
)

const itemColumns = `id, batch_id, file_name, mime_type, storage_key, status,
	current_step, total_pages, ocr_text, extracted_metadata, cutting_instructions,
	is_packet, parsed_parts, second_pass_status, second_pass_result,
	adjudicator_status, adjudication_notes, final_confidence, auto_approved,
	requires_human_review, error_message, error_details, temp_files,
	created_at, updated_at`

// ItemService manages item rows. Every stage transition carries its
// precondition in the WHERE clause, so a replayed stage handler updates zero
// rows instead of overwriting newer state.
type ItemService struct {
	db Querier
}

// NewItemService creates a new ItemService.
func NewItemService(db Querier) *ItemService {
	if db == nil {
		panic("NewItemService: db must not be nil")
	}
	return &ItemService{db: db}
}

// WithTx returns a copy of the service bound to the given querier, typically
// a transaction.
func (s *ItemService) WithTx(q Querier) *ItemService {
	return &ItemService{db: q}
}

// CreateItem inserts a new pending item.
func (s *ItemService) CreateItem(ctx context.Context, batchID, fileName, mimeType, storageKey string) (*models.Item, error) {
	if fileName == "" {
		return nil, NewValidationError("file_name", "file name is required")
	}
	if storageKey == "" {
		return nil, NewValidationError("storage_key", "storage key is required")
	}
	if mimeType == "" {
		mimeType = "application/pdf"
	}

	id := uuid.New().String()
	row := s.db.QueryRow(ctx, `
		INSERT INTO items (id, batch_id, file_name, mime_type, storage_key, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+itemColumns,
		id, batchID, fileName, mimeType, storageKey, models.ItemStatusPending)

	item, err := scanItem(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create item: %w", err)
	}
	return item, nil
}

// GetItem returns one item by id.
func (s *ItemService) GetItem(ctx context.Context, id string) (*models.Item, error) {
	row := s.db.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1`, id)
	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: item %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item %s: %w", id, err)
	}
	return item, nil
}

// ListByBatch returns a batch's items in creation order.
func (s *ItemService) ListByBatch(ctx context.Context, batchID string) ([]*models.Item, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+itemColumns+` FROM items WHERE batch_id = $1 ORDER BY created_at, id`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list items for batch %s: %w", batchID, err)
	}
	defer rows.Close()

	var items []*models.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// MarkTextExtracted commits the text-extraction transition. Returns false
// when the item already advanced past this step.
func (s *ItemService) MarkTextExtracted(ctx context.Context, id, ocrText string, totalPages int) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE items
		SET status = $2, current_step = $3, ocr_text = $4, total_pages = $5, updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'processing') AND current_step = ''`,
		id, models.ItemStatusProcessing, models.ItemStepTextExtracted, ocrText, totalPages)
	if err != nil {
		return false, fmt.Errorf("failed to mark item %s text-extracted: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkMetadataExtracted commits the metadata-extraction transition.
func (s *ItemService) MarkMetadataExtracted(ctx context.Context, id string, md *models.ExtractedMetadata) (bool, error) {
	raw, err := json.Marshal(md)
	if err != nil {
		return false, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE items
		SET current_step = $2, extracted_metadata = $3, updated_at = now()
		WHERE id = $1 AND status = 'processing' AND current_step = $4`,
		id, models.ItemStepMetadataExtracted, raw, models.ItemStepTextExtracted)
	if err != nil {
		return false, fmt.Errorf("failed to mark item %s metadata-extracted: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkSplitPlanned commits the classification transition: the cutting plan is
// stored and the item waits for approval.
func (s *ItemService) MarkSplitPlanned(ctx context.Context, id string, instructions []models.CuttingInstruction, isPacket bool) (bool, error) {
	raw, err := json.Marshal(instructions)
	if err != nil {
		return false, fmt.Errorf("failed to marshal cutting instructions: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE items
		SET status = $2, current_step = $3, cutting_instructions = $4, is_packet = $5, updated_at = now()
		WHERE id = $1 AND status = 'processing' AND current_step = $6`,
		id, models.ItemStatusNeedsReview, models.ItemStepSplitPlanned, raw, isPacket,
		models.ItemStepMetadataExtracted)
	if err != nil {
		return false, fmt.Errorf("failed to mark item %s split-planned: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Approve moves a needs-review item to approved. AutoApproved records whether
// the approval came from the autonomous path rather than a human.
func (s *ItemService) Approve(ctx context.Context, id string, autoApproved bool) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE items
		SET status = $2, auto_approved = $3, updated_at = now()
		WHERE id = $1 AND status = 'needs_review'`,
		id, models.ItemStatusApproved, autoApproved)
	if err != nil {
		return false, fmt.Errorf("failed to approve item %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkSplitComplete commits the split transition with the produced parts and
// the temp blobs to clean up later.
func (s *ItemService) MarkSplitComplete(ctx context.Context, id string, parts []models.ParsedPart, tempFiles []string) (bool, error) {
	rawParts, err := json.Marshal(parts)
	if err != nil {
		return false, fmt.Errorf("failed to marshal parsed parts: %w", err)
	}
	rawTemp, err := json.Marshal(tempFiles)
	if err != nil {
		return false, fmt.Errorf("failed to marshal temp files: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE items
		SET status = $2, current_step = $3, parsed_parts = $4, temp_files = $5, updated_at = now()
		WHERE id = $1 AND status = 'approved' AND current_step = $6`,
		id, models.ItemStatusProcessing, models.ItemStepSplitComplete, rawParts, rawTemp,
		models.ItemStepSplitPlanned)
	if err != nil {
		return false, fmt.Errorf("failed to mark item %s split-complete: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetSecondPassStatus updates the verification sub-state.
func (s *ItemService) SetSecondPassStatus(ctx context.Context, id string, status models.PassStatus) error {
	_, err := s.db.Exec(ctx, `
		UPDATE items SET second_pass_status = $2, updated_at = now() WHERE id = $1`,
		id, status)
	if err != nil {
		return fmt.Errorf("failed to set second-pass status on item %s: %w", id, err)
	}
	return nil
}

// StoreSecondPassResult commits the verification outcome. Only an item whose
// pass is queued or in progress accepts a result.
func (s *ItemService) StoreSecondPassResult(ctx context.Context, id string, res *models.SecondPassResult) (bool, error) {
	raw, err := json.Marshal(res)
	if err != nil {
		return false, fmt.Errorf("failed to marshal second-pass result: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE items
		SET second_pass_status = $2, second_pass_result = $3, updated_at = now()
		WHERE id = $1 AND second_pass_status IN ('queued', 'in_progress')`,
		id, models.PassStatusComplete, raw)
	if err != nil {
		return false, fmt.Errorf("failed to store second-pass result on item %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetAdjudication commits the adjudicator outcome: the winning metadata plus
// its notes.
func (s *ItemService) SetAdjudication(ctx context.Context, id string, md *models.ExtractedMetadata, notes string, status models.PassStatus) (bool, error) {
	raw, err := json.Marshal(md)
	if err != nil {
		return false, fmt.Errorf("failed to marshal adjudicated metadata: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE items
		SET adjudicator_status = $2, adjudication_notes = $3, extracted_metadata = $4, updated_at = now()
		WHERE id = $1 AND adjudicator_status IN ('', 'queued', 'in_progress')`,
		id, status, notes, raw)
	if err != nil {
		return false, fmt.Errorf("failed to set adjudication on item %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Finalize commits the finalize-stage verdict in one statement: cutting plan
// after gap filling, final confidence, and the resulting status.
func (s *ItemService) Finalize(ctx context.Context, id string, instructions []models.CuttingInstruction,
	finalConfidence float64, requiresReview bool, status models.ItemStatus) (bool, error) {

	raw, err := json.Marshal(instructions)
	if err != nil {
		return false, fmt.Errorf("failed to marshal cutting instructions: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE items
		SET status = $2, cutting_instructions = $3, final_confidence = $4,
		    requires_human_review = $5, updated_at = now()
		WHERE id = $1 AND status NOT IN ('complete', 'failed', 'cancelled')`,
		id, status, raw, finalConfidence, requiresReview)
	if err != nil {
		return false, fmt.Errorf("failed to finalize item %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkIngested commits the terminal ingest transition.
func (s *ItemService) MarkIngested(ctx context.Context, id string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE items
		SET status = $2, current_step = $3, updated_at = now()
		WHERE id = $1 AND status IN ('approved', 'processing') AND current_step = $4`,
		id, models.ItemStatusComplete, models.ItemStepIngested, models.ItemStepSplitComplete)
	if err != nil {
		return false, fmt.Errorf("failed to mark item %s ingested: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkFailed records a stage failure on a non-terminal item.
func (s *ItemService) MarkFailed(ctx context.Context, id, message, details string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE items
		SET status = $2, error_message = $3, error_details = $4, updated_at = now()
		WHERE id = $1 AND status NOT IN ('complete', 'failed', 'cancelled')`,
		id, models.ItemStatusFailed, message, details)
	if err != nil {
		return false, fmt.Errorf("failed to mark item %s failed: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// StalledProcessing returns in-flight items whose row has not moved since
// before cutoff, oldest first. An item can stall when a stage committed its
// transition but the follow-up enqueue was lost.
func (s *ItemService) StalledProcessing(ctx context.Context, cutoff time.Time) ([]*models.Item, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE status IN ('pending', 'processing', 'approved')
		  AND updated_at < $1
		ORDER BY updated_at
		LIMIT 100`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stalled items: %w", err)
	}
	defer rows.Close()

	var items []*models.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// MarkCancelled moves a non-terminal item to cancelled and clears its step.
func (s *ItemService) MarkCancelled(ctx context.Context, id string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE items
		SET status = $2, current_step = '', updated_at = now()
		WHERE id = $1 AND status NOT IN ('complete', 'failed', 'cancelled')`,
		id, models.ItemStatusCancelled)
	if err != nil {
		return false, fmt.Errorf("failed to cancel item %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanItem(row pgx.Row) (*models.Item, error) {
	var (
		it                                              models.Item
		rawMeta, rawInstr, rawParts, rawSecond, rawTemp []byte
	)
	err := row.Scan(
		&it.ID, &it.BatchID, &it.FileName, &it.MimeType, &it.StorageKey, &it.Status,
		&it.CurrentStep, &it.TotalPages, &it.OCRText, &rawMeta, &rawInstr,
		&it.IsPacket, &rawParts, &it.SecondPassStatus, &rawSecond,
		&it.AdjudicatorStatus, &it.AdjudicationNotes, &it.FinalConfidence, &it.AutoApproved,
		&it.RequiresHumanReview, &it.ErrorMessage, &it.ErrorDetails, &rawTemp,
		&it.CreatedAt, &it.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := unmarshalInto(rawMeta, &it.Metadata); err != nil {
		return nil, fmt.Errorf("bad extracted_metadata on item %s: %w", it.ID, err)
	}
	if err := unmarshalInto(rawInstr, &it.CuttingInstructions); err != nil {
		return nil, fmt.Errorf("bad cutting_instructions on item %s: %w", it.ID, err)
	}
	if err := unmarshalInto(rawParts, &it.ParsedParts); err != nil {
		return nil, fmt.Errorf("bad parsed_parts on item %s: %w", it.ID, err)
	}
	if err := unmarshalInto(rawSecond, &it.SecondPassResult); err != nil {
		return nil, fmt.Errorf("bad second_pass_result on item %s: %w", it.ID, err)
	}
	if err := unmarshalInto(rawTemp, &it.TempFiles); err != nil {
		return nil, fmt.Errorf("bad temp_files on item %s: %w", it.ID, err)
	}
	return &it, nil
}

// unmarshalInto decodes a nullable jsonb column; NULL leaves the target zero.
func unmarshalInto(raw []byte, target any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, target)
}
