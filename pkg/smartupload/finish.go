package smartupload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/scorepipe/scorepipe/pkg/models"
	"github.com/scorepipe/scorepipe/pkg/pipeline"
	"github.com/scorepipe/scorepipe/pkg/services"
)

// handleIngest commits the item to the catalog. Piece creation, the terminal
// item transition, the batch counters, and the audit record all ride one
// transaction; any failure rolls the whole commit back.
func (p *Pipeline) handleIngest(ctx context.Context, item *models.Item, _ *pipeline.Job) error {
	if item.CurrentStep.AtLeast(models.ItemStepIngested) {
		return nil
	}

	cfg, err := p.config.Current(ctx)
	if err != nil {
		return err
	}

	// The autonomous path requires the finalize verdict; a human approval
	// (status approved) overrides it.
	if item.Status != models.ItemStatusApproved {
		if item.RequiresHumanReview {
			p.logger.Warn("Refusing ingest for item awaiting review", "item_id", item.ID)
			return nil
		}
		if item.FinalConfidence == nil || *item.FinalConfidence < cfg.AutonomousApprovalThreshold {
			p.logger.Warn("Refusing ingest below autonomous threshold",
				"item_id", item.ID, "threshold", cfg.AutonomousApprovalThreshold)
			return nil
		}
	}
	if len(item.ParsedParts) == 0 {
		return markTerminal(fmt.Errorf("item %s has no parsed parts to ingest", item.ID))
	}

	err = services.InTx(ctx, p.db, func(tx pgx.Tx) error {
		piece, err := p.catalog.WithTx(tx).IngestItem(ctx, item)
		if err != nil {
			return err
		}

		applied, err := p.items.WithTx(tx).MarkIngested(ctx, item.ID)
		if err != nil {
			return err
		}
		if !applied {
			// A concurrent replay already committed; roll back our writes.
			return nil
		}

		batches := p.batches.WithTx(tx)
		if err := batches.RecordItemOutcome(ctx, item.BatchID, true); err != nil {
			return err
		}
		if _, err := batches.FinishIfDone(ctx, item.BatchID); err != nil {
			return err
		}

		from := string(item.Status)
		return p.assignments.WithTx(tx).Record(ctx, models.AssignmentHistoryEntry{
			AssignmentID: item.ID,
			Action:       "ingested",
			FromStatus:   &from,
			ToStatus:     string(models.ItemStatusComplete),
			Notes:        ingestNote(piece.ID, len(item.ParsedParts)),
			PerformedBy:  performer(item),
			PerformedAt:  time.Now(),
		})
	})
	if err != nil {
		return fmt.Errorf("failed to ingest item %s: %w", item.ID, err)
	}

	p.logger.Info("Ingested",
		"item_id", item.ID, "batch_id", item.BatchID, "parts", len(item.ParsedParts))
	return nil
}

func ingestNote(pieceID string, parts int) *string {
	n := fmt.Sprintf("piece %s with %d parts", pieceID, parts)
	return &n
}

func performer(item *models.Item) string {
	if item.AutoApproved || !item.RequiresHumanReview {
		return "system"
	}
	return "librarian"
}

// handleCleanup deletes an item's temporary blobs and parks it in its terminal
// state. Blob deletion is best-effort with one retry; a storage error never
// fails the cleanup.
func (p *Pipeline) handleCleanup(ctx context.Context, job *pipeline.Job) error {
	var payload pipeline.CleanupPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("bad payload for %s job %d: %w", job.Name, job.ID, err)
	}

	item, err := p.items.GetItem(ctx, payload.ItemID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			p.logger.Warn("Dropping cleanup for missing item", "item_id", payload.ItemID)
			return nil
		}
		return err
	}

	p.deleteBlobs(ctx, item, payload.TempKeys)

	var applied bool
	switch payload.Reason {
	case pipeline.CleanupReasonCancelled:
		applied, err = p.items.MarkCancelled(ctx, item.ID)
	case pipeline.CleanupReasonFailed:
		// Usually already failed by the stage that branched here.
		applied, err = p.items.MarkFailed(ctx, item.ID, "processing aborted", "")
	default:
		return markTerminal(fmt.Errorf("unknown cleanup reason %q", payload.Reason))
	}
	if err != nil {
		return err
	}

	if applied {
		if err := p.batches.RecordItemOutcome(ctx, item.BatchID, false); err != nil {
			p.logger.Error("Failed to record batch outcome", "batch_id", item.BatchID, "error", err)
		}
		if _, err := p.batches.FinishIfDone(ctx, item.BatchID); err != nil {
			p.logger.Error("Failed to finish batch", "batch_id", item.BatchID, "error", err)
		}
	}

	p.logger.Info("Cleanup complete",
		"item_id", item.ID, "reason", payload.Reason, "status_changed", applied)
	return nil
}

// deleteBlobs removes every temp blob and part blob the item owns plus any
// extra keys the payload carried. The original upload is never deleted here.
func (p *Pipeline) deleteBlobs(ctx context.Context, item *models.Item, extra []string) {
	keys := make(map[string]bool)
	for _, k := range item.TempFiles {
		keys[k] = true
	}
	for _, part := range item.ParsedParts {
		keys[part.StorageKey] = true
	}
	for _, k := range extra {
		keys[k] = true
	}
	delete(keys, item.StorageKey)
	delete(keys, "")

	for key := range keys {
		err := p.blobs.Delete(ctx, key)
		if err != nil {
			// One retry, then log and move on.
			err = p.blobs.Delete(ctx, key)
		}
		if err != nil {
			p.logger.Warn("Failed to delete blob", "item_id", item.ID, "key", key, "error", err)
		}
	}
}
