package smartupload

import (
	"context"
	"fmt"

	"github.com/scorepipe/scorepipe/pkg/models"
	"github.com/scorepipe/scorepipe/pkg/pipeline"
)

// handleSplitPDF cuts the source document per the approved plan and uploads
// one blob per part. Cancellation is checked between parts; a partial split
// hands its written blobs to cleanup before surfacing.
func (p *Pipeline) handleSplitPDF(ctx context.Context, item *models.Item, _ *pipeline.Job) error {
	if item.CurrentStep.AtLeast(models.ItemStepSplitComplete) {
		return p.queueSecondPass(ctx, item)
	}
	if item.Status != models.ItemStatusApproved {
		return fmt.Errorf("item %s is not approved for split", item.ID)
	}
	if len(item.CuttingInstructions) == 0 {
		return markTerminal(fmt.Errorf("item %s has no cutting instructions", item.ID))
	}

	doc, err := p.blobs.Download(ctx, item.StorageKey)
	if err != nil {
		return fmt.Errorf("failed to download item %s: %w", item.ID, err)
	}

	parts := make([]models.ParsedPart, 0, len(item.CuttingInstructions))
	var written []string
	for _, ci := range item.CuttingInstructions {
		if err := ctx.Err(); err != nil {
			p.abortSplit(ctx, item, written, pipeline.CleanupReasonCancelled)
			return err
		}

		data, err := p.pdf.ExtractRange(ctx, doc, ci.PageRange.Start(), ci.PageRange.End())
		if err != nil {
			p.abortSplit(ctx, item, written, pipeline.CleanupReasonFailed)
			return markTerminal(fmt.Errorf("failed to cut part %q: %w", ci.PartName, err))
		}

		key := partStorageKey(item.ID, ci.PartName)
		if err := p.blobs.Upload(ctx, key, data, "application/pdf"); err != nil {
			p.abortSplit(ctx, item, written, pipeline.CleanupReasonFailed)
			return markTerminal(fmt.Errorf("failed to upload part %q: %w", ci.PartName, err))
		}
		written = append(written, key)

		parts = append(parts, models.ParsedPart{
			PartName:      ci.PartName,
			Instrument:    ci.Instrument,
			Section:       ci.Section,
			Transposition: ci.Transposition,
			PartNumber:    ci.PartNumber,
			StorageKey:    key,
			FileName:      slugify(ci.PartName) + ".pdf",
			FileSize:      int64(len(data)),
			PageCount:     ci.PageRange.Pages(),
			PageRange:     ci.PageRange,
		})
	}

	applied, err := p.items.MarkSplitComplete(ctx, item.ID, parts, nil)
	if err != nil {
		return err
	}
	if !applied {
		// A concurrent replay already committed its own parts; ours are strays.
		// The keys are deterministic, so the committed parts point at the same
		// blobs and nothing needs deleting.
		p.logger.Info("Split already committed", "item_id", item.ID)
		return nil
	}
	p.logger.Info("Split complete", "item_id", item.ID, "parts", len(parts))
	return p.queueSecondPass(ctx, item)
}

// abortSplit hands blobs written by an interrupted split to the cleanup
// branch. Detached from the job context so a cancelled split can still file
// its debris.
func (p *Pipeline) abortSplit(ctx context.Context, item *models.Item, written []string, reason string) {
	if len(written) == 0 && reason == pipeline.CleanupReasonFailed {
		return
	}
	ctx = context.WithoutCancel(ctx)
	_, err := p.queue.Enqueue(ctx, pipeline.JobCleanup, pipeline.CleanupPayload{
		BatchID:  item.BatchID,
		ItemID:   item.ID,
		Reason:   reason,
		TempKeys: written,
	}, pipeline.EnqueueOptions{})
	if err != nil {
		p.logger.Error("Failed to enqueue cleanup for aborted split",
			"item_id", item.ID, "blobs", len(written), "error", err)
	}
}
