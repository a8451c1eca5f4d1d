package smartupload

import (
	"context"
	"fmt"

	"github.com/scorepipe/scorepipe/pkg/cutting"
	"github.com/scorepipe/scorepipe/pkg/models"
	"github.com/scorepipe/scorepipe/pkg/pipeline"
)

// maxSynthesizedScorePages caps the "no plan at all" fallback: a short
// full-score document with no cutting instructions becomes a single part.
const maxSynthesizedScorePages = 30

// handleClassifyAndPlan validates the model's cutting plan into a split plan
// and parks the item for review, auto-approving when the metadata confidence
// clears the threshold.
func (p *Pipeline) handleClassifyAndPlan(ctx context.Context, item *models.Item, _ *pipeline.Job) error {
	if item.CurrentStep.AtLeast(models.ItemStepSplitPlanned) {
		// Already planned; a replay while the item waits for review is a no-op.
		return nil
	}
	if item.Metadata == nil {
		return markTerminal(fmt.Errorf("item %s has no extracted metadata", item.ID))
	}

	cfg, err := p.config.Current(ctx)
	if err != nil {
		return err
	}

	md := item.Metadata
	opts := cutting.Options{
		OneIndexed:      true,
		DropForbidden:   true,
		ForbiddenLabels: cfg.ForbiddenLabels,
	}
	instructions := md.CuttingInstructions
	if len(instructions) == 0 && md.FileType == models.FileTypeFullScore &&
		item.TotalPages > 0 && item.TotalPages <= maxSynthesizedScorePages {
		instructions = []models.CuttingInstruction{cutting.SynthesizeFullScore(item.TotalPages)}
		opts.OneIndexed = false
	}

	res := cutting.ValidateAndNormalize(instructions, item.TotalPages, opts)
	for _, issue := range res.Issues {
		p.logger.Warn("Cutting plan issue", "item_id", item.ID, "issue", issue)
	}
	if len(res.Instructions) == 0 {
		return markTerminal(fmt.Errorf("item %s has no usable cutting instructions", item.ID))
	}

	isPacket := len(res.Instructions) > 1
	applied, err := p.items.MarkSplitPlanned(ctx, item.ID, res.Instructions, isPacket)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	item.CuttingInstructions = res.Instructions
	item.IsPacket = isPacket
	p.logger.Info("Split planned",
		"item_id", item.ID, "parts", len(res.Instructions), "is_packet", isPacket,
		"confidence", md.ConfidenceScore)

	if md.ConfidenceScore < cfg.AutoApproveThreshold {
		p.logger.Info("Awaiting human review",
			"item_id", item.ID, "confidence", md.ConfidenceScore,
			"threshold", cfg.AutoApproveThreshold)
		return nil
	}

	approved, err := p.items.Approve(ctx, item.ID, true)
	if err != nil {
		return err
	}
	if !approved {
		return nil
	}
	item.Status = models.ItemStatusApproved
	item.AutoApproved = true
	p.logger.Info("Auto-approved", "item_id", item.ID, "confidence", md.ConfidenceScore)
	return p.AdvanceApproved(ctx, item)
}

// AdvanceApproved moves an approved item past the review barrier: packets go
// to the splitter, single-part items skip the cut entirely and reuse the
// original blob as their one part. Called by the auto-approve path and by the
// API when a human approves.
func (p *Pipeline) AdvanceApproved(ctx context.Context, item *models.Item) error {
	if item.Status != models.ItemStatusApproved {
		return fmt.Errorf("item %s is not approved", item.ID)
	}

	if item.IsPacket {
		return p.enqueueStage(ctx, pipeline.JobSplitPDF, item)
	}

	parts := make([]models.ParsedPart, 0, len(item.CuttingInstructions))
	for _, ci := range item.CuttingInstructions {
		parts = append(parts, models.ParsedPart{
			PartName:      ci.PartName,
			Instrument:    ci.Instrument,
			Section:       ci.Section,
			Transposition: ci.Transposition,
			PartNumber:    ci.PartNumber,
			StorageKey:    item.StorageKey,
			FileName:      item.FileName,
			PageCount:     ci.PageRange.Pages(),
			PageRange:     ci.PageRange,
		})
	}
	applied, err := p.items.MarkSplitComplete(ctx, item.ID, parts, nil)
	if err != nil {
		return err
	}
	if applied {
		p.logger.Info("Single-part item skips split", "item_id", item.ID)
	}
	return p.queueSecondPass(ctx, item)
}

// queueSecondPass flags the verification sub-state when two-pass is enabled
// and enqueues the verify/finalize stage. With two-pass disabled the stage
// still runs; it goes straight to finalize.
func (p *Pipeline) queueSecondPass(ctx context.Context, item *models.Item) error {
	cfg, err := p.config.Current(ctx)
	if err != nil {
		return err
	}
	if cfg.TwoPassEnabled && item.SecondPassStatus == models.PassStatusNone {
		if err := p.items.SetSecondPassStatus(ctx, item.ID, models.PassStatusQueued); err != nil {
			return err
		}
	}
	return p.enqueueStage(ctx, pipeline.JobSecondPass, item)
}
