package smartupload

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/scorepipe/scorepipe/pkg/config"
	"github.com/scorepipe/scorepipe/pkg/cutting"
	"github.com/scorepipe/scorepipe/pkg/llm"
	"github.com/scorepipe/scorepipe/pkg/models"
	"github.com/scorepipe/scorepipe/pkg/pipeline"
	"github.com/scorepipe/scorepipe/pkg/quality"
)

// handleSecondPass runs the verification pass, adjudicates a disagreement when
// one surfaces, and finalizes the item. Adjudication and finalization are
// sub-steps of this stage, not separate queue jobs; each commits its own
// guarded transition so a replay resumes where the last run stopped.
func (p *Pipeline) handleSecondPass(ctx context.Context, item *models.Item, _ *pipeline.Job) error {
	if !item.CurrentStep.AtLeast(models.ItemStepSplitComplete) {
		return fmt.Errorf("item %s has not completed its split yet", item.ID)
	}
	if item.CurrentStep.AtLeast(models.ItemStepIngested) {
		return nil
	}
	if item.Metadata == nil {
		return markTerminal(fmt.Errorf("item %s has no extracted metadata", item.ID))
	}

	cfg, err := p.config.Current(ctx)
	if err != nil {
		return err
	}

	if cfg.TwoPassEnabled && item.SecondPassResult == nil {
		if err := p.verify(ctx, item, cfg); err != nil {
			return err
		}
		if item, err = p.items.GetItem(ctx, item.ID); err != nil {
			return err
		}
	}

	var verdict *adjudicationVerdict
	if res := item.SecondPassResult; res != nil &&
		item.AdjudicatorStatus != models.PassStatusComplete &&
		p.needsAdjudication(res, cfg.ForbiddenLabels) {

		if verdict, err = p.adjudicate(ctx, item, cfg, res); err != nil {
			return err
		}
		// Adjudication may have replaced the metadata; finalize on fresh state.
		if item, err = p.items.GetItem(ctx, item.ID); err != nil {
			return err
		}
	}

	return p.finalize(ctx, item, cfg, verdict)
}

// adjudicationVerdict is the adjudicator's call on the item as a whole. It
// lives only for the duration of the stage run; a replay that lost it falls
// back to the deterministic gates plus the already-persisted review flag.
type adjudicationVerdict struct {
	RequiresHumanReview bool
	FinalConfidence     *float64
}

// verify re-submits the source document plus a few already-split parts and
// stores the verification outcome with its disagreements.
func (p *Pipeline) verify(ctx context.Context, item *models.Item, cfg *config.RuntimeConfig) error {
	if err := p.items.SetSecondPassStatus(ctx, item.ID, models.PassStatusInProgress); err != nil {
		return err
	}

	adapter, err := cfg.Verification()
	if err != nil {
		return markTerminal(err)
	}
	p.applyRateLimit(cfg)
	doc, err := p.blobs.Download(ctx, item.StorageKey)
	if err != nil {
		return fmt.Errorf("failed to download item %s: %w", item.ID, err)
	}
	docs, images, err := p.documentInputs(ctx, adapter.Provider, doc, item.TotalPages, maxModelPages)
	if err != nil {
		return err
	}
	labeled, err := p.samplePartInputs(ctx, doc, item.ParsedParts)
	if err != nil {
		return err
	}

	wire, err := p.callModel(ctx, adapter, &llm.Request{
		Prompt:        verificationPrompt(item.Metadata),
		System:        systemPrompt,
		Documents:     docs,
		Images:        images,
		LabeledInputs: labeled,
		ModelParams:   cfg.VerificationModelParams,
	})
	if err != nil {
		return err
	}

	verified := wire.toMetadata()
	confidence := verified.ConfidenceScore
	if wire.VerificationConfidence != nil {
		confidence = *wire.VerificationConfidence
	}
	result := &models.SecondPassResult{
		Metadata:               verified,
		VerificationConfidence: confidence,
		Disagreements:          detectDisagreements(*item.Metadata, verified),
	}

	applied, err := p.items.StoreSecondPassResult(ctx, item.ID, result)
	if err != nil {
		return err
	}
	if applied {
		p.logger.Info("Verification complete",
			"item_id", item.ID, "verification_confidence", confidence,
			"disagreements", len(result.Disagreements))
	}
	return nil
}

// samplePartInputs renders the first page of up to maxVerifyParts randomly
// chosen parts as labeled inputs for the verification prompt.
func (p *Pipeline) samplePartInputs(ctx context.Context, doc []byte, parts []models.ParsedPart) ([]llm.LabeledInput, error) {
	n := len(parts)
	if n == 0 {
		return nil, nil
	}
	if n > maxVerifyParts {
		n = maxVerifyParts
	}

	var labeled []llm.LabeledInput
	for _, idx := range rand.Perm(len(parts))[:n] {
		part := parts[idx]
		rendered, err := p.pdf.RenderPages(ctx, doc, []int{part.PageRange.Start()})
		if err != nil {
			return nil, fmt.Errorf("failed to render part %q: %w", part.PartName, err)
		}
		if len(rendered) == 0 {
			continue
		}
		labeled = append(labeled, llm.LabeledInput{
			Label: part.PartName,
			Image: llm.ImageInput{
				MediaType: rendered[0].MIME,
				Data:      encodeImage(rendered[0].Data),
			},
		})
	}
	return labeled, nil
}

// needsAdjudication decides whether the two passes disagree enough to call the
// tie-breaker: any critical disagreement, a shaky verification confidence, or
// a verification plan made of nothing but forbidden or empty labels.
func (p *Pipeline) needsAdjudication(res *models.SecondPassResult, forbidden []string) bool {
	if len(res.Disagreements) > 0 {
		return true
	}
	if res.VerificationConfidence < adjudicateConfidenceFloor {
		return true
	}
	for _, ci := range res.Metadata.CuttingInstructions {
		if !cutting.IsForbiddenLabel(ci.PartName, forbidden) {
			return false
		}
	}
	return true
}

// adjudicate sends both candidate metadata objects plus a sampled page set to
// the adjudicator model and commits the winner.
func (p *Pipeline) adjudicate(ctx context.Context, item *models.Item, cfg *config.RuntimeConfig, res *models.SecondPassResult) (*adjudicationVerdict, error) {
	adapter, err := cfg.Adjudicator()
	if err != nil {
		return nil, markTerminal(err)
	}
	p.applyRateLimit(cfg)
	doc, err := p.blobs.Download(ctx, item.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("failed to download item %s: %w", item.ID, err)
	}
	images, err := p.renderSampled(ctx, doc, item.TotalPages, maxAdjudicatePages)
	if err != nil {
		return nil, err
	}

	wire, err := p.callModel(ctx, adapter, &llm.Request{
		Prompt: adjudicationPrompt(item.Metadata, &res.Metadata, res.Disagreements),
		System: systemPrompt,
		Images: images,
	})
	if err != nil {
		return nil, err
	}

	winner := wire.toMetadata()
	applied, err := p.items.SetAdjudication(ctx, item.ID, &winner, wire.AdjudicationNotes, models.PassStatusComplete)
	if err != nil {
		return nil, err
	}
	if applied {
		p.logger.Info("Adjudication complete",
			"item_id", item.ID, "requires_review", wire.RequiresHumanReview,
			"notes", wire.AdjudicationNotes)
	}

	return &adjudicationVerdict{
		RequiresHumanReview: wire.RequiresHumanReview,
		FinalConfidence:     wire.FinalConfidence,
	}, nil
}

// finalize fills coverage gaps, runs the quality gates, commits the verdict,
// and enqueues ingest when the item clears the autonomous bar.
func (p *Pipeline) finalize(ctx context.Context, item *models.Item, cfg *config.RuntimeConfig, verdict *adjudicationVerdict) error {
	opts := cutting.Options{ForbiddenLabels: cfg.ForbiddenLabels}

	plain := cutting.ValidateAndNormalize(item.CuttingInstructions, item.TotalPages, opts)
	bigGap := false
	for _, gap := range plain.Gaps {
		if gap.Pages() > quality.DefaultReviewGapPageThreshold {
			bigGap = true
			p.logger.Warn("Large coverage gap",
				"item_id", item.ID, "pages", gap.Pages(),
				"range", fmt.Sprintf("%d-%d", gap.Start()+1, gap.End()+1))
		}
	}

	opts.DetectGaps = true
	filled := cutting.ValidateAndNormalize(item.CuttingInstructions, item.TotalPages, opts)

	outcome := quality.Evaluate(quality.Input{
		ParsedParts:            item.ParsedParts,
		Metadata:               *item.Metadata,
		TotalPages:             item.TotalPages,
		MaxPagesPerPart:        cfg.MaxPagesPerPart,
		SegmentationConfidence: item.Metadata.SegmentationConfidence,
		ForbiddenLabels:        cfg.ForbiddenLabels,
	})
	for _, reason := range outcome.Reasons {
		p.logger.Warn("Quality gate failed", "item_id", item.ID, "reason", reason)
	}

	finalConfidence := outcome.FinalConfidence
	adjReview := false
	if verdict != nil {
		adjReview = verdict.RequiresHumanReview
		if verdict.FinalConfidence != nil {
			finalConfidence = *verdict.FinalConfidence
			if outcome.Failed {
				finalConfidence = 0
			}
		}
	}

	// A review flag already on the row survives a replay; only a human clears
	// it by approving.
	requiresReview := outcome.Failed || bigGap || adjReview || item.RequiresHumanReview ||
		finalConfidence < cfg.AutonomousApprovalThreshold

	status := models.ItemStatusProcessing
	if requiresReview {
		status = models.ItemStatusNeedsReview
	}
	applied, err := p.items.Finalize(ctx, item.ID, filled.Instructions, finalConfidence, requiresReview, status)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	p.logger.Info("Finalized",
		"item_id", item.ID, "final_confidence", finalConfidence,
		"requires_review", requiresReview, "gate_failures", len(outcome.Reasons))

	if requiresReview {
		return nil
	}
	return p.enqueueStage(ctx, pipeline.JobIngest, item)
}
