package smartupload

import (
	"context"
	"fmt"
	"strings"

	"github.com/scorepipe/scorepipe/pkg/llm"
	"github.com/scorepipe/scorepipe/pkg/models"
	"github.com/scorepipe/scorepipe/pkg/pipeline"
)

// handleExtractText downloads the source blob, counts pages, and persists the
// embedded text layer. A non-empty PDF with no extractable text is a terminal
// extraction failure: downstream prompts have nothing to anchor on.
func (p *Pipeline) handleExtractText(ctx context.Context, item *models.Item, _ *pipeline.Job) error {
	if item.CurrentStep.AtLeast(models.ItemStepTextExtracted) {
		return p.enqueueStage(ctx, pipeline.JobExtractMetadata, item)
	}

	if err := p.batches.MarkProcessing(ctx, item.BatchID); err != nil {
		return err
	}

	doc, err := p.blobs.Download(ctx, item.StorageKey)
	if err != nil {
		return fmt.Errorf("failed to download item %s: %w", item.ID, err)
	}

	totalPages, err := p.pdf.PageCount(ctx, doc)
	if err != nil {
		return fmt.Errorf("failed to read item %s: %w", item.ID, err)
	}
	text, err := p.pdf.ExtractText(ctx, doc)
	if err != nil {
		return fmt.Errorf("failed to extract text from item %s: %w", item.ID, err)
	}
	if strings.TrimSpace(text) == "" && len(doc) > 0 {
		return markTerminal(fmt.Errorf("item %s yielded no text for a non-empty document", item.ID))
	}

	applied, err := p.items.MarkTextExtracted(ctx, item.ID, text, totalPages)
	if err != nil {
		return err
	}
	if !applied {
		p.logger.Info("Text extraction already committed", "item_id", item.ID)
	} else {
		p.logger.Info("Text extracted",
			"item_id", item.ID, "total_pages", totalPages, "text_bytes", len(text))
	}
	return p.enqueueStage(ctx, pipeline.JobExtractMetadata, item)
}

// handleExtractMetadata runs the first-pass vision call and persists the
// extracted metadata. Cutting instructions stay in the model's one-indexed
// form; the classifier validates and shifts them.
func (p *Pipeline) handleExtractMetadata(ctx context.Context, item *models.Item, _ *pipeline.Job) error {
	if item.CurrentStep.AtLeast(models.ItemStepMetadataExtracted) {
		return p.enqueueStage(ctx, pipeline.JobClassifyAndPlan, item)
	}
	if !item.CurrentStep.AtLeast(models.ItemStepTextExtracted) {
		return fmt.Errorf("item %s has no extracted text yet", item.ID)
	}

	cfg, err := p.config.Current(ctx)
	if err != nil {
		return err
	}
	adapter, err := cfg.Vision()
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

	var ocrText string
	if item.OCRText != nil {
		ocrText = *item.OCRText
	}
	wire, err := p.callModel(ctx, adapter, &llm.Request{
		Prompt:      metadataPrompt(ocrText),
		System:      systemPrompt,
		Documents:   docs,
		Images:      images,
		ModelParams: cfg.VisionModelParams,
	})
	if err != nil {
		return err
	}

	md := wire.toMetadata()
	applied, err := p.items.MarkMetadataExtracted(ctx, item.ID, &md)
	if err != nil {
		return err
	}
	if applied {
		p.logger.Info("Metadata extracted",
			"item_id", item.ID, "title", md.Title, "composer", md.Composer,
			"confidence", md.ConfidenceScore, "multi_part", md.IsMultiPart,
			"instructions", len(md.CuttingInstructions))
	}
	return p.enqueueStage(ctx, pipeline.JobClassifyAndPlan, item)
}
