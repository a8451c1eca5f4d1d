package smartupload

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/scorepipe/scorepipe/pkg/catalog"
	"github.com/scorepipe/scorepipe/pkg/config"
	"github.com/scorepipe/scorepipe/pkg/llm"
	"github.com/scorepipe/scorepipe/pkg/models"
	"github.com/scorepipe/scorepipe/pkg/pdf"
	"github.com/scorepipe/scorepipe/pkg/pipeline"
	"github.com/scorepipe/scorepipe/pkg/services"
	"github.com/scorepipe/scorepipe/pkg/storage"
)

// Stage tunables.
const (
	// maxModelPages caps how many rendered pages a single vision call sends
	// when the provider cannot take the PDF natively.
	maxModelPages = 100

	// maxVerifyParts caps how many already-split parts the verification pass
	// attaches as labeled inputs.
	maxVerifyParts = 3

	// maxAdjudicatePages caps the evenly-sampled page set sent to the
	// adjudicator.
	maxAdjudicatePages = 20

	// adjudicateConfidenceFloor triggers adjudication when the verification
	// pass is less sure than this, even without disagreements.
	adjudicateConfidenceFloor = 85.0

	// defaultMaxTokens is the completion budget for every stage call.
	defaultMaxTokens = 4096
)

// VisionCaller is the slice of the LLM client the stage handlers use.
type VisionCaller interface {
	CallVisionModel(ctx context.Context, cfg llm.AdapterConfig, req *llm.Request) (*llm.Response, error)
}

// RateLimitSetter pushes the configured requests-per-minute into the shared
// limiter. Implemented by llm.RateLimiter.
type RateLimitSetter interface {
	SetLimit(rpm int)
}

// Deps are the collaborators a Pipeline needs. Limiter may be nil.
type Deps struct {
	Logger      *slog.Logger
	DB          services.TxBeginner
	Items       *services.ItemService
	Batches     *services.BatchService
	Assignments *services.AssignmentService
	Catalog     *catalog.Service
	Blobs       storage.Store
	PDF         pdf.Engine
	Vision      VisionCaller
	Limiter     RateLimitSetter
	Config      *config.Loader
	Queue       pipeline.Store
}

// Pipeline owns the Smart Upload stage handlers.
type Pipeline struct {
	logger      *slog.Logger
	db          services.TxBeginner
	items       *services.ItemService
	batches     *services.BatchService
	assignments *services.AssignmentService
	catalog     *catalog.Service
	blobs       storage.Store
	pdf         pdf.Engine
	vision      VisionCaller
	limiter     RateLimitSetter
	config      *config.Loader
	queue       pipeline.Store
}

// New creates a Pipeline. All dependencies except Logger are required.
func New(d Deps) *Pipeline {
	switch {
	case d.DB == nil:
		panic("smartupload.New: DB must not be nil")
	case d.Items == nil || d.Batches == nil || d.Assignments == nil || d.Catalog == nil:
		panic("smartupload.New: services must not be nil")
	case d.Blobs == nil:
		panic("smartupload.New: Blobs must not be nil")
	case d.PDF == nil:
		panic("smartupload.New: PDF must not be nil")
	case d.Vision == nil:
		panic("smartupload.New: Vision must not be nil")
	case d.Config == nil:
		panic("smartupload.New: Config must not be nil")
	case d.Queue == nil:
		panic("smartupload.New: Queue must not be nil")
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		logger:      logger,
		db:          d.DB,
		items:       d.Items,
		batches:     d.Batches,
		assignments: d.Assignments,
		catalog:     d.Catalog,
		blobs:       d.Blobs,
		pdf:         d.PDF,
		vision:      d.Vision,
		limiter:     d.Limiter,
		config:      d.Config,
		queue:       d.Queue,
	}
}

// Register wires every stage handler into the registry.
func (p *Pipeline) Register(r *pipeline.Registry) {
	r.Register(pipeline.JobExtractText, p.itemHandler(p.handleExtractText))
	r.Register(pipeline.JobExtractMetadata, p.itemHandler(p.handleExtractMetadata))
	r.Register(pipeline.JobClassifyAndPlan, p.itemHandler(p.handleClassifyAndPlan))
	r.Register(pipeline.JobSplitPDF, p.itemHandler(p.handleSplitPDF))
	r.Register(pipeline.JobSecondPass, p.itemHandler(p.handleSecondPass))
	r.Register(pipeline.JobIngest, p.itemHandler(p.handleIngest))
	r.Register(pipeline.JobCleanup, p.handleCleanup)
}

// itemHandler adapts a stage function to the queue handler shape: load the
// item, skip terminal ones, and on a non-retryable failure mark the item
// failed and branch to cleanup before surfacing the error.
func (p *Pipeline) itemHandler(stage func(ctx context.Context, item *models.Item, job *pipeline.Job) error) pipeline.Handler {
	return func(ctx context.Context, job *pipeline.Job) error {
		var payload pipeline.ItemPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("bad payload for %s job %d: %w", job.Name, job.ID, err)
		}

		item, err := p.items.GetItem(ctx, payload.ItemID)
		if errors.Is(err, services.ErrNotFound) {
			p.logger.Warn("Dropping job for missing item", "job", job.Name, "item_id", payload.ItemID)
			return nil
		}
		if err != nil {
			return err
		}
		if item.Status.Terminal() {
			p.logger.Info("Skipping job for terminal item",
				"job", job.Name, "item_id", item.ID, "status", item.Status)
			return nil
		}

		err = stage(ctx, item, job)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) {
			// The cancel initiator enqueues cleanup; just record the attempt.
			return err
		}
		if isTerminalStageError(err) || job.Attempts >= job.MaxAttempts {
			p.failItem(ctx, item, job.Name, err)
		}
		return err
	}
}

// failItem records a terminal stage failure on the item row, updates the batch
// counters, and branches to cleanup. Runs detached from the job context so a
// cancelled handler can still persist its failure.
func (p *Pipeline) failItem(ctx context.Context, item *models.Item, stage string, cause error) {
	ctx = context.WithoutCancel(ctx)

	applied, err := p.items.MarkFailed(ctx, item.ID, stageFailureMessage(stage), cause.Error())
	if err != nil {
		p.logger.Error("Failed to record item failure", "item_id", item.ID, "error", err)
		return
	}
	if applied {
		if err := p.batches.RecordItemOutcome(ctx, item.BatchID, false); err != nil {
			p.logger.Error("Failed to record batch outcome", "batch_id", item.BatchID, "error", err)
		}
		if _, err := p.batches.FinishIfDone(ctx, item.BatchID); err != nil {
			p.logger.Error("Failed to finish batch", "batch_id", item.BatchID, "error", err)
		}
	}

	_, err = p.queue.Enqueue(ctx, pipeline.JobCleanup, pipeline.CleanupPayload{
		BatchID: item.BatchID,
		ItemID:  item.ID,
		Reason:  pipeline.CleanupReasonFailed,
	}, pipeline.EnqueueOptions{})
	if err != nil {
		p.logger.Error("Failed to enqueue cleanup", "item_id", item.ID, "error", err)
	}

	p.logger.Error("Stage failed terminally",
		"stage", stage, "item_id", item.ID, "batch_id", item.BatchID, "error", cause)
}

func stageFailureMessage(stage string) string {
	return fmt.Sprintf("stage %s failed", stage)
}

// enqueueStage queues the next stage job for an item.
func (p *Pipeline) enqueueStage(ctx context.Context, name string, item *models.Item) error {
	_, err := p.queue.Enqueue(ctx, name,
		pipeline.ItemPayload{BatchID: item.BatchID, ItemID: item.ID}, pipeline.EnqueueOptions{})
	if err != nil {
		return fmt.Errorf("failed to enqueue %s for item %s: %w", name, item.ID, err)
	}
	return nil
}

// Resume re-enqueues the stage job a stalled item is waiting on. The scheduler
// calls this for items whose row advanced but whose follow-up enqueue was
// lost; every target stage tolerates a duplicate job.
func (p *Pipeline) Resume(ctx context.Context, item *models.Item) error {
	if item.Status.Terminal() || item.Status == models.ItemStatusNeedsReview {
		return nil
	}
	if item.Status == models.ItemStatusApproved {
		switch item.CurrentStep {
		case models.ItemStepSplitPlanned:
			return p.AdvanceApproved(ctx, item)
		case models.ItemStepSplitComplete:
			return p.enqueueStage(ctx, pipeline.JobIngest, item)
		}
		return nil
	}
	switch item.CurrentStep {
	case "":
		return p.enqueueStage(ctx, pipeline.JobExtractText, item)
	case models.ItemStepTextExtracted:
		return p.enqueueStage(ctx, pipeline.JobExtractMetadata, item)
	case models.ItemStepMetadataExtracted:
		return p.enqueueStage(ctx, pipeline.JobClassifyAndPlan, item)
	case models.ItemStepSplitComplete:
		return p.queueSecondPass(ctx, item)
	}
	return nil
}

// terminalError marks a stage error as not worth retrying.
type terminalError struct{ err error }

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// markTerminal wraps err so the job is not retried.
func markTerminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// isTerminalStageError reports whether err should fail the item immediately
// instead of letting the queue retry. LLM parse errors, timeouts, non-retryable
// HTTP statuses, missing keys, validation failures, corrupt inputs, and
// missing blobs are all terminal.
func isTerminalStageError(err error) bool {
	var (
		te      *terminalError
		parse   *llm.ParseError
		timeout *llm.TimeoutError
		httpErr *llm.HTTPError
		missing *llm.MissingKeyError
	)
	switch {
	case errors.As(err, &te):
		return true
	case errors.As(err, &parse), errors.As(err, &timeout), errors.As(err, &missing):
		return true
	case errors.As(err, &httpErr):
		return !httpErr.Retryable()
	case errors.Is(err, pdf.ErrCorrupt), errors.Is(err, storage.ErrNotFound):
		return true
	case services.IsValidationError(err):
		return true
	}
	return false
}

// applyRateLimit pushes the latest configured RPM into the shared limiter so
// settings changes take effect without a restart.
func (p *Pipeline) applyRateLimit(cfg *config.RuntimeConfig) {
	if p.limiter != nil {
		p.limiter.SetLimit(cfg.RateLimitRPM)
	}
}

// callModel performs one stage LLM call and leniently parses the JSON answer.
func (p *Pipeline) callModel(ctx context.Context, cfg llm.AdapterConfig, req *llm.Request) (*metadataWire, error) {
	req.Format = llm.FormatJSON
	if req.MaxTokens == 0 {
		req.MaxTokens = defaultMaxTokens
	}
	resp, err := p.vision.CallVisionModel(ctx, cfg, req)
	if err != nil {
		return nil, err
	}
	return parseMetadataResponse(resp.Content)
}

// documentInputs builds the model inputs for a source PDF: the document itself
// on providers with native PDF support, otherwise up to maxPages evenly
// sampled rendered pages.
func (p *Pipeline) documentInputs(ctx context.Context, provider llm.Provider, doc []byte, totalPages, maxPages int) ([]llm.DocumentInput, []llm.ImageInput, error) {
	if llm.SupportsNativePDF(provider) {
		return []llm.DocumentInput{{
			MediaType: "application/pdf",
			Data:      base64.StdEncoding.EncodeToString(doc),
		}}, nil, nil
	}

	images, err := p.renderSampled(ctx, doc, totalPages, maxPages)
	if err != nil {
		return nil, nil, err
	}
	return nil, images, nil
}

// renderSampled rasterizes up to maxPages evenly sampled pages of doc.
func (p *Pipeline) renderSampled(ctx context.Context, doc []byte, totalPages, maxPages int) ([]llm.ImageInput, error) {
	rendered, err := p.pdf.RenderPages(ctx, doc, pdf.SamplePagesEvenly(totalPages, maxPages))
	if err != nil {
		return nil, fmt.Errorf("failed to render pages: %w", err)
	}
	images := make([]llm.ImageInput, 0, len(rendered))
	for _, page := range rendered {
		images = append(images, llm.ImageInput{
			MediaType: page.MIME,
			Data:      encodeImage(page.Data),
		})
	}
	return images, nil
}

func encodeImage(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
