package models

import "time"

// ItemStatus is the lifecycle status of a single uploaded file.
type ItemStatus string

// Item status constants.
const (
	ItemStatusPending     ItemStatus = "pending"
	ItemStatusProcessing  ItemStatus = "processing"
	ItemStatusNeedsReview ItemStatus = "needs_review"
	ItemStatusApproved    ItemStatus = "approved"
	ItemStatusComplete    ItemStatus = "complete"
	ItemStatusFailed      ItemStatus = "failed"
	ItemStatusCancelled   ItemStatus = "cancelled"
)

// Valid reports whether s is a known item status.
func (s ItemStatus) Valid() bool {
	switch s {
	case ItemStatusPending, ItemStatusProcessing, ItemStatusNeedsReview,
		ItemStatusApproved, ItemStatusComplete, ItemStatusFailed, ItemStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal item status.
func (s ItemStatus) Terminal() bool {
	switch s {
	case ItemStatusComplete, ItemStatusFailed, ItemStatusCancelled:
		return true
	}
	return false
}

// ItemStep marks the furthest pipeline milestone an item has committed.
type ItemStep string

// Item step constants, in pipeline order.
const (
	ItemStepTextExtracted     ItemStep = "text_extracted"
	ItemStepMetadataExtracted ItemStep = "metadata_extracted"
	ItemStepSplitPlanned      ItemStep = "split_planned"
	ItemStepSplitComplete     ItemStep = "split_complete"
	ItemStepIngested          ItemStep = "ingested"
)

// stepOrder maps each step to its position in the normal flow.
var stepOrder = map[ItemStep]int{
	ItemStepTextExtracted:     1,
	ItemStepMetadataExtracted: 2,
	ItemStepSplitPlanned:      3,
	ItemStepSplitComplete:     4,
	ItemStepIngested:          5,
}

// AtLeast reports whether the step has reached (or passed) other.
// An empty step has reached nothing.
func (s ItemStep) AtLeast(other ItemStep) bool {
	return stepOrder[s] >= stepOrder[other] && stepOrder[other] > 0
}

// PassStatus tracks the second-pass verification / adjudication sub-state.
type PassStatus string

// Pass status constants. The zero value means the pass was never requested.
const (
	PassStatusNone       PassStatus = ""
	PassStatusQueued     PassStatus = "queued"
	PassStatusInProgress PassStatus = "in_progress"
	PassStatusComplete   PassStatus = "complete"
	PassStatusFailed     PassStatus = "failed"
)

// Item is one uploaded file within a batch, carrying all pipeline state.
//
// Invariants: an item in ItemStatusApproved or ItemStatusComplete has a
// non-empty ParsedParts slice, and AutoApproved implies !RequiresHumanReview.
type Item struct {
	ID                  string               `json:"id"`
	BatchID             string               `json:"batch_id"`
	FileName            string               `json:"file_name"`
	MimeType            string               `json:"mime_type"`
	StorageKey          string               `json:"storage_key"`
	Status              ItemStatus           `json:"status"`
	CurrentStep         ItemStep             `json:"current_step,omitempty"`
	TotalPages          int                  `json:"total_pages"`
	OCRText             *string              `json:"ocr_text,omitempty"`
	Metadata            *ExtractedMetadata   `json:"extracted_metadata,omitempty"`
	CuttingInstructions []CuttingInstruction `json:"cutting_instructions,omitempty"`
	IsPacket            bool                 `json:"is_packet"`
	ParsedParts         []ParsedPart         `json:"parsed_parts,omitempty"`
	SecondPassStatus    PassStatus           `json:"second_pass_status,omitempty"`
	SecondPassResult    *SecondPassResult    `json:"second_pass_result,omitempty"`
	AdjudicatorStatus   PassStatus           `json:"adjudicator_status,omitempty"`
	AdjudicationNotes   *string              `json:"adjudication_notes,omitempty"`
	FinalConfidence     *float64             `json:"final_confidence,omitempty"`
	AutoApproved        bool                 `json:"auto_approved"`
	RequiresHumanReview bool                 `json:"requires_human_review"`
	ErrorMessage        *string              `json:"error_message,omitempty"`
	ErrorDetails        *string              `json:"error_details,omitempty"`
	TempFiles           []string             `json:"temp_files,omitempty"`
	CreatedAt           time.Time            `json:"created_at"`
	UpdatedAt           time.Time            `json:"updated_at"`
}

// SecondPassResult is the persisted outcome of the verification pass.
type SecondPassResult struct {
	Metadata               ExtractedMetadata `json:"metadata"`
	VerificationConfidence float64           `json:"verification_confidence"`
	Disagreements          []string          `json:"disagreements,omitempty"`
}

// AdjudicationResult is the outcome of the adjudicator pass.
type AdjudicationResult struct {
	Metadata            ExtractedMetadata `json:"adjudicated_metadata"`
	Notes               string            `json:"adjudication_notes,omitempty"`
	FinalConfidence     float64           `json:"final_confidence"`
	RequiresHumanReview bool              `json:"requires_human_review"`
}
