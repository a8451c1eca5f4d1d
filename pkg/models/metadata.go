package models

import "time"

// FileType classifies the uploaded document.
type FileType string

// File type constants.
const (
	FileTypeFullScore      FileType = "FULL_SCORE"
	FileTypeConductorScore FileType = "CONDUCTOR_SCORE"
	FileTypeCondensedScore FileType = "CONDENSED_SCORE"
	FileTypePart           FileType = "PART"
	FileTypeOther          FileType = "OTHER"
)

// Valid reports whether t is a known file type.
func (t FileType) Valid() bool {
	switch t {
	case FileTypeFullScore, FileTypeConductorScore, FileTypeCondensedScore,
		FileTypePart, FileTypeOther:
		return true
	}
	return false
}

// ExtractedMetadata is the structured result of the vision-model metadata pass.
// Confidence values are on the 0-100 scale after normalization.
type ExtractedMetadata struct {
	Title                  string               `json:"title"`
	Composer               string               `json:"composer"`
	Arranger               string               `json:"arranger,omitempty"`
	FileType               FileType             `json:"file_type"`
	IsMultiPart            bool                 `json:"is_multi_part"`
	ConfidenceScore        float64              `json:"confidence_score"`
	SegmentationConfidence *float64             `json:"segmentation_confidence,omitempty"`
	CuttingInstructions    []CuttingInstruction `json:"cutting_instructions"`
	Notes                  string               `json:"notes,omitempty"`
}

// PageRange is an inclusive [start, end] page span. Zero-indexed internally;
// one-indexed on the wire (LLM prompts and API responses).
type PageRange [2]int

// Start returns the first page of the range.
func (r PageRange) Start() int { return r[0] }

// End returns the last page of the range (inclusive).
func (r PageRange) End() int { return r[1] }

// Pages returns the number of pages covered by the range.
func (r PageRange) Pages() int { return r[1] - r[0] + 1 }

// CuttingInstruction tells the splitter which page range becomes which part.
type CuttingInstruction struct {
	PartName      string    `json:"part_name"`
	Instrument    string    `json:"instrument"`
	Section       string    `json:"section,omitempty"`
	Transposition string    `json:"transposition,omitempty"`
	PartNumber    *int      `json:"part_number,omitempty"`
	PageRange     PageRange `json:"page_range"`
	Synthesized   bool      `json:"synthesized,omitempty"`
}

// ParsedPart is one emitted per-instrument PDF.
type ParsedPart struct {
	PartName      string    `json:"part_name"`
	Instrument    string    `json:"instrument"`
	Section       string    `json:"section,omitempty"`
	Transposition string    `json:"transposition,omitempty"`
	PartNumber    *int      `json:"part_number,omitempty"`
	StorageKey    string    `json:"storage_key"`
	FileName      string    `json:"file_name"`
	FileSize      int64     `json:"file_size"`
	PageCount     int       `json:"page_count"`
	PageRange     PageRange `json:"page_range"`
}

// AssignmentHistoryEntry is the audit record shape shared with the librarian
// assignment sub-app. The pipeline emits these on approve, ingest, and cancel.
type AssignmentHistoryEntry struct {
	AssignmentID string    `json:"assignment_id"`
	Action       string    `json:"action"`
	FromStatus   *string   `json:"from_status,omitempty"`
	ToStatus     string    `json:"to_status"`
	Notes        *string   `json:"notes,omitempty"`
	PerformedBy  string    `json:"performed_by"`
	PerformedAt  time.Time `json:"performed_at"`
}
