// Package smartupload implements the stage handlers of the Smart Upload
// pipeline: text extraction, metadata extraction, classification, splitting,
// second-pass verification, adjudication, finalization, ingest, and cleanup.
package smartupload

import (
	"fmt"
	"sort"
	"strings"

	"github.com/scorepipe/scorepipe/pkg/llm"
	"github.com/scorepipe/scorepipe/pkg/models"
	"github.com/scorepipe/scorepipe/pkg/quality"
)

// metadataWire is the JSON shape the models are prompted to produce. Page
// ranges are one-indexed on the wire.
type metadataWire struct {
	Title                  string        `json:"title"`
	Composer               string        `json:"composer"`
	Arranger               string        `json:"arranger"`
	FileType               string        `json:"file_type"`
	IsMultiPart            bool          `json:"is_multi_part"`
	ConfidenceScore        float64       `json:"confidence_score"`
	SegmentationConfidence *float64      `json:"segmentation_confidence"`
	CuttingInstructions    []cuttingWire `json:"cutting_instructions"`
	Notes                  string        `json:"notes"`

	// VerificationConfidence appears only in second-pass responses.
	VerificationConfidence *float64 `json:"verification_confidence"`

	// Adjudicator-only fields.
	AdjudicationNotes   string `json:"adjudication_notes"`
	RequiresHumanReview bool   `json:"requires_human_review"`
	FinalConfidence     *float64 `json:"final_confidence"`
}

type cuttingWire struct {
	PartName      string `json:"part_name"`
	Instrument    string `json:"instrument"`
	Section       string `json:"section"`
	Transposition string `json:"transposition"`
	PartNumber    *int   `json:"part_number"`
	Pages         [2]int `json:"pages"`
}

// parseMetadataResponse decodes a model response leniently and normalizes
// confidences onto the 0-100 scale. Instructions stay one-indexed; the
// cutting validator shifts them.
func parseMetadataResponse(raw string) (*metadataWire, error) {
	var w metadataWire
	if err := llm.ParseLenientJSON(raw, &w); err != nil {
		return nil, err
	}
	w.ConfidenceScore = quality.NormalizeConfidence(w.ConfidenceScore)
	if w.SegmentationConfidence != nil {
		v := quality.NormalizeConfidence(*w.SegmentationConfidence)
		w.SegmentationConfidence = &v
	}
	if w.VerificationConfidence != nil {
		v := quality.NormalizeConfidence(*w.VerificationConfidence)
		w.VerificationConfidence = &v
	}
	if w.FinalConfidence != nil {
		v := quality.NormalizeConfidence(*w.FinalConfidence)
		w.FinalConfidence = &v
	}
	return &w, nil
}

// toMetadata converts the wire shape into the domain entity. Unknown file
// types degrade to OTHER rather than failing the stage.
func (w *metadataWire) toMetadata() models.ExtractedMetadata {
	ft := models.FileType(strings.ToUpper(strings.TrimSpace(w.FileType)))
	if !ft.Valid() {
		ft = models.FileTypeOther
	}
	md := models.ExtractedMetadata{
		Title:                  strings.TrimSpace(w.Title),
		Composer:               strings.TrimSpace(w.Composer),
		Arranger:               strings.TrimSpace(w.Arranger),
		FileType:               ft,
		IsMultiPart:            w.IsMultiPart,
		ConfidenceScore:        w.ConfidenceScore,
		SegmentationConfidence: w.SegmentationConfidence,
		Notes:                  w.Notes,
	}
	for _, c := range w.CuttingInstructions {
		md.CuttingInstructions = append(md.CuttingInstructions, models.CuttingInstruction{
			PartName:      strings.TrimSpace(c.PartName),
			Instrument:    strings.TrimSpace(c.Instrument),
			Section:       c.Section,
			Transposition: c.Transposition,
			PartNumber:    c.PartNumber,
			PageRange:     models.PageRange{c.Pages[0], c.Pages[1]},
		})
	}
	return md
}

// detectDisagreements reports the critical differences between the first-pass
// and verification metadata: title, composer, or the instrument set.
func detectDisagreements(first, second models.ExtractedMetadata) []string {
	var out []string
	if !equalFold(first.Title, second.Title) {
		out = append(out, fmt.Sprintf("title: %q vs %q", first.Title, second.Title))
	}
	if !equalFold(first.Composer, second.Composer) {
		out = append(out, fmt.Sprintf("composer: %q vs %q", first.Composer, second.Composer))
	}
	if a, b := instrumentSet(first.CuttingInstructions), instrumentSet(second.CuttingInstructions); a != b {
		out = append(out, fmt.Sprintf("instruments: %q vs %q", a, b))
	}
	return out
}

func equalFold(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// instrumentSet is the sorted, comma-joined, deduplicated instrument list.
func instrumentSet(in []models.CuttingInstruction) string {
	seen := make(map[string]bool)
	var names []string
	for _, ci := range in {
		name := strings.ToLower(strings.TrimSpace(ci.Instrument))
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

// slugify derives the storage-key slug from a part name: lowercased,
// alphanumerics and dashes only, runs collapsed.
func slugify(name string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if out == "" {
		return "part"
	}
	return out
}

// partStorageKey is the deterministic blob key for a split part.
func partStorageKey(sessionID, partName string) string {
	return fmt.Sprintf("smart-upload/%s/parts/%s.pdf", sessionID, slugify(partName))
}
