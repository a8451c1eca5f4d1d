// Package quality holds the deterministic gates that stand between a parsed
// item and autonomous catalog ingest. Gate evaluation never calls a model:
// given the same inputs it always produces the same verdict.
package quality

import (
	"fmt"

	"github.com/scorepipe/scorepipe/pkg/cutting"
	"github.com/scorepipe/scorepipe/pkg/models"
)

// Defaults for gate thresholds, overridable through settings.
const (
	DefaultMaxPagesPerPart        = 12
	DefaultMinCoverage            = 0.95
	DefaultMinSegmentationScore   = 60.0
	DefaultAutonomousApproval     = 85.0
	DefaultReviewGapPageThreshold = 10
)

// Input carries everything gate evaluation reads.
type Input struct {
	ParsedParts []models.ParsedPart
	Metadata    models.ExtractedMetadata
	TotalPages  int

	// MaxPagesPerPart defaults to DefaultMaxPagesPerPart when zero.
	MaxPagesPerPart int

	// SegmentationConfidence is on the 0-100 scale; nil when the model did
	// not report one.
	SegmentationConfidence *float64

	// ForbiddenLabels extends the built-in forbidden label set.
	ForbiddenLabels []string
}

// Outcome is the gate verdict. FinalConfidence is min(metadata confidence,
// segmentation confidence) and is forced to 0 when Failed.
type Outcome struct {
	Failed          bool
	Reasons         []string
	FinalConfidence float64
}

// Evaluate runs every gate and returns the combined verdict. Reasons lists
// each failing gate in evaluation order; it feeds the review UI and audit log.
func Evaluate(in Input) Outcome {
	maxPages := in.MaxPagesPerPart
	if maxPages <= 0 {
		maxPages = DefaultMaxPagesPerPart
	}

	var reasons []string

	if len(in.ParsedParts) == 0 {
		reasons = append(reasons, "no parts were produced")
	}

	for _, p := range in.ParsedParts {
		if p.PageCount > maxPages {
			reasons = append(reasons, fmt.Sprintf(
				"part %q spans %d pages (limit %d)", p.PartName, p.PageCount, maxPages))
		}
		if cutting.IsForbiddenLabel(p.PartName, in.ForbiddenLabels) {
			reasons = append(reasons, fmt.Sprintf("part label %q is forbidden", p.PartName))
		}
	}

	if in.Metadata.IsMultiPart && in.TotalPages > 0 {
		cov := partCoverage(in.ParsedParts, in.TotalPages)
		if cov < DefaultMinCoverage {
			reasons = append(reasons, fmt.Sprintf(
				"parts cover %.0f%% of %d pages (minimum %.0f%%)",
				cov*100, in.TotalPages, DefaultMinCoverage*100))
		}
	}

	if in.SegmentationConfidence != nil && *in.SegmentationConfidence < DefaultMinSegmentationScore {
		reasons = append(reasons, fmt.Sprintf(
			"segmentation confidence %.0f below %.0f",
			*in.SegmentationConfidence, DefaultMinSegmentationScore))
	}

	out := Outcome{
		Failed:          len(reasons) > 0,
		Reasons:         reasons,
		FinalConfidence: in.Metadata.ConfidenceScore,
	}
	if in.SegmentationConfidence != nil && *in.SegmentationConfidence < out.FinalConfidence {
		out.FinalConfidence = *in.SegmentationConfidence
	}
	if out.Failed {
		out.FinalConfidence = 0
	}
	return out
}

// partCoverage is the fraction of totalPages covered by at least one part's
// page range, in [0,1].
func partCoverage(parts []models.ParsedPart, totalPages int) float64 {
	covered := make([]bool, totalPages)
	for _, p := range parts {
		for pg := p.PageRange.Start(); pg <= p.PageRange.End(); pg++ {
			if pg >= 0 && pg < totalPages {
				covered[pg] = true
			}
		}
	}
	n := 0
	for _, c := range covered {
		if c {
			n++
		}
	}
	return float64(n) / float64(totalPages)
}

// NormalizeConfidence maps a model-reported confidence onto the 0-100 scale.
// Models answer on either [0,1] or [0,100]; fractional values in (0,1) are
// treated as the former and scaled up. Exactly 1 is read as 100 and exactly 0
// as 0. The result is clamped to [0,100].
func NormalizeConfidence(v float64) float64 {
	switch {
	case v <= 0:
		return 0
	case v < 1:
		return v * 100
	case v == 1:
		return 100
	case v > 100:
		return 100
	default:
		return v
	}
}
