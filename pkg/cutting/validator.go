// Package cutting validates and normalizes cutting instructions: the page
// ranges that tell the splitter which span of a source PDF becomes which
// per-instrument part.
package cutting

import (
	"fmt"
	"sort"
	"strings"

	"github.com/scorepipe/scorepipe/pkg/models"
)

// defaultForbiddenLabels are part names that carry no information and must
// never become catalog parts. Matching is case-insensitive on the trimmed
// label. The list is extendable via configuration.
var defaultForbiddenLabels = []string{
	"", "unknown", "n/a", "na", "untitled", "score", "music", "page",
	"blank", "cover", "title", "index", "contents", "notes", "part",
}

// DefaultForbiddenLabels returns a copy of the built-in forbidden label set.
func DefaultForbiddenLabels() []string {
	out := make([]string, len(defaultForbiddenLabels))
	copy(out, defaultForbiddenLabels)
	return out
}

// IsForbiddenLabel reports whether label is in the forbidden set (built-in
// plus extra).
func IsForbiddenLabel(label string, extra []string) bool {
	norm := strings.ToLower(strings.TrimSpace(label))
	for _, f := range defaultForbiddenLabels {
		if norm == f {
			return true
		}
	}
	for _, f := range extra {
		if norm == strings.ToLower(strings.TrimSpace(f)) {
			return true
		}
	}
	return false
}

// Options controls a validation pass.
type Options struct {
	// OneIndexed means incoming page ranges are 1-based (the wire form) and
	// must be shifted down before validation. All internal logic is 0-based.
	OneIndexed bool

	// DetectGaps synthesizes an "Uncovered pages A-B" instruction for every
	// maximal page span no instruction covers.
	DetectGaps bool

	// DropForbidden removes instructions with forbidden labels instead of
	// only reporting them.
	DropForbidden bool

	// ForbiddenLabels extends the built-in forbidden set.
	ForbiddenLabels []string
}

// Result is the outcome of a validation pass. Instructions are zero-indexed;
// use ToOneIndexed for the wire form.
type Result struct {
	Instructions []models.CuttingInstruction
	Gaps         []models.PageRange
	Issues       []string
}

// ValidateAndNormalize normalizes indexing, clamps and drops invalid ranges,
// filters forbidden labels, sorts, and optionally fills coverage gaps.
// The operation is idempotent: validating its own output changes nothing.
func ValidateAndNormalize(in []models.CuttingInstruction, totalPages int, opts Options) Result {
	res := Result{}
	if totalPages <= 0 {
		res.Issues = append(res.Issues, "total page count is unknown; instructions dropped")
		return res
	}

	kept := make([]models.CuttingInstruction, 0, len(in))
	for _, ci := range in {
		start, end := ci.PageRange.Start(), ci.PageRange.End()
		if opts.OneIndexed {
			start--
			end--
		}

		if start > end {
			res.Issues = append(res.Issues, fmt.Sprintf("%q: inverted page range [%d,%d] dropped", ci.PartName, start, end))
			continue
		}
		if end < 0 || start >= totalPages {
			res.Issues = append(res.Issues, fmt.Sprintf("%q: page range [%d,%d] outside document dropped", ci.PartName, start, end))
			continue
		}
		if start < 0 {
			start = 0
		}
		if end >= totalPages {
			end = totalPages - 1
		}

		if IsForbiddenLabel(ci.PartName, opts.ForbiddenLabels) && !ci.Synthesized {
			if opts.DropForbidden {
				res.Issues = append(res.Issues, fmt.Sprintf("forbidden part name %q dropped", ci.PartName))
				continue
			}
			res.Issues = append(res.Issues, fmt.Sprintf("forbidden part name %q", ci.PartName))
		}

		ci.PageRange = models.PageRange{start, end}
		kept = append(kept, ci)
	}

	sort.SliceStable(kept, func(i, j int) bool {
		a, b := kept[i].PageRange, kept[j].PageRange
		if a.Start() != b.Start() {
			return a.Start() < b.Start()
		}
		return a.End() < b.End()
	})

	// Overlaps are reported, never merged: a shared page may be intentional
	// (e.g. a tutti page bound into two parts).
	for i := 1; i < len(kept); i++ {
		prev, cur := kept[i-1], kept[i]
		if cur.PageRange.Start() <= prev.PageRange.End() {
			res.Issues = append(res.Issues, fmt.Sprintf(
				"%q overlaps %q on pages %d-%d",
				prev.PartName, cur.PartName,
				cur.PageRange.Start()+1, min(prev.PageRange.End(), cur.PageRange.End())+1))
		}
	}

	res.Gaps = coverageGaps(kept, totalPages)

	if opts.DetectGaps {
		for _, gap := range res.Gaps {
			kept = append(kept, SynthesizeGap(gap))
		}
		sort.SliceStable(kept, func(i, j int) bool {
			a, b := kept[i].PageRange, kept[j].PageRange
			if a.Start() != b.Start() {
				return a.Start() < b.Start()
			}
			return a.End() < b.End()
		})
		res.Gaps = nil
	}

	res.Instructions = kept
	return res
}

// coverageGaps returns the maximal contiguous spans of [0,totalPages) no
// instruction covers.
func coverageGaps(sorted []models.CuttingInstruction, totalPages int) []models.PageRange {
	covered := make([]bool, totalPages)
	for _, ci := range sorted {
		for p := ci.PageRange.Start(); p <= ci.PageRange.End() && p < totalPages; p++ {
			covered[p] = true
		}
	}

	var gaps []models.PageRange
	start := -1
	for p := 0; p <= totalPages; p++ {
		uncovered := p < totalPages && !covered[p]
		switch {
		case uncovered && start < 0:
			start = p
		case !uncovered && start >= 0:
			gaps = append(gaps, models.PageRange{start, p - 1})
			start = -1
		}
	}
	return gaps
}

// SynthesizeGap builds the placeholder instruction for an uncovered span.
// The name is one-indexed for human readers.
func SynthesizeGap(gap models.PageRange) models.CuttingInstruction {
	return models.CuttingInstruction{
		PartName:    fmt.Sprintf("Uncovered pages %d-%d", gap.Start()+1, gap.End()+1),
		Instrument:  "Unlabelled",
		PageRange:   gap,
		Synthesized: true,
	}
}

// SynthesizeFullScore builds the single instruction used when a short
// full-score document arrives with no cutting plan at all.
func SynthesizeFullScore(totalPages int) models.CuttingInstruction {
	return models.CuttingInstruction{
		PartName:    "Full Score",
		Instrument:  "Full Score",
		PageRange:   models.PageRange{0, totalPages - 1},
		Synthesized: true,
	}
}

// ToOneIndexed converts zero-indexed instructions to the one-indexed wire
// form. The input is not modified.
func ToOneIndexed(in []models.CuttingInstruction) []models.CuttingInstruction {
	out := make([]models.CuttingInstruction, len(in))
	copy(out, in)
	for i := range out {
		out[i].PageRange = models.PageRange{out[i].PageRange.Start() + 1, out[i].PageRange.End() + 1}
	}
	return out
}

// Coverage returns the fraction of totalPages covered by at least one
// instruction, in [0,1].
func Coverage(in []models.CuttingInstruction, totalPages int) float64 {
	if totalPages <= 0 {
		return 0
	}
	covered := make([]bool, totalPages)
	for _, ci := range in {
		for p := ci.PageRange.Start(); p <= ci.PageRange.End(); p++ {
			if p >= 0 && p < totalPages {
				covered[p] = true
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
