package cutting

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scorepipe/scorepipe/pkg/models"
)

func ci(name string, start, end int) models.CuttingInstruction {
	return models.CuttingInstruction{PartName: name, Instrument: name, PageRange: models.PageRange{start, end}}
}

func TestOneIndexedNormalization(t *testing.T) {
	res := ValidateAndNormalize([]models.CuttingInstruction{ci("Flute", 1, 4)}, 10, Options{OneIndexed: true})
	require.Len(t, res.Instructions, 1)
	assert.Equal(t, models.PageRange{0, 3}, res.Instructions[0].PageRange)
}

func TestInvertedRangeDropped(t *testing.T) {
	res := ValidateAndNormalize([]models.CuttingInstruction{ci("Flute", 5, 3)}, 10, Options{})
	assert.Empty(t, res.Instructions)
	assert.NotEmpty(t, res.Issues)
}

func TestOutOfDocumentRangesDroppedOrClamped(t *testing.T) {
	in := []models.CuttingInstruction{
		ci("Beyond", 12, 15),  // fully past the end: dropped
		ci("Negative", -3, -1), // fully before the start: dropped
		ci("Clamped", -2, 14),  // straddles: clamped to [0,9]
	}
	res := ValidateAndNormalize(in, 10, Options{})
	require.Len(t, res.Instructions, 1)
	assert.Equal(t, "Clamped", res.Instructions[0].PartName)
	assert.Equal(t, models.PageRange{0, 9}, res.Instructions[0].PageRange)
}

func TestForbiddenLabels(t *testing.T) {
	in := []models.CuttingInstruction{
		ci("Unknown", 0, 1),
		ci("  blank ", 2, 3),
		ci("Flute", 4, 5),
	}

	dropped := ValidateAndNormalize(in, 6, Options{DropForbidden: true})
	require.Len(t, dropped.Instructions, 1)
	assert.Equal(t, "Flute", dropped.Instructions[0].PartName)

	flagged := ValidateAndNormalize(in, 6, Options{})
	assert.Len(t, flagged.Instructions, 3)
	assert.GreaterOrEqual(t, len(flagged.Issues), 2)
}

func TestForbiddenLabelsExtendedByConfig(t *testing.T) {
	assert.True(t, IsForbiddenLabel("Tacet", []string{"tacet"}))
	assert.False(t, IsForbiddenLabel("Tacet", nil))
	assert.True(t, IsForbiddenLabel("", nil))
}

func TestSortByStartThenEnd(t *testing.T) {
	in := []models.CuttingInstruction{
		ci("C", 6, 9),
		ci("A", 0, 5),
		ci("B", 0, 2),
	}
	res := ValidateAndNormalize(in, 10, Options{})
	require.Len(t, res.Instructions, 3)
	assert.Equal(t, "B", res.Instructions[0].PartName)
	assert.Equal(t, "A", res.Instructions[1].PartName)
	assert.Equal(t, "C", res.Instructions[2].PartName)
}

func TestGapDetectionSynthesizesUncoveredSpans(t *testing.T) {
	// Pages 1-3 and 7-10 of a 10-page document (one-indexed): pages 4-6 are
	// uncovered and become a synthesized instruction.
	in := []models.CuttingInstruction{
		ci("Flute", 1, 3),
		ci("Oboe", 7, 10),
	}
	res := ValidateAndNormalize(in, 10, Options{OneIndexed: true, DetectGaps: true})
	require.Len(t, res.Instructions, 3)

	gap := res.Instructions[1]
	assert.Equal(t, "Uncovered pages 4-6", gap.PartName)
	assert.True(t, gap.Synthesized)
	assert.Equal(t, models.PageRange{3, 5}, gap.PageRange)
}

func TestGapsReportedWithoutSynthesis(t *testing.T) {
	in := []models.CuttingInstruction{ci("Flute", 0, 3)}
	res := ValidateAndNormalize(in, 10, Options{})
	require.Len(t, res.Gaps, 1)
	assert.Equal(t, models.PageRange{4, 9}, res.Gaps[0])
}

func TestAdjacentRangesAreNotOverlaps(t *testing.T) {
	in := []models.CuttingInstruction{
		ci("Flute", 0, 3),
		ci("Oboe", 4, 7),
	}
	res := ValidateAndNormalize(in, 8, Options{})
	assert.Empty(t, res.Issues)
}

func TestOverlapsReportedNotMerged(t *testing.T) {
	in := []models.CuttingInstruction{
		ci("Flute", 0, 4),
		ci("Oboe", 3, 7),
	}
	res := ValidateAndNormalize(in, 8, Options{})
	require.Len(t, res.Instructions, 2)
	require.Len(t, res.Issues, 1)
	assert.Contains(t, res.Issues[0], "overlaps")
}

func TestValidateIsIdempotent(t *testing.T) {
	in := []models.CuttingInstruction{
		ci("Oboe", 7, 10),
		ci("Flute", 1, 3),
	}
	first := ValidateAndNormalize(in, 10, Options{OneIndexed: true, DetectGaps: true})
	second := ValidateAndNormalize(first.Instructions, 10, Options{DetectGaps: true})

	assert.Equal(t, first.Instructions, second.Instructions)
}

func TestCoverageAndUnionInvariant(t *testing.T) {
	in := []models.CuttingInstruction{
		ci("Flute", 0, 2),
		ci("Oboe", 7, 9),
	}
	res := ValidateAndNormalize(in, 10, Options{})

	// Union of instruction coverage plus gaps is exactly [0, totalPages).
	pages := 0
	for _, inst := range res.Instructions {
		pages += inst.PageRange.Pages()
	}
	for _, gap := range res.Gaps {
		pages += gap.Pages()
	}
	assert.Equal(t, 10, pages)
	assert.InDelta(t, 0.6, Coverage(res.Instructions, 10), 1e-9)
}

func TestToOneIndexedDoesNotMutateInput(t *testing.T) {
	in := []models.CuttingInstruction{ci("Flute", 0, 3)}
	out := ToOneIndexed(in)
	assert.Equal(t, models.PageRange{1, 4}, out[0].PageRange)
	assert.Equal(t, models.PageRange{0, 3}, in[0].PageRange)
}

func TestSynthesizeFullScore(t *testing.T) {
	inst := SynthesizeFullScore(12)
	assert.Equal(t, "Full Score", inst.PartName)
	assert.Equal(t, models.PageRange{0, 11}, inst.PageRange)
	assert.True(t, inst.Synthesized)
}

func TestZeroTotalPages(t *testing.T) {
	res := ValidateAndNormalize([]models.CuttingInstruction{ci("Flute", 0, 3)}, 0, Options{})
	assert.Empty(t, res.Instructions)
	assert.NotEmpty(t, res.Issues)
}
