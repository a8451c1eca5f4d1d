package smartupload

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/scorepipe/scorepipe/pkg/models"
)

// Prompt texts. Operators can override these through the settings table; the
// constants are the shipped defaults.

const systemPrompt = `You are a music librarian's assistant. You analyze scanned
sheet-music PDFs and answer with a single JSON object, no prose, no code fences.`

const metadataPromptHeader = `Identify this piece of sheet music. Respond with a JSON object:
{
  "title": string,
  "composer": string,
  "arranger": string,
  "file_type": "FULL_SCORE" | "CONDUCTOR_SCORE" | "CONDENSED_SCORE" | "PART" | "OTHER",
  "is_multi_part": bool,
  "confidence_score": number (0-100),
  "segmentation_confidence": number (0-100, optional),
  "cutting_instructions": [
    {"part_name": string, "instrument": string, "section": string,
     "transposition": string, "part_number": number, "pages": [first, last]}
  ],
  "notes": string
}
Page numbers are 1-based and inclusive. If the document concatenates several
instrument parts, set is_multi_part to true and list one instruction per part.`

const verificationPromptHeader = `Verify a previous analysis of this sheet music. Re-identify the piece
independently, then respond with the same JSON object shape as the first pass
plus "verification_confidence" (0-100): your confidence that the FIRST PASS
below is correct. The labeled images are parts already split from this
document; check that their labels match their content.`

const adjudicationPromptHeader = `Two independent analyses of the same sheet music disagree. Decide which
is correct, or synthesize a corrected version. Respond with the winning
metadata JSON plus:
  "adjudication_notes": string explaining the decision,
  "final_confidence": number (0-100),
  "requires_human_review": bool (true when neither candidate is trustworthy).`

const ocrExcerptLimit = 4000

// metadataPrompt builds the first-pass prompt, attaching an excerpt of the
// embedded text layer when one exists.
func metadataPrompt(ocrText string) string {
	var b strings.Builder
	b.WriteString(metadataPromptHeader)
	if t := strings.TrimSpace(ocrText); t != "" {
		if len(t) > ocrExcerptLimit {
			t = t[:ocrExcerptLimit]
		}
		b.WriteString("\n\nEmbedded text layer (may be partial or noisy):\n")
		b.WriteString(t)
	}
	return b.String()
}

// verificationPrompt builds the second-pass prompt around the first-pass
// metadata.
func verificationPrompt(first *models.ExtractedMetadata) string {
	return fmt.Sprintf("%s\n\nFirst pass:\n%s", verificationPromptHeader, mustJSON(first))
}

// adjudicationPrompt builds the tie-breaker prompt from both candidates and
// the detected disagreements.
func adjudicationPrompt(first, second *models.ExtractedMetadata, disagreements []string) string {
	var b strings.Builder
	b.WriteString(adjudicationPromptHeader)
	b.WriteString("\n\nCandidate A (first pass):\n")
	b.WriteString(mustJSON(first))
	b.WriteString("\n\nCandidate B (verification pass):\n")
	b.WriteString(mustJSON(second))
	if len(disagreements) > 0 {
		b.WriteString("\n\nDetected disagreements:\n")
		for _, d := range disagreements {
			b.WriteString("- ")
			b.WriteString(d)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// mustJSON renders a prompt attachment. Metadata structs always marshal; a
// failure here is a programming error.
func mustJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("prompt attachment failed to marshal: %v", err))
	}
	return string(raw)
}
