// Package pdf defines the contract the pipeline expects from a PDF engine.
// Rendering and splitting are provided by an external library at deployment
// time; the pipeline treats the engine as a black box and only depends on
// these interfaces.
package pdf

import (
	"context"
	"errors"
)

// ErrCorrupt is returned when the input bytes are not a readable PDF.
var ErrCorrupt = errors.New("corrupt or unreadable pdf")

// PageImage is one rendered page. Number is zero-indexed.
type PageImage struct {
	Number int
	Data   []byte
	MIME   string
}

// Engine is the full set of PDF operations the pipeline uses. Page indices
// are zero-based everywhere.
type Engine interface {
	// PageCount returns the number of pages in the document.
	PageCount(ctx context.Context, doc []byte) (int, error)

	// ExtractText returns the embedded text of the document. An empty string
	// for a non-empty document is a valid result (scanned scores have no
	// text layer).
	ExtractText(ctx context.Context, doc []byte) (string, error)

	// RenderPages rasterizes the given pages. Out-of-range pages are an
	// error.
	RenderPages(ctx context.Context, doc []byte, pages []int) ([]PageImage, error)

	// ExtractRange produces a new PDF containing the inclusive page span
	// [start, end].
	ExtractRange(ctx context.Context, doc []byte, start, end int) ([]byte, error)
}
