package pdf

import (
	"context"
	"fmt"
)

// StubEngine is a deterministic Engine for tests and local development. It
// treats the document bytes as opaque and fabricates pages from the
// configured count.
type StubEngine struct {
	// Pages is the page count reported for every document.
	Pages int

	// Text is returned by ExtractText.
	Text string

	// Err, when set, is returned by every call.
	Err error
}

func (e *StubEngine) PageCount(_ context.Context, _ []byte) (int, error) {
	if e.Err != nil {
		return 0, e.Err
	}
	return e.Pages, nil
}

func (e *StubEngine) ExtractText(_ context.Context, _ []byte) (string, error) {
	if e.Err != nil {
		return "", e.Err
	}
	return e.Text, nil
}

func (e *StubEngine) RenderPages(_ context.Context, _ []byte, pages []int) ([]PageImage, error) {
	if e.Err != nil {
		return nil, e.Err
	}
	out := make([]PageImage, 0, len(pages))
	for _, p := range pages {
		if p < 0 || p >= e.Pages {
			return nil, fmt.Errorf("page %d out of range [0,%d)", p, e.Pages)
		}
		out = append(out, PageImage{
			Number: p,
			Data:   []byte(fmt.Sprintf("page-%d", p)),
			MIME:   "image/png",
		})
	}
	return out, nil
}

func (e *StubEngine) ExtractRange(_ context.Context, _ []byte, start, end int) ([]byte, error) {
	if e.Err != nil {
		return nil, e.Err
	}
	if start < 0 || end >= e.Pages || start > end {
		return nil, fmt.Errorf("range [%d,%d] out of document [0,%d)", start, end, e.Pages)
	}
	return []byte(fmt.Sprintf("pdf-slice-%d-%d", start, end)), nil
}
