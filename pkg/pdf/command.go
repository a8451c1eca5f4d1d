package pdf

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// CommandEngine implements Engine by delegating to the poppler and qpdf
// command-line tools. The binaries are deployment dependencies; missing tools
// surface as errors on first use, not at startup.
type CommandEngine struct {
	pdfinfo   string
	pdftotext string
	pdftoppm  string
	qpdf      string
}

// NewCommandEngine creates an engine using the default tool names resolved
// via PATH.
func NewCommandEngine() *CommandEngine {
	return &CommandEngine{
		pdfinfo:   "pdfinfo",
		pdftotext: "pdftotext",
		pdftoppm:  "pdftoppm",
		qpdf:      "qpdf",
	}
}

// PageCount returns the number of pages reported by pdfinfo.
func (e *CommandEngine) PageCount(ctx context.Context, doc []byte) (int, error) {
	path, cleanup, err := tempDoc(doc)
	if err != nil {
		return 0, err
	}
	defer cleanup()

	out, err := runTool(ctx, e.pdfinfo, path)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrCorrupt, err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		if rest, ok := strings.CutPrefix(line, "Pages:"); ok {
			n, err := strconv.Atoi(strings.TrimSpace(rest))
			if err != nil {
				return 0, fmt.Errorf("unparseable page count %q: %w", rest, err)
			}
			return n, nil
		}
	}
	return 0, fmt.Errorf("%w: pdfinfo reported no page count", ErrCorrupt)
}

// ExtractText returns the embedded text layer via pdftotext.
func (e *CommandEngine) ExtractText(ctx context.Context, doc []byte) (string, error) {
	path, cleanup, err := tempDoc(doc)
	if err != nil {
		return "", err
	}
	defer cleanup()

	out, err := runTool(ctx, e.pdftotext, "-layout", path, "-")
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrCorrupt, err)
	}
	return string(out), nil
}

// RenderPages rasterizes the given zero-indexed pages to PNG via pdftoppm.
func (e *CommandEngine) RenderPages(ctx context.Context, doc []byte, pages []int) ([]PageImage, error) {
	path, cleanup, err := tempDoc(doc)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	images := make([]PageImage, 0, len(pages))
	for _, page := range pages {
		n := strconv.Itoa(page + 1)
		data, err := runTool(ctx, e.pdftoppm,
			"-png", "-r", "150", "-f", n, "-l", n, path)
		if err != nil {
			return nil, fmt.Errorf("failed to render page %d: %w", page, err)
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("page %d is out of range", page)
		}
		images = append(images, PageImage{Number: page, Data: data, MIME: "image/png"})
	}
	return images, nil
}

// ExtractRange produces a new PDF with the inclusive zero-indexed span
// [start, end] via qpdf.
func (e *CommandEngine) ExtractRange(ctx context.Context, doc []byte, start, end int) ([]byte, error) {
	if start < 0 || end < start {
		return nil, fmt.Errorf("invalid page range [%d, %d]", start, end)
	}
	path, cleanup, err := tempDoc(doc)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	outPath := filepath.Join(filepath.Dir(path), "range.pdf")
	span := fmt.Sprintf("%d-%d", start+1, end+1)
	if _, err := runTool(ctx, e.qpdf, "--empty", "--pages", path, span, "--", outPath); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, err)
	}
	return os.ReadFile(outPath)
}

func tempDoc(doc []byte) (string, func(), error) {
	dir, err := os.MkdirTemp("", "scorepipe-pdf-*")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	path := filepath.Join(dir, "doc.pdf")
	if err := os.WriteFile(path, doc, 0o600); err != nil {
		os.RemoveAll(dir)
		return "", nil, fmt.Errorf("failed to write temp pdf: %w", err)
	}
	return path, func() { os.RemoveAll(dir) }, nil
}

func runTool(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("%s: %s", name, msg)
	}
	return stdout.Bytes(), nil
}
