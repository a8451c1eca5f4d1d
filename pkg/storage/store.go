// Package storage abstracts the blob store holding uploaded scores, rendered
// page images, and split part PDFs. Handlers work with whole-object buffers;
// the pipeline never streams blobs to disk.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the requested blob does not exist.
var ErrNotFound = errors.New("blob not found")

// Store is the blob store contract used by the pipeline.
type Store interface {
	// Upload writes data under key, overwriting any existing blob.
	Upload(ctx context.Context, key string, data []byte, contentType string) error

	// Download returns the full blob contents. Returns ErrNotFound if the
	// blob does not exist.
	Download(ctx context.Context, key string) ([]byte, error)

	// Delete removes the blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, key string) error
}
