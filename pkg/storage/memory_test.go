package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Upload(ctx, "a/b.pdf", []byte("pdf bytes"), "application/pdf"))

	got, err := s.Download(ctx, "a/b.pdf")
	require.NoError(t, err)
	assert.Equal(t, []byte("pdf bytes"), got)
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStoreMissingBlob(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Download(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreDeleteIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Upload(ctx, "k", []byte("x"), ""))
	require.NoError(t, s.Delete(ctx, "k"))
	require.NoError(t, s.Delete(ctx, "k"))
	assert.Equal(t, 0, s.Len())
}

func TestMemoryStoreCopiesData(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	data := []byte("original")
	require.NoError(t, s.Upload(ctx, "k", data, ""))
	data[0] = 'X'

	got, err := s.Download(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got)
}
