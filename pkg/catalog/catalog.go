// Package catalog persists the final output of the pipeline: one piece record
// per ingested item plus a catalog part row per split part. All writes happen
// on the caller's transaction so a failed item rolls back the whole batch's
// ingest.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/scorepipe/scorepipe/pkg/models"
	"github.com/scorepipe/scorepipe/pkg/services"
)

// Piece is one catalog entry for an ingested score.
type Piece struct {
	ID           string          `json:"id"`
	Title        string          `json:"title"`
	Composer     string          `json:"composer"`
	Arranger     *string         `json:"arranger,omitempty"`
	FileType     models.FileType `json:"file_type"`
	SourceItemID string          `json:"source_item_id"`
}

// Service creates catalog entries.
type Service struct {
	db services.Querier
}

// NewService creates a new catalog Service.
func NewService(db services.Querier) *Service {
	if db == nil {
		panic("NewService: db must not be nil")
	}
	return &Service{db: db}
}

// WithTx returns a copy of the service bound to the given querier.
func (s *Service) WithTx(q services.Querier) *Service {
	return &Service{db: q}
}

// IngestItem creates the piece and its part rows for one item. A piece
// already created from the same item (a replayed ingest) returns the
// existing piece unchanged.
func (s *Service) IngestItem(ctx context.Context, item *models.Item) (*Piece, error) {
	if item.Metadata == nil {
		return nil, services.NewValidationError("metadata", "item has no extracted metadata")
	}
	if len(item.ParsedParts) == 0 {
		return nil, services.NewValidationError("parsed_parts", "item has no parts to ingest")
	}

	if existing, err := s.pieceForItem(ctx, item.ID); err == nil {
		return existing, nil
	} else if !errors.Is(err, services.ErrNotFound) {
		return nil, err
	}

	piece := &Piece{
		ID:           uuid.New().String(),
		Title:        item.Metadata.Title,
		Composer:     item.Metadata.Composer,
		FileType:     item.Metadata.FileType,
		SourceItemID: item.ID,
	}
	if item.Metadata.Arranger != "" {
		piece.Arranger = &item.Metadata.Arranger
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO pieces (id, title, composer, arranger, file_type, source_item_id)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		piece.ID, piece.Title, piece.Composer, piece.Arranger, piece.FileType, piece.SourceItemID)
	if err != nil {
		return nil, fmt.Errorf("failed to create piece for item %s: %w", item.ID, err)
	}

	for _, p := range item.ParsedParts {
		_, err := s.db.Exec(ctx, `
			INSERT INTO catalog_parts
				(id, piece_id, part_name, instrument, section, transposition,
				 part_number, storage_key, file_name, file_size, page_count)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			uuid.New().String(), piece.ID, p.PartName, p.Instrument,
			nullable(p.Section), nullable(p.Transposition), p.PartNumber,
			p.StorageKey, p.FileName, p.FileSize, p.PageCount)
		if err != nil {
			return nil, fmt.Errorf("failed to create catalog part %q: %w", p.PartName, err)
		}
	}
	return piece, nil
}

// PartCount returns how many catalog parts a piece has.
func (s *Service) PartCount(ctx context.Context, pieceID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM catalog_parts WHERE piece_id = $1`, pieceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count catalog parts: %w", err)
	}
	return n, nil
}

func (s *Service) pieceForItem(ctx context.Context, itemID string) (*Piece, error) {
	var p Piece
	err := s.db.QueryRow(ctx, `
		SELECT id, title, composer, arranger, file_type, source_item_id
		FROM pieces WHERE source_item_id = $1`, itemID).
		Scan(&p.ID, &p.Title, &p.Composer, &p.Arranger, &p.FileType, &p.SourceItemID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: piece for item %s", services.ErrNotFound, itemID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up piece for item %s: %w", itemID, err)
	}
	return &p, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
