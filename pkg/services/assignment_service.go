package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/scorepipe/scorepipe/pkg/models"
)

// AssignmentService writes the audit records shared with the librarian
// assignment sub-app. The pipeline emits one on approve, ingest, and cancel.
type AssignmentService struct {
	db Querier
}

// NewAssignmentService creates a new AssignmentService.
func NewAssignmentService(db Querier) *AssignmentService {
	if db == nil {
		panic("NewAssignmentService: db must not be nil")
	}
	return &AssignmentService{db: db}
}

// WithTx returns a copy of the service bound to the given querier.
func (s *AssignmentService) WithTx(q Querier) *AssignmentService {
	return &AssignmentService{db: q}
}

// Record appends one audit entry.
func (s *AssignmentService) Record(ctx context.Context, e models.AssignmentHistoryEntry) error {
	if e.AssignmentID == "" {
		return NewValidationError("assignment_id", "assignment id is required")
	}
	if e.Action == "" {
		return NewValidationError("action", "action is required")
	}
	if e.PerformedBy == "" {
		e.PerformedBy = "system"
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO assignment_history
			(id, assignment_id, action, from_status, to_status, notes, performed_by, performed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
		uuid.New().String(), e.AssignmentID, e.Action, e.FromStatus, e.ToStatus,
		e.Notes, e.PerformedBy)
	if err != nil {
		return fmt.Errorf("failed to record assignment history: %w", err)
	}
	return nil
}

// History returns an assignment's audit trail, oldest first.
func (s *AssignmentService) History(ctx context.Context, assignmentID string) ([]models.AssignmentHistoryEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT assignment_id, action, from_status, to_status, notes, performed_by, performed_at
		FROM assignment_history
		WHERE assignment_id = $1
		ORDER BY performed_at, id`, assignmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query assignment history: %w", err)
	}
	defer rows.Close()

	var out []models.AssignmentHistoryEntry
	for rows.Next() {
		var e models.AssignmentHistoryEntry
		if err := rows.Scan(&e.AssignmentID, &e.Action, &e.FromStatus, &e.ToStatus,
			&e.Notes, &e.PerformedBy, &e.PerformedAt); err != nil {
			return nil, fmt.Errorf("failed to scan assignment history: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
