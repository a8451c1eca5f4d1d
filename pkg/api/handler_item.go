package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/scorepipe/scorepipe/pkg/models"
)

// getItemHandler handles GET /api/v1/items/:id.
func (s *Server) getItemHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "item id is required")
	}

	item, err := s.items.GetItem(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, item)
}

// approveItemHandler handles POST /api/v1/items/:id/approve. A human approval
// clears the review barrier: a split-planned item proceeds to the split, a
// finalized item proceeds to ingest.
func (s *Server) approveItemHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "item id is required")
	}

	var req ApproveItemRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.PerformedBy == "" {
		req.PerformedBy = "librarian"
	}

	ctx := c.Request().Context()
	item, err := s.items.GetItem(ctx, id)
	if err != nil {
		return mapServiceError(err)
	}

	applied, err := s.items.Approve(ctx, id, false)
	if err != nil {
		return mapServiceError(err)
	}
	if !applied {
		return echo.NewHTTPError(http.StatusConflict, "item is not awaiting review")
	}

	from := string(item.Status)
	var notes *string
	if req.Notes != "" {
		notes = &req.Notes
	}
	if err := s.assignments.Record(ctx, models.AssignmentHistoryEntry{
		AssignmentID: id,
		Action:       "approved",
		FromStatus:   &from,
		ToStatus:     string(models.ItemStatusApproved),
		Notes:        notes,
		PerformedBy:  req.PerformedBy,
		PerformedAt:  time.Now(),
	}); err != nil {
		s.logger.Error("Failed to record approval", "item_id", id, "error", err)
	}

	item, err = s.items.GetItem(ctx, id)
	if err != nil {
		return mapServiceError(err)
	}
	if err := s.resumer.Resume(ctx, item); err != nil {
		s.logger.Error("Failed to advance approved item", "item_id", id, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to resume processing")
	}

	s.logger.Info("Item approved",
		"item_id", id, "performed_by", req.PerformedBy, "step", item.CurrentStep)
	return c.JSON(http.StatusOK, item)
}
