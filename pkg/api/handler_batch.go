package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/scorepipe/scorepipe/pkg/models"
	"github.com/scorepipe/scorepipe/pkg/pipeline"
)

// createBatchHandler handles POST /api/v1/batches. The blobs are already in
// the store; this registers the batch, creates one item per file, and starts
// the pipeline for each.
func (s *Server) createBatchHandler(c *echo.Context) error {
	var req CreateBatchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.UserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id is required")
	}
	if len(req.Files) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "at least one file is required")
	}
	for _, f := range req.Files {
		if f.FileName == "" || f.StorageKey == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "every file needs file_name and storage_key")
		}
	}

	ctx := c.Request().Context()
	batch, err := s.batches.CreateBatch(ctx, req.UserID, len(req.Files))
	if err != nil {
		return mapServiceError(err)
	}

	items := make([]*models.Item, 0, len(req.Files))
	for _, f := range req.Files {
		item, err := s.items.CreateItem(ctx, batch.ID, f.FileName, f.MimeType, f.StorageKey)
		if err != nil {
			return mapServiceError(err)
		}
		_, err = s.queue.Enqueue(ctx, pipeline.JobExtractText,
			pipeline.ItemPayload{BatchID: batch.ID, ItemID: item.ID}, pipeline.EnqueueOptions{})
		if err != nil {
			s.logger.Error("Failed to enqueue first stage",
				"batch_id", batch.ID, "item_id", item.ID, "error", err)
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to start processing")
		}
		items = append(items, item)
	}

	s.logger.Info("Batch registered",
		"batch_id", batch.ID, "user_id", req.UserID, "files", len(items))
	return c.JSON(http.StatusCreated, &BatchDetail{Batch: batch, Items: items})
}

// getBatchHandler handles GET /api/v1/batches/:id.
func (s *Server) getBatchHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "batch id is required")
	}

	ctx := c.Request().Context()
	batch, err := s.batches.GetBatch(ctx, id)
	if err != nil {
		return mapServiceError(err)
	}
	items, err := s.items.ListByBatch(ctx, id)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, &BatchDetail{Batch: batch, Items: items})
}

// cancelBatchHandler handles POST /api/v1/batches/:id/cancel. The batch row
// flips first, then every non-terminal item gets its in-flight job cancelled
// on this pod and a cleanup enqueued.
func (s *Server) cancelBatchHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "batch id is required")
	}

	ctx := c.Request().Context()
	if err := s.batches.Cancel(ctx, id); err != nil {
		return mapServiceError(err)
	}

	items, err := s.items.ListByBatch(ctx, id)
	if err != nil {
		return mapServiceError(err)
	}

	cancelled := 0
	for _, item := range items {
		if item.Status.Terminal() {
			continue
		}
		s.pool.CancelItem(item.ID)
		_, err := s.queue.Enqueue(ctx, pipeline.JobCleanup, pipeline.CleanupPayload{
			BatchID: id,
			ItemID:  item.ID,
			Reason:  pipeline.CleanupReasonCancelled,
		}, pipeline.EnqueueOptions{})
		if err != nil {
			s.logger.Error("Failed to enqueue cleanup",
				"batch_id", id, "item_id", item.ID, "error", err)
			continue
		}
		cancelled++
	}

	s.logger.Info("Batch cancelled", "batch_id", id, "items", cancelled)
	return c.JSON(http.StatusOK, &CancelResponse{
		BatchID:   id,
		Cancelled: cancelled,
		Message:   "Batch cancellation requested",
	})
}
