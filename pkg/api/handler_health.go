package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/scorepipe/scorepipe/pkg/database"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /health. Only the pipeline's own components are
// checked; the LLM providers and the blob store are external and must not
// cause an orchestrator restart.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	status := healthStatusHealthy

	var dbHealth *database.HealthStatus
	if s.db != nil {
		var err error
		dbHealth, err = database.Health(reqCtx, s.db.Pool())
		if err != nil {
			status = healthStatusUnhealthy
		}
	}

	poolHealth := s.pool.Health(reqCtx)
	if !poolHealth.IsHealthy && status == healthStatusHealthy {
		status = healthStatusDegraded
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(s.startedAt).Round(time.Second).String(),
		Database:  dbHealth,
		Pool:      poolHealth,
	})
}

// readyHandler handles GET /ready: 200 once the worker pool is serving.
func (s *Server) readyHandler(c *echo.Context) error {
	poolHealth := s.pool.Health(c.Request().Context())
	if poolHealth.TotalWorkers == 0 {
		return c.JSON(http.StatusServiceUnavailable, &ReadyResponse{Ready: false})
	}
	return c.JSON(http.StatusOK, &ReadyResponse{Ready: true})
}
