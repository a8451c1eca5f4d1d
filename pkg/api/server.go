// Package api provides the HTTP surface of the Smart Upload pipeline: batch
// registration, item review actions, and the operator endpoints.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/scorepipe/scorepipe/pkg/database"
	"github.com/scorepipe/scorepipe/pkg/models"
	"github.com/scorepipe/scorepipe/pkg/pipeline"
	"github.com/scorepipe/scorepipe/pkg/services"
)

// WorkerPool is the slice of the pipeline pool the server uses.
type WorkerPool interface {
	Health(ctx context.Context) pipeline.PoolHealth
	CancelItem(itemID string) bool
}

// PipelineResumer re-enqueues the stage an approved item should run next.
// Implemented by the smartupload pipeline.
type PipelineResumer interface {
	Resume(ctx context.Context, item *models.Item) error
}

// Deps are the collaborators a Server needs. Metrics may be nil.
type Deps struct {
	Logger      *slog.Logger
	DB          *database.Client
	Items       *services.ItemService
	Batches     *services.BatchService
	Assignments *services.AssignmentService
	Queue       pipeline.Store
	Pool        WorkerPool
	Resumer     PipelineResumer
	Metrics     http.Handler
}

// Server is the echo HTTP server for the pipeline API.
type Server struct {
	logger      *slog.Logger
	echo        *echo.Echo
	httpServer  *http.Server
	db          *database.Client
	items       *services.ItemService
	batches     *services.BatchService
	assignments *services.AssignmentService
	queue       pipeline.Store
	pool        WorkerPool
	resumer     PipelineResumer
	startedAt   time.Time
}

// NewServer creates the server and registers all routes.
func NewServer(d Deps) *Server {
	switch {
	case d.Items == nil || d.Batches == nil || d.Assignments == nil:
		panic("api.NewServer: services must not be nil")
	case d.Queue == nil:
		panic("api.NewServer: queue must not be nil")
	case d.Pool == nil:
		panic("api.NewServer: pool must not be nil")
	case d.Resumer == nil:
		panic("api.NewServer: resumer must not be nil")
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		logger:      logger,
		echo:        echo.New(),
		db:          d.DB,
		items:       d.Items,
		batches:     d.Batches,
		assignments: d.Assignments,
		queue:       d.Queue,
		pool:        d.Pool,
		resumer:     d.Resumer,
		startedAt:   time.Now(),
	}

	e := s.echo
	e.Use(securityHeaders())
	e.Use(s.requestLogger())

	e.GET("/health", s.healthHandler)
	e.GET("/ready", s.readyHandler)
	if d.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(d.Metrics))
	}

	v1 := e.Group("/api/v1")
	v1.POST("/batches", s.createBatchHandler)
	v1.GET("/batches/:id", s.getBatchHandler)
	v1.POST("/batches/:id/cancel", s.cancelBatchHandler)
	v1.GET("/items/:id", s.getItemHandler)
	v1.POST("/items/:id/approve", s.approveItemHandler)

	return s
}

// Start begins serving on addr. Blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
