// Package server exposes the task controller and its companion services over
// a JSON HTTP API.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"taskflow/internal/logging"
	"taskflow/internal/service"
)

// Deps are the services the routes delegate to. Generator and Reports may be
// nil, in which case their routes answer 503.
type Deps struct {
	Tasks      *service.TaskService
	Categories *service.CategoryService
	Generator  *service.GenerateService
	Reports    *service.ReportService
}

// Server is the taskflow HTTP API.
type Server struct {
	tasks      *service.TaskService
	categories *service.CategoryService
	generator  *service.GenerateService
	reports    *service.ReportService
	router     *gin.Engine
	log        zerolog.Logger
}

// New creates the server and registers its routes.
func New(deps Deps) *Server {
	router := gin.New()

	s := &Server{
		tasks:      deps.Tasks,
		categories: deps.Categories,
		generator:  deps.Generator,
		reports:    deps.Reports,
		router:     router,
		log:        logging.Component("http"),
	}

	router.Use(gin.Recovery(), s.requestLogger())

	api := router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.POST("/sync", s.handleSync)

		api.GET("/tasks", s.handleListTasks)
		api.POST("/tasks", s.handleCreateTask)
		api.POST("/tasks/bulk", s.handleCreateTasks)
		api.POST("/tasks/overdue/move-to-today", s.handleMoveOverdue)
		api.PATCH("/tasks/:id", s.handleUpdateTask)
		api.DELETE("/tasks/:id", s.handleDeleteTask)
		api.POST("/tasks/:id/duplicate", s.handleDuplicateTask)
		api.POST("/tasks/:id/subtasks/:subtaskId/toggle", s.handleToggleSubtask)

		api.GET("/notifications", s.handleNotifications)
		api.POST("/notifications/:id/read", s.handleReadNotification)

		api.GET("/categories", s.handleListCategories)
		api.POST("/categories", s.handleCreateCategory)
		api.DELETE("/categories", s.handleDeleteCategory)

		api.POST("/generate-tasks", s.handleGenerateTasks)

		api.GET("/reports", s.handleListReports)
		api.POST("/reports", s.handleCreateReport)
		api.GET("/reports/:id", s.handleGetReport)
		api.PUT("/reports/:id", s.handleUpdateReport)
		api.DELETE("/reports/:id", s.handleDeleteReport)
	}

	return s
}

// Handler returns the routes as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.log.Info().Msg("http server stopped")
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}
