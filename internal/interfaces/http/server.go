// Package http provides the HTTP adapter for the workflow engine.
// Handlers translate requests into engine calls and engine results into JSON.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/garyjia/stageflow/internal/application/service"
	"github.com/garyjia/stageflow/internal/application/workflow"
)

// Logger interface for logging operations
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	ServiceName  string
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:         "0.0.0.0",
		Port:         8080,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		ServiceName:  "stageflow",
	}
}

// Server is the HTTP server adapter
type Server struct {
	config        ServerConfig
	httpServer    *http.Server
	router        *gin.Engine
	engine        workflow.WorkflowEngine
	reports       service.ReportService
	notifications service.NotificationService
	logger        Logger
}

// NewServer creates a new HTTP server over the engine and its services
func NewServer(
	config ServerConfig,
	engine workflow.WorkflowEngine,
	reports service.ReportService,
	notifications service.NotificationService,
	logger Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)

	if config.ServiceName == "" {
		config.ServiceName = DefaultServerConfig().ServiceName
	}

	server := &Server{
		config:        config,
		router:        gin.New(),
		engine:        engine,
		reports:       reports,
		notifications: notifications,
		logger:        logger,
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

// setupMiddleware configures middleware for the router
func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(s.config.ServiceName))
	s.router.Use(s.loggingMiddleware())
}

// loggingMiddleware creates a logging middleware
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		s.logger.Info("HTTP request",
			"method", method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start).String(),
			"client_ip", c.ClientIP(),
			"actor", c.GetHeader(HeaderActorID),
		)
	}
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	h := NewHandlers(s.engine, s.reports, s.notifications, s.logger)

	s.router.GET("/health", h.HealthCheck)

	api := s.router.Group("/api", requireActor())
	{
		api.GET("/workflows", h.ListWorkflows)
		api.GET("/workflows/:type", h.GetWorkflow)
		api.POST("/workflows/:type/instances", h.Initiate)
		api.GET("/workflows/:type/stages/:stage/instances", h.ListByStage)

		api.GET("/references/:refType/:refID/instances", h.ListByReference)

		api.GET("/instances", h.ListInstances)
		api.GET("/instances/:id", h.GetStatus)
		api.POST("/instances/:id/actions/:action", h.Advance)
		api.POST("/instances/:id/cancel", h.Cancel)
		api.POST("/instances/:id/fail", h.Fail)
		api.POST("/instances/:id/complete", h.Complete)
		api.GET("/instances/:id/history", h.GetHistory)
		api.GET("/instances/:id/history/export", h.ExportHistory)
		api.GET("/instances/:id/notifications", h.ListNotifications)
	}
}

// Start starts the HTTP server and blocks until ctx is cancelled or the listener fails
func (s *Server) Start(ctx context.Context) error {
	addr := s.Address()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting HTTP server", "address", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("HTTP server shutdown requested")
		return s.Stop()
	case err := <-errCh:
		s.logger.Error("HTTP server error", "error", err)
		return err
	}
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}

	s.logger.Info("Stopping HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
		return err
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// Router returns the underlying gin router (for testing)
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Address returns the server address
func (s *Server) Address() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}
