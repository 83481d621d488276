package api

import (
	"context"
	"net/http"
	"time"

	"example.com/crmstack/services/automation/config"
	"example.com/crmstack/services/automation/internal/api/handlers"
	"example.com/crmstack/services/automation/internal/api/middleware"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Server represents the HTTP server
type Server struct {
	config     config.Config
	router     *gin.Engine
	httpServer *http.Server

	automation    *handlers.AutomationHandler
	qualification *handlers.QualificationHandler
	metrics       *handlers.MetricsHandler
}

// NewServer creates a new HTTP server
func NewServer(cfg config.Config, automation *handlers.AutomationHandler, qualification *handlers.QualificationHandler, metricsHandler *handlers.MetricsHandler) *Server {
	server := &Server{
		config:        cfg,
		automation:    automation,
		qualification: qualification,
		metrics:       metricsHandler,
	}

	server.router = server.setupRouter()
	server.httpServer = &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      server.router,
		ReadTimeout:  cfg.ServerTimeout,
		WriteTimeout: cfg.ServerTimeout,
	}

	return server
}

// setupRouter configures the HTTP router
func (s *Server) setupRouter() *gin.Engine {
	if s.config.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger())

	s.automation.RegisterRoutes(router)
	s.qualification.RegisterRoutes(router)
	s.metrics.RegisterRoutes(router)

	return router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Str("address", s.config.ServerAddress).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}

	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}

	log.Info().Msg("HTTP server shut down successfully")
	return nil
}
