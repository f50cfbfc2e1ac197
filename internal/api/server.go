package api

import (
	"context"
	"time"

	"github.com/gmsas95/preventx/internal/config"
	"github.com/gmsas95/preventx/internal/engine"
	"github.com/gmsas95/preventx/internal/events"
	"github.com/gmsas95/preventx/internal/metrics"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// Server handles HTTP API and WebSocket
type Server struct {
	app     *fiber.App
	config  *config.Config
	engine  *engine.Engine
	hub     *events.Hub
	metrics *metrics.Metrics
	logger  *zap.Logger
	version string
}

// New creates a new API server
func New(cfg *config.Config, eng *engine.Engine, hub *events.Hub, m *metrics.Metrics, logger *zap.Logger, version string) *Server {
	readTimeout := time.Duration(cfg.Server.ReadTimeout) * time.Second
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}
	writeTimeout := time.Duration(cfg.Server.WriteTimeout) * time.Second
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:           readTimeout,
		WriteTimeout:          writeTimeout,
		IdleTimeout:           120 * time.Second,
		DisableStartupMessage: true,
	})

	s := &Server{
		app:     app,
		config:  cfg,
		engine:  eng,
		hub:     hub,
		metrics: m,
		logger:  logger,
		version: version,
	}

	s.setupRoutes()
	return s
}

// App exposes the underlying fiber app
func (s *Server) App() *fiber.App {
	return s.app
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := s.config.Addr()
	s.logger.Info("API server listening", zap.String("addr", addr))
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.app.ShutdownWithContext(ctx)
}
