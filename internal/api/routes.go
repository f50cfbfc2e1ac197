package api

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
)

func (s *Server) setupRoutes() {
	s.app.Use(recover.New())
	s.app.Use(s.metricsMiddleware())
	s.app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
		Next: func(c *fiber.Ctx) bool {
			return c.Path() == "/metrics"
		},
	}))
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(s.config.Security.AllowOrigins, ","),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))

	s.app.Get("/api/health", s.handleHealth)
	s.app.Get("/metrics", adaptor.HTTPHandler(s.metrics.Handler()))

	api := s.app.Group("/api")
	protected := api.Use(s.authMiddleware())

	// Vitals
	protected.Post("/vitals", s.handleRecordVital)
	protected.Get("/vitals/:metric/trend", s.handleVitalTrend)
	protected.Get("/vitals/:metric", s.handleVitalSeries)

	// Medication
	protected.Post("/schedules", s.handleCreateSchedule)
	protected.Get("/schedules", s.handleListSchedules)
	protected.Delete("/schedules/:id", s.handleDeactivateSchedule)
	protected.Get("/schedules/:id/doses", s.handleDoseEvents)
	protected.Get("/schedules/:id/history", s.handleDoseHistory)
	protected.Get("/schedules/:id/adherence", s.handleAdherence)
	protected.Post("/doses/:id/taken", s.handleMarkDoseTaken)

	// Risk
	protected.Post("/factors/:key", s.handleRecordFactor)
	protected.Get("/factors/:key", s.handleFactorScore)
	protected.Get("/risk/:condition", s.handleConditionRisk)
	protected.Get("/wellness", s.handleWellness)
	protected.Get("/wellness/history", s.handleWellnessHistory)

	// Notifications
	protected.Get("/notifications", s.handlePollNotifications)
	protected.Get("/notifications/states", s.handleNotificationStates)
	protected.Post("/notifications/:ruleKey/ack", s.handleAcknowledge)

	// Settings
	protected.Get("/settings", s.handleGetSettings)
	protected.Put("/settings", s.handleUpdateSettings)

	// WebSocket
	s.app.Use("/ws", s.upgradeMiddleware())
	s.app.Get("/ws/notifications", websocket.New(s.handleNotificationStream))
}
