package api

import (
	"net/url"
	"time"

	apperrors "github.com/gmsas95/preventx/internal/errors"
	"github.com/gmsas95/preventx/internal/health"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
)

func (s *Server) handleHealth(c *fiber.Ctx) error {
	status, code := "healthy", fiber.StatusOK
	if err := s.engine.Ping(c.Context()); err != nil {
		s.logger.Warn("Health check failed", zap.Error(err))
		status, code = "degraded", fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{
		"status":    status,
		"version":   s.version,
		"timestamp": time.Now().Unix(),
	})
}

// ==================== Vitals ====================

func (s *Server) handleRecordVital(c *fiber.Ctx) error {
	var req RecordVitalRequest
	if err := bind(c, &req); err != nil {
		return s.fail(c, err)
	}
	if req.Value == nil {
		return s.fail(c, apperrors.Newf(apperrors.ErrInvalidInput, "value is required"))
	}

	var ts time.Time
	if req.Timestamp != nil {
		ts = *req.Timestamp
	}
	reading, err := s.engine.RecordVital(c.Context(), userID(c), req.Metric, *req.Value, req.Unit, ts)
	if err != nil {
		return s.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(reading)
}

func (s *Server) handleVitalTrend(c *fiber.Ctx) error {
	window, err := parseWindow(c.Query("window"))
	if err != nil {
		return s.fail(c, err)
	}
	res, err := s.engine.GetVitalTrend(c.Context(), userID(c), health.Metric(c.Params("metric")), window)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(res)
}

func (s *Server) handleVitalSeries(c *fiber.Ctx) error {
	window, err := parseWindow(c.Query("window"))
	if err != nil {
		return s.fail(c, err)
	}
	readings, err := s.engine.GetVitalSeries(c.Context(), userID(c), health.Metric(c.Params("metric")), window)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(readings)
}

// ==================== Medication ====================

func (s *Server) handleCreateSchedule(c *fiber.Ctx) error {
	var req CreateScheduleRequest
	if err := bind(c, &req); err != nil {
		return s.fail(c, err)
	}
	sched, err := s.engine.CreateSchedule(c.Context(), userID(c), req.Name, req.Dosage, req.ScheduledTimes)
	if err != nil {
		return s.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(sched)
}

func (s *Server) handleListSchedules(c *fiber.Ctx) error {
	scheds, err := s.engine.ListSchedules(c.Context(), userID(c), c.QueryBool("active", false))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(scheds)
}

func (s *Server) handleDeactivateSchedule(c *fiber.Ctx) error {
	sched, err := s.engine.DeactivateSchedule(c.Context(), userID(c), c.Params("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(sched)
}

func (s *Server) handleDoseEvents(c *fiber.Ctx) error {
	doses, err := s.engine.EnsureDoseEvents(c.Context(), userID(c), c.Params("id"), c.Query("date"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(doses)
}

func (s *Server) handleDoseHistory(c *fiber.Ctx) error {
	doses, err := s.engine.DoseHistory(c.Context(), userID(c), c.Params("id"), c.Query("from"), c.Query("to"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(doses)
}

func (s *Server) handleAdherence(c *fiber.Ctx) error {
	window, err := parseWindow(c.Query("window"))
	if err != nil {
		return s.fail(c, err)
	}
	stats, err := s.engine.GetAdherence(c.Context(), userID(c), c.Params("id"), window)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(stats)
}

func (s *Server) handleMarkDoseTaken(c *fiber.Ctx) error {
	var req MarkTakenRequest
	if len(c.Body()) > 0 {
		if err := bind(c, &req); err != nil {
			return s.fail(c, err)
		}
	}

	var at time.Time
	if req.TakenAt != nil {
		at = *req.TakenAt
	}
	dose, err := s.engine.MarkDoseTaken(c.Context(), userID(c), c.Params("id"), at)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(dose)
}

// ==================== Risk ====================

func (s *Server) handleRecordFactor(c *fiber.Ctx) error {
	var req FactorInputRequest
	if err := bind(c, &req); err != nil {
		return s.fail(c, err)
	}
	if req.Value == nil {
		return s.fail(c, apperrors.Newf(apperrors.ErrInvalidInput, "value is required"))
	}
	input, err := s.engine.RecordFactorInput(c.Context(), userID(c), c.Params("key"), *req.Value)
	if err != nil {
		return s.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(input)
}

func (s *Server) handleFactorScore(c *fiber.Ctx) error {
	reading, err := s.engine.GetFactorScore(c.Context(), userID(c), c.Params("key"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(reading)
}

func (s *Server) handleConditionRisk(c *fiber.Ctx) error {
	cr, err := s.engine.GetConditionRisk(c.Context(), userID(c), c.Params("condition"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(cr)
}

func (s *Server) handleWellness(c *fiber.Ctx) error {
	w, err := s.engine.GetWellnessScore(c.Context(), userID(c))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(w)
}

func (s *Server) handleWellnessHistory(c *fiber.Ctx) error {
	window, err := parseWindow(c.Query("window", "30d"))
	if err != nil {
		return s.fail(c, err)
	}
	snaps, err := s.engine.GetWellnessHistory(c.Context(), userID(c), window)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(snaps)
}

// ==================== Notifications ====================

func (s *Server) handlePollNotifications(c *fiber.Ctx) error {
	evs, err := s.engine.PollNotifications(c.Context(), userID(c))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(evs)
}

func (s *Server) handleNotificationStates(c *fiber.Ctx) error {
	states, err := s.engine.NotificationStates(c.Context(), userID(c))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(states)
}

func (s *Server) handleAcknowledge(c *fiber.Ctx) error {
	ruleKey, err := url.PathUnescape(c.Params("ruleKey"))
	if err != nil {
		return s.fail(c, apperrors.Newf(apperrors.ErrInvalidInput, "invalid rule key"))
	}
	st, err := s.engine.AcknowledgeNotification(c.Context(), userID(c), ruleKey)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(st)
}

// ==================== Settings ====================

func (s *Server) handleGetSettings(c *fiber.Ctx) error {
	settings, err := s.engine.GetSettings(c.Context(), userID(c))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(settings)
}

func (s *Server) handleUpdateSettings(c *fiber.Ctx) error {
	var req SettingsRequest
	if err := bind(c, &req); err != nil {
		return s.fail(c, err)
	}
	settings, err := s.engine.PatchSettings(c.Context(), userID(c), req.apply)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(settings)
}

// ==================== WebSocket ====================

// handleNotificationStream pushes newly triggered notifications to the
// connected user until the client goes away.
func (s *Server) handleNotificationStream(c *websocket.Conn) {
	defer c.Close()

	uid, _ := c.Locals(userIDKey).(string)
	sub := s.hub.Subscribe(uid)
	defer sub.Close()

	s.metrics.IncrementActiveConnections()
	defer s.metrics.DecrementActiveConnections()

	// The read loop only detects the client closing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := c.WriteJSON(ev); err != nil {
				s.logger.Warn("WebSocket write error",
					zap.String("user_id", uid),
					zap.Error(err),
				)
				return
			}
		}
	}
}
