package api

import (
	"strconv"
	"strings"
	"time"

	apperrors "github.com/gmsas95/preventx/internal/errors"
	"github.com/gmsas95/preventx/internal/health"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type ErrorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

type RecordVitalRequest struct {
	Metric    health.Metric `json:"metric"`
	Value     *float64      `json:"value"`
	Unit      string        `json:"unit"`
	Timestamp *time.Time    `json:"timestamp"`
}

type CreateScheduleRequest struct {
	Name           string   `json:"name"`
	Dosage         string   `json:"dosage"`
	ScheduledTimes []string `json:"scheduled_times"`
}

type MarkTakenRequest struct {
	TakenAt *time.Time `json:"taken_at"`
}

type FactorInputRequest struct {
	Value *float64 `json:"value"`
}

// SettingsRequest is a partial update. Omitted fields keep their stored value.
type SettingsRequest struct {
	Timezone            *string `json:"timezone"`
	Language            *string `json:"language"`
	FontSize            *string `json:"font_size"`
	AICompanionEnabled  *bool   `json:"ai_companion_enabled"`
	MedicationReminders *bool   `json:"medication_reminders"`
	RiskAlerts          *bool   `json:"risk_alerts"`
}

// apply copies the fields present in the request onto settings
func (r *SettingsRequest) apply(settings *health.UserSettings) {
	if r.Timezone != nil {
		settings.Timezone = *r.Timezone
	}
	if r.Language != nil {
		settings.Language = *r.Language
	}
	if r.FontSize != nil {
		settings.FontSize = *r.FontSize
	}
	if r.AICompanionEnabled != nil {
		settings.AICompanionEnabled = *r.AICompanionEnabled
	}
	if r.MedicationReminders != nil {
		settings.MedicationReminders = *r.MedicationReminders
	}
	if r.RiskAlerts != nil {
		settings.RiskAlerts = *r.RiskAlerts
	}
}

// fail writes err as a JSON error with the status its code maps to
func (s *Server) fail(c *fiber.Ctx, err error) error {
	status := apperrors.HTTPStatus(err)
	if status >= fiber.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Error(err),
		)
	}

	code := apperrors.GetCode(err)
	if code == "UNKNOWN" {
		code = apperrors.ErrInternal.Code
	}
	return c.Status(status).JSON(ErrorResponse{Code: code, Error: err.Error()})
}

// bind parses a JSON body, reporting malformed bodies as validation errors
func bind(c *fiber.Ctx, out interface{}) error {
	if err := c.BodyParser(out); err != nil {
		return apperrors.Newf(apperrors.ErrBadRequest, "invalid request body: %v", err)
	}
	return nil
}

// parseWindow accepts Go durations plus a day suffix ("7d"). Empty means
// the operation's default.
func parseWindow(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if days, ok := strings.CutSuffix(raw, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, apperrors.Newf(apperrors.ErrInvalidInput, "invalid window %q", raw)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, apperrors.Newf(apperrors.ErrInvalidInput, "invalid window %q", raw)
	}
	return d, nil
}
