// Package adherence tracks medication schedules and the per-slot dose
// events materialised from them.
package adherence

import (
	"context"
	stderrors "errors"
	"sort"
	"strings"
	"time"

	apperrors "github.com/gmsas95/preventx/internal/errors"
	"github.com/gmsas95/preventx/internal/health"
	"github.com/gmsas95/preventx/internal/store"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultLookbackDays bounds how many elapsed days a sweep materialises.
const DefaultLookbackDays = 7

// Tracker handles schedules and dose events
type Tracker struct {
	db           *store.Store
	clock        health.Clock
	lookbackDays int
	logger       *zap.Logger
}

// NewTracker creates a new adherence tracker
func NewTracker(db *store.Store, clock health.Clock, lookbackDays int, logger *zap.Logger) *Tracker {
	if clock == nil {
		clock = health.SystemClock
	}
	if lookbackDays <= 0 {
		lookbackDays = DefaultLookbackDays
	}
	return &Tracker{db: db, clock: clock, lookbackDays: lookbackDays, logger: logger}
}

// Schedule operations

// CreateSchedule validates and stores a new active schedule. Times are
// normalised to "HH:MM", deduplicated and sorted.
func (t *Tracker) CreateSchedule(ctx context.Context, userID, name, dosage string, times []string) (*health.MedicationSchedule, error) {
	userID = strings.TrimSpace(userID)
	name = strings.TrimSpace(name)
	if userID == "" {
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, "user id is required")
	}
	if name == "" {
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, "medication name is required")
	}
	if len(times) == 0 {
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, "at least one scheduled time is required")
	}

	normalised := make([]string, 0, len(times))
	for _, raw := range times {
		hhmm, err := health.ParseTimeOfDay(raw)
		if err != nil {
			return nil, apperrors.Newf(apperrors.ErrInvalidInput, "%v", err)
		}
		normalised = append(normalised, hhmm)
	}
	normalised = lo.Uniq(normalised)
	sort.Strings(normalised)

	sched := &health.MedicationSchedule{
		ID:             uuid.NewString(),
		UserID:         userID,
		Name:           name,
		Dosage:         strings.TrimSpace(dosage),
		ScheduledTimes: normalised,
		Active:         true,
		CreatedAt:      t.clock.Now().UTC(),
	}
	sched.UpdatedAt = sched.CreatedAt

	err := t.db.Tx(ctx, func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&health.MedicationSchedule{}).
			Where("user_id = ? AND active = ? AND LOWER(name) = LOWER(?)", userID, true, name).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return apperrors.Newf(apperrors.ErrDuplicateSchedule, "an active schedule for %q already exists", name)
		}
		return tx.Create(sched).Error
	})
	if err != nil {
		return nil, err
	}

	t.logger.Info("Medication schedule created",
		zap.String("user_id", userID),
		zap.String("schedule_id", sched.ID),
		zap.Strings("times", normalised),
	)
	return sched, nil
}

// GetSchedule returns a schedule or ErrNotFound
func (t *Tracker) GetSchedule(ctx context.Context, scheduleID string) (*health.MedicationSchedule, error) {
	var sched health.MedicationSchedule
	err := t.db.Read(ctx, func(db *gorm.DB) error {
		return db.First(&sched, "id = ?", scheduleID).Error
	})
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "schedule %s not found", scheduleID)
	}
	if err != nil {
		return nil, err
	}
	return &sched, nil
}

// ListSchedules lists a user's schedules, oldest first
func (t *Tracker) ListSchedules(ctx context.Context, userID string, activeOnly bool) ([]health.MedicationSchedule, error) {
	var scheds []health.MedicationSchedule
	err := t.db.Read(ctx, func(db *gorm.DB) error {
		q := db.Where("user_id = ?", userID)
		if activeOnly {
			q = q.Where("active = ?", true)
		}
		return q.Order("created_at ASC").Order("id ASC").Find(&scheds).Error
	})
	return scheds, err
}

// DeactivateSchedule stops a schedule from producing new dose events. Its
// history is kept.
func (t *Tracker) DeactivateSchedule(ctx context.Context, scheduleID string) (*health.MedicationSchedule, error) {
	sched, err := t.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	if !sched.Active {
		return sched, nil
	}

	if err := t.db.Write(ctx, func(db *gorm.DB) error {
		return db.Model(&health.MedicationSchedule{}).
			Where("id = ?", scheduleID).
			Updates(map[string]interface{}{"active": false, "updated_at": t.clock.Now().UTC()}).Error
	}); err != nil {
		return nil, err
	}
	sched.Active = false

	t.logger.Info("Medication schedule deactivated",
		zap.String("user_id", sched.UserID),
		zap.String("schedule_id", scheduleID),
	)
	return sched, nil
}

// Users lists users owning at least one schedule
func (t *Tracker) Users(ctx context.Context) ([]string, error) {
	var users []string
	err := t.db.Read(ctx, func(db *gorm.DB) error {
		return db.Model(&health.MedicationSchedule{}).
			Distinct("user_id").
			Order("user_id").
			Pluck("user_id", &users).Error
	})
	return users, err
}

func (t *Tracker) location(ctx context.Context, userID string) (*time.Location, error) {
	settings, err := t.db.GetSettings(ctx, userID)
	if err != nil {
		return nil, err
	}
	return settings.Location(), nil
}
