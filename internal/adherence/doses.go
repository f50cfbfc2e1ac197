package adherence

import (
	"context"
	stderrors "errors"
	"time"

	apperrors "github.com/gmsas95/preventx/internal/errors"
	"github.com/gmsas95/preventx/internal/health"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EnsureDoseEvents materialises the Pending events of an active schedule for
// date once that date has begun in the owner's timezone, and returns every
// event stored for the date. Calling it again never duplicates a slot.
func (t *Tracker) EnsureDoseEvents(ctx context.Context, scheduleID, date string, now time.Time) ([]health.DoseEvent, error) {
	sched, err := t.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	loc, err := t.location(ctx, sched.UserID)
	if err != nil {
		return nil, err
	}

	start, _, err := health.DayBounds(date, loc)
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, "%v", err)
	}
	if now.Before(start) {
		return []health.DoseEvent{}, nil
	}

	if sched.Active && date >= health.DateOf(sched.CreatedAt, loc) {
		if err := t.materialise(ctx, sched, date); err != nil {
			return nil, err
		}
	}

	return t.DoseEvents(ctx, scheduleID, date, date)
}

// materialise inserts the Pending slots of sched for each date, skipping
// slots that already exist.
func (t *Tracker) materialise(ctx context.Context, sched *health.MedicationSchedule, dates ...string) error {
	if len(dates) == 0 || len(sched.ScheduledTimes) == 0 {
		return nil
	}

	now := t.clock.Now().UTC()
	events := make([]health.DoseEvent, 0, len(dates)*len(sched.ScheduledTimes))
	for _, date := range dates {
		for _, hhmm := range sched.ScheduledTimes {
			events = append(events, health.DoseEvent{
				ID:            uuid.NewString(),
				ScheduleID:    sched.ID,
				UserID:        sched.UserID,
				Date:          date,
				ScheduledTime: hhmm,
				Status:        health.DosePending,
				CreatedAt:     now,
				UpdatedAt:     now,
			})
		}
	}

	return t.db.Write(ctx, func(db *gorm.DB) error {
		return db.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "schedule_id"},
				{Name: "slot_date"},
				{Name: "scheduled_time"},
			},
			DoNothing: true,
		}).Create(&events).Error
	})
}

// MarkTaken moves a Pending dose event to Taken. Terminal events and events
// whose day has already ended in the owner's timezone are rejected with
// ErrAlreadyTerminal; the latter are Missed even if no sweep has run yet.
func (t *Tracker) MarkTaken(ctx context.Context, doseEventID string, at time.Time) (*health.DoseEvent, error) {
	ev, err := t.GetDoseEvent(ctx, doseEventID)
	if err != nil {
		return nil, err
	}
	if ev.Status.Terminal() {
		return nil, apperrors.Newf(apperrors.ErrAlreadyTerminal, "dose event %s is already %s", doseEventID, ev.Status)
	}

	now := t.clock.Now().UTC()
	loc, err := t.location(ctx, ev.UserID)
	if err != nil {
		return nil, err
	}
	if ev.Date < health.DateOf(now, loc) {
		return nil, apperrors.Newf(apperrors.ErrAlreadyTerminal, "dose event %s belongs to %s, which has ended", doseEventID, ev.Date)
	}
	if at.IsZero() {
		at = now
	}
	at = at.UTC()

	err = t.db.Write(ctx, func(db *gorm.DB) error {
		res := db.Model(&health.DoseEvent{}).
			Where("id = ? AND status = ?", doseEventID, health.DosePending).
			Updates(map[string]interface{}{
				"status":     health.DoseTaken,
				"taken_at":   at,
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperrors.Newf(apperrors.ErrAlreadyTerminal, "dose event %s is no longer pending", doseEventID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ev.Status = health.DoseTaken
	ev.TakenAt = &at
	ev.UpdatedAt = now

	t.logger.Info("Dose marked taken",
		zap.String("user_id", ev.UserID),
		zap.String("schedule_id", ev.ScheduleID),
		zap.String("dose_event_id", ev.ID),
	)
	return ev, nil
}

// GetDoseEvent returns a dose event or ErrNotFound
func (t *Tracker) GetDoseEvent(ctx context.Context, doseEventID string) (*health.DoseEvent, error) {
	var ev health.DoseEvent
	err := t.db.Read(ctx, func(db *gorm.DB) error {
		return db.First(&ev, "id = ?", doseEventID).Error
	})
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "dose event %s not found", doseEventID)
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// DoseEvents lists a schedule's events between two dates inclusive. An empty
// bound leaves that side open.
func (t *Tracker) DoseEvents(ctx context.Context, scheduleID, from, to string) ([]health.DoseEvent, error) {
	events := []health.DoseEvent{}
	err := t.db.Read(ctx, func(db *gorm.DB) error {
		q := db.Where("schedule_id = ?", scheduleID)
		if from != "" {
			q = q.Where("slot_date >= ?", from)
		}
		if to != "" {
			q = q.Where("slot_date <= ?", to)
		}
		return q.Order("slot_date ASC").Order("scheduled_time ASC").Find(&events).Error
	})
	return events, err
}

// LatestCompleted returns the most recent Taken or Missed event of a
// schedule, or nil
func (t *Tracker) LatestCompleted(ctx context.Context, scheduleID string) (*health.DoseEvent, error) {
	var events []health.DoseEvent
	err := t.db.Read(ctx, func(db *gorm.DB) error {
		return db.Where("schedule_id = ? AND status IN ?", scheduleID, []health.DoseStatus{health.DoseTaken, health.DoseMissed}).
			Order("slot_date DESC").
			Order("scheduled_time DESC").
			Limit(1).
			Find(&events).Error
	})
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return &events[0], nil
}
