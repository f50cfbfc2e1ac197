package adherence

import (
	"context"
	"time"

	"github.com/gmsas95/preventx/internal/health"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SweepUser materialises the slots of every fully elapsed day inside the
// look-back and moves the user's Pending events of those days to Missed. It
// returns the events it transitioned. It takes no lock; callers serialise
// per user.
func (t *Tracker) SweepUser(ctx context.Context, userID string, asOf time.Time) ([]health.DoseEvent, error) {
	loc, err := t.location(ctx, userID)
	if err != nil {
		return nil, err
	}
	today := health.DateOf(asOf, loc)

	scheds, err := t.ListSchedules(ctx, userID, true)
	if err != nil {
		return nil, err
	}
	for i := range scheds {
		dates, err := t.elapsedDates(&scheds[i], today, loc)
		if err != nil {
			return nil, err
		}
		if err := t.materialise(ctx, &scheds[i], dates...); err != nil {
			return nil, err
		}
	}

	var pending []health.DoseEvent
	if err := t.db.Read(ctx, func(db *gorm.DB) error {
		return db.Where("user_id = ? AND status = ? AND slot_date < ?", userID, health.DosePending, today).
			Order("slot_date ASC").
			Order("scheduled_time ASC").
			Find(&pending).Error
	}); err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}

	missedAt := asOf.UTC()
	now := t.clock.Now().UTC()
	var missed []health.DoseEvent
	err = t.db.Tx(ctx, func(tx *gorm.DB) error {
		missed = missed[:0]
		for _, ev := range pending {
			res := tx.Model(&health.DoseEvent{}).
				Where("id = ? AND status = ?", ev.ID, health.DosePending).
				Updates(map[string]interface{}{
					"status":     health.DoseMissed,
					"missed_at":  missedAt,
					"updated_at": now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 1 {
				ev.Status = health.DoseMissed
				ev.MissedAt = &missedAt
				ev.UpdatedAt = now
				missed = append(missed, ev)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(missed) > 0 {
		t.logger.Info("Doses marked missed",
			zap.String("user_id", userID),
			zap.Int("count", len(missed)),
		)
	}
	return missed, nil
}

// elapsedDates lists the dates before today, back to the schedule's creation
// date or the look-back limit, whichever is later.
func (t *Tracker) elapsedDates(sched *health.MedicationSchedule, today string, loc *time.Location) ([]string, error) {
	todayStart, _, err := health.DayBounds(today, loc)
	if err != nil {
		return nil, err
	}
	from := todayStart.AddDate(0, 0, -t.lookbackDays)
	created, _, err := health.DayBounds(health.DateOf(sched.CreatedAt, loc), loc)
	if err != nil {
		return nil, err
	}
	if created.After(from) {
		from = created
	}

	var dates []string
	for d := from; d.Before(todayStart); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d.Format(health.DateLayout))
	}
	return dates, nil
}
