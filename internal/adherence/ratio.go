package adherence

import (
	"context"
	"time"

	"github.com/gmsas95/preventx/internal/health"
	"gorm.io/gorm"
)

// Stats summarises dose outcomes inside a window. Ratio is nil when no dose
// in the window has completed.
type Stats struct {
	ScheduleID string   `json:"schedule_id,omitempty"`
	UserID     string   `json:"user_id"`
	Since      string   `json:"since,omitempty"`
	Until      string   `json:"until"`
	Taken      int      `json:"taken"`
	Missed     int      `json:"missed"`
	Pending    int      `json:"pending"`
	Ratio      *float64 `json:"ratio"`
}

// Percent returns the ratio as a percentage, or nil.
func (s *Stats) Percent() *float64 {
	if s.Ratio == nil {
		return nil
	}
	p := *s.Ratio * 100
	return &p
}

// AdherenceRatio returns taken / (taken + missed) for the schedule's events
// dated inside window, or nil when none has completed.
func (t *Tracker) AdherenceRatio(ctx context.Context, scheduleID string, window time.Duration, now time.Time) (*float64, error) {
	stats, err := t.ScheduleStats(ctx, scheduleID, window, now)
	if err != nil {
		return nil, err
	}
	return stats.Ratio, nil
}

// ScheduleStats counts a schedule's dose outcomes inside window. A zero
// window covers the whole history.
func (t *Tracker) ScheduleStats(ctx context.Context, scheduleID string, window time.Duration, now time.Time) (*Stats, error) {
	sched, err := t.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	loc, err := t.location(ctx, sched.UserID)
	if err != nil {
		return nil, err
	}

	stats := newStats(sched.UserID, window, now, loc)
	stats.ScheduleID = scheduleID
	err = t.count(ctx, stats, func(db *gorm.DB) *gorm.DB {
		return db.Where("schedule_id = ?", scheduleID)
	})
	return stats, err
}

// UserAdherence aggregates the user's active schedules.
func (t *Tracker) UserAdherence(ctx context.Context, userID string, window time.Duration, now time.Time) (*Stats, error) {
	loc, err := t.location(ctx, userID)
	if err != nil {
		return nil, err
	}

	stats := newStats(userID, window, now, loc)
	err = t.count(ctx, stats, func(db *gorm.DB) *gorm.DB {
		active := db.Session(&gorm.Session{NewDB: true}).
			Model(&health.MedicationSchedule{}).
			Select("id").
			Where("user_id = ? AND active = ?", userID, true)
		return db.Where("user_id = ? AND schedule_id IN (?)", userID, active)
	})
	return stats, err
}

func newStats(userID string, window time.Duration, now time.Time, loc *time.Location) *Stats {
	stats := &Stats{UserID: userID, Until: health.DateOf(now, loc)}
	if window > 0 {
		stats.Since = health.DateOf(now.Add(-window), loc)
	}
	return stats
}

func (t *Tracker) count(ctx context.Context, stats *Stats, scope func(db *gorm.DB) *gorm.DB) error {
	var rows []struct {
		Status health.DoseStatus
		N      int
	}
	err := t.db.Read(ctx, func(db *gorm.DB) error {
		q := scope(db.Model(&health.DoseEvent{})).Where("slot_date <= ?", stats.Until)
		if stats.Since != "" {
			q = q.Where("slot_date >= ?", stats.Since)
		}
		return q.Select("status, COUNT(*) AS n").Group("status").Scan(&rows).Error
	})
	if err != nil {
		return err
	}

	for _, r := range rows {
		switch r.Status {
		case health.DoseTaken:
			stats.Taken = r.N
		case health.DoseMissed:
			stats.Missed = r.N
		case health.DosePending:
			stats.Pending = r.N
		}
	}
	if completed := stats.Taken + stats.Missed; completed > 0 {
		ratio := float64(stats.Taken) / float64(completed)
		stats.Ratio = &ratio
	}
	return nil
}
