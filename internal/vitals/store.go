// Package vitals records vital-sign readings and answers latest and series
// queries over them. Readings are append only.
package vitals

import (
	"context"
	"math"
	"strings"
	"time"

	apperrors "github.com/gmsas95/preventx/internal/errors"
	"github.com/gmsas95/preventx/internal/health"
	"github.com/gmsas95/preventx/internal/ruleset"
	"github.com/gmsas95/preventx/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Store handles vital reading persistence
type Store struct {
	db     *store.Store
	rules  *ruleset.Holder
	clock  health.Clock
	logger *zap.Logger
}

// NewStore creates a new vitals store
func NewStore(db *store.Store, rules *ruleset.Holder, clock health.Clock, logger *zap.Logger) *Store {
	if clock == nil {
		clock = health.SystemClock
	}
	return &Store{db: db, rules: rules, clock: clock, logger: logger}
}

// Record validates, converts and appends a reading. A zero ts means now.
func (s *Store) Record(ctx context.Context, userID string, metric health.Metric, value float64, unit string, ts time.Time) (*health.VitalReading, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, "user id is required")
	}

	m, ok := health.ParseMetric(string(metric))
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrUnknownMetric, "unknown metric %q", metric)
	}
	rule, ok := s.rules.Get().Metric(m)
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrUnknownMetric, "metric %s is not configured", m)
	}

	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil, apperrors.Newf(apperrors.ErrOutOfRange, "%s value is not a number", m)
	}
	canonical, err := ToCanonical(m, value, unit)
	if err != nil {
		return nil, err
	}
	if canonical < rule.Min || canonical > rule.Max {
		return nil, apperrors.Newf(apperrors.ErrOutOfRange,
			"%s value %.2f %s outside [%v, %v]", m, canonical, rule.Unit, rule.Min, rule.Max)
	}

	now := s.clock.Now().UTC()
	if ts.IsZero() {
		ts = now
	}

	reading := &health.VitalReading{
		ID:         uuid.NewString(),
		UserID:     userID,
		Metric:     m,
		Value:      canonical,
		Unit:       rule.Unit,
		Timestamp:  ts.UTC(),
		RecordedAt: now,
	}
	if err := s.db.Write(ctx, func(db *gorm.DB) error {
		return db.Create(reading).Error
	}); err != nil {
		return nil, err
	}

	s.logger.Debug("Vital recorded",
		zap.String("user_id", userID),
		zap.String("metric", string(m)),
		zap.Float64("value", canonical),
		zap.Uint64("seq", reading.Seq),
	)
	return reading, nil
}

// Latest returns the most recent reading, or nil when there is none
func (s *Store) Latest(ctx context.Context, userID string, metric health.Metric) (*health.VitalReading, error) {
	readings, err := s.Recent(ctx, userID, metric, 1)
	if err != nil || len(readings) == 0 {
		return nil, err
	}
	return &readings[0], nil
}

// Recent returns up to n of the most recent readings in chronological order
func (s *Store) Recent(ctx context.Context, userID string, metric health.Metric, n int) ([]health.VitalReading, error) {
	if n <= 0 {
		return nil, nil
	}
	var readings []health.VitalReading
	err := s.db.Read(ctx, func(db *gorm.DB) error {
		return db.Where("user_id = ? AND metric = ?", userID, metric).
			Order("measured_at DESC").
			Order("seq DESC").
			Limit(n).
			Find(&readings).Error
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(readings)-1; i < j; i, j = i+1, j-1 {
		readings[i], readings[j] = readings[j], readings[i]
	}
	return readings, nil
}

// Series returns readings inside w ordered by timestamp, then arrival.
// Each call queries afresh.
func (s *Store) Series(ctx context.Context, userID string, metric health.Metric, w health.Window) ([]health.VitalReading, error) {
	var readings []health.VitalReading
	err := s.db.Read(ctx, func(db *gorm.DB) error {
		q := db.Where("user_id = ? AND metric = ?", userID, metric)
		if !w.Since.IsZero() {
			q = q.Where("measured_at >= ?", w.Since.UTC())
		}
		if !w.Until.IsZero() {
			q = q.Where("measured_at <= ?", w.Until.UTC())
		}
		return q.Order("measured_at ASC").Order("seq ASC").Find(&readings).Error
	})
	return readings, err
}

// Users lists users with at least one reading
func (s *Store) Users(ctx context.Context) ([]string, error) {
	var users []string
	err := s.db.Read(ctx, func(db *gorm.DB) error {
		return db.Model(&health.VitalReading{}).
			Distinct("user_id").
			Order("user_id").
			Pluck("user_id", &users).Error
	})
	return users, err
}
