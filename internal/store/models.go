package store

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/gmsas95/preventx/internal/health"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ==================== Settings Methods ====================

// GetSettings returns the user's settings, or the defaults when none are saved
func (s *Store) GetSettings(ctx context.Context, userID string) (health.UserSettings, error) {
	var settings health.UserSettings
	err := s.Read(ctx, func(db *gorm.DB) error {
		return db.First(&settings, "user_id = ?", userID).Error
	})
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return health.DefaultSettings(userID), nil
	}
	if err != nil {
		return health.UserSettings{}, err
	}
	return settings, nil
}

// SaveSettings creates or replaces the user's settings
func (s *Store) SaveSettings(ctx context.Context, settings *health.UserSettings) error {
	settings.UpdatedAt = time.Now().UTC()
	return s.Write(ctx, func(db *gorm.DB) error {
		return db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			UpdateAll: true,
		}).Create(settings).Error
	})
}

// ==================== Factor Input Methods ====================

// CreateFactorInput appends a self-reported factor value
func (s *Store) CreateFactorInput(ctx context.Context, input *health.FactorInput) error {
	if input.ID == "" {
		input.ID = uuid.NewString()
	}
	input.RecordedAt = input.RecordedAt.UTC()
	return s.Write(ctx, func(db *gorm.DB) error {
		return db.Create(input).Error
	})
}

// LatestFactorInput returns the most recent value for a factor, or nil
func (s *Store) LatestFactorInput(ctx context.Context, userID, factorKey string) (*health.FactorInput, error) {
	var inputs []health.FactorInput
	err := s.Read(ctx, func(db *gorm.DB) error {
		return db.Where("user_id = ? AND factor_key = ?", userID, factorKey).
			Order("recorded_at DESC").
			Order("seq DESC").
			Limit(1).
			Find(&inputs).Error
	})
	if err != nil || len(inputs) == 0 {
		return nil, err
	}
	return &inputs[0], nil
}

// ==================== Wellness Snapshot Methods ====================

// CreateWellnessSnapshot stores a computed wellness score
func (s *Store) CreateWellnessSnapshot(ctx context.Context, snap *health.WellnessSnapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	snap.AsOf = snap.AsOf.UTC()
	return s.Write(ctx, func(db *gorm.DB) error {
		return db.Create(snap).Error
	})
}

// WellnessSnapshots lists snapshots inside the window in chronological order
func (s *Store) WellnessSnapshots(ctx context.Context, userID string, w health.Window) ([]health.WellnessSnapshot, error) {
	var snaps []health.WellnessSnapshot
	err := s.Read(ctx, func(db *gorm.DB) error {
		q := db.Where("user_id = ?", userID)
		if !w.Since.IsZero() {
			q = q.Where("as_of >= ?", w.Since.UTC())
		}
		if !w.Until.IsZero() {
			q = q.Where("as_of <= ?", w.Until.UTC())
		}
		return q.Order("as_of ASC").Find(&snaps).Error
	})
	return snaps, err
}
