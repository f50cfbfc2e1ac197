package store_test

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	apperrors "github.com/gmsas95/preventx/internal/errors"
	"github.com/gmsas95/preventx/internal/health"
	"github.com/gmsas95/preventx/internal/store"
	"github.com/gmsas95/preventx/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestSettingsDefaultAndSave(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()

	got, err := s.GetSettings(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, health.DefaultSettings("u1"), got)

	got.Timezone = "Asia/Kolkata"
	got.RiskAlerts = false
	require.NoError(t, s.SaveSettings(ctx, &got))

	got.Language = "hi"
	require.NoError(t, s.SaveSettings(ctx, &got))

	reloaded, err := s.GetSettings(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Asia/Kolkata", reloaded.Timezone)
	assert.Equal(t, "hi", reloaded.Language)
	assert.False(t, reloaded.RiskAlerts)
	assert.True(t, reloaded.MedicationReminders)
}

func TestLatestFactorInput(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()

	none, err := s.LatestFactorInput(ctx, "u1", "dietQuality")
	require.NoError(t, err)
	assert.Nil(t, none)

	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, s.CreateFactorInput(ctx, &health.FactorInput{UserID: "u1", FactorKey: "dietQuality", Value: 3, RecordedAt: at}))
	require.NoError(t, s.CreateFactorInput(ctx, &health.FactorInput{UserID: "u1", FactorKey: "dietQuality", Value: 7, RecordedAt: at}))
	require.NoError(t, s.CreateFactorInput(ctx, &health.FactorInput{UserID: "u1", FactorKey: "dietQuality", Value: 1, RecordedAt: at.Add(-time.Hour)}))

	latest, err := s.LatestFactorInput(ctx, "u1", "dietQuality")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 7.0, latest.Value, "same timestamp resolves by arrival")
}

func TestWellnessSnapshotsWindow(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	for i, v := range []int{60, 70, 80} {
		require.NoError(t, s.CreateWellnessSnapshot(ctx, &health.WellnessSnapshot{
			UserID: "u1",
			Value:  v,
			AsOf:   now.AddDate(0, 0, -10+i*4),
		}))
	}

	snaps, err := s.WellnessSnapshots(ctx, "u1", health.LastWindow(now, 7*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, 70, snaps[0].Value)
	assert.Equal(t, 80, snaps[1].Value)
}

func TestUsers(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()

	require.NoError(t, s.CreateFactorInput(ctx, &health.FactorInput{UserID: "b", FactorKey: "stressLevel", Value: 2, RecordedAt: time.Now()}))
	require.NoError(t, s.Write(ctx, func(db *gorm.DB) error {
		return db.Create(&health.VitalReading{ID: "r1", UserID: "a", Metric: health.HeartRate, Value: 70, Timestamp: time.Now()}).Error
	}))

	users, err := s.Users(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, users)
}

func TestKV(t *testing.T) {
	s := storetest.New(t)

	_, ok, err := s.GetKV("notify/u1/x")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetKV("notify/u1/a", []byte("1")))
	require.NoError(t, s.SetKV("notify/u1/b", []byte("2")))
	require.NoError(t, s.SetKV("notify/u2/a", []byte("3")))

	val, ok, err := s.GetKV("notify/u1/a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("1"), val)

	var keys []string
	require.NoError(t, s.ScanKV("notify/u1/", func(key string, _ []byte) error {
		keys = append(keys, key)
		return nil
	}))
	assert.Equal(t, []string{"notify/u1/a", "notify/u1/b"}, keys)

	require.NoError(t, s.DeleteKV("notify/u1/a"))
	_, ok, err = s.GetKV("notify/u1/a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadRetriesThenReportsTransient(t *testing.T) {
	s := storetest.New(t)
	calls := 0
	boom := stderrors.New("database is locked")

	err := s.Read(context.Background(), func(db *gorm.DB) error {
		calls++
		return boom
	})
	require.Error(t, err)
	assert.True(t, store.IsTransient(err))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls, "one retry configured")
}

func TestReadPassesThroughFinalErrors(t *testing.T) {
	s := storetest.New(t)
	calls := 0

	err := s.Read(context.Background(), func(db *gorm.DB) error {
		calls++
		return gorm.ErrRecordNotFound
	})
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	assert.False(t, store.IsTransient(err))
	assert.Equal(t, 1, calls)

	err = s.Read(context.Background(), func(db *gorm.DB) error {
		return apperrors.ErrOutOfRange
	})
	assert.ErrorIs(t, err, apperrors.ErrOutOfRange)
}

func TestWriteFailsFast(t *testing.T) {
	s := storetest.New(t)
	calls := 0

	err := s.Write(context.Background(), func(db *gorm.DB) error {
		calls++
		return stderrors.New("disk I/O error")
	})
	assert.True(t, store.IsTransient(err))
	assert.Equal(t, 1, calls)
}
