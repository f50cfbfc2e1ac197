package vitals

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	apperrors "github.com/gmsas95/preventx/internal/errors"
	"github.com/gmsas95/preventx/internal/health"
	"github.com/gmsas95/preventx/internal/ruleset"
	"github.com/gmsas95/preventx/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func setupTestStore(t *testing.T) *Store {
	rs, err := ruleset.Default()
	require.NoError(t, err)
	clock := health.ClockFunc(func() time.Time { return testNow })
	return NewStore(storetest.New(t), ruleset.Static(rs), clock, zap.NewNop())
}

func TestStore_RecordAndLatest(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	none, err := s.Latest(ctx, "u1", health.HeartRate)
	require.NoError(t, err)
	assert.Nil(t, none)

	r, err := s.Record(ctx, "u1", health.HeartRate, 72, "bpm", testNow.Add(-time.Hour))
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID)
	assert.NotZero(t, r.Seq)
	assert.Equal(t, "bpm", r.Unit)

	_, err = s.Record(ctx, "u1", health.HeartRate, 80, "", time.Time{})
	require.NoError(t, err)

	latest, err := s.Latest(ctx, "u1", health.HeartRate)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 80.0, latest.Value)
	assert.True(t, latest.Timestamp.Equal(testNow), "zero timestamp defaults to now")
}

func TestStore_RecordValidation(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.Record(ctx, "u1", health.HeartRate, 300, "", testNow)
	assert.ErrorIs(t, err, apperrors.ErrOutOfRange)

	_, err = s.Record(ctx, "u1", health.Metric("Cholesterol"), 180, "", testNow)
	assert.ErrorIs(t, err, apperrors.ErrUnknownMetric)

	_, err = s.Record(ctx, "u1", health.HeartRate, 70, "furlongs", testNow)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	_, err = s.Record(ctx, "", health.HeartRate, 70, "", testNow)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	series, err := s.Series(ctx, "u1", health.HeartRate, health.Window{})
	require.NoError(t, err)
	assert.Empty(t, series, "rejected readings are never stored")
}

func TestStore_UnitConversion(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	w, err := s.Record(ctx, "u1", health.Weight, 154, "lbs", testNow)
	require.NoError(t, err)
	assert.InDelta(t, 69.853, w.Value, 0.001)
	assert.Equal(t, "kg", w.Unit)

	temp, err := s.Record(ctx, "u1", health.Temperature, 98.6, "°F", testNow)
	require.NoError(t, err)
	assert.InDelta(t, 37.0, temp.Value, 1e-9)

	sugar, err := s.Record(ctx, "u1", health.BloodSugar, 5.5, "mmol/L", testNow)
	require.NoError(t, err)
	assert.InDelta(t, 99.0, sugar.Value, 1e-9)

	alias, err := s.Record(ctx, "u1", health.Metric("spo2"), 97, "%", testNow)
	require.NoError(t, err)
	assert.Equal(t, health.OxygenSaturation, alias.Metric)
}

func TestStore_SeriesOrderAndWindow(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	same := testNow.Add(-2 * time.Hour)

	_, err := s.Record(ctx, "u1", health.BloodSugar, 110, "", same)
	require.NoError(t, err)
	_, err = s.Record(ctx, "u1", health.BloodSugar, 120, "", same)
	require.NoError(t, err)
	_, err = s.Record(ctx, "u1", health.BloodSugar, 100, "", testNow.Add(-5*time.Hour))
	require.NoError(t, err)
	_, err = s.Record(ctx, "u1", health.BloodSugar, 90, "", testNow.Add(-72*time.Hour))
	require.NoError(t, err)
	_, err = s.Record(ctx, "u2", health.BloodSugar, 95, "", same)
	require.NoError(t, err)

	series, err := s.Series(ctx, "u1", health.BloodSugar, health.LastWindow(testNow, 24*time.Hour))
	require.NoError(t, err)
	require.Len(t, series, 3)
	assert.Equal(t, []float64{100, 110, 120}, []float64{series[0].Value, series[1].Value, series[2].Value})

	again, err := s.Series(ctx, "u1", health.BloodSugar, health.LastWindow(testNow, 24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, series, again, "series can be read again")

	recent, err := s.Recent(ctx, "u1", health.BloodSugar, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, 110.0, recent[0].Value)
	assert.Equal(t, 120.0, recent[1].Value)

	latest, err := s.Latest(ctx, "u1", health.BloodSugar)
	require.NoError(t, err)
	assert.Equal(t, 120.0, latest.Value, "later arrival wins a timestamp tie")

	users, err := s.Users(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, users)
}

func TestStore_ConcurrentRecords(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Record(ctx, fmt.Sprintf("u%d", i%2), health.HeartRate, float64(60+i), "", testNow)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	series, err := s.Series(ctx, "u0", health.HeartRate, health.Window{})
	require.NoError(t, err)
	require.Len(t, series, 10)
	for i := 1; i < len(series); i++ {
		assert.Greater(t, series[i].Seq, series[i-1].Seq)
	}
}

func TestToCanonical(t *testing.T) {
	v, err := ToCanonical(health.BloodPressureSystolic, 120, " mmHg ")
	require.NoError(t, err)
	assert.Equal(t, 120.0, v)

	_, err = ToCanonical(health.BloodPressureSystolic, 120, "kg")
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}
