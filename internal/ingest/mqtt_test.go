package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/gmsas95/preventx/internal/config"
	apperrors "github.com/gmsas95/preventx/internal/errors"
	"github.com/gmsas95/preventx/internal/health"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recorded struct {
	userID string
	metric health.Metric
	value  float64
	unit   string
	ts     time.Time
}

type fakeRecorder struct{ calls []recorded }

func (f *fakeRecorder) RecordVital(_ context.Context, userID string, metric health.Metric, value float64, unit string, ts time.Time) (*health.VitalReading, error) {
	if _, ok := health.ParseMetric(string(metric)); !ok {
		return nil, apperrors.Newf(apperrors.ErrUnknownMetric, "unknown metric %q", metric)
	}
	f.calls = append(f.calls, recorded{userID, metric, value, unit, ts})
	return &health.VitalReading{UserID: userID, Metric: metric, Value: value}, nil
}

func newTestSubscriber(rec Recorder) *Subscriber {
	return NewSubscriber(config.MQTTConfig{TopicPrefix: "clinic"}, rec, nil, zap.NewNop())
}

func TestProcess_SingleReading(t *testing.T) {
	rec := &fakeRecorder{}
	s := newTestSubscriber(rec)
	assert.Equal(t, "clinic/vitals/+", s.Topic())

	payload := `{"metric":"HeartRate","value":72,"unit":"bpm","timestamp":"2026-03-02T08:00:00Z"}`
	require.NoError(t, s.Process(context.Background(), "clinic/vitals/u1", []byte(payload)))

	require.Len(t, rec.calls, 1)
	assert.Equal(t, "u1", rec.calls[0].userID)
	assert.Equal(t, health.HeartRate, rec.calls[0].metric)
	assert.Equal(t, 72.0, rec.calls[0].value)
	assert.True(t, rec.calls[0].ts.Equal(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)))
}

func TestProcess_BatchKeepsValidReadings(t *testing.T) {
	rec := &fakeRecorder{}
	s := newTestSubscriber(rec)

	payload := ` [{"metric":"BloodSugar","value":98},{"metric":"Mood","value":3},{"metric":"spo2","value":97}]`
	err := s.Process(context.Background(), "clinic/vitals/u1", []byte(payload))
	assert.ErrorContains(t, err, "1 of 3 readings rejected")
	assert.Len(t, rec.calls, 2)
}

func TestProcess_BadInput(t *testing.T) {
	s := newTestSubscriber(&fakeRecorder{})
	ctx := context.Background()

	for _, topic := range []string{"clinic/vitals/", "other/vitals/u1", "clinic/vitals/u1/extra"} {
		err := s.Process(ctx, topic, []byte(`{"metric":"HeartRate","value":72}`))
		assert.ErrorIs(t, err, apperrors.ErrInvalidInput, topic)
	}

	err := s.Process(ctx, "clinic/vitals/u1", []byte(`not json`))
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}
