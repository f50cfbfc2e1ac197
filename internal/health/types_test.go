package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMetric(t *testing.T) {
	tests := []struct {
		input string
		want  Metric
		ok    bool
	}{
		{"HeartRate", HeartRate, true},
		{"heartrate", HeartRate, true},
		{"blood_sugar", BloodSugar, true},
		{"SpO2", OxygenSaturation, true},
		{" systolic ", BloodPressureSystolic, true},
		{"steps", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := ParseMetric(tt.input)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseTimeOfDay(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"08:00", "08:00"},
		{"8:00", "08:00"},
		{"8:00 AM", "08:00"},
		{"1:00 PM", "13:00"},
		{"9:00 pm", "21:00"},
	}

	for _, tt := range tests {
		got, err := ParseTimeOfDay(tt.input)
		require.NoError(t, err, tt.input)
		assert.Equal(t, tt.want, got)
	}

	_, err := ParseTimeOfDay("25:00")
	assert.Error(t, err)
	_, err = ParseTimeOfDay("noon")
	assert.Error(t, err)
}

func TestDayBounds(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	start, end, err := DayBounds("2026-03-01", loc)
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, end.Sub(start))
	assert.Equal(t, "2026-03-01", DateOf(start, loc))
	assert.Equal(t, "2026-02-28", DateOf(start, time.UTC))

	_, _, err = DayBounds("03/01/2026", loc)
	assert.Error(t, err)
}

func TestWindowContains(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	w := LastWindow(now, 48*time.Hour)

	assert.True(t, w.Contains(now.Add(-time.Hour)))
	assert.True(t, w.Contains(now))
	assert.False(t, w.Contains(now.Add(-49*time.Hour)))
	assert.False(t, w.Contains(now.Add(time.Minute)))

	open := Window{}
	assert.True(t, open.Contains(now.AddDate(-5, 0, 0)))
}

func TestUserSettingsLocation(t *testing.T) {
	s := DefaultSettings("u1")
	assert.Equal(t, time.UTC, s.Location())

	s.Timezone = "Not/AZone"
	assert.Equal(t, time.UTC, s.Location())

	s.Timezone = "Asia/Kolkata"
	assert.Equal(t, "Asia/Kolkata", s.Location().String())
}

func TestDoseStatusTerminal(t *testing.T) {
	assert.False(t, DosePending.Terminal())
	assert.True(t, DoseTaken.Terminal())
	assert.True(t, DoseMissed.Terminal())
}
