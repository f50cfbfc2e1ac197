package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	apperrors "github.com/gmsas95/preventx/internal/errors"
	"github.com/gmsas95/preventx/internal/health"
	"github.com/gmsas95/preventx/internal/metrics"
	"github.com/gmsas95/preventx/internal/notify"
	"github.com/gmsas95/preventx/internal/ruleset"
	"github.com/gmsas95/preventx/internal/store/storetest"
	"github.com/gmsas95/preventx/internal/trend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev notify.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) ofKind(kind notify.Kind) []notify.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []notify.Event
	for _, ev := range p.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

var day1 = time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)

func setupTestEngine(t *testing.T) (*Engine, *testClock, *recordingPublisher) {
	rs, err := ruleset.Default()
	require.NoError(t, err)

	clock := &testClock{now: day1}
	pub := &recordingPublisher{}
	e := New(Deps{
		Store:     storetest.New(t),
		Rules:     ruleset.Static(rs),
		Publisher: pub,
		Clock:     clock,
		Metrics:   metrics.New(),
		Logger:    zap.NewNop(),
	})
	return e, clock, pub
}

func TestEngine_MissedDoseScenario(t *testing.T) {
	e, clock, pub := setupTestEngine(t)
	ctx := context.Background()

	_, err := e.RecordVital(ctx, "u1", health.BloodSugar, 95, "mg/dL", day1.AddDate(0, 0, -2))
	require.NoError(t, err)
	_, err = e.RecordVital(ctx, "u1", health.BloodSugar, 105, "mg/dL", day1)
	require.NoError(t, err)

	tr, err := e.GetVitalTrend(ctx, "u1", health.BloodSugar, 0)
	require.NoError(t, err)
	assert.Equal(t, trend.Up, tr.Direction)
	assert.InDelta(t, 10.526, tr.Magnitude, 0.001)

	sched, err := e.CreateSchedule(ctx, "u1", "Metformin", "500mg", []string{"08:00"})
	require.NoError(t, err)

	clock.Set(day1.Add(26 * time.Hour))
	stats, err := e.GetAdherence(ctx, "u1", sched.ID, 7*24*time.Hour)
	require.NoError(t, err)
	require.NotNil(t, stats.Ratio)
	assert.Equal(t, 0.0, *stats.Ratio)
	assert.Equal(t, 1, stats.Missed)

	require.Len(t, pub.ofKind(notify.KindMissedDose), 1)

	res, err := e.Rescore(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, res.Missed)
	_, err = e.GetAdherence(ctx, "u1", sched.ID, 0)
	require.NoError(t, err)
	assert.Len(t, pub.ofKind(notify.KindMissedDose), 1, "no re-emit while Triggered")

	key := notify.RuleKey(notify.KindMissedDose, sched.ID)
	polled, err := e.PollNotifications(ctx, "u1")
	require.NoError(t, err)
	assert.Contains(t, ruleKeys(polled), key)

	st, err := e.AcknowledgeNotification(ctx, "u1", key)
	require.NoError(t, err)
	assert.Equal(t, notify.StateAcknowledged, st.State)

	polled, err = e.PollNotifications(ctx, "u1")
	require.NoError(t, err)
	assert.NotContains(t, ruleKeys(polled), key)

	_, err = e.AcknowledgeNotification(ctx, "u1", key)
	assert.True(t, apperrors.IsStateConflict(err))
}

func ruleKeys(events []notify.Event) []string {
	keys := make([]string, 0, len(events))
	for _, ev := range events {
		keys = append(keys, ev.RuleKey)
	}
	return keys
}

func TestEngine_ConditionRiskAndWellness(t *testing.T) {
	e, clock, _ := setupTestEngine(t)
	ctx := context.Background()

	w, err := e.GetWellnessScore(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, w.InsufficientData, "family history defaults to a score")

	_, err = e.RecordFactorInput(ctx, "u1", "dietQuality", 5)
	require.NoError(t, err)
	_, err = e.RecordFactorInput(ctx, "u1", "physicalActivity", 150)
	require.NoError(t, err)

	cr, err := e.GetConditionRisk(ctx, "u1", "Obesity")
	require.NoError(t, err)
	// (0.3*50 + 0.2*20) / 0.5 = 38
	assert.Equal(t, 38, cr.RiskPercent)
	assert.Equal(t, "moderate", cr.Level)

	f, err := e.GetFactorScore(ctx, "u1", "dietQuality")
	require.NoError(t, err)
	assert.InDelta(t, 50.0, f.Score, 1e-9)

	res, err := e.Rescore(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, res.Snapshot)

	clock.Set(clock.Now().Add(time.Hour))
	history, err := e.GetWellnessHistory(ctx, "u1", 7*24*time.Hour)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, res.Wellness.Value, history[0].Value)
}

func TestEngine_FactorInputValidation(t *testing.T) {
	e, _, _ := setupTestEngine(t)
	ctx := context.Background()

	_, err := e.RecordFactorInput(ctx, "u1", "dietQuality", 11)
	assert.ErrorIs(t, err, apperrors.ErrOutOfRange)

	_, err = e.RecordFactorInput(ctx, "u1", "luck", 1)
	assert.ErrorIs(t, err, apperrors.ErrUnknownKey)

	_, err = e.RecordFactorInput(ctx, "u1", "bloodSugar", 100)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	_, err = e.GetConditionRisk(ctx, "u1", "Gout")
	assert.True(t, apperrors.IsValidation(err))
}

func TestEngine_VitalValidation(t *testing.T) {
	e, _, _ := setupTestEngine(t)
	ctx := context.Background()

	_, err := e.RecordVital(ctx, "u1", health.HeartRate, 300, "bpm", time.Time{})
	assert.ErrorIs(t, err, apperrors.ErrOutOfRange)

	_, err = e.RecordVital(ctx, "u1", "Cholesterol", 180, "", time.Time{})
	assert.ErrorIs(t, err, apperrors.ErrUnknownMetric)

	_, err = e.GetVitalTrend(ctx, "u1", "Cholesterol", 0)
	assert.ErrorIs(t, err, apperrors.ErrUnknownMetric)

	_, err = e.GetVitalSeries(ctx, "u1", health.HeartRate, -time.Hour)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	series, err := e.GetVitalSeries(ctx, "u1", health.HeartRate, 0)
	require.NoError(t, err)
	assert.Empty(t, series)
}

func TestEngine_OwnershipIsEnforced(t *testing.T) {
	e, _, _ := setupTestEngine(t)
	ctx := context.Background()

	sched, err := e.CreateSchedule(ctx, "u1", "Aspirin", "81mg", []string{"07:00"})
	require.NoError(t, err)
	events, err := e.EnsureDoseEvents(ctx, "u1", sched.ID, "")
	require.NoError(t, err)
	require.Len(t, events, 1)

	_, err = e.MarkDoseTaken(ctx, "u2", events[0].ID, time.Time{})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	_, err = e.GetAdherence(ctx, "u2", sched.ID, 0)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	_, err = e.DeactivateSchedule(ctx, "u2", sched.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	taken, err := e.MarkDoseTaken(ctx, "u1", events[0].ID, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, health.DoseTaken, taken.Status)

	_, err = e.MarkDoseTaken(ctx, "u1", events[0].ID, time.Time{})
	assert.ErrorIs(t, err, apperrors.ErrAlreadyTerminal)
}

func TestEngine_SettingsGateNotifications(t *testing.T) {
	e, clock, pub := setupTestEngine(t)
	ctx := context.Background()

	settings, err := e.GetSettings(ctx, "u1")
	require.NoError(t, err)
	settings.MedicationReminders = false
	settings.Timezone = "Europe/Berlin"
	saved, err := e.UpdateSettings(ctx, "u1", settings)
	require.NoError(t, err)
	assert.Equal(t, "u1", saved.UserID)

	settings.Timezone = "Mars/Olympus"
	_, err = e.UpdateSettings(ctx, "u1", settings)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	sched, err := e.CreateSchedule(ctx, "u1", "Metformin", "", []string{"08:00"})
	require.NoError(t, err)
	clock.Set(day1.Add(48 * time.Hour))
	_, err = e.Rescore(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, pub.ofKind(notify.KindMissedDose))

	settings.Timezone = "Europe/Berlin"
	settings.MedicationReminders = true
	_, err = e.UpdateSettings(ctx, "u1", settings)
	require.NoError(t, err)
	fired := pub.ofKind(notify.KindMissedDose)
	require.Len(t, fired, 1)
	assert.Equal(t, sched.ID, fired[0].Subject)
}

func TestEngine_ConcurrentRecordsKeepOrder(t *testing.T) {
	e, _, _ := setupTestEngine(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ts := day1.Add(-time.Duration(i) * time.Minute)
			_, err := e.RecordVital(ctx, "u1", health.HeartRate, float64(60+i), "", ts)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	series, err := e.GetVitalSeries(ctx, "u1", health.HeartRate, 0)
	require.NoError(t, err)
	require.Len(t, series, 20)
	for i := 1; i < len(series); i++ {
		assert.False(t, series[i].Timestamp.Before(series[i-1].Timestamp), fmt.Sprintf("reading %d out of order", i))
	}
	assert.Zero(t, e.locks.size(), "lock entries are released")
}

func TestUserLocks(t *testing.T) {
	l := newUserLocks()

	r1 := l.RLock("u1")
	r2 := l.RLock("u1")
	assert.Equal(t, 1, l.size())

	acquired := make(chan struct{})
	go func() {
		unlock := l.Lock("u1")
		close(acquired)
		unlock()
	}()

	other := l.Lock("u2")
	other()

	select {
	case <-acquired:
		t.Fatal("writer entered while readers held the lock")
	case <-time.After(50 * time.Millisecond):
	}

	r1()
	r2()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("writer never acquired the lock")
	}
	assert.Eventually(t, func() bool { return l.size() == 0 }, time.Second, 5*time.Millisecond)
}

func TestEngine_MissedDoseRefiresAfterAcknowledgement(t *testing.T) {
	e, clock, pub := setupTestEngine(t)
	ctx := context.Background()

	sched, err := e.CreateSchedule(ctx, "u1", "Metformin", "500mg", []string{"08:00"})
	require.NoError(t, err)
	key := notify.RuleKey(notify.KindMissedDose, sched.ID)

	clock.Set(day1.Add(26 * time.Hour))
	res, err := e.Rescore(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Missed)
	require.Len(t, pub.ofKind(notify.KindMissedDose), 1)

	_, err = e.AcknowledgeNotification(ctx, "u1", key)
	require.NoError(t, err)

	clock.Set(day1.Add(50 * time.Hour))
	res, err = e.Rescore(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Missed)
	require.Len(t, res.Fired, 1)
	assert.Equal(t, key, res.Fired[0].RuleKey)

	missed := pub.ofKind(notify.KindMissedDose)
	require.Len(t, missed, 2)
	assert.Equal(t, "2026-03-02", missed[0].Data["date"])
	assert.Equal(t, "2026-03-03", missed[1].Data["date"])

	polled, err := e.PollNotifications(ctx, "u1")
	require.NoError(t, err)
	assert.Contains(t, ruleKeys(polled), key)
}

func TestEngine_MarkDoseTakenAfterDayEnded(t *testing.T) {
	e, clock, pub := setupTestEngine(t)
	ctx := context.Background()

	sched, err := e.CreateSchedule(ctx, "u1", "Metformin", "500mg", []string{"08:00"})
	require.NoError(t, err)
	doses, err := e.EnsureDoseEvents(ctx, "u1", sched.ID, "")
	require.NoError(t, err)
	require.Len(t, doses, 1)

	clock.Set(day1.Add(72 * time.Hour))
	_, err = e.MarkDoseTaken(ctx, "u1", doses[0].ID, time.Time{})
	assert.ErrorIs(t, err, apperrors.ErrAlreadyTerminal)
	assert.True(t, apperrors.IsStateConflict(err))

	history, err := e.DoseHistory(ctx, "u1", sched.ID, "2026-03-02", "2026-03-02")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, health.DoseMissed, history[0].Status)

	stats, err := e.GetAdherence(ctx, "u1", sched.ID, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, stats.Taken)
	assert.Equal(t, 3, stats.Missed)
	assert.Len(t, pub.ofKind(notify.KindMissedDose), 1)
}

func TestEngine_SweepMissed(t *testing.T) {
	e, clock, pub := setupTestEngine(t)
	ctx := context.Background()

	_, err := e.CreateSchedule(ctx, "u1", "Metformin", "500mg", []string{"08:00"})
	require.NoError(t, err)
	_, err = e.CreateSchedule(ctx, "u2", "Statin", "10mg", []string{"21:00"})
	require.NoError(t, err)

	n, err := e.SweepMissed(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "today's slots are still open")

	clock.Set(day1.Add(26 * time.Hour))
	n, err = e.SweepMissed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, pub.ofKind(notify.KindMissedDose), 2)

	n, err = e.SweepMissed(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEngine_SweepMissedStopsOnCancel(t *testing.T) {
	e, clock, _ := setupTestEngine(t)

	_, err := e.CreateSchedule(context.Background(), "u1", "Metformin", "500mg", []string{"08:00"})
	require.NoError(t, err)
	clock.Set(day1.Add(26 * time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err := e.SweepMissed(ctx)
	assert.Error(t, err)
	assert.Zero(t, n)
}

func TestEngine_PatchSettings(t *testing.T) {
	e, _, _ := setupTestEngine(t)
	ctx := context.Background()

	saved, err := e.PatchSettings(ctx, "u1", func(s *health.UserSettings) { s.RiskAlerts = false })
	require.NoError(t, err)
	assert.False(t, saved.RiskAlerts)
	assert.True(t, saved.MedicationReminders)

	saved, err = e.PatchSettings(ctx, "u1", func(s *health.UserSettings) { s.Timezone = "Europe/Berlin" })
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", saved.Timezone)
	assert.False(t, saved.RiskAlerts)

	_, err = e.PatchSettings(ctx, "u1", func(s *health.UserSettings) { s.Timezone = "Mars/Olympus" })
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	_, err = e.PatchSettings(ctx, "", func(*health.UserSettings) {})
	assert.Error(t, err)
}
