// Package engine exposes the health operations over the vitals, adherence,
// risk and notification components. Every operation runs under a per-user
// lock: mutations and the rule evaluation that follows them take the write
// lock, pure reads take the read lock.
package engine

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/gmsas95/preventx/internal/adherence"
	apperrors "github.com/gmsas95/preventx/internal/errors"
	"github.com/gmsas95/preventx/internal/health"
	"github.com/gmsas95/preventx/internal/metrics"
	"github.com/gmsas95/preventx/internal/notify"
	"github.com/gmsas95/preventx/internal/risk"
	"github.com/gmsas95/preventx/internal/ruleset"
	"github.com/gmsas95/preventx/internal/store"
	"github.com/gmsas95/preventx/internal/trend"
	"github.com/gmsas95/preventx/internal/vitals"
	"go.uber.org/zap"
)

type Deps struct {
	Store        *store.Store
	Rules        *ruleset.Holder
	Publisher    notify.Publisher
	Clock        health.Clock
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
	LookbackDays int
}

type Engine struct {
	locks    *userLocks
	store    *store.Store
	rules    *ruleset.Holder
	vitals   *vitals.Store
	trends   *trend.Analyzer
	tracker  *adherence.Tracker
	scorer   *risk.Scorer
	notifier *notify.Engine
	clock    health.Clock
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func New(d Deps) *Engine {
	if d.Clock == nil {
		d.Clock = health.SystemClock
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}

	vs := vitals.NewStore(d.Store, d.Rules, d.Clock, d.Logger.Named("vitals"))
	trends := trend.NewAnalyzer(vs, d.Rules, d.Clock)
	tracker := adherence.NewTracker(d.Store, d.Clock, d.LookbackDays, d.Logger.Named("adherence"))
	scorer := risk.NewScorer(d.Rules, vs, tracker, d.Store, d.Clock)
	notifier := notify.NewEngine(notify.Deps{
		KV:        d.Store,
		Rules:     d.Rules,
		Schedules: tracker,
		Risks:     scorer,
		Trends:    trends,
		Settings:  d.Store,
		Publisher: d.Publisher,
		Clock:     d.Clock,
		Logger:    d.Logger.Named("notify"),
	})

	return &Engine{
		locks:    newUserLocks(),
		store:    d.Store,
		rules:    d.Rules,
		vitals:   vs,
		trends:   trends,
		tracker:  tracker,
		scorer:   scorer,
		notifier: notifier,
		clock:    d.Clock,
		metrics:  d.Metrics,
		logger:   d.Logger,
	}
}

// Rules returns the ruleset holder the engine scores with.
func (e *Engine) Rules() *ruleset.Holder {
	return e.rules
}

// Ping checks the backing database.
func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}

// Users lists every user with stored health data.
func (e *Engine) Users(ctx context.Context) ([]string, error) {
	return e.store.Users(ctx)
}

// evaluate runs the notification rules after a mutation. The caller holds
// the user's write lock. A failure here does not undo the mutation, so it is
// logged and the fired events are returned best effort.
func (e *Engine) evaluate(ctx context.Context, userID string) []notify.Event {
	fired, err := e.notifier.Evaluate(ctx, userID)
	if err != nil {
		e.logger.Warn("Notification evaluation failed",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
	for _, ev := range fired {
		e.metrics.RecordNotification(string(ev.Kind))
	}
	return fired
}

func requireUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return apperrors.Newf(apperrors.ErrInvalidInput, "user id is required")
	}
	return nil
}

func parseMetric(raw health.Metric) (health.Metric, error) {
	m, ok := health.ParseMetric(string(raw))
	if !ok {
		return "", apperrors.Newf(apperrors.ErrUnknownMetric, "unknown metric %q", raw)
	}
	return m, nil
}

func checkWindow(window time.Duration) error {
	if window < 0 {
		return apperrors.Newf(apperrors.ErrInvalidInput, "window must not be negative")
	}
	return nil
}

// ==================== Vitals ====================

// RecordVital validates and stores a reading, then re-evaluates the rules.
func (e *Engine) RecordVital(ctx context.Context, userID string, metric health.Metric, value float64, unit string, ts time.Time) (*health.VitalReading, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	unlock := e.locks.Lock(userID)
	defer unlock()

	reading, err := e.vitals.Record(ctx, userID, metric, value, unit, ts)
	if err != nil {
		e.metrics.RecordVitalRejected(apperrors.GetCode(err))
		return nil, err
	}
	e.metrics.RecordVital(string(reading.Metric))
	e.evaluate(ctx, userID)
	return reading, nil
}

// GetVitalTrend classifies the latest move of a metric.
func (e *Engine) GetVitalTrend(ctx context.Context, userID string, metric health.Metric, window time.Duration) (trend.Result, error) {
	m, err := parseMetric(metric)
	if err != nil {
		return trend.Result{}, err
	}
	if err := checkWindow(window); err != nil {
		return trend.Result{}, err
	}
	unlock := e.locks.RLock(userID)
	defer unlock()
	return e.trends.Trend(ctx, userID, m, window)
}

// GetVitalSeries returns the readings of the last window, oldest first. A
// zero window returns the whole history.
func (e *Engine) GetVitalSeries(ctx context.Context, userID string, metric health.Metric, window time.Duration) ([]health.VitalReading, error) {
	m, err := parseMetric(metric)
	if err != nil {
		return nil, err
	}
	if err := checkWindow(window); err != nil {
		return nil, err
	}
	unlock := e.locks.RLock(userID)
	defer unlock()

	readings, err := e.vitals.Series(ctx, userID, m, health.LastWindow(e.clock.Now(), window))
	if err != nil {
		return nil, err
	}
	if readings == nil {
		readings = []health.VitalReading{}
	}
	return readings, nil
}

// ==================== Schedules and doses ====================

func (e *Engine) CreateSchedule(ctx context.Context, userID, name, dosage string, times []string) (*health.MedicationSchedule, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	unlock := e.locks.Lock(userID)
	defer unlock()

	sched, err := e.tracker.CreateSchedule(ctx, userID, name, dosage, times)
	if err != nil {
		return nil, err
	}
	e.evaluate(ctx, userID)
	return sched, nil
}

func (e *Engine) ListSchedules(ctx context.Context, userID string, activeOnly bool) ([]health.MedicationSchedule, error) {
	unlock := e.locks.RLock(userID)
	defer unlock()

	scheds, err := e.tracker.ListSchedules(ctx, userID, activeOnly)
	if err != nil {
		return nil, err
	}
	if scheds == nil {
		scheds = []health.MedicationSchedule{}
	}
	return scheds, nil
}

func (e *Engine) DeactivateSchedule(ctx context.Context, userID, scheduleID string) (*health.MedicationSchedule, error) {
	unlock := e.locks.Lock(userID)
	defer unlock()

	if _, err := e.ownedSchedule(ctx, userID, scheduleID); err != nil {
		return nil, err
	}
	sched, err := e.tracker.DeactivateSchedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	e.evaluate(ctx, userID)
	return sched, nil
}

// EnsureDoseEvents materialises and returns the dose events of a date. An
// empty date means today in the user's timezone.
func (e *Engine) EnsureDoseEvents(ctx context.Context, userID, scheduleID, date string) ([]health.DoseEvent, error) {
	unlock := e.locks.Lock(userID)
	defer unlock()

	if _, err := e.ownedSchedule(ctx, userID, scheduleID); err != nil {
		return nil, err
	}
	now := e.clock.Now()
	if date == "" {
		settings, err := e.store.GetSettings(ctx, userID)
		if err != nil {
			return nil, err
		}
		date = health.DateOf(now, settings.Location())
	}
	events, err := e.tracker.EnsureDoseEvents(ctx, scheduleID, date, now)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []health.DoseEvent{}
	}
	return events, nil
}

// MarkDoseTaken moves a Pending dose to Taken. A zero at means now. Doses of
// a day that has already ended are rejected with ErrAlreadyTerminal.
func (e *Engine) MarkDoseTaken(ctx context.Context, userID, doseEventID string, at time.Time) (*health.DoseEvent, error) {
	unlock := e.locks.Lock(userID)
	defer unlock()

	ev, err := e.tracker.GetDoseEvent(ctx, doseEventID)
	if err != nil {
		return nil, err
	}
	if ev.UserID != userID {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "dose event %s not found", doseEventID)
	}
	now := e.clock.Now()
	if at.IsZero() {
		at = now
	}

	// A slot whose day has ended is Missed, whether or not a sweep ran.
	if _, err := e.sweep(ctx, userID, now); err != nil {
		return nil, err
	}

	taken, err := e.tracker.MarkTaken(ctx, doseEventID, at)
	if err != nil {
		return nil, err
	}
	e.metrics.RecordDoseTransition(string(health.DoseTaken), 1)
	e.evaluate(ctx, userID)
	return taken, nil
}

// GetAdherence sweeps the user's elapsed doses first, so the ratio never
// counts a dose that should already be Missed. A zero window uses the
// ruleset's adherence window.
func (e *Engine) GetAdherence(ctx context.Context, userID, scheduleID string, window time.Duration) (*adherence.Stats, error) {
	if err := checkWindow(window); err != nil {
		return nil, err
	}
	unlock := e.locks.Lock(userID)
	defer unlock()

	if _, err := e.ownedSchedule(ctx, userID, scheduleID); err != nil {
		return nil, err
	}
	if window == 0 {
		window = e.rules.Get().Adherence.Window
	}

	now := e.clock.Now()
	if _, err := e.sweep(ctx, userID, now); err != nil {
		return nil, err
	}
	return e.tracker.ScheduleStats(ctx, scheduleID, window, now)
}

// sweep moves the user's elapsed Pending doses to Missed and re-evaluates
// the rules when anything moved. The caller holds the user's write lock.
func (e *Engine) sweep(ctx context.Context, userID string, now time.Time) (int, error) {
	missed, err := e.tracker.SweepUser(ctx, userID, now)
	if err != nil {
		return 0, err
	}
	if len(missed) > 0 {
		e.metrics.RecordDoseTransition(string(health.DoseMissed), len(missed))
		e.evaluate(ctx, userID)
	}
	return len(missed), nil
}

// DoseHistory lists a schedule's dose events between two dates, inclusive.
func (e *Engine) DoseHistory(ctx context.Context, userID, scheduleID, from, to string) ([]health.DoseEvent, error) {
	unlock := e.locks.RLock(userID)
	defer unlock()

	if _, err := e.ownedSchedule(ctx, userID, scheduleID); err != nil {
		return nil, err
	}
	events, err := e.tracker.DoseEvents(ctx, scheduleID, from, to)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []health.DoseEvent{}
	}
	return events, nil
}

func (e *Engine) ownedSchedule(ctx context.Context, userID, scheduleID string) (*health.MedicationSchedule, error) {
	sched, err := e.tracker.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	if sched.UserID != userID {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "schedule %s not found", scheduleID)
	}
	return sched, nil
}

// ==================== Factors and scores ====================

// RecordFactorInput stores a self-reported factor value. The value must fall
// inside the factor's anchor range.
func (e *Engine) RecordFactorInput(ctx context.Context, userID, factorKey string, value float64) (*health.FactorInput, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	f, ok := e.rules.Get().Factor(factorKey)
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrUnknownKey, "unknown factor %q", factorKey)
	}
	lo, hi, ok := f.SelfReportRange()
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, "factor %s does not take self-reported input", factorKey)
	}
	if math.IsNaN(value) || value < lo || value > hi {
		return nil, apperrors.Newf(apperrors.ErrOutOfRange, "%s value %v outside [%v, %v]", factorKey, value, lo, hi)
	}

	unlock := e.locks.Lock(userID)
	defer unlock()

	input := &health.FactorInput{
		UserID:     userID,
		FactorKey:  factorKey,
		Value:      value,
		RecordedAt: e.clock.Now(),
	}
	if err := e.store.CreateFactorInput(ctx, input); err != nil {
		return nil, err
	}
	e.metrics.RecordFactorInput(factorKey)
	e.evaluate(ctx, userID)
	return input, nil
}

func (e *Engine) GetFactorScore(ctx context.Context, userID, factorKey string) (*risk.FactorReading, error) {
	unlock := e.locks.RLock(userID)
	defer unlock()
	return e.scorer.FactorScore(ctx, userID, factorKey)
}

func (e *Engine) GetConditionRisk(ctx context.Context, userID, conditionKey string) (*risk.ConditionRisk, error) {
	unlock := e.locks.RLock(userID)
	defer unlock()
	return e.scorer.ConditionRisk(ctx, userID, conditionKey)
}

func (e *Engine) GetWellnessScore(ctx context.Context, userID string) (*risk.Wellness, error) {
	unlock := e.locks.RLock(userID)
	defer unlock()
	return e.scorer.WellnessScore(ctx, userID)
}

// GetWellnessHistory returns the stored wellness snapshots of the last
// window, oldest first.
func (e *Engine) GetWellnessHistory(ctx context.Context, userID string, window time.Duration) ([]health.WellnessSnapshot, error) {
	if err := checkWindow(window); err != nil {
		return nil, err
	}
	unlock := e.locks.RLock(userID)
	defer unlock()

	snaps, err := e.store.WellnessSnapshots(ctx, userID, health.LastWindow(e.clock.Now(), window))
	if err != nil {
		return nil, err
	}
	if snaps == nil {
		snaps = []health.WellnessSnapshot{}
	}
	return snaps, nil
}

// ==================== Notifications ====================

func (e *Engine) PollNotifications(ctx context.Context, userID string) ([]notify.Event, error) {
	unlock := e.locks.RLock(userID)
	defer unlock()
	return e.notifier.Poll(ctx, userID)
}

// AcknowledgeNotification acknowledges a Triggered rule and re-evaluates, so
// a rule whose condition has already cleared returns to Idle.
func (e *Engine) AcknowledgeNotification(ctx context.Context, userID, ruleKey string) (*notify.RuleState, error) {
	unlock := e.locks.Lock(userID)
	defer unlock()

	st, err := e.notifier.Acknowledge(ctx, userID, ruleKey)
	if err != nil {
		return nil, err
	}
	e.metrics.RecordAcknowledged()
	e.evaluate(ctx, userID)
	return st, nil
}

func (e *Engine) NotificationStates(ctx context.Context, userID string) ([]notify.RuleState, error) {
	unlock := e.locks.RLock(userID)
	defer unlock()
	return e.notifier.States(ctx, userID)
}

// ==================== Settings ====================

func (e *Engine) GetSettings(ctx context.Context, userID string) (health.UserSettings, error) {
	unlock := e.locks.RLock(userID)
	defer unlock()
	return e.store.GetSettings(ctx, userID)
}

// UpdateSettings replaces the user's settings. The notification flags take
// effect on the evaluation that follows.
func (e *Engine) UpdateSettings(ctx context.Context, userID string, settings health.UserSettings) (health.UserSettings, error) {
	if err := requireUser(userID); err != nil {
		return health.UserSettings{}, err
	}
	unlock := e.locks.Lock(userID)
	defer unlock()
	return e.saveSettings(ctx, userID, settings)
}

// PatchSettings applies patch to the stored settings, or to the defaults when
// none are stored, and saves the result.
func (e *Engine) PatchSettings(ctx context.Context, userID string, patch func(*health.UserSettings)) (health.UserSettings, error) {
	if err := requireUser(userID); err != nil {
		return health.UserSettings{}, err
	}
	unlock := e.locks.Lock(userID)
	defer unlock()

	settings, err := e.store.GetSettings(ctx, userID)
	if err != nil {
		return health.UserSettings{}, err
	}
	patch(&settings)
	return e.saveSettings(ctx, userID, settings)
}

func (e *Engine) saveSettings(ctx context.Context, userID string, settings health.UserSettings) (health.UserSettings, error) {
	if settings.Timezone == "" {
		settings.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(settings.Timezone); err != nil {
		return health.UserSettings{}, apperrors.Newf(apperrors.ErrInvalidInput, "unknown timezone %q", settings.Timezone)
	}
	settings.UserID = userID

	if err := e.store.SaveSettings(ctx, &settings); err != nil {
		return health.UserSettings{}, err
	}
	e.evaluate(ctx, userID)
	return settings, nil
}

// ==================== Background ====================

// SweepMissed moves every user's elapsed Pending doses to Missed, taking each
// user's write lock in turn. Cancellation is honoured between users only.
func (e *Engine) SweepMissed(ctx context.Context) (int, error) {
	users, err := e.tracker.Users(ctx)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := e.lockedSweep(context.WithoutCancel(ctx), userID)
		if err != nil {
			e.logger.Error("Missed-dose sweep failed",
				zap.String("user_id", userID),
				zap.Error(err),
			)
			continue
		}
		total += n
	}
	return total, nil
}

func (e *Engine) lockedSweep(ctx context.Context, userID string) (int, error) {
	unlock := e.locks.Lock(userID)
	defer unlock()
	return e.sweep(ctx, userID, e.clock.Now())
}

// RescoreResult summarises one user's scheduled pass.
type RescoreResult struct {
	UserID   string                   `json:"user_id"`
	Missed   int                      `json:"missed"`
	Fired    []notify.Event           `json:"fired"`
	Wellness *risk.Wellness           `json:"wellness"`
	Snapshot *health.WellnessSnapshot `json:"snapshot,omitempty"`
}

// Rescore sweeps the user's missed doses, evaluates the rules and stores a
// wellness snapshot, all under one hold of the user's write lock. The pass is
// detached from ctx cancellation so it never stops halfway.
func (e *Engine) Rescore(ctx context.Context, userID string) (*RescoreResult, error) {
	ctx = context.WithoutCancel(ctx)
	unlock := e.locks.Lock(userID)
	defer unlock()

	now := e.clock.Now()
	res := &RescoreResult{UserID: userID}

	missed, err := e.tracker.SweepUser(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	res.Missed = len(missed)
	e.metrics.RecordDoseTransition(string(health.DoseMissed), len(missed))

	res.Fired = e.evaluate(ctx, userID)

	w, err := e.scorer.WellnessScore(ctx, userID)
	if err != nil {
		return nil, err
	}
	res.Wellness = w
	if !w.InsufficientData {
		snap := &health.WellnessSnapshot{UserID: userID, Value: w.Value, AsOf: w.AsOf}
		if err := e.store.CreateWellnessSnapshot(ctx, snap); err != nil {
			return nil, err
		}
		res.Snapshot = snap
	}
	return res, nil
}
