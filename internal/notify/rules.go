// Package notify runs the per-user notification rules. Each rule moves
// through Idle, Triggered and Acknowledged and emits one event per trigger.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gmsas95/preventx/internal/adherence"
	apperrors "github.com/gmsas95/preventx/internal/errors"
	"github.com/gmsas95/preventx/internal/health"
	"github.com/gmsas95/preventx/internal/risk"
	"github.com/gmsas95/preventx/internal/ruleset"
	"github.com/gmsas95/preventx/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type State string

const (
	StateIdle         State = "Idle"
	StateTriggered    State = "Triggered"
	StateAcknowledged State = "Acknowledged"
)

type Kind string

const (
	KindMissedDose    Kind = "missed_dose"
	KindRiskBand      Kind = "risk_band"
	KindTrendReversal Kind = "trend_reversal"
)

// RuleKey builds "<kind>:<subject>".
func RuleKey(kind Kind, subject string) string {
	return string(kind) + ":" + subject
}

// Event is the notification data handed to delivery adapters.
type Event struct {
	ID          string                 `json:"id"`
	UserID      string                 `json:"user_id"`
	RuleKey     string                 `json:"rule_key"`
	Kind        Kind                   `json:"kind"`
	Subject     string                 `json:"subject"`
	Severity    string                 `json:"severity"`
	Message     string                 `json:"message"`
	Data        map[string]interface{} `json:"data,omitempty"`
	TriggeredAt time.Time              `json:"triggered_at"`
}

// RuleState is the persisted state of one rule for one user.
type RuleState struct {
	UserID         string     `json:"user_id"`
	RuleKey        string     `json:"rule_key"`
	State          State      `json:"state"`
	Event          *Event     `json:"event,omitempty"`
	Occurrence     string     `json:"occurrence,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Publisher receives newly triggered events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type Schedules interface {
	ListSchedules(ctx context.Context, userID string, activeOnly bool) ([]health.MedicationSchedule, error)
	LatestCompleted(ctx context.Context, scheduleID string) (*health.DoseEvent, error)
}

type Risks interface {
	ConditionRisk(ctx context.Context, userID, conditionKey string) (*risk.ConditionRisk, error)
}

type Trends interface {
	Reversal(ctx context.Context, userID string, metric health.Metric) (bool, error)
}

type Settings interface {
	GetSettings(ctx context.Context, userID string) (health.UserSettings, error)
}

// Engine evaluates rule predicates and keeps rule state in BadgerDB.
type Engine struct {
	kv        *store.Store
	rules     *ruleset.Holder
	schedules Schedules
	risks     Risks
	trends    Trends
	settings  Settings
	publisher Publisher
	clock     health.Clock
	logger    *zap.Logger
}

type Deps struct {
	KV        *store.Store
	Rules     *ruleset.Holder
	Schedules Schedules
	Risks     Risks
	Trends    Trends
	Settings  Settings
	Publisher Publisher
	Clock     health.Clock
	Logger    *zap.Logger
}

func NewEngine(d Deps) *Engine {
	if d.Clock == nil {
		d.Clock = health.SystemClock
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Engine{
		kv:        d.KV,
		rules:     d.Rules,
		schedules: d.Schedules,
		risks:     d.Risks,
		trends:    d.Trends,
		settings:  d.Settings,
		publisher: d.Publisher,
		clock:     d.Clock,
		logger:    d.Logger,
	}
}

// outcome is one evaluated predicate. occurrence names the thing that made
// the predicate true, when a rule can hold for successive distinct reasons.
type outcome struct {
	key        string
	hold       bool
	occurrence string
	ev         Event
}

// Evaluate re-checks every rule of the user, applies the state transitions
// and publishes events for rules that just triggered.
func (e *Engine) Evaluate(ctx context.Context, userID string) ([]Event, error) {
	outcomes, err := e.predicates(ctx, userID)
	if err != nil {
		return nil, err
	}

	states, err := e.loadStates(userID)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now().UTC()
	seen := make(map[string]bool, len(outcomes))
	var fired []Event

	for _, o := range outcomes {
		seen[o.key] = true
		current, ok := states[o.key]
		if !ok {
			current = &RuleState{UserID: userID, RuleKey: o.key, State: StateIdle}
		}

		next, triggered := transition(current, o.hold, o.occurrence, now)
		if triggered {
			ev := o.ev
			ev.ID = uuid.NewString()
			ev.UserID = userID
			ev.RuleKey = o.key
			ev.TriggeredAt = now
			next.Event = &ev
		}
		if next == current {
			continue
		}
		if err := e.saveState(next); err != nil {
			return fired, err
		}
		if triggered {
			fired = append(fired, *next.Event)
		}
	}

	// Rules that no longer apply behave as if their predicate were false.
	for key, current := range states {
		if seen[key] {
			continue
		}
		if next, _ := transition(current, false, "", now); next != current {
			if err := e.saveState(next); err != nil {
				return fired, err
			}
		}
	}

	for _, ev := range fired {
		e.logger.Info("Notification triggered",
			zap.String("user_id", userID),
			zap.String("rule_key", ev.RuleKey),
		)
		if e.publisher == nil {
			continue
		}
		if err := e.publisher.Publish(ctx, ev); err != nil {
			e.logger.Warn("Failed to publish notification",
				zap.String("user_id", userID),
				zap.String("rule_key", ev.RuleKey),
				zap.Error(err),
			)
		}
	}
	return fired, nil
}

// transition applies one evaluation. It returns current unchanged when no
// transition happens, and reports whether the rule just triggered. An
// Acknowledged rule whose predicate holds for a new occurrence passes through
// Idle and triggers again.
func transition(current *RuleState, hold bool, occurrence string, now time.Time) (*RuleState, bool) {
	switch current.State {
	case StateIdle, "":
		if !hold {
			return current, false
		}
		next := *current
		next.State = StateTriggered
		next.Occurrence = occurrence
		next.AcknowledgedAt = nil
		next.UpdatedAt = now
		return &next, true
	case StateAcknowledged:
		if hold && occurrence != "" && occurrence != current.Occurrence {
			idle := *current
			idle.State = StateIdle
			return transition(&idle, hold, occurrence, now)
		}
		if hold {
			return current, false
		}
		next := *current
		next.State = StateIdle
		next.UpdatedAt = now
		return &next, false
	default:
		// Triggered waits for an acknowledgement.
		return current, false
	}
}

// Acknowledge moves a Triggered rule to Acknowledged.
func (e *Engine) Acknowledge(ctx context.Context, userID, ruleKey string) (*RuleState, error) {
	current, ok, err := e.loadState(userID, ruleKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "rule %s not found", ruleKey)
	}
	if current.State != StateTriggered {
		return nil, apperrors.Newf(apperrors.ErrNotTriggered, "rule %s is %s", ruleKey, current.State)
	}

	now := e.clock.Now().UTC()
	next := *current
	next.State = StateAcknowledged
	next.AcknowledgedAt = &now
	next.UpdatedAt = now
	if err := e.saveState(&next); err != nil {
		return nil, err
	}

	e.logger.Info("Notification acknowledged",
		zap.String("user_id", userID),
		zap.String("rule_key", ruleKey),
	)
	return &next, nil
}

// Poll returns the events of Triggered rules in trigger order.
func (e *Engine) Poll(ctx context.Context, userID string) ([]Event, error) {
	states, err := e.States(ctx, userID)
	if err != nil {
		return nil, err
	}
	events := []Event{}
	for _, st := range states {
		if st.State == StateTriggered && st.Event != nil {
			events = append(events, *st.Event)
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].TriggeredAt.Equal(events[j].TriggeredAt) {
			return events[i].TriggeredAt.Before(events[j].TriggeredAt)
		}
		return events[i].RuleKey < events[j].RuleKey
	})
	return events, nil
}

// States lists every stored rule state of the user in key order.
func (e *Engine) States(ctx context.Context, userID string) ([]RuleState, error) {
	states, err := e.loadStates(userID)
	if err != nil {
		return nil, err
	}
	out := make([]RuleState, 0, len(states))
	for _, st := range states {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleKey < out[j].RuleKey })
	return out, nil
}

func (e *Engine) predicates(ctx context.Context, userID string) ([]outcome, error) {
	rs := e.rules.Get()
	settings, err := e.settings.GetSettings(ctx, userID)
	if err != nil {
		return nil, err
	}

	var outcomes []outcome

	if rs.Notifications.MissedDose.Enabled && settings.MedicationReminders {
		scheds, err := e.schedules.ListSchedules(ctx, userID, true)
		if err != nil {
			return nil, err
		}
		for _, sched := range scheds {
			latest, err := e.schedules.LatestCompleted(ctx, sched.ID)
			if err != nil {
				return nil, err
			}
			o := outcome{key: RuleKey(KindMissedDose, sched.ID)}
			if latest != nil && latest.Status == health.DoseMissed {
				o.hold = true
				o.occurrence = latest.ID
				o.ev = Event{
					Kind:     KindMissedDose,
					Subject:  sched.ID,
					Severity: "warning",
					Message:  fmt.Sprintf("Missed dose of %s scheduled at %s on %s", sched.Name, latest.ScheduledTime, latest.Date),
					Data: map[string]interface{}{
						"schedule_id":    sched.ID,
						"dose_event_id":  latest.ID,
						"date":           latest.Date,
						"scheduled_time": latest.ScheduledTime,
					},
				}
			}
			outcomes = append(outcomes, o)
		}
	}

	if settings.RiskAlerts {
		for _, band := range rs.Notifications.RiskBands {
			cr, err := e.risks.ConditionRisk(ctx, userID, band.Condition)
			if err != nil {
				return nil, err
			}
			o := outcome{key: RuleKey(KindRiskBand, band.Condition)}
			if !cr.InsufficientData && float64(cr.RiskPercent) >= band.Threshold {
				o.hold = true
				o.ev = Event{
					Kind:     KindRiskBand,
					Subject:  band.Condition,
					Severity: cr.Level,
					Message:  fmt.Sprintf("%s risk is %d%%", labelOr(cr.Label, band.Condition), cr.RiskPercent),
					Data: map[string]interface{}{
						"risk_percent":         cr.RiskPercent,
						"threshold":            band.Threshold,
						"contributing_factors": cr.ContributingFactors,
					},
				}
			}
			outcomes = append(outcomes, o)
		}

		for _, tr := range rs.Notifications.TrendReversal {
			reversed, err := e.trends.Reversal(ctx, userID, tr.Metric)
			if err != nil {
				return nil, err
			}
			o := outcome{key: RuleKey(KindTrendReversal, string(tr.Metric)), hold: reversed}
			if reversed {
				o.ev = Event{
					Kind:     KindTrendReversal,
					Subject:  string(tr.Metric),
					Severity: "info",
					Message:  fmt.Sprintf("%s trend has reversed", tr.Metric),
					Data:     map[string]interface{}{"metric": tr.Metric},
				}
			}
			outcomes = append(outcomes, o)
		}
	}

	return outcomes, nil
}

func labelOr(label, fallback string) string {
	if label != "" {
		return label
	}
	return fallback
}

// ==================== State storage (BadgerDB) ====================

// stateKey escapes the user id so one user's prefix never covers another's.
func stateKey(userID, ruleKey string) string {
	return "notify/" + url.PathEscape(userID) + "/" + ruleKey
}

func (e *Engine) saveState(st *RuleState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode rule state: %w", err)
	}
	return e.kv.SetKV(stateKey(st.UserID, st.RuleKey), data)
}

func (e *Engine) loadState(userID, ruleKey string) (*RuleState, bool, error) {
	data, ok, err := e.kv.GetKV(stateKey(userID, ruleKey))
	if err != nil || !ok {
		return nil, false, err
	}
	var st RuleState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, false, fmt.Errorf("failed to decode rule state: %w", err)
	}
	return &st, true, nil
}

func (e *Engine) loadStates(userID string) (map[string]*RuleState, error) {
	prefix := stateKey(userID, "")
	states := make(map[string]*RuleState)
	err := e.kv.ScanKV(prefix, func(key string, value []byte) error {
		var st RuleState
		if err := json.Unmarshal(value, &st); err != nil {
			return fmt.Errorf("failed to decode rule state %s: %w", key, err)
		}
		states[strings.TrimPrefix(key, prefix)] = &st
		return nil
	})
	return states, err
}

var _ Schedules = (*adherence.Tracker)(nil)
