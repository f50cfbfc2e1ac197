// Package risk derives factor scores, per-condition risk and the aggregate
// wellness score from stored data and the active ruleset.
package risk

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/gmsas95/preventx/internal/adherence"
	apperrors "github.com/gmsas95/preventx/internal/errors"
	"github.com/gmsas95/preventx/internal/health"
	"github.com/gmsas95/preventx/internal/ruleset"
)

// StatusNoData labels a factor without any input.
const StatusNoData = "no_data"

type VitalSource interface {
	Latest(ctx context.Context, userID string, metric health.Metric) (*health.VitalReading, error)
}

type AdherenceSource interface {
	UserAdherence(ctx context.Context, userID string, window time.Duration, now time.Time) (*adherence.Stats, error)
}

type InputSource interface {
	LatestFactorInput(ctx context.Context, userID, factorKey string) (*health.FactorInput, error)
}

// FactorReading is the derived score of one factor.
type FactorReading struct {
	FactorKey string         `json:"factor_key"`
	Label     string         `json:"label"`
	Score     float64        `json:"score"`
	Status    string         `json:"status"`
	Impact    ruleset.Impact `json:"impact"`
	HasData   bool           `json:"has_data"`
	Defaulted bool           `json:"defaulted,omitempty"`
}

// ConditionRisk is the weighted risk of one condition.
type ConditionRisk struct {
	UserID              string          `json:"user_id"`
	Condition           string          `json:"condition"`
	Label               string          `json:"label"`
	RiskPercent         int             `json:"risk_percent"`
	Level               string          `json:"level"`
	ContributingFactors []string        `json:"contributing_factors"`
	Factors             []FactorReading `json:"factors"`
	InsufficientData    bool            `json:"insufficient_data"`
	AsOf                time.Time       `json:"as_of"`
}

type ConditionSummary struct {
	Condition        string  `json:"condition"`
	RiskPercent      int     `json:"risk_percent"`
	Level            string  `json:"level"`
	Weight           float64 `json:"weight"`
	InsufficientData bool    `json:"insufficient_data"`
}

// Wellness is 100 minus the weighted average of condition risks.
type Wellness struct {
	UserID           string             `json:"user_id"`
	Value            int                `json:"value"`
	Conditions       []ConditionSummary `json:"conditions"`
	InsufficientData bool               `json:"insufficient_data"`
	AsOf             time.Time          `json:"as_of"`
}

type Scorer struct {
	rules     *ruleset.Holder
	vitals    VitalSource
	adherence AdherenceSource
	inputs    InputSource
	clock     health.Clock
}

func NewScorer(rules *ruleset.Holder, vitals VitalSource, adh AdherenceSource, inputs InputSource, clock health.Clock) *Scorer {
	if clock == nil {
		clock = health.SystemClock
	}
	return &Scorer{rules: rules, vitals: vitals, adherence: adh, inputs: inputs, clock: clock}
}

// FactorScore scores one factor from its latest inputs.
func (s *Scorer) FactorScore(ctx context.Context, userID, factorKey string) (*FactorReading, error) {
	rs := s.rules.Get()
	if _, ok := rs.Factor(factorKey); !ok {
		return nil, apperrors.Newf(apperrors.ErrUnknownKey, "unknown factor %q", factorKey)
	}
	return s.factor(ctx, rs, userID, factorKey, s.clock.Now())
}

// ConditionRisk combines the condition's factor scores by weight. Factors
// without data are left out and the remaining weights renormalised.
func (s *Scorer) ConditionRisk(ctx context.Context, userID, conditionKey string) (*ConditionRisk, error) {
	rs := s.rules.Get()
	if _, ok := rs.Condition(conditionKey); !ok {
		return nil, apperrors.Newf(apperrors.ErrUnknownKey, "unknown condition %q", conditionKey)
	}
	return s.condition(ctx, rs, userID, conditionKey, s.clock.Now())
}

// WellnessScore rolls every configured condition into one score.
func (s *Scorer) WellnessScore(ctx context.Context, userID string) (*Wellness, error) {
	rs := s.rules.Get()
	now := s.clock.Now()

	w := &Wellness{UserID: userID, AsOf: now, Conditions: []ConditionSummary{}}
	var num, den float64
	for _, key := range rs.ConditionKeys() {
		cr, err := s.condition(ctx, rs, userID, key, now)
		if err != nil {
			return nil, err
		}
		weight := rs.Conditions[key].Weighting()
		w.Conditions = append(w.Conditions, ConditionSummary{
			Condition:        key,
			RiskPercent:      cr.RiskPercent,
			Level:            cr.Level,
			Weight:           weight,
			InsufficientData: cr.InsufficientData,
		})
		if cr.InsufficientData {
			continue
		}
		num += weight * float64(cr.RiskPercent)
		den += weight
	}

	if den == 0 {
		w.InsufficientData = true
		return w, nil
	}
	w.Value = clampPercent(roundHalfUp(100 - num/den))
	return w, nil
}

func (s *Scorer) condition(ctx context.Context, rs *ruleset.Ruleset, userID, key string, now time.Time) (*ConditionRisk, error) {
	c := rs.Conditions[key]
	cr := &ConditionRisk{
		UserID:              userID,
		Condition:           key,
		Label:               c.Label,
		ContributingFactors: []string{},
		Factors:             make([]FactorReading, 0, len(c.Factors)),
		AsOf:                now,
	}

	type contribution struct {
		key      string
		weighted float64
	}
	var (
		num, den     float64
		contributing []contribution
	)
	for _, wf := range c.Factors {
		fr, err := s.factor(ctx, rs, userID, wf.Factor, now)
		if err != nil {
			return nil, err
		}
		cr.Factors = append(cr.Factors, *fr)
		if !fr.HasData {
			continue
		}
		num += wf.Weight * fr.Score
		den += wf.Weight
		if fr.Score > rs.Factors[wf.Factor].ScoreThreshold() {
			contributing = append(contributing, contribution{key: wf.Factor, weighted: wf.Weight * fr.Score})
		}
	}

	if den == 0 {
		cr.InsufficientData = true
		cr.Level = StatusNoData
		return cr, nil
	}

	sort.Slice(contributing, func(i, j int) bool {
		if contributing[i].weighted != contributing[j].weighted {
			return contributing[i].weighted > contributing[j].weighted
		}
		return contributing[i].key < contributing[j].key
	})
	for _, c := range contributing {
		cr.ContributingFactors = append(cr.ContributingFactors, c.key)
	}

	cr.RiskPercent = clampPercent(roundHalfUp(num / den))
	cr.Level = rs.RiskLevels.Level(cr.RiskPercent)
	return cr, nil
}

func (s *Scorer) factor(ctx context.Context, rs *ruleset.Ruleset, userID, key string, now time.Time) (*FactorReading, error) {
	f := rs.Factors[key]
	fr := &FactorReading{
		FactorKey: key,
		Label:     f.Label,
		Impact:    rs.ImpactOf(key),
		Status:    StatusNoData,
	}

	var num, den float64
	for _, in := range f.Inputs {
		v, ok, err := s.inputValue(ctx, rs, userID, key, in, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		num += in.Weight * clamp(ruleset.Interpolate(in.Anchors, v), 0, 100)
		den += in.Weight
	}

	switch {
	case den > 0:
		fr.Score = clamp(num/den, 0, 100)
		fr.HasData = true
	case f.DefaultScore != nil:
		fr.Score = clamp(*f.DefaultScore, 0, 100)
		fr.HasData = true
		fr.Defaulted = true
	default:
		return fr, nil
	}
	fr.Status = f.StatusLabel(fr.Score)
	return fr, nil
}

func (s *Scorer) inputValue(ctx context.Context, rs *ruleset.Ruleset, userID, key string, in ruleset.Input, now time.Time) (float64, bool, error) {
	switch in.Source {
	case ruleset.SourceMetric:
		r, err := s.vitals.Latest(ctx, userID, in.Metric)
		if err != nil || r == nil {
			return 0, false, err
		}
		return r.Value, true, nil
	case ruleset.SourceAdherence:
		stats, err := s.adherence.UserAdherence(ctx, userID, rs.Adherence.Window, now)
		if err != nil {
			return 0, false, err
		}
		p := stats.Percent()
		if p == nil {
			return 0, false, nil
		}
		return *p, true, nil
	case ruleset.SourceSelfReport:
		input, err := s.inputs.LatestFactorInput(ctx, userID, key)
		if err != nil || input == nil {
			return 0, false, err
		}
		return input.Value, true, nil
	}
	return 0, false, nil
}

// roundHalfUp rounds .5 away from zero for non-negative scores. The epsilon
// absorbs binary error in weighted sums such as 69.49999999999999.
func roundHalfUp(x float64) int {
	return int(math.Floor(x + 0.5 + 1e-9))
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
