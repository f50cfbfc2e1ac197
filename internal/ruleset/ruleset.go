// Package ruleset holds the externally supplied tuning data for the engine:
// metric ranges and noise thresholds, factor anchors, condition weights and
// notification rules.
package ruleset

import (
	"bytes"
	_ "embed"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gmsas95/preventx/internal/health"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

// InputSource names where a factor input takes its raw value from.
type InputSource string

const (
	SourceMetric     InputSource = "metric"
	SourceAdherence  InputSource = "adherence"
	SourceSelfReport InputSource = "self_report"
)

// Impact classifies how strongly a factor drives condition risk.
type Impact string

const (
	ImpactLow    Impact = "Low"
	ImpactMedium Impact = "Medium"
	ImpactHigh   Impact = "High"
)

type Ruleset struct {
	Version       string                       `yaml:"version"`
	Metrics       map[health.Metric]MetricRule `yaml:"metrics"`
	Factors       map[string]Factor            `yaml:"factors"`
	Conditions    map[string]Condition         `yaml:"conditions"`
	RiskLevels    RiskLevels                   `yaml:"risk_levels"`
	Adherence     AdherenceRule                `yaml:"adherence"`
	Notifications NotificationRules            `yaml:"notifications"`
}

// MetricRule declares the canonical unit, plausible range and trend noise
// threshold of a metric.
type MetricRule struct {
	Unit  string  `yaml:"unit"`
	Min   float64 `yaml:"min"`
	Max   float64 `yaml:"max"`
	Noise Noise   `yaml:"noise"`
}

// Noise is a change below which a trend is Stable. Percent is compared with
// the relative change, Absolute with the raw delta in canonical units.
type Noise struct {
	Percent  float64 `yaml:"percent,omitempty"`
	Absolute float64 `yaml:"absolute,omitempty"`
}

type Anchor struct {
	Value float64 `yaml:"value"`
	Score float64 `yaml:"score"`
}

type Input struct {
	Source  InputSource   `yaml:"source"`
	Metric  health.Metric `yaml:"metric,omitempty"`
	Weight  float64       `yaml:"weight,omitempty"`
	Anchors []Anchor      `yaml:"anchors"`
}

type StatusBand struct {
	Min   float64 `yaml:"min"`
	Label string  `yaml:"label"`
}

type Factor struct {
	Label        string       `yaml:"label"`
	Inputs       []Input      `yaml:"inputs"`
	Threshold    *float64     `yaml:"threshold,omitempty"`
	DefaultScore *float64     `yaml:"default_score,omitempty"`
	Impact       Impact       `yaml:"impact,omitempty"`
	Status       []StatusBand `yaml:"status,omitempty"`
}

type WeightedFactor struct {
	Factor string  `yaml:"factor"`
	Weight float64 `yaml:"weight"`
}

type Condition struct {
	Label          string           `yaml:"label"`
	Factors        []WeightedFactor `yaml:"factors"`
	WellnessWeight *float64         `yaml:"wellness_weight,omitempty"`
}

// RiskLevels are the lower bounds of the moderate and high bands.
type RiskLevels struct {
	Moderate float64 `yaml:"moderate"`
	High     float64 `yaml:"high"`
}

type AdherenceRule struct {
	Window time.Duration `yaml:"window"`
}

type NotificationRules struct {
	MissedDose    MissedDoseRule      `yaml:"missed_dose"`
	RiskBands     []RiskBandRule      `yaml:"risk_bands"`
	TrendReversal []TrendReversalRule `yaml:"trend_reversal"`
}

type MissedDoseRule struct {
	Enabled bool `yaml:"enabled"`
}

type RiskBandRule struct {
	Condition string  `yaml:"condition"`
	Threshold float64 `yaml:"threshold"`
}

type TrendReversalRule struct {
	Metric health.Metric `yaml:"metric"`
}

const (
	defaultThreshold      = 50.0
	defaultWellnessWeight = 1.0
)

var defaultStatus = []StatusBand{
	{Min: 0, Label: "good"},
	{Min: 30, Label: "moderate"},
	{Min: 60, Label: "poor"},
}

// Default returns the embedded sample ruleset.
func Default() (*Ruleset, error) {
	return Parse(defaultYAML)
}

// Load reads and validates a ruleset file.
func Load(path string) (*Ruleset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ruleset: %w", err)
	}
	rs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rs, nil
}

// Parse decodes YAML strictly, fills defaults and validates.
func Parse(data []byte) (*Ruleset, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var rs Ruleset
	if err := dec.Decode(&rs); err != nil {
		return nil, fmt.Errorf("failed to decode ruleset: %w", err)
	}
	if err := rs.Finalize(); err != nil {
		return nil, err
	}
	return &rs, nil
}

// Finalize fills defaults and validates a ruleset assembled in code.
func (r *Ruleset) Finalize() error {
	r.normalize()
	return r.Validate()
}

func (r *Ruleset) normalize() {
	if r.RiskLevels.Moderate == 0 && r.RiskLevels.High == 0 {
		r.RiskLevels = RiskLevels{Moderate: 30, High: 60}
	}
	if r.Adherence.Window <= 0 {
		r.Adherence.Window = 7 * 24 * time.Hour
	}
	for key, f := range r.Factors {
		for i := range f.Inputs {
			if f.Inputs[i].Weight == 0 {
				f.Inputs[i].Weight = 1
			}
			sort.SliceStable(f.Inputs[i].Anchors, func(a, b int) bool {
				return f.Inputs[i].Anchors[a].Value < f.Inputs[i].Anchors[b].Value
			})
		}
		if len(f.Status) == 0 {
			f.Status = append([]StatusBand(nil), defaultStatus...)
		}
		sort.SliceStable(f.Status, func(a, b int) bool { return f.Status[a].Min < f.Status[b].Min })
		if f.Threshold == nil {
			f.Threshold = Float(defaultThreshold)
		}
		r.Factors[key] = f
	}
	for key, c := range r.Conditions {
		if c.WellnessWeight == nil {
			c.WellnessWeight = Float(defaultWellnessWeight)
		}
		r.Conditions[key] = c
	}
}

// Validate checks internal consistency.
func (r *Ruleset) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	for _, m := range health.AllMetrics {
		if _, ok := r.Metrics[m]; !ok {
			add("metric %s is not configured", m)
		}
	}
	for m, rule := range r.Metrics {
		if _, ok := health.ParseMetric(string(m)); !ok {
			add("unknown metric %q", m)
		}
		if rule.Min >= rule.Max {
			add("metric %s: min must be below max", m)
		}
		if rule.Noise.Percent < 0 || rule.Noise.Absolute < 0 {
			add("metric %s: noise thresholds must be non-negative", m)
		}
	}

	for key, f := range r.Factors {
		if len(f.Inputs) == 0 {
			add("factor %s has no inputs", key)
		}
		for i, in := range f.Inputs {
			switch in.Source {
			case SourceMetric:
				if _, ok := r.Metrics[in.Metric]; !ok {
					add("factor %s input %d: unknown metric %q", key, i, in.Metric)
				}
			case SourceAdherence, SourceSelfReport:
			default:
				add("factor %s input %d: unknown source %q", key, i, in.Source)
			}
			if in.Weight < 0 {
				add("factor %s input %d: negative weight", key, i)
			}
			if len(in.Anchors) < 2 {
				add("factor %s input %d: at least two anchors required", key, i)
			}
			for j := 1; j < len(in.Anchors); j++ {
				if in.Anchors[j].Value == in.Anchors[j-1].Value {
					add("factor %s input %d: duplicate anchor value %v", key, i, in.Anchors[j].Value)
				}
			}
			for _, a := range in.Anchors {
				if a.Score < 0 || a.Score > 100 {
					add("factor %s input %d: anchor score %v outside [0,100]", key, i, a.Score)
				}
			}
		}
		if f.Threshold != nil && (*f.Threshold < 0 || *f.Threshold > 100) {
			add("factor %s: threshold outside [0,100]", key)
		}
		if f.DefaultScore != nil && (*f.DefaultScore < 0 || *f.DefaultScore > 100) {
			add("factor %s: default_score outside [0,100]", key)
		}
		switch f.Impact {
		case "", ImpactLow, ImpactMedium, ImpactHigh:
		default:
			add("factor %s: unknown impact %q", key, f.Impact)
		}
	}

	for key, c := range r.Conditions {
		if len(c.Factors) == 0 {
			add("condition %s has no factors", key)
		}
		seen := make(map[string]bool)
		for _, wf := range c.Factors {
			if _, ok := r.Factors[wf.Factor]; !ok {
				add("condition %s: unknown factor %q", key, wf.Factor)
			}
			if seen[wf.Factor] {
				add("condition %s: factor %q listed twice", key, wf.Factor)
			}
			seen[wf.Factor] = true
			if wf.Weight <= 0 || math.IsNaN(wf.Weight) {
				add("condition %s: factor %q needs a positive weight", key, wf.Factor)
			}
		}
		if c.WellnessWeight != nil && *c.WellnessWeight < 0 {
			add("condition %s: negative wellness_weight", key)
		}
	}

	if r.RiskLevels.Moderate >= r.RiskLevels.High {
		add("risk_levels: moderate must be below high")
	}

	for _, rb := range r.Notifications.RiskBands {
		if _, ok := r.Conditions[rb.Condition]; !ok {
			add("notifications.risk_bands: unknown condition %q", rb.Condition)
		}
		if rb.Threshold <= 0 || rb.Threshold > 100 {
			add("notifications.risk_bands: threshold for %s must be in (0,100]", rb.Condition)
		}
	}
	for _, tr := range r.Notifications.TrendReversal {
		if _, ok := r.Metrics[tr.Metric]; !ok {
			add("notifications.trend_reversal: unknown metric %q", tr.Metric)
		}
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("invalid ruleset: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Metric returns the rule for m.
func (r *Ruleset) Metric(m health.Metric) (MetricRule, bool) {
	rule, ok := r.Metrics[m]
	return rule, ok
}

// Factor returns the factor definition for key.
func (r *Ruleset) Factor(key string) (Factor, bool) {
	f, ok := r.Factors[key]
	return f, ok
}

// Condition returns the condition definition for key.
func (r *Ruleset) Condition(key string) (Condition, bool) {
	c, ok := r.Conditions[key]
	return c, ok
}

// ConditionKeys returns condition keys in lexical order.
func (r *Ruleset) ConditionKeys() []string {
	keys := make([]string, 0, len(r.Conditions))
	for k := range r.Conditions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FactorKeys returns factor keys in lexical order.
func (r *Ruleset) FactorKeys() []string {
	keys := make([]string, 0, len(r.Factors))
	for k := range r.Factors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ImpactOf returns the configured impact of a factor or derives it from the
// factor's largest weight share across conditions.
func (r *Ruleset) ImpactOf(factorKey string) Impact {
	if f, ok := r.Factors[factorKey]; ok && f.Impact != "" {
		return f.Impact
	}
	var share float64
	for _, c := range r.Conditions {
		var total, own float64
		for _, wf := range c.Factors {
			total += wf.Weight
			if wf.Factor == factorKey {
				own = wf.Weight
			}
		}
		if total > 0 && own/total > share {
			share = own / total
		}
	}
	switch {
	case share >= 0.35:
		return ImpactHigh
	case share >= 0.2:
		return ImpactMedium
	default:
		return ImpactLow
	}
}

// Float returns a pointer to v, for optional ruleset values built in code.
func Float(v float64) *float64 {
	return &v
}

// ScoreThreshold is the score above which the factor counts as contributing.
// An explicit zero is kept.
func (f Factor) ScoreThreshold() float64 {
	if f.Threshold == nil {
		return defaultThreshold
	}
	return *f.Threshold
}

// Weighting is the condition's share in the wellness score. Zero leaves the
// condition out of the score.
func (c Condition) Weighting() float64 {
	if c.WellnessWeight == nil {
		return defaultWellnessWeight
	}
	return *c.WellnessWeight
}

// StatusLabel picks the label of the highest band whose minimum score is met.
func (f Factor) StatusLabel(score float64) string {
	label := ""
	for _, b := range f.Status {
		if score >= b.Min {
			label = b.Label
		}
	}
	return label
}

// SelfReportRange returns the accepted value range for self-reported input,
// or false when the factor takes none.
func (f Factor) SelfReportRange() (float64, float64, bool) {
	for _, in := range f.Inputs {
		if in.Source == SourceSelfReport && len(in.Anchors) > 0 {
			return in.Anchors[0].Value, in.Anchors[len(in.Anchors)-1].Value, true
		}
	}
	return 0, 0, false
}

// Level names the risk band a percentage falls in.
func (l RiskLevels) Level(percent int) string {
	switch {
	case float64(percent) >= l.High:
		return "high"
	case float64(percent) >= l.Moderate:
		return "moderate"
	default:
		return "low"
	}
}

// Interpolate maps x through a sorted anchor list, holding the end scores
// outside the anchored range.
func Interpolate(anchors []Anchor, x float64) float64 {
	if len(anchors) == 0 {
		return 0
	}
	if x <= anchors[0].Value {
		return anchors[0].Score
	}
	last := anchors[len(anchors)-1]
	if x >= last.Value {
		return last.Score
	}
	for i := 1; i < len(anchors); i++ {
		lo, hi := anchors[i-1], anchors[i]
		if x <= hi.Value {
			frac := (x - lo.Value) / (hi.Value - lo.Value)
			return lo.Score + frac*(hi.Score-lo.Score)
		}
	}
	return last.Score
}
