// Package trend classifies the short-term direction of a vital metric.
package trend

import (
	"context"
	"math"
	"time"

	"github.com/gmsas95/preventx/internal/health"
	"github.com/gmsas95/preventx/internal/ruleset"
)

type Direction string

const (
	Up     Direction = "Up"
	Down   Direction = "Down"
	Stable Direction = "Stable"
)

// reversalDepth is how many recent readings Reversal inspects.
const reversalDepth = 10

// Source is the read side of the vitals store.
type Source interface {
	Series(ctx context.Context, userID string, metric health.Metric, w health.Window) ([]health.VitalReading, error)
	Recent(ctx context.Context, userID string, metric health.Metric, n int) ([]health.VitalReading, error)
}

// Result describes the move between the two most recent readings considered.
type Result struct {
	UserID    string        `json:"user_id"`
	Metric    health.Metric `json:"metric"`
	Direction Direction     `json:"direction"`
	Magnitude float64       `json:"magnitude"`
	Delta     float64       `json:"delta"`
	From      *Point        `json:"from,omitempty"`
	To        *Point        `json:"to,omitempty"`
	Points    int           `json:"points"`
	Window    string        `json:"window,omitempty"`
}

type Point struct {
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

type Analyzer struct {
	vitals Source
	rules  *ruleset.Holder
	clock  health.Clock
}

func NewAnalyzer(vitals Source, rules *ruleset.Holder, clock health.Clock) *Analyzer {
	if clock == nil {
		clock = health.SystemClock
	}
	return &Analyzer{vitals: vitals, rules: rules, clock: clock}
}

// Trend compares the two most recent readings inside window. A zero window
// takes the two most recent readings regardless of age.
func (a *Analyzer) Trend(ctx context.Context, userID string, metric health.Metric, window time.Duration) (Result, error) {
	res := Result{UserID: userID, Metric: metric, Direction: Stable}
	if window > 0 {
		res.Window = window.String()
	}

	var (
		readings []health.VitalReading
		err      error
	)
	if window > 0 {
		readings, err = a.vitals.Series(ctx, userID, metric, health.LastWindow(a.clock.Now(), window))
	} else {
		readings, err = a.vitals.Recent(ctx, userID, metric, 2)
	}
	if err != nil {
		return res, err
	}

	res.Points = len(readings)
	if len(readings) < 2 {
		return res, nil
	}

	prev, last := readings[len(readings)-2], readings[len(readings)-1]
	rule, _ := a.rules.Get().Metric(metric)
	m := classify(prev.Value, last.Value, rule.Noise)

	res.Direction = m.direction
	res.Magnitude = math.Abs(m.percent)
	res.Delta = last.Value - prev.Value
	res.From = &Point{Value: prev.Value, Timestamp: prev.Timestamp}
	res.To = &Point{Value: last.Value, Timestamp: last.Timestamp}
	return res, nil
}

// Reversal reports whether the last two moves above the noise threshold
// point in opposite directions.
func (a *Analyzer) Reversal(ctx context.Context, userID string, metric health.Metric) (bool, error) {
	readings, err := a.vitals.Recent(ctx, userID, metric, reversalDepth)
	if err != nil {
		return false, err
	}
	rule, _ := a.rules.Get().Metric(metric)

	var moves []Direction
	for i := 1; i < len(readings); i++ {
		m := classify(readings[i-1].Value, readings[i].Value, rule.Noise)
		if m.direction != Stable {
			moves = append(moves, m.direction)
		}
	}
	if len(moves) < 2 {
		return false, nil
	}
	return moves[len(moves)-1] != moves[len(moves)-2], nil
}

type move struct {
	direction Direction
	percent   float64
}

func classify(prev, last float64, noise ruleset.Noise) move {
	delta := last - prev
	var pct float64
	switch {
	case prev != 0:
		pct = delta / math.Abs(prev) * 100
	case delta > 0:
		pct = 100
	case delta < 0:
		pct = -100
	}

	if delta == 0 || belowNoise(delta, pct, noise) {
		return move{direction: Stable, percent: pct}
	}
	if delta > 0 {
		return move{direction: Up, percent: pct}
	}
	return move{direction: Down, percent: pct}
}

func belowNoise(delta, pct float64, noise ruleset.Noise) bool {
	if noise.Percent > 0 && math.Abs(pct) < noise.Percent {
		return true
	}
	if noise.Absolute > 0 && math.Abs(delta) < noise.Absolute {
		return true
	}
	return false
}
