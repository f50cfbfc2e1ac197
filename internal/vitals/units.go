package vitals

import (
	"strings"

	apperrors "github.com/gmsas95/preventx/internal/errors"
	"github.com/gmsas95/preventx/internal/health"
)

type conversion func(float64) float64

func identity(v float64) float64 { return v }

// unitTable maps accepted unit spellings per metric onto the canonical unit.
// An empty unit always means canonical.
var unitTable = map[health.Metric]map[string]conversion{
	health.BloodPressureSystolic:  {"mmhg": identity},
	health.BloodPressureDiastolic: {"mmhg": identity},
	health.BloodSugar: {
		"mg/dl":  identity,
		"mmol/l": func(v float64) float64 { return v * 18.0 },
	},
	health.HeartRate: {"bpm": identity, "/min": identity},
	health.Weight: {
		"kg":        identity,
		"kgs":       identity,
		"kilograms": identity,
		"lb":        lbsToKg,
		"lbs":       lbsToKg,
		"pounds":    lbsToKg,
	},
	health.BMI: {"kg/m2": identity, "kg/m²": identity},
	health.Temperature: {
		"c":          identity,
		"°c":         identity,
		"celsius":    identity,
		"f":          fahrenheitToCelsius,
		"°f":         fahrenheitToCelsius,
		"fahrenheit": fahrenheitToCelsius,
	},
	health.OxygenSaturation: {"%": identity, "percent": identity},
}

func lbsToKg(v float64) float64 { return v * 0.45359237 }

func fahrenheitToCelsius(v float64) float64 { return (v - 32) * 5 / 9 }

// ToCanonical converts value from unit into the metric's canonical unit.
func ToCanonical(metric health.Metric, value float64, unit string) (float64, error) {
	u := strings.ToLower(strings.TrimSpace(unit))
	if u == "" {
		return value, nil
	}
	convs, ok := unitTable[metric]
	if !ok {
		return 0, apperrors.Newf(apperrors.ErrUnknownMetric, "unknown metric %q", metric)
	}
	conv, ok := convs[u]
	if !ok {
		return 0, apperrors.Newf(apperrors.ErrInvalidInput, "unit %q is not accepted for %s", unit, metric)
	}
	return conv(value), nil
}
