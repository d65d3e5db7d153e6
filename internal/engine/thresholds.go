package engine

import (
	"math"

	"github.com/miradorstack/machine-monitor/internal/models"
)

// Threshold is the pair of cutoffs for one metric. Inclusive cutoffs trigger on
// equality; exclusive ones only when the value is strictly greater.
type Threshold struct {
	Warning   float64
	Critical  float64
	Inclusive bool
}

var thresholds = map[models.MetricKind]Threshold{
	models.MetricTemperature:      {Warning: 30, Critical: 40},
	models.MetricVibration:        {Warning: 4.5, Critical: 7.1, Inclusive: true},
	models.MetricLoad:             {Warning: 50, Critical: 70},
	models.MetricPowerConsumption: {Warning: 10, Critical: 12},
	models.MetricPrediction:       {Warning: 0.5, Critical: 0.8},
}

// ThresholdFor returns the cutoffs used for kind.
func ThresholdFor(kind models.MetricKind) (Threshold, bool) {
	t, ok := thresholds[kind]
	return t, ok
}

func (t Threshold) crosses(value, cutoff float64) bool {
	if t.Inclusive {
		return value >= cutoff
	}
	return value > cutoff
}

// Classify maps a reading to its severity band. Absent or non-finite values and
// unknown metric kinds are unknown.
func Classify(kind models.MetricKind, m models.Measure) models.Severity {
	t, ok := thresholds[kind]
	if !ok {
		return models.SeverityUnknown
	}
	value, valid := m.Float64()
	if !valid || math.IsNaN(value) || math.IsInf(value, 0) {
		return models.SeverityUnknown
	}
	switch {
	case t.crosses(value, t.Critical):
		return models.SeverityCritical
	case t.crosses(value, t.Warning):
		return models.SeverityWarning
	default:
		return models.SeverityNormal
	}
}

// Worst returns the highest-ranked severity, or unknown when none are given.
func Worst(severities ...models.Severity) models.Severity {
	worst := models.SeverityUnknown
	for _, s := range severities {
		if s.Rank() > worst.Rank() {
			worst = s
		}
	}
	return worst
}
