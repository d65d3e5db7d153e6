package extractors

import (
	"math"
	"time"

	"github.com/miradorstack/machine-monitor/internal/models"
)

// DefaultThreshold is the z-score above which a reading is anomalous.
const DefaultThreshold = 2.5

// MetricStats summarises one sensor metric over a window. Absent readings are skipped.
type MetricStats struct {
	Metric models.MetricKind `json:"metric"`
	Count  int               `json:"count"`
	Mean   float64           `json:"mean"`
	Min    float64           `json:"min"`
	Max    float64           `json:"max"`
	StdDev float64           `json:"stddev"`
	Latest float64           `json:"latest"`
}

// MetricAnomaly captures an anomalous sensor reading.
type MetricAnomaly struct {
	Metric    models.MetricKind `json:"metric"`
	Timestamp time.Time         `json:"timestamp"`
	Value     float64           `json:"value"`
	Score     float64           `json:"score"`
	Threshold float64           `json:"threshold"`
}

// MetricExtractor derives window statistics and detects anomalies using a z-score approach.
type MetricExtractor struct{}

// NewMetricExtractor creates a sensor window analyser.
func NewMetricExtractor() *MetricExtractor {
	return &MetricExtractor{}
}

type point struct {
	ts    time.Time
	value float64
}

func series(window []models.SensorSample, kind models.MetricKind) []point {
	out := make([]point, 0, len(window))
	for _, s := range window {
		if v, ok := s.Metric(kind).Float64(); ok {
			out = append(out, point{ts: s.Timestamp, value: v})
		}
	}
	return out
}

func meanStdDev(points []point) (float64, float64) {
	mean := 0.0
	for _, p := range points {
		mean += p.value
	}
	mean /= float64(len(points))

	variance := 0.0
	for _, p := range points {
		variance += math.Pow(p.value-mean, 2)
	}
	variance /= float64(len(points))
	return mean, math.Sqrt(variance)
}

// Summarise returns statistics for every sensor metric with at least one reading,
// in display order. window must be oldest first.
func (e *MetricExtractor) Summarise(window []models.SensorSample) []MetricStats {
	stats := make([]MetricStats, 0, len(models.SensorMetrics))
	for _, kind := range models.SensorMetrics {
		points := series(window, kind)
		if len(points) == 0 {
			continue
		}
		mean, stdDev := meanStdDev(points)
		st := MetricStats{
			Metric: kind,
			Count:  len(points),
			Mean:   mean,
			Min:    points[0].value,
			Max:    points[0].value,
			StdDev: stdDev,
			Latest: points[len(points)-1].value,
		}
		for _, p := range points[1:] {
			st.Min = math.Min(st.Min, p.value)
			st.Max = math.Max(st.Max, p.value)
		}
		stats = append(stats, st)
	}
	return stats
}

// Detect finds readings whose z-score within their metric reaches threshold.
func (e *MetricExtractor) Detect(window []models.SensorSample, threshold float64) []MetricAnomaly {
	if len(window) == 0 {
		return nil
	}

	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	anomalies := make([]MetricAnomaly, 0)
	for _, kind := range models.SensorMetrics {
		points := series(window, kind)
		if len(points) == 0 {
			continue
		}
		mean, stdDev := meanStdDev(points)
		if stdDev == 0 {
			stdDev = 0.01
		}
		for _, p := range points {
			score := (p.value - mean) / stdDev
			if score >= threshold {
				anomalies = append(anomalies, MetricAnomaly{
					Metric:    kind,
					Timestamp: p.ts,
					Value:     p.value,
					Score:     score,
					Threshold: threshold,
				})
			}
		}
	}

	return anomalies
}
