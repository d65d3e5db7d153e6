package models

import (
	"strings"
	"time"
)

// MetricKind names a classifiable signal.
type MetricKind string

const (
	MetricTemperature      MetricKind = "temperature"
	MetricVibration        MetricKind = "vibration"
	MetricLoad             MetricKind = "load"
	MetricPowerConsumption MetricKind = "power_consumption"
	MetricPrediction       MetricKind = "prediction"
)

// SensorMetrics lists the sensor kinds in display order.
var SensorMetrics = []MetricKind{MetricTemperature, MetricVibration, MetricLoad, MetricPowerConsumption}

// ParseMetricKind resolves a metric name, accepting the legacy "power" alias.
func ParseMetricKind(name string) (MetricKind, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "temperature":
		return MetricTemperature, true
	case "vibration":
		return MetricVibration, true
	case "load":
		return MetricLoad, true
	case "power_consumption", "power":
		return MetricPowerConsumption, true
	case "prediction":
		return MetricPrediction, true
	default:
		return "", false
	}
}

// Unit returns the display unit of the metric.
func (k MetricKind) Unit() string {
	switch k {
	case MetricTemperature:
		return "°C"
	case MetricVibration:
		return " mm/s"
	case MetricLoad:
		return "%"
	case MetricPowerConsumption:
		return " kW"
	default:
		return ""
	}
}

// Severity is the band a reading falls into.
type Severity string

const (
	SeverityUnknown  Severity = "unknown"
	SeverityNormal   Severity = "normal"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank orders severities so the worst one can be picked.
func (s Severity) Rank() int {
	switch s {
	case SeverityNormal:
		return 1
	case SeverityWarning:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// Alerting reports whether the severity produces a notification.
func (s Severity) Alerting() bool {
	return s == SeverityWarning || s == SeverityCritical
}

// SensorSample is one reading of a machine's sensors.
type SensorSample struct {
	MachineID        int       `json:"machine_id"`
	Timestamp        time.Time `json:"timestamp"`
	Temperature      Measure   `json:"temperature"`
	Vibration        Measure   `json:"vibration"`
	Load             Measure   `json:"load"`
	PowerConsumption Measure   `json:"power_consumption"`
	CycleTime        Measure   `json:"cycle_time"`
}

// ObservedAt returns the sample timestamp.
func (s SensorSample) ObservedAt() time.Time { return s.Timestamp }

// Metric returns the reading for kind, or an absent Measure.
func (s SensorSample) Metric(kind MetricKind) Measure {
	switch kind {
	case MetricTemperature:
		return s.Temperature
	case MetricVibration:
		return s.Vibration
	case MetricLoad:
		return s.Load
	case MetricPowerConsumption:
		return s.PowerConsumption
	default:
		return Measure{}
	}
}

// Prediction is a failure probability produced by the backend model.
type Prediction struct {
	Timestamp  time.Time `json:"timestamp"`
	Value      Measure   `json:"prediction"`
	Confidence Measure   `json:"confidence"`
}

// ObservedAt returns the prediction timestamp.
func (p Prediction) ObservedAt() time.Time { return p.Timestamp }

// SimulationResult is the normalised response of a simulate call.
type SimulationResult struct {
	Status      string        `json:"status,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
	Predictions []Prediction  `json:"predictions"`
	Sensor      *SensorSample `json:"sensor_data,omitempty"`
}
