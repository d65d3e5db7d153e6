package engine

import (
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/miradorstack/machine-monitor/internal/models"
)

// Sink receives generated notifications. *notify.Store satisfies it.
type Sink interface {
	Append(machineID int, severity models.Severity, message string, ts time.Time) models.Notification
}

// Alerter turns accepted readings into notifications.
type Alerter struct {
	sink   Sink
	logger *slog.Logger
	muted  atomic.Bool
	now    func() time.Time
}

// NewAlerter creates an alerter writing into sink.
func NewAlerter(sink Sink, logger *slog.Logger) *Alerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Alerter{sink: sink, logger: logger, now: time.Now}
}

// SetMuted toggles the announce log line. Notifications are stored either way.
func (a *Alerter) SetMuted(muted bool) { a.muted.Store(muted) }

// Muted reports whether announcements are muted.
func (a *Alerter) Muted() bool { return a.muted.Load() }

// cycle swallows a candidate identical to the last one appended in the same batch.
type cycle struct {
	alerter   *Alerter
	machineID int
	last      string
	out       []models.Notification
}

func (c *cycle) raise(severity models.Severity, message string, ts time.Time) {
	if message == c.last {
		return
	}
	c.last = message
	if ts.IsZero() {
		ts = c.alerter.now().UTC()
	}
	n := c.alerter.sink.Append(c.machineID, severity, message, ts)
	c.out = append(c.out, n)
	if !c.alerter.Muted() {
		c.alerter.logger.Warn("machine alert",
			slog.Int("machine_id", c.machineID),
			slog.String("severity", string(severity)),
			slog.String("message", message))
	}
}

// ObservePredictions classifies one batch of predictions and returns the
// notifications it appended.
func (a *Alerter) ObservePredictions(machineID int, batch []models.Prediction) []models.Notification {
	c := &cycle{alerter: a, machineID: machineID}
	for _, p := range batch {
		severity := Classify(models.MetricPrediction, p.Value)
		if !severity.Alerting() {
			continue
		}
		c.raise(severity, PredictionMessage(severity, p.Value.Value), p.Timestamp)
	}
	return c.out
}

// ObserveSensors classifies one batch of sensor samples. Each sample raises at
// most one notification at its worst band.
func (a *Alerter) ObserveSensors(machineID int, batch []models.SensorSample) []models.Notification {
	c := &cycle{alerter: a, machineID: machineID}
	for _, s := range batch {
		severity, message := SensorMessage(s)
		if !severity.Alerting() {
			continue
		}
		c.raise(severity, message, s.Timestamp)
	}
	return c.out
}

// PredictionMessage renders the notification text for a failure probability.
func PredictionMessage(severity models.Severity, probability float64) string {
	if severity == models.SeverityCritical {
		return fmt.Sprintf("High probability of failure: %.2f%%", probability*100)
	}
	return fmt.Sprintf("Moderate probability of failure: %.2f%%", probability*100)
}

// SensorMessage returns the worst band of s and the text naming every metric at it.
func SensorMessage(s models.SensorSample) (models.Severity, string) {
	bands := make(map[models.MetricKind]models.Severity, len(models.SensorMetrics))
	worst := models.SeverityUnknown
	for _, kind := range models.SensorMetrics {
		band := Classify(kind, s.Metric(kind))
		bands[kind] = band
		worst = Worst(worst, band)
	}
	if !worst.Alerting() {
		return worst, ""
	}

	parts := make([]string, 0, len(bands))
	for _, kind := range models.SensorMetrics {
		if bands[kind] == worst {
			parts = append(parts, fmt.Sprintf("%s %.1f%s", kind, s.Metric(kind).Value, kind.Unit()))
		}
	}
	prefix := "Elevated sensor reading"
	if worst == models.SeverityCritical {
		prefix = "Critical sensor reading"
	}
	return worst, prefix + " - " + strings.Join(parts, ", ")
}
