package engine

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/miradorstack/machine-monitor/internal/models"
	"github.com/miradorstack/machine-monitor/internal/notify"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSink struct {
	appended []models.Notification
}

func (r *recordingSink) Append(machineID int, severity models.Severity, message string, ts time.Time) models.Notification {
	n := models.Notification{MachineID: machineID, Severity: severity, Message: message, Timestamp: ts}
	r.appended = append(r.appended, n)
	return n
}

func TestObservePredictionsScenario(t *testing.T) {
	sink := &recordingSink{}
	alerter := NewAlerter(sink, quietLogger())

	stream := []float64{0.2, 0.55, 0.85, 0.3}
	var raisedAt []int
	for i, v := range stream {
		if got := alerter.ObservePredictions(7, []models.Prediction{{Value: models.Float(v)}}); len(got) > 0 {
			raisedAt = append(raisedAt, i)
		}
	}

	if len(raisedAt) != 2 || raisedAt[0] != 1 || raisedAt[1] != 2 {
		t.Fatalf("expected notifications at indices 1 and 2, got %v", raisedAt)
	}
	if sink.appended[0].Severity != models.SeverityWarning || sink.appended[1].Severity != models.SeverityCritical {
		t.Fatalf("unexpected severities: %+v", sink.appended)
	}
	if sink.appended[1].Message != "High probability of failure: 85.00%" {
		t.Fatalf("unexpected critical message: %q", sink.appended[1].Message)
	}
	if sink.appended[0].Message != "Moderate probability of failure: 55.00%" {
		t.Fatalf("unexpected warning message: %q", sink.appended[0].Message)
	}
}

func TestObservePredictionsSuppressesDuplicatesWithinCycle(t *testing.T) {
	sink := &recordingSink{}
	alerter := NewAlerter(sink, quietLogger())

	batch := []models.Prediction{
		{Value: models.Float(0.9)},
		{Value: models.Float(0.9)},
		{Value: models.Float(0.6)},
		{Value: models.Float(0.9)},
	}
	got := alerter.ObservePredictions(1, batch)
	if len(got) != 3 {
		t.Fatalf("expected the consecutive duplicate to be swallowed, got %d notifications", len(got))
	}

	again := alerter.ObservePredictions(1, []models.Prediction{{Value: models.Float(0.9)}})
	if len(again) != 1 {
		t.Fatalf("a new cycle must not be suppressed by the previous one")
	}
}

func TestObserveSensorsUsesWorstBand(t *testing.T) {
	sink := &recordingSink{}
	alerter := NewAlerter(sink, quietLogger())
	ts := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

	samples := []models.SensorSample{
		{Timestamp: ts, Temperature: models.Float(25), Vibration: models.Float(1.2), Load: models.Float(40), PowerConsumption: models.Float(8)},
		{Timestamp: ts.Add(5 * time.Second), Temperature: models.Float(42.5), Vibration: models.Float(5), Load: models.Float(75), PowerConsumption: models.Float(9)},
		{Timestamp: ts.Add(10 * time.Second), Temperature: models.Float(35), Load: models.Float(20)},
	}
	got := alerter.ObserveSensors(3, samples)
	if len(got) != 2 {
		t.Fatalf("expected 2 notifications, got %d: %+v", len(got), got)
	}
	if got[0].Severity != models.SeverityCritical || got[0].Message != "Critical sensor reading - temperature 42.5°C, load 75.0%" {
		t.Fatalf("unexpected critical notification: %+v", got[0])
	}
	if !got[0].Timestamp.Equal(ts.Add(5 * time.Second)) {
		t.Fatalf("expected sample timestamp on notification, got %v", got[0].Timestamp)
	}
	if got[1].Severity != models.SeverityWarning || got[1].Message != "Elevated sensor reading - temperature 35.0°C" {
		t.Fatalf("unexpected warning notification: %+v", got[1])
	}
}

func TestAlerterWritesIntoStore(t *testing.T) {
	store := notify.NewStore(notify.DefaultLimit, quietLogger())
	alerter := NewAlerter(store, quietLogger())
	alerter.SetMuted(true)

	alerter.ObservePredictions(5, []models.Prediction{{Value: models.Float(0.95)}, {Value: models.Float(0.1)}})
	if !alerter.Muted() {
		t.Fatalf("expected alerter to stay muted")
	}
	snapshot := store.Snapshot()
	if len(snapshot) != 1 || snapshot[0].MachineID != 5 || snapshot[0].Read {
		t.Fatalf("unexpected store contents: %+v", snapshot)
	}
	if snapshot[0].Timestamp.IsZero() {
		t.Fatalf("expected alerter to stamp notifications without reading time")
	}
}
