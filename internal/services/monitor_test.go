package services

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miradorstack/machine-monitor/internal/engine"
	"github.com/miradorstack/machine-monitor/internal/feed"
	"github.com/miradorstack/machine-monitor/internal/models"
	"github.com/miradorstack/machine-monitor/internal/notify"
	"github.com/miradorstack/machine-monitor/internal/repo"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type backendStub struct {
	mu          sync.Mutex
	machines    []models.Machine
	sensors     []models.SensorSample
	predictions []models.Prediction
	sensorFrame string
	resets      int
	fetches     atomic.Int64
	failLookup  error
}

func (b *backendStub) ListMachines(context.Context) ([]models.Machine, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.Machine(nil), b.machines...), nil
}

func (b *backendStub) GetMachine(_ context.Context, id int) (models.Machine, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failLookup != nil {
		return models.Machine{}, b.failLookup
	}
	for _, m := range b.machines {
		if m.ID == id {
			return m, nil
		}
	}
	return models.Machine{}, &repo.UpstreamError{Kind: repo.KindClient, StatusCode: http.StatusNotFound, Message: "Machine not found"}
}

func (b *backendStub) FetchSensorData(_ context.Context, id int) ([]models.SensorSample, error) {
	b.fetches.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.SensorSample, len(b.sensors))
	for i, s := range b.sensors {
		s.MachineID = id
		out[i] = s
	}
	return out, nil
}

func (b *backendStub) Simulate(context.Context, int) (models.SimulationResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return models.SimulationResult{Predictions: append([]models.Prediction(nil), b.predictions...)}, nil
}

func (b *backendStub) ResetSimulation(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resets++
	return nil
}

func (b *backendStub) OpenSensorStream(context.Context, int) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(b.sensorFrame)), nil
}

func (b *backendStub) OpenPredictionStream(ctx context.Context, _ int) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	go func() {
		_, _ = io.WriteString(pw, "data: {\"prediction\":0.2}\n\ndata: {\"prediction\":0.55}\n\ndata: {\"prediction\":0.85}\n\ndata: {\"prediction\":0.3}\n\n")
		<-ctx.Done()
		_ = pw.Close()
	}()
	return pr, nil
}

func newTestService(t *testing.T, backend *backendStub) *MonitorService {
	t.Helper()
	store := notify.NewStore(notify.DefaultLimit, nil)
	svc := NewMonitorService(nil, backend, store, engine.NewAlerter(store, nil), Settings{
		Mode:               feed.ModePoll,
		SensorInterval:     5 * time.Millisecond,
		PredictionInterval: 5 * time.Millisecond,
	})
	t.Cleanup(svc.Close)
	return svc
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func fleet() []models.Machine {
	return []models.Machine{
		{ID: 1, Label: "Lathe A", Active: true},
		{ID: 2, Label: "Press", Active: false},
		{ID: 3, Label: "Lathe B", Active: true},
	}
}

func predictionsFrom(values ...float64) []models.Prediction {
	out := make([]models.Prediction, len(values))
	for i, v := range values {
		out[i] = models.Prediction{Timestamp: t0.Add(time.Duration(i) * time.Hour), Value: models.Float(v)}
	}
	return out
}

func TestListMachinesFilters(t *testing.T) {
	svc := newTestService(t, &backendStub{machines: fleet()})

	got, err := svc.ListMachines(context.Background(), models.MachineFilter{Search: "lathe", Status: models.StatusActive})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0].ID != 1 || got[1].ID != 3 {
		t.Fatalf("unexpected machines %+v", got)
	}

	inactive, _ := svc.ListMachines(context.Background(), models.MachineFilter{Status: models.StatusInactive})
	if len(inactive) != 1 || inactive[0].ID != 2 {
		t.Fatalf("unexpected inactive machines %+v", inactive)
	}
}

func TestOverviewCountsAlertingMachines(t *testing.T) {
	svc := newTestService(t, &backendStub{machines: fleet()})
	store := svc.Store()
	store.Append(1, models.SeverityCritical, "hot", t0)
	store.Append(2, models.SeverityWarning, "warm", t0)
	read := store.Append(3, models.SeverityCritical, "old", t0)
	store.MarkRead(read.ID)

	overview, err := svc.Overview(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := models.StatusOverview{Total: 3, Active: 2, Inactive: 1, Alerting: 1}
	if overview != want {
		t.Fatalf("overview %+v, want %+v", overview, want)
	}
}

func TestStartMonitoringPollsAndRaisesNotifications(t *testing.T) {
	backend := &backendStub{
		machines: fleet(),
		sensors: []models.SensorSample{
			{Timestamp: t0, Temperature: models.Float(25), Vibration: models.Float(1), Load: models.Float(20), PowerConsumption: models.Float(5)},
			{Timestamp: t0.Add(5 * time.Second), Temperature: models.Float(42.5), Load: models.Float(75)},
		},
		predictions: predictionsFrom(0.2, 0.55, 0.85, 0.3),
	}
	svc := newTestService(t, backend)

	status, err := svc.StartMonitoring(context.Background(), 1, MonitorRequest{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if status.Sensors.Mode != feed.ModePoll {
		t.Fatalf("unexpected status %+v", status)
	}

	waitFor(t, "windows", func() bool {
		tel, _ := svc.Telemetry(1)
		preds, _ := svc.Predictions(1)
		return len(tel.Window) == 2 && len(preds.Window) == 4
	})
	waitFor(t, "several polls", func() bool { return backend.fetches.Load() >= 3 })

	notes := svc.Store().ForMachine(1)
	if len(notes) != 3 {
		t.Fatalf("expected 3 notifications, got %+v", notes)
	}
	var critical, warning int
	for _, n := range notes {
		switch n.Severity {
		case models.SeverityCritical:
			critical++
		case models.SeverityWarning:
			warning++
		}
	}
	if critical != 2 || warning != 1 {
		t.Fatalf("unexpected severities %+v", notes)
	}
	found := false
	for _, n := range notes {
		found = found || n.Message == "Critical sensor reading - temperature 42.5°C, load 75.0%"
	}
	if !found {
		t.Fatalf("missing sensor notification %+v", notes)
	}
}

func TestPolledPredictionBatchSharingTimestamp(t *testing.T) {
	preds := predictionsFrom(0.2, 0.55, 0.85, 0.3)
	for i := range preds {
		preds[i].Timestamp = t0
	}
	backend := &backendStub{machines: fleet(), predictions: preds}
	svc := newTestService(t, backend)

	if _, err := svc.StartMonitoring(context.Background(), 1, MonitorRequest{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "prediction window", func() bool {
		snap, _ := svc.Predictions(1)
		return len(snap.Window) == 4
	})
	waitFor(t, "several polls", func() bool { return backend.fetches.Load() >= 3 })

	snap, _ := svc.Predictions(1)
	if len(snap.Window) != 4 {
		t.Fatalf("expected repeated batches to be skipped, window %+v", snap.Window)
	}
	notes := svc.Store().ForMachine(1)
	if len(notes) != 2 {
		t.Fatalf("expected warning and critical notifications, got %+v", notes)
	}
	// newest first
	if notes[0].Severity != models.SeverityCritical || notes[1].Severity != models.SeverityWarning {
		t.Fatalf("unexpected severities %+v", notes)
	}
}

func TestStartMonitoringUnknownMachine(t *testing.T) {
	svc := newTestService(t, &backendStub{machines: fleet()})

	_, err := svc.StartMonitoring(context.Background(), 99, MonitorRequest{})
	if HTTPStatus(err) != http.StatusNotFound {
		t.Fatalf("expected 404 mapping, got %d (%v)", HTTPStatus(err), err)
	}
	if _, err := svc.Telemetry(99); !errors.Is(err, ErrMachineNotMonitored) {
		t.Fatalf("expected no feeds for unknown machine, got %v", err)
	}
}

func TestStartMonitoringToleratesBackendOutage(t *testing.T) {
	backend := &backendStub{failLookup: &repo.UpstreamError{Kind: repo.KindTransient, Err: errors.New("refused")}}
	svc := newTestService(t, backend)

	if _, err := svc.StartMonitoring(context.Background(), 4, MonitorRequest{}); err != nil {
		t.Fatalf("transient lookup failures should not block monitoring: %v", err)
	}
	status, err := svc.Status(4)
	if err != nil || status.Sensors.State != feed.StateActive {
		t.Fatalf("unexpected status %+v, %v", status, err)
	}
}

func TestStreamModeFeedsWindowsAndFailsOnEnd(t *testing.T) {
	backend := &backendStub{
		machines:    fleet(),
		sensorFrame: "data: {\"temperature\":28,\"vibration\":2,\"load\":30,\"power_consumption\":6}\n\ndata: {\"error\":\"sensor offline\"}\n\n",
	}
	svc := newTestService(t, backend)

	if _, err := svc.StartMonitoring(context.Background(), 1, MonitorRequest{Mode: feed.ModeStream}); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, "sensor stream end", func() bool {
		tel, _ := svc.Telemetry(1)
		return tel.State == feed.StateError
	})
	tel, _ := svc.Telemetry(1)
	if len(tel.Window) != 1 || tel.Mode != feed.ModeStream {
		t.Fatalf("unexpected telemetry %+v", tel)
	}

	waitFor(t, "prediction notifications", func() bool { return len(svc.Store().ForMachine(1)) == 2 })
	notes := svc.Store().ForMachine(1)
	if notes[0].Severity != models.SeverityCritical || notes[1].Severity != models.SeverityWarning {
		t.Fatalf("unexpected notifications %+v", notes)
	}
	preds, _ := svc.Predictions(1)
	if preds.State != feed.StateActive || len(preds.Window) != 4 {
		t.Fatalf("unexpected prediction feed %+v", preds)
	}
}

func TestStopMonitoring(t *testing.T) {
	backend := &backendStub{machines: fleet(), predictions: predictionsFrom(0.1)}
	svc := newTestService(t, backend)

	if _, err := svc.StopMonitoring(1); !errors.Is(err, ErrMachineNotMonitored) {
		t.Fatalf("expected ErrMachineNotMonitored, got %v", err)
	}
	if _, err := svc.StartMonitoring(context.Background(), 1, MonitorRequest{Interval: time.Hour}); err != nil {
		t.Fatalf("start: %v", err)
	}
	status, err := svc.StopMonitoring(1)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if status.Sensors.State != feed.StateIdle || status.Predictions.State != feed.StateIdle {
		t.Fatalf("expected idle feeds, got %+v", status)
	}
	if got := svc.Monitored(); len(got) != 1 || got[0].MachineID != 1 {
		t.Fatalf("stopped machines stay listed, got %+v", got)
	}
}

func TestReconfigureKeepsSingleFeedPair(t *testing.T) {
	svc := newTestService(t, &backendStub{machines: fleet()})
	ctx := context.Background()

	if _, err := svc.StartMonitoring(ctx, 1, MonitorRequest{Interval: time.Hour}); err != nil {
		t.Fatalf("start: %v", err)
	}
	status, err := svc.StartMonitoring(ctx, 1, MonitorRequest{Interval: 2 * time.Hour})
	if err != nil {
		t.Fatalf("reconfigure: %v", err)
	}
	if status.Sensors.Interval != "2h0m0s" || status.Sensors.State != feed.StateActive {
		t.Fatalf("unexpected status %+v", status)
	}
	if got := len(svc.Monitored()); got != 1 {
		t.Fatalf("expected one monitored machine, got %d", got)
	}
}

func TestResetSimulation(t *testing.T) {
	backend := &backendStub{}
	svc := newTestService(t, backend)
	if err := svc.ResetSimulation(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if backend.resets != 1 {
		t.Fatalf("expected one reset, got %d", backend.resets)
	}
}

func TestAutostartSkipsFailures(t *testing.T) {
	svc := newTestService(t, &backendStub{machines: fleet()})
	svc.Autostart(context.Background(), []int{1, 99, 3})

	got := svc.Monitored()
	if len(got) != 2 || got[0].MachineID != 1 || got[1].MachineID != 3 {
		t.Fatalf("unexpected monitored machines %+v", got)
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{ErrInvalidMachineID, http.StatusBadRequest},
		{ErrMachineNotMonitored, http.StatusNotFound},
		{&repo.UpstreamError{Kind: repo.KindServer, StatusCode: 500}, http.StatusBadGateway},
		{&repo.UpstreamError{Kind: repo.KindUnavailable}, http.StatusServiceUnavailable},
		{&repo.UpstreamError{Kind: repo.KindMalformed}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.err); got != tc.want {
			t.Fatalf("HTTPStatus(%v)=%d want %d", tc.err, got, tc.want)
		}
	}
}
