package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/miradorstack/machine-monitor/internal/engine"
	"github.com/miradorstack/machine-monitor/internal/feed"
	"github.com/miradorstack/machine-monitor/internal/models"
	"github.com/miradorstack/machine-monitor/internal/notify"
	"github.com/miradorstack/machine-monitor/internal/repo"
	"github.com/miradorstack/machine-monitor/internal/services"
)

type backendStub struct {
	resetErr error
}

var machines = []models.Machine{
	{ID: 1, Label: "CNC Mill", Active: true},
	{ID: 2, Label: "Press", Active: false},
}

func (b *backendStub) ListMachines(context.Context) ([]models.Machine, error) {
	return append([]models.Machine(nil), machines...), nil
}

func (b *backendStub) GetMachine(_ context.Context, id int) (models.Machine, error) {
	for _, m := range machines {
		if m.ID == id {
			return m, nil
		}
	}
	return models.Machine{}, &repo.UpstreamError{Kind: repo.KindClient, StatusCode: http.StatusNotFound, Message: "Machine not found"}
}

func (b *backendStub) FetchSensorData(_ context.Context, id int) ([]models.SensorSample, error) {
	return []models.SensorSample{{MachineID: id, Timestamp: time.Unix(1_772_000_000, 0).UTC(), Temperature: models.Float(31)}}, nil
}

func (b *backendStub) Simulate(context.Context, int) (models.SimulationResult, error) {
	return models.SimulationResult{Predictions: []models.Prediction{{Timestamp: time.Unix(1_772_000_000, 0).UTC(), Value: models.Float(0.9)}}}, nil
}

func (b *backendStub) ResetSimulation(context.Context) error { return b.resetErr }

func (b *backendStub) OpenSensorStream(context.Context, int) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (b *backendStub) OpenPredictionStream(context.Context, int) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

type healthStub struct{ open bool }

func (h healthStub) BreakerOpen() bool         { return h.open }
func (h healthStub) LatencyP95() time.Duration { return 120 * time.Millisecond }

type fixture struct {
	server  *httptest.Server
	store   *notify.Store
	alerter *engine.Alerter
	service *services.MonitorService
}

func newFixture(t *testing.T, backend *backendStub) *fixture {
	t.Helper()
	store := notify.NewStore(notify.DefaultLimit, nil)
	alerter := engine.NewAlerter(store, nil)
	svc := services.NewMonitorService(nil, backend, store, alerter, services.Settings{
		Mode:               feed.ModePoll,
		SensorInterval:     time.Hour,
		PredictionInterval: time.Hour,
	})
	router := NewRouter(RouterOptions{Health: healthStub{}},
		NewMachineHandler(svc, nil),
		NewNotificationHandler(store, alerter))
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		svc.Close()
	})
	return &fixture{server: srv, store: store, alerter: alerter, service: svc}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return out
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

func TestHealthz(t *testing.T) {
	f := newFixture(t, &backendStub{})
	resp, data := f.do(t, http.MethodGet, "/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	health := decode[healthResponse](t, data)
	if health.Status != "ok" || health.BackendP95Millis != 120 {
		t.Fatalf("unexpected health %+v", health)
	}
}

func TestListMachinesWithFilter(t *testing.T) {
	f := newFixture(t, &backendStub{})
	resp, data := f.do(t, http.MethodGet, "/api/machines?status=active&search=cnc", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", resp.StatusCode, data)
	}
	body := decode[struct {
		Machines []models.Machine `json:"machines"`
	}](t, data)
	if len(body.Machines) != 1 || body.Machines[0].ID != 1 {
		t.Fatalf("unexpected machines %+v", body.Machines)
	}
}

func TestGetMachineErrors(t *testing.T) {
	f := newFixture(t, &backendStub{})

	resp, data := f.do(t, http.MethodGet, "/api/machines/abc", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if msg := decode[errorResponse](t, data).Message; msg == "" {
		t.Fatalf("expected message body")
	}

	resp, data = f.do(t, http.MethodGet, "/api/machines/42", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", resp.StatusCode, data)
	}
	if msg := decode[errorResponse](t, data).Message; !strings.Contains(msg, "Machine not found") {
		t.Fatalf("expected upstream message, got %q", msg)
	}
}

func TestMonitorLifecycle(t *testing.T) {
	f := newFixture(t, &backendStub{})

	resp, data := f.do(t, http.MethodGet, "/api/machines/1/telemetry", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 before monitoring, got %d", resp.StatusCode)
	}

	resp, data = f.do(t, http.MethodPost, "/api/machines/1/monitor", `{"mode":"poll","interval":"1h"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start failed %d: %s", resp.StatusCode, data)
	}
	status := decode[services.MonitorStatus](t, data)
	if status.Sensors.State != feed.StateActive || status.Sensors.Interval != "1h0m0s" {
		t.Fatalf("unexpected status %+v", status)
	}

	waitFor(t, "telemetry", func() bool {
		snap, _ := f.service.Telemetry(1)
		preds, _ := f.service.Predictions(1)
		return len(snap.Window) == 1 && len(preds.Window) == 1
	})

	resp, data = f.do(t, http.MethodGet, "/api/machines/1/telemetry", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("telemetry failed %d", resp.StatusCode)
	}
	snap := decode[feed.Snapshot[models.SensorSample]](t, data)
	if len(snap.Window) != 1 || snap.Latest == nil || snap.Capacity != 20 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	resp, data = f.do(t, http.MethodGet, "/api/machines/1/predictions", "")
	preds := decode[feed.Snapshot[models.Prediction]](t, data)
	if resp.StatusCode != http.StatusOK || len(preds.Window) != 1 || preds.Capacity != 24 {
		t.Fatalf("unexpected predictions %d %+v", resp.StatusCode, preds)
	}

	resp, data = f.do(t, http.MethodGet, "/api/machines/1/diagnostics", "")
	diag := decode[services.Diagnostics](t, data)
	if resp.StatusCode != http.StatusOK || diag.Samples != 1 || len(diag.Diagnoses) != 1 || diag.Diagnoses[0].Diagnosis != "Overheating Risk" {
		t.Fatalf("unexpected diagnostics %d %+v", resp.StatusCode, diag)
	}
	resp, _ = f.do(t, http.MethodGet, "/api/machines/1/diagnostics?threshold=-1", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad threshold, got %d", resp.StatusCode)
	}

	resp, _ = f.do(t, http.MethodPost, "/api/machines/1/monitor", `{"mode":"carrier-pigeon"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad mode, got %d", resp.StatusCode)
	}

	resp, data = f.do(t, http.MethodDelete, "/api/machines/1/monitor", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop failed %d", resp.StatusCode)
	}
	if stopped := decode[services.MonitorStatus](t, data); stopped.Sensors.State != feed.StateIdle {
		t.Fatalf("unexpected stop status %+v", stopped)
	}
}

func TestNotificationEndpoints(t *testing.T) {
	f := newFixture(t, &backendStub{})
	first := f.store.Append(1, models.SeverityWarning, "Moderate probability of failure: 55.00%", time.Time{})
	f.store.Append(2, models.SeverityCritical, "High probability of failure: 85.00%", time.Time{})

	resp, data := f.do(t, http.MethodGet, "/api/notifications?machine_id=1", "")
	list := decode[struct {
		Notifications []models.Notification `json:"notifications"`
	}](t, data)
	if resp.StatusCode != http.StatusOK || len(list.Notifications) != 1 || list.Notifications[0].ID != first.ID {
		t.Fatalf("unexpected machine filter %+v", list)
	}

	resp, _ = f.do(t, http.MethodPost, "/api/notifications/"+first.ID+"/read", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodPost, "/api/notifications/missing/read", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}

	_, data = f.do(t, http.MethodGet, "/api/notifications?unread=true", "")
	list = decode[struct {
		Notifications []models.Notification `json:"notifications"`
	}](t, data)
	if len(list.Notifications) != 1 || list.Notifications[0].MachineID != 2 {
		t.Fatalf("unexpected unread list %+v", list)
	}

	_, data = f.do(t, http.MethodGet, "/api/notifications/unread-count", "")
	if count := decode[map[string]int](t, data)["unread"]; count != 1 {
		t.Fatalf("expected 1 unread, got %d", count)
	}

	_, data = f.do(t, http.MethodPost, "/api/notifications/read-all", "")
	if updated := decode[map[string]int](t, data)["updated"]; updated != 1 {
		t.Fatalf("expected 1 updated, got %d", updated)
	}

	resp, _ = f.do(t, http.MethodDelete, "/api/notifications", "")
	if resp.StatusCode != http.StatusNoContent || f.store.Len() != 0 {
		t.Fatalf("expected store cleared, status %d len %d", resp.StatusCode, f.store.Len())
	}

	resp, _ = f.do(t, http.MethodGet, "/api/notifications?machine_id=x", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad machine id, got %d", resp.StatusCode)
	}
}

func TestOverviewAndActions(t *testing.T) {
	f := newFixture(t, &backendStub{})

	resp, data := f.do(t, http.MethodPost, "/api/machines/2/actions", `{"action":"emergency_stop"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("action failed %d: %s", resp.StatusCode, data)
	}
	n := decode[models.Notification](t, data)
	if n.Severity != models.SeverityCritical || n.MachineID != 2 {
		t.Fatalf("unexpected notification %+v", n)
	}

	resp, _ = f.do(t, http.MethodPost, "/api/machines/2/actions", `{"action":"launch"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown action, got %d", resp.StatusCode)
	}

	_, data = f.do(t, http.MethodGet, "/api/machines/overview", "")
	overview := decode[models.StatusOverview](t, data)
	want := models.StatusOverview{Total: 2, Active: 1, Inactive: 1, Alerting: 1}
	if overview != want {
		t.Fatalf("overview %+v, want %+v", overview, want)
	}
}

func TestMuteToggle(t *testing.T) {
	f := newFixture(t, &backendStub{})

	resp, data := f.do(t, http.MethodPut, "/api/notifications/mute", `{"muted":true}`)
	if resp.StatusCode != http.StatusOK || !decode[muteState](t, data).Muted || !f.alerter.Muted() {
		t.Fatalf("expected muted, status %d body %s", resp.StatusCode, data)
	}
	_, data = f.do(t, http.MethodGet, "/api/notifications/mute", "")
	if !decode[muteState](t, data).Muted {
		t.Fatalf("expected mute state to persist")
	}
}

func TestResetSimulationMapsUpstreamErrors(t *testing.T) {
	f := newFixture(t, &backendStub{resetErr: &repo.UpstreamError{Kind: repo.KindUnavailable, Message: "backend circuit open"}})

	resp, data := f.do(t, http.MethodPost, "/api/simulation/reset", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", resp.StatusCode, data)
	}
}

func TestIntervalDecoding(t *testing.T) {
	var body monitorRequest
	if err := json.NewDecoder(bytes.NewBufferString(`{"interval":1500,"prediction_interval":"2m"}`)).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if time.Duration(body.Interval) != 1500*time.Millisecond || time.Duration(body.PredictionInterval) != 2*time.Minute {
		t.Fatalf("unexpected intervals %+v", body)
	}
	if err := json.Unmarshal([]byte(`{"interval":"soon"}`), &body); err == nil {
		t.Fatalf("expected error for invalid interval")
	}
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t, &backendStub{})
	resp, data := f.do(t, http.MethodGet, "/api/nope", "")
	if resp.StatusCode != http.StatusNotFound || decode[errorResponse](t, data).Message == "" {
		t.Fatalf("expected JSON 404, got %d %s", resp.StatusCode, data)
	}
}
