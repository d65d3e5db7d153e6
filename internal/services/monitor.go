package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/miradorstack/machine-monitor/internal/engine"
	"github.com/miradorstack/machine-monitor/internal/extractors"
	"github.com/miradorstack/machine-monitor/internal/feed"
	"github.com/miradorstack/machine-monitor/internal/models"
	"github.com/miradorstack/machine-monitor/internal/notify"
	"github.com/miradorstack/machine-monitor/internal/repo"
	"github.com/miradorstack/machine-monitor/internal/stream"
	"github.com/miradorstack/machine-monitor/internal/utils"
)

const (
	kindSensors     = "sensors"
	kindPredictions = "predictions"
)

var (
	// ErrMachineNotMonitored is returned for machines without feeds.
	ErrMachineNotMonitored = errors.New("machine not monitored")
	// ErrInvalidMachineID is returned for non-positive machine ids.
	ErrInvalidMachineID = errors.New("invalid machine id")
	// ErrUnknownAction is returned for unsupported operator actions.
	ErrUnknownAction = errors.New("unknown machine action")
)

// Backend is the subset of the prediction backend the monitor depends on.
type Backend interface {
	ListMachines(ctx context.Context) ([]models.Machine, error)
	GetMachine(ctx context.Context, machineID int) (models.Machine, error)
	FetchSensorData(ctx context.Context, machineID int) ([]models.SensorSample, error)
	Simulate(ctx context.Context, machineID int) (models.SimulationResult, error)
	ResetSimulation(ctx context.Context) error
	OpenSensorStream(ctx context.Context, machineID int) (io.ReadCloser, error)
	OpenPredictionStream(ctx context.Context, machineID int) (io.ReadCloser, error)
}

// Settings are the defaults applied to new feeds.
type Settings struct {
	Mode               feed.Mode
	SensorInterval     time.Duration
	PredictionInterval time.Duration
	SensorWindow       int
	PredictionWindow   int
}

// MonitorRequest starts or reconfigures monitoring. Zero fields keep the defaults.
type MonitorRequest struct {
	Mode               feed.Mode
	Interval           time.Duration
	PredictionInterval time.Duration
}

// FeedStatus summarises one feed.
type FeedStatus struct {
	Mode      feed.Mode  `json:"mode"`
	Interval  string     `json:"interval,omitempty"`
	State     feed.State `json:"state"`
	Samples   int        `json:"samples"`
	LastError string     `json:"last_error,omitempty"`
}

// MonitorStatus summarises both feeds of a machine.
type MonitorStatus struct {
	MachineID   int        `json:"machine_id"`
	Sensors     FeedStatus `json:"sensors"`
	Predictions FeedStatus `json:"predictions"`
}

type machineFeeds struct {
	sensors     *feed.Feed[models.SensorSample]
	predictions *feed.Feed[models.Prediction]
}

// MonitorService owns the per-machine feeds and answers dashboard queries.
type MonitorService struct {
	logger   *slog.Logger
	backend  Backend
	store    *notify.Store
	alerter  *engine.Alerter
	settings Settings
	now      func() time.Time

	extractor *extractors.MetricExtractor
	rules     *engine.RuleEngine

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	machines map[int]*machineFeeds
}

// NewMonitorService constructs the monitor facade.
func NewMonitorService(logger *slog.Logger, backend Backend, store *notify.Store, alerter *engine.Alerter, settings Settings) *MonitorService {
	if logger == nil {
		logger = slog.Default()
	}
	if settings.Mode == "" {
		settings.Mode = feed.ModePoll
	}
	if settings.SensorInterval <= 0 {
		settings.SensorInterval = 5 * time.Second
	}
	if settings.PredictionInterval <= 0 {
		settings.PredictionInterval = 30 * time.Second
	}
	if settings.SensorWindow <= 0 {
		settings.SensorWindow = 20
	}
	if settings.PredictionWindow <= 0 {
		settings.PredictionWindow = 24
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MonitorService{
		logger:    logger,
		backend:   backend,
		store:     store,
		alerter:   alerter,
		settings:  settings,
		now:       time.Now,
		extractor: extractors.NewMetricExtractor(),
		rules:     engine.NewDefaultRuleEngine(logger),
		baseCtx:   ctx,
		cancel:    cancel,
		machines:  make(map[int]*machineFeeds),
	}
}

// Store returns the notification store shared with the feeds.
func (s *MonitorService) Store() *notify.Store { return s.store }

// ListMachines returns the machines matching filter.
func (s *MonitorService) ListMachines(ctx context.Context, filter models.MachineFilter) ([]models.Machine, error) {
	machines, err := s.backend.ListMachines(ctx)
	if err != nil {
		return nil, utils.NewAppError("list machines", "backend request failed", err)
	}
	out := make([]models.Machine, 0, len(machines))
	for _, m := range machines {
		if filter.Match(m) {
			out = append(out, m)
		}
	}
	return out, nil
}

// Overview counts machines by status. A machine is alerting while it has an
// unread critical notification.
func (s *MonitorService) Overview(ctx context.Context) (models.StatusOverview, error) {
	machines, err := s.backend.ListMachines(ctx)
	if err != nil {
		return models.StatusOverview{}, utils.NewAppError("overview", "backend request failed", err)
	}

	alerting := make(map[int]bool)
	for _, n := range s.store.Snapshot() {
		if !n.Read && n.Severity == models.SeverityCritical {
			alerting[n.MachineID] = true
		}
	}

	var overview models.StatusOverview
	for _, m := range machines {
		overview.Total++
		if m.Active {
			overview.Active++
		} else {
			overview.Inactive++
		}
		if alerting[m.ID] {
			overview.Alerting++
		}
	}
	return overview, nil
}

// Machine returns one machine.
func (s *MonitorService) Machine(ctx context.Context, machineID int) (models.Machine, error) {
	if machineID <= 0 {
		return models.Machine{}, ErrInvalidMachineID
	}
	m, err := s.backend.GetMachine(ctx, machineID)
	if err != nil {
		return models.Machine{}, utils.NewAppError("get machine", fmt.Sprintf("machine %d lookup failed", machineID), err)
	}
	return m, nil
}

// StartMonitoring starts both feeds of a machine, or reconfigures them when
// they already run.
func (s *MonitorService) StartMonitoring(ctx context.Context, machineID int, req MonitorRequest) (MonitorStatus, error) {
	if machineID <= 0 {
		return MonitorStatus{}, ErrInvalidMachineID
	}
	if _, err := s.backend.GetMachine(ctx, machineID); err != nil {
		if repo.KindOf(err) == repo.KindClient {
			return MonitorStatus{}, utils.NewAppError("start monitoring", fmt.Sprintf("machine %d lookup failed", machineID), err)
		}
		s.logger.Warn("machine lookup failed, monitoring anyway",
			slog.Int("machine_id", machineID), slog.Any("error", err))
	}

	mode := req.Mode
	if mode == "" {
		mode = s.settings.Mode
	}
	sensorInterval := req.Interval
	if sensorInterval <= 0 {
		sensorInterval = s.settings.SensorInterval
	}
	predictionInterval := req.PredictionInterval
	if predictionInterval <= 0 {
		predictionInterval = s.settings.PredictionInterval
	}

	feeds, err := s.feedsFor(machineID)
	if err != nil {
		return MonitorStatus{}, err
	}

	if err := apply(s.baseCtx, feeds.sensors, feed.Settings{MachineID: machineID, Mode: mode, Interval: sensorInterval}); err != nil {
		return MonitorStatus{}, utils.NewAppError("start monitoring", "sensor feed failed to start", err)
	}
	if err := apply(s.baseCtx, feeds.predictions, feed.Settings{MachineID: machineID, Mode: mode, Interval: predictionInterval}); err != nil {
		feeds.sensors.Stop()
		return MonitorStatus{}, utils.NewAppError("start monitoring", "prediction feed failed to start", err)
	}

	s.logger.Info("monitoring started",
		slog.Int("machine_id", machineID),
		slog.String("mode", string(mode)))
	return statusOf(machineID, feeds), nil
}

// apply reconfigures an active feed, or sets and starts an idle one.
func apply[T feed.Sample](ctx context.Context, f *feed.Feed[T], settings feed.Settings) error {
	if f.State() == feed.StateActive {
		return f.Reconfigure(settings)
	}
	if err := f.Reconfigure(settings); err != nil {
		return err
	}
	err := f.Start(ctx)
	if errors.Is(err, feed.ErrAlreadyActive) {
		return f.Reconfigure(settings)
	}
	return err
}

// StopMonitoring stops both feeds of a machine. Collected windows are kept.
func (s *MonitorService) StopMonitoring(machineID int) (MonitorStatus, error) {
	feeds, ok := s.lookup(machineID)
	if !ok {
		return MonitorStatus{}, ErrMachineNotMonitored
	}
	feeds.sensors.Stop()
	feeds.predictions.Stop()
	s.logger.Info("monitoring stopped", slog.Int("machine_id", machineID))
	return statusOf(machineID, feeds), nil
}

// Status returns the feed summary of a monitored machine.
func (s *MonitorService) Status(machineID int) (MonitorStatus, error) {
	feeds, ok := s.lookup(machineID)
	if !ok {
		return MonitorStatus{}, ErrMachineNotMonitored
	}
	return statusOf(machineID, feeds), nil
}

// Monitored lists every machine with feeds, ordered by id.
func (s *MonitorService) Monitored() []MonitorStatus {
	s.mu.Lock()
	ids := make([]int, 0, len(s.machines))
	feeds := make(map[int]*machineFeeds, len(s.machines))
	for id, f := range s.machines {
		ids = append(ids, id)
		feeds[id] = f
	}
	s.mu.Unlock()

	sort.Ints(ids)
	out := make([]MonitorStatus, 0, len(ids))
	for _, id := range ids {
		out = append(out, statusOf(id, feeds[id]))
	}
	return out
}

// Telemetry returns the sensor window of a machine.
func (s *MonitorService) Telemetry(machineID int) (feed.Snapshot[models.SensorSample], error) {
	feeds, ok := s.lookup(machineID)
	if !ok {
		return feed.Snapshot[models.SensorSample]{}, ErrMachineNotMonitored
	}
	return feeds.sensors.Snapshot(), nil
}

// Predictions returns the prediction window of a machine.
func (s *MonitorService) Predictions(machineID int) (feed.Snapshot[models.Prediction], error) {
	feeds, ok := s.lookup(machineID)
	if !ok {
		return feed.Snapshot[models.Prediction]{}, ErrMachineNotMonitored
	}
	return feeds.predictions.Snapshot(), nil
}

// ResetSimulation restarts the backend simulation.
func (s *MonitorService) ResetSimulation(ctx context.Context) error {
	if err := s.backend.ResetSimulation(ctx); err != nil {
		return utils.NewAppError("reset simulation", "backend request failed", err)
	}
	s.logger.Info("simulation reset")
	return nil
}

// Autostart starts monitoring for each id with the default settings. Failures
// are logged and do not stop the remaining machines.
func (s *MonitorService) Autostart(ctx context.Context, machineIDs []int) {
	for _, id := range machineIDs {
		if _, err := s.StartMonitoring(ctx, id, MonitorRequest{}); err != nil {
			s.logger.Warn("autostart failed", slog.Int("machine_id", id), slog.Any("error", err))
		}
	}
}

// Close stops every feed and waits for their goroutines.
func (s *MonitorService) Close() {
	s.mu.Lock()
	all := make([]*machineFeeds, 0, len(s.machines))
	for _, f := range s.machines {
		all = append(all, f)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, f := range all {
		wg.Add(2)
		go func(f *machineFeeds) {
			defer wg.Done()
			f.sensors.Close()
		}(f)
		go func(f *machineFeeds) {
			defer wg.Done()
			f.predictions.Close()
		}(f)
	}
	wg.Wait()
	s.cancel()
}

func (s *MonitorService) lookup(machineID int) (*machineFeeds, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.machines[machineID]
	return f, ok
}

func (s *MonitorService) feedsFor(machineID int) (*machineFeeds, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.machines[machineID]; ok {
		return f, nil
	}

	sensors, err := feed.New(feed.Config[models.SensorSample]{
		Kind:     kindSensors,
		Settings: feed.Settings{MachineID: machineID, Mode: s.settings.Mode, Interval: s.settings.SensorInterval},
		Capacity: s.settings.SensorWindow,
		Factory:  s.sensorStrategy,
		Observer: func(id int, batch []models.SensorSample) { s.alerter.ObserveSensors(id, batch) },
		Logger:   s.logger,
	})
	if err != nil {
		return nil, err
	}
	predictions, err := feed.New(feed.Config[models.Prediction]{
		Kind:     kindPredictions,
		Settings: feed.Settings{MachineID: machineID, Mode: s.settings.Mode, Interval: s.settings.PredictionInterval},
		Capacity: s.settings.PredictionWindow,
		Factory:  s.predictionStrategy,
		Observer: func(id int, batch []models.Prediction) { s.alerter.ObservePredictions(id, batch) },
		Logger:   s.logger,
	})
	if err != nil {
		return nil, err
	}

	f := &machineFeeds{sensors: sensors, predictions: predictions}
	s.machines[machineID] = f
	return f, nil
}

func (s *MonitorService) sensorStrategy(settings feed.Settings) (feed.Strategy[models.SensorSample], error) {
	id := settings.MachineID
	switch settings.Mode {
	case feed.ModePoll:
		return feed.PollStrategy[models.SensorSample]{
			Interval: settings.Interval,
			Fetch: func(ctx context.Context) ([]models.SensorSample, error) {
				return s.backend.FetchSensorData(ctx, id)
			},
		}, nil
	case feed.ModeStream:
		return feed.StreamStrategy[models.SensorSample]{
			Open: func(ctx context.Context) (io.ReadCloser, error) {
				return s.backend.OpenSensorStream(ctx, id)
			},
			Decode: func(ev stream.Event) ([]models.SensorSample, error) {
				if ev.Type == "error" {
					return nil, fmt.Errorf("sensor stream error: %s", ev.Data)
				}
				return repo.DecodeSensorEvent(id, []byte(ev.Data), s.now().UTC())
			},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported feed mode %q", settings.Mode)
	}
}

func (s *MonitorService) predictionStrategy(settings feed.Settings) (feed.Strategy[models.Prediction], error) {
	id := settings.MachineID
	switch settings.Mode {
	case feed.ModePoll:
		return feed.PollStrategy[models.Prediction]{
			Interval: settings.Interval,
			Fetch: func(ctx context.Context) ([]models.Prediction, error) {
				result, err := s.backend.Simulate(ctx, id)
				if err != nil {
					return nil, err
				}
				return result.Predictions, nil
			},
		}, nil
	case feed.ModeStream:
		return feed.StreamStrategy[models.Prediction]{
			Open: func(ctx context.Context) (io.ReadCloser, error) {
				return s.backend.OpenPredictionStream(ctx, id)
			},
			Decode: func(ev stream.Event) ([]models.Prediction, error) {
				if ev.Type == "error" {
					return nil, fmt.Errorf("prediction stream error: %s", ev.Data)
				}
				return repo.DecodePredictionEvent([]byte(ev.Data), s.now().UTC())
			},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported feed mode %q", settings.Mode)
	}
}

func statusOf(machineID int, f *machineFeeds) MonitorStatus {
	return MonitorStatus{
		MachineID:   machineID,
		Sensors:     feedStatus(f.sensors.Snapshot()),
		Predictions: feedStatus(f.predictions.Snapshot()),
	}
}

func feedStatus[T any](snap feed.Snapshot[T]) FeedStatus {
	return FeedStatus{
		Mode:      snap.Mode,
		Interval:  snap.Interval,
		State:     snap.State,
		Samples:   len(snap.Window),
		LastError: snap.LastError,
	}
}

// HTTPStatus maps a service error to the response status code.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidMachineID), errors.Is(err, ErrUnknownAction):
		return http.StatusBadRequest
	case errors.Is(err, ErrMachineNotMonitored):
		return http.StatusNotFound
	}
	var upstream *repo.UpstreamError
	if errors.As(err, &upstream) {
		switch upstream.Kind {
		case repo.KindClient:
			if upstream.StatusCode >= 400 && upstream.StatusCode < 500 {
				return upstream.StatusCode
			}
			return http.StatusBadRequest
		case repo.KindUnavailable:
			return http.StatusServiceUnavailable
		default:
			return http.StatusBadGateway
		}
	}
	return http.StatusInternalServerError
}
