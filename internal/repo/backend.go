package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/miradorstack/machine-monitor/internal/cache"
	"github.com/miradorstack/machine-monitor/internal/metrics"
	"github.com/miradorstack/machine-monitor/internal/models"
	"github.com/miradorstack/machine-monitor/internal/utils"
)

// BreakerName identifies the backend breaker in metrics and health checks.
const BreakerName = "backend"

const maxBodyBytes = 8 << 20

const (
	endpointMachines         = "machines"
	endpointMachine          = "machine"
	endpointSensorData       = "sensor_data"
	endpointSimulate         = "simulate"
	endpointReset            = "reset"
	endpointSensorStream     = "sensor_stream"
	endpointPredictionStream = "prediction_stream"
)

// Paths are the backend routes relative to the base URL. {id} is replaced by
// the machine id.
type Paths struct {
	Machines         string
	Machine          string
	SensorData       string
	Simulate         string
	Reset            string
	SensorStream     string
	PredictionStream string
}

// DefaultPaths returns the routes served by the prediction backend.
func DefaultPaths() Paths {
	return Paths{
		Machines:         "/dashboard/machines",
		Machine:          "/dashboard/machines/{id}",
		SensorData:       "/simulation/data/{id}",
		Simulate:         "/simulation/simulate",
		Reset:            "/simulation/reset",
		SensorStream:     "/simulation/sensor-stream/{id}",
		PredictionStream: "/simulation/prediction-stream/{id}",
	}
}

// BreakerSettings configure the circuit breaker. A zero ConsecutiveFailures
// disables it.
type BreakerSettings struct {
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
	HalfOpenRequests    uint32
	// OnStateChange is called with true when the breaker opens and false when it closes.
	OnStateChange func(open bool)
}

// Options configure a BackendClient.
type Options struct {
	BaseURL     string
	Paths       Paths
	Timeout     time.Duration
	Retry       RetryPolicy
	Breaker     BreakerSettings
	Cache       cache.Provider
	MachinesTTL time.Duration
	Logger      *slog.Logger
}

// BackendClient talks JSON over HTTP to the machine prediction backend.
type BackendClient struct {
	baseURL      string
	paths        Paths
	httpClient   *http.Client
	streamClient *http.Client
	retry        RetryPolicy
	sleep        func(ctx context.Context, d time.Duration) error
	now          func() time.Time
	breaker      *gobreaker.CircuitBreaker
	cache        cache.Provider
	machinesTTL  time.Duration
	latency      *utils.LatencyTracker
	logger       *slog.Logger
}

// NewBackendClient constructs a client targeting the configured backend instance.
func NewBackendClient(opts Options) *BackendClient {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Cache == nil {
		opts.Cache = cache.NoopProvider{}
	}
	if opts.Paths == (Paths{}) {
		opts.Paths = DefaultPaths()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Retry.MaxRetries < 0 {
		opts.Retry.MaxRetries = 0
	}

	c := &BackendClient{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		paths:        opts.Paths,
		httpClient:   &http.Client{Timeout: opts.Timeout},
		streamClient: &http.Client{},
		retry:        opts.Retry,
		sleep:        sleepContext,
		now:          time.Now,
		cache:        opts.Cache,
		machinesTTL:  opts.MachinesTTL,
		latency:      utils.NewLatencyTracker(256),
		logger:       opts.Logger.With(slog.String("upstream", BreakerName)),
	}
	if opts.Breaker.ConsecutiveFailures > 0 {
		c.breaker = newBreaker(opts.Breaker, c.logger)
	}
	return c
}

func newBreaker(s BreakerSettings, logger *slog.Logger) *gobreaker.CircuitBreaker {
	metrics.SetBreakerState(BreakerName, metrics.BreakerClosed)
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        BreakerName,
		MaxRequests: s.HalfOpenRequests,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			switch KindOf(err) {
			case KindClient, KindMalformed:
				return true
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				slog.String("name", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))

			state := metrics.BreakerClosed
			switch to {
			case gobreaker.StateOpen:
				state = metrics.BreakerOpen
			case gobreaker.StateHalfOpen:
				state = metrics.BreakerHalfOpen
			}
			metrics.SetBreakerState(name, state)
			if s.OnStateChange != nil {
				s.OnStateChange(to == gobreaker.StateOpen)
			}
		},
	})
}

// BreakerOpen reports whether calls are currently being rejected.
func (c *BackendClient) BreakerOpen() bool {
	return c.breaker != nil && c.breaker.State() == gobreaker.StateOpen
}

// LatencyP95 returns the 95th percentile of recent request durations.
func (c *BackendClient) LatencyP95() time.Duration {
	return c.latency.Percentile(95)
}

// ListMachines returns every machine known to the backend, ordered by id.
func (c *BackendClient) ListMachines(ctx context.Context) ([]models.Machine, error) {
	const cacheKey = "machines"
	var machines []models.Machine
	if c.cacheGet(ctx, cacheKey, &machines) {
		return machines, nil
	}

	body, err := c.call(ctx, endpointMachines, http.MethodGet, c.resolvePath(c.paths.Machines, 0), nil)
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	machines, err = decodeMachines(body)
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	c.cacheSet(ctx, cacheKey, machines)
	return machines, nil
}

// GetMachine returns one machine.
func (c *BackendClient) GetMachine(ctx context.Context, machineID int) (models.Machine, error) {
	cacheKey := "machine:" + strconv.Itoa(machineID)
	var machine models.Machine
	if c.cacheGet(ctx, cacheKey, &machine) {
		return machine, nil
	}

	body, err := c.call(ctx, endpointMachine, http.MethodGet, c.resolvePath(c.paths.Machine, machineID), nil)
	if err != nil {
		return models.Machine{}, fmt.Errorf("get machine %d: %w", machineID, err)
	}
	machine, err = decodeMachine(body)
	if err != nil {
		return models.Machine{}, fmt.Errorf("get machine %d: %w", machineID, err)
	}
	c.cacheSet(ctx, cacheKey, machine)
	return machine, nil
}

// FetchSensorData returns the recent sensor history of a machine, oldest first.
func (c *BackendClient) FetchSensorData(ctx context.Context, machineID int) ([]models.SensorSample, error) {
	body, err := c.call(ctx, endpointSensorData, http.MethodGet, c.resolvePath(c.paths.SensorData, machineID), nil)
	if err != nil {
		return nil, fmt.Errorf("fetch sensor data for machine %d: %w", machineID, err)
	}
	samples, err := decodeSensorData(machineID, body)
	if err != nil {
		return nil, fmt.Errorf("fetch sensor data for machine %d: %w", machineID, err)
	}
	return samples, nil
}

// Simulate runs the prediction model for a machine.
func (c *BackendClient) Simulate(ctx context.Context, machineID int) (models.SimulationResult, error) {
	payload := map[string]any{"machine_id": machineID}
	body, err := c.call(ctx, endpointSimulate, http.MethodPost, c.resolvePath(c.paths.Simulate, machineID), payload)
	if err != nil {
		return models.SimulationResult{}, fmt.Errorf("simulate machine %d: %w", machineID, err)
	}
	result, err := decodeSimulation(body, c.now().UTC())
	if err != nil {
		return models.SimulationResult{}, fmt.Errorf("simulate machine %d: %w", machineID, err)
	}
	if result.Sensor != nil && result.Sensor.MachineID == 0 {
		result.Sensor.MachineID = machineID
	}
	return result, nil
}

// ResetSimulation restarts the backend simulation.
func (c *BackendClient) ResetSimulation(ctx context.Context) error {
	if _, err := c.call(ctx, endpointReset, http.MethodPost, c.resolvePath(c.paths.Reset, 0), map[string]any{}); err != nil {
		return fmt.Errorf("reset simulation: %w", err)
	}
	return nil
}

// OpenSensorStream opens the server-push sensor stream of a machine. The caller
// owns the returned body.
func (c *BackendClient) OpenSensorStream(ctx context.Context, machineID int) (io.ReadCloser, error) {
	return c.openStream(ctx, endpointSensorStream, c.resolvePath(c.paths.SensorStream, machineID))
}

// OpenPredictionStream opens the server-push prediction stream of a machine.
func (c *BackendClient) OpenPredictionStream(ctx context.Context, machineID int) (io.ReadCloser, error) {
	return c.openStream(ctx, endpointPredictionStream, c.resolvePath(c.paths.PredictionStream, machineID))
}

func (c *BackendClient) openStream(ctx context.Context, endpoint, target string) (io.ReadCloser, error) {
	var body io.ReadCloser
	open := func() error {
		start := time.Now()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return &UpstreamError{Kind: KindClient, Message: "build request", Err: err}
		}
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")

		resp, err := c.streamClient.Do(req)
		if err != nil {
			metrics.ObserveUpstream(endpoint, time.Since(start), metrics.OutcomeError)
			return transportError(ctx, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
			resp.Body.Close()
			metrics.ObserveUpstream(endpoint, time.Since(start), metrics.OutcomeError)
			return statusError(resp.StatusCode, errorMessage(data))
		}
		metrics.ObserveUpstream(endpoint, time.Since(start), metrics.OutcomeSuccess)
		body = resp.Body
		return nil
	}

	if err := c.guard(open); err != nil {
		return nil, fmt.Errorf("open %s: %w", endpoint, err)
	}
	return body, nil
}

// call performs a request through the breaker and retry policy and returns the body.
func (c *BackendClient) call(ctx context.Context, endpoint, method, target string, payload any) ([]byte, error) {
	var body []byte
	err := c.guard(func() error {
		var err error
		body, err = c.withRetry(ctx, endpoint, func() ([]byte, error) {
			return c.doJSON(ctx, method, target, payload)
		})
		return err
	})
	return body, err
}

func (c *BackendClient) guard(fn func() error) error {
	if c.breaker == nil {
		return fn()
	}
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &UpstreamError{Kind: KindUnavailable, Message: "backend circuit open", Err: err}
	}
	return err
}

func (c *BackendClient) withRetry(ctx context.Context, endpoint string, fn func() ([]byte, error)) ([]byte, error) {
	callStart := time.Now()
	for attempt := 0; ; attempt++ {
		start := time.Now()
		body, err := fn()
		c.latency.Observe(time.Since(start))
		if err == nil {
			metrics.ObserveUpstream(endpoint, time.Since(callStart), metrics.OutcomeSuccess)
			return body, nil
		}
		if !retryable(err) || attempt >= c.retry.MaxRetries || ctx.Err() != nil {
			metrics.ObserveUpstream(endpoint, time.Since(callStart), metrics.OutcomeError)
			return nil, err
		}

		metrics.ObserveUpstream(endpoint, time.Since(start), metrics.OutcomeRetry)
		delay := c.retry.Delay(attempt)
		c.logger.Debug("retrying backend request",
			slog.String("endpoint", endpoint),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", delay),
			slog.Any("error", err))
		if serr := c.sleep(ctx, delay); serr != nil {
			metrics.ObserveUpstream(endpoint, time.Since(callStart), metrics.OutcomeError)
			return nil, err
		}
	}
}

func (c *BackendClient) doJSON(ctx context.Context, method, endpoint string, payload any) ([]byte, error) {
	if endpoint == "" {
		return nil, &UpstreamError{Kind: KindClient, Message: "backend base URL not configured"}
	}

	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, &UpstreamError{Kind: KindClient, Message: "marshal payload", Err: err}
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, &UpstreamError{Kind: KindClient, Message: "build request", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, transportError(ctx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(resp.StatusCode, errorMessage(data))
	}
	return data, nil
}

// transportError keeps caller cancellation distinct from network failures.
func transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return &UpstreamError{Kind: KindTransient, Err: err}
}

func (c *BackendClient) cacheGet(ctx context.Context, key string, out any) bool {
	if c.machinesTTL <= 0 {
		return false
	}
	data, err := c.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			c.logger.Warn("cache read failed", slog.String("key", key), slog.Any("error", err))
		}
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		c.logger.Warn("cache entry undecodable", slog.String("key", key), slog.Any("error", err))
		return false
	}
	return true
}

func (c *BackendClient) cacheSet(ctx context.Context, key string, value any) {
	if c.machinesTTL <= 0 {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, key, data, c.machinesTTL); err != nil {
		c.logger.Warn("cache write failed", slog.String("key", key), slog.Any("error", err))
	}
}

func (c *BackendClient) resolvePath(p string, machineID int) string {
	if c.baseURL == "" {
		return ""
	}
	p = strings.ReplaceAll(p, "{id}", strconv.Itoa(machineID))
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}
