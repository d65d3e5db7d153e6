package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "MACHINE_MONITOR_"

// Config captures the settings required to boot the monitor service.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Clients ClientsConfig `yaml:"clients"`
	Monitor MonitorConfig `yaml:"monitor"`
	Rules   RulesConfig   `yaml:"rules"`
	Logging LoggingConfig `yaml:"logging"`
	Cache   CacheConfig   `yaml:"cache"`
}

// ServerConfig controls the HTTP, gRPC health and metrics listeners.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	GRPCAddress     string        `yaml:"grpcAddress"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
	CORSOrigins     []string      `yaml:"corsOrigins"`
}

// ClientsConfig groups upstream integrations.
type ClientsConfig struct {
	Backend BackendClientConfig `yaml:"backend"`
}

// BackendClientConfig configures access to the prediction backend. Paths may
// contain an {id} placeholder for the machine id.
type BackendClientConfig struct {
	BaseURL              string        `yaml:"baseURL"`
	MachinesPath         string        `yaml:"machinesPath"`
	MachinePath          string        `yaml:"machinePath"`
	SensorDataPath       string        `yaml:"sensorDataPath"`
	SimulatePath         string        `yaml:"simulatePath"`
	ResetPath            string        `yaml:"resetPath"`
	SensorStreamPath     string        `yaml:"sensorStreamPath"`
	PredictionStreamPath string        `yaml:"predictionStreamPath"`
	Timeout              time.Duration `yaml:"timeout"`
	Retry                RetryConfig   `yaml:"retry"`
	Breaker              BreakerConfig `yaml:"breaker"`
}

// RetryConfig controls exponential backoff for transient failures.
type RetryConfig struct {
	MaxRetries int           `yaml:"maxRetries"`
	BaseDelay  time.Duration `yaml:"baseDelay"`
	MaxDelay   time.Duration `yaml:"maxDelay"`
}

// BreakerConfig controls the backend circuit breaker.
type BreakerConfig struct {
	Enabled             bool          `yaml:"enabled"`
	ConsecutiveFailures uint32        `yaml:"consecutiveFailures"`
	OpenTimeout         time.Duration `yaml:"openTimeout"`
	HalfOpenRequests    uint32        `yaml:"halfOpenRequests"`
}

// MonitorConfig controls the per-machine feeds and the notification store.
type MonitorConfig struct {
	Mode               string        `yaml:"mode"`
	PollInterval       time.Duration `yaml:"pollInterval"`
	PredictionInterval time.Duration `yaml:"predictionInterval"`
	SensorWindow       int           `yaml:"sensorWindow"`
	PredictionWindow   int           `yaml:"predictionWindow"`
	NotificationLimit  int           `yaml:"notificationLimit"`
	Autostart          []int         `yaml:"autostart"`
	MuteAlerts         bool          `yaml:"muteAlerts"`
}

// RulesConfig controls rule-pack loading for machine diagnostics. A missing
// file falls back to the built-in rules.
type RulesConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// CacheConfig controls Redis-backed caching of machine lookups.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
	Prefix       string        `yaml:"prefix"`
	MachinesTTL  time.Duration `yaml:"machinesTTL"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(envPrefix + "CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			GRPCAddress:     ":50051",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
			CORSOrigins:     []string{"*"},
		},
		Clients: ClientsConfig{
			Backend: BackendClientConfig{
				BaseURL:              "http://localhost:5000/api",
				MachinesPath:         "/dashboard/machines",
				MachinePath:          "/dashboard/machines/{id}",
				SensorDataPath:       "/simulation/data/{id}",
				SimulatePath:         "/simulation/simulate",
				ResetPath:            "/simulation/reset",
				SensorStreamPath:     "/simulation/sensor-stream/{id}",
				PredictionStreamPath: "/simulation/prediction-stream/{id}",
				Timeout:              5 * time.Second,
				Retry: RetryConfig{
					MaxRetries: 3,
					BaseDelay:  time.Second,
					MaxDelay:   8 * time.Second,
				},
				Breaker: BreakerConfig{
					Enabled:             true,
					ConsecutiveFailures: 5,
					OpenTimeout:         30 * time.Second,
					HalfOpenRequests:    1,
				},
			},
		},
		Monitor: MonitorConfig{
			Mode:               "poll",
			PollInterval:       5 * time.Second,
			PredictionInterval: 30 * time.Second,
			SensorWindow:       20,
			PredictionWindow:   24,
			NotificationLimit:  50,
		},
		Rules:   RulesConfig{Path: "configs/rules/diagnostics.yaml"},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
			MachinesTTL:  time.Minute,
		},
	}
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Clients.Backend.BaseURL) == "" {
		errs = append(errs, errors.New("clients.backend.baseURL is required"))
	}
	switch strings.ToLower(c.Monitor.Mode) {
	case "poll", "stream":
	default:
		errs = append(errs, fmt.Errorf("monitor.mode must be poll or stream, got %q", c.Monitor.Mode))
	}
	if c.Monitor.PollInterval <= 0 {
		errs = append(errs, errors.New("monitor.pollInterval must be positive"))
	}
	if c.Monitor.PredictionInterval <= 0 {
		errs = append(errs, errors.New("monitor.predictionInterval must be positive"))
	}
	if c.Monitor.SensorWindow < 1 || c.Monitor.PredictionWindow < 1 {
		errs = append(errs, errors.New("monitor window sizes must be at least 1"))
	}
	if c.Monitor.NotificationLimit < 1 {
		errs = append(errs, errors.New("monitor.notificationLimit must be at least 1"))
	}
	if c.Clients.Backend.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("clients.backend.retry.maxRetries must not be negative"))
	}
	if c.Cache.Enabled && c.Cache.Addr == "" {
		errs = append(errs, errors.New("cache.addr is required when the cache is enabled"))
	}
	return errors.Join(errs...)
}

func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Server.Address, "SERVER_ADDRESS")
	setString(&cfg.Server.GRPCAddress, "GRPC_ADDRESS")
	setString(&cfg.Server.MetricsAddress, "METRICS_ADDRESS")
	setDuration(&cfg.Server.GracefulTimeout, "GRACEFUL_TIMEOUT")
	if v := os.Getenv(envPrefix + "CORS_ORIGINS"); v != "" {
		cfg.Server.CORSOrigins = splitList(v)
	}

	backend := &cfg.Clients.Backend
	setString(&backend.BaseURL, "BACKEND_BASE_URL")
	setDuration(&backend.Timeout, "BACKEND_TIMEOUT")
	setInt(&backend.Retry.MaxRetries, "BACKEND_MAX_RETRIES")
	setDuration(&backend.Retry.BaseDelay, "BACKEND_RETRY_DELAY")
	setBool(&backend.Breaker.Enabled, "BACKEND_BREAKER_ENABLED")

	setString(&cfg.Monitor.Mode, "MODE")
	setDuration(&cfg.Monitor.PollInterval, "POLL_INTERVAL")
	setDuration(&cfg.Monitor.PredictionInterval, "PREDICTION_INTERVAL")
	setInt(&cfg.Monitor.NotificationLimit, "NOTIFICATION_LIMIT")
	setBool(&cfg.Monitor.MuteAlerts, "MUTE_ALERTS")
	if v := os.Getenv(envPrefix + "AUTOSTART"); v != "" {
		ids := make([]int, 0)
		for _, part := range splitList(v) {
			if id, err := strconv.Atoi(part); err == nil {
				ids = append(ids, id)
			}
		}
		cfg.Monitor.Autostart = ids
	}

	setString(&cfg.Rules.Path, "RULES_PATH")

	setString(&cfg.Logging.Level, "LOG_LEVEL")
	if v := os.Getenv(envPrefix + "LOG_FORMAT"); v != "" {
		cfg.Logging.JSON = strings.EqualFold(v, "json")
	}

	setBool(&cfg.Cache.Enabled, "CACHE_ENABLED")
	setString(&cfg.Cache.Addr, "CACHE_ADDR")
	setString(&cfg.Cache.Username, "CACHE_USERNAME")
	setString(&cfg.Cache.Password, "CACHE_PASSWORD")
	setInt(&cfg.Cache.DB, "CACHE_DB")
	setBool(&cfg.Cache.TLS, "CACHE_TLS")
	setDuration(&cfg.Cache.DialTimeout, "CACHE_DIAL_TIMEOUT")
	setDuration(&cfg.Cache.ReadTimeout, "CACHE_READ_TIMEOUT")
	setDuration(&cfg.Cache.WriteTimeout, "CACHE_WRITE_TIMEOUT")
	setInt(&cfg.Cache.MaxRetries, "CACHE_MAX_RETRIES")
	setDuration(&cfg.Cache.MachinesTTL, "CACHE_MACHINES_TTL")
}

func setString(dst *string, key string) {
	if v := os.Getenv(envPrefix + key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(envPrefix + key); v != "" {
		*dst = strings.EqualFold(v, "true") || v == "1"
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
