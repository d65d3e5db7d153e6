package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/miradorstack/machine-monitor/internal/api"
	"github.com/miradorstack/machine-monitor/internal/cache"
	"github.com/miradorstack/machine-monitor/internal/config"
	"github.com/miradorstack/machine-monitor/internal/engine"
	"github.com/miradorstack/machine-monitor/internal/feed"
	"github.com/miradorstack/machine-monitor/internal/metrics"
	"github.com/miradorstack/machine-monitor/internal/notify"
	"github.com/miradorstack/machine-monitor/internal/repo"
	"github.com/miradorstack/machine-monitor/internal/services"
	"github.com/miradorstack/machine-monitor/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON, nil)
	logger.Info("starting machine-monitor",
		slog.String("address", cfg.Server.Address),
		slog.String("backend", cfg.Clients.Backend.BaseURL))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	var cacheProvider cache.Provider = cache.NoopProvider{}
	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		provider, err := cache.NewRedisProvider(cache.RedisConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
			Prefix:       cfg.Cache.Prefix,
		})
		if err != nil {
			logger.Warn("redis cache unavailable", slog.Any("error", err))
		} else {
			cacheProvider = provider
			defer provider.Close()
		}
	}

	grpcServer, err := api.NewGRPCServer(cfg.Server)
	if err != nil {
		logger.Error("failed to create gRPC server", slog.Any("error", err))
		os.Exit(1)
	}

	backendCfg := cfg.Clients.Backend
	breaker := repo.BreakerSettings{}
	if backendCfg.Breaker.Enabled {
		breaker = repo.BreakerSettings{
			ConsecutiveFailures: backendCfg.Breaker.ConsecutiveFailures,
			OpenTimeout:         backendCfg.Breaker.OpenTimeout,
			HalfOpenRequests:    backendCfg.Breaker.HalfOpenRequests,
			OnStateChange: func(open bool) {
				grpcServer.SetBackendServing(!open)
			},
		}
	}
	backend := repo.NewBackendClient(repo.Options{
		BaseURL: backendCfg.BaseURL,
		Paths: repo.Paths{
			Machines:         backendCfg.MachinesPath,
			Machine:          backendCfg.MachinePath,
			SensorData:       backendCfg.SensorDataPath,
			Simulate:         backendCfg.SimulatePath,
			Reset:            backendCfg.ResetPath,
			SensorStream:     backendCfg.SensorStreamPath,
			PredictionStream: backendCfg.PredictionStreamPath,
		},
		Timeout: backendCfg.Timeout,
		Retry: repo.RetryPolicy{
			MaxRetries: backendCfg.Retry.MaxRetries,
			BaseDelay:  backendCfg.Retry.BaseDelay,
			MaxDelay:   backendCfg.Retry.MaxDelay,
		},
		Breaker:     breaker,
		Cache:       cacheProvider,
		MachinesTTL: cfg.Cache.MachinesTTL,
		Logger:      logger,
	})

	mode, err := feed.ParseMode(cfg.Monitor.Mode)
	if err != nil {
		logger.Error("invalid monitor mode", slog.String("mode", cfg.Monitor.Mode), slog.Any("error", err))
		os.Exit(1)
	}

	store := notify.NewStore(cfg.Monitor.NotificationLimit, logger)
	alerter := engine.NewAlerter(store, logger)
	alerter.SetMuted(cfg.Monitor.MuteAlerts)

	monitor := services.NewMonitorService(logger, backend, store, alerter, services.Settings{
		Mode:               mode,
		SensorInterval:     cfg.Monitor.PollInterval,
		PredictionInterval: cfg.Monitor.PredictionInterval,
		SensorWindow:       cfg.Monitor.SensorWindow,
		PredictionWindow:   cfg.Monitor.PredictionWindow,
	})

	rules, err := engine.NewRuleEngine(cfg.Rules.Path, logger)
	if err != nil {
		logger.Error("failed to load rule pack", slog.Any("error", err))
		os.Exit(1)
	}
	monitor.SetRules(rules)

	router := api.NewRouter(api.RouterOptions{
		Logger:      logger,
		CORSOrigins: cfg.Server.CORSOrigins,
		Health:      backend,
	},
		api.NewMachineHandler(monitor, logger),
		api.NewNotificationHandler(store, alerter),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("http server listening", slog.String("address", cfg.Server.Address))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", slog.Any("error", err))
			stop()
		}
	}()

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		logger.Info("grpc health server listening", slog.String("address", grpcServer.Address()))
		if serveErr := grpcServer.Start(); serveErr != nil {
			logger.Error("gRPC server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	monitor.Autostart(ctx, cfg.Monitor.Autostart)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("http server shutdown", slog.Any("error", err))
	}
	monitor.Close()
	grpcServer.Shutdown(shutdownCtx)

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	logger.Info("machine-monitor stopped")
}
