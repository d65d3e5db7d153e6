package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouteRegistrar mounts a group of routes.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

// HealthReporter exposes backend health for /healthz.
type HealthReporter interface {
	BreakerOpen() bool
	LatencyP95() time.Duration
}

// RouterOptions configure NewRouter.
type RouterOptions struct {
	Logger         *slog.Logger
	CORSOrigins    []string
	RequestTimeout time.Duration
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	Health  HealthReporter
}

type healthResponse struct {
	Status             string  `json:"status"`
	BackendCircuitOpen bool    `json:"backend_circuit_open"`
	BackendP95Millis   float64 `json:"backend_p95_ms"`
}

// NewRouter builds the HTTP API. Handlers are mounted under /api.
func NewRouter(opts RouterOptions, handlers ...RouteRegistrar) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(opts.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		resp := healthResponse{Status: "ok"}
		if opts.Health != nil {
			resp.BackendCircuitOpen = opts.Health.BreakerOpen()
			resp.BackendP95Millis = float64(opts.Health.LatencyP95()) / float64(time.Millisecond)
			if resp.BackendCircuitOpen {
				resp.Status = "degraded"
			}
		}
		writeJSON(w, http.StatusOK, resp)
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		for _, h := range handlers {
			h.RegisterRoutes(r)
		}
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeMessage(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeMessage(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}
