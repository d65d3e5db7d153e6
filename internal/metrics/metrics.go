package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels successful upstream calls.
	OutcomeSuccess = "success"
	// OutcomeError labels failed upstream calls that will not be retried further.
	OutcomeError = "error"
	// OutcomeRetry labels attempts that failed and were retried.
	OutcomeRetry = "retry"
)

// Breaker state gauge values.
const (
	BreakerClosed   = 0
	BreakerHalfOpen = 1
	BreakerOpen     = 2
)

var (
	upstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "machine_monitor",
			Name:      "upstream_requests_total",
			Help:      "Requests made to the prediction backend, partitioned by endpoint and outcome.",
		},
		[]string{"endpoint", "outcome"},
	)

	upstreamRequestSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "machine_monitor",
			Name:      "upstream_request_seconds",
			Help:      "Prediction backend request latency in seconds, including retries.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16},
		},
		[]string{"endpoint"},
	)

	samplesAcceptedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "machine_monitor",
			Name:      "samples_accepted_total",
			Help:      "Samples accepted into feed windows, partitioned by feed kind and mode.",
		},
		[]string{"kind", "mode"},
	)

	feedsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "machine_monitor",
			Name:      "feeds_active",
			Help:      "Number of feeds currently in the active state.",
		},
		[]string{"kind"},
	)

	feedErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "machine_monitor",
			Name:      "feed_errors_total",
			Help:      "Errors recorded by feeds, partitioned by kind and whether they stopped the feed.",
		},
		[]string{"kind", "fatal"},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "machine_monitor",
			Name:      "notifications_total",
			Help:      "Notifications appended to the store, partitioned by severity.",
		},
		[]string{"severity"},
	)

	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "machine_monitor",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		},
		[]string{"name"},
	)
)

// Register attaches machine-monitor collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		upstreamRequestsTotal,
		upstreamRequestSeconds,
		samplesAcceptedTotal,
		feedsActive,
		feedErrorsTotal,
		notificationsTotal,
		breakerState,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveUpstream records one upstream call duration and its outcome label.
func ObserveUpstream(endpoint string, duration time.Duration, outcome string) {
	switch outcome {
	case OutcomeError, OutcomeRetry:
	default:
		outcome = OutcomeSuccess
	}
	upstreamRequestsTotal.WithLabelValues(endpoint, outcome).Inc()
	if outcome == OutcomeRetry {
		return
	}
	if duration < 0 {
		duration = 0
	}
	upstreamRequestSeconds.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// AddSamples counts samples accepted by a feed.
func AddSamples(kind, mode string, n int) {
	if n <= 0 {
		return
	}
	samplesAcceptedTotal.WithLabelValues(kind, mode).Add(float64(n))
}

// FeedActivated adjusts the active feed gauge.
func FeedActivated(kind string, active bool) {
	if active {
		feedsActive.WithLabelValues(kind).Inc()
		return
	}
	feedsActive.WithLabelValues(kind).Dec()
}

// FeedError counts a recorded feed error.
func FeedError(kind string, fatal bool) {
	label := "false"
	if fatal {
		label = "true"
	}
	feedErrorsTotal.WithLabelValues(kind, label).Inc()
}

// NotificationAppended counts a stored notification.
func NotificationAppended(severity string) {
	notificationsTotal.WithLabelValues(severity).Inc()
}

// SetBreakerState publishes the breaker state for name.
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}
