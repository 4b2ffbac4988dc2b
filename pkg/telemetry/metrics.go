package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for story runs.
// All Record methods are safe to call on a disabled or nil instance.
type Metrics struct {
	config MetricsConfig

	// Story metrics
	storiesCompleted *prometheus.CounterVec
	storyDuration    *prometheus.HistogramVec

	// Phase group metrics
	phasesExecuted *prometheus.CounterVec
	phaseDuration  *prometheus.HistogramVec
	handlersRun    *prometheus.CounterVec

	// Backend metrics
	backendCalls    *prometheus.CounterVec
	backendDuration *prometheus.HistogramVec
	backendErrors   *prometheus.CounterVec
	pollAttempts    *prometheus.HistogramVec

	// Error metrics
	errorsByCode *prometheus.CounterVec

	// Host metrics
	hostsRegistered prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		storiesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stories_completed_total",
				Help:      "Total number of stories completed, by outcome",
			},
			[]string{"outcome"},
		),
		storyDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "story_duration_seconds",
				Help:      "Duration of story execution in seconds",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),

		phasesExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "phase_groups_executed_total",
				Help:      "Total number of phase groups executed",
			},
			[]string{"group", "status"},
		),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_group_duration_seconds",
				Help:      "Duration of phase group execution in seconds",
				Buckets:   buckets,
			},
			[]string{"group"},
		),
		handlersRun: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handlers_run_total",
				Help:      "Total number of phase handlers invoked",
			},
			[]string{"group", "handler", "status"},
		),

		backendCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_calls_total",
				Help:      "Total number of host backend calls",
			},
			[]string{"backend", "operation"},
		),
		backendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_call_duration_seconds",
				Help:      "Duration of host backend calls in seconds",
				Buckets:   buckets,
			},
			[]string{"backend", "operation"},
		),
		backendErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_errors_total",
				Help:      "Total number of host backend errors",
			},
			[]string{"backend", "operation", "code"},
		),
		pollAttempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_poll_attempts",
				Help:      "Number of polls needed to reach a wanted instance state",
				Buckets:   prometheus.LinearBuckets(1, 1, 20),
			},
			[]string{"backend", "state"},
		),

		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		hostsRegistered: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "hosts_registered",
				Help:      "Current number of hosts in the host registry",
			},
		),
	}

	registry.MustRegister(
		m.storiesCompleted,
		m.storyDuration,
		m.phasesExecuted,
		m.phaseDuration,
		m.handlersRun,
		m.backendCalls,
		m.backendDuration,
		m.backendErrors,
		m.pollAttempts,
		m.errorsByCode,
		m.hostsRegistered,
	)

	return m, nil
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordStoryCompleted records a completed story with its outcome and duration.
func (m *Metrics) RecordStoryCompleted(outcome string, duration time.Duration) {
	if m == nil || m.storiesCompleted == nil {
		return
	}
	m.storiesCompleted.WithLabelValues(outcome).Inc()
	m.storyDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordPhaseGroup records the execution of a phase group.
func (m *Metrics) RecordPhaseGroup(group string, succeeded bool, duration time.Duration) {
	if m == nil || m.phasesExecuted == nil {
		return
	}
	m.phasesExecuted.WithLabelValues(group, statusLabel(succeeded)).Inc()
	m.phaseDuration.WithLabelValues(group).Observe(duration.Seconds())
}

// RecordHandler records one handler invocation.
func (m *Metrics) RecordHandler(group, handler, status string) {
	if m == nil || m.handlersRun == nil {
		return
	}
	m.handlersRun.WithLabelValues(group, handler, status).Inc()
}

// RecordBackendCall records a backend call with its duration.
func (m *Metrics) RecordBackendCall(backend, operation string, duration time.Duration) {
	if m == nil || m.backendCalls == nil {
		return
	}
	m.backendCalls.WithLabelValues(backend, operation).Inc()
	m.backendDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// RecordBackendError records a backend error.
func (m *Metrics) RecordBackendError(backend, operation, code string) {
	if m == nil || m.backendErrors == nil {
		return
	}
	m.backendErrors.WithLabelValues(backend, operation, code).Inc()
}

// RecordPollAttempts records how many polls a wait took.
func (m *Metrics) RecordPollAttempts(backend, state string, attempts int) {
	if m == nil || m.pollAttempts == nil {
		return
	}
	m.pollAttempts.WithLabelValues(backend, state).Observe(float64(attempts))
}

// RecordError records an error by code.
func (m *Metrics) RecordError(code string) {
	if m == nil || m.errorsByCode == nil || code == "" {
		return
	}
	m.errorsByCode.WithLabelValues(code).Inc()
}

// SetHostsRegistered sets the current number of registered hosts.
func (m *Metrics) SetHostsRegistered(count int) {
	if m == nil || m.hostsRegistered == nil {
		return
	}
	m.hostsRegistered.Set(float64(count))
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves metrics until ctx is cancelled.
func (m *Metrics) StartMetricsServer(ctx context.Context) error {
	if m == nil || !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("address", m.config.ListenAddress).Msg("metrics server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return nil
}

// WriteTextfile dumps the current metrics in Prometheus text format.
func (m *Metrics) WriteTextfile() error {
	if m == nil || m.registry == nil || m.config.TextfilePath == "" {
		return nil
	}
	return prometheus.WriteToTextfile(m.config.TextfilePath, m.registry)
}

func statusLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
