// Package metrics exposes Prometheus collectors for the evaluation pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager owns the evaluation collectors. A nil *Manager is valid and records nothing.
type Manager struct {
	namespace string
	subsystem string
	registry  *prometheus.Registry

	statusTransitions  *prometheus.CounterVec
	stageDispatches    *prometheus.CounterVec
	workerCallbacks    *prometheus.CounterVec
	scoreExtractFails  prometheus.Counter
	scoresPersisted    prometheus.Counter
	watchdogExpired    prometheus.Counter
	jobDuration        *prometheus.HistogramVec
	notificationErrors prometheus.Counter
}

// Option applies a configuration option to the Manager.
type Option func(*Manager)

// WithNamespace sets the namespace for all metrics.
func WithNamespace(namespace string) Option {
	return func(m *Manager) {
		if namespace != "" {
			m.namespace = namespace
		}
	}
}

// WithRegistry registers collectors on registry instead of a fresh one.
func WithRegistry(registry *prometheus.Registry) Option {
	return func(m *Manager) {
		if registry != nil {
			m.registry = registry
		}
	}
}

// NewManager creates the collectors and registers them.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace: "codalab",
		subsystem: "evaluation",
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
	}
	auto := promauto.With(m.registry)

	m.statusTransitions = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "status_transitions_total",
		Help:      "Submission status transition attempts by outcome",
	}, []string{"to", "applied"})

	m.stageDispatches = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "stage_dispatches_total",
		Help:      "Run tasks sent to the compute queue by stage and result",
	}, []string{"stage", "result"})

	m.workerCallbacks = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "worker_callbacks_total",
		Help:      "Worker status callbacks received by reported status",
	}, []string{"status"})

	m.scoreExtractFails = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "score_extraction_failures_total",
		Help:      "Result archives without a readable scores file",
	})

	m.scoresPersisted = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "scores_persisted_total",
		Help:      "Score records written from result archives",
	})

	m.watchdogExpired = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "watchdog_expired_total",
		Help:      "Submissions forced to failed after exceeding the evaluation deadline",
	})

	m.jobDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "job_duration_seconds",
		Help:      "Duration of job task execution by task type and final job status",
		Buckets:   prometheus.DefBuckets,
	}, []string{"task_type", "status"})

	m.notificationErrors = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "notification_errors_total",
		Help:      "Emails that could not be delivered",
	})

	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Manager) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the registry the collectors are registered on.
func (m *Manager) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Manager) ObserveTransition(to string, applied bool) {
	if m == nil {
		return
	}
	label := "false"
	if applied {
		label = "true"
	}
	m.statusTransitions.WithLabelValues(to, label).Inc()
}

func (m *Manager) ObserveDispatch(stage string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.stageDispatches.WithLabelValues(stage, result).Inc()
}

func (m *Manager) ObserveCallback(status string) {
	if m == nil {
		return
	}
	m.workerCallbacks.WithLabelValues(status).Inc()
}

func (m *Manager) IncScoreExtractionFailure() {
	if m == nil {
		return
	}
	m.scoreExtractFails.Inc()
}

func (m *Manager) AddScoresPersisted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.scoresPersisted.Add(float64(n))
}

func (m *Manager) IncWatchdogExpired() {
	if m == nil {
		return
	}
	m.watchdogExpired.Inc()
}

func (m *Manager) ObserveJob(taskType, status string, seconds float64) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(taskType, status).Observe(seconds)
}

func (m *Manager) IncNotificationError() {
	if m == nil {
		return
	}
	m.notificationErrors.Inc()
}
