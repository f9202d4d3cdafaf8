package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for the delivery engine.
type Metrics struct {
	// Send outcome counters
	SendsTotal        *prometheus.CounterVec
	SendFailuresTotal *prometheus.CounterVec
	RequeuesTotal     *prometheus.CounterVec
	SendSeconds       prometheus.Histogram

	// Queue gauges
	QueueQueued prometheus.Gauge
	QueueLeased prometheus.Gauge

	// Rate limiting
	RateLimitDeniedTotal *prometheus.CounterVec

	// Scheduler
	TasksEnqueuedTotal prometheus.Counter

	// Campaign lifecycle
	CampaignsCompletedTotal prometheus.Counter

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates a Metrics instance with everything registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		SendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaigner_sends_total",
				Help: "Total number of successfully delivered messages",
			},
			[]string{"domain"},
		),
		SendFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaigner_send_failures_total",
				Help: "Total number of failed send attempts",
			},
			[]string{"domain", "kind"},
		),
		RequeuesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaigner_requeues_total",
				Help: "Total number of tasks requeued for a later attempt",
			},
			[]string{"reason"},
		),
		SendSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "campaigner_send_seconds",
				Help:    "Time spent in the mailer per attempt",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		QueueQueued: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "campaigner_queue_queued",
				Help: "Number of tasks waiting to be leased",
			},
		),
		QueueLeased: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "campaigner_queue_leased",
				Help: "Number of tasks currently held by workers",
			},
		),
		RateLimitDeniedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaigner_ratelimit_denied_total",
				Help: "Total number of composite rate-limit denials",
			},
			[]string{"level"},
		),
		TasksEnqueuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "campaigner_tasks_enqueued_total",
				Help: "Total number of tasks enqueued by the scheduler",
			},
		),
		CampaignsCompletedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "campaigner_campaigns_completed_total",
				Help: "Total number of campaigns that finished sending",
			},
		),
		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaigner_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "campaigner_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.SendsTotal,
		m.SendFailuresTotal,
		m.RequeuesTotal,
		m.SendSeconds,
		m.QueueQueued,
		m.QueueLeased,
		m.RateLimitDeniedTotal,
		m.TasksEnqueuedTotal,
		m.CampaignsCompletedTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
	)

	return m
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal installs the process-wide metrics instance.
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the process-wide metrics instance, nil when unset.
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

func IncSends(domain string) {
	if m := Global(); m != nil {
		m.SendsTotal.WithLabelValues(domain).Inc()
	}
}

func IncSendFailures(domain, kind string) {
	if m := Global(); m != nil {
		m.SendFailuresTotal.WithLabelValues(domain, kind).Inc()
	}
}

func IncRequeues(reason string) {
	if m := Global(); m != nil {
		m.RequeuesTotal.WithLabelValues(reason).Inc()
	}
}

func ObserveSendSeconds(seconds float64) {
	if m := Global(); m != nil {
		m.SendSeconds.Observe(seconds)
	}
}

func SetQueueDepth(queued, leased int64) {
	if m := Global(); m != nil {
		m.QueueQueued.Set(float64(queued))
		m.QueueLeased.Set(float64(leased))
	}
}

func IncRateLimitDenied(level string) {
	if m := Global(); m != nil {
		m.RateLimitDeniedTotal.WithLabelValues(level).Inc()
	}
}

func AddTasksEnqueued(n int) {
	if m := Global(); m != nil {
		m.TasksEnqueuedTotal.Add(float64(n))
	}
}

func IncCampaignsCompleted() {
	if m := Global(); m != nil {
		m.CampaignsCompletedTotal.Inc()
	}
}

func ObserveAPIRequest(method, path, status string, seconds float64) {
	if m := Global(); m != nil {
		m.APIRequestsTotal.WithLabelValues(method, path, status).Inc()
		m.APIRequestDurationSeconds.WithLabelValues(method, path).Observe(seconds)
	}
}
