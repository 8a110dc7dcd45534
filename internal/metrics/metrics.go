// Package metrics exposes dispatcher and notification counters to Prometheus.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"taskpulse/internal/domain"
)

const namespace = "taskpulse"

type Metrics struct {
	executions    *prometheus.CounterVec
	duration      prometheus.Histogram
	claimed       prometheus.Counter
	recovered     prometheus.Counter
	inFlight      prometheus.Gauge
	tickDuration  prometheus.Histogram
	notifications *prometheus.CounterVec
	unread        prometheus.Gauge
	sinkErrors    *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Task executions by outcome.",
		}, []string{"status", "manual"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall time of task executions.",
			Buckets:   prometheus.DefBuckets,
		}),
		claimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Tasks claimed for execution.",
		}),
		recovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_claims_recovered_total",
			Help:      "Abandoned claims released by the dispatcher.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "executions_in_flight",
			Help:      "Executions currently running.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Time spent claiming due tasks per dispatcher tick.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1},
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notifications emitted.",
		}, []string{"category", "priority"}),
		unread: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "notifications_unread",
			Help:      "Unread notifications.",
		}),
		sinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_delivery_errors_total",
			Help:      "Failed deliveries to external notification sinks.",
		}, []string{"sink"}),
	}
	if reg != nil {
		reg.MustRegister(m.executions, m.duration, m.claimed, m.recovered, m.inFlight,
			m.tickDuration, m.notifications, m.unread, m.sinkErrors)
	}
	return m
}

// NewRegistry returns a registry preloaded with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveExecution(status domain.LogStatus, manual bool, took time.Duration) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(string(status), strconv.FormatBool(manual)).Inc()
	m.duration.Observe(took.Seconds())
}

func (m *Metrics) Claimed() {
	if m == nil {
		return
	}
	m.claimed.Inc()
}

func (m *Metrics) Recovered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.recovered.Add(float64(n))
}

func (m *Metrics) ExecutionStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

func (m *Metrics) ExecutionFinished() {
	if m == nil {
		return
	}
	m.inFlight.Dec()
}

func (m *Metrics) ObserveTick(took time.Duration) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(took.Seconds())
}

func (m *Metrics) NotificationEmitted(c domain.Category, p domain.Priority) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(string(c), string(p)).Inc()
}

func (m *Metrics) SetUnread(n int) {
	if m == nil {
		return
	}
	m.unread.Set(float64(n))
}

func (m *Metrics) DeliveryFailed(sink string) {
	if m == nil {
		return
	}
	m.sinkErrors.WithLabelValues(sink).Inc()
}
