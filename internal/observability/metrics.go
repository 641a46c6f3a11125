// Package observability holds the Prometheus metrics and tracing helpers for
// the orchestration engine.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	metricsNamespace = "testorch"
	engineSubsystem  = "engine"
)

const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeConflict = "conflict"
)

type Metrics struct {
	OperationsTotal        *prometheus.CounterVec
	TransitionsTotal       *prometheus.CounterVec
	GatewayDurationSeconds *prometheus.HistogramVec
	ActiveLeases           prometheus.Gauge
	ConflictsTotal         *prometheus.CounterVec
	HistoryAppendsTotal    *prometheus.CounterVec
}

// NewMetrics registers the engine metrics with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		OperationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: engineSubsystem,
			Name:      "operations_total",
			Help:      "Engine operations by operation and outcome",
		}, []string{"operation", "outcome"}),
		TransitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: engineSubsystem,
			Name:      "transitions_total",
			Help:      "Lifecycle state transitions",
		}, []string{"from", "to"}),
		GatewayDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "gateway",
			Name:      "duration_seconds",
			Help:      "Gateway invocation latency by gateway and result class",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7min
		}, []string{"gateway", "class"}),
		ActiveLeases: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: engineSubsystem,
			Name:      "active_leases",
			Help:      "Project leases currently held by this process",
		}),
		ConflictsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: engineSubsystem,
			Name:      "conflicts_total",
			Help:      "Requests rejected because another cycle held the project",
		}, []string{"operation"}),
		HistoryAppendsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "history",
			Name:      "appends_total",
			Help:      "Run results appended to the history ledger",
		}, []string{"phase", "status"}),
	}
}

func (m *Metrics) RecordOperation(operation string, err error) {
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	m.OperationsTotal.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) RecordConflict(operation string) {
	m.ConflictsTotal.WithLabelValues(operation).Inc()
	m.OperationsTotal.WithLabelValues(operation, OutcomeConflict).Inc()
}

func (m *Metrics) RecordTransition(from, to string) {
	m.TransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordGateway observes one gateway call. class is "ok" on success.
func (m *Metrics) RecordGateway(gateway, class string, elapsed time.Duration) {
	m.GatewayDurationSeconds.WithLabelValues(gateway, class).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordAppend(phase, status string) {
	m.HistoryAppendsTotal.WithLabelValues(phase, status).Inc()
}

const tracerName = "github.com/mpataki/testorch"

// Tracer returns the process tracer. Without a configured provider the
// global no-op tracer is used.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
