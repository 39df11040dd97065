// Package metrics exposes Prometheus collectors for the checkpoint storage
// and the job scheduler. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sagastore"

// Timer kinds used as the "kind" label.
const (
	TimerRetry              = "retry"
	TimerTransactionTimeout = "transaction_timeout"
	TimerStepTimeout        = "step_timeout"
	TimerJob                = "job"
)

// Durable operations used as the "op" label.
const (
	OpUpsert  = "upsert"
	OpDelete  = "delete"
	OpSkipped = "skipped"
)

// Metrics holds every collector.
type Metrics struct {
	skippedExecutions *prometheus.CounterVec
	durableWrites     *prometheus.CounterVec
	timersFired       *prometheus.CounterVec
	reaped            prometheus.Counter
	scheduledJobs     prometheus.Gauge
}

// New creates and registers the collectors on registry. A nil registry gets
// a private prometheus.NewRegistry so repeated construction never collides.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	factory := promauto.With(registry)

	return &Metrics{
		skippedExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_executions_total",
			Help:      "Checkpoint saves aborted because another execution superseded them",
		}, []string{"reason"}),
		durableWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "durable_writes_total",
			Help:      "Durable store operations issued by checkpoint saves",
		}, []string{"op"}),
		timersFired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timers_fired_total",
			Help:      "Retry, timeout and scheduled job timers that fired",
		}, []string{"kind"}),
		reaped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaped_executions_total",
			Help:      "Expired executions deleted by the reaper",
		}),
		scheduledJobs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduled_jobs",
			Help:      "Recurring jobs currently registered",
		}),
	}
}

func (m *Metrics) SkippedExecution(reason string) {
	if m == nil {
		return
	}
	m.skippedExecutions.WithLabelValues(reason).Inc()
}

func (m *Metrics) DurableWrite(op string) {
	if m == nil {
		return
	}
	m.durableWrites.WithLabelValues(op).Inc()
}

func (m *Metrics) TimerFired(kind string) {
	if m == nil {
		return
	}
	m.timersFired.WithLabelValues(kind).Inc()
}

func (m *Metrics) Reaped(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.reaped.Add(float64(n))
}

func (m *Metrics) SetScheduledJobs(n int) {
	if m == nil {
		return
	}
	m.scheduledJobs.Set(float64(n))
}
