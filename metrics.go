package saga

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects Prometheus metrics for activity attempts and executions.
// A nil *Metrics records nothing.
type Metrics struct {
	attemptsTotal      *prometheus.CounterVec
	retriesTotal       *prometheus.CounterVec
	heartbeatsTotal    *prometheus.CounterVec
	durationHistogram  *prometheus.HistogramVec
	executionsTotal    *prometheus.CounterVec
	compensationsTotal *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on registry.
func NewMetrics(namespace string, registry prometheus.Registerer) (*Metrics, error) {
	if namespace == "" {
		namespace = "saga"
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		attemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "activity_attempts_total",
				Help:      "Total number of activity attempts by outcome",
			},
			[]string{"activity", "outcome"},
		),
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "activity_retries_total",
				Help:      "Total number of scheduled activity retries",
			},
			[]string{"activity"},
		),
		heartbeatsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "activity_heartbeats_total",
				Help:      "Total number of heartbeats received from activities",
			},
			[]string{"activity"},
		),
		durationHistogram: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "activity_duration_seconds",
				Help:      "Duration of activity attempts in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 60.0},
			},
			[]string{"activity", "outcome"},
		),
		executionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Total number of finished saga executions by status",
			},
			[]string{"saga_type", "status"},
		),
		compensationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compensations_total",
				Help:      "Total number of compensations by outcome",
			},
			[]string{"activity", "outcome"},
		),
	}

	collectors := []prometheus.Collector{
		m.attemptsTotal,
		m.retriesTotal,
		m.heartbeatsTotal,
		m.durationHistogram,
		m.executionsTotal,
		m.compensationsTotal,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return m, nil
}

func (m *Metrics) recordAttempt(activity ActivityName, failure *ActivityError, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if failure != nil {
		outcome = string(failure.Kind)
	}
	m.attemptsTotal.WithLabelValues(string(activity), outcome).Inc()
	m.durationHistogram.WithLabelValues(string(activity), outcome).Observe(d.Seconds())
}

func (m *Metrics) recordRetry(activity ActivityName) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(string(activity)).Inc()
}

func (m *Metrics) recordHeartbeat(activity ActivityName) {
	if m == nil {
		return
	}
	m.heartbeatsTotal.WithLabelValues(string(activity)).Inc()
}

func (m *Metrics) recordExecution(sagaType SagaType, status Status) {
	if m == nil {
		return
	}
	m.executionsTotal.WithLabelValues(string(sagaType), string(status)).Inc()
}

func (m *Metrics) recordCompensation(activity ActivityName, ok bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.compensationsTotal.WithLabelValues(string(activity), outcome).Inc()
}
