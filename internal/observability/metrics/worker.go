package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/expense-pipeline/internal/core/domain"
)

const namespace = "expenses"

// WorkerMetrics observes stage jobs. It satisfies ports.PipelineMetrics.
type WorkerMetrics struct {
	registry *prometheus.Registry
	service  string

	ticksTotal        *prometheus.CounterVec
	tickDuration      *prometheus.HistogramVec
	itemsTotal        *prometheus.CounterVec
	itemsInFlight     *prometheus.GaugeVec
	transitionsTotal  *prometheus.CounterVec
	breakerTransition *prometheus.CounterVec
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"service": service}

	ticksTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "stage_job",
			Name:        "ticks_total",
			Help:        "Total stage job ticks by result.",
			ConstLabels: constLabels,
		},
		[]string{"job", "result"},
	)
	tickDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "stage_job",
			Name:        "tick_duration_seconds",
			Help:        "Stage job tick duration in seconds.",
			Buckets:     []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			ConstLabels: constLabels,
		},
		[]string{"job"},
	)
	itemsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "stage_job",
			Name:        "items_total",
			Help:        "Total stage job items by outcome.",
			ConstLabels: constLabels,
		},
		[]string{"job", "outcome"},
	)
	itemsInFlight := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "stage_job",
			Name:        "in_flight",
			Help:        "Number of documents currently held by a stage job.",
			ConstLabels: constLabels,
		},
		[]string{"job"},
	)
	transitionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "document",
			Name:        "stage_transitions_total",
			Help:        "Total committed document stage transitions.",
			ConstLabels: constLabels,
		},
		[]string{"from", "to"},
	)
	breakerTransition := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "resilience",
			Name:        "circuit_breaker_state_changes_total",
			Help:        "Circuit breaker state changes by operation and target state.",
			ConstLabels: constLabels,
		},
		[]string{"operation", "to"},
	)

	registry.MustRegister(ticksTotal, tickDuration, itemsTotal, itemsInFlight, transitionsTotal, breakerTransition)

	return &WorkerMetrics{
		registry:          registry,
		service:           service,
		ticksTotal:        ticksTotal,
		tickDuration:      tickDuration,
		itemsTotal:        itemsTotal,
		itemsInFlight:     itemsInFlight,
		transitionsTotal:  transitionsTotal,
		breakerTransition: breakerTransition,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) ObserveTick(job string, items int, duration time.Duration, err error) {
	result := "success"
	switch {
	case err != nil:
		result = "error"
	case items == 0:
		result = "idle"
	}
	m.ticksTotal.WithLabelValues(job, result).Inc()
	m.tickDuration.WithLabelValues(job).Observe(duration.Seconds())
}

func (m *WorkerMetrics) ItemStarted(job string) {
	m.itemsInFlight.WithLabelValues(job).Inc()
}

func (m *WorkerMetrics) ItemFinished(job string, outcome string) {
	m.itemsInFlight.WithLabelValues(job).Dec()
	m.itemsTotal.WithLabelValues(job, outcome).Inc()
}

// ObserveItem counts items that never started, such as lost claims.
func (m *WorkerMetrics) ObserveItem(job string, outcome string) {
	m.itemsTotal.WithLabelValues(job, outcome).Inc()
}

func (m *WorkerMetrics) ObserveTransition(from, to domain.Stage) {
	if from == "" {
		from = "none"
	}
	m.transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

// ObserveBreakerState is meant for resilience.Config.OnStateChange.
func (m *WorkerMetrics) ObserveBreakerState(operation, _, to string) {
	m.breakerTransition.WithLabelValues(operation, to).Inc()
}
