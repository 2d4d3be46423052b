package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all engine metrics
type Metrics struct {
	// Emergency lifecycle metrics
	EmergenciesTriggered *prometheus.CounterVec
	EmergenciesEscalated prometheus.Counter
	DuplicateTriggers    prometheus.Counter
	ActiveEmergencies    prometheus.Gauge
	RecoveryDuration     prometheus.Histogram
	RecoveredEmergencies prometheus.Counter

	// Dispatch metrics
	DispatchAttempts *prometheus.CounterVec
	DispatchLatency  *prometheus.HistogramVec
	DispatchRetries  *prometheus.CounterVec
	PendingQueueSize prometheus.Gauge
	PendingProcessed prometheus.Counter
	PendingFailed    prometheus.Counter

	// Database metrics
	DatabaseOperations *prometheus.CounterVec
	DatabaseLatency    *prometheus.HistogramVec
}

// NewMetrics creates and registers all engine metrics
func NewMetrics(namespace, subsystem string) *Metrics {
	return &Metrics{
		EmergenciesTriggered: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "emergencies_triggered_total",
			Help:      "Total number of emergency records opened",
		}, []string{"source"}),
		EmergenciesEscalated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "emergencies_escalated_total",
			Help:      "Total number of emergencies that reached ESCALATED",
		}),
		DuplicateTriggers: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "duplicate_triggers_total",
			Help:      "Total number of triggers collapsed by idempotency or active-record dedup",
		}),
		ActiveEmergencies: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_emergencies",
			Help:      "Current number of non-terminal emergency records",
		}),
		RecoveryDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "recovery_duration_seconds",
			Help:      "Time spent reloading non-terminal emergencies on startup",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2, 5},
		}),
		RecoveredEmergencies: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "recovered_emergencies_total",
			Help:      "Total number of emergencies re-armed after a restart",
		}),

		DispatchAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dispatch_attempts_total",
			Help:      "Total number of dispatch adapter attempts",
		}, []string{"action", "status"}),
		DispatchLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dispatch_duration_seconds",
			Help:      "Duration of dispatch adapter attempts",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"action"}),
		DispatchRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dispatch_retry_attempts_total",
			Help:      "Total number of dispatch retry attempts",
		}, []string{"action"}),
		PendingQueueSize: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pending_actions_queue_size",
			Help:      "Current number of queued pending actions",
		}),
		PendingProcessed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pending_actions_processed_total",
			Help:      "Total number of successfully drained pending actions",
		}),
		PendingFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pending_actions_failed_total",
			Help:      "Total number of pending actions that exhausted retries",
		}),

		DatabaseOperations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "database_operations_total",
			Help:      "Total number of database operations",
		}, []string{"operation", "status"}),
		DatabaseLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "database_operation_duration_seconds",
			Help:      "Duration of database operations",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"operation"}),
	}
}
