package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MaintenanceMetrics holds metrics for the maintenance scheduler and the
// ops it runs.
type MaintenanceMetrics struct {
	// OpDurationHistogram tracks Perform() wall-clock in seconds.
	// Labels: op
	OpDurationHistogram *prometheus.HistogramVec

	// OpRunningGauge mirrors each op's in-flight invocation count.
	// Labels: op
	OpRunningGauge *prometheus.GaugeVec

	// OpsCompletedCounter counts completed Perform() invocations.
	// Labels: op
	OpsCompletedCounter *prometheus.CounterVec

	// PrepareRefusedCounter counts dispatches aborted by Prepare() == false.
	// Labels: op
	PrepareRefusedCounter *prometheus.CounterVec

	// MemoryUsedGauge is the probe's last reported usage in bytes.
	MemoryUsedGauge prometheus.Gauge

	// MemoryTargetGauge is the pressure threshold in bytes.
	MemoryTargetGauge prometheus.Gauge

	// MemoryPressureGauge is 1 while used >= target, 0 otherwise.
	MemoryPressureGauge prometheus.Gauge
}

// NewMaintenanceMetrics creates and registers maintenance metrics with the
// default registry.
func NewMaintenanceMetrics() *MaintenanceMetrics {
	return newMaintenanceMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// NewMaintenanceMetricsWithRegistry creates maintenance metrics registered
// with a custom registry. Useful for testing to avoid conflicts with the
// default registry.
func NewMaintenanceMetricsWithRegistry(reg prometheus.Registerer) *MaintenanceMetrics {
	return newMaintenanceMetrics(promauto.With(reg))
}

func newMaintenanceMetrics(factory promauto.Factory) *MaintenanceMetrics {
	return &MaintenanceMetrics{
		OpDurationHistogram: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "karst",
				Subsystem: "maintenance",
				Name:      "op_duration_seconds",
				Help:      "Wall-clock duration of maintenance op Perform() invocations.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 12),
			},
			[]string{"op"},
		),
		OpRunningGauge: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "karst",
				Subsystem: "maintenance",
				Name:      "op_running",
				Help:      "Number of in-flight invocations per maintenance op.",
			},
			[]string{"op"},
		),
		OpsCompletedCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "karst",
				Subsystem: "maintenance",
				Name:      "ops_completed_total",
				Help:      "Completed maintenance op invocations.",
			},
			[]string{"op"},
		),
		PrepareRefusedCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "karst",
				Subsystem: "maintenance",
				Name:      "prepare_refused_total",
				Help:      "Dispatches aborted because Prepare() returned false.",
			},
			[]string{"op"},
		),
		MemoryUsedGauge: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "karst",
				Subsystem: "maintenance",
				Name:      "memory_used_bytes",
				Help:      "Memory usage reported by the probe at the last tick.",
			},
		),
		MemoryTargetGauge: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "karst",
				Subsystem: "maintenance",
				Name:      "memory_target_bytes",
				Help:      "Memory pressure threshold.",
			},
		),
		MemoryPressureGauge: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "karst",
				Subsystem: "maintenance",
				Name:      "memory_pressure",
				Help:      "Set to 1 while memory usage is at or above the target.",
			},
		),
	}
}

// OpDuration returns the duration observer for a named op, suitable for a
// MaintenanceOp's DurationHistogram handle.
func (m *MaintenanceMetrics) OpDuration(op string) prometheus.Observer {
	return m.OpDurationHistogram.WithLabelValues(op)
}

// OpRunning returns the running gauge for a named op, suitable for a
// MaintenanceOp's RunningGauge handle.
func (m *MaintenanceMetrics) OpRunning(op string) prometheus.Gauge {
	return m.OpRunningGauge.WithLabelValues(op)
}

// ObserveCompletion records one completed invocation of the named op. The
// duration itself flows through the op's DurationHistogram handle, which
// may alias OpDurationHistogram; only the counter is bumped here.
func (m *MaintenanceMetrics) ObserveCompletion(op string) {
	m.OpsCompletedCounter.WithLabelValues(op).Inc()
}

// ObservePressure records the probe reading for a tick.
func (m *MaintenanceMetrics) ObservePressure(used, target uint64, underPressure bool) {
	m.MemoryUsedGauge.Set(float64(used))
	m.MemoryTargetGauge.Set(float64(target))
	if underPressure {
		m.MemoryPressureGauge.Set(1)
	} else {
		m.MemoryPressureGauge.Set(0)
	}
}
