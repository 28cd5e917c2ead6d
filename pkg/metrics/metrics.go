// Package metrics exposes the Orchestrator's Prometheus instrumentation:
// per-pipeline queue depth, VRAM usage, processed/failed/skipped totals,
// and worker busy counts (spec §6's /metrics surface).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles every metric the Orchestrator updates on its
// heartbeat and the Worker Pool updates inline as batches complete.
type Registry struct {
	QueueDepth      *prometheus.GaugeVec
	ActiveClaims    *prometheus.GaugeVec
	VRAMUsedGB      *prometheus.GaugeVec
	WorkersActive   *prometheus.GaugeVec
	WorkersTotal    *prometheus.GaugeVec
	ProcessedTotal  *prometheus.CounterVec
	FailedTotal     *prometheus.CounterVec
	SkippedTotal    *prometheus.CounterVec
	BatchDuration   *prometheus.HistogramVec
	CircuitBreakers *prometheus.GaugeVec
}

// New registers every metric against reg and returns the bundle. Pass
// prometheus.DefaultRegisterer in production, a fresh prometheus.NewRegistry()
// in tests.
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "procorch",
			Name:      "queue_depth",
			Help:      "Pending queue entries for a pipeline.",
		}, []string{"pipeline"}),

		ActiveClaims: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "procorch",
			Name:      "active_claims",
			Help:      "Claimed-but-not-yet-acked queue entries for a pipeline.",
		}, []string{"pipeline"}),

		VRAMUsedGB: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "procorch",
			Name:      "vram_used_gb",
			Help:      "VRAM currently committed to a pipeline, in gigabytes.",
		}, []string{"pipeline"}),

		WorkersActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "procorch",
			Name:      "workers_active",
			Help:      "Workers currently processing a batch for a pipeline.",
		}, []string{"pipeline"}),

		WorkersTotal: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "procorch",
			Name:      "workers_total",
			Help:      "Worker goroutines spawned for a pipeline.",
		}, []string{"pipeline"}),

		ProcessedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "procorch",
			Name:      "processed_total",
			Help:      "Queue entries successfully acked for a pipeline.",
		}, []string{"pipeline"}),

		FailedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "procorch",
			Name:      "failed_total",
			Help:      "Queue entries failed by a fatal inference error for a pipeline (entries that exhaust max attempts are not counted).",
		}, []string{"pipeline"}),

		SkippedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "procorch",
			Name:      "skipped_total",
			Help:      "Queue entries skipped for bad input for a pipeline.",
		}, []string{"pipeline"}),

		BatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "procorch",
			Name:      "batch_duration_seconds",
			Help:      "Wall time of a single infer_batch call.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"pipeline"}),

		CircuitBreakers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "procorch",
			Name:      "circuit_breaker_open",
			Help:      "1 if an inference engine instance's circuit breaker is open, else 0.",
		}, []string{"pipeline", "device"}),
	}
}

// ObserveSnapshot updates every gauge for pipeline from a single point-in-time
// reading. Counters are updated incrementally by their owning components
// (the Worker Pool on ack/fail/skip) instead, since Prometheus counters must
// only ever increase.
func (r *Registry) ObserveSnapshot(pipeline string, queueDepth, activeClaims int64, vramGB float64, workersActive, workersTotal int) {
	r.QueueDepth.WithLabelValues(pipeline).Set(float64(queueDepth))
	r.ActiveClaims.WithLabelValues(pipeline).Set(float64(activeClaims))
	r.VRAMUsedGB.WithLabelValues(pipeline).Set(vramGB)
	r.WorkersActive.WithLabelValues(pipeline).Set(float64(workersActive))
	r.WorkersTotal.WithLabelValues(pipeline).Set(float64(workersTotal))
}

// IncProcessed, IncFailed, and IncSkipped bump the per-pipeline counters a
// Worker updates inline as it acks, fails, or skips entries within a batch.
func (r *Registry) IncProcessed(pipeline string, n int64) {
	if n > 0 {
		r.ProcessedTotal.WithLabelValues(pipeline).Add(float64(n))
	}
}

func (r *Registry) IncFailed(pipeline string, n int64) {
	if n > 0 {
		r.FailedTotal.WithLabelValues(pipeline).Add(float64(n))
	}
}

func (r *Registry) IncSkipped(pipeline string, n int64) {
	if n > 0 {
		r.SkippedTotal.WithLabelValues(pipeline).Add(float64(n))
	}
}

// ObserveBatchDuration records the wall time of one infer_batch call.
func (r *Registry) ObserveBatchDuration(pipeline string, seconds float64) {
	r.BatchDuration.WithLabelValues(pipeline).Observe(seconds)
}

// SetCircuitBreaker records whether the circuit breaker guarding a
// (pipeline, device) inference engine instance is currently open.
func (r *Registry) SetCircuitBreaker(pipeline, device string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	r.CircuitBreakers.WithLabelValues(pipeline, device).Set(v)
}
