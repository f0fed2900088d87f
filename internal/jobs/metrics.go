package jobs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects job system metrics for Prometheus. A nil *Metrics
// records nothing.
type Metrics struct {
	enqueued *prometheus.CounterVec
	// status: completed, retry, failed
	processed *prometheus.CounterVec
	stalled   *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	latency   *prometheus.HistogramVec
	active    *prometheus.GaugeVec
}

// NewMetrics registers the job metrics with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		enqueued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "engage_jobs_enqueued_total",
			Help: "The total number of jobs added to a queue",
		}, []string{"queue"}),
		processed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "engage_jobs_processed_total",
			Help: "The total number of job deliveries by outcome",
		}, []string{"queue", "status"}),
		stalled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "engage_jobs_stalled_total",
			Help: "The total number of jobs recovered after their lock expired",
		}, []string{"queue"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "engage_job_duration_seconds",
			Help:    "Duration of job processing",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "engage_job_queue_latency_seconds",
			Help:    "Time spent in the queue before the first delivery",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue"}),
		active: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engage_jobs_active",
			Help: "Number of jobs currently running in this process",
		}, []string{"queue"}),
	}
}

// RecordEnqueued records a job being added
func (m *Metrics) RecordEnqueued(queue string) {
	if m == nil {
		return
	}
	m.enqueued.WithLabelValues(queue).Inc()
}

// RecordStarted records a job starting execution
func (m *Metrics) RecordStarted(queue string, waited time.Duration) {
	if m == nil {
		return
	}
	m.active.WithLabelValues(queue).Inc()
	if waited > 0 {
		m.latency.WithLabelValues(queue).Observe(waited.Seconds())
	}
}

// RecordCompleted records a job completing successfully
func (m *Metrics) RecordCompleted(queue string, took time.Duration) {
	if m == nil {
		return
	}
	m.active.WithLabelValues(queue).Dec()
	m.processed.WithLabelValues(queue, "completed").Inc()
	m.duration.WithLabelValues(queue).Observe(took.Seconds())
}

// RecordFailed records a failed delivery
func (m *Metrics) RecordFailed(queue string, took time.Duration, willRetry bool) {
	if m == nil {
		return
	}
	m.active.WithLabelValues(queue).Dec()
	status := "failed"
	if willRetry {
		status = "retry"
	}
	m.processed.WithLabelValues(queue, status).Inc()
	m.duration.WithLabelValues(queue).Observe(took.Seconds())
}

// RecordStalled records jobs moved back after a lost lock
func (m *Metrics) RecordStalled(queue string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.stalled.WithLabelValues(queue).Add(float64(n))
}
