// Package monitor reports the population of every queue.
package monitor

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/jrjohn/engage-cloud-go/internal/jobs"
)

// QueueMetrics is the population of one queue. Err is set when the queue
// could not be read; Counts and Total are then zero.
type QueueMetrics struct {
	Name   string      `json:"name"`
	Counts jobs.Counts `json:"counts"`
	Total  int64       `json:"total"`
	Err    error       `json:"-"`
}

// GetAllQueueMetrics reads the counts of every queue. A failing queue does
// not hide the others.
func GetAllQueueMetrics(ctx context.Context, queues []jobs.Queue) []QueueMetrics {
	out := make([]QueueMetrics, 0, len(queues))
	for _, q := range queues {
		m := QueueMetrics{Name: q.Name()}
		counts, err := q.GetCounts(ctx)
		if err != nil {
			m.Err = err
		} else {
			m.Counts = counts
			m.Total = counts.Total()
		}
		out = append(out, m)
	}
	return out
}

var (
	queueJobsDesc = prometheus.NewDesc(
		"engage_queue_jobs",
		"Number of jobs per queue and state",
		[]string{"queue", "state"}, nil,
	)
	queueUpDesc = prometheus.NewDesc(
		"engage_queue_up",
		"Whether the queue could be read at scrape time",
		[]string{"queue"}, nil,
	)
)

// Collector exports queue populations at scrape time
type Collector struct {
	queues  []jobs.Queue
	timeout time.Duration
	logger  *zap.Logger
}

// NewCollector creates a collector reading queues with a per-scrape timeout
func NewCollector(queues []jobs.Queue, timeout time.Duration, logger *zap.Logger) *Collector {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Collector{queues: queues, timeout: timeout, logger: logger}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- queueJobsDesc
	ch <- queueUpDesc
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	for _, m := range GetAllQueueMetrics(ctx, c.queues) {
		if m.Err != nil {
			c.logger.Warn("Failed to read queue counts", zap.String("queue", m.Name), zap.Error(m.Err))
			ch <- prometheus.MustNewConstMetric(queueUpDesc, prometheus.GaugeValue, 0, m.Name)
			continue
		}
		ch <- prometheus.MustNewConstMetric(queueUpDesc, prometheus.GaugeValue, 1, m.Name)
		for _, s := range []struct {
			state jobs.State
			n     int64
		}{
			{jobs.StateWaiting, m.Counts.Waiting},
			{jobs.StateActive, m.Counts.Active},
			{jobs.StateCompleted, m.Counts.Completed},
			{jobs.StateFailed, m.Counts.Failed},
			{jobs.StateDelayed, m.Counts.Delayed},
			{jobs.StatePaused, m.Counts.Paused},
		} {
			ch <- prometheus.MustNewConstMetric(queueJobsDesc, prometheus.GaugeValue, float64(s.n), m.Name, string(s.state))
		}
	}
}

var _ prometheus.Collector = (*Collector)(nil)
