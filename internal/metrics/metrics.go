// Package metrics registers the Prometheus instrumentation for the delivery
// pipeline. Handlers increment these from hot paths, so everything here is a
// pre-registered collector behind a singleton.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// Metrics holds all Prometheus collectors for the pipeline.
type Metrics struct {
	// Job metrics
	JobsProcessed *prometheus.CounterVec
	JobsFailed    *prometheus.CounterVec
	JobsDropped   prometheus.Counter
	JobsEscalated prometheus.Counter
	JobDuration   *prometheus.HistogramVec

	// Queue metrics
	QueueDepth *prometheus.GaugeVec

	// Delivery metrics
	PostsTotal    *prometheus.CounterVec
	ForwardsTotal prometheus.Counter
	BouncesTotal  prometheus.Counter

	// Notification metrics
	NotificationsSent       *prometheus.CounterVec
	NotificationsSuppressed prometheus.Counter
}

// Get returns the singleton metrics instance.
func Get() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = newMetrics()
	})
	return metricsInstance
}

func newMetrics() *Metrics {
	return &Metrics{
		JobsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mailflow_jobs_processed_total",
			Help: "Total jobs processed, by job kind and outcome",
		}, []string{"job", "outcome"}),
		JobsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mailflow_jobs_failed_total",
			Help: "Total job attempts that returned an error, by job kind",
		}, []string{"job"}),
		JobsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mailflow_jobs_dropped_total",
			Help: "Total unprocessable items acknowledged and discarded",
		}),
		JobsEscalated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mailflow_jobs_escalated_total",
			Help: "Total tracked items escalated to the long retry budget",
		}),
		JobDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mailflow_job_duration_seconds",
			Help:    "Handler execution time, by job kind",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),

		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mailflow_queue_depth",
			Help: "Broker job counts by state",
		}, []string{"state"}),

		PostsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mailflow_posts_total",
			Help: "Total delivery POSTs, by HTTP status class",
		}, []string{"status"}),
		ForwardsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mailflow_forwards_total",
			Help: "Total messages relayed onward over SMTP",
		}),
		BouncesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mailflow_bounces_total",
			Help: "Total bounce messages generated",
		}),

		NotificationsSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mailflow_notifications_sent_total",
			Help: "Total notifications enqueued, by notification type",
		}, []string{"type"}),
		NotificationsSuppressed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mailflow_notifications_suppressed_total",
			Help: "Total duplicate notifications suppressed by the cache",
		}),
	}
}
