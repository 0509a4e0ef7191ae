// Package metrics exposes check-cycle outcomes as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nugget/mailgate/internal/scheduler"
)

const namespace = "mailgate"

// Collector records cycle outcomes. It implements scheduler.Observer.
type Collector struct {
	cycles        *prometheus.CounterVec
	notifications *prometheus.CounterVec
	lastSuccess   prometheus.Gauge
	duration      prometheus.Histogram
	folderSize    prometheus.Gauge
}

// New registers the mailgate collectors with reg.
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Check cycles by outcome.",
		}, []string{"result"}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "New messages by delivery outcome.",
		}, []string{"result"}),
		lastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last check cycle that completed without error.",
		}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of check cycles.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		folderSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "folder_messages",
			Help:      "Messages in the watched folder at the last listing.",
		}),
	}
}

// ObserveCycle records one finished cycle.
func (c *Collector) ObserveCycle(exec *scheduler.Execution) {
	c.cycles.WithLabelValues(string(exec.Status)).Inc()
	c.duration.Observe(exec.Duration().Seconds())

	r := exec.Result
	c.notifications.WithLabelValues("forwarded").Add(float64(r.Forwarded))
	c.notifications.WithLabelValues("failed").Add(float64(r.Failed))
	c.notifications.WithLabelValues("gone").Add(float64(r.Gone))

	if exec.Status == scheduler.StatusCompleted {
		c.lastSuccess.Set(float64(exec.CompletedAt.Unix()))
		c.folderSize.Set(float64(r.Listed))
	}
}
