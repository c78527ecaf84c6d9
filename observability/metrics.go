package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Publish outcomes recorded by PublishAttempt.
const (
	OutcomePublished = "published"
	OutcomeRetry     = "retry"
	OutcomeFailed    = "failed"
)

// Metrics are the cadence collectors. A nil *Metrics records nothing.
type Metrics struct {
	PostsScheduled  *prometheus.CounterVec
	SlotDegraded    *prometheus.CounterVec
	PublishAttempts *prometheus.CounterVec
	PostsCancelled  *prometheus.CounterVec
	PublishDuration *prometheus.HistogramVec
}

// NewMetrics registers the collectors on reg. Pass prometheus.DefaultRegisterer
// in the binary and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PostsScheduled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cadence",
			Name:      "posts_scheduled_total",
			Help:      "Posts scheduled, by platform and calculation method",
		}, []string{"platform", "method"}),
		SlotDegraded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cadence",
			Name:      "slot_degraded_total",
			Help:      "Schedules that found no collision-free slot in the search horizon",
		}, []string{"platform"}),
		PublishAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cadence",
			Name:      "publish_attempts_total",
			Help:      "Delivery attempts, by platform and outcome",
		}, []string{"platform", "outcome"}),
		PostsCancelled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cadence",
			Name:      "posts_cancelled_total",
			Help:      "Cancellation requests, by result (cancelled or refused)",
		}, []string{"result"}),
		PublishDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cadence",
			Name:      "publish_duration_seconds",
			Help:      "Duration of publisher calls",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"platform"}),
	}
}

// Scheduled counts a scheduled post.
func (m *Metrics) Scheduled(platform, method string, degraded bool) {
	if m == nil {
		return
	}
	m.PostsScheduled.WithLabelValues(platform, method).Inc()
	if degraded {
		m.SlotDegraded.WithLabelValues(platform).Inc()
	}
}

// PublishAttempt records one publisher call.
func (m *Metrics) PublishAttempt(platform, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.PublishAttempts.WithLabelValues(platform, outcome).Inc()
	m.PublishDuration.WithLabelValues(platform).Observe(d.Seconds())
}

// Cancelled records a cancellation request.
func (m *Metrics) Cancelled(cancelled bool) {
	if m == nil {
		return
	}
	result := "refused"
	if cancelled {
		result = "cancelled"
	}
	m.PostsCancelled.WithLabelValues(result).Inc()
}
