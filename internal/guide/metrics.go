package guide

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricFlowsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "clippi",
		Name:      "flows_started_total",
		Help:      "Number of guidance flows started.",
	})
	metricFlowsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "clippi",
		Name:      "flows_completed_total",
		Help:      "Number of guidance flows that reached their last step.",
	})
	metricFlowsAbandoned = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clippi",
		Name:      "flows_abandoned_total",
		Help:      "Number of guidance flows cancelled before completion.",
	}, []string{"reason"})
	metricBlocked = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "clippi",
		Name:      "guide_blocked_total",
		Help:      "Guide requests refused because access conditions did not hold.",
	})
	metricFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clippi",
		Name:      "guide_fallbacks_total",
		Help:      "Guide and ask requests that matched no target.",
	}, []string{"kind"})
	metricFlowDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "clippi",
		Name:      "flow_duration_seconds",
		Help:      "Time from flow start to completion.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})
)

func recordAbandon(reason string) {
	if reason == "" {
		reason = "unspecified"
	}
	metricFlowsAbandoned.WithLabelValues(reason).Inc()
}
