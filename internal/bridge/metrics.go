package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "clippi",
		Name:      "bridge_clients",
		Help:      "Number of connected overlay and chat clients.",
	})
	metricCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clippi",
		Name:      "bridge_commands_total",
		Help:      "Commands received from bridge clients, by type or rejection.",
	}, []string{"type"})
)
