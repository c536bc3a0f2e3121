package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deploy_notifier_sessions_active",
			Help: "Number of namespace watch sessions currently running.",
		},
	)
	sessionsEndedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deploy_notifier_sessions_ended_total",
			Help: "Namespace watch sessions that have returned, by outcome.",
		},
		[]string{"namespace", "outcome"},
	)
)
