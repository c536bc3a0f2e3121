package watcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deploy_notifier_events_total",
			Help: "Deployment watch events by namespace and filter verdict.",
		},
		[]string{"namespace", "result"},
	)
	watchRestartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deploy_notifier_watch_restarts_total",
			Help: "Watch restarts by namespace and reason.",
		},
		[]string{"namespace", "reason"},
	)
)
