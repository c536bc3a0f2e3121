package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var storeOperationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "deploy_notifier_store_operations_total",
		Help: "State store operations by backend, operation and status.",
	},
	[]string{"backend", "op", "status"},
)
