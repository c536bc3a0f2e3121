package notifier

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deploy_notifier_notifications_total",
			Help: "Notification send attempts by sender and status.",
		},
		[]string{"sender", "status"},
	)
	notificationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deploy_notifier_notification_duration_seconds",
			Help:    "Duration of notification API calls.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"sender", "status"},
	)
)
