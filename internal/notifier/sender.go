package notifier

import (
	"context"

	"go.uber.org/zap"
)

// Sender is the interface for external notification channels (Slack, logs, etc.).
type Sender interface {
	// Name returns the sender's identifier (e.g., "slack", "log").
	Name() string

	// Send delivers one message. It returns once the message was accepted
	// or delivery has failed.
	Send(ctx context.Context, text string) error
}

// LogSender writes messages to the log instead of a channel. Used for dry runs.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger.Named("log-sender")}
}

// Name implements Sender.
func (l *LogSender) Name() string { return "log" }

// Send implements Sender.
func (l *LogSender) Send(_ context.Context, text string) error {
	l.logger.Info("Notification", zap.String("text", text))
	notificationsTotal.WithLabelValues(l.Name(), "success").Inc()
	return nil
}
