// Package notifier delivers deployment transition messages to a chat channel.
//
// # Contract
//
// A Sender delivers one text message per call. Send blocks until the message
// was accepted or delivery failed for good; the caller decides whether a
// failure is fatal (the watch session treats it as fatal).
//
// # Slack
//
// SlackSender posts with chat.postMessage. Calls are paced by a token
// bucket (default 60 messages/minute, shared by all sessions using the
// sender). Transient failures (connection errors, HTTP 5xx, HTTP 429) are
// retried with linear backoff, honouring Retry-After on 429. Slack API
// errors such as invalid_auth or channel_not_found are returned at once.
//
// # Types
//
//	type Sender interface {
//	    Name() string
//	    Send(ctx context.Context, text string) error
//	}
//	func NewSlackSender(logger *zap.Logger, cfg SlackSenderConfig) (*SlackSender, error)
//	func NewLogSender(logger *zap.Logger) *LogSender
package notifier
