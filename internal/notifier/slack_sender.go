package notifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/DBCDK/deploy-notifier/internal/util"
)

const (
	defaultSlackTimeout       = 10 * time.Second
	defaultSlackRatePerMinute = 60
	defaultSlackMaxRetries    = 2
	defaultSlackRetryBackoff  = time.Second
)

// SlackSenderConfig holds the configuration for creating a SlackSender.
type SlackSenderConfig struct {
	Token   string
	Channel string
	// ProxyURL routes Slack traffic through an outbound proxy. Only the
	// Slack client uses it.
	ProxyURL       string
	TimeoutSeconds int
	// RatePerMinute caps chat.postMessage calls. Zero means the default (60).
	RatePerMinute int
	// MaxRetries is the number of retries after the first attempt.
	// Zero means the default (2); negative disables retries.
	MaxRetries int
	// RetryBackoff is the linear backoff step. Zero means one second.
	RetryBackoff time.Duration
	// APIURL overrides the Slack API base URL (tests, enterprise gateways).
	APIURL string
}

// SlackSender implements the Sender interface for Slack channels.
type SlackSender struct {
	client     *slack.Client
	logger     *zap.Logger
	channel    string
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
}

// NewSlackSender creates a SlackSender. Returns an error if the token or
// channel is missing or the proxy URL is invalid.
func NewSlackSender(logger *zap.Logger, cfg SlackSenderConfig) (*SlackSender, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("slack token is required")
	}
	if cfg.Channel == "" {
		return nil, fmt.Errorf("slack channel is required")
	}

	logger = logger.Named("slack-sender")

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = defaultSlackTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.ProxyURL != "" {
		proxy, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		if proxy.Scheme == "" || proxy.Host == "" {
			return nil, fmt.Errorf("proxy URL must include a scheme and host")
		}
		transport.Proxy = http.ProxyURL(proxy)
		logger.Info("Slack traffic routed through proxy", zap.String("proxy", util.RedactURL(cfg.ProxyURL)))
	}

	opts := []slack.Option{
		slack.OptionHTTPClient(&http.Client{Timeout: timeout, Transport: transport}),
	}
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}

	perMinute := cfg.RatePerMinute
	if perMinute <= 0 {
		perMinute = defaultSlackRatePerMinute
	}

	maxRetries := cfg.MaxRetries
	switch {
	case maxRetries == 0:
		maxRetries = defaultSlackMaxRetries
	case maxRetries < 0:
		maxRetries = 0
	}

	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = defaultSlackRetryBackoff
	}

	return &SlackSender{
		client:     slack.New(cfg.Token, opts...),
		logger:     logger,
		channel:    cfg.Channel,
		limiter:    rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), max(1, perMinute/10)),
		maxRetries: maxRetries,
		backoff:    backoff,
	}, nil
}

// Name implements Sender.
func (s *SlackSender) Name() string { return "slack" }

// Send implements Sender. Posts text to the configured channel, retrying
// transient failures.
func (s *SlackSender) Send(ctx context.Context, text string) error {
	var lastErr error
	for attempt := range s.maxRetries + 1 {
		if attempt > 0 {
			// Linear backoff: 1x, 2x, ... stretched to Retry-After when Slack asks.
			wait := time.Duration(attempt) * s.backoff
			var rle *slack.RateLimitedError
			if errors.As(lastErr, &rle) && rle.RetryAfter > wait {
				wait = rle.RetryAfter
			}
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				notificationsTotal.WithLabelValues(s.Name(), "error").Inc()
				return fmt.Errorf("context cancelled during backoff: %w", ctx.Err())
			}
			notificationsTotal.WithLabelValues(s.Name(), "retry").Inc()
		}

		if err := s.limiter.Wait(ctx); err != nil {
			notificationsTotal.WithLabelValues(s.Name(), "error").Inc()
			return fmt.Errorf("wait for slack rate limiter: %w", err)
		}

		lastErr = s.post(ctx, text)
		if lastErr == nil {
			return nil
		}

		if ctx.Err() != nil || !isRetryable(lastErr) {
			notificationsTotal.WithLabelValues(s.Name(), "error").Inc()
			return fmt.Errorf("slack send failed: %w", lastErr)
		}

		s.logger.Debug("Slack send transient failure, will retry",
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
	}

	notificationsTotal.WithLabelValues(s.Name(), "error").Inc()
	return fmt.Errorf("slack send failed after %d attempts: %w", s.maxRetries+1, lastErr)
}

// post performs a single chat.postMessage call.
func (s *SlackSender) post(ctx context.Context, text string) error {
	start := time.Now()
	_, ts, err := s.client.PostMessageContext(ctx, s.channel, slack.MsgOptionText(text, false))
	duration := time.Since(start).Seconds()
	if err != nil {
		notificationDuration.WithLabelValues(s.Name(), "error").Observe(duration)
		return err
	}
	notificationsTotal.WithLabelValues(s.Name(), "success").Inc()
	notificationDuration.WithLabelValues(s.Name(), "success").Observe(duration)
	s.logger.Debug("Slack message posted", zap.String("channel", s.channel), zap.String("ts", ts))
	return nil
}

// retryable is implemented by slack-go's HTTP status and rate limit errors.
type retryable interface {
	Retryable() bool
}

// isRetryable returns true if the error is a transient failure worth retrying.
func isRetryable(err error) bool {
	// Slack answered with ok=false: bad token, unknown channel, etc.
	var apiErr slack.SlackErrorResponse
	if errors.As(err, &apiErr) {
		return false
	}
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	// Unknown errors (connection refused, DNS, etc.) are retryable.
	return true
}
