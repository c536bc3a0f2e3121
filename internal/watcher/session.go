package watcher

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	appsv1 "k8s.io/api/apps/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	"github.com/DBCDK/deploy-notifier/internal/filter"
	"github.com/DBCDK/deploy-notifier/internal/notifier"
	"github.com/DBCDK/deploy-notifier/internal/store"
	"github.com/DBCDK/deploy-notifier/internal/types"
)

// SessionDeps are the collaborators a Session calls for side effects.
// Both may be shared between sessions.
type SessionDeps struct {
	Store  store.Store
	Sender notifier.Sender
}

// SessionOptions configures a Session.
type SessionOptions struct {
	Filter *filter.Filter
	// LabelSelector restricts which Deployments are watched.
	LabelSelector string
	// WatchTimeout asks the API server to close each watch after this long.
	// The session then reopens it from the last seen resourceVersion.
	WatchTimeout time.Duration
	// ResyncOnExpiry re-lists after an expired resourceVersion instead of
	// ending the session.
	ResyncOnExpiry bool
	// RetryDelay is the first pause before reopening a closed or expired
	// watch. It doubles per consecutive reopen up to MaxRetryDelay and
	// resets once a watch delivers an event. Zero means one second.
	RetryDelay time.Duration
	// MaxRetryDelay caps RetryDelay. Zero means 30 seconds.
	MaxRetryDelay time.Duration
}

const (
	defaultRetryDelay    = time.Second
	defaultMaxRetryDelay = 30 * time.Second
)

// DefaultSessionOptions returns content-equality filtering, 30 minute
// watches, resync on expiry and a 1s to 30s reopen backoff.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		Filter:         filter.New(filter.DefaultOptions()),
		WatchTimeout:   30 * time.Minute,
		ResyncOnExpiry: true,
		RetryDelay:     defaultRetryDelay,
		MaxRetryDelay:  defaultMaxRetryDelay,
	}
}

// Session watches Deployments in one namespace and announces transitions.
type Session struct {
	client    kubernetes.Interface
	namespace string
	store     store.Store
	sender    notifier.Sender
	opts      SessionOptions
	logger    *zap.Logger
	now       func() time.Time

	table           types.EventTable
	resourceVersion string
}

// NewSession creates a Session for namespace. A nil Store disables persistence.
func NewSession(client kubernetes.Interface, namespace string, deps SessionDeps, logger *zap.Logger, opts SessionOptions) *Session {
	if opts.Filter == nil {
		opts.Filter = filter.New(filter.DefaultOptions())
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.MaxRetryDelay <= 0 {
		opts.MaxRetryDelay = defaultMaxRetryDelay
	}
	opts.MaxRetryDelay = max(opts.MaxRetryDelay, opts.RetryDelay)
	st := deps.Store
	if st == nil {
		st = store.Disabled{}
	}
	return &Session{
		client:    client,
		namespace: namespace,
		store:     st,
		sender:    deps.Sender,
		opts:      opts,
		logger:    logger.Named("session").With(zap.String("namespace", namespace)),
		now:       time.Now,
	}
}

// Run loads state, then watches until ctx is cancelled or an unrecoverable
// error occurs. It always returns a non-nil error: ctx.Err() after
// cancellation, otherwise the error that ended the session.
func (s *Session) Run(ctx context.Context) error {
	s.logger.Info("Watching namespace",
		zap.String("store", s.store.Name()),
		zap.String("sender", s.sender.Name()),
		zap.String("dedup_strategy", s.opts.Filter.StrategyName()),
	)

	s.table = s.store.Get(ctx, s.namespace)
	if s.table == nil {
		s.table = types.EventTable{}
	}

	if err := s.list(ctx); err != nil {
		return err
	}

	backoff := s.newBackoff()
	for {
		received, err := s.watch(ctx)
		if ctx.Err() != nil {
			s.logger.Info("Session stopped")
			return ctx.Err()
		}
		if received {
			backoff = s.newBackoff()
		}

		expired := false
		switch {
		case err == nil:
			watchRestartsTotal.WithLabelValues(s.namespace, "closed").Inc()
		case isExpired(err) && s.opts.ResyncOnExpiry:
			watchRestartsTotal.WithLabelValues(s.namespace, "expired").Inc()
			expired = true
		default:
			return err
		}

		delay := backoff.Step()
		if expired {
			s.logger.Info("Watch cursor expired, re-listing",
				zap.Duration("delay", delay), zap.Error(err))
		} else {
			s.logger.Debug("Watch closed by server, reopening",
				zap.Duration("delay", delay),
				zap.String("resource_version", s.resourceVersion))
		}
		if err := pause(ctx, delay); err != nil {
			s.logger.Info("Session stopped")
			return err
		}
		if expired {
			if err := s.list(ctx); err != nil {
				return err
			}
		}
	}
}

// newBackoff returns the reopen schedule: RetryDelay doubling up to MaxRetryDelay.
func (s *Session) newBackoff() *wait.Backoff {
	return &wait.Backoff{
		Duration: s.opts.RetryDelay,
		Factor:   2,
		Jitter:   0.1,
		Steps:    math.MaxInt32,
		Cap:      s.opts.MaxRetryDelay,
	}
}

// pause waits for d or until ctx is done.
func pause(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// list fetches the current Deployments only to learn the resourceVersion
// to watch from. Existing Deployments are not announced.
func (s *Session) list(ctx context.Context) error {
	list, err := s.client.AppsV1().Deployments(s.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: s.opts.LabelSelector,
	})
	if err != nil {
		return fmt.Errorf("list deployments in %s: %w", s.namespace, err)
	}
	s.resourceVersion = list.ResourceVersion
	s.logger.Debug("Listed deployments",
		zap.Int("count", len(list.Items)),
		zap.String("resource_version", s.resourceVersion),
	)
	return nil
}

// watch consumes one watch stream. It returns nil when the server closes
// the stream and an error for anything that needs the caller's attention.
// received reports whether the stream delivered at least one event.
func (s *Session) watch(ctx context.Context) (received bool, err error) {
	opts := metav1.ListOptions{
		LabelSelector:       s.opts.LabelSelector,
		ResourceVersion:     s.resourceVersion,
		AllowWatchBookmarks: true,
	}
	if s.opts.WatchTimeout > 0 {
		timeout := int64(s.opts.WatchTimeout.Seconds())
		opts.TimeoutSeconds = &timeout
	}

	watcher, err := s.client.AppsV1().Deployments(s.namespace).Watch(ctx, opts)
	if err != nil {
		return false, fmt.Errorf("watch deployments in %s: %w", s.namespace, err)
	}
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return received, ctx.Err()
		case event, ok := <-watcher.ResultChan():
			if !ok {
				return received, nil
			}
			if event.Type != watch.Error {
				received = true
			}
			if err := s.handleEvent(ctx, event); err != nil {
				return received, err
			}
		}
	}
}

// handleEvent processes a single watch event.
func (s *Session) handleEvent(ctx context.Context, event watch.Event) error {
	switch event.Type {
	case watch.Error:
		return fmt.Errorf("watch deployments in %s: %w", s.namespace, apierrors.FromObject(event.Object))
	case watch.Bookmark:
		if obj, err := meta.Accessor(event.Object); err == nil {
			s.resourceVersion = obj.GetResourceVersion()
		}
		return nil
	}

	d, ok := event.Object.(*appsv1.Deployment)
	if !ok {
		s.logger.Warn("Unexpected object in deployment watch",
			zap.String("type", fmt.Sprintf("%T", event.Object)))
		return nil
	}
	if d.ResourceVersion != "" {
		s.resourceVersion = d.ResourceVersion
	}

	ct, ok := types.ChangeTypeFromWatch(event.Type)
	if !ok {
		return nil
	}

	decision := s.opts.Filter.Evaluate(s.table, s.namespace, ct, d, s.now())
	eventsTotal.WithLabelValues(s.namespace, string(decision.Verdict)).Inc()
	if decision.Verdict != filter.VerdictEmit {
		s.logger.Debug("Event suppressed",
			zap.String("deployment", d.Name),
			zap.String("change", string(ct)),
			zap.String("reason", string(decision.Verdict)),
		)
		return nil
	}

	s.table[d.Name] = decision.Record
	if err := s.store.Put(ctx, s.namespace, s.table); err != nil {
		s.logger.Warn("Failed to persist event table, continuing in memory",
			zap.String("store", s.store.Name()),
			zap.Error(err),
		)
	}

	s.logger.Info("Deployment transition",
		zap.String("deployment", d.Name),
		zap.String("change", string(ct)),
		zap.Strings("images", decision.Record.Snapshot.Images),
	)

	if err := s.sender.Send(ctx, decision.Message); err != nil {
		return fmt.Errorf("notify %s for %s: %w", s.sender.Name(), decision.Key, err)
	}
	return nil
}

// Table returns a copy of the session's event table. Only call it once Run has returned.
func (s *Session) Table() types.EventTable {
	return s.table.Clone()
}

func isExpired(err error) bool {
	return apierrors.IsResourceExpired(err) || apierrors.IsGone(err)
}
