package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DBCDK/deploy-notifier/internal/util"
)

// Runner is a unit of work bound to one namespace.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context) error

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// SessionFactory builds the Runner for a namespace.
type SessionFactory func(namespace string) (Runner, error)

// Options configures a Supervisor.
type Options struct {
	// MaxSessions caps the number of namespaces. Zero means no cap.
	MaxSessions int
}

// Supervisor starts a Runner per namespace and aggregates their outcomes.
type Supervisor struct {
	factory SessionFactory
	opts    Options
	logger  *zap.Logger
	active  atomic.Int32
}

// New creates a Supervisor.
func New(factory SessionFactory, logger *zap.Logger, opts Options) *Supervisor {
	return &Supervisor{
		factory: factory,
		opts:    opts,
		logger:  logger.Named("supervisor"),
	}
}

// Run starts one session per distinct namespace and blocks until all have
// returned. It returns nil when every session ended cleanly or was cancelled
// through ctx, and otherwise the combined errors of the failed sessions.
// A factory error is a startup configuration failure rather than a session
// failure: Run returns it before any session starts.
func (s *Supervisor) Run(ctx context.Context, namespaces []string) error {
	namespaces = util.UniqueStrings(namespaces)
	if len(namespaces) == 0 {
		return fmt.Errorf("at least one namespace is required")
	}
	if s.opts.MaxSessions > 0 && len(namespaces) > s.opts.MaxSessions {
		return fmt.Errorf("%d namespaces requested, at most %d allowed", len(namespaces), s.opts.MaxSessions)
	}

	runners := make([]Runner, len(namespaces))
	for i, ns := range namespaces {
		r, err := s.factory(ns)
		if err != nil {
			return fmt.Errorf("create session for %s: %w", ns, err)
		}
		runners[i] = r
	}

	s.logger.Info("Starting sessions", zap.Strings("namespaces", namespaces))

	var (
		mu   sync.Mutex
		errs error
		g    errgroup.Group
	)
	for i, ns := range namespaces {
		runner := runners[i]
		// Goroutines never return an error to the group, so one failure
		// does not stop the others.
		g.Go(func() error {
			err := s.runOne(ctx, ns, runner)
			if err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if errs != nil {
		s.logger.Error("Sessions failed",
			zap.Int("failed", len(multierr.Errors(errs))),
			zap.Int("total", len(namespaces)),
			zap.Error(errs),
		)
		return errs
	}
	s.logger.Info("All sessions stopped")
	return nil
}

// Active returns the number of sessions currently running.
func (s *Supervisor) Active() int {
	return int(s.active.Load())
}

func (s *Supervisor) runOne(ctx context.Context, namespace string, runner Runner) (err error) {
	logger := s.logger.With(zap.String("namespace", namespace))
	s.active.Add(1)
	sessionsActive.Inc()
	defer func() {
		sessionsActive.Dec()
		s.active.Add(-1)
	}()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session %s panicked: %v", namespace, r)
		}
		switch {
		case err == nil:
			sessionsEndedTotal.WithLabelValues(namespace, "stopped").Inc()
		case errors.Is(err, context.Canceled) && ctx.Err() != nil:
			sessionsEndedTotal.WithLabelValues(namespace, "cancelled").Inc()
			err = nil
		default:
			sessionsEndedTotal.WithLabelValues(namespace, "failed").Inc()
			logger.Error("Session failed", zap.Error(err))
			err = fmt.Errorf("namespace %s: %w", namespace, err)
		}
	}()

	return runner.Run(ctx)
}
