// deploy-notifier watches Deployments in one or more namespaces and posts a
// Slack message for every settled rollout and every deletion.
//
// Usage:
//
//	deploy-notifier --slack-channel '#deploys' prod staging
//	deploy-notifier -c ~/.kube/config --dry-run prod
//	deploy-notifier --store-endpoint https://blobs.example.com/state prod
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/DBCDK/deploy-notifier/internal/metrics"
	"github.com/DBCDK/deploy-notifier/internal/supervisor"
	"github.com/DBCDK/deploy-notifier/internal/watcher"
)

var version = "dev"

func main() {
	if err := newRootCmd().ExecuteContext(ctrl.SetupSignalHandler()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := defaultOptions()

	cmd := &cobra.Command{
		Use:   "deploy-notifier [flags] NAMESPACE...",
		Short: "Announce Kubernetes Deployment rollouts in Slack",
		Long: `deploy-notifier watches Deployments in the given namespaces and sends one
Slack message per settled rollout or deletion.

Intermediate rollout states and repeated events are suppressed. The last
announced state per namespace can be persisted to an HTTP blob endpoint or
Redis so restarts do not repeat announcements.`,
		Version:      version,
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.applyEnv(os.Getenv)
			if err := opts.validate(); err != nil {
				return err
			}
			return run(cmd.Context(), opts, args)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.kubeconfig, "kubeconfig", "c", "", "Path to a kubeconfig file. Defaults to in-cluster config, then $KUBECONFIG and ~/.kube/config.")
	f.StringVar(&opts.slackToken, "slack-token", "", "Slack bot token. Overridden by "+envSlackToken+" env var if set.")
	f.StringVar(&opts.slackChannel, "slack-channel", "", "Slack channel to post to.")
	f.StringVar(&opts.storeEndpoint, "store-endpoint", "", "Base URL of an HTTP blob endpoint used to persist announced state.")
	f.StringVar(&opts.storeLogin, "store-login", "", "Store credentials as user:password. Overridden by "+envStoreLogin+" env var if set.")
	f.StringVar(&opts.redisAddr, "redis-addr", "", "Redis address (host:port) used to persist announced state.")
	f.StringVar(&opts.dedupStrategy, "dedup-strategy", opts.dedupStrategy, "Duplicate suppression: content or window.")
	f.DurationVar(&opts.dedupWindow, "dedup-window", opts.dedupWindow, "Suppression window for the window strategy.")
	f.StringVar(&opts.teamLabel, "team-label", opts.teamLabel, "Deployment label naming the owning team. Empty disables it.")
	f.StringVar(&opts.selector, "selector", "", "Label selector restricting watched Deployments.")
	f.DurationVar(&opts.watchTimeout, "watch-timeout", opts.watchTimeout, "Server-side timeout for each watch request.")
	f.IntVar(&opts.maxSessions, "max-sessions", 0, "Maximum number of namespaces. 0 means unlimited.")
	f.StringVar(&opts.metricsAddr, "metrics-bind-address", opts.metricsAddr, "The address the metric endpoint binds to. Empty disables it.")
	f.StringVar(&opts.logLevel, "log-level", opts.logLevel, "Log level: debug, info, warn, error.")
	f.BoolVar(&opts.dryRun, "dry-run", false, "Log notifications instead of sending them to Slack.")

	return cmd
}

// clientFunc returns a clientset for one session.
type clientFunc func() (kubernetes.Interface, error)

func run(ctx context.Context, opts *options, namespaces []string) error {
	logger, err := buildLogger(opts.logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := opts.restConfig()
	if err != nil {
		return err
	}
	newClient := func() (kubernetes.Interface, error) {
		return kubernetes.NewForConfig(cfg)
	}
	return serve(ctx, opts, namespaces, logger, newClient)
}

// serve wires the components and blocks until every session has returned.
func serve(ctx context.Context, opts *options, namespaces []string, logger *zap.Logger, newClient clientFunc) error {
	logger.Info("Starting deploy-notifier",
		zap.String("version", version),
		zap.Strings("namespaces", namespaces),
		zap.String("owner_namespace", opts.ownerNamespace),
		zap.String("dedup_strategy", opts.dedupStrategy),
		zap.Bool("dry_run", opts.dryRun),
	)

	st, closeStore, err := opts.buildStore(ctx, logger)
	if err != nil {
		return fmt.Errorf("state store: %w", err)
	}
	defer closeStore()

	sender, err := opts.buildSender(logger)
	if err != nil {
		return fmt.Errorf("notifier: %w", err)
	}

	flt, err := opts.buildFilter()
	if err != nil {
		return err
	}

	sessionOpts := watcher.SessionOptions{
		Filter:         flt,
		LabelSelector:  opts.selector,
		WatchTimeout:   opts.watchTimeout,
		ResyncOnExpiry: true,
	}
	deps := watcher.SessionDeps{Store: st, Sender: sender}

	// Sessions do not share a clientset.
	factory := func(namespace string) (supervisor.Runner, error) {
		client, err := newClient()
		if err != nil {
			return nil, fmt.Errorf("create clientset: %w", err)
		}
		return watcher.NewSession(client, namespace, deps, logger, sessionOpts), nil
	}
	sup := supervisor.New(factory, logger, supervisor.Options{MaxSessions: opts.maxSessions})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	metricsDone := make(chan struct{})
	if opts.metricsAddr != "" {
		srv := metrics.NewServer(metrics.ServerConfig{
			Addr:  opts.metricsAddr,
			Ready: func() bool { return sup.Active() > 0 },
		}, logger)
		go func() {
			defer close(metricsDone)
			if err := srv.Start(ctx); err != nil {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	} else {
		close(metricsDone)
	}

	err = sup.Run(ctx, namespaces)
	cancel()
	select {
	case <-metricsDone:
	case <-time.After(15 * time.Second):
		logger.Warn("Metrics server did not stop in time")
	}
	if err != nil {
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}
