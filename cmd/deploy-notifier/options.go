package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/DBCDK/deploy-notifier/internal/filter"
	"github.com/DBCDK/deploy-notifier/internal/notifier"
	"github.com/DBCDK/deploy-notifier/internal/store"
	"github.com/DBCDK/deploy-notifier/internal/util"
)

// Environment variables read at startup. Secrets set here override flags.
const (
	envSlackToken     = "SLACK_TOKEN"
	envStoreLogin     = "DEPLOY_NOTIFIER_STORE_LOGIN"
	envOwnerNamespace = "OWNER_NAMESPACE"
	envSlackProxy     = "SLACK_PROXY"
)

const redisPingTimeout = 5 * time.Second

type options struct {
	kubeconfig    string
	slackToken    string
	slackChannel  string
	storeEndpoint string
	storeLogin    string
	redisAddr     string
	dedupStrategy string
	dedupWindow   time.Duration
	teamLabel     string
	selector      string
	watchTimeout  time.Duration
	maxSessions   int
	metricsAddr   string
	logLevel      string
	dryRun        bool

	ownerNamespace string
	slackProxy     string
}

func defaultOptions() *options {
	return &options{
		dedupStrategy:  "content",
		dedupWindow:    filter.DefaultWindow,
		teamLabel:      filter.DefaultTeamLabel,
		watchTimeout:   30 * time.Minute,
		metricsAddr:    ":8080",
		logLevel:       "info",
		ownerNamespace: store.DefaultOwnerNamespace,
	}
}

// applyEnv reads environment overrides through getenv.
func (o *options) applyEnv(getenv func(string) string) {
	if v := getenv(envSlackToken); v != "" {
		o.slackToken = v
	}
	if v := getenv(envStoreLogin); v != "" {
		o.storeLogin = v
	}
	if v := getenv(envOwnerNamespace); v != "" {
		o.ownerNamespace = v
	}
	if v := getenv(envSlackProxy); v != "" {
		o.slackProxy = v
	}
}

func (o *options) validate() error {
	if !o.dryRun {
		if o.slackToken == "" {
			return fmt.Errorf("--slack-token or %s is required unless --dry-run is set", envSlackToken)
		}
		if o.slackChannel == "" {
			return fmt.Errorf("--slack-channel is required unless --dry-run is set")
		}
	}
	if o.redisAddr != "" && o.storeEndpoint != "" {
		return fmt.Errorf("--redis-addr and --store-endpoint are mutually exclusive")
	}
	if _, err := filter.StrategyByName(o.dedupStrategy, o.dedupWindow); err != nil {
		return err
	}
	if o.dedupStrategy == "window" && o.dedupWindow <= 0 {
		return fmt.Errorf("--dedup-window must be positive, got %s", o.dedupWindow)
	}
	if _, err := util.ParseSelector(o.selector); err != nil {
		return fmt.Errorf("invalid --selector: %w", err)
	}
	if o.maxSessions < 0 {
		return fmt.Errorf("--max-sessions must not be negative")
	}
	if _, err := zapcore.ParseLevel(o.logLevel); err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	return nil
}

// buildLogger returns a production JSON logger at the given level.
func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	logConfig := zap.NewProductionConfig()
	logConfig.Level = lvl
	logConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return logConfig.Build()
}

// restConfig loads the cluster configuration. An explicit kubeconfig path
// wins; otherwise in-cluster config, $KUBECONFIG and ~/.kube/config are
// tried in that order.
func (o *options) restConfig() (*rest.Config, error) {
	if o.kubeconfig != "" {
		cfg, err := clientcmd.BuildConfigFromFlags("", o.kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("load kubeconfig %s: %w", o.kubeconfig, err)
		}
		return cfg, nil
	}
	cfg, err := ctrl.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("load cluster config: %w", err)
	}
	return cfg, nil
}

func (o *options) buildFilter() (*filter.Filter, error) {
	strategy, err := filter.StrategyByName(o.dedupStrategy, o.dedupWindow)
	if err != nil {
		return nil, err
	}
	return filter.New(filter.Options{Strategy: strategy, TeamLabel: o.teamLabel}), nil
}

// buildStore selects the state store backend. The returned func releases it.
func (o *options) buildStore(ctx context.Context, logger *zap.Logger) (store.Store, func(), error) {
	noop := func() {}

	switch {
	case o.redisAddr != "":
		rs, err := store.NewRedisStore(logger, &redis.Options{Addr: o.redisAddr}, o.ownerNamespace)
		if err != nil {
			return nil, noop, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		defer cancel()
		if err := rs.Ping(pingCtx); err != nil {
			logger.Warn("Redis store unreachable at startup, tables start empty",
				zap.String("addr", o.redisAddr), zap.Error(err))
		}
		return rs, func() { _ = rs.Close() }, nil

	case o.storeEndpoint != "":
		var login store.Login
		if o.storeLogin != "" {
			parsed, err := store.ParseLogin(o.storeLogin)
			if err != nil {
				logger.Warn("Invalid store login, persistence disabled", zap.Error(err))
				return store.Disabled{}, noop, nil
			}
			login = parsed
		}
		hs, err := store.NewHTTPStore(logger, store.HTTPStoreConfig{
			Endpoint: o.storeEndpoint,
			Login:    login,
			Owner:    o.ownerNamespace,
		})
		if err != nil {
			return nil, noop, err
		}
		return hs, noop, nil

	default:
		logger.Info("No state store configured, persistence disabled")
		return store.Disabled{}, noop, nil
	}
}

func (o *options) buildSender(logger *zap.Logger) (notifier.Sender, error) {
	if o.dryRun {
		return notifier.NewLogSender(logger), nil
	}
	return notifier.NewSlackSender(logger, notifier.SlackSenderConfig{
		Token:    o.slackToken,
		Channel:  o.slackChannel,
		ProxyURL: o.slackProxy,
	})
}
