package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/DBCDK/deploy-notifier/internal/types"
)

// RedisStore keeps tables as string values in Redis.
type RedisStore struct {
	rdb    *redis.Client
	logger *zap.Logger
	owner  string
}

// NewRedisStore creates a RedisStore from connection options.
func NewRedisStore(logger *zap.Logger, opts *redis.Options, owner string) (*RedisStore, error) {
	if opts == nil || opts.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	return &RedisStore{
		rdb:    redis.NewClient(opts),
		logger: logger.Named("redis-store"),
		owner:  owner,
	}, nil
}

// Name implements Store.
func (s *RedisStore) Name() string { return "redis" }

// Ping verifies Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, namespace string) types.EventTable {
	logger := s.logger.With(zap.String("namespace", namespace))

	data, err := s.rdb.Get(ctx, Key(s.owner, namespace)).Bytes()
	if errors.Is(err, redis.Nil) {
		storeOperationsTotal.WithLabelValues(s.Name(), "get", "not_found").Inc()
		logger.Info("No stored event table, starting without history")
		return types.EventTable{}
	}
	if err != nil {
		storeOperationsTotal.WithLabelValues(s.Name(), "get", "error").Inc()
		logger.Warn("Failed to load event table, starting without history", zap.Error(err))
		return types.EventTable{}
	}

	table, err := Decode(data)
	if err != nil {
		storeOperationsTotal.WithLabelValues(s.Name(), "get", "error").Inc()
		logger.Warn("Stored event table is unreadable, starting without history", zap.Error(err))
		return types.EventTable{}
	}
	storeOperationsTotal.WithLabelValues(s.Name(), "get", "success").Inc()
	logger.Info("Loaded event table", zap.Int("deployments", len(table)))
	return table
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, namespace string, table types.EventTable) error {
	data, err := Encode(namespace, table)
	if err != nil {
		storeOperationsTotal.WithLabelValues(s.Name(), "put", "error").Inc()
		return err
	}
	if err := s.rdb.Set(ctx, Key(s.owner, namespace), data, 0).Err(); err != nil {
		storeOperationsTotal.WithLabelValues(s.Name(), "put", "error").Inc()
		return fmt.Errorf("store event table in redis: %w", err)
	}
	storeOperationsTotal.WithLabelValues(s.Name(), "put", "success").Inc()
	return nil
}
