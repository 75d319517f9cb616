package redis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cschleiden/go-flows/backend"
	"github.com/cschleiden/go-flows/backend/metrics"
	"github.com/cschleiden/go-flows/internal/metrickeys"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
)

var _ backend.Backend = (*redisBackend)(nil)

func NewRedisBackend(client redis.UniversalClient, opts ...RedisBackendOption) (*redisBackend, error) {
	// Default options
	o := backend.ApplyOptions()
	options := &RedisOptions{
		Options:        &o,
		LeaseScanLimit: 1000,
	}

	for _, opt := range opts {
		opt(options)
	}

	workerName := options.WorkerName
	if workerName == "" {
		workerName = fmt.Sprintf("worker-%v", uuid.NewString())
	}

	rb := &redisBackend{
		rdb:        client,
		options:    options,
		keys:       newKeys(options.KeyPrefix),
		workerName: workerName,
		metrics:    options.Metrics.WithTags(metrics.Tags{metrickeys.Backend: "redis"}),
	}

	// Preload scripts here. Usually go-redis attempts to execute them first, and if redis doesn't know
	// them, loads them. Loading them eagerly surfaces connection problems on startup.
	ctx := context.Background()
	cmds := map[string]*redis.StringCmd{
		"leaseEventCmd":    leaseEventCmd.Load(ctx, rb.rdb),
		"extendEventCmd":   extendEventCmd.Load(ctx, rb.rdb),
		"completeEventCmd": completeEventCmd.Load(ctx, rb.rdb),
	}
	for name, cmd := range cmds {
		if cmd.Err() != nil {
			return nil, fmt.Errorf("loading redis script: %v %w", name, cmd.Err())
		}
	}

	return rb, nil
}

type redisBackend struct {
	rdb        redis.UniversalClient
	options    *RedisOptions
	keys       *keys
	workerName string
	metrics    metrics.Client
}

func (rb *redisBackend) Logger() *slog.Logger {
	return rb.options.Logger
}

func (rb *redisBackend) Metrics() metrics.Client {
	return rb.metrics
}

func (rb *redisBackend) Tracer() trace.Tracer {
	return rb.options.TracerProvider.Tracer(backend.TracerName)
}

func (rb *redisBackend) Options() *backend.Options {
	return rb.options.Options
}

func (rb *redisBackend) Close() error {
	return rb.rdb.Close()
}

func (rb *redisBackend) GetStats(ctx context.Context) (*backend.Stats, error) {
	stats := &backend.Stats{}

	flows, err := rb.rdb.SCard(ctx, rb.keys.flowsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("counting flow instances: %w", err)
	}

	events, err := rb.rdb.ZCard(ctx, rb.keys.eventsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("counting pending events: %w", err)
	}

	stats.ActiveFlowInstances = flows
	stats.PendingEvents = events

	return stats, nil
}
