package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jordan13p/websocket-test/internal/metrics"
	"github.com/jordan13p/websocket-test/internal/platform/retry"
	goredis "github.com/redis/go-redis/v9"
)

var connectPolicy = retry.Policy{
	MaxAttempts:    5,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     5 * time.Second,
}

// NewClient connects to redisURL (e.g. "redis://localhost:6379/0"). The
// initial ping is retried for transient network errors; the circuit breaker
// is installed only after it succeeds so startup retries cannot trip it.
func NewClient(ctx context.Context, redisURL string, m *metrics.RedisMetrics, logger *slog.Logger) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := goredis.NewClient(opts)
	client.AddHook(NewMetricsHook(m))

	policy := connectPolicy
	policy.OnRetry = func(attempt int, err error, backoff time.Duration) {
		logger.Warn("Redis not reachable, retrying", "attempt", attempt, "backoff", backoff, "error", err)
	}
	if err := retry.DoVoid(ctx, policy, retry.ClassifyNetwork, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	client.AddHook(NewCircuitBreakerHook(m, logger))
	logger.Info("Connected to Redis", "addr", opts.Addr, "db", opts.DB)
	return client, nil
}
