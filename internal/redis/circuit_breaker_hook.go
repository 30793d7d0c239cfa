package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/jordan13p/websocket-test/internal/metrics"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// staleTTL bounds how old a cached HGETALL result may be when served while
// the breaker is open. Peer entries are considered stale after three missed
// heartbeats anyway, so a longer window would only serve dead peers.
const staleTTL = time.Minute

// CircuitBreakerHook fails Redis operations fast once Redis has been failing,
// and serves the last good HGETALL result for a key while open. Writes are
// never served from cache.
type CircuitBreakerHook struct {
	cb    *gobreaker.CircuitBreaker
	cache *hashCache
}

var _ goredis.Hook = (*CircuitBreakerHook)(nil)

type hashCache struct {
	mu     sync.RWMutex
	clock  clockwork.Clock
	values map[string]cachedHash
}

type cachedHash struct {
	fields    map[string]string
	timestamp time.Time
}

// NewCircuitBreakerHook trips after 60% failures over at least 5 requests in
// a 10s window, probes again after 30s and closes after 3 successful probes.
func NewCircuitBreakerHook(m *metrics.RedisMetrics, logger *slog.Logger) *CircuitBreakerHook {
	return newCircuitBreakerHook(gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed", "component", name, "from", from.String(), "to", to.String())
			m.CircuitBreakerState.Set(stateToFloat(to))
		},
	}, clockwork.NewRealClock())
}

func newCircuitBreakerHook(st gobreaker.Settings, clock clockwork.Clock) *CircuitBreakerHook {
	return &CircuitBreakerHook{
		cb:    gobreaker.NewCircuitBreaker(st),
		cache: &hashCache{clock: clock, values: make(map[string]cachedHash)},
	}
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func isBreakerError(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func (h *CircuitBreakerHook) DialHook(next goredis.DialHook) goredis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := h.cb.Execute(func() (any, error) {
			return next(ctx, network, addr)
		})
		if err != nil {
			return nil, fmt.Errorf("circuit breaker dial failed: %w", err)
		}
		return conn.(net.Conn), nil
	}
}

func (h *CircuitBreakerHook) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		var cmdErr error
		_, err := h.cb.Execute(func() (any, error) {
			cmdErr = next(ctx, cmd)
			if cmdErr != nil && !errors.Is(cmdErr, goredis.Nil) {
				return nil, cmdErr
			}
			return nil, nil
		})

		if isBreakerError(err) {
			return h.fallback(cmd, err)
		}
		if err != nil {
			return fmt.Errorf("circuit breaker process failed: %w", err)
		}
		if cmdErr == nil {
			h.cache.store(cmd)
		}
		return cmdErr
	}
}

func (h *CircuitBreakerHook) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []goredis.Cmder) error {
		_, err := h.cb.Execute(func() (any, error) {
			return nil, next(ctx, cmds)
		})
		if isBreakerError(err) {
			return fmt.Errorf("redis circuit breaker open: %w", err)
		}
		if err != nil {
			return fmt.Errorf("circuit breaker pipeline failed: %w", err)
		}
		return nil
	}
}

// fallback answers a rejected command from cache when it is a read of a
// hash seen recently.
func (h *CircuitBreakerHook) fallback(cmd goredis.Cmder, cause error) error {
	if c, ok := cmd.(*goredis.MapStringStringCmd); ok && cmd.Name() == "hgetall" {
		if fields, ok := h.cache.load(cmd); ok {
			c.SetVal(fields)
			return nil
		}
		return fmt.Errorf("redis circuit breaker open and no cached value: %w", cause)
	}
	return fmt.Errorf("redis circuit breaker open: %w", cause)
}

func (c *hashCache) store(cmd goredis.Cmder) {
	hc, ok := cmd.(*goredis.MapStringStringCmd)
	if !ok || cmd.Name() != "hgetall" || len(cmd.Args()) < 2 {
		return
	}
	key := fmt.Sprint(cmd.Args()[1])

	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = cachedHash{fields: maps.Clone(hc.Val()), timestamp: c.clock.Now()}
}

func (c *hashCache) load(cmd goredis.Cmder) (map[string]string, bool) {
	if len(cmd.Args()) < 2 {
		return nil, false
	}
	key := fmt.Sprint(cmd.Args()[1])

	c.mu.RLock()
	defer c.mu.RUnlock()
	cached, ok := c.values[key]
	if !ok || c.clock.Since(cached.timestamp) > staleTTL {
		return nil, false
	}
	return maps.Clone(cached.fields), true
}

func (h *CircuitBreakerHook) state() gobreaker.State {
	return h.cb.State()
}
