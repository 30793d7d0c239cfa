package coordination

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/jordan13p/websocket-test/internal/identity"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	InstancesKey = "websocket-test:instances"
	// staleAfter heartbeats missed mark an instance as gone.
	staleAfter = 3
)

// hashStore is the subset of the go-redis client the registry uses.
type hashStore interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// Lease grants exclusive pruning rights to one instance at a time.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Counter reports live connections on this instance.
type Counter interface {
	Count() int
}

// InstanceInfo is one heartbeat entry.
type InstanceInfo struct {
	InstanceID        string               `json:"instance_id"`
	DisplayName       string               `json:"display_name"`
	Hostname          string               `json:"hostname"`
	ContainerIP       string               `json:"container_ip"`
	Environment       identity.Environment `json:"environment"`
	ActiveConnections int                  `json:"active_connections"`
	Timestamp         int64                `json:"timestamp"`
	Version           string               `json:"version"`
}

// InstanceRegistry publishes this instance's heartbeat and reads the
// heartbeats of its peers.
type InstanceRegistry struct {
	store     hashStore
	identity  identity.Identity
	counter   Counter
	version   string
	heartbeat time.Duration
	clock     clockwork.Clock
	logger    *slog.Logger
	lease     Lease

	group singleflight.Group
}

type Option func(*InstanceRegistry)

// WithLease enables pruning of stale entries by whichever instance holds
// the lease.
func WithLease(l Lease) Option {
	return func(r *InstanceRegistry) { r.lease = l }
}

func WithClock(c clockwork.Clock) Option {
	return func(r *InstanceRegistry) { r.clock = c }
}

func NewInstanceRegistry(
	store hashStore,
	id identity.Identity,
	counter Counter,
	version string,
	heartbeat time.Duration,
	logger *slog.Logger,
	opts ...Option,
) *InstanceRegistry {
	r := &InstanceRegistry{
		store:     store,
		identity:  id,
		counter:   counter,
		version:   version,
		heartbeat: heartbeat,
		clock:     clockwork.NewRealClock(),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start registers immediately, then heartbeats every interval. It blocks
// until ctx is cancelled, then deregisters.
func (r *InstanceRegistry) Start(ctx context.Context) {
	r.tick(ctx)

	ticker := r.clock.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			r.tick(ctx)
		case <-ctx.Done():
			r.shutdown()
			return
		}
	}
}

func (r *InstanceRegistry) tick(ctx context.Context) {
	if err := r.register(ctx); err != nil {
		r.logger.Warn("Instance heartbeat failed", "instance_id", r.identity.InstanceID, "error", err)
	}
	if r.lease == nil {
		return
	}
	leader, err := r.lease.Acquire(ctx)
	if err != nil {
		r.logger.Debug("Prune lease not acquired", "error", err)
		return
	}
	if !leader {
		return
	}
	if n, err := r.prune(ctx); err != nil {
		r.logger.Warn("Pruning stale instances failed", "error", err)
	} else if n > 0 {
		r.logger.Info("Pruned stale instances", "count", n)
	}
}

func (r *InstanceRegistry) register(ctx context.Context) error {
	data, err := json.Marshal(InstanceInfo{
		InstanceID:        r.identity.InstanceID,
		DisplayName:       r.identity.DisplayName,
		Hostname:          r.identity.Hostname,
		ContainerIP:       r.identity.ContainerIP,
		Environment:       r.identity.Environment,
		ActiveConnections: r.counter.Count(),
		Timestamp:         r.clock.Now().Unix(),
		Version:           r.version,
	})
	if err != nil {
		return fmt.Errorf("encode heartbeat: %w", err)
	}
	return r.store.HSet(ctx, InstancesKey, r.identity.InstanceID, data).Err()
}

// shutdown runs after the heartbeat context is gone, so it uses its own.
func (r *InstanceRegistry) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := r.store.HDel(ctx, InstancesKey, r.identity.InstanceID).Err(); err != nil {
		r.logger.Warn("Instance deregistration failed", "instance_id", r.identity.InstanceID, "error", err)
	}
	if r.lease != nil {
		if err := r.lease.Release(ctx); err != nil {
			r.logger.Debug("Prune lease release failed", "error", err)
		}
	}
}

// ActiveInstances returns the instances whose last heartbeat is recent,
// sorted by instance id. Concurrent calls share one Redis round trip.
func (r *InstanceRegistry) ActiveInstances(ctx context.Context) ([]InstanceInfo, error) {
	v, err, _ := r.group.Do("active", func() (any, error) {
		entries, err := r.load(ctx)
		if err != nil {
			return nil, err
		}
		active := make([]InstanceInfo, 0, len(entries))
		for _, info := range entries {
			if r.fresh(info) {
				active = append(active, info)
			}
		}
		sort.Slice(active, func(i, j int) bool { return active[i].InstanceID < active[j].InstanceID })
		return active, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]InstanceInfo), nil
}

func (r *InstanceRegistry) load(ctx context.Context) (map[string]InstanceInfo, error) {
	raw, err := r.store.HGetAll(ctx, InstancesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read instances: %w", err)
	}

	entries := make(map[string]InstanceInfo, len(raw))
	for field, data := range raw {
		var info InstanceInfo
		if err := json.Unmarshal([]byte(data), &info); err != nil {
			r.logger.Debug("Skipping malformed instance entry", "field", field, "error", err)
			continue
		}
		entries[field] = info
	}
	return entries, nil
}

func (r *InstanceRegistry) fresh(info InstanceInfo) bool {
	age := r.clock.Now().Unix() - info.Timestamp
	return age < int64((staleAfter * r.heartbeat).Seconds())
}

// prune removes entries whose heartbeat is stale. Malformed entries are
// left alone; they are skipped on read.
func (r *InstanceRegistry) prune(ctx context.Context) (int, error) {
	entries, err := r.load(ctx)
	if err != nil {
		return 0, err
	}

	var stale []string
	for field, info := range entries {
		if !r.fresh(info) {
			stale = append(stale, field)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := r.store.HDel(ctx, InstancesKey, stale...).Err(); err != nil {
		return 0, fmt.Errorf("delete stale instances: %w", err)
	}
	return len(stale), nil
}
