package coordination

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// PruneLeaseKey holds the id of the instance allowed to prune.
const PruneLeaseKey = "websocket-test:leader:prune"

// ErrNotLeader is returned by Renew when another instance holds the lease.
var ErrNotLeader = errors.New("not leader")

type leaseStore interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

const (
	renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`
	releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`
)

// LeaderElection is a single-holder lease on a Redis key. The holder keeps
// it by renewing before the TTL runs out; if it dies the key expires and
// another instance takes over.
type LeaderElection struct {
	store      leaseStore
	instanceID string
	key        string
	ttl        time.Duration
}

var _ Lease = (*LeaderElection)(nil)

func NewLeaderElection(store leaseStore, instanceID, key string, ttl time.Duration) *LeaderElection {
	return &LeaderElection{store: store, instanceID: instanceID, key: key, ttl: ttl}
}

// Acquire takes the lease if it is free and renews it if already held.
func (l *LeaderElection) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.store.SetNX(ctx, l.key, l.instanceID, l.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	switch err := l.Renew(ctx); {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotLeader):
		return false, nil
	default:
		return false, err
	}
}

// Renew extends the lease. Returns ErrNotLeader if another instance holds it.
func (l *LeaderElection) Renew(ctx context.Context) error {
	n, err := l.store.Eval(ctx, renewScript, []string{l.key}, l.instanceID, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotLeader
	}
	return nil
}

// Release gives the lease up if this instance holds it.
func (l *LeaderElection) Release(ctx context.Context) error {
	return l.store.Eval(ctx, releaseScript, []string{l.key}, l.instanceID).Err()
}
