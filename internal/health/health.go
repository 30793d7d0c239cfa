// Package health reports the liveness snapshot served on the health routes.
package health

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/jordan13p/websocket-test/internal/identity"
	"github.com/jordan13p/websocket-test/internal/protocol"
)

const (
	StatusHealthy = "healthy"
	ServiceName   = "websocket-test-service"
)

// Counter reports the number of live connections.
type Counter interface {
	Count() int
}

// Snapshot is the health body. Field order follows the wire format.
type Snapshot struct {
	Status            string            `json:"status"`
	Timestamp         string            `json:"timestamp"`
	ActiveConnections int               `json:"active_websocket_connections"`
	Service           string            `json:"service"`
	Version           string            `json:"version"`
	Identity          identity.Identity `json:"service_identity"`
}

type Reporter struct {
	counter  Counter
	identity identity.Identity
	version  string
	clock    clockwork.Clock
	started  time.Time
}

func NewReporter(counter Counter, id identity.Identity, version string, clock clockwork.Clock) *Reporter {
	return &Reporter{
		counter:  counter,
		identity: id,
		version:  version,
		clock:    clock,
		started:  clock.Now(),
	}
}

// Snapshot reads the current state. It has no side effects and always
// reports healthy while the process can answer.
func (r *Reporter) Snapshot() Snapshot {
	return Snapshot{
		Status:            StatusHealthy,
		Timestamp:         protocol.Timestamp(r.clock.Now()),
		ActiveConnections: r.counter.Count(),
		Service:           ServiceName,
		Version:           r.version,
		Identity:          r.identity,
	}
}

// Uptime is the time since the reporter was created.
func (r *Reporter) Uptime() time.Duration {
	return r.clock.Since(r.started)
}
