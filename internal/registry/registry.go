// Package registry tracks the live WebSocket connections of this instance.
//
// The Registry is the only shared mutable state between sessions. Reads
// (Count, Snapshot) run concurrently; Add and Remove are exclusive. Message
// delivery always happens on a snapshot, after the lock is released.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrDuplicateID is returned by Add when a connection with the same ID is
// already registered.
var ErrDuplicateID = errors.New("duplicate connection id")

// Sender delivers one encoded message to a connection's socket.
type Sender interface {
	Send(ctx context.Context, data []byte) error
}

// Connection is the registry's view of a live socket. It is owned by its
// session; the registry only references it.
type Connection struct {
	ID string
	// RemoteAddr is the client's address without a port, taken from proxy
	// headers when those are trusted.
	RemoteAddr   string
	RegisteredAt time.Time
	sender       Sender
}

func NewConnection(id, remoteAddr string, registeredAt time.Time, sender Sender) *Connection {
	return &Connection{
		ID:           id,
		RemoteAddr:   remoteAddr,
		RegisteredAt: registeredAt,
		sender:       sender,
	}
}

// Send delivers data through the connection's send capability.
func (c *Connection) Send(ctx context.Context, data []byte) error {
	return c.sender.Send(ctx, data)
}

type Registry struct {
	mu       sync.RWMutex
	conns    map[string]*Connection
	observer func(count int)
}

type Option func(*Registry)

// WithObserver registers fn to be called with the new size after every
// successful Add or Remove. fn runs under the registry lock and must not block.
func WithObserver(fn func(count int)) Option {
	return func(r *Registry) { r.observer = fn }
}

func New(opts ...Option) *Registry {
	r := &Registry{conns: make(map[string]*Connection)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Add(c *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[c.ID]; exists {
		return fmt.Errorf("add %s: %w", c.ID, ErrDuplicateID)
	}
	r.conns[c.ID] = c
	r.notify()
	return nil
}

// Remove deregisters id. Removing an absent id is a no-op so concurrent
// close paths may race freely.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[id]; !exists {
		return
	}
	delete(r.conns, id)
	r.notify()
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// SnapshotExcluding returns every registered connection except id.
func (r *Registry) SnapshotExcluding(id string) []*Connection {
	return r.collect(func(cid string) bool { return cid != id })
}

// Snapshot returns every registered connection. Shutdown uses it to report
// connections that did not close in time.
func (r *Registry) Snapshot() []*Connection {
	return r.collect(func(string) bool { return true })
}

func (r *Registry) collect(keep func(id string) bool) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Connection, 0, len(r.conns))
	for id, c := range r.conns {
		if keep(id) {
			out = append(out, c)
		}
	}
	return out
}

func (r *Registry) notify() {
	if r.observer != nil {
		r.observer(len(r.conns))
	}
}
