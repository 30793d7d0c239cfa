package websocket

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// LimitReason describes why a connection was refused. Values double as the
// reason label on the rejected-connections counter.
type LimitReason string

const (
	LimitReasonGlobal   LimitReason = "global_limit"
	LimitReasonPerIP    LimitReason = "per_ip_limit"
	LimitReasonRate     LimitReason = "rate_limit"
	LimitReasonShutdown LimitReason = "shutting_down"
)

const (
	rateEntryTTL    = 10 * time.Minute
	cleanupInterval = 5 * time.Minute
)

// globalLimiter caps concurrent connections for the whole instance.
type globalLimiter struct {
	current atomic.Int64
	max     int64
}

func (l *globalLimiter) acquire() bool {
	for {
		current := l.current.Load()
		if current >= l.max {
			return false
		}
		if l.current.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (l *globalLimiter) release() {
	l.current.Add(-1)
}

// ipLimiter caps concurrent connections per client IP.
type ipLimiter struct {
	mu     sync.Mutex
	ips    map[string]int
	maxPer int
}

func (l *ipLimiter) acquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ips[ip] >= l.maxPer {
		return false
	}
	l.ips[ip]++
	return true
}

func (l *ipLimiter) release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if count := l.ips[ip]; count > 1 {
		l.ips[ip] = count - 1
	} else {
		delete(l.ips, ip)
	}
}

func (l *ipLimiter) count(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ips[ip]
}

// rateLimiter is a token bucket per client IP. Idle buckets are swept
// lazily on the next Allow after cleanupInterval.
type rateLimiter struct {
	mu        sync.Mutex
	clock     clockwork.Clock
	buckets   map[string]*rateEntry
	rate      rate.Limit
	burst     int
	cleanupAt time.Time
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func (l *rateLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.After(l.cleanupAt) {
		l.sweep(now)
		l.cleanupAt = now.Add(cleanupInterval)
	}

	entry, ok := l.buckets[ip]
	if !ok {
		entry = &rateEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[ip] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// sweep must be called with mu held.
func (l *rateLimiter) sweep(now time.Time) {
	cutoff := now.Add(-rateEntryTTL)
	for ip, entry := range l.buckets {
		if entry.lastSeen.Before(cutoff) {
			delete(l.buckets, ip)
		}
	}
}

func (l *rateLimiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// LimitConfig sets connection admission limits. A zero MaxConnections or
// MaxPerIP disables that limit; a zero Rate disables rate limiting.
type LimitConfig struct {
	MaxConnections int64
	MaxPerIP       int
	Rate           float64
	Burst          int
}

// Limits admits new connections against the global, per-IP and rate limits.
type Limits struct {
	global *globalLimiter
	perIP  *ipLimiter
	rate   *rateLimiter
}

func NewLimits(cfg LimitConfig, clock clockwork.Clock) *Limits {
	l := &Limits{}
	if cfg.MaxConnections > 0 {
		l.global = &globalLimiter{max: cfg.MaxConnections}
	}
	if cfg.MaxPerIP > 0 {
		l.perIP = &ipLimiter{ips: make(map[string]int), maxPer: cfg.MaxPerIP}
	}
	if cfg.Rate > 0 {
		l.rate = &rateLimiter{
			clock:     clock,
			buckets:   make(map[string]*rateEntry),
			rate:      rate.Limit(cfg.Rate),
			burst:     max(cfg.Burst, 1),
			cleanupAt: clock.Now().Add(cleanupInterval),
		}
	}
	return l
}

// Acquire reserves a slot for ip. On success the caller must Release it.
func (l *Limits) Acquire(ip string) (bool, LimitReason) {
	if l.rate != nil && !l.rate.allow(ip) {
		return false, LimitReasonRate
	}
	if l.global != nil && !l.global.acquire() {
		return false, LimitReasonGlobal
	}
	if l.perIP != nil && !l.perIP.acquire(ip) {
		if l.global != nil {
			l.global.release()
		}
		return false, LimitReasonPerIP
	}
	return true, ""
}

func (l *Limits) Release(ip string) {
	if l.perIP != nil {
		l.perIP.release(ip)
	}
	if l.global != nil {
		l.global.release()
	}
}

// Current returns the number of admitted connections, or -1 when the global
// limit is disabled.
func (l *Limits) Current() int64 {
	if l.global == nil {
		return -1
	}
	return l.global.current.Load()
}
