package sipfront

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// defaultRegisterRate allows sustained re-registration traffic from a
	// NAT gateway fronting several phones while still smothering
	// credential-stuffing floods.
	defaultRegisterRate  = rate.Limit(5)
	defaultRegisterBurst = 10
	guardIdleExpiry      = 10 * time.Minute
)

type guardEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateGuard throttles SIP requests per source IP with a token bucket
// per address. Idle entries are dropped by Sweep.
type RateGuard struct {
	mu      sync.Mutex
	perIP   map[string]*guardEntry
	limit   rate.Limit
	burst   int
	nowFunc func() time.Time
}

// NewRateGuard creates a per-IP limiter. Zero values select the
// defaults.
func NewRateGuard(limit rate.Limit, burst int) *RateGuard {
	if limit <= 0 {
		limit = defaultRegisterRate
	}
	if burst <= 0 {
		burst = defaultRegisterBurst
	}
	return &RateGuard{
		perIP:   make(map[string]*guardEntry),
		limit:   limit,
		burst:   burst,
		nowFunc: time.Now,
	}
}

// Allow reports whether a request from the given source IP may proceed.
func (g *RateGuard) Allow(sourceIP string) bool {
	g.mu.Lock()
	e, ok := g.perIP[sourceIP]
	if !ok {
		e = &guardEntry{limiter: rate.NewLimiter(g.limit, g.burst)}
		g.perIP[sourceIP] = e
	}
	e.lastSeen = g.nowFunc()
	g.mu.Unlock()
	return e.limiter.Allow()
}

// Sweep removes entries that have been idle past the expiry window.
func (g *RateGuard) Sweep() {
	cutoff := g.nowFunc().Add(-guardIdleExpiry)
	g.mu.Lock()
	defer g.mu.Unlock()
	for ip, e := range g.perIP {
		if e.lastSeen.Before(cutoff) {
			delete(g.perIP, ip)
		}
	}
}

// Tracked returns how many source IPs currently hold a limiter.
func (g *RateGuard) Tracked() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.perIP)
}
