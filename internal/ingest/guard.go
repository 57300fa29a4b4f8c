package ingest

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/config"
)

const guardIdleTTL = 10 * time.Minute

// Guard protects the open REST door: it rate-limits intake per reporting
// client so one chatty emitter cannot starve the rest, and optionally
// restricts which providers samples may report on. Clients are keyed by
// their hashed ID, falling back to the transport's remote address.
type Guard struct {
	enabled bool
	rps     rate.Limit
	burst   int
	allowed map[string]struct{}

	mu       sync.Mutex
	limiters map[string]*guardEntry
}

type guardEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewGuard(cfg config.GuardConfig) *Guard {
	var allowed map[string]struct{}
	if len(cfg.AllowedProviders) > 0 {
		allowed = make(map[string]struct{}, len(cfg.AllowedProviders))
		for _, p := range cfg.AllowedProviders {
			p = strings.ToLower(strings.TrimSpace(p))
			if p != "" {
				allowed[p] = struct{}{}
			}
		}
	}
	return &Guard{
		enabled:  cfg.Enabled,
		rps:      rate.Limit(cfg.RatePerSec),
		burst:    cfg.Burst,
		allowed:  allowed,
		limiters: make(map[string]*guardEntry),
	}
}

// ProviderAllowed reports whether samples for the given provider are taken
// at all. An unset allowlist admits everyone; provider is expected in its
// normalized lower-case form.
func (g *Guard) ProviderAllowed(provider string) bool {
	if g == nil || !g.enabled || len(g.allowed) == 0 {
		return true
	}
	_, ok := g.allowed[provider]
	return ok
}

// AllowN asks whether a client may submit n samples right now.
func (g *Guard) AllowN(client string, n int) bool {
	if g == nil || !g.enabled {
		return true
	}
	if client == "" {
		client = "unknown"
	}
	now := time.Now()

	g.mu.Lock()
	entry, ok := g.limiters[client]
	if !ok {
		entry = &guardEntry{limiter: rate.NewLimiter(g.rps, g.burst)}
		g.limiters[client] = entry
	}
	entry.lastSeen = now
	if len(g.limiters) > 1 && len(g.limiters)%256 == 0 {
		g.pruneLocked(now)
	}
	g.mu.Unlock()

	return entry.limiter.AllowN(now, n)
}

// pruneLocked drops limiters for clients idle past the TTL.
func (g *Guard) pruneLocked(now time.Time) {
	for client, entry := range g.limiters {
		if now.Sub(entry.lastSeen) > guardIdleTTL {
			delete(g.limiters, client)
		}
	}
}
