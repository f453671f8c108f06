// Package ipguard caps the number of concurrent charge-point connections
// accepted from a single source address.
package ipguard

import (
	"context"
	"sync"
	"time"

	"github.com/balu-dk/ocpp-csms-engine/internal/cache"
)

const (
	// DefaultLimit is the number of connections admitted per IP.
	DefaultLimit = 2

	// DefaultTTL bounds how long a stale cache entry can block an IP.
	DefaultTTL = time.Hour
)

// Guard tracks admitted connection tokens per IP, in memory and in the
// shared cache. When the cache is unreachable only the in-memory view is
// enforced.
type Guard struct {
	cache *cache.Store
	limit int
	ttl   time.Duration

	mu    sync.Mutex
	local map[string]map[string]struct{}
}

// New creates a guard. A nil store keeps enforcement process-local.
func New(store *cache.Store, limit int, ttl time.Duration) *Guard {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{
		cache: store,
		limit: limit,
		ttl:   ttl,
		local: make(map[string]map[string]struct{}),
	}
}

// Admit records token for ip and reports whether the connection may
// proceed. Connections without a known address are always admitted.
func (g *Guard) Admit(ctx context.Context, ip, token string) bool {
	if ip == "" {
		return true
	}

	admitted, ok := g.cache.AdmitToSet(ctx, cache.IPConnectionKey(ip), token, g.limit, g.ttl)

	g.mu.Lock()
	defer g.mu.Unlock()

	set := g.local[ip]
	if ok {
		if !admitted {
			return false
		}
	} else if _, member := set[token]; !member && len(set) >= g.limit {
		return false
	}

	if set == nil {
		set = make(map[string]struct{})
		g.local[ip] = set
	}
	set[token] = struct{}{}
	return true
}

// Release forgets token for ip. Releasing an unknown token is a no-op.
func (g *Guard) Release(ctx context.Context, ip, token string) {
	if ip == "" {
		return
	}

	g.mu.Lock()
	if set, ok := g.local[ip]; ok {
		delete(set, token)
		if len(set) == 0 {
			delete(g.local, ip)
		}
	}
	g.mu.Unlock()

	g.cache.RemoveFromSet(ctx, cache.IPConnectionKey(ip), token)
}

// Count returns the number of connections this process holds for ip.
func (g *Guard) Count(ip string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.local[ip])
}

// Limit returns the per-IP cap.
func (g *Guard) Limit() int {
	return g.limit
}
