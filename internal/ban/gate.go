// Package ban gates connections on source-address bans. The authoritative
// record is the Repository's banned_ips table; the gate keeps a short-TTL
// in-memory cache in front of it, invalidated by a version counter that the
// admin surface bumps whenever it mutates bans.
package ban

import (
	"context"
	"sync"
	"time"

	"github.com/murmur/chat-app/internal/clock"
)

// DefaultCacheTTL is how long a cached verdict is trusted.
const DefaultCacheTTL = 30 * time.Second

// Repository is the slice of the persistence contract the gate needs.
type Repository interface {
	IsBanned(ctx context.Context, ip string) (bool, error)
}

type cacheEntry struct {
	banned    bool
	version   uint64
	expiresAt time.Time
}

// Gate answers "is this source banned" with bounded staleness.
type Gate struct {
	repo  Repository
	clock clock.Clock
	ttl   time.Duration

	mu      sync.Mutex
	version uint64
	cache   map[string]cacheEntry
}

// NewGate creates a Gate over the repository with the default cache TTL.
func NewGate(repo Repository, clk clock.Clock) *Gate {
	return &Gate{
		repo:  repo,
		clock: clk,
		ttl:   DefaultCacheTTL,
		cache: make(map[string]cacheEntry),
	}
}

// IsBanned reports whether the source address is banned. A cached verdict is
// used if it is fresh and predates no Invalidate call. Repository errors are
// returned to the caller: the admission path fails closed on them.
func (g *Gate) IsBanned(ctx context.Context, ip string) (bool, error) {
	now := g.clock.Now()

	g.mu.Lock()
	entry, ok := g.cache[ip]
	version := g.version
	g.mu.Unlock()

	if ok && entry.version == version && now.Before(entry.expiresAt) {
		return entry.banned, nil
	}

	banned, err := g.repo.IsBanned(ctx, ip)
	if err != nil {
		return false, err
	}

	g.mu.Lock()
	// Invalidate may have run while the repository call was in flight;
	// caching under the stale version would mask the newer state.
	if g.version == version {
		g.cache[ip] = cacheEntry{banned: banned, version: version, expiresAt: now.Add(g.ttl)}
	}
	g.mu.Unlock()

	return banned, nil
}

// Invalidate discards all cached verdicts. Called by the admin surface after
// any ban mutation.
func (g *Gate) Invalidate() {
	g.mu.Lock()
	g.version++
	g.cache = make(map[string]cacheEntry)
	g.mu.Unlock()
}
