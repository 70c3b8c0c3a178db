package catalog

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// snapshotKey is the single cache slot used by Cached.
const snapshotKey = "snapshot"

// Cached wraps a Fetcher and reuses a successful snapshot for ttl.
// Degraded snapshots are never stored, so the next caller retries upstream.
// Concurrent misses share one upstream fetch.
type Cached struct {
	// next is the wrapped fetcher.
	next Fetcher

	// cache holds the last good snapshot.
	cache *cache.Cache

	// group collapses concurrent misses.
	group singleflight.Group

	// ttl is how long a good snapshot is reused.
	ttl time.Duration
}

// NewCached wraps next. A ttl <= 0 disables caching and returns next unchanged.
func NewCached(next Fetcher, ttl time.Duration) Fetcher {
	if ttl <= 0 {
		return next
	}
	return &Cached{
		next:  next,
		cache: cache.New(ttl, 2*ttl),
		ttl:   ttl,
	}
}

// Fetch returns the cached snapshot or fetches a new one.
func (c *Cached) Fetch(ctx context.Context) Snapshot {
	if v, ok := c.cache.Get(snapshotKey); ok {
		return v.(Snapshot)
	}

	v, _, _ := c.group.Do(snapshotKey, func() (any, error) {
		if v, ok := c.cache.Get(snapshotKey); ok {
			return v, nil
		}
		// Waiters share this fetch, so it outlives the caller that started it.
		snap := c.next.Fetch(context.WithoutCancel(ctx))
		if !snap.Degraded() {
			c.cache.Set(snapshotKey, snap, c.ttl)
		}
		return snap, nil
	})
	return v.(Snapshot)
}
