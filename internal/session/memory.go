package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/54b3r/shopai-go/internal/catalog"
	"github.com/54b3r/shopai-go/internal/logging"
)

// entry is one session's state. mu guards history only; the session itself
// is immutable.
type entry struct {
	mu      sync.Mutex
	session *Session
	history []Turn
}

// MemoryConfig holds the settings for constructing a MemoryStore.
type MemoryConfig struct {
	// Fetcher captures the catalog snapshot for new sessions. Required.
	Fetcher catalog.Fetcher

	// Persona overrides DefaultPersona.
	Persona string

	// TTL evicts sessions idle for longer than this. Zero keeps sessions
	// for the process lifetime.
	TTL time.Duration

	// OnEvict is called after a session is removed, by Evict or expiry.
	OnEvict func(id string)
}

// MemoryStore implements Store in process memory.
//
// Creation is deduplicated per ID with singleflight and committed with an
// atomic cache add, so the catalog fetch runs without any store-wide lock.
// Each session has its own mutex, held only while its history slice is read
// or extended.
type MemoryStore struct {
	// cache maps session ID to *entry.
	cache *cache.Cache

	// group collapses concurrent creations of the same ID.
	group singleflight.Group

	// fetcher captures catalog snapshots.
	fetcher catalog.Fetcher

	// persona is the system instruction.
	persona string

	// ttl is the idle expiry, or cache.NoExpiration.
	ttl time.Duration
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore(cfg MemoryConfig) (*MemoryStore, error) {
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("session: catalog fetcher must not be nil")
	}

	ttl := cache.NoExpiration
	cleanup := time.Duration(0)
	if cfg.TTL > 0 {
		ttl = cfg.TTL
		cleanup = cfg.TTL / 2
		if cleanup < time.Second {
			cleanup = time.Second
		}
	}

	c := cache.New(ttl, cleanup)
	if cfg.OnEvict != nil {
		c.OnEvicted(func(id string, _ any) { cfg.OnEvict(id) })
	}

	return &MemoryStore{
		cache:   c,
		fetcher: cfg.Fetcher,
		persona: cfg.Persona,
		ttl:     ttl,
	}, nil
}

// GetOrCreate returns the session for id, creating it on first use.
// Concurrent callers with the same unseen id share a single catalog fetch
// and receive the same *Session.
func (s *MemoryStore) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	if e, ok := s.lookup(id); ok {
		return e.session, nil
	}

	v, err, _ := s.group.Do(id, func() (any, error) {
		if e, ok := s.lookup(id); ok {
			return e, nil
		}

		// The creation is shared by every caller waiting on id, so one
		// caller hanging up must not cut the catalog fetch short for the rest.
		ctx := context.WithoutCancel(ctx)
		snap := s.fetcher.Fetch(ctx)
		sess, seed := newSession(id, s.persona, snap)
		e := &entry{session: sess, history: []Turn{seed}}

		if err := s.cache.Add(id, e, s.ttl); err != nil {
			// Lost a race with a creation that finished between lookup and Add.
			if existing, ok := s.lookup(id); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("session: create %q: %w", id, err)
		}

		logging.FromContext(ctx).Info("session: created",
			slog.String("session_id", id),
			slog.Bool("catalog_degraded", snap.Degraded()),
		)
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*entry).session, nil
}

// Append adds turn to the session's history.
func (s *MemoryStore) Append(_ context.Context, id string, turn Turn) (int, error) {
	e, ok := s.lookup(id)
	if !ok {
		return 0, fmt.Errorf("session: append to %q: %w", id, ErrUnknownSession)
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	e.mu.Lock()
	e.history = append(e.history, turn)
	n := len(e.history)
	e.mu.Unlock()

	return n, nil
}

// History returns a copy of the first limit turns.
func (s *MemoryStore) History(_ context.Context, id string, limit int) ([]Turn, error) {
	e, ok := s.lookup(id)
	if !ok {
		return nil, fmt.Errorf("session: history of %q: %w", id, ErrUnknownSession)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return firstN(e.history, limit), nil
}

// Evict removes the session and fires OnEvict.
func (s *MemoryStore) Evict(_ context.Context, id string) error {
	s.cache.Delete(id)
	return nil
}

// Len returns the number of live sessions.
func (s *MemoryStore) Len() int { return s.cache.ItemCount() }

// Close drops every session without firing OnEvict.
func (s *MemoryStore) Close() error {
	s.cache.Flush()
	return nil
}

// lookup fetches the entry for id and, with a TTL configured, slides its expiry.
func (s *MemoryStore) lookup(id string) (*entry, bool) {
	v, ok := s.cache.Get(id)
	if !ok {
		return nil, false
	}
	e := v.(*entry)
	if s.ttl > 0 {
		// Replace fails once the entry is gone, so a concurrent Evict or
		// expiry is never undone by a sliding refresh.
		if err := s.cache.Replace(id, e, s.ttl); err != nil {
			return nil, false
		}
	}
	return e, true
}
