package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/54b3r/shopai-go/internal/catalog"
	"github.com/54b3r/shopai-go/internal/logging"
)

// createScript writes the session record and its seed turn only if the
// record does not exist yet. Returns 1 when this call created the session.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
redis.call('RPUSH', KEYS[2], ARGV[2])
local ttl = tonumber(ARGV[3])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
	redis.call('PEXPIRE', KEYS[2], ttl)
end
return 1
`)

// appendScript pushes a turn only if the session record exists. Returns the
// new list length, or -1 for an unknown session.
var appendScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local n = redis.call('RPUSH', KEYS[2], ARGV[1])
local ttl = tonumber(ARGV[2])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
	redis.call('PEXPIRE', KEYS[2], ttl)
end
return n
`)

// RedisConfig holds the settings for constructing a RedisStore.
type RedisConfig struct {
	// URL is a redis:// or rediss:// connection URL.
	URL string

	// Prefix namespaces the keys (default: "shopai:session:").
	Prefix string

	// Fetcher captures the catalog snapshot for new sessions. Required.
	Fetcher catalog.Fetcher

	// Persona overrides DefaultPersona.
	Persona string

	// TTL expires idle sessions. Zero keeps them until evicted.
	TTL time.Duration

	// OnEvict is called after Evict removes a session.
	OnEvict func(id string)
}

// RedisStore implements Store on Redis. Each session is a JSON record key
// plus a list of JSON turns. Creation and appends run as Lua scripts so they
// are atomic across every process sharing the database.
type RedisStore struct {
	// client is the Redis connection pool.
	client redis.UniversalClient

	// group collapses concurrent in-process creations of the same ID.
	group singleflight.Group

	// prefix namespaces keys.
	prefix string

	// fetcher captures catalog snapshots.
	fetcher catalog.Fetcher

	// persona is the system instruction.
	persona string

	// ttl is the sliding expiry.
	ttl time.Duration

	// onEvict is the eviction hook.
	onEvict func(id string)
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("session: redis URL must be set")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("session: parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("session: redis ping: %w", err)
	}
	return NewRedisStoreWithClient(client, cfg)
}

// NewRedisStoreWithClient builds a store on an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("session: catalog fetcher must not be nil")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "shopai:session:"
	}
	return &RedisStore{
		client:  client,
		prefix:  cfg.Prefix,
		fetcher: cfg.Fetcher,
		persona: cfg.Persona,
		ttl:     cfg.TTL,
		onEvict: cfg.OnEvict,
	}, nil
}

func (s *RedisStore) metaKey(id string) string  { return s.prefix + id }
func (s *RedisStore) turnsKey(id string) string { return s.prefix + id + ":turns" }

// GetOrCreate returns the stored session or creates it. The returned value
// is decoded from Redis, so callers compare sessions by ID.
func (s *RedisStore) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	sess, err := s.load(ctx, id)
	if err == nil {
		s.touch(ctx, id)
		return sess, nil
	}
	if !errors.Is(err, ErrUnknownSession) {
		return nil, err
	}

	v, err, _ := s.group.Do(id, func() (any, error) {
		// Shared by every caller waiting on id; detach from the first
		// caller's cancellation.
		ctx := context.WithoutCancel(ctx)
		snap := s.fetcher.Fetch(ctx)
		sess, seed := newSession(id, s.persona, snap)

		meta, err := json.Marshal(sess)
		if err != nil {
			return nil, fmt.Errorf("session: encode %q: %w", id, err)
		}
		turn, err := json.Marshal(seed)
		if err != nil {
			return nil, fmt.Errorf("session: encode seed turn: %w", err)
		}

		created, err := createScript.Run(ctx, s.client,
			[]string{s.metaKey(id), s.turnsKey(id)},
			string(meta), string(turn), s.ttl.Milliseconds(),
		).Int()
		if err != nil {
			return nil, fmt.Errorf("session: create %q: %w", id, err)
		}
		if created == 1 {
			logging.FromContext(ctx).Info("session: created",
				slog.String("session_id", id),
				slog.Bool("catalog_degraded", snap.Degraded()),
			)
			return sess, nil
		}
		// Another process won the race; return its record.
		return s.load(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Append pushes turn onto the session's list.
func (s *RedisStore) Append(ctx context.Context, id string, turn Turn) (int, error) {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	b, err := json.Marshal(turn)
	if err != nil {
		return 0, fmt.Errorf("session: encode turn: %w", err)
	}

	n, err := appendScript.Run(ctx, s.client,
		[]string{s.metaKey(id), s.turnsKey(id)},
		string(b), s.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("session: append to %q: %w", id, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("session: append to %q: %w", id, ErrUnknownSession)
	}
	return n, nil
}

// History reads the first limit turns.
func (s *RedisStore) History(ctx context.Context, id string, limit int) ([]Turn, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	raw, err := s.client.LRange(ctx, s.turnsKey(id), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("session: history of %q: %w", id, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("session: history of %q: %w", id, ErrUnknownSession)
	}

	turns := make([]Turn, 0, len(raw))
	for _, r := range raw {
		var t Turn
		if err := json.Unmarshal([]byte(r), &t); err != nil {
			return nil, fmt.Errorf("session: decode turn of %q: %w", id, err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

// Evict deletes both keys and fires the eviction hook.
func (s *RedisStore) Evict(ctx context.Context, id string) error {
	n, err := s.client.Del(ctx, s.metaKey(id), s.turnsKey(id)).Result()
	if err != nil {
		return fmt.Errorf("session: evict %q: %w", id, err)
	}
	if n > 0 && s.onEvict != nil {
		s.onEvict(id)
	}
	return nil
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) load(ctx context.Context, id string) (*Session, error) {
	raw, err := s.client.Get(ctx, s.metaKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("session: load %q: %w", id, ErrUnknownSession)
	}
	if err != nil {
		return nil, fmt.Errorf("session: load %q: %w", id, err)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("session: decode %q: %w", id, err)
	}
	return &sess, nil
}

// touch slides the expiry of both keys.
func (s *RedisStore) touch(ctx context.Context, id string) {
	if s.ttl <= 0 {
		return
	}
	pipe := s.client.TxPipeline()
	pipe.PExpire(ctx, s.metaKey(id), s.ttl)
	pipe.PExpire(ctx, s.turnsKey(id), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		logging.FromContext(ctx).Warn("session: failed to refresh ttl",
			slog.String("session_id", id),
			slog.Any("error", err),
		)
	}
}
