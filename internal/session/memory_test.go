package session

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/54b3r/shopai-go/internal/catalog"
)

// stubFetcher counts fetches and returns a fixed snapshot after delay.
type stubFetcher struct {
	calls atomic.Int32
	delay time.Duration
	fail  bool
}

func (f *stubFetcher) Fetch(context.Context) catalog.Snapshot {
	f.calls.Add(1)
	time.Sleep(f.delay)
	if f.fail {
		return catalog.Placeholder(fmt.Errorf("catalog: request timed out after 10s"))
	}
	return catalog.Snapshot{Items: []catalog.Item{{"title": "Brake Disc", "price": 42}}, FetchedAt: time.Now()}
}

func newTestStore(t *testing.T, f catalog.Fetcher) *MemoryStore {
	t.Helper()
	s, err := NewMemoryStore(MemoryConfig{Fetcher: f})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMemoryStore_GetOrCreateSeedsSystemTurn(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, &stubFetcher{})
	ctx := context.Background()

	sess, err := s.GetOrCreate(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", sess.ID)
	assert.False(t, sess.Context.Degraded())

	h, err := s.History(ctx, "abc", 0)
	require.NoError(t, err)
	require.Len(t, h, 1)
	assert.Equal(t, RoleSystem, h[0].Role)
	assert.Contains(t, h[0].Content, "NITRO LINE")
	assert.Contains(t, h[0].Content, "Brake Disc")
}

func TestMemoryStore_ConcurrentFirstTouchCreatesOnce(t *testing.T) {
	t.Parallel()

	f := &stubFetcher{delay: 20 * time.Millisecond}
	s := newTestStore(t, f)
	ctx := context.Background()

	const n = 50
	sessions := make([]*Session, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := s.GetOrCreate(ctx, "race")
			assert.NoError(t, err)
			sessions[i] = sess
		}(i)
	}
	wg.Wait()

	for _, sess := range sessions {
		assert.Same(t, sessions[0], sess)
	}
	assert.Equal(t, int32(1), f.calls.Load(), "catalog fetched once per session")

	h, err := s.History(ctx, "race", 0)
	require.NoError(t, err)
	assert.Len(t, h, 1, "exactly one system turn")
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStore_ExistingSessionIsNotRefetched(t *testing.T) {
	t.Parallel()

	f := &stubFetcher{}
	s := newTestStore(t, f)
	ctx := context.Background()

	first, err := s.GetOrCreate(ctx, "x")
	require.NoError(t, err)
	second, err := s.GetOrCreate(ctx, "x")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestMemoryStore_CatalogFailureStillCreates(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, &stubFetcher{fail: true})
	sess, err := s.GetOrCreate(context.Background(), "offline")
	require.NoError(t, err)
	assert.True(t, sess.Context.Degraded())
	require.Len(t, sess.Context.Items, 1)
	assert.Contains(t, sess.Context.Items[0]["error"], "timed out")
}

func TestMemoryStore_AppendUnknownSession(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, &stubFetcher{})
	_, err := s.Append(context.Background(), "ghost", Turn{Role: RoleUser, Content: "hi"})
	assert.ErrorIs(t, err, ErrUnknownSession)

	_, err = s.History(context.Background(), "ghost", 0)
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestMemoryStore_AppendAndHistoryLimit(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, &stubFetcher{})
	ctx := context.Background()
	_, err := s.GetOrCreate(ctx, "a")
	require.NoError(t, err)

	n, err := s.Append(ctx, "a", Turn{Role: RoleUser, Content: "q1"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = s.Append(ctx, "a", Turn{Role: RoleAssistant, Content: "a1"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	h, err := s.History(ctx, "a", 2)
	require.NoError(t, err)
	require.Len(t, h, 2)
	assert.Equal(t, "q1", h[1].Content)
	assert.False(t, h[1].CreatedAt.IsZero())

	// The returned slice is a copy.
	h[1].Content = "mutated"
	again, err := s.History(ctx, "a", 0)
	require.NoError(t, err)
	assert.Equal(t, "q1", again[1].Content)
}

func TestMemoryStore_SessionsAreIsolated(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, &stubFetcher{})
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		_, err := s.GetOrCreate(ctx, id)
		require.NoError(t, err)
	}
	_, err := s.Append(ctx, "a", Turn{Role: RoleUser, Content: "only in a"})
	require.NoError(t, err)

	hb, err := s.History(ctx, "b", 0)
	require.NoError(t, err)
	assert.Len(t, hb, 1)
}

func TestMemoryStore_ConcurrentAppendsAreLinearized(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, &stubFetcher{})
	ctx := context.Background()
	_, err := s.GetOrCreate(ctx, "busy")
	require.NoError(t, err)

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Append(ctx, "busy", Turn{Role: RoleUser, Content: fmt.Sprint(i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	h, err := s.History(ctx, "busy", 0)
	require.NoError(t, err)
	assert.Len(t, h, n+1)
}

func TestMemoryStore_EvictFiresHook(t *testing.T) {
	t.Parallel()

	evicted := make(chan string, 1)
	s, err := NewMemoryStore(MemoryConfig{
		Fetcher: &stubFetcher{},
		OnEvict: func(id string) { evicted <- id },
	})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.GetOrCreate(ctx, "gone")
	require.NoError(t, err)
	require.NoError(t, s.Evict(ctx, "gone"))

	select {
	case id := <-evicted:
		assert.Equal(t, "gone", id)
	case <-time.After(time.Second):
		t.Fatal("OnEvict not called")
	}

	_, err = s.Append(ctx, "gone", Turn{Role: RoleUser, Content: "late"})
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestMemoryStore_TTLExpires(t *testing.T) {
	t.Parallel()

	s, err := NewMemoryStore(MemoryConfig{Fetcher: &stubFetcher{}, TTL: 50 * time.Millisecond})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.GetOrCreate(ctx, "idle")
	require.NoError(t, err)
	time.Sleep(120 * time.Millisecond)

	_, err = s.History(ctx, "idle", 0)
	assert.ErrorIs(t, err, ErrUnknownSession)
}

// slowCatalog serves a one-item listing after delay and signals each request
// on started.
func slowCatalog(t *testing.T, delay time.Duration) (*httptest.Server, <-chan struct{}) {
	t.Helper()
	started := make(chan struct{}, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
		_, _ = w.Write([]byte(`[{"id":1,"title":"Brake Disc","price":42}]`))
	}))
	t.Cleanup(srv.Close)
	return srv, started
}

func TestMemoryStore_CancelledCreatorDoesNotDegradeSession(t *testing.T) {
	t.Parallel()

	srv, started := slowCatalog(t, 200*time.Millisecond)
	s := newTestStore(t, catalog.NewClient(catalog.Config{URL: srv.URL}))

	firstCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	var first, second *Session
	wg.Add(1)
	go func() {
		defer wg.Done()
		first, _ = s.GetOrCreate(firstCtx, "shared")
	}()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("catalog was never requested")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		sess, err := s.GetOrCreate(context.Background(), "shared")
		assert.NoError(t, err)
		second = sess
	}()

	time.Sleep(40 * time.Millisecond)
	cancel()
	wg.Wait()

	require.NotNil(t, second)
	assert.False(t, second.Context.Degraded(), "live caller got %q", second.Context.Err)
	if first != nil {
		assert.Same(t, second, first)
	}

	later, err := s.GetOrCreate(context.Background(), "shared")
	require.NoError(t, err)
	assert.False(t, later.Context.Degraded())
	assert.Equal(t, "Brake Disc", later.Context.Items[0]["title"])
}

func TestMemoryStore_SlidingTTLDoesNotResurrectEvicted(t *testing.T) {
	t.Parallel()

	s, err := NewMemoryStore(MemoryConfig{Fetcher: &stubFetcher{}, TTL: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("s-%d", i)
		_, err := s.GetOrCreate(ctx, id)
		require.NoError(t, err)

		var wg sync.WaitGroup
		for r := 0; r < 4; r++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for k := 0; k < 20; k++ {
					_, _ = s.History(ctx, id, 0)
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Evict(ctx, id))
		}()
		wg.Wait()

		_, err = s.History(ctx, id, 0)
		require.ErrorIs(t, err, ErrUnknownSession, "session %s came back after Evict", id)
	}
}

func TestNewMemoryStore_RequiresFetcher(t *testing.T) {
	t.Parallel()

	_, err := NewMemoryStore(MemoryConfig{})
	assert.Error(t, err)
}

func TestSystemPrompt_MarksDegradedCatalog(t *testing.T) {
	t.Parallel()

	out := SystemPrompt("", catalog.Placeholder(fmt.Errorf("down")))
	assert.Contains(t, out, DefaultPersona)
	assert.Contains(t, out, "unavailable")
	assert.Contains(t, out, `"error": "down"`)
}
