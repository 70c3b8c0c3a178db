package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listing(n int) string {
	items := make([]map[string]any, n)
	for i := range items {
		items[i] = map[string]any{"id": i + 1, "title": fmt.Sprintf("Part %d", i+1), "price": 10 * (i + 1)}
	}
	b, _ := json.Marshal(items)
	return string(b)
}

func TestClient_FetchTruncates(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(listing(12)))
	}))
	defer srv.Close()

	snap := NewClient(Config{URL: srv.URL}).Fetch(context.Background())
	require.False(t, snap.Degraded())
	require.Len(t, snap.Items, DefaultMaxItems)
	assert.Equal(t, "Part 1", snap.Items[0]["title"])
	assert.False(t, snap.FetchedAt.IsZero())
}

func TestClient_FetchShortListing(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(listing(2)))
	}))
	defer srv.Close()

	snap := NewClient(Config{URL: srv.URL, MaxItems: 5}).Fetch(context.Background())
	assert.False(t, snap.Degraded())
	assert.Len(t, snap.Items, 2)
}

func TestClient_FetchDegrades(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler http.HandlerFunc
		timeout time.Duration
		wantErr string
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			wantErr: "unexpected status 502",
		},
		{
			name: "malformed json",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte("{not json"))
			},
			wantErr: "decode listing",
		},
		{
			name: "object instead of list",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"products": []}`))
			},
			wantErr: "decode listing",
		},
		{
			name: "timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(2 * time.Second):
				}
			},
			timeout: 50 * time.Millisecond,
			wantErr: "timed out",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			snap := NewClient(Config{URL: srv.URL, Timeout: tc.timeout}).Fetch(context.Background())
			require.True(t, snap.Degraded())
			require.Len(t, snap.Items, 1)
			assert.Contains(t, snap.Items[0]["error"], tc.wantErr)
			assert.Contains(t, snap.Err, tc.wantErr)
		})
	}
}

func TestClient_FetchUnreachable(t *testing.T) {
	t.Parallel()

	snap := NewClient(Config{URL: "http://127.0.0.1:1/products", Timeout: time.Second}).Fetch(context.Background())
	assert.True(t, snap.Degraded())
}

func TestSnapshot_Render(t *testing.T) {
	t.Parallel()

	snap := Snapshot{Items: []Item{{"title": "Brake Disc"}}}
	out := snap.Render()
	assert.True(t, strings.HasPrefix(out, "["))
	assert.Contains(t, out, `"title": "Brake Disc"`)

	assert.Equal(t, "[]", Snapshot{}.Render())

	ph := Placeholder(fmt.Errorf("catalog: unexpected status 500"))
	assert.Contains(t, ph.Render(), `"error": "catalog: unexpected status 500"`)
}

// countingFetcher returns a scripted snapshot and counts calls.
type countingFetcher struct {
	calls    atomic.Int32
	degraded bool
	delay    time.Duration
}

func (f *countingFetcher) Fetch(context.Context) Snapshot {
	f.calls.Add(1)
	time.Sleep(f.delay)
	if f.degraded {
		return Placeholder(fmt.Errorf("down"))
	}
	return Snapshot{Items: []Item{{"id": 1}}, FetchedAt: time.Now()}
}

func TestCached_ReusesGoodSnapshot(t *testing.T) {
	t.Parallel()

	next := &countingFetcher{delay: 10 * time.Millisecond}
	c := NewCached(next, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.False(t, c.Fetch(context.Background()).Degraded())
		}()
	}
	wg.Wait()
	c.Fetch(context.Background())

	assert.Equal(t, int32(1), next.calls.Load())
}

func TestCached_DoesNotCacheDegraded(t *testing.T) {
	t.Parallel()

	next := &countingFetcher{degraded: true}
	c := NewCached(next, time.Minute)

	assert.True(t, c.Fetch(context.Background()).Degraded())
	assert.True(t, c.Fetch(context.Background()).Degraded())
	assert.Equal(t, int32(2), next.calls.Load())
}

func TestCached_SharedFetchSurvivesCancelledCaller(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-time.After(200 * time.Millisecond):
		case <-r.Context().Done():
			return
		}
		_, _ = w.Write([]byte(listing(3)))
	}))
	defer srv.Close()

	c := NewCached(NewClient(Config{URL: srv.URL}), time.Minute)

	firstCtx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.Fetch(firstCtx)
	}()
	var live Snapshot
	go func() {
		defer wg.Done()
		time.Sleep(10 * time.Millisecond)
		live = c.Fetch(context.Background())
	}()
	time.Sleep(40 * time.Millisecond)
	cancel()
	wg.Wait()

	assert.False(t, live.Degraded(), "live caller got %q", live.Err)
	assert.False(t, c.Fetch(context.Background()).Degraded())
	assert.Equal(t, int32(1), hits.Load())
}

func TestNewCached_ZeroTTLPassesThrough(t *testing.T) {
	t.Parallel()

	next := &countingFetcher{}
	assert.Same(t, next, NewCached(next, 0))
}
