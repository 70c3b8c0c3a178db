package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func chatRequestFrom(t *testing.T, ip string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/chat",
		strings.NewReader(`{"session_id":"bay-3","user_input":"Is my car ready?"}`))
	req.RemoteAddr = ip + ":51234"
	return req
}

func TestRateLimit_ThrottlesChatPerClient(t *testing.T) {
	t.Parallel()

	fake := &fakeConversation{reply: "Your car is ready for pickup."}
	s := newChatTestServer(fake)
	h := newRateLimiter(0.001, 2).middleware(http.HandlerFunc(s.handleChat))

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, chatRequestFrom(t, "203.0.113.7"))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d within burst = %d", i+1, w.Code)
		}
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, chatRequestFrom(t, "203.0.113.7"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("over-burst request = %d, want 429", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "1000" {
		t.Errorf("Retry-After = %q, want 1000", got)
	}
	var e errorResponse
	if err := json.NewDecoder(w.Body).Decode(&e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.ErrorCode != codeRateLimited {
		t.Errorf("error_code = %q, want %q", e.ErrorCode, codeRateLimited)
	}
	if n := fake.calls.Load(); n != 2 {
		t.Errorf("engine called %d times, want 2", n)
	}

	// Another client has its own bucket.
	w = httptest.NewRecorder()
	h.ServeHTTP(w, chatRequestFrom(t, "198.51.100.20"))
	if w.Code != http.StatusOK {
		t.Errorf("second client = %d, want 200", w.Code)
	}
}

func TestRateLimit_RoutedChat(t *testing.T) {
	t.Parallel()
	ts := newRoutedServer(t, &Config{RateLimit: 0.001, RateBurst: 1})

	post := func() *http.Response {
		req, _ := http.NewRequestWithContext(t.Context(), http.MethodPost, ts.URL+"/chat",
			strings.NewReader(`{"session_id":"bay-3","user_input":"hi"}`))
		return do(t, req)
	}
	if resp := post(); resp.StatusCode != http.StatusOK {
		t.Fatalf("first = %d", resp.StatusCode)
	}
	if resp := post(); resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second = %d, want 429", resp.StatusCode)
	}

	// Only /chat is throttled.
	req, _ := http.NewRequestWithContext(t.Context(), http.MethodGet, ts.URL+"/api/health", nil)
	if resp := do(t, req); resp.StatusCode != http.StatusOK {
		t.Errorf("health = %d, want 200", resp.StatusCode)
	}
}

func TestRateLimiter_BucketsKeyedByClient(t *testing.T) {
	t.Parallel()

	rl := newRateLimiter(1, 1)
	a := rl.bucket("203.0.113.7")
	if rl.bucket("203.0.113.7") != a {
		t.Error("same client got a fresh bucket")
	}
	if rl.bucket("2001:db8::1") == a {
		t.Error("different clients share a bucket")
	}
	if n := rl.buckets.ItemCount(); n != 2 {
		t.Errorf("ItemCount = %d, want 2", n)
	}
}

func TestRateLimiter_RetryAfter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		rps  float64
		want string
	}{
		{10, "1"},
		{0.5, "2"},
		{0.3, "4"},
		{0, "1"},
	}
	for _, tc := range tests {
		if got := newRateLimiter(tc.rps, 1).retryAfter(); got != tc.want {
			t.Errorf("retryAfter(%v) = %q, want %q", tc.rps, got, tc.want)
		}
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		remote string
		want   string
	}{
		{"203.0.113.7:443", "203.0.113.7"},
		{"[2001:db8::1]:8080", "2001:db8::1"},
		{"unix-socket", "unix-socket"},
	}
	for _, tc := range tests {
		req := httptest.NewRequest(http.MethodPost, "/chat", nil)
		req.RemoteAddr = tc.remote
		req.Header.Set("X-Forwarded-For", "10.0.0.1")
		if got := clientIP(req); got != tc.want {
			t.Errorf("clientIP(%q) = %q, want %q", tc.remote, got, tc.want)
		}
	}
}
