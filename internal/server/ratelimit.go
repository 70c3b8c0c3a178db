package server

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/54b3r/shopai-go/internal/logging"
)

const (
	// defaultRateLimit is the sustained POST /chat rate per client (req/s).
	defaultRateLimit = 10
	// defaultRateBurst is the burst allowed per client.
	defaultRateBurst = 20
	// bucketIdleTTL is how long a client's bucket survives without requests.
	bucketIdleTTL = 5 * time.Minute
)

// rateLimiter throttles POST /chat per client IP with a token bucket.
// Buckets live in a go-cache and expire once a client goes quiet, so the
// cache's janitor bounds memory without a dedicated goroutine.
type rateLimiter struct {
	// mu makes the get-or-create of a bucket atomic.
	mu      sync.Mutex
	buckets *cache.Cache
	rps     rate.Limit
	burst   int
}

func newRateLimiter(rps float64, burst int) *rateLimiter {
	return &rateLimiter{
		buckets: cache.New(bucketIdleTTL, time.Minute),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
}

// bucket returns the client's token bucket, creating it on first use and
// pushing back its expiry on every request.
func (rl *rateLimiter) bucket(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	var l *rate.Limiter
	if v, ok := rl.buckets.Get(ip); ok {
		l = v.(*rate.Limiter)
	} else {
		l = rate.NewLimiter(rl.rps, rl.burst)
	}
	rl.buckets.SetDefault(ip, l)
	return l
}

// retryAfter is the whole number of seconds until one token refills.
func (rl *rateLimiter) retryAfter() string {
	if rl.rps <= 0 {
		return "1"
	}
	return strconv.Itoa(int(math.Max(1, math.Ceil(1/float64(rl.rps)))))
}

// middleware rejects over-limit requests with 429 and a RATE_LIMITED body
// before they reach the conversation engine.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.bucket(ip).Allow() {
			logging.FromContext(r.Context()).Warn("rate limit exceeded",
				slog.String("ip", ip),
				slog.String("path", r.URL.Path),
			)
			w.Header().Set("Retry-After", rl.retryAfter())
			writeError(w, http.StatusTooManyRequests, errorResponse{
				Error:     "Too many requests",
				ErrorCode: codeRateLimited,
				Message:   "You are sending messages too quickly. Please wait a moment and try again.",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP returns the host part of RemoteAddr. X-Forwarded-For is not
// trusted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
