// Package server implements the HTTP API in front of the conversation
// engine: POST /chat, liveness and readiness probes, and Prometheus metrics.
// The server is started by the `shopai serve` CLI command.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/54b3r/shopai-go/internal/engine"
	"github.com/54b3r/shopai-go/internal/logging"
)

// maxBodyBytes caps the size of a POST /chat body.
const maxBodyBytes = 1 << 20

// New constructs a Server from the provided conversation engine and config.
func New(conv conversation, cfg *Config) (*Server, error) {
	if conv == nil {
		return nil, fmt.Errorf("server: conversation engine must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8000
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		// Must outlast a slow generation.
		cfg.WriteTimeout = 2 * time.Minute
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = defaultRateBurst
	}
	if cfg.MetricsRegistry == nil {
		cfg.MetricsRegistry = prometheus.DefaultRegisterer
	}
	if cfg.MetricsGatherer == nil {
		cfg.MetricsGatherer = prometheus.DefaultGatherer
	}
	log := cfg.Logger
	if log == nil {
		log = logging.New()
	}

	s := &Server{
		conv:     conv,
		cfg:      cfg,
		log:      log,
		pingers:  cfg.Pingers,
		metrics:  newServerMetrics(cfg.MetricsRegistry),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}

	rl := newRateLimiter(cfg.RateLimit, cfg.RateBurst)

	if cfg.APIKey == "" {
		log.Warn("server: SHOPAI_API_KEY not set, POST /chat is unauthenticated")
	}

	mux := http.NewServeMux()
	mux.Handle("POST /chat", s.instrument("chat",
		rl.middleware(authMiddleware(cfg.APIKey, http.HandlerFunc(s.handleChat)))))
	mux.Handle("GET /api/health", s.instrument("health", http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /api/ready", s.instrument("ready", http.HandlerFunc(s.handleReady)))
	mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.MetricsGatherer, promhttp.HandlerOpts{}))
	mux.Handle("GET /{$}", s.instrument("root", http.HandlerFunc(s.handleRoot)))

	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		Handler:      requestLogger(log, corsMiddleware(cfg.CORSOrigins, mux)),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s, nil
}

// Handler returns the fully wrapped root handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Addr returns the listen address.
func (s *Server) Addr() string { return s.httpServer.Addr }

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.log.Info("server: listening", slog.String("addr", "http://"+s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		s.log.Info("server: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		return nil
	}
}

// handleChat handles POST /chat. It validates the body, runs one
// conversation turn and maps engine failures onto the error taxonomy.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())
	start := time.Now()

	s.metrics.chatInFlight.Inc()
	defer s.metrics.chatInFlight.Dec()

	var req chatRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		s.observeChat("invalid", start)
		writeError(w, http.StatusBadRequest, errorResponse{
			Error:     "Invalid request",
			ErrorCode: codeValidation,
			Message:   "Request body must be a JSON object with session_id and user_input.",
		})
		return
	}
	// Whitespace-only fields count as missing; the values themselves are
	// passed on verbatim.
	check := chatRequest{
		SessionID: strings.TrimSpace(req.SessionID),
		UserInput: strings.TrimSpace(req.UserInput),
	}
	if err := s.validate.Struct(check); err != nil {
		log.Debug("chat: validation failed", slog.Any("error", err))
		s.observeChat("invalid", start)
		writeError(w, http.StatusBadRequest, errorResponse{
			Error:     "Invalid request",
			ErrorCode: codeValidation,
			Message:   "Both session_id and user_input are required.",
		})
		return
	}

	ctx := r.Context()
	if s.cfg.ChatTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ChatTimeout)
		defer cancel()
	}

	reply, err := s.conv.Converse(ctx, req.SessionID, req.UserInput)
	if err != nil {
		s.writeChatError(w, r, req.SessionID, err, start)
		return
	}

	s.observeChat("ok", start)
	writeJSON(w, http.StatusOK, chatResponse{Response: reply})
}

// writeChatError maps a Converse error onto a status and body.
func (s *Server) writeChatError(w http.ResponseWriter, r *http.Request, sessionID string, err error, start time.Time) {
	log := logging.FromContext(r.Context()).With(slog.String("session_id", sessionID))

	switch engine.KindOf(err) {
	case engine.KindRateLimited:
		log.Warn("chat: upstream rate limited", slog.Any("error", err))
		s.observeChat("rate_limited", start)
		writeError(w, http.StatusTooManyRequests, errorResponse{
			Error:     "Rate limit exceeded",
			ErrorCode: codeQuota,
			Message:   "Our AI service is currently experiencing high demand. Please try again in a minute.",
		})
	case engine.KindUnavailable:
		log.Warn("chat: upstream unavailable", slog.Any("error", err))
		s.observeChat("unavailable", start)
		writeError(w, http.StatusServiceUnavailable, errorResponse{
			Error:     "Service unavailable",
			ErrorCode: codeAI,
			Message:   "Unable to process your request at this time. Please try again later.",
		})
	default:
		log.Error("chat: request failed", slog.Any("error", err))
		s.observeChat("error", start)
		writeError(w, http.StatusInternalServerError, errorResponse{
			Error:     "Internal server error",
			ErrorCode: codeSystem,
			Message:   "An unexpected error occurred. Please try again later.",
		})
	}
}

// observeChat records the outcome and latency of a chat request.
func (s *Server) observeChat(outcome string, start time.Time) {
	s.metrics.chatRequestsTotal.WithLabelValues(outcome).Inc()
	s.metrics.chatDurationSeconds.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

// handleRoot handles GET /.
func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": welcomeMessage})
}

// handleHealth handles GET /api/health for liveness checks.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an errorResponse.
func writeError(w http.ResponseWriter, status int, body errorResponse) {
	writeJSON(w, status, body)
}
