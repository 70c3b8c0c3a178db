package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8000).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// ChatTimeout bounds a single POST /chat call end to end, including
	// retrieval and generation. Zero disables the bound.
	ChatTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.New] is used.
	Logger *slog.Logger
	// Pingers are the dependency probes run by GET /api/ready, reported in
	// this order. If empty, /api/ready returns 200 with no checks.
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on rate-limited
	// endpoints (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// APIKey is the Bearer token required on POST /chat.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// CORSOrigins is the allow-list of browser origins. Empty or "*" allows
	// every origin.
	CORSOrigins []string
	// MetricsRegistry receives the server's collectors. Defaults to
	// prometheus.DefaultRegisterer.
	MetricsRegistry prometheus.Registerer
	// MetricsGatherer is served on GET /metrics. Defaults to
	// prometheus.DefaultGatherer.
	MetricsGatherer prometheus.Gatherer
}

// conversation is the interface handleChat calls to answer a message.
// *engine.Engine satisfies it; tests inject a fake.
type conversation interface {
	// Converse answers userInput within sessionID and returns the reply.
	Converse(ctx context.Context, sessionID, userInput string) (string, error)
}

// Server is the HTTP server that exposes the conversation engine.
type Server struct {
	// conv answers chat requests.
	conv conversation
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// metrics holds the Prometheus collectors.
	metrics *serverMetrics
	// validate checks decoded request bodies.
	validate *validator.Validate
}

// chatRequest is the JSON body for POST /chat.
type chatRequest struct {
	// SessionID identifies the conversation. Chosen by the client.
	SessionID string `json:"session_id" validate:"required,max=256"`
	// UserInput is the user's question.
	UserInput string `json:"user_input" validate:"required,max=16000"`
}

// chatResponse is the JSON body returned by a successful POST /chat.
type chatResponse struct {
	// Response is the assistant's reply.
	Response string `json:"response"`
}

// errorResponse is the JSON body of every error returned by the API.
type errorResponse struct {
	// Error is a short human-readable title.
	Error string `json:"error"`
	// ErrorCode is a stable machine-readable code.
	ErrorCode string `json:"error_code"`
	// Message is safe to show to end users.
	Message string `json:"message"`
}

// Error codes returned in errorResponse.ErrorCode.
const (
	codeValidation   = "VALIDATION_ERROR"
	codeQuota        = "QUOTA_EXCEEDED"
	codeAI           = "AI_ERROR"
	codeSystem       = "SYSTEM_ERROR"
	codeRateLimited  = "RATE_LIMITED"
	codeUnauthorized = "UNAUTHORIZED"
)

// welcomeMessage is returned by GET /.
const welcomeMessage = "Welcome to the NITRO LINE Automobile Shop AI API!"
