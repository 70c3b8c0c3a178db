package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/shopai-go/internal/engine"
)

// ---------------------------------------------------------------------------
// Fake conversation engine for chat handler tests
// ---------------------------------------------------------------------------

// fakeConversation implements the conversation interface for tests.
type fakeConversation struct {
	// reply is returned on success.
	reply string
	// err is returned as the error value.
	err error
	// delay is slept before answering, honouring ctx.
	delay time.Duration
	// gotSession and gotInput record the last call.
	gotSession, gotInput string
	// calls counts Converse invocations; safe to read from the test goroutine.
	calls atomic.Int32
}

func (f *fakeConversation) Converse(ctx context.Context, sessionID, userInput string) (string, error) {
	f.calls.Add(1)
	f.gotSession, f.gotInput = sessionID, userInput
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", &engine.Error{Kind: engine.KindUnavailable, Err: ctx.Err()}
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

// newChatTestServer builds a *Server wired with the given conversation fake.
func newChatTestServer(c conversation) *Server {
	return &Server{
		conv:     c,
		cfg:      &Config{Port: 8000},
		log:      slog.Default(),
		metrics:  newServerMetrics(prometheus.NewRegistry()),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func postChat(t *testing.T, s *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.handleChat(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var e errorResponse
	if err := json.NewDecoder(w.Body).Decode(&e); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return e
}

// ---------------------------------------------------------------------------
// POST /chat: validation error paths (no engine needed)
// ---------------------------------------------------------------------------

func TestHandleChat_ValidationErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `not-json`},
		{"missing input", `{"session_id":"abc"}`},
		{"missing session", `{"user_input":"hi"}`},
		{"blank input", `{"session_id":"abc","user_input":"   "}`},
		{"blank session", `{"session_id":" ","user_input":"hi"}`},
		{"wrong type", `{"session_id":1,"user_input":"hi"}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			fake := &fakeConversation{reply: "unused"}
			w := postChat(t, newChatTestServer(fake), tc.body)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", w.Code)
			}
			if e := decodeError(t, w); e.ErrorCode != codeValidation {
				t.Errorf("error_code = %q, want %q", e.ErrorCode, codeValidation)
			}
			if fake.gotSession != "" {
				t.Error("engine must not be called for invalid requests")
			}
		})
	}
}

// ---------------------------------------------------------------------------
// POST /chat: happy path
// ---------------------------------------------------------------------------

func TestHandleChat_Success(t *testing.T) {
	t.Parallel()

	fake := &fakeConversation{reply: "We are open 9am to 6pm."}
	w := postChat(t, newChatTestServer(fake), `{"session_id":"abc","user_input":"  What are your hours?  "}`)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp chatResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Response != fake.reply {
		t.Errorf("response = %q, want %q", resp.Response, fake.reply)
	}
	if fake.gotSession != "abc" || fake.gotInput != "  What are your hours?  " {
		t.Errorf("engine got (%q, %q)", fake.gotSession, fake.gotInput)
	}
}

func TestHandleChat_QuestionPassedVerbatim(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
	}{
		{"padded", "  brake pads?  "},
		{"multiline", "Do you stock:\n\t- rotors\n\t- calipers\n"},
		{"leading newline", "\nHow much is an oil change?"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			body, err := json.Marshal(chatRequest{SessionID: "verbatim", UserInput: tc.input})
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			fake := &fakeConversation{reply: "ok"}
			w := postChat(t, newChatTestServer(fake), string(body))
			if w.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
			}
			if fake.gotInput != tc.input {
				t.Errorf("engine got %q, want %q", fake.gotInput, tc.input)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// POST /chat: engine failures map onto the error taxonomy
// ---------------------------------------------------------------------------

func TestHandleChat_EngineErrors(t *testing.T) {
	t.Parallel()

	secret := "dial tcp 10.0.0.5:443: secret internal detail"
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"rate limited", &engine.Error{Kind: engine.KindRateLimited, Err: errors.New("429")}, http.StatusTooManyRequests, codeQuota},
		{"unavailable", &engine.Error{Kind: engine.KindUnavailable, Err: errors.New("503")}, http.StatusServiceUnavailable, codeAI},
		{"unknown session", &engine.Error{Kind: engine.KindUnknownSession, Err: errors.New(secret)}, http.StatusInternalServerError, codeSystem},
		{"internal", &engine.Error{Kind: engine.KindInternal, Err: errors.New(secret)}, http.StatusInternalServerError, codeSystem},
		{"untyped", errors.New(secret), http.StatusInternalServerError, codeSystem},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			w := postChat(t, newChatTestServer(&fakeConversation{err: tc.err}), `{"session_id":"s","user_input":"hi"}`)
			if w.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tc.wantStatus)
			}
			if strings.Contains(w.Body.String(), "secret internal detail") {
				t.Error("internal error detail leaked to client")
			}
			e := decodeError(t, w)
			if e.ErrorCode != tc.wantCode {
				t.Errorf("error_code = %q, want %q", e.ErrorCode, tc.wantCode)
			}
			if e.Error == "" || e.Message == "" {
				t.Errorf("error body incomplete: %+v", e)
			}
		})
	}
}

func TestHandleChat_TimeoutIsUnavailable(t *testing.T) {
	t.Parallel()

	s := newChatTestServer(&fakeConversation{reply: "late", delay: time.Second})
	s.cfg.ChatTimeout = 20 * time.Millisecond

	w := postChat(t, s, `{"session_id":"s","user_input":"hi"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}
