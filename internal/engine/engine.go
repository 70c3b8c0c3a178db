// Package engine is the retrieval-augmented conversation orchestrator. For
// each user message it resolves the session and retrieves knowledge-base
// passages concurrently, composes a single user turn from the passages, the
// session's catalog snapshot and the question, sends the whole history to
// the chat model and records the reply.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/54b3r/shopai-go/internal/budget"
	"github.com/54b3r/shopai-go/internal/catalog"
	"github.com/54b3r/shopai-go/internal/logging"
	"github.com/54b3r/shopai-go/internal/provider"
	"github.com/54b3r/shopai-go/internal/rag"
	"github.com/54b3r/shopai-go/internal/session"
	"github.com/54b3r/shopai-go/internal/store"
)

const (
	// DefaultTopK is the number of passages put in front of the model.
	DefaultTopK = 3
	// MaxTopK bounds the passage list in a composite turn.
	MaxTopK = 5

	// NoPassagesMarker replaces the passage list when retrieval finds nothing.
	NoPassagesMarker = "No relevant content found in the knowledge base."
)

// tracer is the package tracer. It is a no-op until an SDK provider is
// installed with tracing.SetupOTel.
var tracer = otel.Tracer("github.com/54b3r/shopai-go/internal/engine")

// Config holds the dependencies required to construct an Engine.
type Config struct {
	// ChatModel is the LLM backend constructed by the provider factory.
	ChatModel model.BaseChatModel

	// Sessions holds conversation state. Required.
	Sessions session.Store

	// Retriever ranks knowledge-base passages. Required.
	Retriever rag.Retriever

	// TopK is the number of passages per turn. Defaults to DefaultTopK and
	// is clamped to [1, MaxTopK].
	TopK int

	// MaxContextTokens trims the request sent to the model oldest-first when
	// positive. Stored history is never trimmed. Zero sends everything.
	MaxContextTokens int

	// Transcript optionally journals every appended turn. May be nil.
	Transcript store.ConversationStore

	// Callbacks are eino handlers attached to each generation, such as the
	// Langfuse handler from tracing.Setup.
	Callbacks []callbacks.Handler
}

// Engine runs conversations. It is safe for concurrent use.
type Engine struct {
	// chatModel generates replies.
	chatModel model.BaseChatModel

	// sessions is the session store.
	sessions session.Store

	// retriever ranks passages.
	retriever rag.Retriever

	// topK is the clamped passage count.
	topK int

	// maxContextTokens is the request budget; 0 disables trimming.
	maxContextTokens int

	// transcript is the optional journal.
	transcript store.ConversationStore

	// handlers are the eino callbacks for each generation.
	handlers []callbacks.Handler
}

// New constructs an Engine from the provided Config.
func New(cfg *Config) (*Engine, error) {
	if cfg.ChatModel == nil {
		return nil, fmt.Errorf("engine: ChatModel must not be nil")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("engine: Sessions must not be nil")
	}
	if cfg.Retriever == nil {
		return nil, fmt.Errorf("engine: Retriever must not be nil")
	}

	topK := cfg.TopK
	switch {
	case topK <= 0:
		topK = DefaultTopK
	case topK > MaxTopK:
		topK = MaxTopK
	}

	return &Engine{
		chatModel:        cfg.ChatModel,
		sessions:         cfg.Sessions,
		retriever:        cfg.Retriever,
		topK:             topK,
		maxContextTokens: max(cfg.MaxContextTokens, 0),
		transcript:       cfg.Transcript,
		handlers:         cfg.Callbacks,
	}, nil
}

// Converse answers userInput within the session sessionID, creating the
// session on first use. On success history grows by exactly two turns. When
// generation fails the composite user turn stays committed, no reply is
// appended, and the returned error is an *Error.
func (e *Engine) Converse(ctx context.Context, sessionID, userInput string) (reply string, err error) {
	ctx, span := tracer.Start(ctx, "engine.Converse",
		trace.WithAttributes(attribute.String("session.id", sessionID)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	log := logging.FromContext(ctx).With(slog.String("session_id", sessionID))
	start := time.Now()

	var (
		sess     *session.Session
		passages []rag.Passage
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, err := e.sessions.GetOrCreate(gctx, sessionID)
		if err != nil {
			return err
		}
		sess = s
		return nil
	})
	g.Go(func() error {
		passages = e.retriever.Search(gctx, userInput, e.topK)
		return nil
	})
	if err := g.Wait(); err != nil {
		return "", sessionError("resolve session", err)
	}
	span.SetAttributes(attribute.Int("rag.passages", len(passages)))

	composite := ComposeTurn(passages, sess.Context, userInput)
	n, err := e.sessions.Append(ctx, sessionID, session.Turn{Role: session.RoleUser, Content: composite})
	if err != nil {
		return "", sessionError("append question", err)
	}
	e.journal(ctx, sessionID, store.RoleUser, composite)

	// Bounded at n so turns appended by concurrent requests after ours are
	// not sent.
	history, err := e.sessions.History(ctx, sessionID, n)
	if err != nil {
		return "", sessionError("load history", err)
	}
	messages := e.buildMessages(ctx, history)

	genCtx := ctx
	if len(e.handlers) > 0 {
		genCtx = callbacks.InitCallbacks(ctx, &callbacks.RunInfo{
			Name:      "shopai-chat",
			Type:      "ChatModel",
			Component: components.ComponentOfChatModel,
		}, e.handlers...)
	}
	msg, err := e.chatModel.Generate(genCtx, messages)
	if err != nil {
		kind := generationKind(err)
		log.Warn("engine: generation failed",
			slog.String("kind", string(kind)),
			slog.Any("error", err),
		)
		return "", &Error{Kind: kind, Err: fmt.Errorf("engine: generate: %w", err)}
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return "", &Error{Kind: KindInternal, Err: fmt.Errorf("engine: generate: empty reply")}
	}

	if _, err := e.sessions.Append(ctx, sessionID, session.Turn{Role: session.RoleAssistant, Content: msg.Content}); err != nil {
		return "", sessionError("append reply", err)
	}
	e.journal(ctx, sessionID, store.RoleAssistant, msg.Content)

	log.Debug("engine: turn complete",
		slog.Int("passages", len(passages)),
		slog.Int("history", n+1),
		slog.Duration("elapsed", time.Since(start)),
	)
	return msg.Content, nil
}

// buildMessages converts stored turns to model messages and applies the
// optional token budget. The system turn and the newest user turn are always
// kept.
func (e *Engine) buildMessages(ctx context.Context, history []session.Turn) []*schema.Message {
	msgs := make([]*schema.Message, 0, len(history))
	for _, t := range history {
		switch t.Role {
		case session.RoleSystem:
			msgs = append(msgs, schema.SystemMessage(t.Content))
		case session.RoleUser:
			msgs = append(msgs, schema.UserMessage(t.Content))
		case session.RoleAssistant:
			msgs = append(msgs, schema.AssistantMessage(t.Content, nil))
		}
	}
	if e.maxContextTokens == 0 || len(msgs) < 3 {
		return msgs
	}

	head, middle, last := msgs[:1], msgs[1:len(msgs)-1], msgs[len(msgs)-1]
	fixed := append(append([]*schema.Message{}, head...), last)
	trimmed := budget.TrimHistory(fixed, middle, e.maxContextTokens)
	if dropped := len(middle) - len(trimmed); dropped > 0 {
		logging.FromContext(ctx).Warn("budget: dropped history messages to fit context window",
			slog.Int("dropped", dropped),
			slog.Int("retained", len(trimmed)),
			slog.Int("max_tokens", e.maxContextTokens),
		)
	}

	out := make([]*schema.Message, 0, len(trimmed)+2)
	out = append(out, head...)
	out = append(out, trimmed...)
	return append(out, last)
}

// journal writes a turn to the transcript store, logging failures.
func (e *Engine) journal(ctx context.Context, sessionID string, role store.Role, content string) {
	if e.transcript == nil {
		return
	}
	if err := e.transcript.Append(ctx, sessionID, role, content); err != nil {
		logging.FromContext(ctx).Warn("history: failed to persist message",
			slog.String("session_id", sessionID),
			slog.String("role", string(role)),
			slog.Any("error", err),
		)
	}
}

// ComposeTurn renders the composite user turn: the retrieved passages as a
// bulleted list (or NoPassagesMarker), the catalog snapshot as JSON, then the
// question verbatim.
func ComposeTurn(passages []rag.Passage, snap catalog.Snapshot, question string) string {
	var sb strings.Builder
	sb.WriteString("Relevant knowledge base content:\n")
	if len(passages) == 0 {
		sb.WriteString(NoPassagesMarker)
		sb.WriteString("\n")
	}
	for i, p := range passages {
		if i == MaxTopK {
			break
		}
		sb.WriteString("- ")
		sb.WriteString(strings.TrimSpace(p.Text))
		sb.WriteString("\n")
	}
	sb.WriteString("\nProduct catalog:\n")
	sb.WriteString(snap.Render())
	sb.WriteString("\n\nUser question: ")
	sb.WriteString(question)
	return sb.String()
}

// generationKind maps a provider failure onto an error kind.
func generationKind(err error) Kind {
	switch provider.Classify(err) {
	case provider.FailureRateLimited:
		return KindRateLimited
	case provider.FailureUnavailable:
		return KindUnavailable
	default:
		return KindInternal
	}
}

// sessionError wraps a session-store failure.
func sessionError(op string, err error) error {
	kind := KindInternal
	if errors.Is(err, session.ErrUnknownSession) {
		kind = KindUnknownSession
	}
	return &Error{Kind: kind, Err: fmt.Errorf("engine: %s: %w", op, err)}
}
