// Package session holds per-conversation state: the ordered turn history
// and the catalog snapshot captured when the session was created.
//
// Sessions are created lazily by GetOrCreate. At most one session exists per
// ID even when many requests race on the same unseen ID. History is an
// append-only log; turns are never mutated or removed.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/54b3r/shopai-go/internal/catalog"
)

// ErrUnknownSession is returned when a session ID was never created or has
// been evicted.
var ErrUnknownSession = errors.New("session: unknown session")

// Role tags a turn with its speaker.
type Role string

const (
	// RoleSystem is the persona and catalog context seeded at creation.
	RoleSystem Role = "system"
	// RoleUser is a composite question turn.
	RoleUser Role = "user"
	// RoleAssistant is a model reply.
	RoleAssistant Role = "assistant"
)

// Turn is one message in a conversation.
type Turn struct {
	// Role identifies the speaker.
	Role Role `json:"role"`

	// Content is the message text.
	Content string `json:"content"`

	// CreatedAt is when the turn was appended.
	CreatedAt time.Time `json:"created_at"`
}

// Session is the immutable identity of a conversation.
type Session struct {
	// ID is the caller-chosen session identifier.
	ID string `json:"id"`

	// Context is the catalog snapshot captured at creation. It is never
	// refreshed for the lifetime of the session.
	Context catalog.Snapshot `json:"context"`

	// CreatedAt is when the session was created.
	CreatedAt time.Time `json:"created_at"`
}

// Store maps session IDs to conversation state.
// Implementations must be safe to call from multiple goroutines.
type Store interface {
	// GetOrCreate returns the session for id, creating it (with one system
	// turn built from the persona and a fresh catalog snapshot) if absent.
	GetOrCreate(ctx context.Context, id string) (*Session, error)

	// Append adds turn to the session's history and returns the new history
	// length. Returns ErrUnknownSession if id does not exist.
	Append(ctx context.Context, id string, turn Turn) (int, error)

	// History returns a copy of the first limit turns, or all turns when
	// limit <= 0. Returns ErrUnknownSession if id does not exist.
	History(ctx context.Context, id string, limit int) ([]Turn, error)

	// Evict removes the session. Evicting an unknown ID is not an error.
	Evict(ctx context.Context, id string) error

	// Close releases resources held by the store.
	Close() error
}

// DefaultPersona is the system instruction every session starts with.
const DefaultPersona = "You are an AI assistant for NITRO LINE Automobile Shop. " +
	"Answer user questions using the knowledge base passages and the product catalog data provided. " +
	"If the information is not available, say so politely and suggest contacting the shop."

// SystemPrompt builds the first turn of a session from the persona and the
// catalog snapshot captured at creation.
func SystemPrompt(persona string, snap catalog.Snapshot) string {
	if persona == "" {
		persona = DefaultPersona
	}
	label := "Product catalog snapshot:"
	if snap.Degraded() {
		label = "Product catalog snapshot (unavailable, do not quote prices):"
	}
	return fmt.Sprintf("%s\n\n%s\n%s", persona, label, snap.Render())
}

// newSession builds a session and its seed turn.
func newSession(id, persona string, snap catalog.Snapshot) (*Session, Turn) {
	now := time.Now().UTC()
	s := &Session{ID: id, Context: snap, CreatedAt: now}
	return s, Turn{Role: RoleSystem, Content: SystemPrompt(persona, snap), CreatedAt: now}
}

// firstN returns a copy of the first limit turns, or all when limit <= 0.
func firstN(turns []Turn, limit int) []Turn {
	if limit <= 0 || limit > len(turns) {
		limit = len(turns)
	}
	out := make([]Turn, limit)
	copy(out, turns[:limit])
	return out
}
