package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/qdrant/go-client/qdrant"

	"github.com/54b3r/shopai-go/internal/catalog"
	"github.com/54b3r/shopai-go/internal/provider"
)

// Dependency roles reported by GET /api/ready. A check is named
// "<role>:<backend>", e.g. "sessions:redis" or "passages:qdrant".
const (
	RoleModel    = "model"
	RolePassages = "passages"
	RoleSessions = "sessions"
	RoleCatalog  = "catalog"
)

// Dependency is a Pinger for one backend the shop assistant talks to.
//
// Optional dependencies are the ones a chat turn can survive without: the
// engine answers with a placeholder catalog or without knowledge-base
// passages. Their failure marks the service degraded, not unready.
type Dependency struct {
	role     string
	backend  string
	optional bool
	ping     func(ctx context.Context) error
}

// NewDependency builds a Dependency from an arbitrary probe.
func NewDependency(role, backend string, optional bool, ping func(ctx context.Context) error) *Dependency {
	return &Dependency{role: role, backend: backend, optional: optional, ping: ping}
}

// Name returns "<role>:<backend>", or just the role when backend is empty.
func (d *Dependency) Name() string {
	if d.backend == "" {
		return d.role
	}
	return d.role + ":" + d.backend
}

// Role returns the dependency role.
func (d *Dependency) Role() string { return d.role }

// Optional reports whether a chat turn can be answered while d is down.
func (d *Dependency) Optional() bool { return d.optional }

// Ping runs the probe.
func (d *Dependency) Ping(ctx context.Context) error { return d.ping(ctx) }

// ModelDependency probes the chat model with a zero-cost listing call,
// never a generation. It returns nil when the backend has no health check.
func ModelDependency(hc provider.HealthChecker, backend string) *Dependency {
	if hc == nil {
		return nil
	}
	return NewDependency(RoleModel, backend, false, hc.HealthCheck)
}

// QdrantDependency probes a Qdrant passage store with its HealthCheck RPC.
func QdrantDependency(client *qdrant.Client) *Dependency {
	return NewDependency(RolePassages, "qdrant", true, func(ctx context.Context) error {
		if _, err := client.HealthCheck(ctx); err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		return nil
	})
}

// pingable is any store with its own connection check, such as
// *session.RedisStore or *rag.PgVectorStore.
type pingable interface {
	Ping(ctx context.Context) error
}

// PassageStoreDependency probes a passage store such as pgvector.
func PassageStoreDependency(backend string, store pingable) *Dependency {
	return NewDependency(RolePassages, backend, true, store.Ping)
}

// StandInPassageDependency reports a passage store that could not be opened
// at startup and was replaced by an empty in-memory store. It always fails.
func StandInPassageDependency(backend string, cause error) *Dependency {
	err := fmt.Errorf("unreachable at startup, answering without passages: %w", cause)
	return NewDependency(RolePassages, backend, true, func(context.Context) error { return err })
}

// SessionStoreDependency probes a shared session store. Conversations cannot
// proceed without it, so it is required.
func SessionStoreDependency(backend string, store pingable) *Dependency {
	return NewDependency(RoleSessions, backend, false, store.Ping)
}

// CatalogDependency fetches a catalog snapshot and fails when the snapshot
// is degraded. Sessions created while it fails carry the placeholder
// catalog for their whole lifetime.
func CatalogDependency(f catalog.Fetcher) *Dependency {
	return NewDependency(RoleCatalog, "", true, func(ctx context.Context) error {
		// A shared fetch may outlive ctx; stop waiting when the probe does.
		done := make(chan catalog.Snapshot, 1)
		go func() { done <- f.Fetch(ctx) }()
		select {
		case snap := <-done:
			if snap.Degraded() {
				return errors.New(snap.Err)
			}
			return nil
		case <-ctx.Done():
			return fmt.Errorf("catalog fetch: %w", ctx.Err())
		}
	})
}
