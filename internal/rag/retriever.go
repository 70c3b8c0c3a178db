package rag

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/54b3r/shopai-go/internal/logging"
)

const (
	// DefaultTopK is the passage count used when the caller passes k <= 0.
	DefaultTopK = 3

	// DefaultCandidates is the approximate-search candidate pool size.
	DefaultCandidates = 50
)

// DefaultRetriever implements the Retriever interface by combining an Embedder
// and a VectorStore. It embeds the query at retrieval time and delegates
// similarity search to the store.
type DefaultRetriever struct {
	// embedder converts query text to a dense vector.
	embedder Embedder

	// store performs the vector similarity search.
	store VectorStore

	// defaultTopK is the number of results to return when the caller passes 0.
	defaultTopK int

	// candidates is the candidate pool handed to the store.
	candidates int
}

// NewRetriever constructs a DefaultRetriever from the given Embedder and VectorStore.
// defaultTopK sets the fallback result count when Search is called with k=0;
// candidates sets the search pool and is raised to at least k per call.
func NewRetriever(embedder Embedder, store VectorStore, defaultTopK, candidates int) (*DefaultRetriever, error) {
	if embedder == nil {
		return nil, fmt.Errorf("rag: embedder must not be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("rag: store must not be nil")
	}
	if defaultTopK <= 0 {
		defaultTopK = DefaultTopK
	}
	if candidates <= 0 {
		candidates = DefaultCandidates
	}
	return &DefaultRetriever{
		embedder:    embedder,
		store:       store,
		defaultTopK: defaultTopK,
		candidates:  candidates,
	}, nil
}

// Search embeds the query and returns at most k passages ordered by score
// descending. Failures are logged and degrade to an empty result.
func (r *DefaultRetriever) Search(ctx context.Context, query string, k int) []Passage {
	if k <= 0 {
		k = r.defaultTopK
	}
	log := logging.FromContext(ctx)

	passages, err := r.search(ctx, query, k)
	if err != nil {
		log.Warn("rag: retrieval degraded to empty result",
			slog.Int("k", k),
			slog.Any("error", err),
		)
		return []Passage{}
	}
	log.Debug("rag: retrieved passages", slog.Int("k", k), slog.Int("count", len(passages)))
	return passages
}

func (r *DefaultRetriever) search(ctx context.Context, query string, k int) ([]Passage, error) {
	embeddings, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("rag: embedding query failed: %w", err)
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("rag: embedder returned empty result for query: %w", ErrEmbeddingUnavailable)
	}
	if len(embeddings[0]) != r.store.Dimension() {
		return nil, fmt.Errorf("rag: query vector has %d dims, store expects %d: %w",
			len(embeddings[0]), r.store.Dimension(), ErrDimensionMismatch)
	}

	candidates := r.candidates
	if candidates < k {
		candidates = k
	}

	passages, err := r.store.Search(ctx, embeddings[0], candidates, k)
	if err != nil {
		return nil, fmt.Errorf("rag: vector search failed: %w", err)
	}

	// Stable, so ties keep the store's order.
	sort.SliceStable(passages, func(i, j int) bool { return passages[i].Score > passages[j].Score })
	if len(passages) > k {
		passages = passages[:k]
	}
	if passages == nil {
		passages = []Passage{}
	}
	return passages, nil
}
