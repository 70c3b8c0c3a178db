// Package rag defines the interfaces for retrieval-augmented generation
// components: passage storage, retrieval, and embedding.
// Concrete implementations (in-memory, Qdrant, pgvector) satisfy these
// interfaces so the conversation engine never depends on a specific backend.
package rag

import (
	"context"
	"errors"
)

var (
	// ErrDimensionMismatch is returned when a vector's length differs from
	// the store's configured dimension.
	ErrDimensionMismatch = errors.New("rag: vector dimension mismatch")

	// ErrEmptyPassage is returned when a passage with no text is inserted.
	ErrEmptyPassage = errors.New("rag: passage text is empty")

	// ErrEmbeddingUnavailable marks failures of the embedding backend.
	// Embedder implementations wrap their transport errors with it.
	ErrEmbeddingUnavailable = errors.New("rag: embedding unavailable")
)

// Passage is a unit of stored or retrieved knowledge.
type Passage struct {
	// ID is the unique identifier for this passage. Inserting a passage with
	// an existing ID replaces it.
	ID string

	// Text is the raw text content of the chunk.
	Text string

	// Source is the origin URI or file path of the passage.
	Source string

	// Metadata holds arbitrary key-value pairs (page, section, etc.).
	Metadata map[string]string

	// Score is the similarity score assigned during retrieval. Higher is
	// more relevant. Zero means the score was not computed.
	Score float32
}

// VectorStore is the interface for persisting and searching passage embeddings.
// Implementations must be safe to call from multiple goroutines.
type VectorStore interface {
	// Upsert stores or replaces a batch of passages with their pre-computed embeddings.
	// The vectors slice must be parallel to passages: vectors[i] is the vector for passages[i].
	// Every vector must have length Dimension(), otherwise ErrDimensionMismatch is returned
	// and nothing is written.
	Upsert(ctx context.Context, passages []Passage, vectors [][]float32) error

	// Search returns up to limit passages nearest to vector, ordered by score
	// descending. candidates is the size of the approximate-search candidate
	// pool; backends that search exhaustively ignore it.
	Search(ctx context.Context, vector []float32, candidates, limit int) ([]Passage, error)

	// Delete removes passages by their IDs.
	Delete(ctx context.Context, ids []string) error

	// Dimension reports the vector length the store accepts.
	Dimension() int

	// Close releases any resources held by the store.
	Close() error
}

// Embedder is the interface for converting text into dense vector embeddings.
// Implementations must be safe to call from multiple goroutines and must be
// deterministic for identical input.
type Embedder interface {
	// Embed converts a batch of texts into their corresponding embeddings.
	// The returned slice is parallel to the input slice.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Retriever is the high-level interface used by the conversation engine to
// fetch relevant context for a given query. It combines embedding and
// vector search.
// Implementations must be safe to call from multiple goroutines.
type Retriever interface {
	// Search returns at most k passages ordered by relevance. It never fails:
	// any embedding or store error yields an empty result.
	Search(ctx context.Context, query string, k int) []Passage
}

// checkDimensions validates every vector against dim and that the batch is
// well formed.
func checkDimensions(passages []Passage, vectors [][]float32, dim int) error {
	if len(passages) != len(vectors) {
		return errors.New("rag: passages and vectors length mismatch")
	}
	for i, v := range vectors {
		if len(v) != dim {
			return ErrDimensionMismatch
		}
		if passages[i].Text == "" {
			return ErrEmptyPassage
		}
	}
	return nil
}
