package rag

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// memoryEntry is a stored passage plus its vector and insertion order.
type memoryEntry struct {
	passage Passage
	vector  []float32
	norm    float64
	seq     uint64
}

// MemoryStore implements VectorStore with an exhaustive cosine search over
// an in-process slice. It is used for tests, local development, and small
// corpora that do not warrant an external index.
type MemoryStore struct {
	// mu guards entries, index, and nextSeq.
	mu sync.RWMutex

	// entries holds passages in insertion order.
	entries []*memoryEntry

	// index maps passage ID to its entry for replace-on-upsert.
	index map[string]*memoryEntry

	// nextSeq is the insertion counter used for tie-breaking.
	nextSeq uint64

	// dim is the accepted vector length.
	dim int
}

// NewMemoryStore creates an empty MemoryStore accepting vectors of length dim.
func NewMemoryStore(dim int) (*MemoryStore, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("rag: memory store dimension must be positive, got %d", dim)
	}
	return &MemoryStore{
		index: make(map[string]*memoryEntry),
		dim:   dim,
	}, nil
}

// Upsert validates the whole batch before writing any of it. A passage whose
// ID already exists replaces the stored one and keeps its original position.
func (s *MemoryStore) Upsert(_ context.Context, passages []Passage, vectors [][]float32) error {
	if err := checkDimensions(passages, vectors, s.dim); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, p := range passages {
		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		p.Score = 0
		p.Metadata = cloneMetadata(p.Metadata)

		if existing, ok := s.index[p.ID]; ok && p.ID != "" {
			existing.passage = p
			existing.vector = vec
			existing.norm = norm(vec)
			continue
		}

		e := &memoryEntry{passage: p, vector: vec, norm: norm(vec), seq: s.nextSeq}
		s.nextSeq++
		s.entries = append(s.entries, e)
		if p.ID != "" {
			s.index[p.ID] = e
		}
	}
	return nil
}

// Search scores every stored passage and returns the limit best by cosine
// similarity. Ties keep insertion order.
func (s *MemoryStore) Search(_ context.Context, vector []float32, _ int, limit int) ([]Passage, error) {
	if len(vector) != s.dim {
		return nil, ErrDimensionMismatch
	}
	if limit <= 0 {
		return nil, nil
	}

	qn := norm(vector)

	s.mu.RLock()
	scored := make([]Passage, 0, len(s.entries))
	for _, e := range s.entries {
		p := e.passage
		p.Metadata = cloneMetadata(p.Metadata)
		p.Score = cosine(vector, qn, e.vector, e.norm)
		scored = append(scored, p)
	}
	s.mu.RUnlock()

	// entries are already in insertion order, so a stable sort breaks ties by it.
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// Delete removes passages by ID. Unknown IDs are ignored.
func (s *MemoryStore) Delete(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	drop := make(map[*memoryEntry]struct{}, len(ids))
	for _, id := range ids {
		if e, ok := s.index[id]; ok {
			drop[e] = struct{}{}
			delete(s.index, id)
		}
	}
	if len(drop) == 0 {
		return nil
	}

	kept := s.entries[:0]
	for _, e := range s.entries {
		if _, gone := drop[e]; !gone {
			kept = append(kept, e)
		}
	}
	s.entries = kept
	return nil
}

// Len returns the number of stored passages.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Dimension returns the accepted vector length.
func (s *MemoryStore) Dimension() int { return s.dim }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// cosine returns the cosine similarity of a and b given their norms.
// A zero vector scores 0 against everything.
func cosine(a []float32, an float64, b []float32, bn float64) float32 {
	if an == 0 || bn == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return float32(dot / (an * bn))
}

func cloneMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
