// Package vectorstore provides the authoritative mapping from item IDs to
// their current embeddings.
//
// The store is the ground truth for which embeddings exist. The search index
// holds a derived, append-mostly view of a subset of these entries; a rebuild
// reconciles the index against the store.
package vectorstore

import (
	"fmt"
	"sort"
	"sync"
)

// ErrWrongDimension indicates a vector that doesn't match the store dimension.
//
// The configured dimension is fixed for the lifetime of the store; callers
// ingesting batches should count this error per item and continue.
type ErrWrongDimension struct {
	Expected int
	Actual   int
}

func (e *ErrWrongDimension) Error() string {
	return fmt.Sprintf("wrong vector dimension: expected %d, got %d", e.Expected, e.Actual)
}

// Store is the authoritative id -> embedding map.
//
// Writes are last-write-wins; there are no ordering guarantees across IDs.
// All vectors are copied on the way in and out so callers can never alias
// internal memory.
type Store struct {
	mu      sync.RWMutex
	dim     int
	vectors map[string][]float32
}

// New creates a new Store for vectors of the given dimension.
func New(dim int) (*Store, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("vectorstore: invalid dimension %d", dim)
	}
	return &Store{
		dim:     dim,
		vectors: make(map[string][]float32),
	}, nil
}

// Dimension returns the fixed vector dimension of the store.
func (s *Store) Dimension() int {
	return s.dim
}

// Put inserts or overwrites the embedding for id.
func (s *Store) Put(id string, v []float32) error {
	if len(v) != s.dim {
		return &ErrWrongDimension{Expected: s.dim, Actual: len(v)}
	}

	vec := make([]float32, len(v))
	copy(vec, v)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.vectors[id] = vec
	return nil
}

// Get returns a copy of the embedding for id, or false if absent.
func (s *Store) Get(id string) ([]float32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.vectors[id]
	if !ok {
		return nil, false
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out, true
}

// Has reports whether an embedding exists for id.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.vectors[id]
	return ok
}

// Delete removes the embedding for id, reporting whether it was present.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.vectors[id]
	if ok {
		delete(s.vectors, id)
	}
	return ok
}

// AllIDs returns every known item ID in ascending lexicographic order.
// The stable order keeps index rebuilds and snapshots deterministic.
func (s *Store) AllIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.vectors))
	for id := range s.vectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of stored embeddings.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.vectors)
}

// Export returns a deep copy of the full id -> vector map.
// Used by persistence to write the raw store artifact.
func (s *Store) Export() map[string][]float32 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]float32, len(s.vectors))
	for id, v := range s.vectors {
		vec := make([]float32, len(v))
		copy(vec, v)
		out[id] = vec
	}
	return out
}

// Replace swaps the full store contents, validating dimensions.
// Used by persistence when restoring a snapshot.
func (s *Store) Replace(vectors map[string][]float32) error {
	next := make(map[string][]float32, len(vectors))
	for id, v := range vectors {
		if len(v) != s.dim {
			return &ErrWrongDimension{Expected: s.dim, Actual: len(v)}
		}
		vec := make([]float32, len(v))
		copy(vec, v)
		next[id] = vec
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.vectors = next
	return nil
}
