// Package testutil provides deterministic helpers for tests: a seeded
// thread-safe RNG, unit-vector generation and an exact ground-truth top-k.
package testutil

import (
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/hupe1980/recgo/distance"
)

// Neighbor is a ground-truth search result.
type Neighbor struct {
	ID         string
	Similarity float32
}

// RNG encapsulates a seeded random number generator.
// It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Float64 returns a pseudo-random number in [0.0,1.0).
func (r *RNG) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Float64()
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// UnitVector generates a single L2-normalized random vector.
// Gaussian components give a uniform distribution on the hypersphere.
func (r *RNG) UnitVector(dimensions int) []float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unitVectorLocked(dimensions)
}

// UnitVectors generates num L2-normalized random vectors.
func (r *RNG) UnitVectors(num, dimensions int) [][]float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	vectors := make([][]float32, num)
	for i := range vectors {
		vectors[i] = r.unitVectorLocked(dimensions)
	}
	return vectors
}

func (r *RNG) unitVectorLocked(dimensions int) []float32 {
	vec := make([]float32, dimensions)
	var norm float64
	for j := range vec {
		v := r.rand.NormFloat64()
		vec[j] = float32(v)
		norm += v * v
	}
	if norm == 0 {
		norm = 1
	}
	invNorm := float32(1.0 / math.Sqrt(norm))
	for j := range vec {
		vec[j] *= invNorm
	}
	return vec
}

// TopK computes the exact inner-product top-k over parallel id/vector slices.
// Results are ordered by similarity descending, ties broken by input order,
// matching the index's deterministic ordering contract.
func TopK(query []float32, ids []string, vectors [][]float32, k int) []Neighbor {
	results := make([]Neighbor, len(ids))
	for i, v := range vectors {
		results[i] = Neighbor{ID: ids[i], Similarity: distance.Dot(query, v)}
	}
	sort.SliceStable(results, func(a, b int) bool {
		return results[a].Similarity > results[b].Similarity
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}
