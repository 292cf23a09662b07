// Package profile synthesizes a single query vector representing a user's
// taste from two weighted groups of historical item embeddings.
//
// The synthesized vector is
//
//	normalize(watchedWeight * mean(watched) + likedWeight * mean(liked))
//
// with likes weighted higher by default, since an explicit like signals
// stronger preference than a view.
package profile

import (
	"fmt"

	"github.com/hupe1980/recgo/distance"
)

// Weights are the per-group multipliers applied to the mean vectors.
type Weights struct {
	Watched float64
	Liked   float64
}

// DefaultWeights returns the default group weights (watched 0.3, liked 0.7).
func DefaultWeights() Weights {
	return Weights{Watched: 0.3, Liked: 0.7}
}

// Profile is the outcome of a synthesis: either a computed unit vector or
// the sentinel indicating no history was available. Never a partially filled
// vector.
type Profile struct {
	// Vector is the synthesized unit-length preference vector.
	// Nil when Computed is false.
	Vector []float32

	// Computed reports whether any history vectors were available.
	Computed bool

	// WatchedCount and LikedCount are the numbers of RESOLVED vectors that
	// contributed to the profile, not the number of requested ids.
	WatchedCount int
	LikedCount   int
}

// VectorSource resolves an item id to its stored embedding.
// *vectorstore.Store satisfies this.
type VectorSource interface {
	Get(id string) ([]float32, bool)
}

// Synthesizer derives user preference vectors.
type Synthesizer struct {
	dim     int
	weights Weights
}

// New creates a Synthesizer for vectors of the given dimension.
func New(dim int, weights Weights) (*Synthesizer, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("profile: invalid dimension %d", dim)
	}
	return &Synthesizer{dim: dim, weights: weights}, nil
}

// Weights returns the configured group weights.
func (s *Synthesizer) Weights() Weights { return s.weights }

// Synthesize combines watched and liked embedding groups into one profile.
//
// Each group contributes its weighted mean (a zero vector when the group is
// empty); the sum is re-normalized to unit length when its norm is positive.
// Both groups empty yields the NotComputed outcome.
func (s *Synthesizer) Synthesize(watched, liked [][]float32) Profile {
	if len(watched) == 0 && len(liked) == 0 {
		return Profile{Computed: false}
	}

	sum := make([]float64, s.dim)
	accumulateWeightedMean(sum, watched, s.weights.Watched)
	accumulateWeightedMean(sum, liked, s.weights.Liked)

	vec := make([]float32, s.dim)
	for i, x := range sum {
		vec[i] = float32(x)
	}
	// A zero-norm sum stays the zero vector.
	distance.NormalizeL2InPlace(vec)

	return Profile{
		Vector:       vec,
		Computed:     true,
		WatchedCount: len(watched),
		LikedCount:   len(liked),
	}
}

// FromIDs resolves each id through src and synthesizes the profile from the
// vectors found. Ids with no stored embedding are silently dropped and do not
// count toward the profile's watched/liked counts.
func (s *Synthesizer) FromIDs(src VectorSource, watchedIDs, likedIDs []string) Profile {
	watched := resolve(src, watchedIDs)
	liked := resolve(src, likedIDs)
	return s.Synthesize(watched, liked)
}

func resolve(src VectorSource, ids []string) [][]float32 {
	out := make([][]float32, 0, len(ids))
	for _, id := range ids {
		if v, ok := src.Get(id); ok {
			out = append(out, v)
		}
	}
	return out
}

// accumulateWeightedMean adds weight * mean(group) into sum.
// Accumulation happens in float64 to keep the mean numerically stable.
func accumulateWeightedMean(sum []float64, group [][]float32, weight float64) {
	if len(group) == 0 {
		return
	}
	scale := weight / float64(len(group))
	for _, v := range group {
		for i := range sum {
			sum[i] += scale * float64(v[i])
		}
	}
}
