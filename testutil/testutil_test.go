package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/recgo/distance"
)

func TestRNGDeterminism(t *testing.T) {
	a := NewRNG(42).UnitVectors(3, 8)
	b := NewRNG(42).UnitVectors(3, 8)
	assert.Equal(t, a, b)

	r := NewRNG(42)
	first := r.UnitVector(8)
	r.Reset()
	assert.Equal(t, first, r.UnitVector(8))
}

func TestUnitVectorsAreNormalized(t *testing.T) {
	for _, v := range NewRNG(1).UnitVectors(10, 16) {
		assert.InDelta(t, 1.0, distance.Norm(v), 1e-5)
	}
}

func TestTopK(t *testing.T) {
	ids := []string{"a", "b", "c"}
	vectors := [][]float32{
		{1, 0},
		{0, 1},
		{0.6, 0.8},
	}

	got := TopK([]float32{1, 0}, ids, vectors, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "c", got[1].ID)

	t.Run("ties keep input order", func(t *testing.T) {
		got := TopK([]float32{0, 1}, []string{"x", "y"}, [][]float32{{0, 1}, {0, 1}}, 2)
		assert.Equal(t, "x", got[0].ID)
		assert.Equal(t, "y", got[1].ID)
	})
}
