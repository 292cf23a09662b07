package flat

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/recgo/index"
	"github.com/hupe1980/recgo/testutil"
	"github.com/hupe1980/recgo/vectorstore"
)

func TestFlat(t *testing.T) {
	ctx := context.Background()

	t.Run("Add", func(t *testing.T) {
		f, err := New(3)
		require.NoError(t, err)

		outcome, err := f.Add("a", []float32{1, 0, 0})
		require.NoError(t, err)
		assert.Equal(t, index.Added, outcome)
		assert.Equal(t, 1, f.Size())

		// Dimension mismatch
		_, err = f.Add("b", []float32{1, 0})
		require.Error(t, err)
		assert.IsType(t, &index.ErrDimensionMismatch{}, err)
		assert.Equal(t, 1, f.Size())
	})

	t.Run("re-add keeps the original indexed vector", func(t *testing.T) {
		f, err := New(2)
		require.NoError(t, err)

		_, err = f.Add("a", []float32{1, 0})
		require.NoError(t, err)

		outcome, err := f.Add("a", []float32{0, 1})
		require.NoError(t, err)
		assert.Equal(t, index.AlreadyIndexed, outcome)
		assert.Equal(t, 1, f.Size())

		// The slot still holds the first vector until a rebuild.
		v, ok := f.Get("a")
		require.True(t, ok)
		assert.Equal(t, []float32{1, 0}, v)
	})

	t.Run("AddBatch mixes outcomes without aborting", func(t *testing.T) {
		f, err := New(2)
		require.NoError(t, err)

		_, err = f.Add("dup", []float32{1, 0})
		require.NoError(t, err)

		res := f.AddBatch([]Entry{
			{ID: "x", Vector: []float32{0, 1}},
			{ID: "dup", Vector: []float32{1, 0}},
			{ID: "bad", Vector: []float32{1}},
		})
		assert.Equal(t, index.Added, res.Outcomes[0])
		assert.Equal(t, index.AlreadyIndexed, res.Outcomes[1])
		assert.Error(t, res.Errors[2])
		assert.Equal(t, 1, res.Added())
		assert.Equal(t, 1, res.Failed())
		assert.Equal(t, 2, f.Size())
	})

	t.Run("Remove tombstones without shrinking slots", func(t *testing.T) {
		f, err := New(2)
		require.NoError(t, err)

		_, _ = f.Add("a", []float32{1, 0})
		_, _ = f.Add("b", []float32{0, 1})

		assert.True(t, f.Remove("a"))
		assert.False(t, f.Remove("a"))
		assert.Equal(t, 1, f.Size())
		assert.Equal(t, 2, f.Slots())

		_, ok := f.Get("a")
		assert.False(t, ok)

		// Removed ids never appear in search results.
		hits, err := f.Search(ctx, []float32{1, 0}, 10, nil)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "b", hits[0].ID)
	})

	t.Run("Search", func(t *testing.T) {
		f, err := New(2)
		require.NoError(t, err)

		_, _ = f.Add("east", []float32{1, 0})
		_, _ = f.Add("north", []float32{0, 1})
		_, _ = f.Add("northeast", []float32{0.7071, 0.7071})

		hits, err := f.Search(ctx, []float32{1, 0}, 2, nil)
		require.NoError(t, err)
		require.Len(t, hits, 2)
		assert.Equal(t, "east", hits[0].ID)
		assert.Equal(t, "northeast", hits[1].ID)
		assert.InDelta(t, 1.0, hits[0].Similarity, 1e-4)

		t.Run("k of zero returns nothing", func(t *testing.T) {
			hits, err := f.Search(ctx, []float32{1, 0}, 0, nil)
			require.NoError(t, err)
			assert.Empty(t, hits)
		})

		t.Run("negative k is invalid", func(t *testing.T) {
			_, err := f.Search(ctx, []float32{1, 0}, -1, nil)
			assert.ErrorIs(t, err, index.ErrInvalidK)
		})

		t.Run("dimension mismatch", func(t *testing.T) {
			_, err := f.Search(ctx, []float32{1, 0, 0}, 2, nil)
			require.Error(t, err)
			assert.IsType(t, &index.ErrDimensionMismatch{}, err)
		})

		t.Run("k beyond live count truncates", func(t *testing.T) {
			hits, err := f.Search(ctx, []float32{1, 0}, 100, nil)
			require.NoError(t, err)
			assert.Len(t, hits, 3)
		})
	})

	t.Run("Search on empty index", func(t *testing.T) {
		f, err := New(2)
		require.NoError(t, err)

		hits, err := f.Search(ctx, []float32{1, 0}, 5, nil)
		require.NoError(t, err)
		assert.Empty(t, hits)
	})

	t.Run("ties break by insertion order", func(t *testing.T) {
		f, err := New(2)
		require.NoError(t, err)

		// Identical vectors, identical similarity.
		_, _ = f.Add("first", []float32{1, 0})
		_, _ = f.Add("second", []float32{1, 0})
		_, _ = f.Add("third", []float32{1, 0})

		for i := 0; i < 5; i++ {
			hits, err := f.Search(ctx, []float32{1, 0}, 3, nil)
			require.NoError(t, err)
			require.Len(t, hits, 3)
			assert.Equal(t, "first", hits[0].ID)
			assert.Equal(t, "second", hits[1].ID)
			assert.Equal(t, "third", hits[2].ID)
		}
	})

	t.Run("exclusion never shrinks the result set short of k", func(t *testing.T) {
		f, err := New(4)
		require.NoError(t, err)

		rng := testutil.NewRNG(42)
		ids := make([]string, 20)
		vecs := rng.UnitVectors(20, 4)
		for i, v := range vecs {
			ids[i] = string(rune('a' + i))
			_, err := f.Add(ids[i], v)
			require.NoError(t, err)
		}

		query := rng.UnitVector(4)

		// Ground truth without the excluded ids.
		exclude := map[string]struct{}{ids[0]: {}, ids[5]: {}, ids[9]: {}}
		var keptIDs []string
		var keptVecs [][]float32
		for i := range ids {
			if _, skip := exclude[ids[i]]; skip {
				continue
			}
			keptIDs = append(keptIDs, ids[i])
			keptVecs = append(keptVecs, vecs[i])
		}
		want := testutil.TopK(query, keptIDs, keptVecs, 10)

		hits, err := f.Search(ctx, query, 10, exclude)
		require.NoError(t, err)
		require.Len(t, hits, 10)
		for i, h := range hits {
			assert.Equal(t, want[i].ID, h.ID)
			assert.InDelta(t, want[i].Similarity, h.Similarity, 1e-6)
		}
	})

	t.Run("matches exact ground truth", func(t *testing.T) {
		const (
			n   = 500
			dim = 16
			k   = 25
		)
		f, err := New(dim)
		require.NoError(t, err)

		rng := testutil.NewRNG(7)
		vecs := rng.UnitVectors(n, dim)
		ids := make([]string, n)
		entries := make([]Entry, n)
		for i := range entries {
			ids[i] = fmt.Sprintf("item-%03d", i)
			entries[i] = Entry{ID: ids[i], Vector: vecs[i]}
		}

		res := f.AddBatch(entries)
		require.Equal(t, 0, res.Failed())

		query := rng.UnitVector(dim)
		want := testutil.TopK(query, ids, vecs, k)

		hits, err := f.Search(ctx, query, k, nil)
		require.NoError(t, err)
		require.Len(t, hits, k)
		for i, h := range hits {
			assert.Equal(t, want[i].ID, h.ID, "rank %d", i)
			assert.InDelta(t, want[i].Similarity, h.Similarity, 1e-6)
		}
	})
}

func TestFlatRebuild(t *testing.T) {
	ctx := context.Background()

	t.Run("densifies tombstones and syncs with the store", func(t *testing.T) {
		store, err := vectorstore.New(2)
		require.NoError(t, err)
		f, err := New(2)
		require.NoError(t, err)

		require.NoError(t, store.Put("a", []float32{1, 0}))
		require.NoError(t, store.Put("b", []float32{0, 1}))
		_, _ = f.Add("a", []float32{1, 0})
		_, _ = f.Add("b", []float32{0, 1})
		_, _ = f.Add("stale", []float32{0.6, 0.8})

		// "stale" is indexed but no longer in the store; "a" was re-embedded.
		require.NoError(t, store.Put("a", []float32{0, 1}))

		require.NoError(t, f.Rebuild(store))

		assert.Equal(t, 2, f.Size())
		assert.Equal(t, 2, f.Slots())
		_, ok := f.Get("stale")
		assert.False(t, ok)

		// The rebuilt slot holds the refreshed store vector.
		v, ok := f.Get("a")
		require.True(t, ok)
		assert.Equal(t, []float32{0, 1}, v)

		hits, err := f.Search(ctx, []float32{0, 1}, 2, nil)
		require.NoError(t, err)
		require.Len(t, hits, 2)
		// Rebuild inserts in ascending id order, so the tie between the two
		// identical vectors resolves to "a" first.
		assert.Equal(t, "a", hits[0].ID)
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		store, err := vectorstore.New(3)
		require.NoError(t, err)
		f, err := New(2)
		require.NoError(t, err)

		err = f.Rebuild(store)
		require.Error(t, err)
		assert.IsType(t, &index.ErrDimensionMismatch{}, err)
	})
}

func TestFlatSnapshot(t *testing.T) {
	ctx := context.Background()

	t.Run("round trip preserves contents", func(t *testing.T) {
		f, err := New(2)
		require.NoError(t, err)

		_, _ = f.Add("a", []float32{1, 0})
		_, _ = f.Add("b", []float32{0, 1})
		_, _ = f.Add("c", []float32{0.6, 0.8})
		require.True(t, f.Remove("b"))

		snap := f.Snapshot()

		restored, err := New(2)
		require.NoError(t, err)
		require.NoError(t, restored.Restore(snap))

		assert.Equal(t, f.Size(), restored.Size())
		assert.Equal(t, f.Slots(), restored.Slots())

		query := []float32{0.8, 0.6}
		want, err := f.Search(ctx, query, 3, nil)
		require.NoError(t, err)
		got, err := restored.Search(ctx, query, 3, nil)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("Restore reconstructs a missing reverse mapping", func(t *testing.T) {
		f, err := New(2)
		require.NoError(t, err)
		_, _ = f.Add("a", []float32{1, 0})
		_, _ = f.Add("b", []float32{0, 1})

		snap := f.Snapshot()
		snap.IDToSlot = nil

		restored, err := New(2)
		require.NoError(t, err)
		require.NoError(t, restored.Restore(snap))

		v, ok := restored.Get("b")
		require.True(t, ok)
		assert.Equal(t, []float32{0, 1}, v)
	})

	t.Run("Restore rejects corrupt snapshots", func(t *testing.T) {
		f, err := New(2)
		require.NoError(t, err)
		_, _ = f.Add("a", []float32{1, 0})

		t.Run("wrong dimension", func(t *testing.T) {
			snap := f.Snapshot()
			snap.Dimension = 3

			restored, _ := New(2)
			assert.Error(t, restored.Restore(snap))
		})

		t.Run("arena length mismatch", func(t *testing.T) {
			snap := f.Snapshot()
			snap.Arena = snap.Arena[:1]

			restored, _ := New(2)
			assert.Error(t, restored.Restore(snap))
		})

		t.Run("broken bijection", func(t *testing.T) {
			snap := f.Snapshot()
			snap.IDToSlot = map[string]uint32{"other": 0}

			restored, _ := New(2)
			assert.Error(t, restored.Restore(snap))
		})
	})
}
