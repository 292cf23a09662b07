package recgo_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/recgo"
	"github.com/hupe1980/recgo/blobstore"
	"github.com/hupe1980/recgo/scoring"
	"github.com/hupe1980/recgo/testutil"
)

// fakeEmbedder returns canned unit vectors by item id and records how many
// items each EmbedBatch call received.
type fakeEmbedder struct {
	mu         sync.Mutex
	vectors    map[string][]float32
	batchSizes []int
}

func newFakeEmbedder(dim int, ids ...string) *fakeEmbedder {
	rng := testutil.NewRNG(99)
	vectors := make(map[string][]float32, len(ids))
	for _, id := range ids {
		vectors[id] = rng.UnitVector(dim)
	}
	return &fakeEmbedder{vectors: vectors}
}

func (f *fakeEmbedder) Embed(_ context.Context, _, _ string) ([]float32, error) {
	return nil, errors.New("single embed not supported by fake")
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, items []recgo.Item) (map[string][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchSizes = append(f.batchSizes, len(items))

	out := make(map[string][]float32, len(items))
	for _, it := range items {
		if v, ok := f.vectors[it.ID]; ok {
			out[it.ID] = v
		}
	}
	return out, nil
}

func items(ids ...string) []recgo.Item {
	out := make([]recgo.Item, len(ids))
	for i, id := range ids {
		out[i] = recgo.Item{ID: id, Title: "title " + id, Description: "about " + id}
	}
	return out
}

func TestNew(t *testing.T) {
	t.Run("rejects invalid input", func(t *testing.T) {
		_, err := recgo.New(0, newFakeEmbedder(4))
		require.Error(t, err)

		_, err = recgo.New(4, nil)
		assert.ErrorIs(t, err, recgo.ErrNilEmbedder)
	})
}

func TestIngestBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("indexes embedded items", func(t *testing.T) {
		emb := newFakeEmbedder(4, "a", "b", "c")
		eng, err := recgo.New(4, emb)
		require.NoError(t, err)

		res, err := eng.IngestBatch(ctx, items("a", "b", "c"))
		require.NoError(t, err)
		assert.Equal(t, 3, res.Requested)
		assert.Equal(t, 3, res.Indexed)
		assert.Equal(t, 0, res.Failed)
		assert.Equal(t, 3, eng.Size())
		assert.Equal(t, 3, eng.IndexSize())
		assert.True(t, eng.HasEmbedding("a"))
		assert.Equal(t, []string{"a", "b", "c"}, eng.AllIDs())
	})

	t.Run("counts per-item failures without aborting", func(t *testing.T) {
		emb := newFakeEmbedder(4, "a")
		eng, err := recgo.New(4, emb)
		require.NoError(t, err)

		res, err := eng.IngestBatch(ctx, items("a", "unembeddable"))
		require.NoError(t, err)
		assert.Equal(t, 1, res.Indexed)
		assert.Equal(t, 1, res.Failed)
		assert.Equal(t, 1, eng.Size())
	})

	t.Run("re-ingest refreshes the store only", func(t *testing.T) {
		emb := newFakeEmbedder(4, "a")
		eng, err := recgo.New(4, emb)
		require.NoError(t, err)

		_, err = eng.IngestBatch(ctx, items("a"))
		require.NoError(t, err)

		res, err := eng.IngestBatch(ctx, items("a"))
		require.NoError(t, err)
		assert.Equal(t, 0, res.Indexed)
		assert.Equal(t, 1, res.Updated)
		assert.Equal(t, 1, eng.IndexSize())
	})

	t.Run("empty batch is a no-op", func(t *testing.T) {
		eng, err := recgo.New(4, newFakeEmbedder(4))
		require.NoError(t, err)

		res, err := eng.IngestBatch(ctx, nil)
		require.NoError(t, err)
		assert.Zero(t, res.Requested)
	})
}

func TestSyncBatch(t *testing.T) {
	ctx := context.Background()

	emb := newFakeEmbedder(4, "a", "b", "c")
	eng, err := recgo.New(4, emb)
	require.NoError(t, err)

	_, err = eng.IngestBatch(ctx, items("a"))
	require.NoError(t, err)

	res, err := eng.SyncBatch(ctx, items("a", "b", "c"))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Requested)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 2, res.Added)
	assert.Equal(t, 0, res.Failed)

	// Only the unseen items were sent to the embedder.
	assert.Equal(t, []int{1, 2}, emb.batchSizes)

	// A fully synced batch never re-embeds.
	res, err = eng.SyncBatch(ctx, items("a", "b", "c"))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Skipped)
	assert.Equal(t, []int{1, 2}, emb.batchSizes)
}

func TestDeleteItem(t *testing.T) {
	ctx := context.Background()

	emb := newFakeEmbedder(4, "a", "b")
	eng, err := recgo.New(4, emb)
	require.NoError(t, err)

	_, err = eng.IngestBatch(ctx, items("a", "b"))
	require.NoError(t, err)

	existed, err := eng.DeleteItem(ctx, "a")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.False(t, eng.HasEmbedding("a"))
	assert.Equal(t, 1, eng.IndexSize())

	existed, err = eng.DeleteItem(ctx, "a")
	require.NoError(t, err)
	assert.False(t, existed)

	// Deleted items never come back in searches.
	similar, err := eng.SearchSimilarTo(ctx, "b", 10)
	require.NoError(t, err)
	assert.Empty(t, similar)
}

func TestSearchSimilarTo(t *testing.T) {
	ctx := context.Background()

	emb := newFakeEmbedder(8, "a", "b", "c", "d")
	eng, err := recgo.New(8, emb)
	require.NoError(t, err)

	_, err = eng.IngestBatch(ctx, items("a", "b", "c", "d"))
	require.NoError(t, err)

	t.Run("excludes the query item", func(t *testing.T) {
		similar, err := eng.SearchSimilarTo(ctx, "a", 10)
		require.NoError(t, err)
		require.Len(t, similar, 3)
		for _, s := range similar {
			assert.NotEqual(t, "a", s.ID)
		}
		// Descending similarity.
		for i := 1; i < len(similar); i++ {
			assert.GreaterOrEqual(t, similar[i-1].Similarity, similar[i].Similarity)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := eng.SearchSimilarTo(ctx, "ghost", 5)
		assert.ErrorIs(t, err, recgo.ErrNotFound)
	})

	t.Run("invalid k", func(t *testing.T) {
		_, err := eng.SearchSimilarTo(ctx, "a", 0)
		assert.ErrorIs(t, err, recgo.ErrInvalidK)
	})
}

func TestRecommendForUser(t *testing.T) {
	ctx := context.Background()

	emb := newFakeEmbedder(8, "w1", "l1", "x1", "x2", "x3", "x4")
	eng, err := recgo.New(8, emb)
	require.NoError(t, err)

	_, err = eng.IngestBatch(ctx, items("w1", "l1", "x1", "x2", "x3", "x4"))
	require.NoError(t, err)

	t.Run("history is excluded from results", func(t *testing.T) {
		resp, err := eng.RecommendForUser(ctx, recgo.RecommendRequest{
			WatchedIDs: []string{"w1"},
			LikedIDs:   []string{"l1"},
			Limit:      10,
		})
		require.NoError(t, err)
		assert.True(t, resp.ProfileComputed)
		assert.Equal(t, 1, resp.WatchedCount)
		assert.Equal(t, 1, resp.LikedCount)
		require.NotEmpty(t, resp.Recommendations)
		for _, rec := range resp.Recommendations {
			assert.NotEqual(t, "w1", rec.ID)
			assert.NotEqual(t, "l1", rec.ID)
		}
	})

	t.Run("explicit exclusions are honored", func(t *testing.T) {
		resp, err := eng.RecommendForUser(ctx, recgo.RecommendRequest{
			LikedIDs:   []string{"l1"},
			ExcludeIDs: []string{"x1", "x2"},
			Limit:      10,
		})
		require.NoError(t, err)
		for _, rec := range resp.Recommendations {
			assert.NotContains(t, []string{"l1", "x1", "x2"}, rec.ID)
		}
	})

	t.Run("limit truncates after re-scoring", func(t *testing.T) {
		resp, err := eng.RecommendForUser(ctx, recgo.RecommendRequest{
			LikedIDs: []string{"l1"},
			Limit:    2,
		})
		require.NoError(t, err)
		assert.Len(t, resp.Recommendations, 2)
	})

	t.Run("unresolvable history yields empty response", func(t *testing.T) {
		resp, err := eng.RecommendForUser(ctx, recgo.RecommendRequest{
			WatchedIDs: []string{"ghost"},
			Limit:      5,
		})
		require.NoError(t, err)
		assert.False(t, resp.ProfileComputed)
		assert.Empty(t, resp.Recommendations)
		assert.Zero(t, resp.WatchedCount)
	})

	t.Run("metadata reorders beyond raw similarity", func(t *testing.T) {
		now := time.Now().UTC()
		resp, err := eng.RecommendForUser(ctx, recgo.RecommendRequest{
			LikedIDs: []string{"l1"},
			Limit:    4,
			Metadata: map[string]recgo.Metadata{
				"x1": {Views: 900_000, CreatedAt: now.Format(time.RFC3339)},
				"x2": {Views: 900_000, CreatedAt: now.Format(time.RFC3339)},
				"x3": {Views: 900_000, CreatedAt: now.Format(time.RFC3339)},
				"x4": {Views: 900_000, CreatedAt: now.Format(time.RFC3339)},
			},
		})
		require.NoError(t, err)
		require.NotEmpty(t, resp.Recommendations)

		for _, rec := range resp.Recommendations {
			b := rec.Breakdown
			assert.Equal(t, 1.0, b.RecencyScore)
			assert.Greater(t, b.PopularityScore, 0.9)
			assert.NotEmpty(t, b.Formula)
			// Final score is reproducible from the breakdown weights.
			want := scoring.Round4(b.Weights["embedding"]*b.EmbeddingSimilarity +
				b.Weights["recency"]*b.RecencyScore +
				b.Weights["popularity"]*b.PopularityScore)
			assert.InDelta(t, want, rec.FinalScore, 2e-4)
		}

		// Descending final score.
		recs := resp.Recommendations
		for i := 1; i < len(recs); i++ {
			assert.GreaterOrEqual(t, recs[i-1].FinalScore, recs[i].FinalScore)
		}
	})

	t.Run("missing metadata uses defaults", func(t *testing.T) {
		resp, err := eng.RecommendForUser(ctx, recgo.RecommendRequest{
			LikedIDs: []string{"l1"},
			Limit:    1,
		})
		require.NoError(t, err)
		require.NotEmpty(t, resp.Recommendations)
		b := resp.Recommendations[0].Breakdown
		// Default createdAt (2024-01-01) is long past the decay window and
		// default views are zero.
		assert.Equal(t, 0.0, b.RecencyScore)
		assert.Equal(t, 0.0, b.PopularityScore)
	})
}

func TestPersistenceLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("snapshot restores across restarts", func(t *testing.T) {
		blobs := blobstore.NewMemoryStore()
		emb := newFakeEmbedder(8, "a", "b", "c")

		eng, err := recgo.New(8, emb, recgo.WithBlobStore(blobs))
		require.NoError(t, err)

		_, err = eng.IngestBatch(ctx, items("a", "b", "c"))
		require.NoError(t, err)

		wantSimilar, err := eng.SearchSimilarTo(ctx, "a", 2)
		require.NoError(t, err)
		require.NoError(t, eng.Close(ctx))

		// Reopen on the same blobstore.
		eng2, err := recgo.New(8, emb, recgo.WithBlobStore(blobs))
		require.NoError(t, err)
		assert.Equal(t, 3, eng2.Size())
		assert.Equal(t, 3, eng2.IndexSize())

		gotSimilar, err := eng2.SearchSimilarTo(ctx, "a", 2)
		require.NoError(t, err)
		assert.Equal(t, wantSimilar, gotSimilar)
	})

	t.Run("snapshot directory convenience", func(t *testing.T) {
		dir := t.TempDir()
		emb := newFakeEmbedder(4, "a")

		eng, err := recgo.New(4, emb, recgo.WithSnapshotDir(dir))
		require.NoError(t, err)
		_, err = eng.IngestBatch(ctx, items("a"))
		require.NoError(t, err)
		require.NoError(t, eng.Close(ctx))

		eng2, err := recgo.New(4, emb, recgo.WithSnapshotDir(dir))
		require.NoError(t, err)
		assert.Equal(t, 1, eng2.Size())
	})

	t.Run("save throttle still saves on Close", func(t *testing.T) {
		blobs := blobstore.NewMemoryStore()
		emb := newFakeEmbedder(4, "a", "b")

		eng, err := recgo.New(4, emb,
			recgo.WithBlobStore(blobs),
			recgo.WithSaveInterval(time.Hour),
		)
		require.NoError(t, err)

		// First mutation saves (burst of one), later ones are throttled.
		_, err = eng.IngestBatch(ctx, items("a"))
		require.NoError(t, err)
		_, err = eng.IngestBatch(ctx, items("b"))
		require.NoError(t, err)
		require.NoError(t, eng.Close(ctx))

		eng2, err := recgo.New(4, emb, recgo.WithBlobStore(blobs))
		require.NoError(t, err)
		assert.Equal(t, 2, eng2.Size())
	})

	t.Run("saves racing deletes never tear the snapshot", func(t *testing.T) {
		blobs := blobstore.NewMemoryStore()
		ids := make([]string, 40)
		for i := range ids {
			ids[i] = fmt.Sprintf("item-%02d", i)
		}
		emb := newFakeEmbedder(4, ids...)

		eng, err := recgo.New(4, emb, recgo.WithBlobStore(blobs))
		require.NoError(t, err)
		_, err = eng.IngestBatch(ctx, items(ids...))
		require.NoError(t, err)

		// The index snapshot and store export of one save must come from the
		// same generation: a save overlapping a delete may capture the state
		// before or after it, but never a pre-delete index with a post-delete
		// store.
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range ids {
				_ = eng.Save(ctx)
			}
		}()
		for _, id := range ids[:20] {
			_, err := eng.DeleteItem(ctx, id)
			assert.NoError(t, err)
		}
		wg.Wait()
		require.NoError(t, eng.Close(ctx))

		eng2, err := recgo.New(4, emb, recgo.WithBlobStore(blobs))
		require.NoError(t, err)
		assert.Equal(t, eng2.Size(), eng2.IndexSize())

		similar, err := eng2.SearchSimilarTo(ctx, ids[len(ids)-1], len(ids))
		require.NoError(t, err)
		for _, hit := range similar {
			assert.True(t, eng2.HasEmbedding(hit.ID))
		}
	})

	t.Run("corrupt snapshot fails startup", func(t *testing.T) {
		blobs := blobstore.NewMemoryStore()
		emb := newFakeEmbedder(4, "a")

		eng, err := recgo.New(4, emb, recgo.WithBlobStore(blobs))
		require.NoError(t, err)
		_, err = eng.IngestBatch(ctx, items("a"))
		require.NoError(t, err)
		require.NoError(t, eng.Close(ctx))

		data, err := blobs.Get(ctx, "index.bin")
		require.NoError(t, err)
		data[len(data)/2] ^= 0xFF
		require.NoError(t, blobs.Put(ctx, "index.bin", data))

		_, err = recgo.New(4, emb, recgo.WithBlobStore(blobs))
		assert.Error(t, err)
	})
}

func TestClose(t *testing.T) {
	ctx := context.Background()

	emb := newFakeEmbedder(4, "a")
	eng, err := recgo.New(4, emb)
	require.NoError(t, err)

	require.NoError(t, eng.Close(ctx))
	require.NoError(t, eng.Close(ctx)) // idempotent

	_, err = eng.IngestBatch(ctx, items("a"))
	assert.ErrorIs(t, err, recgo.ErrClosed)
	_, err = eng.SearchSimilarTo(ctx, "a", 1)
	assert.ErrorIs(t, err, recgo.ErrClosed)
	_, err = eng.RecommendForUser(ctx, recgo.RecommendRequest{})
	assert.ErrorIs(t, err, recgo.ErrClosed)
	_, err = eng.DeleteItem(ctx, "a")
	assert.ErrorIs(t, err, recgo.ErrClosed)
	assert.ErrorIs(t, eng.Save(ctx), recgo.ErrClosed)
}

func TestMetricsCollection(t *testing.T) {
	ctx := context.Background()

	metrics := &recgo.BasicMetricsCollector{}
	emb := newFakeEmbedder(4, "a", "b")
	eng, err := recgo.New(4, emb, recgo.WithMetricsCollector(metrics))
	require.NoError(t, err)

	_, err = eng.IngestBatch(ctx, items("a", "b"))
	require.NoError(t, err)
	_, err = eng.SearchSimilarTo(ctx, "a", 1)
	require.NoError(t, err)
	_, err = eng.RecommendForUser(ctx, recgo.RecommendRequest{LikedIDs: []string{"a"}})
	require.NoError(t, err)
	_, err = eng.DeleteItem(ctx, "b")
	require.NoError(t, err)

	stats := metrics.GetStats()
	assert.Equal(t, int64(1), stats.IngestCount)
	assert.Equal(t, int64(2), stats.IngestItems)
	assert.Equal(t, int64(1), stats.SearchCount)
	assert.Equal(t, int64(1), stats.RecommendCount)
	assert.Equal(t, int64(1), stats.DeleteCount)
}
