package recgo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/hupe1980/recgo/blobstore"
	"github.com/hupe1980/recgo/index"
	"github.com/hupe1980/recgo/index/flat"
	"github.com/hupe1980/recgo/persistence"
	"github.com/hupe1980/recgo/profile"
	"github.com/hupe1980/recgo/scoring"
	"github.com/hupe1980/recgo/vectorstore"
)

const (
	// DefaultLimit is the recommendation count used when a request does not
	// specify one.
	DefaultLimit = 10

	// DefaultCreatedAt substitutes for missing creation timestamps so items
	// without metadata score as moderately old rather than brand new.
	DefaultCreatedAt = "2024-01-01T00:00:00Z"

	// overfetchFactor is how many similarity candidates are retrieved per
	// requested recommendation, so re-scoring has room to reorder.
	overfetchFactor = 2
)

// Item is a piece of content to be embedded and indexed.
type Item struct {
	ID          string
	Title       string
	Description string
}

// Metadata carries the non-embedding scoring signals of an item.
type Metadata struct {
	Views     int64  `json:"views"`
	CreatedAt string `json:"created_at"`
}

// Embedder turns item text into unit-length embedding vectors. It is an
// external collaborator; the engine never inspects the model behind it.
//
// Implementations must return vectors of the engine's configured dimension.
// EmbedBatch may omit items it failed to embed; the engine counts those as
// failures without aborting the batch.
type Embedder interface {
	Embed(ctx context.Context, title, description string) ([]float32, error)
	EmbedBatch(ctx context.Context, items []Item) (map[string][]float32, error)
}

// BatchResult reports the outcome of an ingest batch.
type BatchResult struct {
	Requested int
	// Indexed counts items that allocated a new index slot.
	Indexed int
	// Updated counts re-ingested ids: the stored embedding was refreshed,
	// but the indexed vector is only reconciled at the next rebuild.
	Updated int
	Failed  int
}

// SyncResult reports the outcome of an incremental sync.
type SyncResult struct {
	Requested int
	// Skipped counts items that already had a stored embedding.
	Skipped int
	Added   int
	Failed  int
}

// SimilarItem is a single similar-items search result.
type SimilarItem struct {
	ID         string  `json:"id"`
	Similarity float64 `json:"similarity"`
}

// Recommendation is a single scored recommendation with its explanation.
type Recommendation struct {
	ID         string            `json:"id"`
	FinalScore float64           `json:"final_score"`
	Breakdown  scoring.Breakdown `json:"score_breakdown"`
}

// RecommendRequest describes a personalized recommendation query.
type RecommendRequest struct {
	WatchedIDs []string
	LikedIDs   []string
	// ExcludeIDs are removed from results in addition to the history ids,
	// which are always excluded.
	ExcludeIDs []string
	// Limit is the maximum number of recommendations; <= 0 means DefaultLimit.
	Limit int
	// Metadata provides per-item scoring signals. Items without an entry use
	// zero views and DefaultCreatedAt.
	Metadata map[string]Metadata
}

// RecommendResponse is the result of a personalized recommendation query.
type RecommendResponse struct {
	Recommendations []Recommendation `json:"recommendations"`
	// ProfileComputed is false when none of the history ids resolved to a
	// stored embedding; Recommendations is empty in that case.
	ProfileComputed bool `json:"profile_computed"`
	// WatchedCount and LikedCount are the resolved history sizes that
	// contributed to the profile.
	WatchedCount int `json:"watched_count"`
	LikedCount   int `json:"liked_count"`
}

// Engine is an explainable recommendation engine over an exact vector index.
//
// Reads (search, recommend, introspection) are lock-free against the index's
// copy-on-write state; mutations serialize on an internal mutex. Embedding
// inference always runs outside that mutex.
type Engine struct {
	dim      int
	embedder Embedder

	store    *vectorstore.Store
	idx      *flat.Flat
	scorer   *scoring.Engine
	profiles *profile.Synthesizer
	persist  *persistence.Manager

	logger  *Logger
	metrics MetricsCollector

	// saveLimiter throttles auto-saves after mutations; nil saves every time.
	saveLimiter *rate.Limiter

	mu     sync.Mutex
	closed atomic.Bool

	now func() time.Time
}

// New creates an Engine for embeddings of the given dimension.
//
// If a blobstore (or snapshot directory) is configured and holds a snapshot,
// it is restored before New returns; a corrupt or partially present snapshot
// is an error, never silently replaced by an empty index.
func New(dim int, embedder Embedder, optFns ...Option) (*Engine, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("recgo: invalid dimension %d", dim)
	}
	if embedder == nil {
		return nil, ErrNilEmbedder
	}
	o := applyOptions(optFns)

	store, err := vectorstore.New(dim)
	if err != nil {
		return nil, err
	}
	idx, err := flat.New(dim)
	if err != nil {
		return nil, err
	}
	scorer, err := scoring.New(o.scoringConfig, o.logger.Logger)
	if err != nil {
		return nil, err
	}
	profiles, err := profile.New(dim, o.profileWeights)
	if err != nil {
		return nil, err
	}

	blobs := o.blobs
	if blobs == nil && o.snapshotDir != "" {
		local, err := blobstore.NewLocalStore(o.snapshotDir)
		if err != nil {
			return nil, err
		}
		blobs = local
	}

	e := &Engine{
		dim:      dim,
		embedder: embedder,
		store:    store,
		idx:      idx,
		scorer:   scorer,
		profiles: profiles,
		logger:   o.logger,
		metrics:  o.metricsCollector,
		now:      time.Now,
	}
	if blobs != nil {
		e.persist = persistence.NewManager(blobs, o.codec)
	}
	if o.saveInterval > 0 {
		e.saveLimiter = rate.NewLimiter(rate.Every(o.saveInterval), 1)
	}

	if e.persist != nil {
		if err := e.restore(context.Background()); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// restore loads the latest snapshot, if any, into the index and store.
func (e *Engine) restore(ctx context.Context) error {
	snap, vectors, err := e.persist.Load(ctx, e.dim)
	if err != nil {
		e.logger.LogRestore(ctx, 0, false, err)
		return err
	}
	if snap == nil {
		return nil
	}

	if err := e.idx.Restore(snap); err != nil {
		e.logger.LogRestore(ctx, 0, false, err)
		return err
	}

	rebuilt := false
	if vectors == nil {
		// The raw-store artifact is optional; fall back to the live slots of
		// the index snapshot.
		vectors = make(map[string][]float32, snap.Live.GetCardinality())
		it := snap.Live.Iterator()
		for it.HasNext() {
			slot := int(it.Next())
			vec := make([]float32, e.dim)
			copy(vec, snap.Arena[slot*e.dim:(slot+1)*e.dim])
			vectors[snap.SlotToID[slot]] = vec
		}
		rebuilt = true
	}
	if err := e.store.Replace(vectors); err != nil {
		e.logger.LogRestore(ctx, 0, rebuilt, err)
		return translateError(err)
	}

	e.logger.LogRestore(ctx, e.idx.Size(), rebuilt, nil)
	return nil
}

// Dimension returns the configured embedding dimension.
func (e *Engine) Dimension() int { return e.dim }

// Size returns the number of stored embeddings.
func (e *Engine) Size() int { return e.store.Len() }

// IndexSize returns the number of live (searchable) index entries.
func (e *Engine) IndexSize() int { return e.idx.Size() }

// HasEmbedding reports whether id has a stored embedding.
func (e *Engine) HasEmbedding(id string) bool { return e.store.Has(id) }

// AllIDs returns every known item id in ascending order.
func (e *Engine) AllIDs() []string { return e.store.AllIDs() }

// IngestBatch embeds and indexes items.
//
// Per-item failures (missing embedding, wrong dimension) are counted and
// skipped, never abort the batch. Re-ingested ids refresh the stored
// embedding; their indexed vector catches up at the next rebuild.
func (e *Engine) IngestBatch(ctx context.Context, items []Item) (BatchResult, error) {
	if e.closed.Load() {
		return BatchResult{}, ErrClosed
	}
	start := time.Now()
	res := BatchResult{Requested: len(items)}
	if len(items) == 0 {
		return res, nil
	}

	// Inference runs outside the write lock.
	vecs, err := e.embedder.EmbedBatch(ctx, items)
	if err != nil {
		return res, fmt.Errorf("recgo: embedding failed: %w", err)
	}

	e.mu.Lock()
	entries := make([]flat.Entry, 0, len(items))
	for _, it := range items {
		v, ok := vecs[it.ID]
		if !ok {
			res.Failed++
			continue
		}
		if err := e.store.Put(it.ID, v); err != nil {
			res.Failed++
			e.logger.WarnContext(ctx, "skipping item",
				"item_id", it.ID,
				"error", translateError(err),
			)
			continue
		}
		entries = append(entries, flat.Entry{ID: it.ID, Vector: v})
	}
	batch := e.idx.AddBatch(entries)
	e.mu.Unlock()

	for i := range entries {
		switch {
		case batch.Errors[i] != nil:
			res.Failed++
		case batch.Outcomes[i] == index.Added:
			res.Indexed++
		default:
			res.Updated++
		}
	}

	e.metrics.RecordIngest(res.Requested, res.Failed, time.Since(start))
	e.logger.LogIngest(ctx, res.Requested, res.Indexed, res.Failed)
	return res, e.autoSave(ctx)
}

// SyncBatch ingests only the items that have no stored embedding yet,
// skipping the rest without re-embedding them.
func (e *Engine) SyncBatch(ctx context.Context, items []Item) (SyncResult, error) {
	if e.closed.Load() {
		return SyncResult{}, ErrClosed
	}
	res := SyncResult{Requested: len(items)}

	unseen := make([]Item, 0, len(items))
	for _, it := range items {
		if e.store.Has(it.ID) {
			res.Skipped++
			continue
		}
		unseen = append(unseen, it)
	}
	if len(unseen) == 0 {
		e.logger.LogSync(ctx, res.Requested, res.Skipped, 0, 0)
		return res, nil
	}

	ingest, err := e.IngestBatch(ctx, unseen)
	if err != nil {
		return res, err
	}
	res.Added = ingest.Indexed + ingest.Updated
	res.Failed = ingest.Failed

	e.logger.LogSync(ctx, res.Requested, res.Skipped, res.Added, res.Failed)
	return res, nil
}

// DeleteItem removes id from the store and index, reporting whether an
// embedding existed. The index is rebuilt afterwards, which densifies slots
// and reconciles any stale re-ingested vectors.
func (e *Engine) DeleteItem(ctx context.Context, id string) (bool, error) {
	if e.closed.Load() {
		return false, ErrClosed
	}
	start := time.Now()

	e.mu.Lock()
	existed := e.store.Delete(id)
	removed := e.idx.Remove(id)
	var err error
	if existed || removed {
		err = e.idx.Rebuild(e.store)
	}
	e.mu.Unlock()

	e.metrics.RecordDelete(time.Since(start), err)
	e.logger.LogDelete(ctx, id, existed, err)
	if err != nil {
		return existed, translateError(err)
	}
	if !existed && !removed {
		return false, nil
	}
	return existed, e.autoSave(ctx)
}

// SearchSimilarTo returns the k items most similar to id, excluding id
// itself. Similarities are rounded to 4 digits for presentation.
//
// Returns ErrNotFound when id has no stored embedding.
func (e *Engine) SearchSimilarTo(ctx context.Context, id string, k int) ([]SimilarItem, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if k <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidK, k)
	}
	start := time.Now()

	query, ok := e.store.Get(id)
	if !ok {
		err := fmt.Errorf("%w: %s", ErrNotFound, id)
		e.metrics.RecordSearch(k, time.Since(start), err)
		e.logger.LogSearch(ctx, id, k, 0, err)
		return nil, err
	}

	hits, err := e.idx.Search(ctx, query, k, map[string]struct{}{id: {}})
	e.metrics.RecordSearch(k, time.Since(start), err)
	e.logger.LogSearch(ctx, id, k, len(hits), err)
	if err != nil {
		return nil, translateError(err)
	}

	out := make([]SimilarItem, len(hits))
	for i, h := range hits {
		out[i] = SimilarItem{ID: h.ID, Similarity: scoring.Round4(float64(h.Similarity))}
	}
	return out, nil
}

// RecommendForUser synthesizes a preference profile from the user's history,
// over-fetches similarity candidates and re-scores them with recency and
// popularity.
//
// History ids and ExcludeIDs never appear in results. A history that resolves
// to no stored embeddings yields an empty response with ProfileComputed set
// to false rather than an error.
func (e *Engine) RecommendForUser(ctx context.Context, req RecommendRequest) (RecommendResponse, error) {
	if e.closed.Load() {
		return RecommendResponse{}, ErrClosed
	}
	start := time.Now()

	limit := req.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	prof := e.profiles.FromIDs(e.store, req.WatchedIDs, req.LikedIDs)
	resp := RecommendResponse{
		Recommendations: []Recommendation{},
		ProfileComputed: prof.Computed,
		WatchedCount:    prof.WatchedCount,
		LikedCount:      prof.LikedCount,
	}
	if !prof.Computed {
		e.metrics.RecordRecommend(0, time.Since(start), nil)
		e.logger.LogRecommend(ctx, len(req.WatchedIDs), len(req.LikedIDs), 0, nil)
		return resp, nil
	}

	exclude := make(map[string]struct{}, len(req.WatchedIDs)+len(req.LikedIDs)+len(req.ExcludeIDs))
	for _, id := range req.WatchedIDs {
		exclude[id] = struct{}{}
	}
	for _, id := range req.LikedIDs {
		exclude[id] = struct{}{}
	}
	for _, id := range req.ExcludeIDs {
		exclude[id] = struct{}{}
	}

	hits, err := e.idx.Search(ctx, prof.Vector, limit*overfetchFactor, exclude)
	if err != nil {
		e.metrics.RecordRecommend(0, time.Since(start), err)
		e.logger.LogRecommend(ctx, prof.WatchedCount, prof.LikedCount, 0, err)
		return resp, translateError(err)
	}

	now := e.now()
	type scored struct {
		rec Recommendation
		// unrounded sort key; FinalScore is rounded for presentation
		score float64
	}
	candidates := make([]scored, 0, len(hits))
	for _, h := range hits {
		md := req.Metadata[h.ID]
		createdAt := md.CreatedAt
		if createdAt == "" {
			createdAt = DefaultCreatedAt
		}
		score, breakdown := e.scorer.ScoreItem(float64(h.Similarity), md.Views, createdAt, now)
		candidates = append(candidates, scored{
			rec:   Recommendation{ID: h.ID, FinalScore: scoring.Round4(score), Breakdown: breakdown},
			score: score,
		})
	}

	// Stable sort: similarity rank breaks final-score ties.
	sort.SliceStable(candidates, func(a, b int) bool {
		return candidates[a].score > candidates[b].score
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	for _, c := range candidates {
		resp.Recommendations = append(resp.Recommendations, c.rec)
	}

	e.metrics.RecordRecommend(len(resp.Recommendations), time.Since(start), nil)
	e.logger.LogRecommend(ctx, prof.WatchedCount, prof.LikedCount, len(resp.Recommendations), nil)
	return resp, nil
}

// Save forces a snapshot, bypassing the auto-save throttle.
// A no-op when persistence is not configured.
func (e *Engine) Save(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.save(ctx)
}

// Close marks the engine closed and writes a final snapshot.
// Subsequent operations return ErrClosed; Close itself is idempotent.
func (e *Engine) Close(ctx context.Context) error {
	if e.closed.Swap(true) {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.save(ctx)
}

// save snapshots the index and store. Callers must hold e.mu: the index
// snapshot and the store export have to come from the same mutation
// generation, or a concurrent delete could tear them apart.
func (e *Engine) save(ctx context.Context) error {
	if e.persist == nil {
		return nil
	}
	start := time.Now()
	err := e.persist.Save(ctx, e.idx.Snapshot(), e.store.Export())
	e.metrics.RecordSnapshot(time.Since(start), err)
	e.logger.LogSnapshot(ctx, e.idx.Size(), err)
	return err
}

// autoSave snapshots after a mutation, subject to the save throttle.
func (e *Engine) autoSave(ctx context.Context) error {
	if e.persist == nil {
		return nil
	}
	if e.saveLimiter != nil && !e.saveLimiter.Allow() {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.save(ctx)
}
