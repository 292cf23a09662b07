// Package recgo provides an embeddable, explainable recommendation engine
// for Go.
//
// Recgo keeps item embeddings in an exact in-memory inner-product index,
// synthesizes user preference vectors from watch/like history, and re-scores
// similarity candidates with recency and popularity signals. Every
// recommendation carries a full score breakdown: the weighted components and
// the formula that combined them.
//
// # Quick Start
//
//	ctx := context.Background()
//	eng, _ := recgo.New(768, embedder, recgo.WithSnapshotDir("./data"))
//	defer eng.Close(ctx)
//
//	eng.IngestBatch(ctx, []recgo.Item{
//	    {ID: "v1", Title: "Intro to Go", Description: "..."},
//	    {ID: "v2", Title: "Advanced Go", Description: "..."},
//	})
//
//	similar, _ := eng.SearchSimilarTo(ctx, "v1", 10)
//
//	resp, _ := eng.RecommendForUser(ctx, recgo.RecommendRequest{
//	    WatchedIDs: []string{"v1"},
//	    LikedIDs:   []string{"v2"},
//	    Limit:      10,
//	})
//	for _, rec := range resp.Recommendations {
//	    fmt.Println(rec.ID, rec.FinalScore, rec.Breakdown.Formula)
//	}
//
// # Scoring Model
//
// The final score of a candidate is a deterministic weighted sum:
//
//	0.5 * similarity + 0.3 * recency + 0.2 * popularity
//
// Recency decays linearly over 90 days; popularity is log-normalized against
// a 1M-view ceiling. Weights and windows are configurable via
// WithScoringConfig.
//
// # Persistence
//
// Snapshots are three blob artifacts (index, mapping, raw store) written
// through a pluggable blobstore: local directory, memory, S3 (with a
// DynamoDB commit marker for atomic publishes) or MinIO. Saves happen
// automatically after mutations, throttled by WithSaveInterval; Close always
// writes a final snapshot.
//
// # Key Features
//
//   - Exact top-k search (no recall loss, deterministic tie-breaking)
//   - Explainable scoring with per-component breakdowns
//   - Lock-free reads via copy-on-write index state
//   - Pluggable snapshot storage (local/S3/MinIO)
//   - External embedding collaborator (bring your own model)
package recgo
