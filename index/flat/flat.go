// Package flat provides an exact (brute-force) inner-product search index
// over unit vectors, with a dense slot layout and id <-> slot mapping.
//
// The index is append-mostly: vectors occupy monotonically allocated slots in
// a contiguous arena, removals only tombstone the slot, and a full rebuild is
// the sole operation that reclaims space. It uses a copy-on-write pattern so
// searches are lock-free and always observe a consistent state.
package flat

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/recgo/distance"
	"github.com/hupe1980/recgo/index"
	"github.com/hupe1980/recgo/vectorstore"
)

// parallelScanThreshold is the live-entry count above which a search scan is
// split across goroutines.
const parallelScanThreshold = 4096

// state holds the immutable index contents for lock-free reads.
// A published state must never be mutated; writers clone, modify, then swap.
type state struct {
	arena    []float32         // slot-major vectors: arena[slot*dim : (slot+1)*dim]
	slotToID []string          // "" marks a tombstoned slot
	idToSlot map[string]uint32 // live ids only
	live     *roaring.Bitmap   // set of live (non-tombstoned) slots
}

// Flat is an exact inner-product search index.
//
// Readers (Search, Get, Size) are lock-free and may run concurrently;
// writers (Add, AddBatch, Remove, Rebuild, Restore) serialize on an internal
// mutex.
type Flat struct {
	statePtr atomic.Pointer[state]
	writeMu  sync.Mutex
	dim      int
}

// Entry is a single (id, vector) pair for batch insertion.
type Entry struct {
	ID     string
	Vector []float32
}

// BatchResult reports per-entry outcomes of an AddBatch call.
type BatchResult struct {
	Outcomes []index.AddOutcome
	Errors   []error // nil for successful entries
}

// Added returns the number of entries that allocated a new slot.
func (r *BatchResult) Added() int {
	n := 0
	for i, o := range r.Outcomes {
		if r.Errors[i] == nil && o == index.Added {
			n++
		}
	}
	return n
}

// Failed returns the number of entries that errored.
func (r *BatchResult) Failed() int {
	n := 0
	for _, err := range r.Errors {
		if err != nil {
			n++
		}
	}
	return n
}

// New creates an empty flat index for vectors of the given dimension.
func New(dim int) (*Flat, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("flat: invalid dimension %d", dim)
	}
	f := &Flat{dim: dim}
	f.statePtr.Store(&state{
		idToSlot: make(map[string]uint32),
		live:     roaring.New(),
	})
	return f, nil
}

// Dimension returns the fixed vector dimension of the index.
func (f *Flat) Dimension() int { return f.dim }

func (f *Flat) getState() *state {
	return f.statePtr.Load()
}

// cloneState creates a deep copy of st for copy-on-write modification.
func cloneState(st *state) *state {
	arena := make([]float32, len(st.arena))
	copy(arena, st.arena)

	slotToID := make([]string, len(st.slotToID))
	copy(slotToID, st.slotToID)

	idToSlot := make(map[string]uint32, len(st.idToSlot))
	for id, slot := range st.idToSlot {
		idToSlot[id] = slot
	}

	return &state{
		arena:    arena,
		slotToID: slotToID,
		idToSlot: idToSlot,
		live:     st.live.Clone(),
	}
}

// Add indexes the vector under id.
//
// If id has no live slot, the next slot is allocated, the vector appended and
// the mapping recorded; the outcome is Added. If id already has a live slot
// the call is a no-op with respect to index contents and the outcome is
// AlreadyIndexed: the indexed vector is NOT updated in place. Only a Rebuild
// reconciles the slot with the authoritative store. Callers that need
// update-in-place semantics must remove and re-add, or rebuild.
func (f *Flat) Add(id string, v []float32) (index.AddOutcome, error) {
	res := f.AddBatch([]Entry{{ID: id, Vector: v}})
	return res.Outcomes[0], res.Errors[0]
}

// AddBatch indexes multiple vectors in a single copy-on-write step.
// Per-entry dimension mismatches are recorded, never abort the batch.
func (f *Flat) AddBatch(entries []Entry) *BatchResult {
	res := &BatchResult{
		Outcomes: make([]index.AddOutcome, len(entries)),
		Errors:   make([]error, len(entries)),
	}
	if len(entries) == 0 {
		return res
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	oldState := f.getState()

	// First pass: decide whether any entry actually mutates the index, so a
	// batch of already-indexed ids doesn't publish a pointless clone.
	mutates := false
	for i, e := range entries {
		if len(e.Vector) != f.dim {
			res.Errors[i] = &index.ErrDimensionMismatch{Expected: f.dim, Actual: len(e.Vector)}
			continue
		}
		if _, ok := oldState.idToSlot[e.ID]; ok {
			res.Outcomes[i] = index.AlreadyIndexed
			continue
		}
		mutates = true
	}
	if !mutates {
		return res
	}

	newState := cloneState(oldState)
	for i, e := range entries {
		if res.Errors[i] != nil {
			continue
		}
		if _, ok := newState.idToSlot[e.ID]; ok {
			// Covers duplicates within the batch as well.
			res.Outcomes[i] = index.AlreadyIndexed
			continue
		}
		slot := uint32(len(newState.slotToID))
		newState.arena = append(newState.arena, e.Vector...)
		newState.slotToID = append(newState.slotToID, e.ID)
		newState.idToSlot[e.ID] = slot
		newState.live.Add(slot)
		res.Outcomes[i] = index.Added
	}

	f.statePtr.Store(newState)
	return res
}

// Remove tombstones the slot held by id, reporting whether an id was removed.
// The arena is not shrunk; space is reclaimed by Rebuild.
func (f *Flat) Remove(id string) bool {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	oldState := f.getState()
	slot, ok := oldState.idToSlot[id]
	if !ok {
		return false
	}

	newState := cloneState(oldState)
	delete(newState.idToSlot, id)
	newState.slotToID[slot] = ""
	newState.live.Remove(slot)

	f.statePtr.Store(newState)
	return true
}

// Rebuild discards all slots and mappings and re-adds every embedding
// currently in src, in ascending id order, producing a dense tombstone-free
// index. This is the only operation that reclaims space from removals.
func (f *Flat) Rebuild(src *vectorstore.Store) error {
	if src.Dimension() != f.dim {
		return &index.ErrDimensionMismatch{Expected: f.dim, Actual: src.Dimension()}
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	ids := src.AllIDs()
	newState := &state{
		arena:    make([]float32, 0, len(ids)*f.dim),
		slotToID: make([]string, 0, len(ids)),
		idToSlot: make(map[string]uint32, len(ids)),
		live:     roaring.New(),
	}

	for _, id := range ids {
		v, ok := src.Get(id)
		if !ok {
			// Deleted between AllIDs and Get; mutation is serialized by the
			// owning engine, so this only happens with misuse. Skip.
			continue
		}
		slot := uint32(len(newState.slotToID))
		newState.arena = append(newState.arena, v...)
		newState.slotToID = append(newState.slotToID, id)
		newState.idToSlot[id] = slot
		newState.live.Add(slot)
	}

	f.statePtr.Store(newState)
	return nil
}

// Get returns a copy of the indexed vector for a live id.
//
// Note that after a re-add of an existing id this may differ from the
// authoritative store's vector until the next Rebuild (see Add).
func (f *Flat) Get(id string) ([]float32, bool) {
	st := f.getState()
	slot, ok := st.idToSlot[id]
	if !ok {
		return nil, false
	}
	out := make([]float32, f.dim)
	copy(out, st.arena[int(slot)*f.dim:(int(slot)+1)*f.dim])
	return out, true
}

// Size returns the count of live (non-tombstoned) entries.
func (f *Flat) Size() int {
	return int(f.getState().live.GetCardinality())
}

// Slots returns the raw slot count, including tombstones.
func (f *Flat) Slots() int {
	return len(f.getState().slotToID)
}

// Search returns the k nearest neighbors of query by inner product,
// excluding any ids in exclude.
//
// The scan is exact over every live vector. Results are ordered by
// similarity descending; ties break by slot (insertion) order, keeping
// results deterministic. The returned hits are always the true top-k after
// exclusion; the scan never stops early due to exclusion-induced shortfall.
func (f *Flat) Search(ctx context.Context, query []float32, k int, exclude map[string]struct{}) ([]index.SearchHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k < 0 {
		return nil, index.ErrInvalidK
	}
	if k == 0 {
		return nil, nil
	}
	if len(query) != f.dim {
		return nil, &index.ErrDimensionMismatch{Expected: f.dim, Actual: len(query)}
	}

	st := f.getState()
	if st.live.IsEmpty() {
		return nil, nil
	}

	// Live slots in ascending order; index into these two slices is the
	// tie-break rank.
	slots := st.live.ToArray()
	sims := make([]float32, len(slots))

	if err := f.scan(ctx, st, query, slots, sims); err != nil {
		return nil, err
	}

	order := make([]int, len(slots))
	for i := range order {
		order[i] = i
	}
	// Stable sort preserves ascending slot order among equal similarities.
	sort.SliceStable(order, func(a, b int) bool {
		return sims[order[a]] > sims[order[b]]
	})

	hits := make([]index.SearchHit, 0, min(k, len(order)))
	for _, i := range order {
		id := st.slotToID[slots[i]]
		if _, skip := exclude[id]; skip {
			continue
		}
		hits = append(hits, index.SearchHit{ID: id, Similarity: sims[i]})
		if len(hits) == k {
			break
		}
	}
	return hits, nil
}

// scan fills sims[i] with the inner product of query and the vector at
// slots[i], chunking across goroutines for large live sets.
func (f *Flat) scan(ctx context.Context, st *state, query []float32, slots []uint32, sims []float32) error {
	if len(slots) < parallelScanThreshold {
		for i, slot := range slots {
			sims[i] = distance.Dot(query, st.arena[int(slot)*f.dim:(int(slot)+1)*f.dim])
		}
		return nil
	}

	workers := runtime.GOMAXPROCS(0)
	if workers > len(slots) {
		workers = len(slots)
	}
	chunk := (len(slots) + workers - 1) / workers

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		lo := w * chunk
		hi := min(lo+chunk, len(slots))
		if lo >= hi {
			break
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			for i := lo; i < hi; i++ {
				slot := int(slots[i])
				sims[i] = distance.Dot(query, st.arena[slot*f.dim:(slot+1)*f.dim])
			}
			return nil
		})
	}
	return g.Wait()
}
