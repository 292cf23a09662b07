package flat

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
)

// Snapshot is an immutable view of the index contents for persistence.
//
// The slices alias the index's published copy-on-write state and must be
// treated as read-only; the state they belong to is never mutated after
// publication, so a Snapshot stays valid indefinitely.
type Snapshot struct {
	Dimension int
	Arena     []float32
	SlotToID  []string
	IDToSlot  map[string]uint32
	Live      *roaring.Bitmap
}

// Snapshot captures the current index state.
func (f *Flat) Snapshot() *Snapshot {
	st := f.getState()
	return &Snapshot{
		Dimension: f.dim,
		Arena:     st.arena,
		SlotToID:  st.slotToID,
		IDToSlot:  st.idToSlot,
		Live:      st.live,
	}
}

// Restore replaces the index contents with the given snapshot.
//
// The snapshot's slot <-> id mappings are validated as a bijection over the
// live set before anything is swapped in, so a corrupt snapshot can never
// become visible to readers.
func (f *Flat) Restore(s *Snapshot) error {
	if s.Dimension != f.dim {
		return fmt.Errorf("flat: snapshot dimension %d, index dimension %d", s.Dimension, f.dim)
	}
	if len(s.Arena) != len(s.SlotToID)*f.dim {
		return fmt.Errorf("flat: snapshot arena holds %d floats, want %d for %d slots",
			len(s.Arena), len(s.SlotToID)*f.dim, len(s.SlotToID))
	}

	live := s.Live
	if live == nil {
		live = roaring.New()
	}

	idToSlot := s.IDToSlot
	if idToSlot == nil {
		// Reconstruct the reverse mapping from the slot table.
		idToSlot = make(map[string]uint32, live.GetCardinality())
		it := live.Iterator()
		for it.HasNext() {
			slot := it.Next()
			if int(slot) >= len(s.SlotToID) {
				return fmt.Errorf("flat: live slot %d out of range (%d slots)", slot, len(s.SlotToID))
			}
			idToSlot[s.SlotToID[slot]] = slot
		}
	}

	// Validate the bijection over live slots.
	it := live.Iterator()
	for it.HasNext() {
		slot := it.Next()
		if int(slot) >= len(s.SlotToID) {
			return fmt.Errorf("flat: live slot %d out of range (%d slots)", slot, len(s.SlotToID))
		}
		id := s.SlotToID[slot]
		if id == "" {
			return fmt.Errorf("flat: live slot %d has no id", slot)
		}
		mapped, ok := idToSlot[id]
		if !ok || mapped != slot {
			return fmt.Errorf("flat: id %q maps to slot %d, slot table says %d", id, mapped, slot)
		}
	}
	if int(live.GetCardinality()) != len(idToSlot) {
		return fmt.Errorf("flat: %d live slots but %d mapped ids", live.GetCardinality(), len(idToSlot))
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	f.statePtr.Store(&state{
		arena:    s.Arena,
		slotToID: s.SlotToID,
		idToSlot: idToSlot,
		live:     live,
	})
	return nil
}
