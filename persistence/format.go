package persistence

import "errors"

const (
	// MagicNumber identifies recgo snapshot blobs (ASCII: "RGO1").
	MagicNumber = 0x52474F31
	// FormatVersion is the current snapshot format version (v1.0).
	FormatVersion = 0x00010000
)

// Snapshot artifact names. The index and mapping artifacts are required to
// restore an index; the raw-store artifact is optional (the index can be
// rebuilt from it, not the other way round).
const (
	ArtifactIndex   = "index.bin"
	ArtifactMapping = "mapping.json"
	ArtifactStore   = "store.bin"
)

var (
	ErrInvalidMagic   = errors.New("invalid magic number")
	ErrInvalidVersion = errors.New("unsupported format version")

	// ErrIncompleteSnapshot is returned when some required artifacts exist
	// but others are missing. A half-present snapshot is treated as
	// corruption, not as a fresh start.
	ErrIncompleteSnapshot = errors.New("incomplete snapshot")
)

// blobHeader prefixes the uncompressed payload of the binary artifacts.
// EntryCount is slots for the index artifact and vectors for the store
// artifact; LiveCount is only meaningful for the index artifact.
type blobHeader struct {
	Magic      uint32
	Version    uint32
	Dimension  uint32
	EntryCount uint32
	LiveCount  uint32
}

// MappingRecord is the persisted form of the slot <-> id mapping. Both
// directions are stored; they are cross-checked against the index artifact
// on load.
type MappingRecord struct {
	IDToSlot map[string]uint32 `json:"id_to_slot"`
	SlotToID []string          `json:"slot_to_id"`
}
