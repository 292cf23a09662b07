package persistence

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/recgo/blobstore"
	"github.com/hupe1980/recgo/codec"
	"github.com/hupe1980/recgo/index/flat"
)

// Manager saves and loads snapshots as three blob artifacts:
//
//	index.bin    - arena, slot table, live bitmap (lz4, CRC32)
//	mapping.json - id <-> slot mapping in both directions (codec)
//	store.bin    - raw embeddings keyed by id (zstd, CRC32)
//
// The index and mapping artifacts are required; the store artifact is
// optional on load. When the blobstore implements BatchWriter, all three
// artifacts are published atomically.
//
// The Manager is stateless and safe for concurrent use.
type Manager struct {
	blobs blobstore.Store
	codec codec.Codec
}

// NewManager creates a snapshot manager on top of the given blobstore.
// A nil codec falls back to codec.Default.
func NewManager(blobs blobstore.Store, c codec.Codec) *Manager {
	if c == nil {
		c = codec.Default
	}
	return &Manager{blobs: blobs, codec: c}
}

// Save serializes the snapshot and raw store and publishes all artifacts.
//
// Artifacts are encoded in parallel; the snapshot's slices are read-only
// copy-on-write state, so encoding needs no locks.
func (m *Manager) Save(ctx context.Context, snap *flat.Snapshot, vectors map[string][]float32) error {
	var (
		indexBlob   []byte
		mappingBlob []byte
		storeBlob   []byte
	)

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		indexBlob, err = encodeIndexBlob(snap)
		return err
	})
	g.Go(func() (err error) {
		mappingBlob, err = m.codec.Marshal(MappingRecord{
			IDToSlot: snap.IDToSlot,
			SlotToID: snap.SlotToID,
		})
		return err
	})
	g.Go(func() (err error) {
		storeBlob, err = encodeStoreBlob(snap.Dimension, vectors)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("persistence: failed to encode snapshot: %w", err)
	}

	artifacts := map[string][]byte{
		ArtifactIndex:   indexBlob,
		ArtifactMapping: mappingBlob,
		ArtifactStore:   storeBlob,
	}

	if bw, ok := m.blobs.(blobstore.BatchWriter); ok {
		if err := bw.PutAll(ctx, artifacts); err != nil {
			return fmt.Errorf("persistence: failed to publish snapshot: %w", err)
		}
		return nil
	}

	// No batch support: write the required artifacts last so a partial
	// failure is more likely to leave a loadable previous generation.
	for _, name := range []string{ArtifactStore, ArtifactIndex, ArtifactMapping} {
		if err := m.blobs.Put(ctx, name, artifacts[name]); err != nil {
			return fmt.Errorf("persistence: failed to write %s: %w", name, err)
		}
	}
	return nil
}

// Load reads the latest snapshot.
//
// Returns (nil, nil, nil) when no snapshot exists (both required artifacts
// absent). A partially present or corrupt snapshot is an error; callers must
// not silently fall back to an empty index over data that failed to load.
func (m *Manager) Load(ctx context.Context, dim int) (*flat.Snapshot, map[string][]float32, error) {
	var indexBlob, mappingBlob, storeBlob []byte
	var indexErr, mappingErr, storeErr error

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		indexBlob, indexErr = m.blobs.Get(ctx, ArtifactIndex)
		return nil
	})
	g.Go(func() error {
		mappingBlob, mappingErr = m.blobs.Get(ctx, ArtifactMapping)
		return nil
	})
	g.Go(func() error {
		storeBlob, storeErr = m.blobs.Get(ctx, ArtifactStore)
		return nil
	})
	_ = g.Wait()

	indexMissing := errors.Is(indexErr, blobstore.ErrNotFound)
	mappingMissing := errors.Is(mappingErr, blobstore.ErrNotFound)
	switch {
	case indexMissing && mappingMissing:
		return nil, nil, nil
	case indexMissing || mappingMissing:
		return nil, nil, fmt.Errorf("%w: index present=%t mapping present=%t",
			ErrIncompleteSnapshot, !indexMissing, !mappingMissing)
	case indexErr != nil:
		return nil, nil, fmt.Errorf("persistence: failed to read %s: %w", ArtifactIndex, indexErr)
	case mappingErr != nil:
		return nil, nil, fmt.Errorf("persistence: failed to read %s: %w", ArtifactMapping, mappingErr)
	}

	snap, err := decodeIndexBlob(indexBlob)
	if err != nil {
		return nil, nil, err
	}
	if snap.Dimension != dim {
		return nil, nil, fmt.Errorf("persistence: snapshot dimension %d, want %d", snap.Dimension, dim)
	}

	var mapping MappingRecord
	if err := m.codec.Unmarshal(mappingBlob, &mapping); err != nil {
		return nil, nil, fmt.Errorf("persistence: failed to parse %s: %w", ArtifactMapping, err)
	}
	if err := crossCheckMapping(snap, &mapping); err != nil {
		return nil, nil, err
	}
	snap.IDToSlot = mapping.IDToSlot

	var vectors map[string][]float32
	switch {
	case errors.Is(storeErr, blobstore.ErrNotFound):
		// Optional artifact; the caller rebuilds the store from the index.
	case storeErr != nil:
		return nil, nil, fmt.Errorf("persistence: failed to read %s: %w", ArtifactStore, storeErr)
	default:
		storeDim, decoded, err := decodeStoreBlob(storeBlob)
		if err != nil {
			return nil, nil, err
		}
		if storeDim != dim {
			return nil, nil, fmt.Errorf("persistence: store dimension %d, want %d", storeDim, dim)
		}
		vectors = decoded
	}

	return snap, vectors, nil
}

// crossCheckMapping verifies that the mapping artifact agrees with the index
// artifact. The full bijection over live slots is validated again by the
// index on restore.
func crossCheckMapping(snap *flat.Snapshot, mapping *MappingRecord) error {
	if len(mapping.SlotToID) != len(snap.SlotToID) {
		return fmt.Errorf("persistence: mapping has %d slots, index has %d",
			len(mapping.SlotToID), len(snap.SlotToID))
	}
	for slot, id := range mapping.SlotToID {
		if id != snap.SlotToID[slot] {
			return fmt.Errorf("persistence: slot %d maps to %q in mapping, %q in index",
				slot, id, snap.SlotToID[slot])
		}
	}
	if uint64(len(mapping.IDToSlot)) != snap.Live.GetCardinality() {
		return fmt.Errorf("persistence: mapping has %d ids, index has %d live slots",
			len(mapping.IDToSlot), snap.Live.GetCardinality())
	}
	return nil
}
