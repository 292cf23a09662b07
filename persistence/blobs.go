package persistence

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/recgo/index/flat"
)

// The index artifact uses lz4 (fast decode, snapshots are read on every
// startup); the raw-store artifact uses zstd (bigger, colder, better ratio).

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// encodeIndexBlob serializes an index snapshot: header, arena, slot table,
// live bitmap, CRC32 trailer, lz4-framed.
func encodeIndexBlob(snap *flat.Snapshot) ([]byte, error) {
	var payload bytes.Buffer
	cw := NewChecksumWriter(&payload)
	bw := NewBinaryWriter(cw)

	if err := bw.WriteHeader(&blobHeader{
		Dimension:  uint32(snap.Dimension),
		EntryCount: uint32(len(snap.SlotToID)),
		LiveCount:  uint32(snap.Live.GetCardinality()),
	}); err != nil {
		return nil, err
	}
	if err := bw.WriteFloat32Slice(snap.Arena); err != nil {
		return nil, err
	}
	for _, id := range snap.SlotToID {
		if err := bw.WriteString(id); err != nil {
			return nil, err
		}
	}
	liveBytes, err := snap.Live.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("persistence: failed to serialize live bitmap: %w", err)
	}
	if err := bw.WriteBytes(liveBytes); err != nil {
		return nil, err
	}

	// Trailer is written past the checksum writer so it is not part of
	// its own hash.
	if err := binary.Write(&payload, binary.LittleEndian, cw.Sum()); err != nil {
		return nil, err
	}

	return lz4Compress(payload.Bytes())
}

// decodeIndexBlob parses an index artifact. The returned snapshot has a nil
// IDToSlot; the reverse mapping comes from the mapping artifact.
func decodeIndexBlob(data []byte) (*flat.Snapshot, error) {
	raw, err := lz4Decompress(data)
	if err != nil {
		return nil, fmt.Errorf("persistence: failed to decompress index blob: %w", err)
	}
	body, err := verifyTrailer(raw)
	if err != nil {
		return nil, err
	}

	br := NewBinaryReader(bytes.NewReader(body))
	header, err := br.ReadHeader()
	if err != nil {
		return nil, err
	}

	arena, err := br.ReadFloat32Slice(int(header.EntryCount) * int(header.Dimension))
	if err != nil {
		return nil, fmt.Errorf("persistence: failed to read arena: %w", err)
	}
	slotToID := make([]string, header.EntryCount)
	for i := range slotToID {
		if slotToID[i], err = br.ReadString(); err != nil {
			return nil, fmt.Errorf("persistence: failed to read slot table: %w", err)
		}
	}
	liveBytes, err := br.ReadBytes()
	if err != nil {
		return nil, fmt.Errorf("persistence: failed to read live bitmap: %w", err)
	}
	live := roaring.New()
	if len(liveBytes) > 0 {
		if err := live.UnmarshalBinary(liveBytes); err != nil {
			return nil, fmt.Errorf("persistence: failed to parse live bitmap: %w", err)
		}
	}
	if live.GetCardinality() != uint64(header.LiveCount) {
		return nil, fmt.Errorf("persistence: live bitmap holds %d slots, header says %d",
			live.GetCardinality(), header.LiveCount)
	}

	return &flat.Snapshot{
		Dimension: int(header.Dimension),
		Arena:     arena,
		SlotToID:  slotToID,
		Live:      live,
	}, nil
}

// encodeStoreBlob serializes the raw embedding store in ascending id order:
// header, (id, vector)*, CRC32 trailer, zstd-framed.
func encodeStoreBlob(dim int, vectors map[string][]float32) ([]byte, error) {
	ids := make([]string, 0, len(vectors))
	for id := range vectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var payload bytes.Buffer
	cw := NewChecksumWriter(&payload)
	bw := NewBinaryWriter(cw)

	if err := bw.WriteHeader(&blobHeader{
		Dimension:  uint32(dim),
		EntryCount: uint32(len(ids)),
	}); err != nil {
		return nil, err
	}
	for _, id := range ids {
		vec := vectors[id]
		if len(vec) != dim {
			return nil, fmt.Errorf("persistence: vector %q has %d dimensions, want %d", id, len(vec), dim)
		}
		if err := bw.WriteString(id); err != nil {
			return nil, err
		}
		if err := bw.WriteFloat32Slice(vec); err != nil {
			return nil, err
		}
	}

	if err := binary.Write(&payload, binary.LittleEndian, cw.Sum()); err != nil {
		return nil, err
	}

	return zstdEncoder.EncodeAll(payload.Bytes(), nil), nil
}

// decodeStoreBlob parses a raw-store artifact.
func decodeStoreBlob(data []byte) (int, map[string][]float32, error) {
	raw, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("persistence: failed to decompress store blob: %w", err)
	}
	body, err := verifyTrailer(raw)
	if err != nil {
		return 0, nil, err
	}

	br := NewBinaryReader(bytes.NewReader(body))
	header, err := br.ReadHeader()
	if err != nil {
		return 0, nil, err
	}

	dim := int(header.Dimension)
	vectors := make(map[string][]float32, header.EntryCount)
	for i := 0; i < int(header.EntryCount); i++ {
		id, err := br.ReadString()
		if err != nil {
			return 0, nil, fmt.Errorf("persistence: failed to read store entry: %w", err)
		}
		vec, err := br.ReadFloat32Slice(dim)
		if err != nil {
			return 0, nil, fmt.Errorf("persistence: failed to read vector %q: %w", id, err)
		}
		vectors[id] = vec
	}
	return dim, vectors, nil
}

// verifyTrailer splits off the 4-byte CRC32 trailer and verifies the body
// against it.
func verifyTrailer(raw []byte) ([]byte, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("persistence: payload truncated (%d bytes)", len(raw))
	}
	body := raw[:len(raw)-4]
	expected := binary.LittleEndian.Uint32(raw[len(raw)-4:])
	if actual := CalculateChecksum(body); actual != expected {
		return nil, &ChecksumMismatchError{Expected: expected, Actual: actual}
	}
	return body, nil
}

func lz4Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func lz4Decompress(data []byte) ([]byte, error) {
	return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
}
