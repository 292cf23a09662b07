// Package blobstore abstracts storage of snapshot artifacts.
//
// Snapshots are small, read-once-at-startup blobs, so the interface is
// whole-blob: Put/Get byte slices rather than streaming readers. Backends
// exist for the local filesystem, memory (tests), S3 and MinIO.
package blobstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations must return an error satisfying errors.Is(err, ErrNotFound).
var ErrNotFound = errors.New("blob not found")

// Store is an abstraction for reading and writing named data blobs.
type Store interface {
	// Put writes a blob. Implementations should make the write as atomic as
	// the backend allows (e.g. temp file + rename locally).
	Put(ctx context.Context, name string, data []byte) error

	// Get reads a whole blob, returning ErrNotFound if it does not exist.
	Get(ctx context.Context, name string) ([]byte, error)

	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error

	// List returns the names of all blobs with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// BatchWriter is an optional interface for stores that can publish a set of
// blobs atomically: after PutAll either every blob is visible under its name
// or none is.
//
// Snapshot saves use it when available so a multi-artifact snapshot can never
// be observed half-written.
type BatchWriter interface {
	PutAll(ctx context.Context, blobs map[string][]byte) error
}
