// Package index defines the shared types and errors for recgo search indexes.
package index

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidK is returned when k is negative.
	ErrInvalidK = errors.New("k must not be negative")
)

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// SearchHit is a single nearest-neighbor result.
//
// Similarity is the raw inner product of two unit vectors (cosine
// similarity), theoretically in [-1, 1].
type SearchHit struct {
	ID         string
	Similarity float32
}

// AddOutcome reports the effect of adding an id to an index.
type AddOutcome int

const (
	// Added means a new slot was allocated and the vector appended.
	Added AddOutcome = iota

	// AlreadyIndexed means the id already held a live slot and the call was
	// a no-op with respect to index contents.
	AlreadyIndexed
)

func (o AddOutcome) String() string {
	switch o {
	case Added:
		return "Added"
	case AlreadyIndexed:
		return "AlreadyIndexed"
	default:
		return fmt.Sprintf("AddOutcome(%d)", int(o))
	}
}
