package recgo

import (
	"errors"
	"fmt"

	"github.com/hupe1980/recgo/index"
	"github.com/hupe1980/recgo/vectorstore"
)

var (
	// ErrNotFound is returned when an item has no stored embedding.
	ErrNotFound = errors.New("item not found")

	// ErrInvalidK is returned when a neighbor count is not positive.
	ErrInvalidK = errors.New("k must be positive")

	// ErrClosed is returned when operations are attempted on a closed engine.
	ErrClosed = errors.New("engine is closed")

	// ErrNilEmbedder is returned when no embedder collaborator is supplied.
	ErrNilEmbedder = errors.New("embedder must not be nil")
)

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
	cause    error
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *ErrDimensionMismatch) Unwrap() error { return e.cause }

// translateError normalizes internal package errors into the public error
// vocabulary of this package.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	var dm *index.ErrDimensionMismatch
	if errors.As(err, &dm) {
		return &ErrDimensionMismatch{Expected: dm.Expected, Actual: dm.Actual, cause: err}
	}
	var wd *vectorstore.ErrWrongDimension
	if errors.As(err, &wd) {
		return &ErrDimensionMismatch{Expected: wd.Expected, Actual: wd.Actual, cause: err}
	}
	if errors.Is(err, index.ErrInvalidK) {
		return fmt.Errorf("%w: %w", ErrInvalidK, err)
	}

	return err
}
