package memory

import "github.com/m-mizutani/goerr/v2"

var (
	// ErrValidation reports malformed input to a store or parse operation.
	ErrValidation = goerr.New("validation failed")

	// ErrClosed reports an operation on a fact store that has been closed.
	ErrClosed = goerr.New("store is closed")

	// ErrDimensionMismatch reports a vector whose length differs from the
	// configured embedding dimension.
	ErrDimensionMismatch = goerr.New("vector dimension mismatch")

	// ErrNotFound is returned only by operations that require the row to exist.
	ErrNotFound = goerr.New("memory entry not found")
)
