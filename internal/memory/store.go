package memory

import "context"

// VectorBackend is one live connection to a physical vector store.
// The VectorIndex owns the connection's lifetime; backends never reconnect
// on their own.
type VectorBackend interface {
	// Upsert writes or replaces the row for rec.ID. The vector has already
	// been dimension-checked.
	Upsert(ctx context.Context, rec VectorRecord) error

	// Query returns up to limit rows nearest to vector, most similar first.
	// An empty store yields an empty result, not an error.
	Query(ctx context.Context, vector []float32, limit int) ([]VectorMatch, error)

	// Delete removes rows by id. Unknown ids are ignored.
	Delete(ctx context.Context, ids ...string) error

	// Count returns the number of stored rows.
	Count(ctx context.Context) (int, error)

	// Close releases the connection.
	Close() error
}

// Connector dials a new VectorBackend. It is invoked lazily on first use and
// again after every close.
type Connector func(ctx context.Context) (VectorBackend, error)
