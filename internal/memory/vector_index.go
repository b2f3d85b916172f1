package memory

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/easeaico/hybrid-memory/internal/logging"
	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

// VectorIndex is the one shared embedding index for a storage location.
// Logical agent sessions claim it with Open and release it with
// RemoveSession; the connection is physically released only when the last
// claim goes away, or when the host force-closes it with Close. Every data
// operation reconnects transparently if the index was closed underneath it.
//
// Construct one VectorIndex per storage path and pass it to every consumer.
type VectorIndex struct {
	connect   Connector
	dimension int

	// mu guards the refcount state. Besides dialing, which it serializes so
	// concurrent first uses share one connection, it is never held across I/O.
	mu       sync.Mutex
	sessions int
	closed   bool
	conn     VectorBackend

	// connMu is read-held by in-flight operations and write-held while a
	// released connection is closed, so a close never pulls a backend out
	// from under a running search.
	connMu sync.RWMutex
}

// NewVectorIndex creates an index handle. No connection is made until first use.
func NewVectorIndex(connect Connector, dimension int) *VectorIndex {
	return &VectorIndex{connect: connect, dimension: dimension}
}

// Dimension returns the configured vector length.
func (v *VectorIndex) Dimension() int { return v.dimension }

// Session is one logical claim on a VectorIndex. Release is idempotent.
type Session struct {
	index *VectorIndex
	once  sync.Once
}

// Release gives the claim back. Calls after the first do nothing.
func (s *Session) Release(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		err = s.index.RemoveSession(ctx)
	})
	return err
}

// Open claims the index for a new logical session. If the index had been
// closed, the flag is cleared and the next operation reconnects.
func (v *VectorIndex) Open(ctx context.Context) *Session {
	v.mu.Lock()
	v.sessions++
	n := v.sessions
	wasClosed := v.closed
	v.closed = false
	v.mu.Unlock()

	logging.From(ctx).Debug("vector index session opened", "sessions", n, "was_closed", wasClosed)
	return &Session{index: v}
}

// RemoveSession drops one claim, never going below zero. When no claims
// remain, the connection is released and the index is marked closed.
func (v *VectorIndex) RemoveSession(ctx context.Context) error {
	v.mu.Lock()
	if v.sessions > 0 {
		v.sessions--
	}
	n := v.sessions
	var conn VectorBackend
	if n == 0 {
		conn = v.detachLocked()
	}
	v.mu.Unlock()

	logging.From(ctx).Debug("vector index session removed", "sessions", n)
	return v.release(conn)
}

// Close force-closes the index regardless of open sessions. It is meant for
// host shutdown; later operations still reconnect on demand.
func (v *VectorIndex) Close() error {
	v.mu.Lock()
	v.sessions = 0
	conn := v.detachLocked()
	v.mu.Unlock()

	return v.release(conn)
}

func (v *VectorIndex) detachLocked() VectorBackend {
	conn := v.conn
	v.conn = nil
	v.closed = true
	return conn
}

func (v *VectorIndex) release(conn VectorBackend) error {
	if conn == nil {
		return nil
	}
	v.connMu.Lock()
	defer v.connMu.Unlock()
	if err := conn.Close(); err != nil {
		return goerr.Wrap(err, "failed to close vector backend")
	}
	return nil
}

// Sessions returns the current claim count.
func (v *VectorIndex) Sessions() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sessions
}

// Closed reports whether the index is marked closed.
func (v *VectorIndex) Closed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

// Connected reports whether a live backend connection is held.
func (v *VectorIndex) Connected() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.conn != nil
}

// acquire returns a live backend with connMu read-held. The caller must call
// the returned done func when finished with the backend.
func (v *VectorIndex) acquire(ctx context.Context) (VectorBackend, func(), error) {
	v.connMu.RLock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.conn != nil {
		return v.conn, v.connMu.RUnlock, nil
	}

	conn, err := v.connect(ctx)
	if err != nil {
		v.connMu.RUnlock()
		return nil, nil, goerr.Wrap(err, "failed to connect vector backend")
	}
	if v.closed {
		logging.From(ctx).Debug("vector index reconnected after close", "sessions", v.sessions)
	}
	v.conn = conn
	v.closed = false
	return conn, v.connMu.RUnlock, nil
}

func (v *VectorIndex) checkDimension(vec []float32) error {
	if len(vec) != v.dimension {
		return goerr.Wrap(ErrDimensionMismatch, "unexpected vector length",
			goerr.V("expected", v.dimension), goerr.V("actual", len(vec)))
	}
	for _, f := range vec {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return goerr.Wrap(ErrValidation, "vector contains non-finite values")
		}
	}
	return nil
}

// Store writes rec and returns its id, assigning one when rec.ID is empty.
func (v *VectorIndex) Store(ctx context.Context, rec VectorRecord) (string, error) {
	if err := v.checkDimension(rec.Vector); err != nil {
		return "", err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	conn, done, err := v.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer done()

	if err := conn.Upsert(ctx, rec); err != nil {
		return "", goerr.Wrap(err, "failed to store vector", goerr.V("id", rec.ID))
	}
	return rec.ID, nil
}

// Search returns at most limit rows whose similarity to vector is at least
// minScore, most similar first.
func (v *VectorIndex) Search(ctx context.Context, vector []float32, limit int, minScore float64) ([]VectorMatch, error) {
	if err := v.checkDimension(vector); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	conn, done, err := v.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	matches, err := conn.Query(ctx, vector, limit)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to search vectors")
	}

	out := make([]VectorMatch, 0, len(matches))
	for _, m := range matches {
		if m.Score >= minScore {
			out = append(out, m)
		}
	}
	sortMatches(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Delete removes vector rows by id.
func (v *VectorIndex) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	conn, done, err := v.acquire(ctx)
	if err != nil {
		return err
	}
	defer done()

	if err := conn.Delete(ctx, ids...); err != nil {
		return goerr.Wrap(err, "failed to delete vectors", goerr.V("ids", ids))
	}
	return nil
}

// Count returns the number of stored vector rows.
func (v *VectorIndex) Count(ctx context.Context) (int, error) {
	conn, done, err := v.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer done()

	n, err := conn.Count(ctx)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to count vectors")
	}
	return n, nil
}

// sortMatches orders matches by descending score, keeping backend order for ties.
func sortMatches(matches []VectorMatch) {
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
}
