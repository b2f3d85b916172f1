package memory

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"testing"

	"github.com/m-mizutani/gt"
)

// fakeStorage is the physical store behind fakeBackend connections. Rows
// survive reconnects the way files on disk would.
type fakeStorage struct {
	mu     sync.Mutex
	rows   map[string]VectorRecord
	dials  int
	closes int
	open   int

	dialErr   error
	upsertErr error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{rows: map[string]VectorRecord{}}
}

func (s *fakeStorage) connector() Connector {
	return func(ctx context.Context) (VectorBackend, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.dialErr != nil {
			return nil, s.dialErr
		}
		s.dials++
		s.open++
		return &fakeBackend{storage: s}, nil
	}
}

func (s *fakeStorage) stats() (dials, closes, open int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials, s.closes, s.open
}

type fakeBackend struct {
	storage *fakeStorage
	closed  bool
}

func (b *fakeBackend) check() error {
	if b.closed {
		return errors.New("use of closed fake backend")
	}
	return nil
}

func (b *fakeBackend) Upsert(ctx context.Context, rec VectorRecord) error {
	s := b.storage
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.rows[rec.ID] = rec
	return nil
}

func (b *fakeBackend) Query(ctx context.Context, vector []float32, limit int) ([]VectorMatch, error) {
	s := b.storage
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := b.check(); err != nil {
		return nil, err
	}

	var matches []VectorMatch
	for _, rec := range s.rows {
		matches = append(matches, VectorMatch{Record: rec, Score: cosine(vector, rec.Vector)})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (b *fakeBackend) Delete(ctx context.Context, ids ...string) error {
	s := b.storage
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	for _, id := range ids {
		delete(s.rows, id)
	}
	return nil
}

func (b *fakeBackend) Count(ctx context.Context) (int, error) {
	s := b.storage
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := b.check(); err != nil {
		return 0, err
	}
	return len(s.rows), nil
}

func (b *fakeBackend) Close() error {
	s := b.storage
	s.mu.Lock()
	defer s.mu.Unlock()
	if !b.closed {
		b.closed = true
		s.closes++
		s.open--
	}
	return nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func newFakeIndex(t *testing.T) (*VectorIndex, *fakeStorage) {
	t.Helper()
	storage := newFakeStorage()
	index := NewVectorIndex(storage.connector(), 3)
	t.Cleanup(func() { _ = index.Close() })
	return index, storage
}

func TestVectorIndex_LazyConnect(t *testing.T) {
	ctx := context.Background()
	index, storage := newFakeIndex(t)

	index.Open(ctx)
	dials, _, _ := storage.stats()
	gt.Equal(t, dials, 0)
	gt.False(t, index.Connected())

	_, err := index.Store(ctx, VectorRecord{Vector: []float32{1, 0, 0}, Text: "a"})
	gt.NoError(t, err)
	dials, _, open := storage.stats()
	gt.Equal(t, dials, 1)
	gt.Equal(t, open, 1)
	gt.True(t, index.Connected())
}

func TestVectorIndex_RefcountScenario(t *testing.T) {
	ctx := context.Background()
	index, storage := newFakeIndex(t)

	index.Open(ctx)
	index.Open(ctx)
	gt.Equal(t, index.Sessions(), 2)

	gt.NoError(t, index.RemoveSession(ctx))
	gt.Equal(t, index.Sessions(), 1)
	gt.False(t, index.Closed())

	id, err := index.Store(ctx, VectorRecord{Vector: []float32{1, 0, 0}, Text: "still open"})
	gt.NoError(t, err)
	gt.NotEqual(t, id, "")

	gt.NoError(t, index.RemoveSession(ctx))
	gt.Equal(t, index.Sessions(), 0)
	gt.True(t, index.Closed())
	gt.False(t, index.Connected())

	_, closes, open := storage.stats()
	gt.Equal(t, closes, 1)
	gt.Equal(t, open, 0)
}

func TestVectorIndex_RemoveSessionFloor(t *testing.T) {
	ctx := context.Background()
	index, _ := newFakeIndex(t)

	gt.NoError(t, index.RemoveSession(ctx))
	gt.NoError(t, index.RemoveSession(ctx))
	gt.Equal(t, index.Sessions(), 0)

	// One open after extra removes is a real claim.
	index.Open(ctx)
	gt.Equal(t, index.Sessions(), 1)
	gt.False(t, index.Closed())
}

func TestVectorIndex_ClosedIffNetCountZero(t *testing.T) {
	ctx := context.Background()

	sequences := map[string][]bool{
		"open close":             {true, false},
		"open open close":        {true, true, false},
		"open close open":        {true, false, true},
		"close close open close": {false, false, true, false},
		"interleaved":            {true, true, false, true, false, false, true},
	}

	for name, seq := range sequences {
		t.Run(name, func(t *testing.T) {
			index, storage := newFakeIndex(t)
			net := 0
			for _, open := range seq {
				if open {
					index.Open(ctx)
					net++
				} else {
					gt.NoError(t, index.RemoveSession(ctx))
					net = max(net-1, 0)
				}

				// Touch the backend whenever a claim is held.
				if net > 0 {
					_, err := index.Count(ctx)
					gt.NoError(t, err)
					gt.True(t, index.Connected())
				}

				_, _, physOpen := storage.stats()
				if net > 0 {
					gt.Equal(t, physOpen, 1)
					gt.False(t, index.Closed())
				} else {
					gt.Equal(t, physOpen, 0)
				}
			}
		})
	}
}

func TestVectorIndex_ReconnectAfterForcedClose(t *testing.T) {
	ctx := context.Background()
	index, storage := newFakeIndex(t)

	index.Open(ctx)
	index.Open(ctx)
	before, err := index.Store(ctx, VectorRecord{Vector: []float32{1, 0, 0}, Text: "before close"})
	gt.NoError(t, err)

	gt.NoError(t, index.Close())
	gt.True(t, index.Closed())
	gt.Equal(t, index.Sessions(), 0)
	gt.False(t, index.Connected())

	after, err := index.Store(ctx, VectorRecord{Vector: []float32{0, 1, 0}, Text: "after close"})
	gt.NoError(t, err)
	gt.False(t, index.Closed())

	got, err := index.Search(ctx, []float32{1, 0, 0}, 10, 0.5)
	gt.NoError(t, err)
	gt.A(t, got).Length(1)
	gt.Equal(t, got[0].Record.ID, before)

	got, err = index.Search(ctx, []float32{0, 1, 0}, 10, 0.5)
	gt.NoError(t, err)
	gt.A(t, got).Length(1)
	gt.Equal(t, got[0].Record.ID, after)

	dials, closes, _ := storage.stats()
	gt.Equal(t, dials, 2)
	gt.Equal(t, closes, 1)
}

func TestVectorIndex_OpenAfterCloseClearsFlag(t *testing.T) {
	ctx := context.Background()
	index, storage := newFakeIndex(t)

	gt.NoError(t, index.Close())
	gt.True(t, index.Closed())

	index.Open(ctx)
	gt.False(t, index.Closed())
	dials, _, _ := storage.stats()
	gt.Equal(t, dials, 0)
}

func TestVectorIndex_DimensionMismatch(t *testing.T) {
	ctx := context.Background()
	index, storage := newFakeIndex(t)

	_, err := index.Store(ctx, VectorRecord{Vector: []float32{1, 0}})
	gt.True(t, errors.Is(err, ErrDimensionMismatch))

	_, err = index.Search(ctx, []float32{1, 0, 0, 0}, 5, 0)
	gt.True(t, errors.Is(err, ErrDimensionMismatch))

	_, err = index.Store(ctx, VectorRecord{Vector: []float32{float32(math.NaN()), 0, 0}})
	gt.True(t, errors.Is(err, ErrValidation))

	// Nothing was dialed for rejected input.
	dials, _, _ := storage.stats()
	gt.Equal(t, dials, 0)
}

func TestVectorIndex_SearchFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	index, _ := newFakeIndex(t)

	for _, v := range [][]float32{{1, 0, 0}, {0.9, 0.1, 0}, {0.5, 0.5, 0}, {0, 0, 1}} {
		_, err := index.Store(ctx, VectorRecord{Vector: v, Text: "row"})
		gt.NoError(t, err)
	}

	got, err := index.Search(ctx, []float32{1, 0, 0}, 10, 0.6)
	gt.NoError(t, err)
	gt.A(t, got).Length(3)
	for i := 1; i < len(got); i++ {
		gt.True(t, got[i-1].Score >= got[i].Score)
	}
	for _, m := range got {
		gt.True(t, m.Score >= 0.6)
	}

	got, err = index.Search(ctx, []float32{1, 0, 0}, 2, 0)
	gt.NoError(t, err)
	gt.A(t, got).Length(2)

	got, err = index.Search(ctx, []float32{1, 0, 0}, 0, 0)
	gt.NoError(t, err)
	gt.A(t, got).Length(0)
}

func TestVectorIndex_StoreKeepsGivenID(t *testing.T) {
	ctx := context.Background()
	index, _ := newFakeIndex(t)

	id, err := index.Store(ctx, VectorRecord{ID: "fixed", Vector: []float32{1, 0, 0}})
	gt.NoError(t, err)
	gt.Equal(t, id, "fixed")

	// Upsert on the same id replaces the row.
	_, err = index.Store(ctx, VectorRecord{ID: "fixed", Vector: []float32{0, 1, 0}})
	gt.NoError(t, err)
	n, err := index.Count(ctx)
	gt.NoError(t, err)
	gt.Equal(t, n, 1)

	gt.NoError(t, index.Delete(ctx, "fixed"))
	n, err = index.Count(ctx)
	gt.NoError(t, err)
	gt.Equal(t, n, 0)
}

func TestVectorIndex_DialFailure(t *testing.T) {
	ctx := context.Background()
	index, storage := newFakeIndex(t)
	storage.dialErr = errors.New("disk unavailable")

	_, err := index.Count(ctx)
	gt.Error(t, err)
	gt.False(t, index.Connected())

	storage.dialErr = nil
	_, err = index.Count(ctx)
	gt.NoError(t, err)
}

func TestVectorIndex_ConcurrentSessions(t *testing.T) {
	ctx := context.Background()
	index, storage := newFakeIndex(t)

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claim := index.Open(ctx)
			_, err := index.Store(ctx, VectorRecord{Vector: []float32{float32(i + 1), 1, 0}})
			gt.NoError(t, err)
			_, err = index.Search(ctx, []float32{1, 1, 0}, 3, 0)
			gt.NoError(t, err)
			gt.NoError(t, claim.Release(ctx))
			gt.NoError(t, claim.Release(ctx))
		}()
	}
	wg.Wait()

	gt.Equal(t, index.Sessions(), 0)
	gt.True(t, index.Closed())
	_, _, open := storage.stats()
	gt.Equal(t, open, 0)

	// Every row survived the churn.
	n, err := index.Count(ctx)
	gt.NoError(t, err)
	gt.Equal(t, n, 16)
}
