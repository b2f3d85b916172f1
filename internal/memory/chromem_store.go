package memory

import (
	"context"
	"strconv"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	chromem "github.com/philippgille/chromem-go"
)

const chromemCollection = "memories"

// chromemBackend stores vector rows in a chromem-go collection.
type chromemBackend struct {
	db  *chromem.DB
	col *chromem.Collection
}

// ChromemConnector returns a Connector for a chromem-go database rooted at
// dir. An empty dir keeps vectors in memory; the in-memory database outlives
// individual connections so a reconnect sees the same rows.
func ChromemConnector(dir string, compress bool) Connector {
	var (
		mu       sync.Mutex
		inMemory *chromem.DB
	)

	return func(ctx context.Context) (VectorBackend, error) {
		var (
			db  *chromem.DB
			err error
		)
		if dir == "" {
			mu.Lock()
			if inMemory == nil {
				inMemory = chromem.NewDB()
			}
			db = inMemory
			mu.Unlock()
		} else {
			db, err = chromem.NewPersistentDB(dir, compress)
			if err != nil {
				return nil, goerr.Wrap(err, "failed to open chromem database", goerr.V("dir", dir))
			}
		}

		// Embeddings are always supplied by the caller, so no embedding func.
		col, err := db.GetOrCreateCollection(chromemCollection, nil, nil)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to open chromem collection", goerr.V("dir", dir))
		}
		return &chromemBackend{db: db, col: col}, nil
	}
}

func (b *chromemBackend) Upsert(ctx context.Context, rec VectorRecord) error {
	doc := chromem.Document{
		ID:        rec.ID,
		Content:   rec.Text,
		Embedding: rec.Vector,
		Metadata: map[string]string{
			"importance": strconv.FormatFloat(rec.Importance, 'f', -1, 64),
			"category":   string(rec.Category),
		},
	}

	// AddDocument overwrites an existing id.
	if err := b.col.AddDocument(ctx, doc); err != nil {
		return goerr.Wrap(err, "add document", goerr.V("id", rec.ID))
	}
	return nil
}

func (b *chromemBackend) Query(ctx context.Context, vector []float32, limit int) ([]VectorMatch, error) {
	// chromem-go requires nResults <= collection size
	n := min(limit, b.col.Count())
	if n <= 0 {
		return nil, nil
	}

	results, err := b.col.QueryEmbedding(ctx, vector, n, nil, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "chromem query")
	}

	matches := make([]VectorMatch, 0, len(results))
	for _, r := range results {
		importance, _ := strconv.ParseFloat(r.Metadata["importance"], 64)
		matches = append(matches, VectorMatch{
			Record: VectorRecord{
				ID:         r.ID,
				Vector:     r.Embedding,
				Text:       r.Content,
				Importance: importance,
				Category:   Category(r.Metadata["category"]),
			},
			Score: float64(r.Similarity),
		})
	}
	return matches, nil
}

func (b *chromemBackend) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := b.col.Delete(ctx, nil, nil, ids...); err != nil {
		return goerr.Wrap(err, "delete documents", goerr.V("ids", ids))
	}
	return nil
}

func (b *chromemBackend) Count(_ context.Context) (int, error) {
	return b.col.Count(), nil
}

// Close drops the in-process handles. Persistent rows are already on disk.
func (b *chromemBackend) Close() error {
	b.col = nil
	b.db = nil
	return nil
}
