package memory

import (
	"context"

	"github.com/easeaico/hybrid-memory/internal/logging"
)

// DefaultMinScore is the similarity floor used when the caller has no
// better threshold.
const DefaultMinScore = 0.3

// searchOverfetch widens the vector search so that rows dropped as stale
// do not starve the result below limit.
const searchOverfetch = 3

// VectorSearcher is the part of VectorIndex the resolver needs.
type VectorSearcher interface {
	Search(ctx context.Context, vector []float32, limit int, minScore float64) ([]VectorMatch, error)
}

// FactGetter is the part of FactStore the resolver needs.
type FactGetter interface {
	Get(ctx context.Context, id string) (*Entry, error)
}

// ScoredEntry is a live entry with the similarity that surfaced it.
type ScoredEntry struct {
	Entry *Entry
	Score float64
}

// FindSimilarScored searches the index and joins each hit back to its live
// entry. Ids with no entry, or whose entry is superseded or deleted, are
// dropped. Score order is preserved and at most limit entries are returned.
func FindSimilarScored(ctx context.Context, index VectorSearcher, facts FactGetter, vector []float32, limit int, minScore float64) ([]ScoredEntry, error) {
	if limit <= 0 {
		return nil, nil
	}

	matches, err := index.Search(ctx, vector, limit*searchOverfetch, minScore)
	if err != nil {
		return nil, err
	}

	out := make([]ScoredEntry, 0, min(limit, len(matches)))
	for _, m := range matches {
		e, err := facts.Get(ctx, m.Record.ID)
		if err != nil {
			return nil, err
		}
		if e == nil || !e.Live() {
			logging.From(ctx).Debug("dropping stale vector hit", "id", m.Record.ID, "score", m.Score)
			continue
		}
		out = append(out, ScoredEntry{Entry: e, Score: m.Score})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// FindSimilar is FindSimilarScored without the scores.
func FindSimilar(ctx context.Context, index VectorSearcher, facts FactGetter, vector []float32, limit int, minScore float64) ([]*Entry, error) {
	scored, err := FindSimilarScored(ctx, index, facts, vector, limit, minScore)
	if err != nil {
		return nil, err
	}
	entries := make([]*Entry, len(scored))
	for i, s := range scored {
		entries[i] = s.Entry
	}
	return entries, nil
}
