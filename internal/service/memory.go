// Package service adapts the fact memory to the adk memory.Service interface.
package service

import (
	"context"
	"strings"

	"github.com/easeaico/hybrid-memory/internal/logging"
	"github.com/easeaico/hybrid-memory/internal/memory"
	"github.com/m-mizutani/goerr/v2"
	adkmemory "google.golang.org/adk/memory"
	"google.golang.org/adk/session"
	"google.golang.org/genai"
)

// StoreToolName is the agent tool that records a memory explicitly. Sessions
// that used it are not ingested again by AddSession.
const StoreToolName = "memory_store"

const (
	defaultSearchLimit = 10
	minObservationLen  = 12
)

// Embedder is an interface for generating text embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// MemoryService implements adk's memory.Service on top of memory.Engine.
type MemoryService struct {
	engine   *memory.Engine
	embedder Embedder
	judge    memory.Judge
	limit    int
}

// NewMemoryService creates a memory service. judge may be nil, in which case
// every new observation with similar candidates is added.
func NewMemoryService(engine *memory.Engine, embedder Embedder, judge memory.Judge) *MemoryService {
	return &MemoryService{engine: engine, embedder: embedder, judge: judge, limit: defaultSearchLimit}
}

// AddSession ingests the user's statements from a finished session. Each
// statement is classified against existing memories and applied.
func (s *MemoryService) AddSession(ctx context.Context, sess session.Session) error {
	claim := s.engine.Index().Open(ctx)
	defer func() {
		if err := claim.Release(ctx); err != nil {
			logging.From(ctx).Warn("failed to release vector index session", "error", err)
		}
	}()

	var statements []string
	for event := range sess.Events().All() {
		if event.Content == nil {
			continue
		}
		for _, part := range event.Content.Parts {
			if part.FunctionCall != nil && part.FunctionCall.Name == StoreToolName {
				// Explicitly stored through the tool already
				logging.From(ctx).Debug("session stored memories explicitly, skipping ingestion", "session", sess.ID())
				return nil
			}
		}
		if event.Author != "user" {
			continue
		}
		if text := strings.TrimSpace(strings.Join(extractTextFromContent(event.Content), " ")); len(text) >= minObservationLen {
			statements = append(statements, text)
		}
	}

	for _, text := range statements {
		vector, err := s.embedder.Embed(ctx, text)
		if err != nil {
			return goerr.Wrap(err, "failed to generate embedding for session", goerr.V("session", sess.ID()))
		}

		out, err := s.engine.Observe(ctx, memory.Draft{
			Text:       text,
			Category:   memory.CategoryOther,
			Importance: 0.5,
			Source:     memory.SourceConversation,
		}, vector, s.judge)
		if err != nil {
			return goerr.Wrap(err, "failed to save session to memory", goerr.V("session", sess.ID()))
		}
		logging.From(ctx).Debug("ingested statement", "action", out.Decision.Action, "reason", out.Decision.Reason)
	}
	return nil
}

// Search returns the live memories most similar to the query.
func (s *MemoryService) Search(ctx context.Context, req *adkmemory.SearchRequest) (*adkmemory.SearchResponse, error) {
	if strings.TrimSpace(req.Query) == "" {
		return &adkmemory.SearchResponse{Memories: []adkmemory.Entry{}}, nil
	}

	claim := s.engine.Index().Open(ctx)
	defer func() {
		if err := claim.Release(ctx); err != nil {
			logging.From(ctx).Warn("failed to release vector index session", "error", err)
		}
	}()

	queryVector, err := s.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to generate query embedding")
	}

	hits, err := s.engine.Recall(ctx, queryVector, s.limit)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to search memories")
	}

	memories := make([]adkmemory.Entry, 0, len(hits))
	for _, hit := range hits {
		// genai.Text returns []*Content, we need the first one
		contents := genai.Text(hit.Entry.Text)
		if len(contents) == 0 {
			continue
		}
		memories = append(memories, adkmemory.Entry{
			Content:   contents[0],
			Author:    "memory",
			Timestamp: hit.Entry.CreatedAt,
		})
	}
	return &adkmemory.SearchResponse{Memories: memories}, nil
}

// extractTextFromContent extracts text from genai.Content parts
func extractTextFromContent(content *genai.Content) []string {
	var texts []string
	for _, part := range content.Parts {
		if part.Text != "" {
			texts = append(texts, part.Text)
		}
	}
	return texts
}

var _ adkmemory.Service = (*MemoryService)(nil)
