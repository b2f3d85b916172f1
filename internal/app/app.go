// Package app wires configuration into the memory stores shared by the
// agent and the maintenance CLI.
package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/easeaico/hybrid-memory/internal/config"
	"github.com/easeaico/hybrid-memory/internal/llm"
	"github.com/easeaico/hybrid-memory/internal/logging"
	"github.com/easeaico/hybrid-memory/internal/memory"
	"github.com/m-mizutani/goerr/v2"
)

// App owns the fact store, the vector index and the engine over them. It
// holds one index session for its whole lifetime.
type App struct {
	Config config.Config
	Facts  *memory.FactStore
	Index  *memory.VectorIndex
	Engine *memory.Engine

	session *memory.Session
}

// New opens the stores described by cfg.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	if dir := filepath.Dir(cfg.FactDBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, goerr.Wrap(err, "failed to create fact store directory", goerr.V("dir", dir))
		}
	}

	facts, err := memory.NewFactStore(ctx, cfg.FactDBPath)
	if err != nil {
		return nil, err
	}

	connect, err := cfg.Connector()
	if err != nil {
		facts.Close()
		return nil, err
	}
	dim, err := cfg.Dimension()
	if err != nil {
		facts.Close()
		return nil, err
	}

	index := memory.NewVectorIndex(connect, dim)
	a := &App{
		Config:  cfg,
		Facts:   facts,
		Index:   index,
		Engine:  memory.NewEngine(facts, index, memory.WithMinScore(cfg.MinScore)),
		session: index.Open(ctx),
	}

	logging.From(ctx).Debug("memory stores opened",
		"fact_db", cfg.FactDBPath,
		"vector_backend", cfg.VectorBackend,
		"dimension", dim,
	)
	return a, nil
}

// NewLLM creates the Gemini client used for embeddings and judgments.
func (a *App) NewLLM(ctx context.Context) (*llm.Client, error) {
	if err := a.Config.RequireAPIKey(); err != nil {
		return nil, err
	}
	dim, err := a.Config.Dimension()
	if err != nil {
		return nil, err
	}

	opts := []llm.Option{
		llm.WithEmbeddingModel(a.Config.EmbeddingModel),
		llm.WithJudgeModel(a.Config.JudgeModel),
	}
	// Only ask for a truncated length when it differs from the native one.
	if known, ok := memory.EmbeddingDimensions(a.Config.EmbeddingModel); !ok || known != dim {
		opts = append(opts, llm.WithDimension(dim))
	}
	return llm.NewClient(ctx, a.Config.APIKey, opts...)
}

// Close releases the index session, closes the index and the fact store.
func (a *App) Close(ctx context.Context) error {
	return errors.Join(
		a.session.Release(ctx),
		a.Index.Close(),
		a.Facts.Close(),
	)
}
