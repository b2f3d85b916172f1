// Package main is the entry point for the memory-backed assistant agent.
package main

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/template"

	"github.com/easeaico/hybrid-memory/internal/app"
	"github.com/easeaico/hybrid-memory/internal/config"
	"github.com/easeaico/hybrid-memory/internal/llm"
	"github.com/easeaico/hybrid-memory/internal/logging"
	"github.com/easeaico/hybrid-memory/internal/service"
	"github.com/easeaico/hybrid-memory/internal/tools"
	"github.com/joho/godotenv"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/adk/agent"
	"google.golang.org/adk/agent/llmagent"
	"google.golang.org/adk/cmd/launcher"
	"google.golang.org/adk/cmd/launcher/full"
	"google.golang.org/adk/model/gemini"
	"google.golang.org/adk/tool"
	"google.golang.org/genai"
)

const embeddingCacheSize = 1024

func main() {
	// A missing .env file is fine; the environment may already be set.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.RequireAPIKey(); err != nil {
		log.Fatalf("%v", err)
	}

	logger := logging.New(cfg.LogLevel, os.Stderr)
	logging.SetDefault(logger)

	ctx, cancel := context.WithCancel(logging.With(context.Background(), logger))
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		cancel()
	}()

	llmAgent, memoryService, cleanup, err := initializeAgent(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize agent: %v", err)
	}
	defer cleanup()

	launcherCfg := &launcher.Config{
		AgentLoader:   agent.NewSingleLoader(llmAgent),
		MemoryService: memoryService,
	}
	l := full.NewLauncher()
	if err := l.Execute(ctx, launcherCfg, os.Args[1:]); err != nil {
		log.Fatalf("Failed to run agent: %v\n\n%s", err, l.CommandLineSyntax())
	}
}

// initializeAgent opens the memory stores and builds the agent around them.
func initializeAgent(ctx context.Context, cfg config.Config) (agent.Agent, *service.MemoryService, func(), error) {
	logger := logging.From(ctx)

	a, err := app.New(ctx, cfg)
	if err != nil {
		return nil, nil, nil, goerr.Wrap(err, "failed to open memory stores")
	}
	cleanup := func() {
		if err := a.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("failed to close memory stores", "error", err)
		}
	}

	client, err := a.NewLLM(ctx)
	if err != nil {
		cleanup()
		return nil, nil, nil, goerr.Wrap(err, "failed to create GenAI client")
	}

	embedder, err := llm.NewCachedEmbedder(client, embeddingCacheSize)
	if err != nil {
		cleanup()
		return nil, nil, nil, goerr.Wrap(err, "failed to create embedding cache")
	}
	closeStores := cleanup
	cleanup = func() {
		embedder.Close()
		closeStores()
	}

	agentTools, err := tools.BuildTools(tools.ToolsConfig{
		Engine:   a.Engine,
		Embedder: embedder,
		Judge:    client,
	})
	if err != nil {
		cleanup()
		return nil, nil, nil, goerr.Wrap(err, "failed to build tools")
	}

	llmModel, err := gemini.NewModel(ctx, cfg.AgentModel, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		cleanup()
		return nil, nil, nil, goerr.Wrap(err, "failed to create LLM model")
	}

	live, err := a.Facts.Count(ctx, false)
	if err != nil {
		cleanup()
		return nil, nil, nil, goerr.Wrap(err, "failed to count memories")
	}

	llmAgent, err := llmagent.New(llmagent.Config{
		Name:        "memory_assistant",
		Description: "A personal assistant that remembers durable facts across sessions",
		Model:       llmModel,
		Instruction: buildSystemPrompt(live, agentTools),
		Tools:       agentTools,
	})
	if err != nil {
		cleanup()
		return nil, nil, nil, goerr.Wrap(err, "failed to create agent")
	}

	logger.Info("agent initialized", "memories", live, "vector_backend", cfg.VectorBackend)
	return llmAgent, service.NewMemoryService(a.Engine, embedder, client), cleanup, nil
}

var systemPromptTmpl = template.Must(template.New("systemPrompt").Parse(`
You are a helpful assistant with a long-term memory that persists across conversations.
{{- if .Memories }}
You currently remember {{.Memories}} facts.
{{- end }}

Available memory tools:
{{- range .Tools }}
- {{ . }}
{{- end }}

When answering:
- Recall memories before answering questions about the user, their preferences or past decisions.
- Store a fact when the user states a durable preference, decision or piece of information.
- Store one self-contained sentence per fact. Do not store small talk or secrets.
- Forget a memory when the user asks for it or it turns out to be wrong.
`))

// buildSystemPrompt renders the agent instruction.
func buildSystemPrompt(memories int, agentTools []tool.Tool) string {
	names := make([]string, 0, len(agentTools))
	for _, t := range agentTools {
		names = append(names, t.Name())
	}
	data := struct {
		Memories int
		Tools    []string
	}{
		Memories: memories,
		Tools:    names,
	}

	var buf bytes.Buffer
	_ = systemPromptTmpl.Execute(&buf, data)
	return buf.String()
}
