// Package tools defines ADK tool declarations that let an agent read and
// write its long-term fact memory.
package tools

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/easeaico/hybrid-memory/internal/memory"
	"github.com/easeaico/hybrid-memory/internal/service"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/adk/tool"
	"google.golang.org/adk/tool/functiontool"
)

// Embedder is an interface for generating text embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ToolsConfig holds dependencies for creating tools.
type ToolsConfig struct {
	Engine   *memory.Engine
	Embedder Embedder
	Judge    memory.Judge // optional
}

const (
	defaultRecallLimit = 5
	maxRecallLimit     = 20
	maxTextBytes       = 2000
)

// --- Tool Input/Output Structs ---

// RecallArgs is the input for memory_recall tool.
type RecallArgs struct {
	Query string `json:"query" jsonschema:"description=What to remember, phrased as a question or topic"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum number of memories to return (default 5)"`
}

// RecallItem is one recalled memory.
type RecallItem struct {
	ID         string  `json:"id"`
	Text       string  `json:"text"`
	Category   string  `json:"category"`
	Importance float64 `json:"importance"`
	Similarity string  `json:"similarity"`
}

// RecallResult is the output for memory_recall tool.
type RecallResult struct {
	Success bool         `json:"success"`
	Data    []RecallItem `json:"data,omitempty"`
	Message string       `json:"message,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// StoreArgs is the input for memory_store tool.
type StoreArgs struct {
	Text       string  `json:"text" jsonschema:"description=The fact to remember, as one self-contained sentence"`
	Category   string  `json:"category,omitempty" jsonschema:"description=One of preference, decision, fact, entity, technical, other"`
	Importance float64 `json:"importance,omitempty" jsonschema:"description=How important the fact is, from 0 to 1 (default 0.5)"`
	Entity     string  `json:"entity,omitempty" jsonschema:"description=Optional subject of the fact, e.g. user"`
	Key        string  `json:"key,omitempty" jsonschema:"description=Optional attribute name, e.g. timezone"`
	Value      string  `json:"value,omitempty" jsonschema:"description=Optional attribute value"`
}

// StoreResult is the output for memory_store tool.
type StoreResult struct {
	Success bool   `json:"success"`
	Action  string `json:"action,omitempty"`
	ID      string `json:"id,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ForgetArgs is the input for memory_forget tool.
type ForgetArgs struct {
	ID   string `json:"id" jsonschema:"description=Id of the memory to forget, as returned by memory_recall"`
	Hard bool   `json:"hard,omitempty" jsonschema:"description=Erase the memory and its history instead of retiring it"`
}

// ForgetResult is the output for memory_forget tool.
type ForgetResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// --- Tool Handlers ---

func recall(ctx context.Context, cfg ToolsConfig, args RecallArgs) RecallResult {
	if strings.TrimSpace(args.Query) == "" {
		return RecallResult{Success: false, Error: "query is required"}
	}
	limit := args.Limit
	if limit <= 0 {
		limit = defaultRecallLimit
	}
	limit = min(limit, maxRecallLimit)

	vector, err := cfg.Embedder.Embed(ctx, args.Query)
	if err != nil {
		return RecallResult{Success: false, Error: fmt.Sprintf("failed to generate embedding: %v", err)}
	}

	hits, err := cfg.Engine.Recall(ctx, vector, limit)
	if err != nil {
		return RecallResult{Success: false, Error: fmt.Sprintf("failed to search memories: %v", err)}
	}
	if len(hits) == 0 {
		return RecallResult{Success: true, Message: "No relevant memories found."}
	}

	items := make([]RecallItem, 0, len(hits))
	for _, h := range hits {
		items = append(items, RecallItem{
			ID:         h.Entry.ID,
			Text:       truncateString(h.Entry.Text, maxTextBytes),
			Category:   string(h.Entry.Category),
			Importance: h.Entry.Importance,
			Similarity: fmt.Sprintf("%.2f%%", h.Score*100),
		})
	}
	return RecallResult{Success: true, Data: items}
}

func store(ctx context.Context, cfg ToolsConfig, args StoreArgs) StoreResult {
	if strings.TrimSpace(args.Text) == "" {
		return StoreResult{Success: false, Error: "text is required"}
	}

	draft := memory.Draft{
		Text:       args.Text,
		Category:   memory.Category(strings.ToLower(args.Category)),
		Importance: args.Importance,
		Source:     memory.SourceManual,
		Entity:     optional(args.Entity),
		Key:        optional(args.Key),
		Value:      optional(args.Value),
	}
	if draft.Importance == 0 {
		draft.Importance = 0.5
	}

	vector, err := cfg.Embedder.Embed(ctx, args.Text)
	if err != nil {
		return StoreResult{Success: false, Error: fmt.Sprintf("failed to generate embedding: %v", err)}
	}

	out, err := cfg.Engine.Observe(ctx, draft, vector, cfg.Judge)
	if err != nil {
		return StoreResult{Success: false, Error: fmt.Sprintf("failed to store memory: %v", err)}
	}

	res := StoreResult{Success: true, Action: string(out.Decision.Action), Reason: out.Decision.Reason}
	if out.Entry != nil {
		res.ID = out.Entry.ID
	}
	return res
}

func forget(ctx context.Context, cfg ToolsConfig, args ForgetArgs) ForgetResult {
	if args.ID == "" {
		return ForgetResult{Success: false, Error: "id is required"}
	}
	if err := cfg.Engine.Forget(ctx, args.ID, args.Hard); err != nil {
		return ForgetResult{Success: false, Error: fmt.Sprintf("failed to forget memory: %v", err)}
	}
	return ForgetResult{Success: true}
}

func createRecallTool(cfg ToolsConfig) (tool.Tool, error) {
	handler := func(ctx tool.Context, args RecallArgs) (RecallResult, error) {
		return recall(ctx, cfg, args), nil
	}

	return functiontool.New(functiontool.Config{
		Name:        "memory_recall",
		Description: "Search long-term memory for facts relevant to a question or topic. Call this before answering questions about the user, their preferences or earlier decisions.",
	}, handler)
}

func createStoreTool(cfg ToolsConfig) (tool.Tool, error) {
	handler := func(ctx tool.Context, args StoreArgs) (StoreResult, error) {
		return store(ctx, cfg, args), nil
	}

	return functiontool.New(functiontool.Config{
		Name:        service.StoreToolName,
		Description: "Save a durable fact to long-term memory. Duplicates are ignored and contradicting facts replace the old ones.",
	}, handler)
}

func createForgetTool(cfg ToolsConfig) (tool.Tool, error) {
	handler := func(ctx tool.Context, args ForgetArgs) (ForgetResult, error) {
		return forget(ctx, cfg, args), nil
	}

	return functiontool.New(functiontool.Config{
		Name:        "memory_forget",
		Description: "Forget a memory by id when the user asks for it or it is known to be wrong.",
	}, handler)
}

// BuildTools creates all memory tools with the given configuration.
func BuildTools(cfg ToolsConfig) ([]tool.Tool, error) {
	builders := []struct {
		name  string
		build func(ToolsConfig) (tool.Tool, error)
	}{
		{"memory_recall", createRecallTool},
		{service.StoreToolName, createStoreTool},
		{"memory_forget", createForgetTool},
	}

	tools := make([]tool.Tool, 0, len(builders))
	for _, b := range builders {
		t, err := b.build(cfg)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create tool", goerr.V("name", b.name))
		}
		tools = append(tools, t)
	}
	return tools, nil
}

func optional(s string) *string {
	if s = strings.TrimSpace(s); s == "" {
		return nil
	}
	return &s
}

// truncateString cuts s to at most limit bytes without splitting a rune.
func truncateString(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}
