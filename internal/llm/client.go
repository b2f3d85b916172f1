// Package llm wraps the Gemini API for the two collaborators the memory core
// needs: an embedding provider and a judgment provider.
package llm

import (
	"context"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/genai"
)

// Embedder provides text embedding capability.
type Embedder interface {
	// Embed generates an embedding vector for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Client wraps the Google GenAI client.
type Client struct {
	client         *genai.Client
	embeddingModel string
	judgeModel     string
	dimension      int32
}

// Option configures a Client.
type Option func(*Client)

// WithEmbeddingModel sets the embedding model name.
func WithEmbeddingModel(model string) Option {
	return func(c *Client) { c.embeddingModel = model }
}

// WithJudgeModel sets the generative model used for judgments.
func WithJudgeModel(model string) Option {
	return func(c *Client) { c.judgeModel = model }
}

// WithDimension requests embeddings of a specific length from models that
// support truncated output.
func WithDimension(n int) Option {
	return func(c *Client) { c.dimension = int32(n) }
}

// NewClient creates a new LLM client with the given API key.
func NewClient(ctx context.Context, apiKey string, opts ...Option) (*Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create genai client")
	}

	c := &Client{
		client:         client,
		embeddingModel: "text-embedding-004",
		judgeModel:     "gemini-2.0-flash",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Embed generates an embedding vector for the given text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	cfg := &genai.EmbedContentConfig{}
	if c.dimension > 0 {
		cfg.OutputDimensionality = &c.dimension
	}

	resp, err := c.client.Models.EmbedContent(ctx, c.embeddingModel, genai.Text(text), cfg)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed content", goerr.V("model", c.embeddingModel))
	}
	if len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil {
		return nil, goerr.New("no embedding returned", goerr.V("model", c.embeddingModel))
	}
	return resp.Embeddings[0].Values, nil
}

// Judge sends a classification prompt and returns the first line of the
// model's answer. Temperature is pinned to zero.
func (c *Client) Judge(ctx context.Context, prompt string) (string, error) {
	temperature := float32(0)
	resp, err := c.client.Models.GenerateContent(ctx, c.judgeModel, genai.Text(prompt), &genai.GenerateContentConfig{
		Temperature: &temperature,
	})
	if err != nil {
		return "", goerr.Wrap(err, "failed to generate judgment", goerr.V("model", c.judgeModel))
	}

	text := strings.TrimSpace(resp.Text())
	if line, _, ok := strings.Cut(text, "\n"); ok {
		text = line
	}
	return text, nil
}

// Ensure Client implements Embedder
var _ Embedder = (*Client)(nil)
