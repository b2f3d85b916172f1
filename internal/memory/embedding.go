package memory

import "strings"

var embeddingDimensions = map[string]int{
	"text-embedding-004":     768,
	"gemini-embedding-001":   3072,
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"all-minilm-l6-v2":       384,
}

// EmbeddingDimensions returns the vector length produced by a known
// embedding model, ignoring any "models/" prefix and letter case.
func EmbeddingDimensions(model string) (int, bool) {
	name := strings.ToLower(strings.TrimPrefix(model, "models/"))
	n, ok := embeddingDimensions[name]
	return n, ok
}
