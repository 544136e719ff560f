// Package embedding generates vector embeddings for the semantic index.
// Backends: Ollama (local) and Google GenAI (cloud), plus a disabled engine
// used when AI assistance is switched off.
package embedding

import (
	"context"
	"math"
	"os"
	"sort"

	"autosnippet/internal/logging"
	"autosnippet/internal/types"
)

// =============================================================================
// ENGINE INTERFACE
// =============================================================================

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of produced vectors.
	Dimensions() int

	// Name identifies the engine in logs and index metadata.
	Name() string
}

// HealthChecker is implemented by engines that can probe their backend
// before a batch run.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config selects and parameterizes the embedding backend.
type Config struct {
	// Provider: "ollama", "genai", or "disabled".
	Provider string `json:"provider" yaml:"provider"`

	OllamaEndpoint string `json:"ollama_endpoint" yaml:"ollama_endpoint"`
	OllamaModel    string `json:"ollama_model" yaml:"ollama_model"`

	GenAIAPIKey string `json:"genai_api_key" yaml:"genai_api_key"`
	GenAIModel  string `json:"genai_model" yaml:"genai_model"`
}

// DefaultConfig prefers a local Ollama server.
func DefaultConfig() Config {
	return Config{
		Provider:       "ollama",
		OllamaEndpoint: "http://localhost:11434",
		OllamaModel:    "embeddinggemma",
		GenAIModel:     "gemini-embedding-001",
	}
}

// NewEngine builds the engine for cfg. ASD_AI_PROVIDER overrides the
// provider; ASD_DISABLE_AI_ASSIST=1 forces the disabled engine regardless.
func NewEngine(cfg Config) (Engine, error) {
	provider := cfg.Provider
	if env := os.Getenv("ASD_AI_PROVIDER"); env != "" {
		provider = env
	}
	if os.Getenv("ASD_DISABLE_AI_ASSIST") == "1" {
		provider = "disabled"
	}

	logging.Embedding("creating embedding engine: provider=%s", provider)

	switch provider {
	case "ollama", "":
		return NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel), nil
	case "genai":
		return NewGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIModel)
	case "disabled", "none":
		return Disabled{}, nil
	default:
		return nil, types.E(types.CodeValidation, "unsupported embedding provider %q (use ollama, genai, or disabled)", provider)
	}
}

// =============================================================================
// DISABLED ENGINE
// =============================================================================

// Disabled is the engine used when AI assistance is off. Every call reports
// ProviderUnavailable; the index layer records embedding_failed and moves on.
type Disabled struct{}

func (Disabled) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, types.E(types.CodeProviderUnavailable, "embeddings disabled")
}

func (Disabled) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, types.E(types.CodeProviderUnavailable, "embeddings disabled")
}

func (Disabled) Dimensions() int { return 0 }
func (Disabled) Name() string    { return "disabled" }

// =============================================================================
// SIMILARITY
// =============================================================================

// CosineSimilarity returns the cosine of the angle between two vectors,
// in [-1, 1]. Zero-magnitude vectors score 0.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, types.E(types.CodeValidation, "vector dimension mismatch: %d != %d", len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}

// SimilarityResult is one ranked corpus entry.
type SimilarityResult struct {
	Index      int
	Similarity float64
}

// FindTopK ranks the corpus against the query by cosine similarity and
// returns the best k entries. Vectors with mismatched dimensions are skipped.
func FindTopK(query []float32, corpus [][]float32, k int) []SimilarityResult {
	if k <= 0 {
		k = 10
	}
	results := make([]SimilarityResult, 0, len(corpus))
	skipped := 0
	for i, vec := range corpus {
		sim, err := CosineSimilarity(query, vec)
		if err != nil {
			skipped++
			continue
		}
		results = append(results, SimilarityResult{Index: i, Similarity: sim})
	}
	if skipped > 0 {
		logging.Get(logging.CategoryEmbedding).Warn("FindTopK: skipped %d vectors with mismatched dimensions", skipped)
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}
