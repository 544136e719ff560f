// Package provider gives the engine optional AI text assistance: summaries,
// translations, and result reranking. Every operation degrades cleanly when
// no backend is reachable; nothing in the engine hard-depends on a provider.
package provider

import (
	"context"
	"os"

	"autosnippet/internal/logging"
	"autosnippet/internal/types"
)

// Client is the minimal completion interface a backend must implement.
type Client interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	Name() string
}

// Config selects and parameterizes the assist backend.
type Config struct {
	// Provider: "ollama", "gemini", or "disabled".
	Provider string `json:"provider" yaml:"provider"`

	OllamaEndpoint string `json:"ollama_endpoint" yaml:"ollama_endpoint"`
	OllamaModel    string `json:"ollama_model" yaml:"ollama_model"`

	GeminiAPIKey string `json:"gemini_api_key" yaml:"gemini_api_key"`
	GeminiModel  string `json:"gemini_model" yaml:"gemini_model"`
}

// DefaultConfig prefers a local Ollama server.
func DefaultConfig() Config {
	return Config{
		Provider:       "ollama",
		OllamaEndpoint: "http://localhost:11434",
		OllamaModel:    "qwen2.5-coder",
		GeminiModel:    "gemini-2.0-flash",
	}
}

// NewClient builds the backend for cfg. ASD_AI_PROVIDER overrides the
// provider name; ASD_DISABLE_AI_ASSIST=1 forces the disabled client.
func NewClient(cfg Config) (Client, error) {
	provider := cfg.Provider
	if env := os.Getenv("ASD_AI_PROVIDER"); env != "" {
		provider = env
	}
	if os.Getenv("ASD_DISABLE_AI_ASSIST") == "1" {
		provider = "disabled"
	}

	logging.Gateway("creating assist client: provider=%s", provider)

	switch provider {
	case "ollama", "":
		return NewOllamaClient(cfg.OllamaEndpoint, cfg.OllamaModel), nil
	case "gemini", "genai":
		return NewGeminiClient(cfg.GeminiAPIKey, cfg.GeminiModel)
	case "disabled", "none":
		return Disabled{}, nil
	default:
		return nil, types.E(types.CodeValidation, "unsupported assist provider %q (use ollama, gemini, or disabled)", provider)
	}
}

// Disabled is the client used when AI assistance is off.
type Disabled struct{}

func (Disabled) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return "", types.E(types.CodeProviderUnavailable, "ai assist disabled")
}

func (Disabled) Name() string { return "disabled" }
