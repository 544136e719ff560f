package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"autosnippet/internal/types"
)

// =============================================================================
// OLLAMA ENGINE
// =============================================================================

// OllamaEngine talks to a local Ollama server.
type OllamaEngine struct {
	endpoint string
	model    string
	client   *http.Client
}

// NewOllamaEngine builds an engine for the given endpoint and model.
// Empty values fall back to localhost and embeddinggemma.
func NewOllamaEngine(endpoint, model string) *OllamaEngine {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	if model == "" {
		model = "embeddinggemma"
	}
	return &OllamaEngine{
		endpoint: endpoint,
		model:    model,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed generates an embedding for one text.
func (e *OllamaEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, types.Wrap(types.CodeInternal, err, "marshal embed request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, types.Wrap(types.CodeInternal, err, "build embed request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, types.Wrap(types.CodeProviderUnavailable, err, "ollama unreachable at %s", e.endpoint)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, types.E(types.CodeProviderUnavailable, "ollama returned %d: %s", resp.StatusCode, string(msg))
	}

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, types.Wrap(types.CodeProviderUnavailable, err, "decode ollama response")
	}
	if len(result.Embedding) == 0 {
		return nil, types.E(types.CodeProviderUnavailable, "ollama returned an empty embedding")
	}
	return result.Embedding, nil
}

// EmbedBatch embeds texts one at a time; Ollama has no batch endpoint.
func (e *OllamaEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, types.Wrap(types.CodeOf(err), err, "embed text %d of %d", i+1, len(texts))
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions reports the vector width; embeddinggemma produces 768.
func (e *OllamaEngine) Dimensions() int {
	return 768
}

// Name identifies the backend and model.
func (e *OllamaEngine) Name() string {
	return fmt.Sprintf("ollama:%s", e.model)
}

// HealthCheck probes the server's tag listing endpoint.
func (e *OllamaEngine) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.endpoint+"/api/tags", nil)
	if err != nil {
		return types.Wrap(types.CodeInternal, err, "build health request")
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return types.Wrap(types.CodeProviderUnavailable, err, "ollama unreachable at %s", e.endpoint)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return types.E(types.CodeProviderUnavailable, "ollama health check returned %d", resp.StatusCode)
	}
	return nil
}
