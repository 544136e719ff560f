package provider

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

// OllamaClient completes prompts against a local Ollama server.
type OllamaClient struct {
	endpoint string
	model    string
	client   *http.Client
}

// NewOllamaClient builds a client; empty values fall back to localhost and
// qwen2.5-coder.
func NewOllamaClient(endpoint, model string) *OllamaClient {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	if model == "" {
		model = "qwen2.5-coder"
	}
	return &OllamaClient{
		endpoint: endpoint,
		model:    model,
		client:   &http.Client{Timeout: 60 * time.Second},
	}
}

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	System string `json:"system,omitempty"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
}

// Complete runs one non-streaming generation.
func (c *OllamaClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	body, err := json.Marshal(ollamaGenerateRequest{
		Model:  c.model,
		System: systemPrompt,
		Prompt: userPrompt,
		Stream: false,
	})
	if err != nil {
		return "", types.Wrap(types.CodeInternal, err, "marshal generate request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", types.Wrap(types.CodeInternal, err, "build generate request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", types.Wrap(types.CodeProviderUnavailable, err, "ollama unreachable at %s", c.endpoint)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", types.E(types.CodeProviderUnavailable, "ollama returned %d: %s", resp.StatusCode, string(msg))
	}

	var result ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", types.Wrap(types.CodeProviderUnavailable, err, "decode ollama response")
	}
	return result.Response, nil
}

// Name identifies the backend and model.
func (c *OllamaClient) Name() string {
	return fmt.Sprintf("ollama:%s", c.model)
}
