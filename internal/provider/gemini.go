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

const geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiClient completes prompts against the Gemini REST API.
type GeminiClient struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// NewGeminiClient builds a cloud client. An API key is mandatory.
func NewGeminiClient(apiKey, model string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, types.E(types.CodeValidation, "gemini assist provider requires an API key")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &GeminiClient{
		apiKey:  apiKey,
		model:   model,
		baseURL: geminiBaseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
	}, nil
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"system_instruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

// Complete runs one generateContent call.
func (c *GeminiClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	reqBody := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: userPrompt}}}},
	}
	if systemPrompt != "" {
		reqBody.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: systemPrompt}}}
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", types.Wrap(types.CodeInternal, err, "marshal gemini request")
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", types.Wrap(types.CodeInternal, err, "build gemini request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", types.Wrap(types.CodeProviderUnavailable, err, "gemini unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", types.E(types.CodeProviderUnavailable, "gemini returned %d: %s", resp.StatusCode, string(msg))
	}

	var result geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", types.Wrap(types.CodeProviderUnavailable, err, "decode gemini response")
	}
	if len(result.Candidates) == 0 || len(result.Candidates[0].Content.Parts) == 0 {
		return "", types.E(types.CodeProviderUnavailable, "gemini returned no candidates")
	}
	return result.Candidates[0].Content.Parts[0].Text, nil
}

// Name identifies the backend and model.
func (c *GeminiClient) Name() string {
	return fmt.Sprintf("gemini:%s", c.model)
}
