package embedding

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"autosnippet/internal/types"
)

// =============================================================================
// GOOGLE GENAI ENGINE
// =============================================================================

// GenAIEngine generates embeddings through the Gemini API. Indexing and
// querying use different task types so vectors are optimized per direction.
type GenAIEngine struct {
	client *genai.Client
	model  string
}

// NewGenAIEngine builds a cloud engine. An API key is mandatory.
func NewGenAIEngine(apiKey, model string) (*GenAIEngine, error) {
	if apiKey == "" {
		return nil, types.E(types.CodeValidation, "genai embedding provider requires an API key")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, types.Wrap(types.CodeProviderUnavailable, err, "create genai client")
	}
	return &GenAIEngine{client: client, model: model}, nil
}

// Embed generates one document embedding.
func (e *GenAIEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.embed(ctx, []string{text}, "RETRIEVAL_DOCUMENT")
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedQuery generates a query-side embedding. The search layer prefers this
// over Embed when ranking against indexed documents.
func (e *GenAIEngine) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.embed(ctx, []string{text}, "RETRIEVAL_QUERY")
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch generates document embeddings in one API call.
func (e *GenAIEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return e.embed(ctx, texts, "RETRIEVAL_DOCUMENT")
}

func (e *GenAIEngine) embed(ctx context.Context, texts []string, task string) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}
	result, err := e.client.Models.EmbedContent(ctx, e.model, contents,
		&genai.EmbedContentConfig{TaskType: task})
	if err != nil {
		return nil, types.Wrap(types.CodeProviderUnavailable, err, "genai embed")
	}
	if len(result.Embeddings) != len(texts) {
		return nil, types.E(types.CodeProviderUnavailable, "genai returned %d embeddings for %d texts",
			len(result.Embeddings), len(texts))
	}
	out := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		out[i] = emb.Values
	}
	return out, nil
}

// Dimensions reports the vector width; gemini-embedding-001 produces 768.
func (e *GenAIEngine) Dimensions() int {
	return 768
}

// Name identifies the backend and model.
func (e *GenAIEngine) Name() string {
	return fmt.Sprintf("genai:%s", e.model)
}

// Close releases the underlying client. The genai client holds no resources
// that need explicit release, so this is a no-op.
func (e *GenAIEngine) Close() error {
	return nil
}
