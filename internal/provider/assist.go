package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"autosnippet/internal/logging"
	"autosnippet/internal/types"
)

// Operation deadlines. Rerank sits on the interactive search path and gets a
// hard short budget; the search layer treats any overrun as a skip, never a
// retry.
const (
	SummarizeDeadline = 30 * time.Second
	TranslateDeadline = 30 * time.Second
	RerankDeadline    = 2 * time.Second
)

// Assist layers the engine's text operations over a completion client.
type Assist struct {
	client Client
}

// NewAssist wraps a client.
func NewAssist(client Client) *Assist {
	return &Assist{client: client}
}

// Available reports whether calls have any chance of succeeding.
func (a *Assist) Available() bool {
	if a == nil || a.client == nil {
		return false
	}
	_, disabled := a.client.(Disabled)
	return !disabled
}

// Name identifies the underlying backend.
func (a *Assist) Name() string {
	if a == nil || a.client == nil {
		return "none"
	}
	return a.client.Name()
}

// Summarize produces a short summary of a code fragment or recipe body.
func (a *Assist) Summarize(ctx context.Context, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, SummarizeDeadline)
	defer cancel()

	out, err := a.client.Complete(ctx,
		"You summarize code knowledge for a developer knowledge base. Reply with one or two plain sentences, no markdown.",
		text)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Translate renders text into the target language ("en" or "cn").
func (a *Assist) Translate(ctx context.Context, text, targetLang string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, TranslateDeadline)
	defer cancel()

	lang := "English"
	if targetLang == "cn" || targetLang == "zh" {
		lang = "Simplified Chinese"
	}
	out, err := a.client.Complete(ctx,
		fmt.Sprintf("Translate the user's text into %s. Reply with the translation only.", lang),
		text)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// RerankDoc is one candidate handed to the reranker.
type RerankDoc struct {
	ID    string
	Title string
	Text  string
}

// Rerank asks the model to reorder docs by relevance to the query and
// returns ids best-first. The whole call runs under RerankDeadline; callers
// treat a deadline error as "keep the original order".
func (a *Assist) Rerank(ctx context.Context, query string, docs []RerankDoc) ([]string, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, RerankDeadline)
	defer cancel()

	var sb strings.Builder
	fmt.Fprintf(&sb, "Query: %s\n\nDocuments:\n", query)
	for i, d := range docs {
		text := d.Text
		if len(text) > 300 {
			text = text[:300]
		}
		fmt.Fprintf(&sb, "%d. %s — %s\n", i, d.Title, text)
	}
	sb.WriteString("\nReturn a JSON array of document numbers, most relevant first. Example: [2,0,1]")

	out, err := a.client.Complete(ctx,
		"You rank documents by relevance to a query. Reply with a JSON array of integers and nothing else.",
		sb.String())
	if err != nil {
		return nil, err
	}

	order, err := parseIndexArray(out, len(docs))
	if err != nil {
		logging.Search("rerank output unparseable, keeping original order: %v", err)
		return nil, err
	}
	ids := make([]string, 0, len(order))
	for _, idx := range order {
		ids = append(ids, docs[idx].ID)
	}
	return ids, nil
}

// parseIndexArray extracts the first JSON integer array from model output and
// validates it against n documents. Unknown or duplicate indices fail.
func parseIndexArray(out string, n int) ([]int, error) {
	start := strings.Index(out, "[")
	end := strings.LastIndex(out, "]")
	if start < 0 || end <= start {
		return nil, types.E(types.CodeValidation, "no JSON array in model output")
	}
	var order []int
	if err := json.Unmarshal([]byte(out[start:end+1]), &order); err != nil {
		return nil, types.Wrap(types.CodeValidation, err, "malformed index array")
	}
	seen := make(map[int]bool, len(order))
	for _, idx := range order {
		if idx < 0 || idx >= n {
			return nil, types.E(types.CodeValidation, "index %d out of range [0,%d)", idx, n)
		}
		if seen[idx] {
			return nil, types.E(types.CodeValidation, "duplicate index %d", idx)
		}
		seen[idx] = true
	}
	return order, nil
}
