package search

import (
	"context"
	"strings"
	"testing"
	"time"

	"autosnippet/internal/index"
	"autosnippet/internal/provider"
	"autosnippet/internal/stats"
	"autosnippet/internal/store"
	"autosnippet/internal/types"
)

// topicEngine embeds text onto a fixed topic axis so tests get
// deterministic semantic neighborhoods.
type topicEngine struct{}

func (topicEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, _ := topicEngine{}.EmbedBatch(ctx, []string{text})
	return vecs[0], nil
}

func (topicEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		lower := strings.ToLower(text)
		vec := []float32{0.1, 0.1, 0.1}
		if strings.Contains(lower, "network") || strings.Contains(lower, "urlsession") {
			vec = []float32{1, 0, 0}
		} else if strings.Contains(lower, "database") || strings.Contains(lower, "sqlite") {
			vec = []float32{0, 1, 0}
		}
		out[i] = vec
	}
	return out, nil
}

func (topicEngine) Dimensions() int { return 3 }
func (topicEngine) Name() string    { return "topic" }

func seedAndIndex(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	mk := func(id, title, desc string) *types.Recipe {
		r := types.NewRecipe(id, title, "swift", "Networking", types.KTCodePattern)
		r.Description = desc
		r.Content.Pattern = desc
		r.Status = types.RecipeActive
		return r
	}
	recipes := []*types.Recipe{
		mk("net", "URLSession networking", "Use URLSession for network requests"),
		mk("db", "SQLite storage", "Use SQLite database for local persistence"),
		mk("ui", "View layout", "Constraint based layout for views"),
	}
	dep := mk("old", "Old networking", "Deprecated network approach")
	dep.Status = types.RecipeDeprecated
	dep.Deprecation = &types.Deprecation{Reason: "superseded", At: time.Now()}
	recipes = append(recipes, dep)

	for _, r := range recipes {
		if err := s.Recipes().Create(ctx, r); err != nil {
			t.Fatalf("create %s: %v", r.ID, err)
		}
	}
	if _, err := index.New(s, topicEngine{}).Run(ctx, index.Options{}); err != nil {
		t.Fatalf("index: %v", err)
	}
	return s
}

func TestSearchEmptyQuery(t *testing.T) {
	s := seedAndIndex(t)
	resp, err := New(s, topicEngine{}, nil, nil).Search(context.Background(), "   ", Options{})
	if err != nil {
		t.Fatalf("empty query must not error: %v", err)
	}
	if len(resp.Results) != 0 {
		t.Errorf("empty query should return no results, got %d", len(resp.Results))
	}
	if resp.Mode != ModeHybrid {
		t.Errorf("response mode = %q, want %q", resp.Mode, ModeHybrid)
	}
}

func TestSearchHybridRanking(t *testing.T) {
	s := seedAndIndex(t)
	resp, err := New(s, topicEngine{}, nil, nil).Search(context.Background(), "network requests", Options{Limit: 5})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(resp.Results) == 0 {
		t.Fatal("no results")
	}
	if resp.Results[0].ID != "net" {
		t.Errorf("expected net first, got %s", resp.Results[0].ID)
	}
	for _, r := range resp.Results {
		if r.ID == "old" {
			t.Error("deprecated recipe leaked into results")
		}
	}
}

func TestSearchKeywordMode(t *testing.T) {
	s := seedAndIndex(t)
	resp, err := New(s, topicEngine{}, nil, nil).Search(context.Background(), "sqlite", Options{Mode: ModeKeyword})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].ID != "db" {
		t.Errorf("keyword mode should match only db: %+v", resp.Results)
	}
	if resp.Results[0].Semantic != 0 {
		t.Error("keyword mode must not carry semantic scores")
	}
	if resp.Mode != ModeKeyword {
		t.Errorf("response mode = %q, want %q", resp.Mode, ModeKeyword)
	}
}

func TestSearchHighlightsSnippet(t *testing.T) {
	s := seedAndIndex(t)
	resp, err := New(s, topicEngine{}, nil, nil).Search(context.Background(), "sqlite", Options{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(resp.Results) == 0 {
		t.Fatal("no results")
	}
	if !strings.Contains(resp.Results[0].Snippet, "**SQLite**") {
		t.Errorf("snippet not highlighted: %q", resp.Results[0].Snippet)
	}
}

func TestSearchFilterByLanguage(t *testing.T) {
	s := seedAndIndex(t)
	resp, err := New(s, topicEngine{}, nil, nil).Search(context.Background(), "network",
		Options{Filter: store.RecipeFilter{Language: "objectivec"}})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(resp.Results) != 0 {
		t.Errorf("language filter should exclude everything, got %d", len(resp.Results))
	}
}

func TestSearchAuthorityBreaksTies(t *testing.T) {
	s, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	// proven goes in first so the recency tiebreak alone would rank it
	// second; only its authority can pull it ahead.
	for _, spec := range []struct{ id, trigger string }{
		{"proven", "@logproven"},
		{"plain", "@logplain"},
	} {
		r := types.NewRecipe(spec.id, "Structured logging", "swift", "Infra", types.KTBestPractice)
		r.Description = "Use structured logging everywhere"
		r.Content.Pattern = r.Description
		r.Trigger = spec.trigger
		r.Status = types.RecipeActive
		if err := s.Recipes().Create(ctx, r); err != nil {
			t.Fatalf("create %s: %v", spec.id, err)
		}
	}
	if _, err := index.New(s, nil).Run(ctx, index.Options{}); err != nil {
		t.Fatalf("index: %v", err)
	}

	usage := stats.New(t.TempDir())
	if err := usage.RecordUsage(stats.Usage{Trigger: "@logproven", Source: stats.SourceHuman}); err != nil {
		t.Fatalf("record usage: %v", err)
	}
	if err := usage.SetAuthority("@logproven", "", 5); err != nil {
		t.Fatalf("set authority: %v", err)
	}

	resp, err := New(s, nil, nil, usage).Search(ctx, "logging", Options{Mode: ModeKeyword})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("expected both recipes, got %d", len(resp.Results))
	}
	if resp.Results[0].ID != "proven" {
		t.Errorf("usage-backed recipe should rank first, got %s", resp.Results[0].ID)
	}
	if resp.Results[0].Authority <= resp.Results[1].Authority {
		t.Errorf("authority %v should exceed %v", resp.Results[0].Authority, resp.Results[1].Authority)
	}
	if a := resp.Results[1].Authority; a != 0 {
		t.Errorf("unrecorded recipe authority = %v, want 0", a)
	}
}

func TestSearchRankingMode(t *testing.T) {
	s, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	for _, spec := range []struct{ id, trigger string }{
		{"fresh", "@fresh"},
		{"battle", "@battle"},
	} {
		r := types.NewRecipe(spec.id, "Recipe "+spec.id, "swift", "Infra", types.KTCodePattern)
		r.Content.Pattern = "pattern body"
		r.Trigger = spec.trigger
		r.Status = types.RecipeActive
		if err := s.Recipes().Create(ctx, r); err != nil {
			t.Fatalf("create %s: %v", spec.id, err)
		}
	}
	dep := types.NewRecipe("retired", "Retired recipe", "swift", "Infra", types.KTCodePattern)
	dep.Status = types.RecipeDeprecated
	dep.Deprecation = &types.Deprecation{Reason: "superseded", At: time.Now()}
	if err := s.Recipes().Create(ctx, dep); err != nil {
		t.Fatalf("create retired: %v", err)
	}

	usage := stats.New(t.TempDir())
	if err := usage.SetAuthority("@battle", "", 4); err != nil {
		t.Fatalf("set authority: %v", err)
	}

	// Ranking needs no query and no index run.
	resp, err := New(s, nil, nil, usage).Search(ctx, "", Options{Mode: ModeRanking, Limit: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if resp.Mode != ModeRanking {
		t.Errorf("response mode = %q, want %q", resp.Mode, ModeRanking)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("expected 2 live recipes, got %d", len(resp.Results))
	}
	if resp.Results[0].ID != "battle" {
		t.Errorf("highest authority should rank first, got %s", resp.Results[0].ID)
	}
	for _, r := range resp.Results {
		if r.ID == "retired" {
			t.Error("deprecated recipe leaked into ranking")
		}
		if r.Semantic != 0 || r.Keyword != 0 {
			t.Errorf("ranking mode must skip retrieval scores: %+v", r)
		}
	}
}

// stallClient never answers within the rerank budget.
type stallClient struct{}

func (stallClient) Complete(ctx context.Context, system, user string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func (stallClient) Name() string { return "stall" }

func TestSearchRerankAbortKeepsOrder(t *testing.T) {
	s := seedAndIndex(t)
	assist := provider.NewAssist(stallClient{})

	start := time.Now()
	resp, err := New(s, topicEngine{}, assist, nil).Search(context.Background(), "network requests",
		Options{Limit: 5, Rerank: true})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("rerank abort took too long: %v", elapsed)
	}
	if len(resp.Warnings) != 1 || resp.Warnings[0] != WarnAIAssistAborted {
		t.Errorf("expected %s warning, got %v", WarnAIAssistAborted, resp.Warnings)
	}
	if resp.Results[0].ID != "net" {
		t.Errorf("order must survive an aborted rerank, got %s first", resp.Results[0].ID)
	}
}

// reorderClient flips the result order.
type reorderClient struct{}

func (reorderClient) Complete(ctx context.Context, system, user string) (string, error) {
	return "[1,0]", nil
}

func (reorderClient) Name() string { return "reorder" }

func TestSearchRerankApplies(t *testing.T) {
	s := seedAndIndex(t)
	assist := provider.NewAssist(reorderClient{})

	resp, err := New(s, topicEngine{}, assist, nil).Search(context.Background(), "network database",
		Options{Limit: 2, Rerank: true})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(resp.Results))
	}
	if len(resp.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", resp.Warnings)
	}
}

func TestSearchRerankSeesBeyondLimit(t *testing.T) {
	s := seedAndIndex(t)
	assist := provider.NewAssist(reorderClient{})

	// With limit 1 the rerank pool still holds two entries, so the
	// provider can promote the runner-up into the returned page.
	resp, err := New(s, topicEngine{}, assist, nil).Search(context.Background(), "network database",
		Options{Limit: 1, Rerank: true})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(resp.Results))
	}
	if resp.Results[0].ID == "net" {
		t.Error("rerank should have promoted the runner-up over net")
	}
}

func TestHighlight(t *testing.T) {
	cases := []struct {
		text  string
		terms []string
		want  string
	}{
		{"Use URLSession for requests", []string{"urlsession"}, "Use **URLSession** for requests"},
		{"classy class", []string{"class"}, "classy **class**"},
		{"单例模式详解", []string{"模式"}, "单例**模式**详解"},
		{"no match here", []string{"absent"}, "no match here"},
		{"overlap overlaps", []string{"overlap", "overlaps"}, "**overlap** **overlaps**"},
	}
	for _, tc := range cases {
		if got := Highlight(tc.text, tc.terms); got != tc.want {
			t.Errorf("Highlight(%q, %v) = %q, want %q", tc.text, tc.terms, got, tc.want)
		}
	}
}
