package index

import (
	"context"
	"testing"
	"unicode/utf8"

	"autosnippet/internal/store"
	"autosnippet/internal/types"
)

func TestTokenizeASCII(t *testing.T) {
	tokens := Tokenize("Use URLSession.shared for HTTP-requests (v2)")
	want := map[string]bool{"use": true, "urlsession": true, "shared": true, "for": true, "http": true, "requests": true, "v2": true}
	if len(tokens) != len(want) {
		t.Fatalf("expected %d tokens, got %v", len(want), tokens)
	}
	for _, tok := range tokens {
		if !want[tok] {
			t.Errorf("unexpected token %q", tok)
		}
	}
}

func TestTokenizeCJKBigrams(t *testing.T) {
	tokens := Tokenize("单例模式")
	// 4 unigrams + 3 bigrams
	if len(tokens) != 7 {
		t.Fatalf("expected 7 tokens, got %v", tokens)
	}
	set := make(map[string]bool)
	for _, tok := range tokens {
		set[tok] = true
	}
	for _, want := range []string{"单", "例", "模", "式", "单例", "例模", "模式"} {
		if !set[want] {
			t.Errorf("missing token %q", want)
		}
	}
}

func TestTokenizeMixed(t *testing.T) {
	tokens := Tokenize("Swift中的async模式")
	set := make(map[string]bool)
	for _, tok := range tokens {
		set[tok] = true
	}
	for _, want := range []string{"swift", "async", "中", "的", "中的", "模式"} {
		if !set[want] {
			t.Errorf("missing token %q in %v", want, tokens)
		}
	}
}

func TestChunkTextShort(t *testing.T) {
	chunks := ChunkText("short text")
	if len(chunks) != 1 || chunks[0] != "short text" {
		t.Errorf("short text should be a single chunk: %v", chunks)
	}
	if ChunkText("   ") != nil {
		t.Error("blank text should produce no chunks")
	}
}

func TestChunkTextSplitsLongText(t *testing.T) {
	var long []byte
	for i := 0; i < 200; i++ {
		long = append(long, []byte("This is a sentence about dependency injection. ")...)
	}
	chunks := ChunkText(string(long))
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > chunkSize {
			t.Errorf("chunk %d exceeds target size: %d", i, len(c))
		}
		if !utf8.ValidString(c) {
			t.Errorf("chunk %d is not valid UTF-8", i)
		}
	}
}

func TestChunkTextCJKRuneSafety(t *testing.T) {
	var long []rune
	for i := 0; i < 1200; i++ {
		long = append(long, '知', '识')
	}
	for _, c := range ChunkText(string(long)) {
		if !utf8.ValidString(c) {
			t.Fatal("chunk split a multibyte rune")
		}
	}
}

// fakeEngine produces deterministic vectors, optionally failing.
type fakeEngine struct {
	fail  bool
	calls int
}

func (e *fakeEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *fakeEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.calls++
	if e.fail {
		return nil, types.E(types.CodeProviderUnavailable, "fake engine down")
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = []float32{float32(len(text)), 1, 0}
	}
	return out, nil
}

func (e *fakeEngine) Dimensions() int { return 3 }
func (e *fakeEngine) Name() string    { return "fake" }

func seedRecipe(t *testing.T, s *store.Store, id, title string) *types.Recipe {
	t.Helper()
	r := types.NewRecipe(id, title, "swift", "Networking", types.KTCodePattern)
	r.Content.Pattern = "let session = URLSession.shared"
	r.Status = types.RecipeActive
	if err := s.Recipes().Create(context.Background(), r); err != nil {
		t.Fatalf("seed recipe %s: %v", id, err)
	}
	return r
}

func countRows(t *testing.T, s *store.Store, table string) int {
	t.Helper()
	var n int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func TestIndexerRunIncremental(t *testing.T) {
	s, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	seedRecipe(t, s, "r1", "URLSession basics")
	seedRecipe(t, s, "r2", "Keychain wrapper")

	ix := New(s, &fakeEngine{})
	report, err := ix.Run(ctx, Options{})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if report.Indexed != 2 || report.Skipped != 0 {
		t.Errorf("first run: %+v", report)
	}
	if countRows(t, s, "semantic_chunks") == 0 {
		t.Error("no semantic chunks written")
	}
	if countRows(t, s, "keyword_terms") == 0 {
		t.Error("no keyword terms written")
	}

	// Second run with nothing changed skips everything.
	report, err = ix.Run(ctx, Options{})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report.Indexed != 0 || report.Skipped != 2 {
		t.Errorf("second run should skip all: %+v", report)
	}

	// Touch one recipe; only it reindexes.
	r1, _ := s.Recipes().Get(ctx, "r1")
	r1.Description = "now with retries"
	r1.UpdatedAt = r1.UpdatedAt.Add(1)
	if err := s.Recipes().Update(ctx, r1); err != nil {
		t.Fatalf("update: %v", err)
	}
	report, err = ix.Run(ctx, Options{})
	if err != nil {
		t.Fatalf("third run: %v", err)
	}
	if report.Indexed != 1 || report.Skipped != 1 {
		t.Errorf("third run: %+v", report)
	}
}

func TestIndexerRemovesDeletedEntities(t *testing.T) {
	s, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	seedRecipe(t, s, "r1", "Kept")
	seedRecipe(t, s, "r2", "Doomed")

	ix := New(s, &fakeEngine{})
	if _, err := ix.Run(ctx, Options{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := s.Recipes().Delete(ctx, "r2"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	report, err := ix.Run(ctx, Options{})
	if err != nil {
		t.Fatalf("run after delete: %v", err)
	}
	if report.Removed != 1 {
		t.Errorf("expected 1 removed, got %+v", report)
	}
	var n int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM keyword_docs WHERE entity_id = 'r2'`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Error("index rows for deleted entity survived")
	}
}

func TestIndexerCoversReviewCandidates(t *testing.T) {
	s, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	cand := types.NewCandidate("c1", "func retry() {}", "swift", types.SourceManual, "dev")
	if err := s.Candidates().Create(ctx, cand); err != nil {
		t.Fatalf("create candidate: %v", err)
	}

	ix := New(s, nil)
	report, err := ix.Run(ctx, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Indexed != 1 {
		t.Errorf("pending candidate not indexed: %+v", report)
	}
	var n int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM keyword_docs WHERE entity_type = 'candidate'`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("keyword_docs candidate rows = %d, want 1", n)
	}

	// A rejected candidate drops out on the next run.
	if err := cand.Transition(types.CandidateRejected, "reviewer", "duplicate"); err != nil {
		t.Fatal(err)
	}
	if err := s.Candidates().Update(ctx, cand); err != nil {
		t.Fatal(err)
	}
	report, err = ix.Run(ctx, Options{})
	if err != nil {
		t.Fatalf("run after reject: %v", err)
	}
	if report.Removed != 1 {
		t.Errorf("expected rejected candidate removed, got %+v", report)
	}
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM keyword_docs WHERE entity_type = 'candidate'`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Error("index rows for rejected candidate survived")
	}
}

func TestIndexerEmbeddingFailureIsNonFatal(t *testing.T) {
	s, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	seedRecipe(t, s, "r1", "Offline recipe")

	engine := &fakeEngine{fail: true}
	ix := New(s, engine)
	report, err := ix.Run(ctx, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Indexed != 1 || report.EmbedFailed != 1 {
		t.Errorf("expected indexed with embed failure: %+v", report)
	}
	// Keyword index still built.
	if countRows(t, s, "keyword_terms") == 0 {
		t.Error("keyword index missing after embed failure")
	}
	if countRows(t, s, "semantic_chunks") != 0 {
		t.Error("semantic chunks should be empty after embed failure")
	}

	// With the engine healthy again, the failed entity retries even though
	// updated_at did not change.
	engine.fail = false
	report, err = ix.Run(ctx, Options{})
	if err != nil {
		t.Fatalf("retry run: %v", err)
	}
	if report.Indexed != 1 || report.EmbedFailed != 0 {
		t.Errorf("expected retry to succeed: %+v", report)
	}
	if countRows(t, s, "semantic_chunks") == 0 {
		t.Error("semantic chunks missing after retry")
	}
}

func TestIndexerClearRebuilds(t *testing.T) {
	s, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	seedRecipe(t, s, "r1", "Rebuild target")
	ix := New(s, &fakeEngine{})
	if _, err := ix.Run(ctx, Options{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	report, err := ix.Run(ctx, Options{Clear: true})
	if err != nil {
		t.Fatalf("clear run: %v", err)
	}
	if report.Indexed != 1 || report.Skipped != 0 {
		t.Errorf("clear run should reindex everything: %+v", report)
	}
}
