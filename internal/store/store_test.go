package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"autosnippet/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory()
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func activeRecipe(id, title string) *types.Recipe {
	r := types.NewRecipe(id, title, "swift", "Networking", types.KTCodePattern)
	r.Content.Pattern = "let session = URLSession.shared"
	r.Status = types.RecipeActive
	return r
}

func TestMigrationsApplyOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DBFileName)

	s, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	v1, err := s.SchemaVersion()
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if v1 != migrations[len(migrations)-1].Version {
		t.Errorf("expected version %d, got %d", migrations[len(migrations)-1].Version, v1)
	}
	s.Close()

	// Re-opening must not replay anything.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()
	v2, err := s2.SchemaVersion()
	if err != nil {
		t.Fatalf("schema version after reopen: %v", err)
	}
	if v2 != v1 {
		t.Errorf("version changed across reopen: %d -> %d", v1, v2)
	}
}

func TestRecipeCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := s.Recipes()

	r := activeRecipe("r1", "URLSession basics")
	r.Tags = []string{"networking", "http"}
	r.Trigger = "@urlsession"
	r.Relations = types.Relations{"related": {{Target: "r2"}}}

	if err := repo.Create(ctx, r); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.Create(ctx, r); types.CodeOf(err) != types.CodeConflict {
		t.Errorf("duplicate create should conflict, got %v", err)
	}

	got, err := repo.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != r.Title || got.Trigger != "@urlsession" || len(got.Tags) != 2 {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.Content.Pattern != r.Content.Pattern {
		t.Errorf("content lost: %+v", got.Content)
	}
	if len(got.Relations["related"]) != 1 {
		t.Errorf("relations lost: %+v", got.Relations)
	}

	got.Description = "updated"
	if err := repo.Update(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	got2, _ := repo.Get(ctx, "r1")
	if got2.Description != "updated" {
		t.Errorf("update not persisted: %q", got2.Description)
	}

	if _, err := repo.Get(ctx, "missing"); types.CodeOf(err) != types.CodeNotFound {
		t.Errorf("expected NotFound, got %v", err)
	}
	if err := repo.Delete(ctx, "r1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := repo.Delete(ctx, "r1"); types.CodeOf(err) != types.CodeNotFound {
		t.Errorf("double delete should be NotFound, got %v", err)
	}
}

func TestRecipeSearchEscapesLike(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := s.Recipes()

	r1 := activeRecipe("r1", "Handles 100% of cases")
	r2 := activeRecipe("r2", "Partial coverage")
	if err := repo.Create(ctx, r1); err != nil {
		t.Fatalf("create r1: %v", err)
	}
	if err := repo.Create(ctx, r2); err != nil {
		t.Fatalf("create r2: %v", err)
	}

	// A literal percent sign must not act as a wildcard.
	page, err := repo.Search(ctx, "100%", RecipeFilter{}, 1, 20)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(page.Data) != 1 || page.Data[0].ID != "r1" {
		t.Errorf("expected exactly r1, got %d results", len(page.Data))
	}

	// Underscores likewise.
	page, err = repo.Search(ctx, "zz_zz", RecipeFilter{}, 1, 20)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(page.Data) != 0 {
		t.Errorf("underscore should be literal, got %d results", len(page.Data))
	}
}

func TestRecipeListByFieldRejectsBadIdentifiers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := s.Recipes()

	for _, field := range []string{"status; DROP TABLE recipes", "1column", "no-dash", ""} {
		_, err := repo.ListByField(ctx, field, "active", 1, 20)
		if types.CodeOf(err) != types.CodeInvalidIdentifier {
			t.Errorf("field %q: expected InvalidIdentifier, got %v", field, err)
		}
	}

	// Grammar-valid but nonexistent columns are rejected by the live schema.
	if _, err := repo.ListByField(ctx, "not_a_column", "x", 1, 20); types.CodeOf(err) != types.CodeInvalidIdentifier {
		t.Errorf("expected InvalidIdentifier for unknown column, got %v", err)
	}

	// The quoted keyword column works.
	if _, err := repo.ListByField(ctx, "trigger", "@x", 1, 20); err != nil {
		t.Errorf("trigger column should be queryable: %v", err)
	}
}

func TestRecipeRecommendationsOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := s.Recipes()

	low := activeRecipe("low", "Low quality")
	low.Quality.Overall = 0.2

	high := activeRecipe("high", "High quality")
	high.Quality.Overall = 0.9
	high.Statistics.AdoptionCount = 50
	high.Statistics.ApplicationCount = 200 // clamps to 1.0

	draft := types.NewRecipe("draft", "Not yet published", "swift", "Utility", types.KTSolution)

	for _, r := range []*types.Recipe{low, high, draft} {
		if err := repo.Create(ctx, r); err != nil {
			t.Fatalf("create %s: %v", r.ID, err)
		}
	}

	recs, err := repo.Recommendations(ctx, 10)
	if err != nil {
		t.Fatalf("recommendations: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("drafts must be excluded, got %d results", len(recs))
	}
	if recs[0].ID != "high" || recs[1].ID != "low" {
		t.Errorf("wrong order: %s, %s", recs[0].ID, recs[1].ID)
	}
}

func TestRecipeFindWithGuards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := s.Recipes()

	guarded := activeRecipe("g1", "No force unwrap")
	guarded.Constraints.Guards = []types.GuardRule{{Pattern: `!\s*$`, Severity: "error", Message: "no force unwrap"}}
	plain := activeRecipe("p1", "Plain recipe")

	if err := repo.Create(ctx, guarded); err != nil {
		t.Fatalf("create guarded: %v", err)
	}
	if err := repo.Create(ctx, plain); err != nil {
		t.Fatalf("create plain: %v", err)
	}

	got, err := repo.FindWithGuards(ctx)
	if err != nil {
		t.Fatalf("find with guards: %v", err)
	}
	if len(got) != 1 || got[0].ID != "g1" {
		t.Errorf("expected only g1, got %d results", len(got))
	}
}

func TestCandidatePersistenceRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := s.Candidates()

	c := types.NewCandidate("c1", "struct Point {}", "swift", types.SourceMCP, "agent")
	c.Reasoning = &types.Reasoning{Summary: "recurring shape", Confidence: 0.8}
	if err := repo.Create(ctx, c); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := c.Transition(types.CandidateApproved, "reviewer", "good"); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := repo.Update(ctx, c); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := repo.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.CandidateApproved || got.ApprovedBy != "reviewer" {
		t.Errorf("approval not persisted: %+v", got)
	}
	if got.ApprovedAt == nil {
		t.Error("approved_at not persisted")
	}
	if len(got.StatusHistory) != 1 || got.StatusHistory[0].To != types.CandidateApproved {
		t.Errorf("history not persisted: %+v", got.StatusHistory)
	}
	if got.Reasoning == nil || got.Reasoning.Confidence != 0.8 {
		t.Errorf("reasoning not persisted: %+v", got.Reasoning)
	}

	page, err := repo.List(ctx, CandidateFilter{Status: types.CandidateApproved}, 1, 20)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 1 {
		t.Errorf("expected 1 approved candidate, got %d", page.Total)
	}
}

func TestCandidateFindByCreatedBy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := s.Candidates()

	for i, creator := range []string{"agent", "agent", "dev"} {
		c := types.NewCandidate(fmt.Sprintf("c%d", i), "let x = 1", "swift", types.SourceMCP, creator)
		if err := repo.Create(ctx, c); err != nil {
			t.Fatalf("create c%d: %v", i, err)
		}
	}

	page, err := repo.FindByCreatedBy(ctx, "agent", 1, 20)
	if err != nil {
		t.Fatalf("find by creator: %v", err)
	}
	if page.Total != 2 {
		t.Errorf("expected 2 candidates by agent, got %d", page.Total)
	}
	for _, c := range page.Data {
		if c.CreatedBy != "agent" {
			t.Errorf("foreign candidate %s leaked in", c.ID)
		}
	}
}

func TestCandidateSearchEscapesLike(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := s.Candidates()

	hit := types.NewCandidate("hit", "retry(backoff: 100%)", "swift", types.SourceManual, "dev")
	hit.Reasoning = &types.Reasoning{Summary: "retry helper"}
	miss := types.NewCandidate("miss", "struct Point {}", "swift", types.SourceManual, "dev")
	for _, c := range []*types.Candidate{hit, miss} {
		if err := repo.Create(ctx, c); err != nil {
			t.Fatalf("create %s: %v", c.ID, err)
		}
	}

	// Code and reasoning both match.
	page, err := repo.Search(ctx, "retry", 1, 20)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if page.Total != 1 || page.Data[0].ID != "hit" {
		t.Errorf("expected only hit, got %+v", page.Data)
	}

	// A literal percent sign must not act as a wildcard.
	page, err = repo.Search(ctx, "100%", 1, 20)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if page.Total != 1 || page.Data[0].ID != "hit" {
		t.Errorf("percent should be literal, got %+v", page.Data)
	}
	page, err = repo.Search(ctx, "zz_zz", 1, 20)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if page.Total != 0 {
		t.Errorf("underscore should be literal, got %d results", page.Total)
	}

	// Empty query behaves like List.
	page, err = repo.Search(ctx, "  ", 1, 20)
	if err != nil {
		t.Fatalf("empty search: %v", err)
	}
	if page.Total != 2 {
		t.Errorf("empty query should list all, got %d", page.Total)
	}
}

func TestEdgeAddIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := s.Edges()

	e := &types.KnowledgeEdge{
		FromID: "r1", FromType: types.EntityRecipe,
		ToID: "r2", ToType: types.EntityRecipe,
		Relation: types.RelDependsOn,
	}
	if err := repo.Add(ctx, e); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := repo.Add(ctx, e); err != nil {
		t.Fatalf("re-add: %v", err)
	}

	out, err := repo.From(ctx, "r1")
	if err != nil {
		t.Fatalf("from: %v", err)
	}
	if len(out) != 1 {
		t.Errorf("duplicate edge stored: %d rows", len(out))
	}

	// Relation filter.
	if err := repo.Add(ctx, &types.KnowledgeEdge{
		FromID: "r1", FromType: types.EntityRecipe,
		ToID: "r3", ToType: types.EntityRecipe,
		Relation: types.RelRelated,
	}); err != nil {
		t.Fatalf("add second: %v", err)
	}
	deps, err := repo.From(ctx, "r1", types.DependencyRelations...)
	if err != nil {
		t.Fatalf("from with relations: %v", err)
	}
	if len(deps) != 1 || deps[0].Relation != types.RelDependsOn {
		t.Errorf("relation filter failed: %+v", deps)
	}

	incoming, err := repo.To(ctx, "r2")
	if err != nil {
		t.Fatalf("to: %v", err)
	}
	if len(incoming) != 1 || incoming[0].FromID != "r1" {
		t.Errorf("reverse lookup failed: %+v", incoming)
	}
}

func TestRelationsBackfillExactMatchOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := s.Recipes()

	a := activeRecipe("recipe-a", "A")
	a.Relations = types.Relations{
		"dependsOn": {{Target: "recipe-b"}},            // existing id -> edge
		"related":   {{Target: "Some free-text note"}}, // not an id -> no edge
	}
	b := activeRecipe("recipe-b", "B")
	if err := repo.Create(ctx, a); err != nil {
		t.Fatalf("create a: %v", err)
	}
	if err := repo.Create(ctx, b); err != nil {
		t.Fatalf("create b: %v", err)
	}

	// Replay the backfill against the populated database; it is idempotent.
	tx, err := s.db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := migrateKnowledgeEdges(tx); err != nil {
		tx.Rollback()
		t.Fatalf("backfill: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	edges, err := s.Edges().From(ctx, "recipe-a")
	if err != nil {
		t.Fatalf("edges: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("expected 1 backfilled edge, got %d", len(edges))
	}
	if edges[0].ToID != "recipe-b" || edges[0].Relation != types.RelDependsOn {
		t.Errorf("wrong edge: %+v", edges[0])
	}
}

func TestAuditAppendAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := s.Audit()

	if err := repo.Append(ctx, &types.AuditLog{
		ID: "a1", Actor: "human:dev", Action: "create:recipe", Resource: "r1",
		Result: types.AuditAllow, Duration: 12 * time.Millisecond,
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := repo.Append(ctx, &types.AuditLog{
		ID: "a2", Actor: "ai:agent", Action: "delete:recipe", Resource: "r1",
		Result: types.AuditDeny, ErrorMessage: "PermissionDenied",
	}); err != nil {
		t.Fatalf("append deny: %v", err)
	}

	page, err := repo.List(ctx, AuditFilter{Result: types.AuditDeny}, 1, 20)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 1 || page.Data[0].Actor != "ai:agent" {
		t.Errorf("deny filter failed: %+v", page)
	}

	counts, err := repo.CountByResult(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[types.AuditAllow] != 1 || counts[types.AuditDeny] != 1 {
		t.Errorf("wrong counts: %v", counts)
	}
}

func TestSessionExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := s.Sessions()

	stale := &types.Session{ID: "old", Actor: "ai:agent"}
	stale.CreatedAt = timeNow().Add(-3 * time.Hour)
	stale.LastActiveAt = stale.CreatedAt
	fresh := &types.Session{ID: "new", Actor: "human:dev"}

	if err := repo.Create(ctx, stale); err != nil {
		t.Fatalf("create stale: %v", err)
	}
	if err := repo.Create(ctx, fresh); err != nil {
		t.Fatalf("create fresh: %v", err)
	}

	n, err := repo.ExpireStale(ctx, time.Hour)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 expired session, got %d", n)
	}

	active, err := repo.ListActive(ctx, 10)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 || active[0].ID != "new" {
		t.Errorf("wrong active set: %+v", active)
	}

	// Touching an expired session reports NotFound.
	if err := repo.Touch(ctx, "old"); types.CodeOf(err) != types.CodeNotFound {
		t.Errorf("touch on expired session should be NotFound, got %v", err)
	}
}

func TestViolationHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := s.Violations()

	v := &types.GuardViolation{
		ID: "v1", FilePath: "Sources/App/Login.swift", ViolationCount: 2,
		Violations: []types.ViolationDetail{
			{Pattern: "force unwrap", Severity: "error", Line: 10},
			{Pattern: "print(", Severity: "warning", Line: 42},
		},
	}
	if err := repo.Record(ctx, v); err != nil {
		t.Fatalf("record: %v", err)
	}

	page, err := repo.ListByFile(ctx, "Sources/App/Login.swift", 1, 20)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 1 || len(page.Data[0].Violations) != 2 {
		t.Errorf("violation detail lost: %+v", page.Data)
	}
}

func TestVectorBlobRoundTrip(t *testing.T) {
	in := []float32{0.1, -0.5, 3.25, 0}
	out, err := DecodeVector(EncodeVector(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("length mismatch: %d vs %d", len(out), len(in))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("element %d: %f != %f", i, in[i], out[i])
		}
	}
	if _, err := DecodeVector([]byte{1, 2, 3}); types.CodeOf(err) != types.CodeSchema {
		t.Errorf("truncated blob should be SchemaError, got %v", err)
	}
}
