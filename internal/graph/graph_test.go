package graph

import (
	"context"
	"testing"

	"autosnippet/internal/store"
	"autosnippet/internal/types"
)

func newTestGraph(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	s, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s), s
}

func edge(from, to, relation string) *types.KnowledgeEdge {
	return &types.KnowledgeEdge{
		FromID:   from,
		FromType: types.EntityRecipe,
		ToID:     to,
		ToType:   types.EntityRecipe,
		Relation: relation,
	}
}

func TestAddEdgeValidation(t *testing.T) {
	g, _ := newTestGraph(t)
	ctx := context.Background()

	bad := edge("a", "b", types.RelRelated)
	bad.FromType = "galaxy"
	if err := g.AddEdge(ctx, bad); !types.IsCode(err, types.CodeValidation) {
		t.Errorf("unknown entity type should fail validation, got %v", err)
	}
	if err := g.AddEdge(ctx, edge("a", "a", types.RelRelated)); !types.IsCode(err, types.CodeValidation) {
		t.Errorf("self edge should fail validation, got %v", err)
	}
	if err := g.AddEdge(ctx, edge("a", "b", types.RelRelated)); err != nil {
		t.Fatalf("valid edge rejected: %v", err)
	}
	// Idempotent re-add.
	if err := g.AddEdge(ctx, edge("a", "b", types.RelRelated)); err != nil {
		t.Fatalf("re-add should be a no-op: %v", err)
	}
}

func TestDependencyQueries(t *testing.T) {
	g, _ := newTestGraph(t)
	ctx := context.Background()

	for _, e := range []*types.KnowledgeEdge{
		edge("app", "net", types.RelDependsOn),
		edge("app", "db", types.RelRequires),
		edge("net", "tls", types.RelDependsOn),
		edge("app", "legacy", types.RelRelated), // not a dependency
	} {
		if err := g.AddEdge(ctx, e); err != nil {
			t.Fatalf("add edge: %v", err)
		}
	}

	deps, err := g.Dependencies(ctx, "app")
	if err != nil {
		t.Fatalf("dependencies: %v", err)
	}
	if len(deps) != 2 {
		t.Errorf("app should have 2 dependencies, got %d", len(deps))
	}

	users, err := g.UsedBy(ctx, "net")
	if err != nil {
		t.Fatalf("usedBy: %v", err)
	}
	if len(users) != 1 || users[0].FromID != "app" {
		t.Errorf("net should be used by app, got %+v", users)
	}
}

func wedge(from, to, relation string, weight float64) *types.KnowledgeEdge {
	e := edge(from, to, relation)
	e.Weight = weight
	return e
}

func TestRelatedWeightedNeighborhood(t *testing.T) {
	g, _ := newTestGraph(t)
	ctx := context.Background()

	for _, e := range []*types.KnowledgeEdge{
		wedge("a", "b", types.RelRelated, 0.3),
		wedge("b", "a", types.RelExtends, 0.9), // same neighbor, stronger reverse edge
		wedge("a", "c", types.RelDependsOn, 0.5),
		wedge("a", "d", types.RelCalls, 0.5),
		edge("x", "d", types.RelReferences),
		edge("y", "d", types.RelReferences),
	} {
		if err := g.AddEdge(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	// d picks up more rank than c, breaking their weight tie.
	if _, err := g.ComputePageRank(ctx); err != nil {
		t.Fatalf("pagerank: %v", err)
	}

	ids, err := g.Related(ctx, "a", 0)
	if err != nil {
		t.Fatalf("related: %v", err)
	}
	want := []string{"b", "d", "c"}
	if len(ids) != len(want) {
		t.Fatalf("related(a) = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("related(a) = %v, want %v", ids, want)
		}
	}

	capped, err := g.Related(ctx, "a", 2)
	if err != nil {
		t.Fatalf("related capped: %v", err)
	}
	if len(capped) != 2 || capped[0] != "b" || capped[1] != "d" {
		t.Errorf("related(a, 2) = %v, want [b d]", capped)
	}
}

func TestNeighborsDirectionAndRelation(t *testing.T) {
	g, _ := newTestGraph(t)
	ctx := context.Background()

	if err := g.AddEdge(ctx, edge("a", "b", types.RelDependsOn)); err != nil {
		t.Fatal(err)
	}
	if err := g.AddEdge(ctx, edge("c", "a", types.RelRelated)); err != nil {
		t.Fatal(err)
	}

	both, err := g.Neighbors(ctx, "a", NeighborOptions{})
	if err != nil {
		t.Fatalf("neighbors: %v", err)
	}
	if len(both) != 2 {
		t.Errorf("both directions should yield 2 edges, got %d", len(both))
	}

	out, err := g.Neighbors(ctx, "a", NeighborOptions{Direction: DirectionOut})
	if err != nil {
		t.Fatalf("neighbors out: %v", err)
	}
	if len(out) != 1 || out[0].ToID != "b" {
		t.Errorf("outgoing = %+v, want one edge to b", out)
	}

	in, err := g.Neighbors(ctx, "a", NeighborOptions{Direction: DirectionIn, Relations: []string{types.RelRelated}})
	if err != nil {
		t.Fatalf("neighbors in: %v", err)
	}
	if len(in) != 1 || in[0].FromID != "c" {
		t.Errorf("incoming related = %+v, want one edge from c", in)
	}

	if _, err := g.Neighbors(ctx, "a", NeighborOptions{Direction: "sideways"}); !types.IsCode(err, types.CodeValidation) {
		t.Errorf("bad direction should fail validation, got %v", err)
	}
}

func TestDetectCycles(t *testing.T) {
	g, _ := newTestGraph(t)
	ctx := context.Background()

	// a -> b -> c -> a is a cycle; d -> a is not part of it.
	for _, e := range []*types.KnowledgeEdge{
		edge("a", "b", types.RelDependsOn),
		edge("b", "c", types.RelRequires),
		edge("c", "a", types.RelPrerequisite),
		edge("d", "a", types.RelDependsOn),
		edge("x", "y", types.RelRelated), // non-dependency relations never cycle
		edge("y", "x", types.RelRelated),
	} {
		if err := g.AddEdge(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	cycles, err := g.DetectCycles(ctx)
	if err != nil {
		t.Fatalf("detect cycles: %v", err)
	}
	if len(cycles) != 1 {
		t.Fatalf("expected 1 cycle, got %d: %+v", len(cycles), cycles)
	}
	want := []string{"a", "b", "c"}
	got := cycles[0].Members
	if len(got) != len(want) {
		t.Fatalf("cycle members = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("cycle members = %v, want %v", got, want)
			break
		}
	}
}

func TestDetectSelfLoop(t *testing.T) {
	g, s := newTestGraph(t)
	ctx := context.Background()

	// AddEdge blocks self edges; insert directly to simulate legacy data.
	if err := s.Edges().Add(ctx, edge("solo", "solo", types.RelDependsOn)); err != nil {
		t.Fatal(err)
	}
	cycles, err := g.DetectCycles(ctx)
	if err != nil {
		t.Fatalf("detect cycles: %v", err)
	}
	if len(cycles) != 1 || len(cycles[0].Members) != 1 || cycles[0].Members[0] != "solo" {
		t.Errorf("self loop not detected: %+v", cycles)
	}
}

func TestComputePageRank(t *testing.T) {
	g, s := newTestGraph(t)
	ctx := context.Background()

	// hub receives edges from everything, so it must rank highest.
	for _, e := range []*types.KnowledgeEdge{
		edge("a", "hub", types.RelReferences),
		edge("b", "hub", types.RelReferences),
		edge("c", "hub", types.RelReferences),
		edge("hub", "a", types.RelRelated),
	} {
		if err := g.AddEdge(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	ranks, err := g.ComputePageRank(ctx)
	if err != nil {
		t.Fatalf("pagerank: %v", err)
	}
	if len(ranks) != 4 {
		t.Fatalf("expected 4 ranked nodes, got %d", len(ranks))
	}
	for node, rank := range ranks {
		if node == "hub" {
			continue
		}
		if ranks["hub"] <= rank {
			t.Errorf("hub (%f) should outrank %s (%f)", ranks["hub"], node, rank)
		}
	}

	// Persisted through the store.
	stored, err := s.Edges().PageRank(ctx, "hub")
	if err != nil {
		t.Fatalf("read pagerank: %v", err)
	}
	if stored != ranks["hub"] {
		t.Errorf("persisted rank %f differs from computed %f", stored, ranks["hub"])
	}
}

func TestComputePageRankEmptyGraph(t *testing.T) {
	g, _ := newTestGraph(t)
	ranks, err := g.ComputePageRank(context.Background())
	if err != nil {
		t.Fatalf("pagerank on empty graph: %v", err)
	}
	if len(ranks) != 0 {
		t.Errorf("empty graph should produce no ranks, got %d", len(ranks))
	}
}

func TestSyncRecipeRelationsExactMatchOnly(t *testing.T) {
	g, s := newTestGraph(t)
	ctx := context.Background()

	for _, id := range []string{"main", "helper"} {
		r := types.NewRecipe(id, "Recipe "+id, "swift", "Networking", types.KTCodePattern)
		r.Status = types.RecipeActive
		if err := s.Recipes().Create(ctx, r); err != nil {
			t.Fatalf("create recipe: %v", err)
		}
	}

	main, err := s.Recipes().Get(ctx, "main")
	if err != nil {
		t.Fatal(err)
	}
	main.Relations = types.Relations{
		"dependsOn": {{Target: "helper"}, {Target: "URLSession"}}, // second is a free-form concept
		"related":   {{Target: "helper"}},
	}
	if err := g.SyncRecipeRelations(ctx, main); err != nil {
		t.Fatalf("sync relations: %v", err)
	}

	out, err := s.Edges().From(ctx, "main")
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 edges (exact matches only), got %d", len(out))
	}
	for _, e := range out {
		if e.ToID != "helper" {
			t.Errorf("edge points at %q, want helper", e.ToID)
		}
		if e.Relation != types.RelDependsOn && e.Relation != types.RelRelated {
			t.Errorf("unexpected relation %q", e.Relation)
		}
	}

	// Re-sync replaces rather than accumulates.
	main.Relations = types.Relations{"related": {{Target: "helper"}}}
	if err := g.SyncRecipeRelations(ctx, main); err != nil {
		t.Fatal(err)
	}
	out, err = s.Edges().From(ctx, "main")
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].Relation != types.RelRelated {
		t.Errorf("re-sync should leave one related edge, got %+v", out)
	}
}

func TestRelationForGroup(t *testing.T) {
	cases := map[string]string{
		"dependsOn":    types.RelDependsOn,
		"dataFlow":     types.RelDataFlowTo,
		"deprecatedBy": types.RelDeprecatedBy,
		"related":      types.RelRelated,
		"custom_group": "custom_group",
	}
	for group, want := range cases {
		if got := RelationForGroup(group); got != want {
			t.Errorf("RelationForGroup(%q) = %q, want %q", group, got, want)
		}
	}
}
