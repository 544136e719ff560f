// Package graph serves the typed knowledge graph: neighbor queries,
// dependency cycle detection, and PageRank-based authority.
package graph

import (
	"context"
	"sort"

	"autosnippet/internal/logging"
	"autosnippet/internal/store"
	"autosnippet/internal/types"
)

// Service wraps graph operations over the edge repository.
type Service struct {
	store *store.Store
}

// New builds a graph service.
func New(s *store.Store) *Service {
	return &Service{store: s}
}

// AddEdge validates endpoints and inserts one edge. Both endpoints must be
// known entity types; re-adding is a no-op.
func (g *Service) AddEdge(ctx context.Context, e *types.KnowledgeEdge) error {
	if !validEntityType(e.FromType) || !validEntityType(e.ToType) {
		return types.E(types.CodeValidation, "unknown entity type %q/%q", e.FromType, e.ToType)
	}
	if e.FromID == e.ToID && e.FromType == e.ToType {
		return types.E(types.CodeValidation, "self edges are not allowed")
	}
	return g.store.Edges().Add(ctx, e)
}

// RemoveEdge deletes one edge tuple.
func (g *Service) RemoveEdge(ctx context.Context, fromID, toID, relation string) error {
	return g.store.Edges().Remove(ctx, fromID, toID, relation)
}

// Traversal directions for Neighbors.
const (
	DirectionOut  = "out"
	DirectionIn   = "in"
	DirectionBoth = "both"
)

// NeighborOptions narrows a Neighbors query. The zero value means both
// directions over every relation.
type NeighborOptions struct {
	Direction string
	Relations []string
}

// Neighbors returns the edges touching an entity, outgoing first.
func (g *Service) Neighbors(ctx context.Context, id string, opts NeighborOptions) ([]*types.KnowledgeEdge, error) {
	dir := opts.Direction
	if dir == "" {
		dir = DirectionBoth
	}
	var edges []*types.KnowledgeEdge
	switch dir {
	case DirectionOut, DirectionIn, DirectionBoth:
	default:
		return nil, types.E(types.CodeValidation, "unknown direction %q", dir)
	}
	if dir == DirectionOut || dir == DirectionBoth {
		out, err := g.store.Edges().From(ctx, id, opts.Relations...)
		if err != nil {
			return nil, err
		}
		edges = append(edges, out...)
	}
	if dir == DirectionIn || dir == DirectionBoth {
		in, err := g.store.Edges().To(ctx, id, opts.Relations...)
		if err != nil {
			return nil, err
		}
		edges = append(edges, in...)
	}
	return edges, nil
}

// Dependencies returns what the entity depends on (outgoing dependency
// relations).
func (g *Service) Dependencies(ctx context.Context, id string) ([]*types.KnowledgeEdge, error) {
	return g.store.Edges().From(ctx, id, types.DependencyRelations...)
}

// UsedBy returns what depends on the entity (incoming dependency relations).
func (g *Service) UsedBy(ctx context.Context, id string) ([]*types.KnowledgeEdge, error) {
	return g.store.Edges().To(ctx, id, types.DependencyRelations...)
}

// Alternatives returns alternative edges in both directions, deduped.
func (g *Service) Alternatives(ctx context.Context, id string) ([]string, error) {
	return g.bidirectional(ctx, id, types.RelAlternative)
}

// defaultRelatedLimit caps Related when the caller passes no limit.
const defaultRelatedLimit = 10

// Related returns the weighted neighborhood of an entity across every
// relation. Each neighbor keeps the strongest edge weight seen in either
// direction; ordering is edge weight, then stored PageRank, then id.
func (g *Service) Related(ctx context.Context, id string, maxResults int) ([]string, error) {
	if maxResults <= 0 {
		maxResults = defaultRelatedLimit
	}
	out, err := g.store.Edges().From(ctx, id)
	if err != nil {
		return nil, err
	}
	in, err := g.store.Edges().To(ctx, id)
	if err != nil {
		return nil, err
	}

	weight := make(map[string]float64)
	record := func(neighbor string, w float64) {
		if neighbor == id {
			return
		}
		if cur, ok := weight[neighbor]; !ok || w > cur {
			weight[neighbor] = w
		}
	}
	for _, e := range out {
		record(e.ToID, e.Weight)
	}
	for _, e := range in {
		record(e.FromID, e.Weight)
	}

	ranks, err := g.store.Edges().AllPageRanks(ctx)
	if err != nil {
		logging.Graph("pagerank unavailable for related ordering: %v", err)
		ranks = nil
	}

	ids := make([]string, 0, len(weight))
	for neighbor := range weight {
		ids = append(ids, neighbor)
	}
	sort.Slice(ids, func(i, j int) bool {
		if weight[ids[i]] != weight[ids[j]] {
			return weight[ids[i]] > weight[ids[j]]
		}
		if ranks[ids[i]] != ranks[ids[j]] {
			return ranks[ids[i]] > ranks[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if len(ids) > maxResults {
		ids = ids[:maxResults]
	}
	return ids, nil
}

func (g *Service) bidirectional(ctx context.Context, id, relation string) ([]string, error) {
	out, err := g.store.Edges().From(ctx, id, relation)
	if err != nil {
		return nil, err
	}
	in, err := g.store.Edges().To(ctx, id, relation)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var ids []string
	for _, e := range out {
		if !seen[e.ToID] {
			seen[e.ToID] = true
			ids = append(ids, e.ToID)
		}
	}
	for _, e := range in {
		if !seen[e.FromID] {
			seen[e.FromID] = true
			ids = append(ids, e.FromID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func validEntityType(t string) bool {
	switch t {
	case types.EntityRecipe, types.EntityCandidate, types.EntitySnippet:
		return true
	}
	return false
}

// =============================================================================
// CYCLE DETECTION (Tarjan SCC)
// =============================================================================

// Cycle is one strongly connected component with more than one member, or a
// self loop, over dependency relations.
type Cycle struct {
	Members []string `json:"members"`
}

// DetectCycles finds dependency cycles across the whole graph.
func (g *Service) DetectCycles(ctx context.Context) ([]Cycle, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "DetectCycles")
	defer timer.Stop()

	edges, err := g.store.Edges().All(ctx, types.DependencyRelations...)
	if err != nil {
		return nil, err
	}
	adj := make(map[string][]string)
	selfLoop := make(map[string]bool)
	for _, e := range edges {
		adj[e.FromID] = append(adj[e.FromID], e.ToID)
		if _, ok := adj[e.ToID]; !ok {
			adj[e.ToID] = nil
		}
		if e.FromID == e.ToID {
			selfLoop[e.FromID] = true
		}
	}

	t := &tarjan{
		adj:     adj,
		index:   make(map[string]int),
		lowlink: make(map[string]int),
		onStack: make(map[string]bool),
	}
	// Deterministic traversal order.
	nodes := make([]string, 0, len(adj))
	for n := range adj {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	for _, n := range nodes {
		if _, visited := t.index[n]; !visited {
			t.strongconnect(n)
		}
	}

	var cycles []Cycle
	for _, scc := range t.sccs {
		if len(scc) > 1 || (len(scc) == 1 && selfLoop[scc[0]]) {
			sort.Strings(scc)
			cycles = append(cycles, Cycle{Members: scc})
		}
	}
	if len(cycles) > 0 {
		logging.Graph("detected %d dependency cycles", len(cycles))
	}
	return cycles, nil
}

type tarjan struct {
	adj     map[string][]string
	index   map[string]int
	lowlink map[string]int
	onStack map[string]bool
	stack   []string
	counter int
	sccs    [][]string
}

func (t *tarjan) strongconnect(v string) {
	t.index[v] = t.counter
	t.lowlink[v] = t.counter
	t.counter++
	t.stack = append(t.stack, v)
	t.onStack[v] = true

	for _, w := range t.adj[v] {
		if _, visited := t.index[w]; !visited {
			t.strongconnect(w)
			if t.lowlink[w] < t.lowlink[v] {
				t.lowlink[v] = t.lowlink[w]
			}
		} else if t.onStack[w] {
			if t.index[w] < t.lowlink[v] {
				t.lowlink[v] = t.index[w]
			}
		}
	}

	if t.lowlink[v] == t.index[v] {
		var scc []string
		for {
			w := t.stack[len(t.stack)-1]
			t.stack = t.stack[:len(t.stack)-1]
			t.onStack[w] = false
			scc = append(scc, w)
			if w == v {
				break
			}
		}
		t.sccs = append(t.sccs, scc)
	}
}

// =============================================================================
// PAGERANK
// =============================================================================

// PageRank parameters: fixed iteration count with standard damping.
const (
	pageRankIterations = 10
	pageRankDamping    = 0.85
)

// ComputePageRank runs PageRank over every edge and persists the result to
// the entity_pagerank table.
func (g *Service) ComputePageRank(ctx context.Context) (map[string]float64, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "ComputePageRank")
	defer timer.Stop()

	edges, err := g.store.Edges().All(ctx)
	if err != nil {
		return nil, err
	}
	if len(edges) == 0 {
		return map[string]float64{}, nil
	}

	out := make(map[string][]string)
	nodes := make(map[string]bool)
	for _, e := range edges {
		out[e.FromID] = append(out[e.FromID], e.ToID)
		nodes[e.FromID] = true
		nodes[e.ToID] = true
	}

	n := float64(len(nodes))
	ranks := make(map[string]float64, len(nodes))
	for node := range nodes {
		ranks[node] = 1 / n
	}

	for i := 0; i < pageRankIterations; i++ {
		next := make(map[string]float64, len(nodes))
		var danglingMass float64
		for node := range nodes {
			next[node] = (1 - pageRankDamping) / n
		}
		for node := range nodes {
			targets := out[node]
			if len(targets) == 0 {
				danglingMass += ranks[node]
				continue
			}
			share := pageRankDamping * ranks[node] / float64(len(targets))
			for _, to := range targets {
				next[to] += share
			}
		}
		// Dangling nodes spread their rank uniformly.
		if danglingMass > 0 {
			spread := pageRankDamping * danglingMass / n
			for node := range nodes {
				next[node] += spread
			}
		}
		ranks = next
	}

	if err := g.store.Edges().SavePageRank(ctx, ranks); err != nil {
		return nil, err
	}
	logging.Graph("pagerank computed for %d entities", len(ranks))
	return ranks, nil
}

// =============================================================================
// RELATIONS BACKFILL
// =============================================================================

// relationByGroup maps relation group names used in recipe markdown to
// canonical edge relation names.
var relationByGroup = map[string]string{
	"inherits":     types.RelInherits,
	"implements":   types.RelImplements,
	"calls":        types.RelCalls,
	"dependsOn":    types.RelDependsOn,
	"depends_on":   types.RelDependsOn,
	"dataFlow":     types.RelDataFlowTo,
	"data_flow_to": types.RelDataFlowTo,
	"references":   types.RelReferences,
	"extends":      types.RelExtends,
	"conflicts":    types.RelConflicts,
	"related":      types.RelRelated,
	"alternative":  types.RelAlternative,
	"prerequisite": types.RelPrerequisite,
	"requires":     types.RelRequires,
	"deprecatedBy": types.RelDeprecatedBy,
	"solves":       types.RelSolves,
	"enforces":     types.RelEnforces,
}

// RelationForGroup resolves a markdown relation group name; unknown groups
// pass through unchanged.
func RelationForGroup(group string) string {
	if rel, ok := relationByGroup[group]; ok {
		return rel
	}
	return group
}

// SyncRecipeRelations rebuilds the edges of one recipe from its relations.
// Only targets that exactly match an existing recipe id become edges.
func (g *Service) SyncRecipeRelations(ctx context.Context, r *types.Recipe) error {
	ids, err := g.store.Recipes().ListIDs(ctx)
	if err != nil {
		return err
	}
	if err := g.store.Edges().RemoveForEntity(ctx, r.ID); err != nil {
		return err
	}
	for group, refs := range r.Relations {
		relation := RelationForGroup(group)
		for _, ref := range refs {
			if ref.Target == "" || !ids[ref.Target] {
				continue
			}
			edge := &types.KnowledgeEdge{
				FromID:   r.ID,
				FromType: types.EntityRecipe,
				ToID:     ref.Target,
				ToType:   types.EntityRecipe,
				Relation: relation,
			}
			if err := g.store.Edges().Add(ctx, edge); err != nil {
				return err
			}
		}
	}
	return nil
}
