// Package search runs the hybrid retrieval pipeline: BM25 keyword recall,
// semantic chunk recall, authority blending, and an optional AI rerank that
// is strictly time-boxed and never retried.
package search

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"autosnippet/internal/embedding"
	"autosnippet/internal/index"
	"autosnippet/internal/logging"
	"autosnippet/internal/provider"
	"autosnippet/internal/stats"
	"autosnippet/internal/store"
	"autosnippet/internal/types"
)

// Merge weights. Semantic similarity dominates, keyword match anchors exact
// terms, authority breaks near-ties toward proven knowledge.
const (
	weightSemantic  = 0.55
	weightKeyword   = 0.35
	weightAuthority = 0.10
)

// WarnAIAssistAborted is attached when the rerank step missed its deadline
// or failed; results keep their original order.
const WarnAIAssistAborted = "ai_assist_aborted"

// Modes.
const (
	ModeHybrid   = "hybrid"
	ModeKeyword  = "keyword"
	ModeSemantic = "semantic"
	ModeRanking  = "ranking"
)

// Searcher executes queries against the index.
type Searcher struct {
	store  *store.Store
	engine embedding.Engine
	assist *provider.Assist
	usage  *stats.Service
}

// New builds a searcher. engine may be nil (keyword-only ranking); assist
// may be nil (no rerank); usage may be nil (authority contributes zero).
func New(s *store.Store, engine embedding.Engine, assist *provider.Assist, usage *stats.Service) *Searcher {
	if engine == nil {
		engine = embedding.Disabled{}
	}
	return &Searcher{store: s, engine: engine, assist: assist, usage: usage}
}

// Options controls one query.
type Options struct {
	Limit  int
	Mode   string // hybrid (default), keyword, semantic, ranking
	Rerank bool
	Filter store.RecipeFilter // applied to recipe results only
}

// Result is one ranked entity.
type Result struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Snippet   string    `json:"snippet,omitempty"`
	Score     float64   `json:"score"`
	Semantic  float64   `json:"semantic"`
	Keyword   float64   `json:"keyword"`
	Authority float64   `json:"authority"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Response carries results, the mode that produced them, and non-fatal
// warnings.
type Response struct {
	Results  []Result `json:"results"`
	Mode     string   `json:"mode"`
	Warnings []string `json:"warnings,omitempty"`
}

// Search runs the pipeline. An empty query returns an empty response, not an
// error, except in ranking mode where no query is needed.
func (s *Searcher) Search(ctx context.Context, query string, opts Options) (*Response, error) {
	timer := logging.StartTimer(logging.CategorySearch, "Search")
	defer timer.Stop()

	query = strings.TrimSpace(query)
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeHybrid
	}

	if mode == ModeRanking {
		return s.rankingSearch(ctx, limit, opts.Filter)
	}
	if query == "" {
		return &Response{Mode: mode}, nil
	}

	// Recall breadth: both channels fetch more than the caller asked for so
	// the merge has material to work with.
	recallK := 3 * limit
	if recallK < 30 {
		recallK = 30
	}

	tokens := index.Tokenize(query)
	resp := &Response{Mode: mode}

	var kwHits []keywordHit
	var err error
	if mode != ModeSemantic {
		kwHits, err = keywordSearch(ctx, s.store, tokens, recallK)
		if err != nil {
			return nil, err
		}
	}

	var semHits map[string]float64
	if mode != ModeKeyword {
		semHits, err = s.semanticSearch(ctx, query, recallK)
		if err != nil {
			if types.IsCode(err, types.CodeProviderUnavailable) {
				// Degrade to keyword-only ranking.
				logging.Search("semantic recall unavailable, keyword-only: %v", err)
				semHits = nil
			} else {
				return nil, err
			}
		}
	}

	merged := s.merge(kwHits, semHits)
	results, err := s.hydrate(ctx, merged, tokens, opts.Filter, s.loadAuthority())
	if err != nil {
		return nil, err
	}

	// Rerank sees up to twice the requested page so it can pull a strong
	// entity up into it; the final trim happens after.
	if pool := 2 * limit; len(results) > pool {
		results = results[:pool]
	}
	if opts.Rerank && len(results) > 1 && s.assist != nil && s.assist.Available() {
		results = s.rerank(ctx, query, results, resp)
	}
	if len(results) > limit {
		results = results[:limit]
	}

	resp.Results = results
	logging.Search("query %q: %d results (mode=%s)", query, len(results), mode)
	return resp, nil
}

// rankingSearch skips retrieval entirely and orders live recipes by
// authority, newest first among equals.
func (s *Searcher) rankingSearch(ctx context.Context, limit int, filter store.RecipeFilter) (*Response, error) {
	auth := s.loadAuthority()

	var results []Result
	for page := 1; ; page++ {
		batch, err := s.store.Recipes().List(ctx, filter, page, 100)
		if err != nil {
			return nil, err
		}
		for _, rec := range batch.Data {
			if rec.Status == types.RecipeDeprecated {
				continue
			}
			a := auth.recipeScore(rec)
			results = append(results, Result{
				ID:        rec.ID,
				Type:      types.EntityRecipe,
				Title:     rec.Title,
				Snippet:   snippetSource(rec),
				Score:     a,
				Authority: a,
				UpdatedAt: rec.UpdatedAt,
			})
		}
		if page >= batch.Pages || len(batch.Data) == 0 {
			break
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Authority != results[j].Authority {
			return results[i].Authority > results[j].Authority
		}
		if !results[i].UpdatedAt.Equal(results[j].UpdatedAt) {
			return results[i].UpdatedAt.After(results[j].UpdatedAt)
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > limit {
		results = results[:limit]
	}

	logging.Search("ranking: %d results", len(results))
	return &Response{Results: results, Mode: ModeRanking}, nil
}

// semanticSearch embeds the query and scores every entity by its best chunk.
func (s *Searcher) semanticSearch(ctx context.Context, query string, k int) (map[string]float64, error) {
	queryVec, err := s.engine.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	rows, err := s.store.DB().QueryContext(ctx,
		`SELECT entity_id, entity_type, embedding FROM semantic_chunks WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, types.Wrap(types.CodeStorage, err, "read semantic chunks")
	}
	defer rows.Close()

	best := make(map[string]float64)
	for rows.Next() {
		var id, etype string
		var blob []byte
		if err := rows.Scan(&id, &etype, &blob); err != nil {
			return nil, types.Wrap(types.CodeStorage, err, "scan semantic chunk")
		}
		vec, err := store.DecodeVector(blob)
		if err != nil {
			continue // corrupt chunk, skip
		}
		sim, err := embedding.CosineSimilarity(queryVec, vec)
		if err != nil {
			continue
		}
		if sim < 0 {
			sim = 0
		}
		key := entityKey(id, etype)
		if sim > best[key] {
			best[key] = sim
		}
	}
	if err := rows.Err(); err != nil {
		return nil, types.Wrap(types.CodeStorage, err, "iterate semantic chunks")
	}

	// Keep only the strongest k entities.
	if len(best) > k {
		type kv struct {
			key string
			sim float64
		}
		all := make([]kv, 0, len(best))
		for key, sim := range best {
			all = append(all, kv{key, sim})
		}
		sort.Slice(all, func(i, j int) bool { return all[i].sim > all[j].sim })
		best = make(map[string]float64, k)
		for _, e := range all[:k] {
			best[e.key] = e.sim
		}
	}
	return best, nil
}

// merge blends the keyword and semantic signals into one candidate set.
// Authority joins during hydration, once the entity is loaded.
func (s *Searcher) merge(kwHits []keywordHit, semHits map[string]float64) []Result {
	var maxKw float64
	for _, h := range kwHits {
		if h.score > maxKw {
			maxKw = h.score
		}
	}

	byKey := make(map[string]*Result)
	get := func(key string) *Result {
		if r, ok := byKey[key]; ok {
			return r
		}
		id, etype := splitEntityKey(key)
		r := &Result{ID: id, Type: etype}
		byKey[key] = r
		return r
	}

	for _, h := range kwHits {
		r := get(entityKey(h.id, h.etype))
		if maxKw > 0 {
			r.Keyword = h.score / maxKw
		}
	}
	for key, sim := range semHits {
		get(key).Semantic = sim
	}
	for _, r := range byKey {
		r.Score = weightSemantic*r.Semantic + weightKeyword*r.Keyword
	}

	out := make([]Result, 0, len(byKey))
	for _, r := range byKey {
		out = append(out, *r)
	}
	return out
}

// authorityIndex holds the usage-derived authority scores, keyed two ways.
type authorityIndex struct {
	byTrigger map[string]float64
	byFile    map[string]float64
}

// loadAuthority snapshots the stats file. A missing service or a read error
// yields a nil index, which scores everything zero.
func (s *Searcher) loadAuthority() *authorityIndex {
	if s.usage == nil {
		return nil
	}
	f, err := s.usage.Snapshot()
	if err != nil {
		logging.Search("usage stats unavailable: %v", err)
		return nil
	}
	idx := &authorityIndex{
		byTrigger: f.Scores(),
		byFile:    make(map[string]float64, len(f.ByFile)),
	}
	var maxHeat float64
	for _, e := range f.ByFile {
		if h := e.UsageHeat(); h > maxHeat {
			maxHeat = h
		}
	}
	for key, e := range f.ByFile {
		idx.byFile[key] = stats.AuthorityScore(e, maxHeat)
	}
	return idx
}

// recipeScore resolves a recipe's authority: trigger key first, then the
// source file basename.
func (a *authorityIndex) recipeScore(rec *types.Recipe) float64 {
	if a == nil {
		return 0
	}
	if rec.Trigger != "" {
		if v, ok := a.byTrigger[rec.Trigger]; ok {
			return v
		}
	}
	if rec.SourceFile != "" {
		if v, ok := a.byFile[filepath.Base(rec.SourceFile)]; ok {
			return v
		}
	}
	return 0
}

// triggerScore resolves authority for a bare trigger string.
func (a *authorityIndex) triggerScore(trigger string) float64 {
	if a == nil || trigger == "" {
		return 0
	}
	return a.byTrigger[trigger]
}

// hydrate loads titles and snippets, applies the recipe filter, folds in
// authority, and fixes the final ordering: score desc, then updated_at desc,
// then id.
func (s *Searcher) hydrate(ctx context.Context, results []Result, tokens []string, filter store.RecipeFilter, auth *authorityIndex) ([]Result, error) {
	out := make([]Result, 0, len(results))
	for _, r := range results {
		switch r.Type {
		case types.EntityRecipe:
			rec, err := s.store.Recipes().Get(ctx, r.ID)
			if err != nil {
				if types.IsCode(err, types.CodeNotFound) {
					continue // index lag, entity gone
				}
				return nil, err
			}
			if !recipeMatches(rec, filter) {
				continue
			}
			r.Title = rec.Title
			r.UpdatedAt = rec.UpdatedAt
			r.Snippet = Highlight(snippetSource(rec), tokens)
			r.Authority = auth.recipeScore(rec)
		case types.EntitySnippet:
			sn, err := s.store.Snippets().Get(ctx, r.ID)
			if err != nil {
				if types.IsCode(err, types.CodeNotFound) {
					continue
				}
				return nil, err
			}
			r.Title = sn.Title
			r.UpdatedAt = sn.UpdatedAt
			r.Snippet = Highlight(firstN(sn.Summary+" "+sn.Body, 200), tokens)
			r.Authority = auth.triggerScore(sn.Trigger)
		case types.EntityCandidate:
			c, err := s.store.Candidates().Get(ctx, r.ID)
			if err != nil {
				if types.IsCode(err, types.CodeNotFound) {
					continue
				}
				return nil, err
			}
			r.Title = candidateTitle(c)
			r.UpdatedAt = c.UpdatedAt
			r.Snippet = Highlight(firstN(c.Code, 200), tokens)
		default:
			continue
		}
		r.Score += weightAuthority * r.Authority
		out = append(out, r)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// rerank asks the assist provider to reorder the head of the result list.
// Any failure or deadline overrun keeps the original order and attaches
// WarnAIAssistAborted; the call is never retried.
func (s *Searcher) rerank(ctx context.Context, query string, results []Result, resp *Response) []Result {
	docs := make([]provider.RerankDoc, len(results))
	for i, r := range results {
		docs[i] = provider.RerankDoc{ID: r.ID, Title: r.Title, Text: r.Snippet}
	}

	ids, err := s.assist.Rerank(ctx, query, docs)
	if err != nil || len(ids) == 0 {
		logging.Search("rerank aborted: %v", err)
		resp.Warnings = append(resp.Warnings, WarnAIAssistAborted)
		return results
	}

	pos := make(map[string]int, len(ids))
	for i, id := range ids {
		pos[id] = i
	}
	reordered := make([]Result, len(results))
	copy(reordered, results)
	sort.SliceStable(reordered, func(i, j int) bool {
		pi, iok := pos[reordered[i].ID]
		pj, jok := pos[reordered[j].ID]
		if iok && jok {
			return pi < pj
		}
		return iok && !jok
	})
	return reordered
}

func recipeMatches(r *types.Recipe, f store.RecipeFilter) bool {
	if r.Status == types.RecipeDeprecated {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	if f.KnowledgeType != "" && r.KnowledgeType != f.KnowledgeType {
		return false
	}
	if f.Language != "" && r.Language != f.Language {
		return false
	}
	if f.Category != "" && r.Category != f.Category {
		return false
	}
	if f.Scope != "" && r.Scope != f.Scope {
		return false
	}
	return true
}

func snippetSource(r *types.Recipe) string {
	for _, candidate := range []string{r.Description, r.Summary.EN, r.Summary.CN, r.Content.Pattern, r.Content.Markdown} {
		if candidate != "" {
			return firstN(candidate, 200)
		}
	}
	return firstN(r.Title, 200)
}

// candidateTitle derives a display title for a review candidate.
func candidateTitle(c *types.Candidate) string {
	if t, ok := c.Metadata["title"].(string); ok && t != "" {
		return t
	}
	line := c.Code
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	return firstN(line, 80)
}

func firstN(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut]
}

func entityKey(id, etype string) string {
	return etype + "\x00" + id
}

func splitEntityKey(key string) (id, etype string) {
	i := strings.IndexByte(key, 0)
	return key[i+1:], key[:i]
}

func sortHitsDesc(hits []keywordHit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].id < hits[j].id
	})
}
