package index

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"autosnippet/internal/embedding"
	"autosnippet/internal/logging"
	"autosnippet/internal/store"
	"autosnippet/internal/types"
)

// embedWorkers bounds concurrent embedding calls.
const embedWorkers = 4

// entityDeadline is the per-entity budget for tokenizing and embedding.
const entityDeadline = 15 * time.Second

// Indexer rebuilds the keyword and semantic indexes from stored entities.
type Indexer struct {
	store  *store.Store
	engine embedding.Engine
}

// New builds an indexer over a store and an embedding engine. A nil engine
// behaves like embedding.Disabled: keyword indexing still runs.
func New(s *store.Store, engine embedding.Engine) *Indexer {
	if engine == nil {
		engine = embedding.Disabled{}
	}
	return &Indexer{store: s, engine: engine}
}

// Options controls a Run.
type Options struct {
	// Clear drops both indexes first and rebuilds from scratch.
	Clear bool
}

// Report summarizes a Run.
type Report struct {
	Indexed     int `json:"indexed"`
	Skipped     int `json:"skipped"`
	Removed     int `json:"removed"`
	EmbedFailed int `json:"embedFailed"`
}

// doc is one indexable entity.
type doc struct {
	ID        string
	Type      string
	Text      string
	UpdatedAt time.Time
}

// indexState is the stored per-entity index bookkeeping.
type indexState struct {
	indexedAt   time.Time
	embedFailed bool
}

// Run brings both indexes up to date. Entities whose updated_at is not newer
// than their indexed_at are skipped; entities that previously failed to
// embed are retried when an engine is available. Embedding failures never
// fail the run.
func (ix *Indexer) Run(ctx context.Context, opts Options) (Report, error) {
	timer := logging.StartTimer(logging.CategoryIndex, "Run")
	defer timer.Stop()

	var report Report

	if opts.Clear {
		if err := ix.clear(ctx); err != nil {
			return report, err
		}
	}

	docs, err := ix.collectDocs(ctx)
	if err != nil {
		return report, err
	}
	states, err := ix.loadStates(ctx)
	if err != nil {
		return report, err
	}

	engineLive := ix.engine.Name() != "disabled"

	// Remove index rows for entities that no longer exist.
	live := make(map[string]bool, len(docs))
	for _, d := range docs {
		live[stateKey(d.ID, d.Type)] = true
	}
	for key := range states {
		if !live[key] {
			id, etype := splitStateKey(key)
			if err := ix.removeEntity(ctx, id, etype); err != nil {
				return report, err
			}
			report.Removed++
		}
	}

	// Select stale entities.
	var stale []doc
	for _, d := range docs {
		st, ok := states[stateKey(d.ID, d.Type)]
		switch {
		case !ok:
			stale = append(stale, d)
		case d.UpdatedAt.After(st.indexedAt):
			stale = append(stale, d)
		case st.embedFailed && engineLive:
			stale = append(stale, d)
		default:
			report.Skipped++
		}
	}

	logging.Index("indexing %d entities (%d skipped, %d removed)", len(stale), report.Skipped, report.Removed)

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, embedWorkers)
	results := make(chan bool, len(stale))

	for _, d := range stale {
		d := d
		g.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()

			ectx, cancel := context.WithTimeout(gctx, entityDeadline)
			defer cancel()

			failed, err := ix.indexOne(ectx, d)
			if err != nil {
				return err
			}
			results <- failed
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	close(results)
	for failed := range results {
		report.Indexed++
		if failed {
			report.EmbedFailed++
		}
	}

	logging.Index("index run complete: indexed=%d skipped=%d removed=%d embed_failed=%d",
		report.Indexed, report.Skipped, report.Removed, report.EmbedFailed)
	return report, nil
}

// indexOne writes the keyword rows and semantic chunks for one entity.
// Returns whether embedding failed (recorded, not fatal).
func (ix *Indexer) indexOne(ctx context.Context, d doc) (bool, error) {
	tokens := Tokenize(d.Text)
	tf := TermFrequencies(tokens)

	chunks := ChunkText(d.Text)
	var vectors [][]float32
	embedFailed := false
	if len(chunks) > 0 {
		vecs, err := ix.engine.EmbedBatch(ctx, chunks)
		if err != nil {
			embedFailed = true
			logging.Index("embedding failed for %s %s: %v", d.Type, d.ID, err)
		} else {
			vectors = vecs
		}
	}

	db := ix.store.DB()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, types.Wrap(types.CodeStorage, err, "begin index write")
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)

	if _, err := tx.Exec(`DELETE FROM keyword_terms WHERE entity_id = ? AND entity_type = ?`, d.ID, d.Type); err != nil {
		return false, types.Wrap(types.CodeStorage, err, "clear keyword terms")
	}
	for term, count := range tf {
		if _, err := tx.Exec(`INSERT INTO keyword_terms (term, entity_id, entity_type, tf) VALUES (?, ?, ?, ?)`,
			term, d.ID, d.Type, count); err != nil {
			return false, types.Wrap(types.CodeStorage, err, "insert keyword term")
		}
	}

	failedFlag := 0
	if embedFailed {
		failedFlag = 1
	}
	if _, err := tx.Exec(`
		INSERT INTO keyword_docs (entity_id, entity_type, doc_len, indexed_at, embedding_failed)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entity_id, entity_type) DO UPDATE SET
			doc_len = excluded.doc_len,
			indexed_at = excluded.indexed_at,
			embedding_failed = excluded.embedding_failed`,
		d.ID, d.Type, len(tokens), now, failedFlag); err != nil {
		return false, types.Wrap(types.CodeStorage, err, "upsert keyword doc")
	}

	if _, err := tx.Exec(`DELETE FROM semantic_chunks WHERE entity_id = ? AND entity_type = ?`, d.ID, d.Type); err != nil {
		return false, types.Wrap(types.CodeStorage, err, "clear semantic chunks")
	}
	for i, vec := range vectors {
		snippet := chunks[i]
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		if _, err := tx.Exec(`
			INSERT INTO semantic_chunks (entity_id, entity_type, chunk_index, dim, embedding, content_snippet, indexed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			d.ID, d.Type, i, len(vec), store.EncodeVector(vec), snippet, now); err != nil {
			return false, types.Wrap(types.CodeStorage, err, "insert semantic chunk")
		}
	}

	if err := tx.Commit(); err != nil {
		return false, types.Wrap(types.CodeStorage, err, "commit index write")
	}
	return embedFailed, nil
}

func (ix *Indexer) clear(ctx context.Context) error {
	db := ix.store.DB()
	for _, table := range []string{"keyword_terms", "keyword_docs", "semantic_chunks"} {
		if _, err := db.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return types.Wrap(types.CodeStorage, err, "clear %s", table)
		}
	}
	logging.Index("indexes cleared for full rebuild")
	return nil
}

func (ix *Indexer) removeEntity(ctx context.Context, id, etype string) error {
	db := ix.store.DB()
	for _, table := range []string{"keyword_terms", "keyword_docs", "semantic_chunks"} {
		if _, err := db.ExecContext(ctx, `DELETE FROM `+table+` WHERE entity_id = ? AND entity_type = ?`, id, etype); err != nil {
			return types.Wrap(types.CodeStorage, err, "remove %s rows", table)
		}
	}
	return nil
}

// collectDocs loads the indexable text of every live entity: non-deprecated
// recipes, snippets, and candidates still in review (pending or approved).
// Deprecated recipes and settled candidates drop out of the index.
func (ix *Indexer) collectDocs(ctx context.Context) ([]doc, error) {
	var docs []doc

	for page := 1; ; page++ {
		batch, err := ix.store.Recipes().List(ctx, store.RecipeFilter{}, page, 100)
		if err != nil {
			return nil, err
		}
		for _, r := range batch.Data {
			if r.Status == types.RecipeDeprecated {
				continue
			}
			docs = append(docs, doc{
				ID:        r.ID,
				Type:      types.EntityRecipe,
				Text:      recipeText(r),
				UpdatedAt: r.UpdatedAt,
			})
		}
		if page >= batch.Pages || len(batch.Data) == 0 {
			break
		}
	}

	for page := 1; ; page++ {
		batch, err := ix.store.Snippets().List(ctx, "", page, 100)
		if err != nil {
			return nil, err
		}
		for _, sn := range batch.Data {
			docs = append(docs, doc{
				ID:        sn.ID,
				Type:      types.EntitySnippet,
				Text:      snippetText(sn),
				UpdatedAt: sn.UpdatedAt,
			})
		}
		if page >= batch.Pages || len(batch.Data) == 0 {
			break
		}
	}

	for _, status := range []types.CandidateStatus{types.CandidatePending, types.CandidateApproved} {
		for page := 1; ; page++ {
			batch, err := ix.store.Candidates().List(ctx, store.CandidateFilter{Status: status}, page, 100)
			if err != nil {
				return nil, err
			}
			for _, c := range batch.Data {
				docs = append(docs, doc{
					ID:        c.ID,
					Type:      types.EntityCandidate,
					Text:      candidateText(c),
					UpdatedAt: c.UpdatedAt,
				})
			}
			if page >= batch.Pages || len(batch.Data) == 0 {
				break
			}
		}
	}

	return docs, nil
}

func (ix *Indexer) loadStates(ctx context.Context) (map[string]indexState, error) {
	rows, err := ix.store.DB().QueryContext(ctx,
		`SELECT entity_id, entity_type, indexed_at, embedding_failed FROM keyword_docs`)
	if err != nil {
		return nil, types.Wrap(types.CodeStorage, err, "load index state")
	}
	defer rows.Close()

	states := make(map[string]indexState)
	for rows.Next() {
		var id, etype, indexedAt string
		var failed int
		if err := rows.Scan(&id, &etype, &indexedAt, &failed); err != nil {
			return nil, types.Wrap(types.CodeStorage, err, "scan index state")
		}
		t, _ := time.Parse(time.RFC3339Nano, indexedAt)
		states[stateKey(id, etype)] = indexState{indexedAt: t, embedFailed: failed != 0}
	}
	return states, rows.Err()
}

func stateKey(id, etype string) string {
	return etype + "\x00" + id
}

func splitStateKey(key string) (id, etype string) {
	parts := strings.SplitN(key, "\x00", 2)
	return parts[1], parts[0]
}

// recipeText assembles the searchable text of a recipe.
func recipeText(r *types.Recipe) string {
	var sb strings.Builder
	add := func(s string) {
		if s != "" {
			sb.WriteString(s)
			sb.WriteString("\n")
		}
	}
	add(r.Title)
	add(r.Description)
	add(r.Summary.CN)
	add(r.Summary.EN)
	add(r.UsageGuide.CN)
	add(r.UsageGuide.EN)
	add(r.Content.Pattern)
	add(r.Content.Rationale)
	for _, step := range r.Content.Steps {
		add(step)
	}
	add(r.Content.Markdown)
	add(r.Trigger)
	if len(r.Tags) > 0 {
		add(strings.Join(r.Tags, " "))
	}
	add(fmt.Sprintf("%s %s %s", r.Language, r.Category, r.KnowledgeType))
	return sb.String()
}

// snippetText assembles the searchable text of a snippet.
func snippetText(sn *types.Snippet) string {
	return strings.Join([]string{sn.Title, sn.Summary, sn.Trigger, sn.Body, sn.Language, sn.Category}, "\n")
}

// candidateText assembles the searchable text of a review candidate.
func candidateText(c *types.Candidate) string {
	var sb strings.Builder
	add := func(s string) {
		if s != "" {
			sb.WriteString(s)
			sb.WriteString("\n")
		}
	}
	add(c.Code)
	add(c.Language)
	add(c.Category)
	if c.Reasoning != nil {
		add(c.Reasoning.Summary)
		add(strings.Join(c.Reasoning.Signals, " "))
	}
	for _, key := range []string{"title", "description", "filePath"} {
		if v, ok := c.Metadata[key].(string); ok {
			add(v)
		}
	}
	return sb.String()
}
