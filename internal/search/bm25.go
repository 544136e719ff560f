package search

import (
	"context"
	"math"

	"autosnippet/internal/store"
	"autosnippet/internal/types"
)

// BM25 parameters. k1 controls term-frequency saturation, b controls length
// normalization.
const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

// keywordHit is one BM25-scored entity.
type keywordHit struct {
	id    string
	etype string
	score float64
}

// keywordSearch scores the keyword index against the query tokens and
// returns the top k entities.
func keywordSearch(ctx context.Context, s *store.Store, tokens []string, k int) ([]keywordHit, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	db := s.DB()

	var docCount int
	var totalLen float64
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(doc_len), 0) FROM keyword_docs`).Scan(&docCount, &totalLen); err != nil {
		return nil, types.Wrap(types.CodeStorage, err, "read corpus stats")
	}
	if docCount == 0 {
		return nil, nil
	}
	avgLen := totalLen / float64(docCount)
	if avgLen == 0 {
		avgLen = 1
	}

	docLens := make(map[string]int)
	rows, err := db.QueryContext(ctx, `SELECT entity_id, entity_type, doc_len FROM keyword_docs`)
	if err != nil {
		return nil, types.Wrap(types.CodeStorage, err, "read doc lengths")
	}
	for rows.Next() {
		var id, etype string
		var dl int
		if err := rows.Scan(&id, &etype, &dl); err != nil {
			rows.Close()
			return nil, types.Wrap(types.CodeStorage, err, "scan doc length")
		}
		docLens[entityKey(id, etype)] = dl
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, types.Wrap(types.CodeStorage, err, "iterate doc lengths")
	}
	rows.Close()

	scores := make(map[string]float64)
	seen := make(map[string]bool, len(tokens))
	for _, term := range tokens {
		if seen[term] {
			continue
		}
		seen[term] = true

		postings, err := db.QueryContext(ctx,
			`SELECT entity_id, entity_type, tf FROM keyword_terms WHERE term = ?`, term)
		if err != nil {
			return nil, types.Wrap(types.CodeStorage, err, "read postings")
		}
		type posting struct {
			key string
			tf  int
		}
		var list []posting
		for postings.Next() {
			var id, etype string
			var tf int
			if err := postings.Scan(&id, &etype, &tf); err != nil {
				postings.Close()
				return nil, types.Wrap(types.CodeStorage, err, "scan posting")
			}
			list = append(list, posting{key: entityKey(id, etype), tf: tf})
		}
		if err := postings.Err(); err != nil {
			postings.Close()
			return nil, types.Wrap(types.CodeStorage, err, "iterate postings")
		}
		postings.Close()

		df := len(list)
		if df == 0 {
			continue
		}
		idf := math.Log(1 + (float64(docCount)-float64(df)+0.5)/(float64(df)+0.5))
		for _, p := range list {
			dl := float64(docLens[p.key])
			tf := float64(p.tf)
			norm := tf * (bm25K1 + 1) / (tf + bm25K1*(1-bm25B+bm25B*dl/avgLen))
			scores[p.key] += idf * norm
		}
	}

	hits := make([]keywordHit, 0, len(scores))
	for key, score := range scores {
		id, etype := splitEntityKey(key)
		hits = append(hits, keywordHit{id: id, etype: etype, score: score})
	}
	sortHitsDesc(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}
