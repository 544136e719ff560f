package store

import (
	"context"
	"database/sql"
	"strings"

	"autosnippet/internal/types"
)

// EdgeRepo persists the typed knowledge graph.
type EdgeRepo struct {
	s *Store
}

const edgeCols = `from_id, from_type, to_id, to_type, relation, weight, metadata_json, created_at`

func scanEdge(row rowScanner) (*types.KnowledgeEdge, error) {
	var e types.KnowledgeEdge
	var metadata sql.NullString
	var createdAt string
	if err := row.Scan(&e.FromID, &e.FromType, &e.ToID, &e.ToType, &e.Relation, &e.Weight, &metadata, &createdAt); err != nil {
		return nil, err
	}
	if err := jsonDec(metadata, &e.Metadata); err != nil {
		return nil, err
	}
	e.CreatedAt = timeFromDB(createdAt)
	return &e, nil
}

// Add inserts an edge. Re-adding the same (from, to, relation) tuple is a
// no-op, so graph rebuilds are idempotent.
func (r *EdgeRepo) Add(ctx context.Context, e *types.KnowledgeEdge) error {
	if e.FromID == "" || e.ToID == "" || e.Relation == "" {
		return types.E(types.CodeValidation, "edge requires from, to, and relation")
	}
	if e.Weight == 0 {
		e.Weight = 1
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = timeNow()
	}
	metadata := ""
	if len(e.Metadata) > 0 {
		var err error
		if metadata, err = jsonEnc(e.Metadata); err != nil {
			return err
		}
	}
	return r.s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO knowledge_edges (`+edgeCols+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.FromID, e.FromType, e.ToID, e.ToType, e.Relation, e.Weight, metadata, timeToDB(e.CreatedAt)); err != nil {
			return storageErr("insert edge", err)
		}
		return nil
	})
}

// Remove deletes one edge tuple.
func (r *EdgeRepo) Remove(ctx context.Context, fromID, toID, relation string) error {
	return r.s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`DELETE FROM knowledge_edges WHERE from_id = ? AND to_id = ? AND relation = ?`,
			fromID, toID, relation); err != nil {
			return storageErr("delete edge", err)
		}
		return nil
	})
}

// RemoveForEntity drops every edge touching an entity, in either direction.
func (r *EdgeRepo) RemoveForEntity(ctx context.Context, entityID string) error {
	return r.s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`DELETE FROM knowledge_edges WHERE from_id = ? OR to_id = ?`, entityID, entityID); err != nil {
			return storageErr("delete entity edges", err)
		}
		return nil
	})
}

// From returns outgoing edges, optionally restricted to relation types.
func (r *EdgeRepo) From(ctx context.Context, fromID string, relations ...string) ([]*types.KnowledgeEdge, error) {
	return r.query(ctx, "from_id", fromID, relations)
}

// To returns incoming edges, optionally restricted to relation types.
func (r *EdgeRepo) To(ctx context.Context, toID string, relations ...string) ([]*types.KnowledgeEdge, error) {
	return r.query(ctx, "to_id", toID, relations)
}

func (r *EdgeRepo) query(ctx context.Context, col, id string, relations []string) ([]*types.KnowledgeEdge, error) {
	query := `SELECT ` + edgeCols + ` FROM knowledge_edges WHERE ` + col + ` = ?`
	args := []interface{}{id}
	if len(relations) > 0 {
		query += ` AND relation IN (?` + strings.Repeat(", ?", len(relations)-1) + `)`
		for _, rel := range relations {
			args = append(args, rel)
		}
	}
	query += ` ORDER BY relation, to_id, from_id`

	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	rows, err := r.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query edges", err)
	}
	defer rows.Close()
	return collectEdges(rows)
}

// All streams the entire edge set, optionally restricted to relation types.
// The graph layer uses this for cycle detection and PageRank.
func (r *EdgeRepo) All(ctx context.Context, relations ...string) ([]*types.KnowledgeEdge, error) {
	query := `SELECT ` + edgeCols + ` FROM knowledge_edges`
	var args []interface{}
	if len(relations) > 0 {
		query += ` WHERE relation IN (?` + strings.Repeat(", ?", len(relations)-1) + `)`
		for _, rel := range relations {
			args = append(args, rel)
		}
	}

	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	rows, err := r.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list edges", err)
	}
	defer rows.Close()
	return collectEdges(rows)
}

// SavePageRank replaces the stored rank for a batch of entities.
func (r *EdgeRepo) SavePageRank(ctx context.Context, ranks map[string]float64) error {
	now := timeToDB(timeNow())
	return r.s.withTx(ctx, func(tx *sql.Tx) error {
		for id, rank := range ranks {
			if _, err := tx.Exec(`
				INSERT INTO entity_pagerank (entity_id, rank, computed_at) VALUES (?, ?, ?)
				ON CONFLICT(entity_id) DO UPDATE SET rank = excluded.rank, computed_at = excluded.computed_at`,
				id, rank, now); err != nil {
				return storageErr("save pagerank", err)
			}
		}
		return nil
	})
}

// PageRank reads the stored rank for one entity; missing entities rank 0.
func (r *EdgeRepo) PageRank(ctx context.Context, entityID string) (float64, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var rank float64
	err := r.s.db.QueryRowContext(ctx,
		`SELECT rank FROM entity_pagerank WHERE entity_id = ?`, entityID).Scan(&rank)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, storageErr("read pagerank", err)
	}
	return rank, nil
}

// AllPageRanks returns the full stored rank table.
func (r *EdgeRepo) AllPageRanks(ctx context.Context) (map[string]float64, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	rows, err := r.s.db.QueryContext(ctx, `SELECT entity_id, rank FROM entity_pagerank`)
	if err != nil {
		return nil, storageErr("list pageranks", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var id string
		var rank float64
		if err := rows.Scan(&id, &rank); err != nil {
			return nil, storageErr("scan pagerank", err)
		}
		out[id] = rank
	}
	return out, rows.Err()
}

func collectEdges(rows *sql.Rows) ([]*types.KnowledgeEdge, error) {
	var out []*types.KnowledgeEdge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, storageErr("scan edge", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate edges", err)
	}
	return out, nil
}
