package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"autosnippet/internal/logging"
	"autosnippet/internal/types"
)

// migration is one schema step. Steps run strictly in order, each inside its
// own transaction together with its schema_migrations row. A clean database
// replays the whole list; an upgraded one resumes after its recorded version.
type migration struct {
	Version int
	Name    string
	Up      func(tx *sql.Tx) error
}

func execAll(tx *sql.Tx, stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

var migrations = []migration{
	{1, "create recipes", func(tx *sql.Tx) error {
		return execAll(tx, `
			CREATE TABLE IF NOT EXISTS recipes (
				id                  TEXT PRIMARY KEY,
				title               TEXT NOT NULL,
				description         TEXT NOT NULL DEFAULT '',
				language            TEXT NOT NULL DEFAULT '',
				category            TEXT NOT NULL DEFAULT '',
				kind                TEXT NOT NULL DEFAULT 'pattern',
				knowledge_type      TEXT NOT NULL DEFAULT '',
				complexity          TEXT NOT NULL DEFAULT '',
				scope               TEXT NOT NULL DEFAULT '',
				summary_json        TEXT NOT NULL DEFAULT '',
				usage_guide_json    TEXT NOT NULL DEFAULT '',
				content_json        TEXT NOT NULL DEFAULT '',
				relations_json      TEXT NOT NULL DEFAULT '',
				constraints_json    TEXT NOT NULL DEFAULT '',
				"trigger"           TEXT NOT NULL DEFAULT '',
				dimensions_json     TEXT NOT NULL DEFAULT '',
				tags_json           TEXT NOT NULL DEFAULT '',
				status              TEXT NOT NULL DEFAULT 'draft',
				quality_json        TEXT NOT NULL DEFAULT '',
				quality_overall     REAL NOT NULL DEFAULT 0,
				statistics_json     TEXT NOT NULL DEFAULT '',
				adoption_count      INTEGER NOT NULL DEFAULT 0,
				application_count   INTEGER NOT NULL DEFAULT 0,
				published_by        TEXT NOT NULL DEFAULT '',
				published_at        TEXT,
				deprecation_json    TEXT NOT NULL DEFAULT '',
				source_candidate_id TEXT NOT NULL DEFAULT '',
				source_file         TEXT NOT NULL DEFAULT '',
				created_at          TEXT NOT NULL,
				updated_at          TEXT NOT NULL
			)`)
	}},
	{2, "create candidates", func(tx *sql.Tx) error {
		return execAll(tx, `
			CREATE TABLE IF NOT EXISTS candidates (
				id                TEXT PRIMARY KEY,
				code              TEXT NOT NULL,
				language          TEXT NOT NULL DEFAULT '',
				category          TEXT NOT NULL DEFAULT '',
				source            TEXT NOT NULL DEFAULT 'manual',
				reasoning_json    TEXT NOT NULL DEFAULT '',
				status            TEXT NOT NULL DEFAULT 'pending',
				history_json      TEXT NOT NULL DEFAULT '',
				created_by        TEXT NOT NULL DEFAULT '',
				approved_by       TEXT NOT NULL DEFAULT '',
				approved_at       TEXT,
				rejected_by       TEXT NOT NULL DEFAULT '',
				rejection_reason  TEXT NOT NULL DEFAULT '',
				applied_recipe_id TEXT NOT NULL DEFAULT '',
				metadata_json     TEXT NOT NULL DEFAULT '',
				created_at        TEXT NOT NULL,
				updated_at        TEXT NOT NULL
			)`)
	}},
	{3, "create snippets", func(tx *sql.Tx) error {
		return execAll(tx, `
			CREATE TABLE IF NOT EXISTS snippets (
				id                  TEXT PRIMARY KEY,
				external_id         TEXT NOT NULL DEFAULT '',
				title               TEXT NOT NULL,
				language            TEXT NOT NULL DEFAULT '',
				category            TEXT NOT NULL DEFAULT '',
				"trigger"           TEXT NOT NULL DEFAULT '',
				summary             TEXT NOT NULL DEFAULT '',
				body                TEXT NOT NULL DEFAULT '',
				installed           INTEGER NOT NULL DEFAULT 0,
				installed_path      TEXT NOT NULL DEFAULT '',
				source_recipe_id    TEXT NOT NULL DEFAULT '',
				source_candidate_id TEXT NOT NULL DEFAULT '',
				metadata_json       TEXT NOT NULL DEFAULT '',
				created_at          TEXT NOT NULL,
				updated_at          TEXT NOT NULL
			)`)
	}},
	{4, "create guard_violations", func(tx *sql.Tx) error {
		return execAll(tx, `
			CREATE TABLE IF NOT EXISTS guard_violations (
				id              TEXT PRIMARY KEY,
				file_path       TEXT NOT NULL,
				triggered_at    TEXT NOT NULL,
				violation_count INTEGER NOT NULL DEFAULT 0,
				summary         TEXT NOT NULL DEFAULT '',
				violations_json TEXT NOT NULL DEFAULT '',
				created_at      TEXT NOT NULL
			)`)
	}},
	{5, "create audit_logs", func(tx *sql.Tx) error {
		return execAll(tx, `
			CREATE TABLE IF NOT EXISTS audit_logs (
				id             TEXT PRIMARY KEY,
				timestamp      TEXT NOT NULL,
				actor          TEXT NOT NULL DEFAULT '',
				actor_context  TEXT NOT NULL DEFAULT '',
				action         TEXT NOT NULL,
				resource       TEXT NOT NULL DEFAULT '',
				operation_json TEXT NOT NULL DEFAULT '',
				result         TEXT NOT NULL,
				error_message  TEXT NOT NULL DEFAULT '',
				duration_ms    INTEGER NOT NULL DEFAULT 0
			)`)
	}},
	{6, "create sessions", func(tx *sql.Tx) error {
		return execAll(tx, `
			CREATE TABLE IF NOT EXISTS sessions (
				id             TEXT PRIMARY KEY,
				scope          TEXT NOT NULL DEFAULT '',
				scope_id       TEXT NOT NULL DEFAULT '',
				context        TEXT NOT NULL DEFAULT '',
				metadata_json  TEXT NOT NULL DEFAULT '',
				actor          TEXT NOT NULL DEFAULT '',
				created_at     TEXT NOT NULL,
				last_active_at TEXT NOT NULL,
				expired_at     TEXT
			)`)
	}},
	{7, "core indexes", func(tx *sql.Tx) error {
		return execAll(tx,
			`CREATE INDEX IF NOT EXISTS idx_recipes_status ON recipes(status)`,
			`CREATE INDEX IF NOT EXISTS idx_recipes_kind ON recipes(kind)`,
			`CREATE INDEX IF NOT EXISTS idx_recipes_language ON recipes(language)`,
			`CREATE INDEX IF NOT EXISTS idx_recipes_source_file ON recipes(source_file)`,
			`CREATE INDEX IF NOT EXISTS idx_recipes_updated_at ON recipes(updated_at)`,
			`CREATE INDEX IF NOT EXISTS idx_candidates_status ON candidates(status)`,
			`CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_logs(timestamp)`,
		)
	}},
	{8, "create keyword index", func(tx *sql.Tx) error {
		return execAll(tx, `
			CREATE TABLE IF NOT EXISTS keyword_docs (
				entity_id   TEXT NOT NULL,
				entity_type TEXT NOT NULL,
				doc_len     INTEGER NOT NULL DEFAULT 0,
				indexed_at  TEXT NOT NULL,
				PRIMARY KEY (entity_id, entity_type)
			)`, `
			CREATE TABLE IF NOT EXISTS keyword_terms (
				term        TEXT NOT NULL,
				entity_id   TEXT NOT NULL,
				entity_type TEXT NOT NULL,
				tf          INTEGER NOT NULL DEFAULT 1,
				PRIMARY KEY (term, entity_id, entity_type)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_keyword_terms_term ON keyword_terms(term)`,
		)
	}},
	{9, "create semantic_chunks", func(tx *sql.Tx) error {
		return execAll(tx, `
			CREATE TABLE IF NOT EXISTS semantic_chunks (
				id              INTEGER PRIMARY KEY AUTOINCREMENT,
				entity_id       TEXT NOT NULL,
				entity_type     TEXT NOT NULL,
				chunk_index     INTEGER NOT NULL DEFAULT 0,
				dim             INTEGER NOT NULL DEFAULT 0,
				embedding       BLOB,
				content_snippet TEXT NOT NULL DEFAULT '',
				indexed_at      TEXT NOT NULL,
				UNIQUE (entity_id, entity_type, chunk_index)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_chunks_entity ON semantic_chunks(entity_id, entity_type)`,
		)
	}},
	{10, "create entity_pagerank", func(tx *sql.Tx) error {
		return execAll(tx, `
			CREATE TABLE IF NOT EXISTS entity_pagerank (
				entity_id   TEXT PRIMARY KEY,
				rank        REAL NOT NULL DEFAULT 0,
				computed_at TEXT NOT NULL
			)`)
	}},
	{11, "session and violation indexes", func(tx *sql.Tx) error {
		return execAll(tx,
			`CREATE INDEX IF NOT EXISTS idx_sessions_last_active ON sessions(last_active_at)`,
			`CREATE INDEX IF NOT EXISTS idx_violations_file ON guard_violations(file_path)`,
		)
	}},
	{12, "keyword_docs embedding_failed flag", func(tx *sql.Tx) error {
		ok, err := txColumnExists(tx, "keyword_docs", "embedding_failed")
		if err != nil || ok {
			return err
		}
		return execAll(tx, `ALTER TABLE keyword_docs ADD COLUMN embedding_failed INTEGER NOT NULL DEFAULT 0`)
	}},
	{13, "knowledge_edges with relations backfill", migrateKnowledgeEdges},
	{14, "recipes trigger index", func(tx *sql.Tx) error {
		return execAll(tx,
			`CREATE INDEX IF NOT EXISTS idx_recipes_trigger ON recipes("trigger")`,
			`CREATE INDEX IF NOT EXISTS idx_snippets_trigger ON snippets("trigger")`,
		)
	}},
}

// migrate replays pending migrations in order. Each migration commits
// atomically with its version row, so a crash mid-list resumes cleanly.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return types.Wrap(types.CodeStorage, err, "create schema_migrations")
	}

	var current sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&current); err != nil {
		return types.Wrap(types.CodeStorage, err, "read schema version")
	}

	for _, m := range migrations {
		if current.Valid && int64(m.Version) <= current.Int64 {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return types.Wrap(types.CodeStorage, err, "begin migration %d", m.Version)
		}
		if err := m.Up(tx); err != nil {
			tx.Rollback()
			return types.Wrap(types.CodeStorage, err, "migration %d (%s) failed", m.Version, m.Name)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			m.Version, timeToDB(time.Now())); err != nil {
			tx.Rollback()
			return types.Wrap(types.CodeStorage, err, "record migration %d", m.Version)
		}
		if err := tx.Commit(); err != nil {
			return types.Wrap(types.CodeStorage, err, "commit migration %d (%s)", m.Version, m.Name)
		}
		logging.Store("applied migration %d: %s", m.Version, m.Name)
	}

	invalidateColumnCache()
	return nil
}

// SchemaVersion reports the highest applied migration.
func (s *Store) SchemaVersion() (int, error) {
	var v sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, storageErr("read schema version", err)
	}
	return int(v.Int64), nil
}

// txColumnExists probes PRAGMA table_info inside a migration transaction.
func txColumnExists(tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notNull, pk int
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// edgeRelationByGroup maps relation group names in recipe markdown to the
// canonical edge relation names.
var edgeRelationByGroup = map[string]string{
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

// migrateKnowledgeEdges creates the edge table and backfills it from the
// relations already stored on recipes. Only references whose target exactly
// matches an existing recipe id become edges; free-text targets stay in
// relations_json untouched.
func migrateKnowledgeEdges(tx *sql.Tx) error {
	if err := execAll(tx, `
		CREATE TABLE IF NOT EXISTS knowledge_edges (
			from_id       TEXT NOT NULL,
			from_type     TEXT NOT NULL,
			to_id         TEXT NOT NULL,
			to_type       TEXT NOT NULL,
			relation      TEXT NOT NULL,
			weight        REAL NOT NULL DEFAULT 1,
			metadata_json TEXT NOT NULL DEFAULT '',
			created_at    TEXT NOT NULL,
			PRIMARY KEY (from_id, from_type, to_id, to_type, relation)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_to ON knowledge_edges(to_id, to_type)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_relation ON knowledge_edges(relation)`,
	); err != nil {
		return err
	}

	rows, err := tx.Query(`SELECT id, relations_json FROM recipes WHERE relations_json != ''`)
	if err != nil {
		return err
	}
	type pending struct {
		from, to, relation string
	}
	ids := make(map[string]bool)
	var all []pending
	for rows.Next() {
		var id, relJSON string
		if err := rows.Scan(&id, &relJSON); err != nil {
			rows.Close()
			return err
		}
		ids[id] = true
		var rel types.Relations
		if err := json.Unmarshal([]byte(relJSON), &rel); err != nil {
			continue // malformed relations are skipped, not fatal
		}
		for group, refs := range rel {
			relation, ok := edgeRelationByGroup[group]
			if !ok {
				relation = group
			}
			for _, ref := range refs {
				if ref.Target == "" {
					continue
				}
				all = append(all, pending{from: id, to: ref.Target, relation: relation})
			}
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	idRows, err := tx.Query(`SELECT id FROM recipes`)
	if err != nil {
		return err
	}
	for idRows.Next() {
		var id string
		if err := idRows.Scan(&id); err != nil {
			idRows.Close()
			return err
		}
		ids[id] = true
	}
	if err := idRows.Err(); err != nil {
		idRows.Close()
		return err
	}
	idRows.Close()

	now := timeToDB(time.Now())
	for _, p := range all {
		if !ids[p.to] {
			continue // target must be an exact recipe id
		}
		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO knowledge_edges
				(from_id, from_type, to_id, to_type, relation, weight, metadata_json, created_at)
			VALUES (?, ?, ?, ?, ?, 1, '', ?)`,
			p.from, types.EntityRecipe, p.to, types.EntityRecipe, p.relation, now); err != nil {
			return err
		}
	}
	return nil
}
