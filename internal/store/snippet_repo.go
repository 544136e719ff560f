package store

import (
	"context"
	"database/sql"
	"strings"

	"autosnippet/internal/types"
)

// SnippetRepo persists installable snippets.
type SnippetRepo struct {
	s *Store
}

const snippetCols = `id, external_id, title, language, category, "trigger", summary, body,
	installed, installed_path, source_recipe_id, source_candidate_id, metadata_json,
	created_at, updated_at`

var snippetPlaceholders = "?" + strings.Repeat(", ?", strings.Count(snippetCols, ","))

func snippetArgs(sn *types.Snippet) ([]interface{}, error) {
	metadata := ""
	if len(sn.Metadata) > 0 {
		var err error
		if metadata, err = jsonEnc(sn.Metadata); err != nil {
			return nil, err
		}
	}
	installed := 0
	if sn.Install.Installed {
		installed = 1
	}
	return []interface{}{
		sn.ID, sn.ExternalID, sn.Title, sn.Language, sn.Category, sn.Trigger, sn.Summary, sn.Body,
		installed, sn.Install.InstalledPath, sn.SourceRecipeID, sn.SourceCandidateID, metadata,
		timeToDB(sn.CreatedAt), timeToDB(sn.UpdatedAt),
	}, nil
}

func scanSnippet(row rowScanner) (*types.Snippet, error) {
	var sn types.Snippet
	var installed int
	var metadata sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&sn.ID, &sn.ExternalID, &sn.Title, &sn.Language, &sn.Category, &sn.Trigger, &sn.Summary, &sn.Body,
		&installed, &sn.Install.InstalledPath, &sn.SourceRecipeID, &sn.SourceCandidateID, &metadata,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	sn.Install.Installed = installed != 0
	if err := jsonDec(metadata, &sn.Metadata); err != nil {
		return nil, err
	}
	sn.CreatedAt = timeFromDB(createdAt)
	sn.UpdatedAt = timeFromDB(updatedAt)
	return &sn, nil
}

// Upsert inserts or replaces a snippet.
func (r *SnippetRepo) Upsert(ctx context.Context, sn *types.Snippet) error {
	if strings.TrimSpace(sn.Title) == "" {
		return types.E(types.CodeValidation, "snippet %s has empty title", sn.ID)
	}
	args, err := snippetArgs(sn)
	if err != nil {
		return err
	}
	return r.s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO snippets (`+snippetCols+`) VALUES (`+snippetPlaceholders+`)`, args...); err != nil {
			return storageErr("upsert snippet", err)
		}
		return nil
	})
}

// Get fetches one snippet by id.
func (r *SnippetRepo) Get(ctx context.Context, id string) (*types.Snippet, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	row := r.s.db.QueryRowContext(ctx, `SELECT `+snippetCols+` FROM snippets WHERE id = ?`, id)
	sn, err := scanSnippet(row)
	if err == sql.ErrNoRows {
		return nil, notFound("snippet", id)
	}
	if err != nil {
		return nil, storageErr("get snippet", err)
	}
	return sn, nil
}

// GetByTrigger finds the snippet bound to a completion trigger.
func (r *SnippetRepo) GetByTrigger(ctx context.Context, trigger string) (*types.Snippet, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	row := r.s.db.QueryRowContext(ctx, `SELECT `+snippetCols+` FROM snippets WHERE "trigger" = ? LIMIT 1`, trigger)
	sn, err := scanSnippet(row)
	if err == sql.ErrNoRows {
		return nil, notFound("snippet", trigger)
	}
	if err != nil {
		return nil, storageErr("get snippet by trigger", err)
	}
	return sn, nil
}

// MarkInstalled records where a snippet landed in the IDE.
func (r *SnippetRepo) MarkInstalled(ctx context.Context, id, installedPath string) error {
	return r.s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE snippets SET installed = 1, installed_path = ?, updated_at = ? WHERE id = ?`,
			installedPath, timeToDB(timeNow()), id)
		if err != nil {
			return storageErr("mark snippet installed", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return notFound("snippet", id)
		}
		return nil
	})
}

// Delete removes a snippet row.
func (r *SnippetRepo) Delete(ctx context.Context, id string) error {
	return r.s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM snippets WHERE id = ?`, id)
		if err != nil {
			return storageErr("delete snippet", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return notFound("snippet", id)
		}
		return nil
	})
}

// List pages snippets, optionally by language, newest first.
func (r *SnippetRepo) List(ctx context.Context, language string, page, pageSize int) (types.Page[*types.Snippet], error) {
	page, pageSize, offset := normalizePage(page, pageSize)

	where := ""
	var args []interface{}
	if language != "" {
		where = " WHERE language = ?"
		args = append(args, language)
	}

	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var total int64
	if err := r.s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snippets`+where, args...).Scan(&total); err != nil {
		return types.Page[*types.Snippet]{}, storageErr("count snippets", err)
	}

	rows, err := r.s.db.QueryContext(ctx,
		`SELECT `+snippetCols+` FROM snippets`+where+` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		append(args, pageSize, offset)...)
	if err != nil {
		return types.Page[*types.Snippet]{}, storageErr("list snippets", err)
	}
	defer rows.Close()

	var out []*types.Snippet
	for rows.Next() {
		sn, err := scanSnippet(rows)
		if err != nil {
			return types.Page[*types.Snippet]{}, storageErr("scan snippet", err)
		}
		out = append(out, sn)
	}
	if err := rows.Err(); err != nil {
		return types.Page[*types.Snippet]{}, storageErr("iterate snippets", err)
	}
	return types.NewPage(out, page, pageSize, total), nil
}
