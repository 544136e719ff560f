package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/mattn/go-sqlite3"

	"autosnippet/internal/types"
)

// RecipeRepo persists recipes.
type RecipeRepo struct {
	s *Store
}

const recipeCols = `id, title, description, language, category, kind, knowledge_type,
	complexity, scope, summary_json, usage_guide_json, content_json, relations_json,
	constraints_json, "trigger", dimensions_json, tags_json, status, quality_json,
	quality_overall, statistics_json, adoption_count, application_count, published_by,
	published_at, deprecation_json, source_candidate_id, source_file, created_at, updated_at`

// recipeArgs flattens a recipe into the column order of recipeCols.
func recipeArgs(r *types.Recipe) ([]interface{}, error) {
	summary, err := jsonEnc(r.Summary)
	if err != nil {
		return nil, err
	}
	usage, err := jsonEnc(r.UsageGuide)
	if err != nil {
		return nil, err
	}
	content, err := jsonEnc(r.Content)
	if err != nil {
		return nil, err
	}
	relations := ""
	if len(r.Relations) > 0 {
		if relations, err = jsonEnc(r.Relations); err != nil {
			return nil, err
		}
	}
	constraints, err := jsonEnc(r.Constraints)
	if err != nil {
		return nil, err
	}
	dimensions := ""
	if len(r.Dimensions) > 0 {
		if dimensions, err = jsonEnc(r.Dimensions); err != nil {
			return nil, err
		}
	}
	tags := ""
	if len(r.Tags) > 0 {
		if tags, err = jsonEnc(r.Tags); err != nil {
			return nil, err
		}
	}
	quality, err := jsonEnc(r.Quality)
	if err != nil {
		return nil, err
	}
	stats, err := jsonEnc(r.Statistics)
	if err != nil {
		return nil, err
	}
	deprecation := ""
	if r.Deprecation != nil {
		if deprecation, err = jsonEnc(r.Deprecation); err != nil {
			return nil, err
		}
	}
	return []interface{}{
		r.ID, r.Title, r.Description, r.Language, r.Category, string(r.Kind), string(r.KnowledgeType),
		r.Complexity, r.Scope, summary, usage, content, relations,
		constraints, r.Trigger, dimensions, tags, string(r.Status), quality,
		r.Quality.Overall, stats, r.Statistics.AdoptionCount, r.Statistics.ApplicationCount, r.PublishedBy,
		timePtrToDB(r.PublishedAt), deprecation, r.SourceCandidateID, r.SourceFile,
		timeToDB(r.CreatedAt), timeToDB(r.UpdatedAt),
	}, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecipe(row rowScanner) (*types.Recipe, error) {
	var r types.Recipe
	var kind, knowledgeType, status string
	var summary, usage, content, relations, constraints, dimensions, tags sql.NullString
	var quality, stats, deprecation sql.NullString
	var qualityOverall float64
	var adoption, application int64
	var publishedAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&r.ID, &r.Title, &r.Description, &r.Language, &r.Category, &kind, &knowledgeType,
		&r.Complexity, &r.Scope, &summary, &usage, &content, &relations,
		&constraints, &r.Trigger, &dimensions, &tags, &status, &quality,
		&qualityOverall, &stats, &adoption, &application, &r.PublishedBy,
		&publishedAt, &deprecation, &r.SourceCandidateID, &r.SourceFile,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Kind = types.RecipeKind(kind)
	r.KnowledgeType = types.KnowledgeType(knowledgeType)
	r.Status = types.RecipeStatus(status)
	if err := jsonDec(summary, &r.Summary); err != nil {
		return nil, err
	}
	if err := jsonDec(usage, &r.UsageGuide); err != nil {
		return nil, err
	}
	if err := jsonDec(content, &r.Content); err != nil {
		return nil, err
	}
	if err := jsonDec(relations, &r.Relations); err != nil {
		return nil, err
	}
	if err := jsonDec(constraints, &r.Constraints); err != nil {
		return nil, err
	}
	if err := jsonDec(dimensions, &r.Dimensions); err != nil {
		return nil, err
	}
	if err := jsonDec(tags, &r.Tags); err != nil {
		return nil, err
	}
	if err := jsonDec(quality, &r.Quality); err != nil {
		return nil, err
	}
	if err := jsonDec(stats, &r.Statistics); err != nil {
		return nil, err
	}
	if deprecation.Valid && deprecation.String != "" {
		r.Deprecation = &types.Deprecation{}
		if err := jsonDec(deprecation, r.Deprecation); err != nil {
			return nil, err
		}
	}
	r.PublishedAt = timePtrFromDB(publishedAt)
	r.CreatedAt = timeFromDB(createdAt)
	r.UpdatedAt = timeFromDB(updatedAt)
	return &r, nil
}

var recipePlaceholders = "?" + strings.Repeat(", ?", strings.Count(recipeCols, ","))

// Create inserts a new recipe. Duplicate ids report Conflict.
func (r *RecipeRepo) Create(ctx context.Context, rec *types.Recipe) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	args, err := recipeArgs(rec)
	if err != nil {
		return err
	}
	return r.s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO recipes (`+recipeCols+`) VALUES (`+recipePlaceholders+`)`, args...)
		if isUniqueViolation(err) {
			return types.E(types.CodeConflict, "recipe %s already exists", rec.ID)
		}
		if err != nil {
			return storageErr("insert recipe", err)
		}
		return nil
	})
}

// Upsert inserts or replaces a recipe. The sync pipeline uses this; ids are
// stable per (source file, title) so replays are idempotent.
func (r *RecipeRepo) Upsert(ctx context.Context, rec *types.Recipe) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	args, err := recipeArgs(rec)
	if err != nil {
		return err
	}
	return r.s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO recipes (`+recipeCols+`) VALUES (`+recipePlaceholders+`)`, args...); err != nil {
			return storageErr("upsert recipe", err)
		}
		return nil
	})
}

// Get fetches one recipe by id.
func (r *RecipeRepo) Get(ctx context.Context, id string) (*types.Recipe, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	row := r.s.db.QueryRowContext(ctx, `SELECT `+recipeCols+` FROM recipes WHERE id = ?`, id)
	rec, err := scanRecipe(row)
	if err == sql.ErrNoRows {
		return nil, notFound("recipe", id)
	}
	if err != nil {
		return nil, storageErr("get recipe", err)
	}
	return rec, nil
}

// Update rewrites every column of an existing recipe.
func (r *RecipeRepo) Update(ctx context.Context, rec *types.Recipe) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	args, err := recipeArgs(rec)
	if err != nil {
		return err
	}
	cols := strings.Split(recipeCols, ",")
	var sets []string
	for _, c := range cols[1:] { // skip id
		sets = append(sets, strings.TrimSpace(c)+" = ?")
	}
	// id is the WHERE argument, not a SET
	args = append(args[1:], rec.ID)

	return r.s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE recipes SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
		if err != nil {
			return storageErr("update recipe", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return notFound("recipe", rec.ID)
		}
		return nil
	})
}

// Delete removes a recipe row.
func (r *RecipeRepo) Delete(ctx context.Context, id string) error {
	return r.s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM recipes WHERE id = ?`, id)
		if err != nil {
			return storageErr("delete recipe", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return notFound("recipe", id)
		}
		return nil
	})
}

// RecipeFilter narrows List. Zero values mean "any".
type RecipeFilter struct {
	Status        types.RecipeStatus
	Kind          types.RecipeKind
	KnowledgeType types.KnowledgeType
	Language      string
	Category      string
	Scope         string
	SourceFile    string
}

func (f RecipeFilter) where() (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(col string, v string) {
		if v != "" {
			conds = append(conds, col+" = ?")
			args = append(args, v)
		}
	}
	add("status", string(f.Status))
	add("kind", string(f.Kind))
	add("knowledge_type", string(f.KnowledgeType))
	add("language", f.Language)
	add("category", f.Category)
	add("scope", f.Scope)
	add("source_file", f.SourceFile)
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// List pages recipes matching the filter, newest first.
func (r *RecipeRepo) List(ctx context.Context, f RecipeFilter, page, pageSize int) (types.Page[*types.Recipe], error) {
	page, pageSize, offset := normalizePage(page, pageSize)
	where, args := f.where()

	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var total int64
	if err := r.s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM recipes`+where, args...).Scan(&total); err != nil {
		return types.Page[*types.Recipe]{}, storageErr("count recipes", err)
	}

	query := `SELECT ` + recipeCols + ` FROM recipes` + where + ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	rows, err := r.s.db.QueryContext(ctx, query, append(args, pageSize, offset)...)
	if err != nil {
		return types.Page[*types.Recipe]{}, storageErr("list recipes", err)
	}
	defer rows.Close()

	recipes, err := collectRecipes(rows)
	if err != nil {
		return types.Page[*types.Recipe]{}, err
	}
	return types.NewPage(recipes, page, pageSize, total), nil
}

// Search runs the keyword pre-filter over the text-bearing columns. User
// input never reaches the pattern unescaped.
func (r *RecipeRepo) Search(ctx context.Context, q string, f RecipeFilter, page, pageSize int) (types.Page[*types.Recipe], error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return r.List(ctx, f, page, pageSize)
	}
	page, pageSize, offset := normalizePage(page, pageSize)

	where, args := f.where()
	like := likeContains(q)
	textCols := []string{"title", "category", "description", "summary_json", "usage_guide_json", "content_json", "constraints_json", "tags_json", `"trigger"`}
	var likes []string
	var likeArgs []interface{}
	for _, c := range textCols {
		likes = append(likes, c+` LIKE ? ESCAPE '\'`)
		likeArgs = append(likeArgs, like)
	}
	cond := "(" + strings.Join(likes, " OR ") + ")"
	if where == "" {
		where = " WHERE " + cond
	} else {
		where += " AND " + cond
	}
	args = append(args, likeArgs...)

	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var total int64
	if err := r.s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM recipes`+where, args...).Scan(&total); err != nil {
		return types.Page[*types.Recipe]{}, storageErr("count search", err)
	}

	rows, err := r.s.db.QueryContext(ctx,
		`SELECT `+recipeCols+` FROM recipes`+where+` ORDER BY updated_at DESC, id LIMIT ? OFFSET ?`,
		append(args, pageSize, offset)...)
	if err != nil {
		return types.Page[*types.Recipe]{}, storageErr("search recipes", err)
	}
	defer rows.Close()

	recipes, err := collectRecipes(rows)
	if err != nil {
		return types.Page[*types.Recipe]{}, err
	}
	return types.NewPage(recipes, page, pageSize, total), nil
}

// ListByField pages recipes where an arbitrary column equals a value. The
// column must pass the identifier grammar and exist in the live schema.
func (r *RecipeRepo) ListByField(ctx context.Context, field, value string, page, pageSize int) (types.Page[*types.Recipe], error) {
	if err := r.s.assertColumn("recipes", field); err != nil {
		return types.Page[*types.Recipe]{}, err
	}
	page, pageSize, offset := normalizePage(page, pageSize)

	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var total int64
	// Quoting covers columns whose name collides with a SQL keyword.
	if err := r.s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM recipes WHERE "`+field+`" = ?`, value).Scan(&total); err != nil {
		return types.Page[*types.Recipe]{}, storageErr("count by field", err)
	}
	rows, err := r.s.db.QueryContext(ctx,
		`SELECT `+recipeCols+` FROM recipes WHERE "`+field+`" = ? ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		value, pageSize, offset)
	if err != nil {
		return types.Page[*types.Recipe]{}, storageErr("list by field", err)
	}
	defer rows.Close()

	recipes, err := collectRecipes(rows)
	if err != nil {
		return types.Page[*types.Recipe]{}, err
	}
	return types.NewPage(recipes, page, pageSize, total), nil
}

// FindWithGuards returns active recipes carrying at least one guard rule.
// The LIKE pass is a coarse filter; the real check happens on the parsed row.
func (r *RecipeRepo) FindWithGuards(ctx context.Context) ([]*types.Recipe, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	rows, err := r.s.db.QueryContext(ctx,
		`SELECT `+recipeCols+` FROM recipes WHERE status = ? AND constraints_json LIKE ? ESCAPE '\'`,
		string(types.RecipeActive), `%"guards"%`)
	if err != nil {
		return nil, storageErr("find guarded recipes", err)
	}
	defer rows.Close()

	all, err := collectRecipes(rows)
	if err != nil {
		return nil, err
	}
	var out []*types.Recipe
	for _, rec := range all {
		if len(rec.Constraints.Guards) > 0 {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Recommendations returns active recipes ordered by the blended quality and
// adoption score, best first.
func (r *RecipeRepo) Recommendations(ctx context.Context, limit int) ([]*types.Recipe, error) {
	if limit <= 0 {
		limit = 10
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	rows, err := r.s.db.QueryContext(ctx, `
		SELECT `+recipeCols+` FROM recipes
		WHERE status = ?
		ORDER BY 0.5*quality_overall
			+ 0.3*MIN(adoption_count/100.0, 1.0)
			+ 0.2*MIN(application_count/100.0, 1.0) DESC,
			updated_at DESC, id
		LIMIT ?`, string(types.RecipeActive), limit)
	if err != nil {
		return nil, storageErr("list recommendations", err)
	}
	defer rows.Close()
	return collectRecipes(rows)
}

// ListBySourceFile returns every recipe synced from one markdown file.
func (r *RecipeRepo) ListBySourceFile(ctx context.Context, sourceFile string) ([]*types.Recipe, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	rows, err := r.s.db.QueryContext(ctx,
		`SELECT `+recipeCols+` FROM recipes WHERE source_file = ? ORDER BY id`, sourceFile)
	if err != nil {
		return nil, storageErr("list by source file", err)
	}
	defer rows.Close()
	return collectRecipes(rows)
}

// ListIDs returns every recipe id, for graph backfills and orphan sweeps.
func (r *RecipeRepo) ListIDs(ctx context.Context) (map[string]bool, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	rows, err := r.s.db.QueryContext(ctx, `SELECT id FROM recipes`)
	if err != nil {
		return nil, storageErr("list recipe ids", err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("scan recipe id", err)
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// CountByStatus reports recipe totals per lifecycle state.
func (r *RecipeRepo) CountByStatus(ctx context.Context) (map[types.RecipeStatus]int64, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	rows, err := r.s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM recipes GROUP BY status`)
	if err != nil {
		return nil, storageErr("count by status", err)
	}
	defer rows.Close()

	out := make(map[types.RecipeStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, storageErr("scan status count", err)
		}
		out[types.RecipeStatus(status)] = n
	}
	return out, rows.Err()
}

func collectRecipes(rows *sql.Rows) ([]*types.Recipe, error) {
	var out []*types.Recipe
	for rows.Next() {
		rec, err := scanRecipe(rows)
		if err != nil {
			return nil, storageErr("scan recipe", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate recipes", err)
	}
	return out, nil
}

// isUniqueViolation detects a primary-key collision from the driver.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if se, ok := err.(sqlite3.Error); ok {
		return se.Code == sqlite3.ErrConstraint
	}
	return false
}
