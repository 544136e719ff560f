package store

import (
	"context"
	"database/sql"
	"strings"

	"autosnippet/internal/types"
)

// CandidateRepo persists review candidates.
type CandidateRepo struct {
	s *Store
}

const candidateCols = `id, code, language, category, source, reasoning_json, status,
	history_json, created_by, approved_by, approved_at, rejected_by, rejection_reason,
	applied_recipe_id, metadata_json, created_at, updated_at`

var candidatePlaceholders = "?" + strings.Repeat(", ?", strings.Count(candidateCols, ","))

func candidateArgs(c *types.Candidate) ([]interface{}, error) {
	reasoning := ""
	if c.Reasoning != nil {
		var err error
		if reasoning, err = jsonEnc(c.Reasoning); err != nil {
			return nil, err
		}
	}
	history := ""
	if len(c.StatusHistory) > 0 {
		var err error
		if history, err = jsonEnc(c.StatusHistory); err != nil {
			return nil, err
		}
	}
	metadata := ""
	if len(c.Metadata) > 0 {
		var err error
		if metadata, err = jsonEnc(c.Metadata); err != nil {
			return nil, err
		}
	}
	return []interface{}{
		c.ID, c.Code, c.Language, c.Category, c.Source, reasoning, string(c.Status),
		history, c.CreatedBy, c.ApprovedBy, timePtrToDB(c.ApprovedAt), c.RejectedBy, c.RejectionReason,
		c.AppliedRecipeID, metadata, timeToDB(c.CreatedAt), timeToDB(c.UpdatedAt),
	}, nil
}

func scanCandidate(row rowScanner) (*types.Candidate, error) {
	var c types.Candidate
	var status string
	var reasoning, history, metadata, approvedAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&c.ID, &c.Code, &c.Language, &c.Category, &c.Source, &reasoning, &status,
		&history, &c.CreatedBy, &c.ApprovedBy, &approvedAt, &c.RejectedBy, &c.RejectionReason,
		&c.AppliedRecipeID, &metadata, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Status = types.CandidateStatus(status)
	if reasoning.Valid && reasoning.String != "" {
		c.Reasoning = &types.Reasoning{}
		if err := jsonDec(reasoning, c.Reasoning); err != nil {
			return nil, err
		}
	}
	if err := jsonDec(history, &c.StatusHistory); err != nil {
		return nil, err
	}
	if err := jsonDec(metadata, &c.Metadata); err != nil {
		return nil, err
	}
	c.ApprovedAt = timePtrFromDB(approvedAt)
	c.CreatedAt = timeFromDB(createdAt)
	c.UpdatedAt = timeFromDB(updatedAt)
	return &c, nil
}

// Create inserts a new pending candidate.
func (r *CandidateRepo) Create(ctx context.Context, c *types.Candidate) error {
	if strings.TrimSpace(c.Code) == "" {
		return types.E(types.CodeValidation, "candidate %s has empty code", c.ID)
	}
	args, err := candidateArgs(c)
	if err != nil {
		return err
	}
	return r.s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO candidates (`+candidateCols+`) VALUES (`+candidatePlaceholders+`)`, args...)
		if isUniqueViolation(err) {
			return types.E(types.CodeConflict, "candidate %s already exists", c.ID)
		}
		if err != nil {
			return storageErr("insert candidate", err)
		}
		return nil
	})
}

// Get fetches one candidate by id.
func (r *CandidateRepo) Get(ctx context.Context, id string) (*types.Candidate, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	row := r.s.db.QueryRowContext(ctx, `SELECT `+candidateCols+` FROM candidates WHERE id = ?`, id)
	c, err := scanCandidate(row)
	if err == sql.ErrNoRows {
		return nil, notFound("candidate", id)
	}
	if err != nil {
		return nil, storageErr("get candidate", err)
	}
	return c, nil
}

// Update rewrites a candidate row.
func (r *CandidateRepo) Update(ctx context.Context, c *types.Candidate) error {
	args, err := candidateArgs(c)
	if err != nil {
		return err
	}
	cols := strings.Split(candidateCols, ",")
	var sets []string
	for _, col := range cols[1:] {
		sets = append(sets, strings.TrimSpace(col)+" = ?")
	}
	args = append(args[1:], c.ID)

	return r.s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE candidates SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
		if err != nil {
			return storageErr("update candidate", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return notFound("candidate", c.ID)
		}
		return nil
	})
}

// Delete removes a candidate row.
func (r *CandidateRepo) Delete(ctx context.Context, id string) error {
	return r.s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM candidates WHERE id = ?`, id)
		if err != nil {
			return storageErr("delete candidate", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return notFound("candidate", id)
		}
		return nil
	})
}

// CandidateFilter narrows List. Zero values mean "any".
type CandidateFilter struct {
	Status   types.CandidateStatus
	Source   string
	Language string
}

// List pages candidates, newest first.
func (r *CandidateRepo) List(ctx context.Context, f CandidateFilter, page, pageSize int) (types.Page[*types.Candidate], error) {
	page, pageSize, offset := normalizePage(page, pageSize)

	var conds []string
	var args []interface{}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Source != "" {
		conds = append(conds, "source = ?")
		args = append(args, f.Source)
	}
	if f.Language != "" {
		conds = append(conds, "language = ?")
		args = append(args, f.Language)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var total int64
	if err := r.s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM candidates`+where, args...).Scan(&total); err != nil {
		return types.Page[*types.Candidate]{}, storageErr("count candidates", err)
	}

	rows, err := r.s.db.QueryContext(ctx,
		`SELECT `+candidateCols+` FROM candidates`+where+` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		append(args, pageSize, offset)...)
	if err != nil {
		return types.Page[*types.Candidate]{}, storageErr("list candidates", err)
	}
	defer rows.Close()

	var out []*types.Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return types.Page[*types.Candidate]{}, storageErr("scan candidate", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return types.Page[*types.Candidate]{}, storageErr("iterate candidates", err)
	}
	return types.NewPage(out, page, pageSize, total), nil
}

// CountByStatus reports candidate totals per review state.
func (r *CandidateRepo) CountByStatus(ctx context.Context) (map[types.CandidateStatus]int64, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	rows, err := r.s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM candidates GROUP BY status`)
	if err != nil {
		return nil, storageErr("count candidates by status", err)
	}
	defer rows.Close()

	out := make(map[types.CandidateStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, storageErr("scan candidate count", err)
		}
		out[types.CandidateStatus(status)] = n
	}
	return out, rows.Err()
}

// FindByCreatedBy lists the candidates submitted by one actor, newest first.
func (r *CandidateRepo) FindByCreatedBy(ctx context.Context, createdBy string, page, pageSize int) (types.Page[*types.Candidate], error) {
	page, pageSize, offset := normalizePage(page, pageSize)

	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var total int64
	if err := r.s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM candidates WHERE created_by = ?`, createdBy).Scan(&total); err != nil {
		return types.Page[*types.Candidate]{}, storageErr("count candidates by creator", err)
	}

	rows, err := r.s.db.QueryContext(ctx,
		`SELECT `+candidateCols+` FROM candidates WHERE created_by = ? ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		createdBy, pageSize, offset)
	if err != nil {
		return types.Page[*types.Candidate]{}, storageErr("list candidates by creator", err)
	}
	defer rows.Close()

	out, err := collectCandidates(rows)
	if err != nil {
		return types.Page[*types.Candidate]{}, err
	}
	return types.NewPage(out, page, pageSize, total), nil
}

// Search runs an escaped substring match over the text-bearing candidate
// columns: code, reasoning, and metadata (which carries the description).
func (r *CandidateRepo) Search(ctx context.Context, q string, page, pageSize int) (types.Page[*types.Candidate], error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return r.List(ctx, CandidateFilter{}, page, pageSize)
	}
	page, pageSize, offset := normalizePage(page, pageSize)

	like := likeContains(q)
	where := ` WHERE (code LIKE ? ESCAPE '\' OR reasoning_json LIKE ? ESCAPE '\' OR metadata_json LIKE ? ESCAPE '\')`
	args := []interface{}{like, like, like}

	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var total int64
	if err := r.s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM candidates`+where, args...).Scan(&total); err != nil {
		return types.Page[*types.Candidate]{}, storageErr("count candidate search", err)
	}

	rows, err := r.s.db.QueryContext(ctx,
		`SELECT `+candidateCols+` FROM candidates`+where+` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		append(args, pageSize, offset)...)
	if err != nil {
		return types.Page[*types.Candidate]{}, storageErr("search candidates", err)
	}
	defer rows.Close()

	out, err := collectCandidates(rows)
	if err != nil {
		return types.Page[*types.Candidate]{}, err
	}
	return types.NewPage(out, page, pageSize, total), nil
}

func collectCandidates(rows *sql.Rows) ([]*types.Candidate, error) {
	var out []*types.Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, storageErr("scan candidate", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate candidates", err)
	}
	return out, nil
}
