package store

import (
	"context"
	"database/sql"

	"autosnippet/internal/types"
)

// ViolationRepo persists guard-check outcomes, one row per invocation.
type ViolationRepo struct {
	s *Store
}

const violationCols = `id, file_path, triggered_at, violation_count, summary, violations_json, created_at`

// Record inserts one guard-check outcome.
func (r *ViolationRepo) Record(ctx context.Context, v *types.GuardViolation) error {
	if v.FilePath == "" {
		return types.E(types.CodeValidation, "guard violation requires a file path")
	}
	details := ""
	if len(v.Violations) > 0 {
		var err error
		if details, err = jsonEnc(v.Violations); err != nil {
			return err
		}
	}
	if v.TriggeredAt.IsZero() {
		v.TriggeredAt = timeNow()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = v.TriggeredAt
	}
	return r.s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO guard_violations (`+violationCols+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			v.ID, v.FilePath, timeToDB(v.TriggeredAt), v.ViolationCount, v.Summary, details,
			timeToDB(v.CreatedAt)); err != nil {
			return storageErr("record violation", err)
		}
		return nil
	})
}

// ListByFile pages guard-check history for one file, newest first.
func (r *ViolationRepo) ListByFile(ctx context.Context, filePath string, page, pageSize int) (types.Page[*types.GuardViolation], error) {
	page, pageSize, offset := normalizePage(page, pageSize)

	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var total int64
	if err := r.s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM guard_violations WHERE file_path = ?`, filePath).Scan(&total); err != nil {
		return types.Page[*types.GuardViolation]{}, storageErr("count violations", err)
	}

	rows, err := r.s.db.QueryContext(ctx,
		`SELECT `+violationCols+` FROM guard_violations WHERE file_path = ?
		 ORDER BY triggered_at DESC, id LIMIT ? OFFSET ?`, filePath, pageSize, offset)
	if err != nil {
		return types.Page[*types.GuardViolation]{}, storageErr("list violations", err)
	}
	defer rows.Close()

	out, err := collectViolations(rows)
	if err != nil {
		return types.Page[*types.GuardViolation]{}, err
	}
	return types.NewPage(out, page, pageSize, total), nil
}

// Recent returns the latest guard-check outcomes across all files.
func (r *ViolationRepo) Recent(ctx context.Context, limit int) ([]*types.GuardViolation, error) {
	if limit <= 0 {
		limit = 20
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	rows, err := r.s.db.QueryContext(ctx,
		`SELECT `+violationCols+` FROM guard_violations ORDER BY triggered_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, storageErr("list recent violations", err)
	}
	defer rows.Close()
	return collectViolations(rows)
}

func collectViolations(rows *sql.Rows) ([]*types.GuardViolation, error) {
	var out []*types.GuardViolation
	for rows.Next() {
		var v types.GuardViolation
		var triggeredAt, createdAt string
		var details sql.NullString
		if err := rows.Scan(&v.ID, &v.FilePath, &triggeredAt, &v.ViolationCount, &v.Summary,
			&details, &createdAt); err != nil {
			return nil, storageErr("scan violation", err)
		}
		if err := jsonDec(details, &v.Violations); err != nil {
			return nil, err
		}
		v.TriggeredAt = timeFromDB(triggeredAt)
		v.CreatedAt = timeFromDB(createdAt)
		out = append(out, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate violations", err)
	}
	return out, nil
}
