package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"autosnippet/internal/types"
)

// AuditRepo is the append-only gateway trail. Rows are inserted and read,
// never updated or deleted.
type AuditRepo struct {
	s *Store
}

const auditCols = `id, timestamp, actor, actor_context, action, resource,
	operation_json, result, error_message, duration_ms`

// Append inserts one audit record.
func (r *AuditRepo) Append(ctx context.Context, a *types.AuditLog) error {
	if a.Action == "" || a.Result == "" {
		return types.E(types.CodeValidation, "audit record requires action and result")
	}
	operation := ""
	if len(a.OperationData) > 0 {
		var err error
		if operation, err = jsonEnc(a.OperationData); err != nil {
			return err
		}
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = timeNow()
	}
	return r.s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO audit_logs (`+auditCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, timeToDB(a.Timestamp), a.Actor, a.ActorContext, a.Action, a.Resource,
			operation, a.Result, a.ErrorMessage, a.Duration.Milliseconds()); err != nil {
			return storageErr("append audit", err)
		}
		return nil
	})
}

// AuditFilter narrows List. Zero values mean "any".
type AuditFilter struct {
	Actor  string
	Action string
	Result string
	Since  time.Time
}

// List pages audit records, newest first.
func (r *AuditRepo) List(ctx context.Context, f AuditFilter, page, pageSize int) (types.Page[*types.AuditLog], error) {
	page, pageSize, offset := normalizePage(page, pageSize)

	var conds []string
	var args []interface{}
	if f.Actor != "" {
		conds = append(conds, "actor = ?")
		args = append(args, f.Actor)
	}
	if f.Action != "" {
		conds = append(conds, "action = ?")
		args = append(args, f.Action)
	}
	if f.Result != "" {
		conds = append(conds, "result = ?")
		args = append(args, f.Result)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, timeToDB(f.Since))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var total int64
	if err := r.s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_logs`+where, args...).Scan(&total); err != nil {
		return types.Page[*types.AuditLog]{}, storageErr("count audit", err)
	}

	rows, err := r.s.db.QueryContext(ctx,
		`SELECT `+auditCols+` FROM audit_logs`+where+` ORDER BY timestamp DESC, id LIMIT ? OFFSET ?`,
		append(args, pageSize, offset)...)
	if err != nil {
		return types.Page[*types.AuditLog]{}, storageErr("list audit", err)
	}
	defer rows.Close()

	var out []*types.AuditLog
	for rows.Next() {
		var a types.AuditLog
		var ts string
		var operation sql.NullString
		var durationMS int64
		if err := rows.Scan(&a.ID, &ts, &a.Actor, &a.ActorContext, &a.Action, &a.Resource,
			&operation, &a.Result, &a.ErrorMessage, &durationMS); err != nil {
			return types.Page[*types.AuditLog]{}, storageErr("scan audit", err)
		}
		if err := jsonDec(operation, &a.OperationData); err != nil {
			return types.Page[*types.AuditLog]{}, err
		}
		a.Timestamp = timeFromDB(ts)
		a.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return types.Page[*types.AuditLog]{}, storageErr("iterate audit", err)
	}
	return types.NewPage(out, page, pageSize, total), nil
}

// CountByResult reports audit totals per outcome.
func (r *AuditRepo) CountByResult(ctx context.Context) (map[string]int64, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	rows, err := r.s.db.QueryContext(ctx, `SELECT result, COUNT(*) FROM audit_logs GROUP BY result`)
	if err != nil {
		return nil, storageErr("count audit by result", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var result string
		var n int64
		if err := rows.Scan(&result, &n); err != nil {
			return nil, storageErr("scan audit count", err)
		}
		out[result] = n
	}
	return out, rows.Err()
}
