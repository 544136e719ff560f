package store

import (
	"context"
	"database/sql"
	"time"

	"autosnippet/internal/types"
)

// SessionRepo persists interaction sessions.
type SessionRepo struct {
	s *Store
}

const sessionCols = `id, scope, scope_id, context, metadata_json, actor,
	created_at, last_active_at, expired_at`

func scanSession(row rowScanner) (*types.Session, error) {
	var sess types.Session
	var metadata, expiredAt sql.NullString
	var createdAt, lastActiveAt string
	if err := row.Scan(&sess.ID, &sess.Scope, &sess.ScopeID, &sess.Context, &metadata, &sess.Actor,
		&createdAt, &lastActiveAt, &expiredAt); err != nil {
		return nil, err
	}
	if err := jsonDec(metadata, &sess.Metadata); err != nil {
		return nil, err
	}
	sess.CreatedAt = timeFromDB(createdAt)
	sess.LastActiveAt = timeFromDB(lastActiveAt)
	sess.ExpiredAt = timePtrFromDB(expiredAt)
	return &sess, nil
}

// Create inserts a new session.
func (r *SessionRepo) Create(ctx context.Context, sess *types.Session) error {
	metadata := ""
	if len(sess.Metadata) > 0 {
		var err error
		if metadata, err = jsonEnc(sess.Metadata); err != nil {
			return err
		}
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = timeNow()
	}
	if sess.LastActiveAt.IsZero() {
		sess.LastActiveAt = sess.CreatedAt
	}
	return r.s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO sessions (`+sessionCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.Scope, sess.ScopeID, sess.Context, metadata, sess.Actor,
			timeToDB(sess.CreatedAt), timeToDB(sess.LastActiveAt), timePtrToDB(sess.ExpiredAt))
		if isUniqueViolation(err) {
			return types.E(types.CodeConflict, "session %s already exists", sess.ID)
		}
		if err != nil {
			return storageErr("insert session", err)
		}
		return nil
	})
}

// Get fetches one session by id.
func (r *SessionRepo) Get(ctx context.Context, id string) (*types.Session, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	row := r.s.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, notFound("session", id)
	}
	if err != nil {
		return nil, storageErr("get session", err)
	}
	return sess, nil
}

// Touch bumps last_active_at for a live session.
func (r *SessionRepo) Touch(ctx context.Context, id string) error {
	return r.s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE sessions SET last_active_at = ? WHERE id = ? AND expired_at IS NULL`,
			timeToDB(timeNow()), id)
		if err != nil {
			return storageErr("touch session", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return notFound("session", id)
		}
		return nil
	})
}

// ExpireStale marks sessions idle past ttl as expired and reports how many.
func (r *SessionRepo) ExpireStale(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := timeToDB(timeNow().Add(-ttl))
	var n int64
	err := r.s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE sessions SET expired_at = ? WHERE expired_at IS NULL AND last_active_at < ?`,
			timeToDB(timeNow()), cutoff)
		if err != nil {
			return storageErr("expire sessions", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

// ListActive returns sessions that have not expired, most recent first.
func (r *SessionRepo) ListActive(ctx context.Context, limit int) ([]*types.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	rows, err := r.s.db.QueryContext(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE expired_at IS NULL ORDER BY last_active_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, storageErr("list sessions", err)
	}
	defer rows.Close()

	var out []*types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, storageErr("scan session", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}
