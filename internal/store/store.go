// Package store is the SQLite persistence layer for the AutoSnippet engine.
// One store per project, living in .autosnippet/autosnippet.db. The database
// is a rebuildable cache of the markdown knowledge directory plus runtime-only
// records (audit, sessions, violations, index tables).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"autosnippet/internal/logging"
	"autosnippet/internal/types"
)

// DBFileName is the cache database file inside the runtime directory.
const DBFileName = "autosnippet.db"

// Store wraps the single SQLite connection shared by every repository.
// SQLite allows one writer at a time; the mutex serializes write paths so
// busy-timeout churn never reaches callers.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open creates or opens the project database and brings the schema up to
// date. A failed migration is fatal: the error names the migration and the
// store is not returned.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, types.Wrap(types.CodeStorage, err, "cannot create database directory %s", dir)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, types.Wrap(types.CodeStorage, err, "cannot open database %s", path)
	}

	// Single connection: serialization happens in-process, not via SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, types.Wrap(types.CodeStorage, err, "pragma failed: %s", p)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("database ready at %s", path)
	return s, nil
}

// OpenMemory opens an in-memory store for tests.
func OpenMemory() (*Store, error) {
	return Open(":memory:")
}

// DB exposes the raw handle for the index layer's bulk operations.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Recipes returns the recipe repository.
func (s *Store) Recipes() *RecipeRepo { return &RecipeRepo{s: s} }

// Candidates returns the candidate repository.
func (s *Store) Candidates() *CandidateRepo { return &CandidateRepo{s: s} }

// Snippets returns the snippet repository.
func (s *Store) Snippets() *SnippetRepo { return &SnippetRepo{s: s} }

// Edges returns the knowledge-edge repository.
func (s *Store) Edges() *EdgeRepo { return &EdgeRepo{s: s} }

// Audit returns the append-only audit repository.
func (s *Store) Audit() *AuditRepo { return &AuditRepo{s: s} }

// Sessions returns the session repository.
func (s *Store) Sessions() *SessionRepo { return &SessionRepo{s: s} }

// Violations returns the guard-violation repository.
func (s *Store) Violations() *ViolationRepo { return &ViolationRepo{s: s} }

// withTx runs fn inside a transaction under the write lock.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.Wrap(types.CodeStorage, err, "begin transaction")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return types.Wrap(types.CodeStorage, err, "commit transaction")
	}
	return nil
}

// =============================================================================
// ROW CODEC HELPERS
// =============================================================================

// jsonEnc serializes v for a TEXT column; nil-ish values become "".
func jsonEnc(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", types.Wrap(types.CodeStorage, err, "serialize column value")
	}
	if string(b) == "null" {
		return "", nil
	}
	return string(b), nil
}

// jsonDec parses a TEXT column into v; empty strings are a no-op.
func jsonDec(s sql.NullString, v interface{}) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s.String), v); err != nil {
		return types.Wrap(types.CodeSchema, err, "corrupt column payload")
	}
	return nil
}

func timeNow() time.Time {
	return time.Now().UTC()
}

// timeToDB stores timestamps as RFC3339 UTC strings.
func timeToDB(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// timePtrToDB handles optional timestamps.
func timePtrToDB(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: timeToDB(*t), Valid: true}
}

// timeFromDB tolerates both RFC3339 and the SQLite default format.
func timeFromDB(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

func timePtrFromDB(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := timeFromDB(s.String)
	if t.IsZero() {
		return nil
	}
	return &t
}

// normalizePage clamps paging inputs to sane bounds.
func normalizePage(page, pageSize int) (int, int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize, (page - 1) * pageSize
}

// notFound is the uniform miss error for repositories.
func notFound(kind, id string) error {
	return types.E(types.CodeNotFound, "%s %s not found", kind, id)
}

// storageErr wraps a driver error without leaking SQL into the message.
func storageErr(op string, err error) error {
	return types.Wrap(types.CodeStorage, err, "%s failed", op)
}
