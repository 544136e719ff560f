package store

import (
	"regexp"
	"strings"
	"sync"

	"autosnippet/internal/types"
)

// identRe is the only shape an interpolated identifier may take. Everything
// else goes through placeholders.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// columnCache holds the live column whitelist per table, read once from
// PRAGMA table_info.
var columnCache sync.Map // table -> map[string]bool

// validIdentifier checks the identifier grammar before any schema lookup.
func validIdentifier(name string) bool {
	return identRe.MatchString(name)
}

// assertColumn rejects a field name unless it matches the identifier grammar
// AND exists in the table's live schema. Dynamic field queries never reach
// SQL without passing here.
func (s *Store) assertColumn(table, column string) error {
	if !validIdentifier(table) || !validIdentifier(column) {
		return types.E(types.CodeInvalidIdentifier, "invalid identifier %q.%q", table, column)
	}

	if cached, ok := columnCache.Load(table); ok {
		if cached.(map[string]bool)[column] {
			return nil
		}
		return types.E(types.CodeInvalidIdentifier, "column %q does not exist on %s", column, table)
	}

	rows, err := s.db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return storageErr("read table schema", err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var cid int
		var name, ctype string
		var notNull, pk int
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return storageErr("scan table schema", err)
		}
		cols[name] = true
	}
	if err := rows.Err(); err != nil {
		return storageErr("iterate table schema", err)
	}
	columnCache.Store(table, cols)

	if !cols[column] {
		return types.E(types.CodeInvalidIdentifier, "column %q does not exist on %s", column, table)
	}
	return nil
}

// invalidateColumnCache drops cached schemas after migrations alter tables.
func invalidateColumnCache() {
	columnCache.Range(func(k, _ interface{}) bool {
		columnCache.Delete(k)
		return true
	})
}

// escapeLike neutralizes user input inside a LIKE pattern. Queries using it
// must carry ESCAPE '\'.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// likeContains builds a substring LIKE pattern from raw user input.
func likeContains(s string) string {
	return "%" + escapeLike(s) + "%"
}
