// Package sqlexec runs statements against a tenant database. It owns
// execution, result shaping and catalog lookups; callers build the SQL text.
package sqlexec

import (
	"context"
	"strings"
)

// Executor is bound to one database connection for the duration of an
// operation. Close releases the connection back to its pool.
type Executor interface {
	// Exec runs a statement and returns the affected row count.
	Exec(ctx context.Context, stmt string, args ...any) (int64, error)
	// Query returns every row as a column -> value map. []byte values are
	// returned as strings.
	Query(ctx context.Context, query string, args ...any) ([]map[string]any, error)
	TableExists(ctx context.Context, table string) (bool, error)
	ColumnExists(ctx context.Context, table, column string) (bool, error)
	// ListTables returns table names in the current schema matching a LIKE
	// pattern.
	ListTables(ctx context.Context, like string) ([]string, error)
	// IndexStatements returns ALTER TABLE statements that recreate the
	// indexes of from on to, skipping index names to already has.
	IndexStatements(ctx context.Context, from, to string) ([]string, error)
	RowCount(ctx context.Context, table string) (int64, error)
	Database() string
	Close() error
}

// Dialer hands out executors for a DSN.
type Dialer interface {
	Dial(ctx context.Context, dsn string) (Executor, error)
}

// QuoteIdent quotes a MySQL identifier.
func QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// EscapeLike escapes the LIKE wildcards in s so it matches literally.
func EscapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
