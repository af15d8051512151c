package sqlexec

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/feichai0017/table-dispatcher/pkg/logger"
)

// DefaultStatementTimeout bounds a single statement. Rebuilding a large
// composed table routinely takes minutes.
const DefaultStatementTimeout = 1000 * time.Second

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// MySQL is an Executor over a *sql.DB or a pinned *sql.Conn.
type MySQL struct {
	q        queryer
	closer   func() error
	database string
	timeout  time.Duration
	logger   logger.Logger
}

// New wraps q. database is used for logging only; catalog lookups use
// DATABASE() of the session.
func New(q queryer, database string, log logger.Logger, opts ...Option) *MySQL {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	m := &MySQL{
		q:        q,
		database: database,
		timeout:  o.statementTimeout,
		logger:   log,
	}
	if c, ok := q.(interface{ Close() error }); ok && o.closeUnderlying {
		m.closer = c.Close
	}
	return m
}

func (m *MySQL) Database() string { return m.database }

func (m *MySQL) Close() error {
	if m.closer == nil {
		return nil
	}
	return m.closer()
}

func (m *MySQL) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.timeout)
}

func (m *MySQL) Exec(ctx context.Context, stmt string, args ...any) (int64, error) {
	log := logger.FromContext(ctx, m.logger)
	log.Info("Execute sql", logger.String("database", m.database), logger.String("sql", stmt))

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	res, err := m.q.ExecContext(ctx, stmt, args...)
	if err != nil {
		log.Error("Sql failed",
			logger.String("sql", stmt),
			logger.Duration("elapsed", time.Since(start)),
			logger.Error(err))
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		// DDL reports no row count on some servers
		return 0, nil
	}
	return affected, nil
}

func (m *MySQL) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	logger.FromContext(ctx, m.logger).Debug("Query sql",
		logger.String("database", m.database), logger.String("sql", query))

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	rows, err := m.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRowsToMaps(rows)
}

func scanRowsToMaps(rows *sql.Rows) ([]map[string]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, err
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

func (m *MySQL) count(ctx context.Context, query string, args ...any) (int64, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	var n int64
	if err := m.q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (m *MySQL) TableExists(ctx context.Context, table string) (bool, error) {
	n, err := m.count(ctx, `SELECT COUNT(*) FROM information_schema.TABLES
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?`, table)
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", table, err)
	}
	return n > 0, nil
}

func (m *MySQL) ColumnExists(ctx context.Context, table, column string) (bool, error) {
	n, err := m.count(ctx, `SELECT COUNT(*) FROM information_schema.COLUMNS
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ? AND COLUMN_NAME = ?`, table, column)
	if err != nil {
		return false, fmt.Errorf("check column %s.%s: %w", table, column, err)
	}
	return n > 0, nil
}

func (m *MySQL) RowCount(ctx context.Context, table string) (int64, error) {
	stmt := "SELECT COUNT(*) FROM " + QuoteIdent(table)
	logger.FromContext(ctx, m.logger).Info("Execute sql", logger.String("sql", stmt))
	n, err := m.count(ctx, stmt)
	if err != nil {
		return 0, fmt.Errorf("count rows of %s: %w", table, err)
	}
	return n, nil
}

func (m *MySQL) ListTables(ctx context.Context, like string) ([]string, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	rows, err := m.q.QueryContext(ctx, `SELECT TABLE_NAME FROM information_schema.TABLES
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME LIKE ? ORDER BY TABLE_NAME`, like)
	if err != nil {
		return nil, fmt.Errorf("list tables like %s: %w", like, err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

type indexColumn struct {
	name      string
	nonUnique bool
	indexType string
	column    string
	subPart   sql.NullInt64
}

func (m *MySQL) IndexStatements(ctx context.Context, from, to string) ([]string, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	rows, err := m.q.QueryContext(ctx, `SELECT INDEX_NAME, NON_UNIQUE, INDEX_TYPE, COLUMN_NAME, SUB_PART
		FROM information_schema.STATISTICS
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?
		ORDER BY INDEX_NAME, SEQ_IN_INDEX`, from)
	if err != nil {
		return nil, fmt.Errorf("read indexes of %s: %w", from, err)
	}
	var cols []indexColumn
	for rows.Next() {
		var c indexColumn
		var nonUnique int
		if err := rows.Scan(&c.name, &nonUnique, &c.indexType, &c.column, &c.subPart); err != nil {
			rows.Close()
			return nil, err
		}
		c.nonUnique = nonUnique == 1
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	existing, err := m.indexNames(ctx, to)
	if err != nil {
		return nil, err
	}

	var stmts []string
	for i := 0; i < len(cols); {
		j := i
		var parts []string
		for ; j < len(cols) && cols[j].name == cols[i].name; j++ {
			part := QuoteIdent(cols[j].column)
			if cols[j].subPart.Valid {
				part += fmt.Sprintf("(%d)", cols[j].subPart.Int64)
			}
			parts = append(parts, part)
		}
		if !existing[strings.ToUpper(cols[i].name)] {
			stmts = append(stmts, addIndexStatement(to, cols[i], parts))
		}
		i = j
	}
	return stmts, nil
}

func (m *MySQL) indexNames(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := m.q.QueryContext(ctx, `SELECT DISTINCT INDEX_NAME FROM information_schema.STATISTICS
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?`, table)
	if err != nil {
		return nil, fmt.Errorf("read indexes of %s: %w", table, err)
	}
	defer rows.Close()

	names := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names[strings.ToUpper(name)] = true
	}
	return names, rows.Err()
}

func addIndexStatement(table string, c indexColumn, parts []string) string {
	cols := "(" + strings.Join(parts, ", ") + ")"
	prefix := "ALTER TABLE " + QuoteIdent(table) + " ADD "
	kind := strings.ToUpper(c.indexType)

	switch {
	case strings.EqualFold(c.name, "PRIMARY"):
		return prefix + "PRIMARY KEY USING " + kind + " " + cols
	case kind == "FULLTEXT":
		return prefix + "FULLTEXT INDEX " + QuoteIdent(c.name) + " " + cols
	case kind == "SPATIAL":
		return prefix + "SPATIAL INDEX " + QuoteIdent(c.name) + " " + cols
	case !c.nonUnique:
		return prefix + "UNIQUE INDEX " + QuoteIdent(c.name) + " USING " + kind + " " + cols
	default:
		return prefix + "INDEX " + QuoteIdent(c.name) + " USING " + kind + " " + cols
	}
}
