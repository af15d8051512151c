// Package testutil provides in-memory stand-ins for the database, the
// metadata store and the job queue. It is only imported by tests.
package testutil

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/feichai0017/table-dispatcher/pkg/sqlexec"
)

// Table is an in-memory physical table.
type Table struct {
	Rows    int64
	Columns []string
	// Indexes maps index name to its columns. PRIMARY is the primary key.
	Indexes map[string][]string
}

func (t *Table) clone() *Table {
	c := &Table{Rows: t.Rows, Columns: append([]string(nil), t.Columns...), Indexes: map[string][]string{}}
	for k, v := range t.Indexes {
		c.Indexes[k] = append([]string(nil), v...)
	}
	return c
}

func (t *Table) hasColumn(name string) bool {
	for _, c := range t.Columns {
		if strings.EqualFold(c, name) {
			return true
		}
	}
	return false
}

// Result of a definition when it is materialised.
type Result struct {
	Rows    int64
	Columns []string
}

var (
	reCreate  = regexp.MustCompile("(?s)^CREATE TABLE `([^`]+)` AS (.+)$")
	reAddKey  = regexp.MustCompile("^ALTER TABLE `([^`]+)` ADD `([^`]+)` INT AUTO_INCREMENT PRIMARY KEY$")
	reConvert = regexp.MustCompile("^ALTER TABLE `([^`]+)` CONVERT TO CHARACTER SET \\w+ COLLATE \\w+$")
	reAddIdx  = regexp.MustCompile("^ALTER TABLE `([^`]+)` ADD (?:UNIQUE |FULLTEXT |SPATIAL )?INDEX `([^`]+)`[^(]*\\((.*)\\)$")
	reAddPK   = regexp.MustCompile("^ALTER TABLE `([^`]+)` ADD PRIMARY KEY[^(]*\\((.*)\\)$")
	reRename  = regexp.MustCompile("^RENAME TABLE (.+)$")
	rePair    = regexp.MustCompile("^`([^`]+)` TO `([^`]+)`$")
	reDrop    = regexp.MustCompile("^DROP TABLE IF EXISTS `([^`]+)`$")
	reProbe   = regexp.MustCompile("(?s)^SELECT \\* FROM \\((.+)\\) tab1 LIMIT 0,1$")
	reColumn  = regexp.MustCompile("`([^`]+)`")
)

// FakeExecutor interprets the DDL the table builder and sweep issue against
// an in-memory schema.
type FakeExecutor struct {
	mu     sync.Mutex
	tables map[string]*Table
	defs   map[string]Result
	stmts  []string
	closed int
	db     string
	failOn func(stmt string) error
	onStmt func(stmt string)
}

func NewFakeExecutor() *FakeExecutor {
	return &FakeExecutor{
		tables: make(map[string]*Table),
		defs:   make(map[string]Result),
		db:     "fake",
	}
}

// AddTable creates a physical table.
func (f *FakeExecutor) AddTable(name string, rows int64, columns ...string) *FakeExecutor {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[name] = &Table{Rows: rows, Columns: columns, Indexes: map[string][]string{}}
	return f
}

// AddIndex adds an index to an existing table.
func (f *FakeExecutor) AddIndex(table, index string, columns ...string) *FakeExecutor {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[table].Indexes[index] = columns
	return f
}

// Define registers what a definition produces. Unknown definitions fail
// like invalid SQL.
func (f *FakeExecutor) Define(def string, rows int64, columns ...string) *FakeExecutor {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defs[def] = Result{Rows: rows, Columns: columns}
	return f
}

// FailOn makes every statement for which fn returns an error fail.
func (f *FakeExecutor) FailOn(fn func(stmt string) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOn = fn
}

// OnStatement runs fn after each successful Exec, outside the lock.
func (f *FakeExecutor) OnStatement(fn func(stmt string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onStmt = fn
}

// Table returns a copy of a table.
func (f *FakeExecutor) Table(name string) (*Table, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[name]
	if !ok {
		return nil, false
	}
	return t.clone(), true
}

// TableNames returns all table names, sorted.
func (f *FakeExecutor) TableNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.tables))
	for n := range f.tables {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// TablesWithPrefix returns the sorted names starting with prefix.
func (f *FakeExecutor) TablesWithPrefix(prefix string) []string {
	var out []string
	for _, n := range f.TableNames() {
		if strings.HasPrefix(n, prefix) {
			out = append(out, n)
		}
	}
	return out
}

// Statements returns every statement executed or queried.
func (f *FakeExecutor) Statements() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stmts...)
}

// Closed returns how many times Close was called.
func (f *FakeExecutor) Closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *FakeExecutor) Database() string { return f.db }

func (f *FakeExecutor) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *FakeExecutor) Exec(ctx context.Context, stmt string, args ...any) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	f.stmts = append(f.stmts, stmt)
	if f.failOn != nil {
		if err := f.failOn(stmt); err != nil {
			f.mu.Unlock()
			return 0, err
		}
	}
	n, err := f.apply(stmt)
	hook := f.onStmt
	f.mu.Unlock()

	if err == nil && hook != nil {
		hook(stmt)
	}
	return n, err
}

func (f *FakeExecutor) apply(stmt string) (int64, error) {
	if m := reCreate.FindStringSubmatch(stmt); m != nil {
		if _, ok := f.tables[m[1]]; ok {
			return 0, fmt.Errorf("table '%s' already exists", m[1])
		}
		res, ok := f.defs[m[2]]
		if !ok {
			return 0, fmt.Errorf("invalid definition: %s", m[2])
		}
		f.tables[m[1]] = &Table{Rows: res.Rows, Columns: append([]string(nil), res.Columns...), Indexes: map[string][]string{}}
		return res.Rows, nil
	}
	if m := reAddKey.FindStringSubmatch(stmt); m != nil {
		t, err := f.table(m[1])
		if err != nil {
			return 0, err
		}
		if t.hasColumn(m[2]) {
			return 0, fmt.Errorf("duplicate column name '%s'", m[2])
		}
		if _, ok := t.Indexes["PRIMARY"]; ok {
			return 0, fmt.Errorf("multiple primary key defined")
		}
		t.Columns = append(t.Columns, m[2])
		t.Indexes["PRIMARY"] = []string{m[2]}
		return 0, nil
	}
	if m := reConvert.FindStringSubmatch(stmt); m != nil {
		_, err := f.table(m[1])
		return 0, err
	}
	if m := reAddPK.FindStringSubmatch(stmt); m != nil {
		t, err := f.table(m[1])
		if err != nil {
			return 0, err
		}
		if _, ok := t.Indexes["PRIMARY"]; ok {
			return 0, fmt.Errorf("multiple primary key defined")
		}
		t.Indexes["PRIMARY"] = columnsOf(m[2])
		return 0, nil
	}
	if m := reAddIdx.FindStringSubmatch(stmt); m != nil {
		t, err := f.table(m[1])
		if err != nil {
			return 0, err
		}
		if _, ok := t.Indexes[m[2]]; ok {
			return 0, fmt.Errorf("duplicate key name '%s'", m[2])
		}
		t.Indexes[m[2]] = columnsOf(m[3])
		return 0, nil
	}
	if m := reRename.FindStringSubmatch(stmt); m != nil {
		return 0, f.rename(m[1])
	}
	if m := reDrop.FindStringSubmatch(stmt); m != nil {
		delete(f.tables, m[1])
		return 0, nil
	}
	return 0, fmt.Errorf("unsupported statement: %s", stmt)
}

// rename applies every pair or none, like MySQL RENAME TABLE.
func (f *FakeExecutor) rename(pairs string) error {
	next := make(map[string]*Table, len(f.tables))
	for k, v := range f.tables {
		next[k] = v
	}
	for _, p := range strings.Split(pairs, ", ") {
		m := rePair.FindStringSubmatch(p)
		if m == nil {
			return fmt.Errorf("bad rename clause: %s", p)
		}
		t, ok := next[m[1]]
		if !ok {
			return fmt.Errorf("table '%s' doesn't exist", m[1])
		}
		if _, exists := next[m[2]]; exists {
			return fmt.Errorf("table '%s' already exists", m[2])
		}
		delete(next, m[1])
		next[m[2]] = t
	}
	f.tables = next
	return nil
}

func (f *FakeExecutor) table(name string) (*Table, error) {
	t, ok := f.tables[name]
	if !ok {
		return nil, fmt.Errorf("table '%s' doesn't exist", name)
	}
	return t, nil
}

func columnsOf(list string) []string {
	var cols []string
	for _, m := range reColumn.FindAllStringSubmatch(list, -1) {
		cols = append(cols, m[1])
	}
	return cols
}

func (f *FakeExecutor) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stmts = append(f.stmts, query)
	if f.failOn != nil {
		if err := f.failOn(query); err != nil {
			return nil, err
		}
	}
	m := reProbe.FindStringSubmatch(query)
	if m == nil {
		return nil, fmt.Errorf("unsupported query: %s", query)
	}
	res, ok := f.defs[m[1]]
	if !ok {
		return nil, fmt.Errorf("invalid definition: %s", m[1])
	}
	if res.Rows == 0 {
		return nil, nil
	}
	row := make(map[string]any, len(res.Columns))
	for _, c := range res.Columns {
		row[c] = "v"
	}
	return []map[string]any{row}, nil
}

func (f *FakeExecutor) TableExists(ctx context.Context, table string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tables[table]
	return ok, nil
}

func (f *FakeExecutor) ColumnExists(ctx context.Context, table, column string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[table]
	return ok && t.hasColumn(column), nil
}

func (f *FakeExecutor) RowCount(ctx context.Context, table string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.table(table)
	if err != nil {
		return 0, err
	}
	return t.Rows, nil
}

func (f *FakeExecutor) ListTables(ctx context.Context, like string) ([]string, error) {
	re, err := likeToRegexp(like)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, n := range f.TableNames() {
		if re.MatchString(n) {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *FakeExecutor) IndexStatements(ctx context.Context, from, to string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	src, err := f.table(from)
	if err != nil {
		return nil, err
	}
	dst, err := f.table(to)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(src.Indexes))
	for n := range src.Indexes {
		names = append(names, n)
	}
	sort.Strings(names)

	var stmts []string
	for _, n := range names {
		if _, ok := dst.Indexes[n]; ok {
			continue
		}
		quoted := make([]string, len(src.Indexes[n]))
		for i, c := range src.Indexes[n] {
			quoted[i] = sqlexec.QuoteIdent(c)
		}
		cols := "(" + strings.Join(quoted, ", ") + ")"
		if n == "PRIMARY" {
			stmts = append(stmts, "ALTER TABLE "+sqlexec.QuoteIdent(to)+" ADD PRIMARY KEY USING BTREE "+cols)
		} else {
			stmts = append(stmts, "ALTER TABLE "+sqlexec.QuoteIdent(to)+" ADD INDEX "+sqlexec.QuoteIdent(n)+" USING BTREE "+cols)
		}
	}
	return stmts, nil
}

func likeToRegexp(like string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(like); i++ {
		c := like[i]
		switch {
		case c == '\\' && i+1 < len(like):
			i++
			b.WriteString(regexp.QuoteMeta(string(like[i])))
		case c == '%':
			b.WriteString(".*")
		case c == '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// FakeDialer hands out registered executors by DSN.
type FakeDialer struct {
	mu    sync.Mutex
	execs map[string]*FakeExecutor
	dials map[string]int
	err   error
}

func NewFakeDialer() *FakeDialer {
	return &FakeDialer{execs: map[string]*FakeExecutor{}, dials: map[string]int{}}
}

// Register binds dsn to exec.
func (d *FakeDialer) Register(dsn string, exec *FakeExecutor) *FakeDialer {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.execs[dsn] = exec
	return d
}

// Fail makes every Dial return err.
func (d *FakeDialer) Fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

// Dials returns how often dsn was dialed.
func (d *FakeDialer) Dials(dsn string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[dsn]
}

func (d *FakeDialer) Dial(ctx context.Context, dsn string) (sqlexec.Executor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	exec, ok := d.execs[dsn]
	if !ok {
		return nil, fmt.Errorf("unknown dsn %q", dsn)
	}
	d.dials[dsn]++
	return exec, nil
}
