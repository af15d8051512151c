// Package builder rebuilds the physical table of one data source from its
// definition and swaps it in under the stable table name.
package builder

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/feichai0017/table-dispatcher/internal/models"
	"github.com/feichai0017/table-dispatcher/pkg/logger"
	"github.com/feichai0017/table-dispatcher/pkg/sqlexec"
)

const (
	ScratchPrefix = "link_"
	RetiredPrefix = "invalid_"

	surrogateKey = "key_id"
	charset      = "utf8mb4"
	collation    = "utf8mb4_unicode_ci"
)

// RetirementRecorder logs a table renamed out of the way.
type RetirementRecorder interface {
	RecordRetirement(ctx context.Context, table, retired string) error
}

// Result describes one rebuild.
type Result struct {
	PreviousRows    int64
	NewRows         int64
	WasNewlyCreated bool
	Scratch         string
	// RetiredTable is empty when the table was newly created.
	RetiredTable string
	Elapsed      time.Duration
}

type Builder struct {
	logger      logger.Logger
	scratchName func() string
	retiredName func() string
}

// Option overrides the generated table names.
type Option func(*Builder)

func WithNames(scratch, retired func() string) Option {
	return func(b *Builder) {
		if scratch != nil {
			b.scratchName = scratch
		}
		if retired != nil {
			b.retiredName = retired
		}
	}
}

func New(log logger.Logger, opts ...Option) *Builder {
	b := &Builder{
		logger: log,
		scratchName: func() string {
			return ScratchPrefix + uuid.NewString()
		},
		retiredName: func() string {
			return RetiredPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build replaces node's physical table with the rows of its definition.
// Readers see either the old table or the new one: the cutover is a single
// RENAME TABLE. Failures are returned as *models.SchemaError.
func (b *Builder) Build(ctx context.Context, node *models.DataSource, exec sqlexec.Executor, rec RetirementRecorder) (*Result, error) {
	log := logger.FromContext(ctx, b.logger).With(
		logger.String("dataSourceId", node.ID),
		logger.String("table", node.TableName))
	start := time.Now()

	if strings.TrimSpace(node.TableName) == "" {
		return nil, &models.SchemaError{Table: node.ID, Err: errors.New("empty table name")}
	}
	def := strings.TrimRight(strings.TrimSpace(node.UpdateSQL), ";")
	if def == "" {
		return nil, &models.SchemaError{Table: node.TableName, Err: errors.New("empty definition")}
	}

	res := &Result{Scratch: b.scratchName()}
	target := sqlexec.QuoteIdent(node.TableName)
	scratch := sqlexec.QuoteIdent(res.Scratch)

	exists, err := exec.TableExists(ctx, node.TableName)
	if err != nil {
		return nil, schemaErr(node.TableName, "", err)
	}
	if exists {
		if res.PreviousRows, err = exec.RowCount(ctx, node.TableName); err != nil {
			return nil, schemaErr(node.TableName, "", err)
		}
	} else {
		res.WasNewlyCreated = true
	}

	probe := "SELECT * FROM (" + def + ") tab1 LIMIT 0,1"
	if _, err := exec.Query(ctx, probe); err != nil {
		return nil, schemaErr(node.TableName, probe, err)
	}

	created := false
	fail := func(stmt string, err error) (*Result, error) {
		if created {
			b.dropScratch(ctx, exec, res.Scratch, log)
		}
		return nil, schemaErr(node.TableName, stmt, err)
	}

	stmt := "CREATE TABLE " + scratch + " AS " + def
	if _, err := exec.Exec(ctx, stmt); err != nil {
		return fail(stmt, err)
	}
	created = true

	addKey := true
	if node.Reference == models.ReferenceJoin {
		has, err := exec.ColumnExists(ctx, res.Scratch, surrogateKey)
		if err != nil {
			return fail("", err)
		}
		addKey = !has
	}
	if addKey {
		stmt = "ALTER TABLE " + scratch + " ADD " + sqlexec.QuoteIdent(surrogateKey) + " INT AUTO_INCREMENT PRIMARY KEY"
		if _, err := exec.Exec(ctx, stmt); err != nil {
			return fail(stmt, err)
		}
	}

	stmt = "ALTER TABLE " + scratch + " CONVERT TO CHARACTER SET " + charset + " COLLATE " + collation
	if _, err := exec.Exec(ctx, stmt); err != nil {
		return fail(stmt, err)
	}

	if exists {
		indexes, err := exec.IndexStatements(ctx, node.TableName, res.Scratch)
		if err != nil {
			return fail("", err)
		}
		log.Info("Copy indexes", logger.Strings("statements", indexes))
		for _, s := range indexes {
			if _, err := exec.Exec(ctx, s); err != nil {
				return fail(s, err)
			}
		}
	}

	if exists {
		res.RetiredTable = b.retiredName()
		stmt = "RENAME TABLE " + target + " TO " + sqlexec.QuoteIdent(res.RetiredTable) + ", " + scratch + " TO " + target
	} else {
		stmt = "RENAME TABLE " + scratch + " TO " + target
	}
	if _, err := exec.Exec(ctx, stmt); err != nil {
		return fail(stmt, err)
	}

	if res.RetiredTable != "" && rec != nil {
		if err := rec.RecordRetirement(ctx, node.TableName, res.RetiredTable); err != nil {
			log.Error("Failed to record retired table",
				logger.String("retired", res.RetiredTable), logger.Error(err))
		}
	}

	if res.NewRows, err = exec.RowCount(ctx, node.TableName); err != nil {
		return nil, schemaErr(node.TableName, "", err)
	}
	res.Elapsed = time.Since(start)

	log.Info("Physical table rebuilt",
		logger.Int64("previousRows", res.PreviousRows),
		logger.Int64("newRows", res.NewRows),
		logger.Bool("newlyCreated", res.WasNewlyCreated),
		logger.String("retired", res.RetiredTable),
		logger.Duration("elapsed", res.Elapsed))
	return res, nil
}

func (b *Builder) dropScratch(ctx context.Context, exec sqlexec.Executor, name string, log logger.Logger) {
	// the job context may already be cancelled
	ctx = context.WithoutCancel(ctx)
	if _, err := exec.Exec(ctx, "DROP TABLE IF EXISTS "+sqlexec.QuoteIdent(name)); err != nil {
		log.Warn("Failed to drop scratch table", logger.String("scratch", name), logger.Error(err))
	}
}

func schemaErr(table, stmt string, err error) error {
	var se *models.SchemaError
	if errors.As(err, &se) {
		return err
	}
	return &models.SchemaError{Table: table, Statement: stmt, Err: err}
}
