package builder

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/table-dispatcher/internal/models"
	"github.com/feichai0017/table-dispatcher/internal/testutil"
	"github.com/feichai0017/table-dispatcher/pkg/logger"
)

const def = "select a.id, b.amount from sales a join orders b on a.id = b.id"

type recorder struct {
	calls [][2]string
	err   error
}

func (r *recorder) RecordRetirement(ctx context.Context, table, retired string) error {
	r.calls = append(r.calls, [2]string{table, retired})
	return r.err
}

func fixedNames() Option {
	return WithNames(
		func() string { return "link_scratch" },
		func() string { return "invalid_old" },
	)
}

func joinNode() *models.DataSource {
	return &models.DataSource{
		ID:        "j1",
		TableName: "sales_join",
		UpdateSQL: def,
		Reference: models.ReferenceJoin,
		ProjectID: "p1",
	}
}

func TestBuild_NewTable(t *testing.T) {
	exec := testutil.NewFakeExecutor().Define(def, 42, "id", "amount")
	rec := &recorder{}
	b := New(logger.NewTestLogger(), fixedNames())

	res, err := b.Build(context.Background(), joinNode(), exec, rec)
	require.NoError(t, err)

	assert.True(t, res.WasNewlyCreated)
	assert.EqualValues(t, 0, res.PreviousRows)
	assert.EqualValues(t, 42, res.NewRows)
	assert.Empty(t, res.RetiredTable)
	assert.Empty(t, rec.calls)

	tbl, ok := exec.Table("sales_join")
	require.True(t, ok)
	assert.Equal(t, []string{"key_id"}, tbl.Indexes["PRIMARY"])
	assert.Equal(t, []string{"sales_join"}, exec.TableNames())
}

func TestBuild_ReplacesExistingAndRetiresOld(t *testing.T) {
	exec := testutil.NewFakeExecutor().
		Define(def, 50, "id", "amount").
		AddTable("sales_join", 40, "id", "amount", "key_id").
		AddIndex("sales_join", "PRIMARY", "key_id").
		AddIndex("sales_join", "idx_amount", "amount")
	rec := &recorder{}
	b := New(logger.NewTestLogger(), fixedNames())

	res, err := b.Build(context.Background(), joinNode(), exec, rec)
	require.NoError(t, err)

	assert.False(t, res.WasNewlyCreated)
	assert.EqualValues(t, 40, res.PreviousRows)
	assert.EqualValues(t, 50, res.NewRows)
	assert.Equal(t, "invalid_old", res.RetiredTable)
	assert.Equal(t, [][2]string{{"sales_join", "invalid_old"}}, rec.calls)

	assert.Equal(t, []string{"invalid_old", "sales_join"}, exec.TableNames())
	current, _ := exec.Table("sales_join")
	assert.EqualValues(t, 50, current.Rows)
	assert.Equal(t, []string{"amount"}, current.Indexes["idx_amount"])
	assert.Equal(t, []string{"key_id"}, current.Indexes["PRIMARY"])
	retired, _ := exec.Table("invalid_old")
	assert.EqualValues(t, 40, retired.Rows)
}

func TestBuild_StatementOrder(t *testing.T) {
	exec := testutil.NewFakeExecutor().
		Define(def, 5, "id").
		AddTable("sales_join", 1, "id")
	node := joinNode()
	node.Reference = models.ReferenceUnion
	b := New(logger.NewTestLogger(), fixedNames())

	_, err := b.Build(context.Background(), node, exec, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"SELECT * FROM (" + def + ") tab1 LIMIT 0,1",
		"CREATE TABLE `link_scratch` AS " + def,
		"ALTER TABLE `link_scratch` ADD `key_id` INT AUTO_INCREMENT PRIMARY KEY",
		"ALTER TABLE `link_scratch` CONVERT TO CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci",
		"RENAME TABLE `sales_join` TO `invalid_old`, `link_scratch` TO `sales_join`",
	}, exec.Statements())
}

func TestBuild_JoinWithOwnKeySkipsSurrogate(t *testing.T) {
	exec := testutil.NewFakeExecutor().Define(def, 3, "key_id", "id")
	b := New(logger.NewTestLogger(), fixedNames())

	_, err := b.Build(context.Background(), joinNode(), exec, nil)
	require.NoError(t, err)
	for _, s := range exec.Statements() {
		assert.NotContains(t, s, "AUTO_INCREMENT")
	}
}

func TestBuild_NonJoinAlwaysGetsSurrogate(t *testing.T) {
	exec := testutil.NewFakeExecutor().Define(def, 3, "key_id", "id")
	node := joinNode()
	node.Reference = models.ReferenceGroup
	b := New(logger.NewTestLogger(), fixedNames())

	// a group definition exposing key_id collides with the surrogate column
	_, err := b.Build(context.Background(), node, exec, nil)
	var se *models.SchemaError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Statement, "AUTO_INCREMENT")
	assert.Empty(t, exec.TablesWithPrefix(ScratchPrefix))
}

func TestBuild_InvalidDefinitionFailsFastOnProbe(t *testing.T) {
	exec := testutil.NewFakeExecutor().AddTable("sales_join", 7, "id")
	b := New(logger.NewTestLogger(), fixedNames())

	_, err := b.Build(context.Background(), joinNode(), exec, nil)
	var se *models.SchemaError
	require.ErrorAs(t, err, &se)
	assert.True(t, strings.HasPrefix(se.Statement, "SELECT * FROM ("))

	for _, s := range exec.Statements() {
		assert.False(t, strings.HasPrefix(s, "CREATE"), s)
	}
	tbl, _ := exec.Table("sales_join")
	assert.EqualValues(t, 7, tbl.Rows)
}

func TestBuild_DDLFailureDropsScratchAndKeepsTarget(t *testing.T) {
	exec := testutil.NewFakeExecutor().
		Define(def, 9, "id").
		AddTable("sales_join", 4, "id")
	exec.FailOn(func(stmt string) error {
		if strings.Contains(stmt, "CONVERT TO") {
			return errors.New("lock wait timeout")
		}
		return nil
	})
	b := New(logger.NewTestLogger(), fixedNames())

	_, err := b.Build(context.Background(), joinNode(), exec, nil)
	var se *models.SchemaError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "sales_join", se.Table)
	assert.EqualError(t, errors.Unwrap(err), "lock wait timeout")

	assert.Equal(t, []string{"sales_join"}, exec.TableNames())
	tbl, _ := exec.Table("sales_join")
	assert.EqualValues(t, 4, tbl.Rows)
}

func TestBuild_RetirementLogFailureIsNotFatal(t *testing.T) {
	exec := testutil.NewFakeExecutor().
		Define(def, 2, "id").
		AddTable("sales_join", 1, "id")
	log := logger.NewTestLogger()
	b := New(log, fixedNames())

	res, err := b.Build(context.Background(), joinNode(), exec, &recorder{err: errors.New("master down")})
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.NewRows)
	assert.Equal(t, 1, log.Count("ERROR"))
}

func TestBuild_ReadersNeverSeePartialTable(t *testing.T) {
	exec := testutil.NewFakeExecutor().
		Define(def, 100, "id").
		AddTable("sales_join", 10, "id")

	var observed []int64
	exec.OnStatement(func(stmt string) {
		tbl, ok := exec.Table("sales_join")
		require.True(t, ok, "target missing after %s", stmt)
		observed = append(observed, tbl.Rows)
	})
	b := New(logger.NewTestLogger())

	_, err := b.Build(context.Background(), joinNode(), exec, nil)
	require.NoError(t, err)

	require.NotEmpty(t, observed)
	for i, rows := range observed {
		if i < len(observed)-1 {
			assert.EqualValues(t, 10, rows)
		}
	}
	assert.EqualValues(t, 100, observed[len(observed)-1])
}

func TestBuild_GeneratedNamesAreUnique(t *testing.T) {
	b := New(logger.NewTestLogger())
	s1, s2 := b.scratchName(), b.scratchName()
	r1 := b.retiredName()

	assert.NotEqual(t, s1, s2)
	assert.True(t, strings.HasPrefix(s1, ScratchPrefix))
	assert.True(t, strings.HasPrefix(r1, RetiredPrefix))
	assert.LessOrEqual(t, len(s1), 64)
	assert.LessOrEqual(t, len(r1), 64)
	assert.NotContains(t, r1, "-")
}

func TestBuild_EmptyDefinition(t *testing.T) {
	node := joinNode()
	node.UpdateSQL = "  ;"
	_, err := New(logger.NewTestLogger()).Build(context.Background(), node, testutil.NewFakeExecutor(), nil)
	var se *models.SchemaError
	require.ErrorAs(t, err, &se)
}
