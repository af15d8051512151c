package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/table-dispatcher/internal/models"
	"github.com/feichai0017/table-dispatcher/pkg/logger"
	"github.com/feichai0017/table-dispatcher/pkg/sqlexec"
)

func newStore(t *testing.T) (*MySQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := logger.NewTestLogger()
	s := NewMySQLStore(sqlexec.New(db, "master", log, sqlexec.WithoutClose()), log)
	s.now = func() time.Time { return time.Date(2024, 5, 1, 2, 0, 0, 0, time.UTC) }
	return s, mock
}

func TestSnapshot_MapsRows(t *testing.T) {
	s, mock := newStore(t)
	updated := time.Date(2024, 4, 30, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM `datasource`").WillReturnRows(
		sqlmock.NewRows([]string{"DataSourceId", "Name", "TableName", "UpdateSql", "Reference",
			"ProjectId", "Connection", "Hashcode", "UpdateStatus", "UpdateDate", "EndDate"}).
			AddRow("a", "Sales", "sales", nil, "Sync", "p1", nil, "ha", 1, updated, "2024-04-30 12:00:00").
			AddRow("j", "Joined", "joined", []byte("select 1"), "jointable", "p1", "", nil, nil, nil, nil))
	mock.ExpectQuery("FROM `tablerelation`").WillReturnRows(
		sqlmock.NewRows([]string{"Id", "ParentId"}).AddRow("a", "j"))

	snap, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, snap.Len())

	a, ok := snap.Node("a")
	require.True(t, ok)
	assert.Equal(t, models.ReferenceSync, a.Reference)
	assert.Equal(t, models.StatusFinished, a.UpdateStatus)
	assert.Equal(t, "ha", a.Hashcode)
	require.NotNil(t, a.UpdateDate)
	assert.True(t, updated.Equal(*a.UpdateDate))

	j, _ := snap.Node("j")
	assert.Equal(t, "select 1", j.UpdateSQL)
	assert.Equal(t, models.StatusUnset, j.UpdateStatus)
	assert.Nil(t, j.UpdateDate)
	assert.Equal(t, []string{"j"}, snap.Parents("a"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveNode_WritesStateColumnsOnly(t *testing.T) {
	s, mock := newStore(t)
	node := &models.DataSource{ID: "j", Name: "ignored", UpdateSQL: "ignored"}
	node.MarkFinished("fp", time.Date(2024, 5, 1, 2, 0, 0, 0, time.UTC))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE `datasource` SET `UpdateStatus` = ?, `Hashcode` = ?, `UpdateDate` = ?, `EndDate` = ? WHERE `DataSourceId` = ?")).
		WithArgs(1, "fp", sqlmock.AnyArg(), "2024-05-01 02:00:00", "j").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.SaveNode(context.Background(), node))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveNode_FailedKeepsFingerprintNull(t *testing.T) {
	s, mock := newStore(t)
	node := &models.DataSource{ID: "j", UpdateStatus: models.StatusFailed}

	mock.ExpectExec("UPDATE `datasource`").
		WithArgs(2, nil, nil, nil, "j").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.SaveNode(context.Background(), node))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRetirement_CreatesTableOnce(t *testing.T) {
	s, mock := newStore(t)

	mock.ExpectQuery("FROM information_schema.TABLES").WithArgs("tableinvalidhistory").
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(0))
	mock.ExpectExec("CREATE TABLE `tableinvalidhistory`").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO `tableinvalidhistory`").
		WithArgs(sqlmock.AnyArg(), "sales_join", "invalid_abc", "2024-05-01 02:00:00.0000000").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO `tableinvalidhistory`").
		WithArgs(sqlmock.AnyArg(), "other", "invalid_def", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.RecordRetirement(context.Background(), "sales_join", "invalid_abc"))
	require.NoError(t, s.RecordRetirement(context.Background(), "other", "invalid_def"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteRetirements(t *testing.T) {
	s, mock := newStore(t)

	mock.ExpectQuery("FROM information_schema.TABLES").WithArgs("tableinvalidhistory").
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM `tableinvalidhistory` WHERE `InvalidTableName` IN (?, ?)")).
		WithArgs("invalid_a", "invalid_b").
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, s.DeleteRetirements(context.Background(), nil))
	require.NoError(t, s.DeleteRetirements(context.Background(), []string{"invalid_a", "invalid_b"}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteRetirements_MissingLogTable(t *testing.T) {
	s, mock := newStore(t)
	mock.ExpectQuery("FROM information_schema.TABLES").
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(0))

	require.NoError(t, s.DeleteRetirements(context.Background(), []string{"invalid_a"}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendHistory_PrunesBeyondKeep(t *testing.T) {
	s, mock := newStore(t)
	at := time.Date(2024, 5, 1, 2, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM information_schema.TABLES").WithArgs("datasourceupdatelog").
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(1))
	mock.ExpectExec("INSERT INTO `datasourceupdatelog`").
		WithArgs("new", "j", "2024-05-01 01:59:00.0000000", "2024-05-01 02:00:00.0000000", 1, 10, 12).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ids := sqlmock.NewRows([]string{"Id"})
	for _, id := range []string{"new", "h1", "h2", "h3"} {
		ids.AddRow(id)
	}
	mock.ExpectQuery("SELECT `Id` FROM `datasourceupdatelog`").WithArgs("j").WillReturnRows(ids)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM `datasourceupdatelog` WHERE `Id` IN (?, ?)")).
		WithArgs("h2", "h3").
		WillReturnResult(sqlmock.NewResult(0, 2))

	err := s.AppendHistory(context.Background(), models.UpdateLogEntry{
		ID:               "new",
		DataSourceID:     "j",
		StartDate:        at.Add(-time.Minute),
		UpdateDate:       at,
		UpdateStatus:     models.StatusFinished,
		BeforeUpdateRows: 10,
		AfterUpdateRows:  12,
	}, 2)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
