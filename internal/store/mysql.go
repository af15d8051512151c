package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/feichai0017/table-dispatcher/internal/lineage"
	"github.com/feichai0017/table-dispatcher/internal/models"
	"github.com/feichai0017/table-dispatcher/pkg/logger"
	"github.com/feichai0017/table-dispatcher/pkg/sqlexec"
)

const (
	retirementTable = "tableinvalidhistory"
	historyTable    = "datasourceupdatelog"

	// logDateLayout sorts lexically in time order.
	logDateLayout = "2006-01-02 15:04:05.0000000"
)

var auxTables = map[string]string{
	retirementTable: "CREATE TABLE `tableinvalidhistory` (\n" +
		"  `Id` CHAR(36) NOT NULL,\n" +
		"  `TableName` VARCHAR(64) NOT NULL,\n" +
		"  `InvalidTableName` VARCHAR(64) NOT NULL,\n" +
		"  `CreateDate` VARCHAR(60) NOT NULL,\n" +
		"  PRIMARY KEY (`Id`)\n" +
		")",
	historyTable: "CREATE TABLE `datasourceupdatelog` (\n" +
		"  `Id` CHAR(36) NOT NULL,\n" +
		"  `DataSourceId` CHAR(36) NOT NULL,\n" +
		"  `StartDate` VARCHAR(60) NOT NULL,\n" +
		"  `UpdateDate` VARCHAR(60) NOT NULL,\n" +
		"  `UpdateStatus` INT NOT NULL,\n" +
		"  `BeforeUpdateRows` BIGINT NOT NULL,\n" +
		"  `AfterUpdateRows` BIGINT NOT NULL,\n" +
		"  PRIMARY KEY (`Id`),\n" +
		"  KEY `idx_datasource` (`DataSourceId`)\n" +
		")",
}

// MySQLStore is a Store over an executor bound to the master database.
type MySQLStore struct {
	exec   sqlexec.Executor
	logger logger.Logger
	now    func() time.Time

	mu    sync.Mutex
	ready map[string]bool
}

func NewMySQLStore(exec sqlexec.Executor, log logger.Logger) *MySQLStore {
	return &MySQLStore{
		exec:   exec,
		logger: log,
		now:    time.Now,
		ready:  make(map[string]bool),
	}
}

func (s *MySQLStore) Close() error {
	return s.exec.Close()
}

func (s *MySQLStore) Snapshot(ctx context.Context) (*lineage.Snapshot, error) {
	rows, err := s.exec.Query(ctx, "SELECT `DataSourceId`, `Name`, `TableName`, `UpdateSql`, `Reference`, "+
		"`ProjectId`, `Connection`, `Hashcode`, `UpdateStatus`, `UpdateDate`, `EndDate` FROM `datasource`")
	if err != nil {
		return nil, fmt.Errorf("load datasources: %w", err)
	}
	nodes := make([]*models.DataSource, 0, len(rows))
	for _, r := range rows {
		nodes = append(nodes, &models.DataSource{
			ID:           asString(r["DataSourceId"]),
			Name:         asString(r["Name"]),
			TableName:    asString(r["TableName"]),
			UpdateSQL:    asString(r["UpdateSql"]),
			Reference:    models.ReferenceKind(asString(r["Reference"])),
			ProjectID:    asString(r["ProjectId"]),
			Connection:   asString(r["Connection"]),
			Hashcode:     asString(r["Hashcode"]),
			UpdateStatus: asStatus(r["UpdateStatus"]),
			UpdateDate:   asTime(r["UpdateDate"]),
			EndDate:      asString(r["EndDate"]),
		})
	}

	edges, err := s.exec.Query(ctx, "SELECT `Id`, `ParentId` FROM `tablerelation`")
	if err != nil {
		return nil, fmt.Errorf("load relations: %w", err)
	}
	relations := make([]models.TableRelation, 0, len(edges))
	for _, r := range edges {
		relations = append(relations, models.TableRelation{
			ChildID:  asString(r["Id"]),
			ParentID: asString(r["ParentId"]),
		})
	}
	return lineage.NewSnapshot(nodes, relations), nil
}

func (s *MySQLStore) SaveNode(ctx context.Context, node *models.DataSource) error {
	var status any
	if node.UpdateStatus != models.StatusUnset {
		status = int(node.UpdateStatus)
	}
	var updated any
	if node.UpdateDate != nil {
		updated = *node.UpdateDate
	}

	n, err := s.exec.Exec(ctx,
		"UPDATE `datasource` SET `UpdateStatus` = ?, `Hashcode` = ?, `UpdateDate` = ?, `EndDate` = ? WHERE `DataSourceId` = ?",
		status, nullable(node.Hashcode), updated, nullable(node.EndDate), node.ID)
	if err != nil {
		return fmt.Errorf("save datasource %s: %w", node.ID, err)
	}
	if n == 0 {
		// MySQL reports zero when nothing changed, so this is informational.
		logger.FromContext(ctx, s.logger).Debug("Datasource row unchanged", logger.String("dataSourceId", node.ID))
	}
	return nil
}

func (s *MySQLStore) RecordRetirement(ctx context.Context, table, retired string) error {
	if err := s.ensure(ctx, retirementTable); err != nil {
		return err
	}
	_, err := s.exec.Exec(ctx,
		"INSERT INTO `tableinvalidhistory` (`Id`, `TableName`, `InvalidTableName`, `CreateDate`) VALUES (?, ?, ?, ?)",
		uuid.NewString(), table, retired, s.now().Format(logDateLayout))
	if err != nil {
		return fmt.Errorf("record retirement of %s: %w", table, err)
	}
	return nil
}

func (s *MySQLStore) DeleteRetirements(ctx context.Context, retired []string) error {
	if len(retired) == 0 {
		return nil
	}
	exists, err := s.exec.TableExists(ctx, retirementTable)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	args := make([]any, len(retired))
	for i, name := range retired {
		args[i] = name
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(retired)), ", ")
	_, err = s.exec.Exec(ctx,
		"DELETE FROM `tableinvalidhistory` WHERE `InvalidTableName` IN ("+placeholders+")", args...)
	if err != nil {
		return fmt.Errorf("delete retirement rows: %w", err)
	}
	return nil
}

func (s *MySQLStore) AppendHistory(ctx context.Context, entry models.UpdateLogEntry, keep int) error {
	if err := s.ensure(ctx, historyTable); err != nil {
		return err
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	_, err := s.exec.Exec(ctx,
		"INSERT INTO `datasourceupdatelog` (`Id`, `DataSourceId`, `StartDate`, `UpdateDate`, `UpdateStatus`, "+
			"`BeforeUpdateRows`, `AfterUpdateRows`) VALUES (?, ?, ?, ?, ?, ?, ?)",
		entry.ID, entry.DataSourceID,
		entry.StartDate.Format(logDateLayout), entry.UpdateDate.Format(logDateLayout),
		int(entry.UpdateStatus), entry.BeforeUpdateRows, entry.AfterUpdateRows)
	if err != nil {
		return fmt.Errorf("append update log: %w", err)
	}
	if keep <= 0 {
		return nil
	}

	rows, err := s.exec.Query(ctx,
		"SELECT `Id` FROM `datasourceupdatelog` WHERE `DataSourceId` = ? ORDER BY `UpdateDate` DESC, `Id` DESC",
		entry.DataSourceID)
	if err != nil {
		return fmt.Errorf("read update log: %w", err)
	}
	if len(rows) <= keep {
		return nil
	}

	stale := rows[keep:]
	args := make([]any, 0, len(stale))
	for _, r := range stale {
		args = append(args, asString(r["Id"]))
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(args)), ", ")
	if _, err := s.exec.Exec(ctx,
		"DELETE FROM `datasourceupdatelog` WHERE `Id` IN ("+placeholders+")", args...); err != nil {
		return fmt.Errorf("prune update log: %w", err)
	}
	return nil
}

// ensure creates an auxiliary table on first use.
func (s *MySQLStore) ensure(ctx context.Context, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ready[table] {
		return nil
	}
	exists, err := s.exec.TableExists(ctx, table)
	if err != nil {
		return err
	}
	if !exists {
		if _, err := s.exec.Exec(ctx, auxTables[table]); err != nil {
			return fmt.Errorf("create %s: %w", table, err)
		}
	}
	s.ready[table] = true
	return nil
}

// MySQLOpener opens stores through a dialer.
type MySQLOpener struct {
	dialer sqlexec.Dialer
	logger logger.Logger
}

func NewMySQLOpener(dialer sqlexec.Dialer, log logger.Logger) *MySQLOpener {
	return &MySQLOpener{dialer: dialer, logger: log}
}

func (o *MySQLOpener) Open(ctx context.Context, tenant *models.Tenant) (Store, error) {
	exec, err := o.dialer.Dial(ctx, tenant.ConnectionStrings.Master)
	if err != nil {
		return nil, fmt.Errorf("open master of tenant %s: %w", tenant.Name, err)
	}
	return NewMySQLStore(exec, o.logger.With(logger.String("tenant", tenant.Name))), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case time.Time:
		return t.Format(models.EndDateLayout)
	default:
		return fmt.Sprint(t)
	}
}

func asStatus(v any) models.UpdateStatus {
	switch t := v.(type) {
	case int64:
		return models.UpdateStatus(t)
	case int32:
		return models.UpdateStatus(t)
	case int:
		return models.UpdateStatus(t)
	case string:
		if n, err := strconv.Atoi(t); err == nil {
			return models.UpdateStatus(n)
		}
	}
	return models.StatusUnset
}

func asTime(v any) *time.Time {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return nil
		}
		return &t
	case string:
		for _, layout := range []string{logDateLayout, models.EndDateLayout, time.RFC3339Nano} {
			if parsed, err := time.ParseInLocation(layout, t, time.Local); err == nil {
				return &parsed
			}
		}
	}
	return nil
}
