package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/feichai0017/table-dispatcher/pkg/logger"
	"github.com/feichai0017/table-dispatcher/pkg/metrics"
)

// refreshCache tells the tenant application that the node's cached rows are
// stale.
func (s *DispatchService) refreshCache(ctx context.Context, req *Request, log logger.Logger) {
	base := strings.TrimRight(req.Tenant.ApplicationURL, "/")
	if base == "" {
		return
	}
	target := base + "/api/sync/refreshCache/" + url.PathEscape(req.Node.ID)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		metrics.SideEffectFailuresTotal.WithLabelValues("cache").Inc()
		log.Error("Failed to build cache refresh request", logger.String("url", target), logger.Error(err))
		return
	}
	resp, err := s.client.Do(httpReq)
	if err != nil {
		metrics.SideEffectFailuresTotal.WithLabelValues("cache").Inc()
		log.Error("Failed to refresh datasource cache", logger.String("url", target), logger.Error(err))
		return
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= http.StatusBadRequest {
		metrics.SideEffectFailuresTotal.WithLabelValues("cache").Inc()
		log.Error("Cache refresh rejected",
			logger.String("url", target),
			logger.Int("status", resp.StatusCode),
			logger.String("body", string(body)))
		return
	}
	log.Info("Datasource cache refreshed",
		logger.String("url", target),
		logger.String("result", string(body)))
}

// Report is the archived summary of one rebuild.
type Report struct {
	TaskID          string    `json:"taskId"`
	Tenant          string    `json:"tenant"`
	DataSourceID    string    `json:"dataSourceId"`
	TableName       string    `json:"tableName"`
	Mode            string    `json:"mode"`
	Committed       bool      `json:"committed"`
	WasNewlyCreated bool      `json:"wasNewlyCreated"`
	PreviousRows    int64     `json:"previousRows"`
	NewRows         int64     `json:"newRows"`
	FingerprintFrom string    `json:"fingerprintFrom"`
	FingerprintTo   string    `json:"fingerprintTo"`
	StartedAt       time.Time `json:"startedAt"`
	FinishedAt      time.Time `json:"finishedAt"`
}

// ReportKey is where the report of a task is stored.
func ReportKey(tenant, dataSourceID, taskID string) string {
	return fmt.Sprintf("reports/%s/%s/%s.json", tenant, dataSourceID, taskID)
}

func (s *DispatchService) archiveReport(ctx context.Context, req *Request, res *Result, start time.Time, log logger.Logger) {
	if s.reports == nil {
		return
	}
	taskID := req.TaskID
	if taskID == "" {
		taskID = logger.TaskID(ctx)
	}
	report := Report{
		TaskID:          taskID,
		Tenant:          req.Tenant.Name,
		DataSourceID:    req.Node.ID,
		TableName:       req.Node.TableName,
		Mode:            string(req.Mode),
		Committed:       res.Committed,
		WasNewlyCreated: res.WasNewlyCreated,
		PreviousRows:    res.PreviousRows,
		NewRows:         res.NewRows,
		FingerprintFrom: req.Fingerprint,
		FingerprintTo:   res.Fingerprint,
		StartedAt:       start,
		FinishedAt:      s.now(),
	}
	data, err := json.Marshal(report)
	if err != nil {
		log.Error("Failed to marshal rebuild report", logger.Error(err))
		return
	}
	key := ReportKey(req.Tenant.Name, req.Node.ID, taskID)
	if _, err := s.reports.Store(ctx, bytes.NewReader(data), key); err != nil {
		metrics.SideEffectFailuresTotal.WithLabelValues("report").Inc()
		log.Error("Failed to archive rebuild report", logger.String("key", key), logger.Error(err))
	}
}
