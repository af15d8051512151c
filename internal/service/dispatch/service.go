// Package dispatch rebuilds one data source and decides whether the result
// may be committed.
package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/feichai0017/table-dispatcher/internal/builder"
	"github.com/feichai0017/table-dispatcher/internal/lineage"
	"github.com/feichai0017/table-dispatcher/internal/models"
	"github.com/feichai0017/table-dispatcher/internal/store"
	"github.com/feichai0017/table-dispatcher/pkg/logger"
	"github.com/feichai0017/table-dispatcher/pkg/metrics"
	"github.com/feichai0017/table-dispatcher/pkg/sqlexec"
	"github.com/feichai0017/table-dispatcher/pkg/storage"
)

// TableBuilder rebuilds a physical table.
type TableBuilder interface {
	Build(ctx context.Context, node *models.DataSource, exec sqlexec.Executor, rec builder.RetirementRecorder) (*builder.Result, error)
}

// Dispatcher runs one update end to end.
type Dispatcher interface {
	Update(ctx context.Context, req *Request) (*Result, error)
}

type ServiceConfig struct {
	// HistoryLimit is how many update log rows are kept per data source.
	HistoryLimit    int
	CallbackTimeout time.Duration
}

// Request is one update of Node. Fingerprint must be computed before the
// rebuild starts.
type Request struct {
	TaskID      string
	Tenant      *models.Tenant
	Store       store.Store
	Node        *models.DataSource
	Fingerprint string
	Mode        models.UpdateMode
}

// Result of an update. Committed is false both for inert nodes and when the
// graph changed while the table was being rebuilt.
type Result struct {
	Committed       bool
	WasNewlyCreated bool
	Fingerprint     string
	PreviousRows    int64
	NewRows         int64
}

type DispatchService struct {
	dialer  sqlexec.Dialer
	builder TableBuilder
	hasher  lineage.Hasher
	client  *http.Client
	reports storage.Storage
	logger  logger.Logger
	config  *ServiceConfig
	now     func() time.Time
}

// NewService wires a coordinator. reports may be nil.
func NewService(
	dialer sqlexec.Dialer,
	tb TableBuilder,
	hasher lineage.Hasher,
	reports storage.Storage,
	log logger.Logger,
	cfg *ServiceConfig,
) *DispatchService {
	if cfg == nil {
		cfg = &ServiceConfig{
			HistoryLimit:    9,
			CallbackTimeout: 10 * time.Second,
		}
	}
	return &DispatchService{
		dialer:  dialer,
		builder: tb,
		hasher:  hasher,
		client:  &http.Client{Timeout: cfg.CallbackTimeout},
		reports: reports,
		logger:  log,
		config:  cfg,
		now:     time.Now,
	}
}

// Update rebuilds req.Node and commits status, fingerprint and timestamps on
// the node when the fingerprint recomputed afterwards still equals
// req.Fingerprint. The caller persists the node.
func (s *DispatchService) Update(ctx context.Context, req *Request) (*Result, error) {
	node := req.Node
	if req.TaskID != "" && logger.TaskID(ctx) == "" {
		ctx = logger.WithTaskID(ctx, req.TaskID)
	}
	log := logger.FromContext(ctx, s.logger).With(
		logger.String("tenant", req.Tenant.Name),
		logger.String("dataSourceId", node.ID),
		logger.String("name", node.Name))

	log.Info("Update datasource",
		logger.String("status", node.UpdateStatus.String()),
		logger.String("mode", string(req.Mode)))

	if !node.HasDefinition() {
		node.UpdateStatus = models.StatusNormal
		metrics.RebuildsTotal.WithLabelValues(metrics.OutcomeNoop).Inc()
		log.Info("Datasource has no definition, skipped")
		return &Result{}, nil
	}

	start := s.now()
	built, err := s.build(ctx, req)
	if err != nil {
		node.UpdateStatus = models.StatusFailed
		metrics.RebuildsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		log.Error("Failed to rebuild physical table", logger.Error(err))
		return nil, err
	}
	metrics.RebuildDuration.Observe(built.Elapsed.Seconds())

	res := &Result{
		WasNewlyCreated: built.WasNewlyCreated,
		PreviousRows:    built.PreviousRows,
		NewRows:         built.NewRows,
	}

	snap, err := req.Store.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("reload graph: %w", err)
	}
	res.Fingerprint, err = s.hasher.Fingerprint(node.ID, snap)
	if err != nil {
		return nil, fmt.Errorf("recompute fingerprint: %w", err)
	}

	if res.Fingerprint != req.Fingerprint {
		metrics.RebuildsTotal.WithLabelValues(metrics.OutcomeStale).Inc()
		log.Warn("Upstream changed during rebuild, result not committed",
			logger.String("before", req.Fingerprint),
			logger.String("after", res.Fingerprint))
		s.archiveReport(ctx, req, res, start, log)
		return res, nil
	}

	node.MarkFinished(res.Fingerprint, s.now())
	res.Committed = true
	metrics.RebuildsTotal.WithLabelValues(metrics.OutcomeCommitted).Inc()
	log.Info("Datasource committed",
		logger.String("hashcode", res.Fingerprint),
		logger.Duration("elapsed", s.now().Sub(start)))

	s.refreshCache(ctx, req, log)
	s.appendHistory(ctx, req, res, start, log)
	s.archiveReport(ctx, req, res, start, log)
	return res, nil
}

func (s *DispatchService) build(ctx context.Context, req *Request) (*builder.Result, error) {
	exec, err := s.dialer.Dial(ctx, req.Node.DataDSN(req.Tenant))
	if err != nil {
		return nil, fmt.Errorf("connect data database: %w", err)
	}
	defer exec.Close()
	return s.builder.Build(ctx, req.Node, exec, req.Store)
}

func (s *DispatchService) appendHistory(ctx context.Context, req *Request, res *Result, start time.Time, log logger.Logger) {
	entry := models.UpdateLogEntry{
		DataSourceID:     req.Node.ID,
		StartDate:        start,
		UpdateDate:       *req.Node.UpdateDate,
		UpdateStatus:     req.Node.UpdateStatus,
		BeforeUpdateRows: res.PreviousRows,
		AfterUpdateRows:  res.NewRows,
	}
	if err := req.Store.AppendHistory(ctx, entry, s.config.HistoryLimit); err != nil {
		metrics.SideEffectFailuresTotal.WithLabelValues("history").Inc()
		log.Error("Failed to append update log", logger.Error(err))
	}
}
