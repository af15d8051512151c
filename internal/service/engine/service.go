// Package engine drives rebuilds across the lineage graph of every tenant:
// the periodic scan, the per-node rebuild job with its upward cascade and
// the sweep of retired tables.
package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/table-dispatcher/internal/lineage"
	"github.com/feichai0017/table-dispatcher/internal/models"
	"github.com/feichai0017/table-dispatcher/internal/service/dispatch"
	"github.com/feichai0017/table-dispatcher/internal/store"
	"github.com/feichai0017/table-dispatcher/pkg/logger"
	"github.com/feichai0017/table-dispatcher/pkg/metrics"
	"github.com/feichai0017/table-dispatcher/pkg/queue"
	"github.com/feichai0017/table-dispatcher/pkg/sqlexec"
	"github.com/feichai0017/table-dispatcher/pkg/storage"
)

// TenantRegistry resolves tenants.
type TenantRegistry interface {
	// Find returns the tenant registered under name or a NotFoundError.
	Find(name string) (*models.Tenant, error)
	// Groups returns one tenant per unique master connection.
	Groups() []models.Tenant
}

type ServiceConfig struct {
	// Denylist holds table names never treated as leaves.
	Denylist []string
	// ReportRetention is how long rebuild reports are kept. Zero keeps them.
	ReportRetention time.Duration
	// MaxCascade bounds concurrent parent enqueues after a commit.
	MaxCascade int
}

type EngineService struct {
	tenants    TenantRegistry
	opener     store.Opener
	hasher     lineage.Hasher
	dispatcher dispatch.Dispatcher
	queue      queue.Queue
	dialer     sqlexec.Dialer
	reports    storage.Storage
	logger     logger.Logger
	config     *ServiceConfig
	now        func() time.Time

	scanning atomic.Bool
	sweeping atomic.Bool
}

// NewService wires the engine. reports may be nil.
func NewService(
	tenants TenantRegistry,
	opener store.Opener,
	hasher lineage.Hasher,
	dispatcher dispatch.Dispatcher,
	q queue.Queue,
	dialer sqlexec.Dialer,
	reports storage.Storage,
	log logger.Logger,
	cfg *ServiceConfig,
) *EngineService {
	if cfg == nil {
		cfg = &ServiceConfig{Denylist: lineage.DefaultDenylist}
	}
	if cfg.MaxCascade <= 0 {
		cfg.MaxCascade = 8
	}
	return &EngineService{
		tenants:    tenants,
		opener:     opener,
		hasher:     hasher,
		dispatcher: dispatcher,
		queue:      q,
		dialer:     dialer,
		reports:    reports,
		logger:     log,
		config:     cfg,
		now:        time.Now,
	}
}

// Rebuild runs the rebuild job of one node. After a commit every immediate
// parent is enqueued with the same mode, so a change travels up the graph
// one job at a time.
func (e *EngineService) Rebuild(ctx context.Context, tenantName, nodeID string, mode models.UpdateMode) (*dispatch.Result, error) {
	log := logger.FromContext(ctx, e.logger).With(
		logger.String("tenant", tenantName),
		logger.String("dataSourceId", nodeID),
		logger.String("mode", string(mode)))

	res, err := e.rebuild(ctx, tenantName, nodeID, mode, log)
	if err != nil {
		log.Error("Rebuild job failed", logger.Error(err))
		return nil, err
	}
	return res, nil
}

func (e *EngineService) rebuild(ctx context.Context, tenantName, nodeID string, mode models.UpdateMode, log logger.Logger) (*dispatch.Result, error) {
	tenant, err := e.tenants.Find(tenantName)
	if err != nil {
		return nil, err
	}

	st, err := e.opener.Open(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}
	defer st.Close()

	snap, err := st.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("load graph: %w", err)
	}
	current, ok := snap.Node(nodeID)
	if !ok {
		return nil, &models.NotFoundError{Kind: "datasource", ID: nodeID}
	}
	if path := snap.CycleThrough(nodeID); path != nil {
		return nil, &models.CycleError{Path: path}
	}

	fingerprint, err := e.hasher.Fingerprint(nodeID, snap)
	if err != nil {
		return nil, fmt.Errorf("compute fingerprint: %w", err)
	}

	node := current.Clone()
	before := node.UpdateStatus
	res, err := e.dispatcher.Update(ctx, &dispatch.Request{
		TaskID:      logger.TaskID(ctx),
		Tenant:      tenant,
		Store:       st,
		Node:        node,
		Fingerprint: fingerprint,
		Mode:        mode,
	})
	if err != nil {
		if node.UpdateStatus != before {
			if serr := st.SaveNode(context.WithoutCancel(ctx), node); serr != nil {
				log.Error("Failed to persist failed status", logger.Error(serr))
			}
		}
		return nil, err
	}

	if res.Committed || node.UpdateStatus != before {
		if err := st.SaveNode(ctx, node); err != nil {
			return nil, fmt.Errorf("save datasource: %w", err)
		}
	}
	if !res.Committed {
		return res, nil
	}

	// Edges may have changed during the build.
	after, err := st.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("reload graph: %w", err)
	}
	if err := e.cascade(ctx, tenant.Name, nodeID, after.Parents(nodeID), mode, log); err != nil {
		return nil, err
	}
	return res, nil
}

func (e *EngineService) cascade(ctx context.Context, tenant, nodeID string, parents []string, mode models.UpdateMode, log logger.Logger) error {
	if len(parents) == 0 {
		return nil
	}
	causedBy := logger.TaskID(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.MaxCascade)
	for _, parent := range parents {
		g.Go(func() error {
			task := queue.NewRebuildTask(tenant, parent, string(mode), queue.TriggerCascade).WithParent(causedBy)
			if err := e.queue.Enqueue(gctx, task); err != nil {
				return fmt.Errorf("enqueue parent %s: %w", parent, err)
			}
			metrics.EnqueuedTotal.WithLabelValues(queue.TriggerCascade).Inc()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("Cascaded to parents", logger.Strings("parents", parents))
	return nil
}
