package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/feichai0017/table-dispatcher/internal/models"
	"github.com/feichai0017/table-dispatcher/pkg/logger"
	"github.com/feichai0017/table-dispatcher/pkg/metrics"
	"github.com/feichai0017/table-dispatcher/pkg/queue"
)

// PassSummary describes one periodic pass.
type PassSummary struct {
	// Skipped is set when another pass of the same kind was still running.
	Skipped  bool
	Tenants  int
	Failed   int
	Enqueued int
	Dropped  int
}

// Scan enqueues a rebuild for every composed parent of a live leaf whose
// fingerprint is missing or outdated. Only one scan runs at a time per
// process; an overlapping call returns immediately.
func (e *EngineService) Scan(ctx context.Context) PassSummary {
	if !e.scanning.CompareAndSwap(false, true) {
		metrics.ScanPassesTotal.WithLabelValues("skipped").Inc()
		e.logger.Info("Scan still running, skipped")
		return PassSummary{Skipped: true}
	}
	defer e.scanning.Store(false)
	metrics.ScanPassesTotal.WithLabelValues("run").Inc()

	ctx = logger.WithUpdateCode(ctx, uuid.NewString())
	log := logger.FromContext(ctx, e.logger)

	var sum PassSummary
	for _, tenant := range e.tenants.Groups() {
		sum.Tenants++
		n, err := e.scanTenant(ctx, &tenant)
		sum.Enqueued += n
		if err != nil {
			sum.Failed++
			metrics.TenantFailuresTotal.WithLabelValues("scan").Inc()
			log.Error("Scan failed for tenant",
				logger.String("tenant", tenant.Name),
				logger.Error(err))
		}
	}

	log.Info("Scan finished",
		logger.Int("tenants", sum.Tenants),
		logger.Int("failed", sum.Failed),
		logger.Int("enqueued", sum.Enqueued))
	return sum
}

func (e *EngineService) scanTenant(ctx context.Context, tenant *models.Tenant) (int, error) {
	log := logger.FromContext(ctx, e.logger).With(logger.String("tenant", tenant.Name))

	st, err := e.opener.Open(ctx, tenant)
	if err != nil {
		return 0, fmt.Errorf("open metadata store: %w", err)
	}
	defer st.Close()

	snap, err := st.Snapshot(ctx)
	if err != nil {
		return 0, fmt.Errorf("load graph: %w", err)
	}

	leaves := snap.Leaves(e.config.Denylist)
	ids := make([]string, 0, len(leaves))
	for _, l := range leaves {
		ids = append(ids, l.ID)
	}

	enqueued := 0
	for _, id := range snap.ParentsOf(ids) {
		node, ok := snap.Node(id)
		if !ok || !node.Reference.IsComposed() {
			continue
		}
		if path := snap.CycleThrough(id); path != nil {
			log.Warn("Datasource is on a dependency cycle, skipped",
				logger.String("dataSourceId", id),
				logger.Strings("cycle", path))
			continue
		}

		fingerprint, err := e.hasher.Fingerprint(id, snap)
		if err != nil {
			return enqueued, fmt.Errorf("fingerprint %s: %w", id, err)
		}
		if node.Hashcode != "" && node.Hashcode == fingerprint {
			continue
		}

		task := queue.NewRebuildTask(tenant.Name, id, string(models.ModeAutoUpdate), queue.TriggerScan)
		if err := e.queue.Enqueue(ctx, task); err != nil {
			if errors.Is(err, queue.ErrAlreadyPending) {
				log.Debug("Rebuild already pending, skipped", logger.String("dataSourceId", id))
				continue
			}
			return enqueued, fmt.Errorf("enqueue %s: %w", id, err)
		}
		enqueued++
		metrics.EnqueuedTotal.WithLabelValues(queue.TriggerScan).Inc()
		log.Info("Datasource outdated, rebuild enqueued",
			logger.String("dataSourceId", id),
			logger.String("name", node.Name),
			logger.String("taskId", task.ID))
	}
	return enqueued, nil
}
