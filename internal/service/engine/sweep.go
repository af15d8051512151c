package engine

import (
	"context"
	"fmt"

	"github.com/feichai0017/table-dispatcher/internal/builder"
	"github.com/feichai0017/table-dispatcher/internal/models"
	"github.com/feichai0017/table-dispatcher/pkg/logger"
	"github.com/feichai0017/table-dispatcher/pkg/metrics"
	"github.com/feichai0017/table-dispatcher/pkg/sqlexec"
)

// Sweep drops retired tables in every tenant's data database and clears
// their retirement log rows. Expired rebuild reports are pruned afterwards.
func (e *EngineService) Sweep(ctx context.Context) PassSummary {
	if !e.sweeping.CompareAndSwap(false, true) {
		metrics.SweepPassesTotal.WithLabelValues("skipped").Inc()
		e.logger.Info("Sweep still running, skipped")
		return PassSummary{Skipped: true}
	}
	defer e.sweeping.Store(false)
	metrics.SweepPassesTotal.WithLabelValues("run").Inc()

	var sum PassSummary
	for _, tenant := range e.tenants.Groups() {
		sum.Tenants++
		n, err := e.sweepTenant(ctx, &tenant)
		sum.Dropped += n
		if err != nil {
			sum.Failed++
			metrics.TenantFailuresTotal.WithLabelValues("sweep").Inc()
			e.logger.Error("Sweep failed for tenant",
				logger.String("tenant", tenant.Name),
				logger.Error(err))
		}
	}

	if e.reports != nil && e.config.ReportRetention > 0 {
		threshold := e.now().Add(-e.config.ReportRetention)
		if err := e.reports.CleanupBefore(ctx, threshold); err != nil {
			e.logger.Error("Failed to prune rebuild reports", logger.Error(err))
		}
	}

	e.logger.Info("Sweep finished",
		logger.Int("tenants", sum.Tenants),
		logger.Int("failed", sum.Failed),
		logger.Int("dropped", sum.Dropped))
	return sum
}

func (e *EngineService) sweepTenant(ctx context.Context, tenant *models.Tenant) (int, error) {
	exec, err := e.dialer.Dial(ctx, tenant.ConnectionStrings.Data)
	if err != nil {
		return 0, fmt.Errorf("connect data database: %w", err)
	}
	defer exec.Close()

	retired, err := exec.ListTables(ctx, sqlexec.EscapeLike(builder.RetiredPrefix)+"%")
	if err != nil {
		return 0, fmt.Errorf("list retired tables: %w", err)
	}
	if len(retired) == 0 {
		return 0, nil
	}

	dropped := make([]string, 0, len(retired))
	var dropErr error
	for _, name := range retired {
		if _, err := exec.Exec(ctx, "DROP TABLE IF EXISTS "+sqlexec.QuoteIdent(name)); err != nil {
			dropErr = fmt.Errorf("drop %s: %w", name, err)
			break
		}
		dropped = append(dropped, name)
		metrics.RetiredDroppedTotal.Inc()
	}

	if len(dropped) > 0 {
		st, err := e.opener.Open(ctx, tenant)
		if err != nil {
			return len(dropped), fmt.Errorf("open metadata store: %w", err)
		}
		defer st.Close()
		if err := st.DeleteRetirements(ctx, dropped); err != nil {
			return len(dropped), fmt.Errorf("delete retirement log: %w", err)
		}
	}

	e.logger.Info("Dropped retired tables",
		logger.String("tenant", tenant.Name),
		logger.Strings("tables", dropped))
	return len(dropped), dropErr
}
