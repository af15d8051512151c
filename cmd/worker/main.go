package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/feichai0017/table-dispatcher/config"
	"github.com/feichai0017/table-dispatcher/internal/builder"
	"github.com/feichai0017/table-dispatcher/internal/lineage"
	"github.com/feichai0017/table-dispatcher/internal/service/dispatch"
	"github.com/feichai0017/table-dispatcher/internal/service/engine"
	"github.com/feichai0017/table-dispatcher/internal/store"
	"github.com/feichai0017/table-dispatcher/pkg/logger"
	"github.com/feichai0017/table-dispatcher/pkg/metrics"
	"github.com/feichai0017/table-dispatcher/pkg/queue"
	"github.com/feichai0017/table-dispatcher/pkg/sqlexec"
	"github.com/feichai0017/table-dispatcher/pkg/storage"
	"github.com/feichai0017/table-dispatcher/pkg/worker"
)

func main() {
	envPath := flag.String("env", ".env", "path of the .env file")
	flag.Parse()

	cfg, err := config.Load(*envPath)
	if err != nil {
		panic(err)
	}

	log, err := logger.NewLogger(
		logger.WithLevel(cfg.Log.Level),
		logger.WithEncoding(cfg.Log.Encoding),
		logger.WithOutputPaths(cfg.Log.Outputs),
		logger.WithRotation(cfg.Log.Rotation()),
	)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tenants, err := config.LoadTenants(cfg.Dispatch.TenantFile)
	if err != nil {
		log.Error("Failed to load tenants", logger.Error(err))
		os.Exit(1)
	}

	q, err := queue.NewAsynqQueue(cfg.QueueConfig(), log)
	if err != nil {
		log.Error("Failed to create queue", logger.Error(err))
		os.Exit(1)
	}
	defer q.Close()

	var reports storage.Storage
	if sc := cfg.StorageConfig(); sc.Enabled() {
		reports, err = storage.NewStorage(ctx, sc, log)
		if err != nil {
			log.Error("Failed to connect report storage", logger.Error(err))
			os.Exit(1)
		}
	}

	dialer := sqlexec.NewDialer(log,
		sqlexec.WithStatementTimeout(cfg.Dispatch.StatementTimeout),
		sqlexec.WithPool(cfg.Dispatch.MaxOpenConns, cfg.Dispatch.MaxOpenConns/2, 30*time.Minute),
	)
	defer dialer.Close()

	hasher := lineage.NewSHA256Hasher()
	dispatcher := dispatch.NewService(dialer, builder.New(log), hasher, reports, log, &dispatch.ServiceConfig{
		HistoryLimit:    cfg.Dispatch.HistoryLimit,
		CallbackTimeout: cfg.Dispatch.CallbackTimeout,
	})
	eng := engine.NewService(tenants, store.NewMySQLOpener(dialer, log), hasher, dispatcher, q, dialer, reports, log, &engine.ServiceConfig{
		Denylist:        cfg.Dispatch.LeafDenylist,
		ReportRetention: cfg.Storage.ReportRetention,
		MaxCascade:      cfg.Dispatch.MaxCascade,
	})

	rebuildWorker := worker.NewRebuildWorker(&worker.Config{
		Redis:           cfg.QueueConfig().RedisOpt(),
		Concurrency:     cfg.Worker.Concurrency,
		Queues:          queue.Queues(),
		RetryDelay:      cfg.Worker.RetryDelay,
		ShutdownTimeout: cfg.Worker.ShutdownTimeout,
	}, eng, q, log)
	if err := rebuildWorker.Start(ctx); err != nil {
		log.Error("Failed to start worker", logger.Error(err))
		os.Exit(1)
	}

	scheduler := engine.NewScheduler(eng, log)
	if err := scheduler.Start(ctx, cfg.Dispatch.ScanCron, cfg.Dispatch.SweepCron); err != nil {
		log.Error("Failed to start scheduler", logger.Error(err))
		os.Exit(1)
	}

	metricsSrv := &http.Server{Addr: cfg.Worker.MetricsAddr, Handler: metrics.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server error", logger.Error(err))
		}
	}()

	log.Info("Worker started",
		logger.Int("tenants", len(tenants.All())),
		logger.Int("concurrency", cfg.Worker.Concurrency),
		logger.Bool("reports", reports != nil),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down worker...")
	scheduler.Stop()
	rebuildWorker.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	log.Info("Worker stopped")
}
