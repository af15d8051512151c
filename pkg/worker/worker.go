package worker

import (
	"context"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"github.com/feichai0017/table-dispatcher/pkg/logger"
)

type Worker interface {
	Start(ctx context.Context) error
	Stop() error
}

type Config struct {
	Redis       asynq.RedisClientOpt
	Concurrency int
	Queues      map[string]int
	// RetryDelay is multiplied by the retry count.
	RetryDelay time.Duration
	// ShutdownTimeout bounds how long running jobs may finish on stop.
	ShutdownTimeout time.Duration
}

type BaseWorker struct {
	server   *asynq.Server
	mux      *asynq.ServeMux
	logger   logger.Logger
	stopOnce sync.Once
}

func (w *BaseWorker) setup(cfg *Config, log logger.Logger) {
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = time.Minute
	}
	server := asynq.NewServer(cfg.Redis, asynq.Config{
		Concurrency:     cfg.Concurrency,
		Queues:          cfg.Queues,
		ShutdownTimeout: cfg.ShutdownTimeout,
		RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
			return time.Duration(n) * delay
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			log.Warn("Task attempt failed",
				logger.String("type", task.Type()),
				logger.Int("retried", retried),
				logger.Int("maxRetry", maxRetry),
				logger.Error(err))
		}),
	})
	w.server = server
	w.mux = asynq.NewServeMux()
	w.logger = log
}

// Start runs the server until ctx is done or Stop is called.
func (w *BaseWorker) Start(ctx context.Context) error {
	if err := w.server.Start(w.mux); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		w.Stop()
	}()
	return nil
}

// Stop waits for running jobs up to the shutdown timeout.
func (w *BaseWorker) Stop() error {
	w.stopOnce.Do(func() {
		w.server.Shutdown()
		w.logger.Info("Worker server stopped")
	})
	return nil
}
