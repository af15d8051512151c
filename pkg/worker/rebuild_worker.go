package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/feichai0017/table-dispatcher/internal/models"
	"github.com/feichai0017/table-dispatcher/internal/service/dispatch"
	"github.com/feichai0017/table-dispatcher/pkg/logger"
	"github.com/feichai0017/table-dispatcher/pkg/queue"
)

// Rebuilder runs one rebuild job.
type Rebuilder interface {
	Rebuild(ctx context.Context, tenant, dataSourceID string, mode models.UpdateMode) (*dispatch.Result, error)
}

type RebuildWorker struct {
	BaseWorker
	rebuilder Rebuilder
	queue     queue.Queue
	now       func() time.Time
}

func NewRebuildWorker(cfg *Config, rebuilder Rebuilder, q queue.Queue, log logger.Logger) *RebuildWorker {
	w := &RebuildWorker{
		rebuilder: rebuilder,
		queue:     q,
		now:       time.Now,
	}
	w.setup(cfg, log)
	w.registerHandlers()
	return w
}

func (w *RebuildWorker) registerHandlers() {
	w.mux.HandleFunc(queue.TaskTypeRebuild, w.handleRebuild)
}

func (w *RebuildWorker) handleRebuild(ctx context.Context, t *asynq.Task) error {
	var task queue.Task
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		w.logger.Error("Failed to unmarshal task",
			logger.Error(err),
			logger.String("payload", string(t.Payload())),
		)
		return fmt.Errorf("failed to unmarshal task: %v: %w", err, asynq.SkipRetry)
	}
	if task.ID == "" {
		task.ID, _ = asynq.GetTaskID(ctx)
	}
	if task.Tenant == "" || task.DataSourceID == "" {
		w.logger.Error("Invalid task data",
			logger.String("taskId", task.ID),
			logger.String("payload", string(t.Payload())),
		)
		return fmt.Errorf("invalid task data: missing tenant or datasource: %w", asynq.SkipRetry)
	}

	ctx = logger.WithTaskID(ctx, task.ID)
	log := logger.FromContext(ctx, w.logger)
	log.Info("Processing rebuild task",
		logger.String("tenant", task.Tenant),
		logger.String("dataSourceId", task.DataSourceID),
		logger.String("mode", task.Mode),
		logger.Any("metadata", task.Metadata),
	)

	status := &queue.TaskStatus{
		TaskID:    task.ID,
		Status:    "running",
		StartedAt: w.now(),
	}
	w.writeResult(t, status)

	res, err := w.rebuilder.Rebuild(ctx, task.Tenant, task.DataSourceID, models.ParseUpdateMode(task.Mode))
	status.FinishedAt = w.now()
	if err != nil {
		status.Status = "failed"
		status.Error = err.Error()
		w.writeResult(t, status)

		permanent := models.IsPermanent(err)
		if permanent || lastAttempt(ctx) {
			w.saveFinalStatus(ctx, status, log)
		}
		if permanent {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}

	status.Status = "completed"
	status.Progress = 100
	status.Committed = &res.Committed
	w.writeResult(t, status)
	w.saveFinalStatus(ctx, status, log)

	log.Info("Rebuild task finished",
		logger.Bool("committed", res.Committed),
		logger.Int64("rows", res.NewRows),
	)
	return nil
}

func lastAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	return !ok || retried >= maxRetry
}

func (w *RebuildWorker) writeResult(t *asynq.Task, status *queue.TaskStatus) {
	rw := t.ResultWriter()
	if rw == nil {
		return
	}
	data, err := json.Marshal(status)
	if err != nil {
		return
	}
	if _, err := rw.Write(data); err != nil {
		w.logger.Error("Failed to write task status", logger.Error(err))
	}
}

func (w *RebuildWorker) saveFinalStatus(ctx context.Context, status *queue.TaskStatus, log logger.Logger) {
	if err := w.queue.SaveFinalStatus(context.WithoutCancel(ctx), status); err != nil {
		log.Error("Failed to save final task status", logger.Error(err))
	}
}
