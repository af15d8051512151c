// pkg/queue/queue.go
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/feichai0017/table-dispatcher/pkg/logger"
)

// Queue is the durable job queue the dispatcher enqueues rebuilds on.
type Queue interface {
	Enqueue(ctx context.Context, task *Task) error
	GetTaskStatus(ctx context.Context, taskID string) (*TaskStatus, error)
	CancelTask(ctx context.Context, taskID string) error
	SaveFinalStatus(ctx context.Context, status *TaskStatus) error
}

// TaskStatus is what the status endpoint reports.
type TaskStatus struct {
	TaskID     string    `json:"taskId"`
	Status     string    `json:"status"`
	Progress   float64   `json:"progress"`
	Error      string    `json:"error,omitempty"`
	Committed  *bool     `json:"committed,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
}

const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

var queueNames = []string{QueueCritical, QueueDefault, QueueLow}

var (
	// ErrTaskNotFound is returned when no queue knows a task id.
	ErrTaskNotFound = errors.New("task not found")
	// ErrAlreadyPending is returned when a deduplicated rebuild of the same
	// node is still queued or running.
	ErrAlreadyPending = errors.New("rebuild already pending")
)

// Queues returns the queue weights the worker serves.
func Queues() map[string]int {
	return map[string]int{
		QueueCritical: 6,
		QueueDefault:  3,
		QueueLow:      1,
	}
}

// AsynqQueue is a Queue on asynq with task status cached in redis.
type AsynqQueue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	redis     *redis.Client
	cfg       *QueueConfig
	logger    logger.Logger
}

type QueueConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	MaxRetries    int
	// ProcessTimeout must exceed the statement timeout of a rebuild.
	ProcessTimeout time.Duration
	// UniqueTTL > 0 drops a scan rebuild of a node that already has one
	// queued or running. Cascade and API rebuilds are never dropped.
	UniqueTTL time.Duration
	StatusTTL time.Duration
}

func (c *QueueConfig) redisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB}
}

// RedisOpt exposes the connection settings for the worker server.
func (c *QueueConfig) RedisOpt() asynq.RedisClientOpt {
	return c.redisOpt()
}

func NewAsynqQueue(cfg *QueueConfig, log logger.Logger) (*AsynqQueue, error) {
	if cfg.RedisAddr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = 24 * time.Hour
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	return &AsynqQueue{
		client:    asynq.NewClient(cfg.redisOpt()),
		inspector: asynq.NewInspector(cfg.redisOpt()),
		redis:     redisClient,
		cfg:       cfg,
		logger:    log,
	}, nil
}

// Enqueue submits task. A scan rebuild rejected as a duplicate returns
// ErrAlreadyPending and task.ID is left unset.
func (q *AsynqQueue) Enqueue(ctx context.Context, task *Task) error {
	payload, err := task.payload(task.deduplicated(q.cfg))
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	t := asynq.NewTask(task.Type, payload, taskOptions(task, q.cfg)...)
	info, err := q.client.EnqueueContext(ctx, t)
	if err != nil {
		if errors.Is(err, asynq.ErrDuplicateTask) {
			task.ID = ""
			return fmt.Errorf("%w: %s/%s", ErrAlreadyPending, task.Tenant, task.DataSourceID)
		}
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	task.ID = info.ID
	q.logger.Debug("Task enqueued",
		logger.String("taskId", info.ID),
		logger.String("queue", info.Queue),
		logger.String("dataSourceId", task.DataSourceID))
	return nil
}

// taskOptions maps a task to asynq options.
func taskOptions(task *Task, cfg *QueueConfig) []asynq.Option {
	opts := []asynq.Option{
		asynq.MaxRetry(cfg.MaxRetries),
		asynq.TaskID(task.ID),
		asynq.Queue(queueFor(task.Priority)),
	}
	if cfg.ProcessTimeout > 0 {
		opts = append(opts, asynq.Timeout(cfg.ProcessTimeout))
	}
	if task.deduplicated(cfg) {
		opts = append(opts, asynq.Unique(cfg.UniqueTTL))
	}
	return opts
}

func queueFor(priority int) string {
	switch priority {
	case PriorityCritical:
		return QueueCritical
	case PriorityDefault:
		return QueueDefault
	default:
		return QueueLow
	}
}

// GetTaskStatus returns the cached final status, or asks asynq.
func (q *AsynqQueue) GetTaskStatus(ctx context.Context, taskID string) (*TaskStatus, error) {
	data, err := q.redis.Get(ctx, statusKey(taskID)).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to get status from redis: %w", err)
	}
	if err == nil {
		var status TaskStatus
		if err := json.Unmarshal(data, &status); err != nil {
			return nil, fmt.Errorf("failed to unmarshal status: %w", err)
		}
		return &status, nil
	}

	var lastErr error
	for _, name := range queueNames {
		info, err := q.inspector.GetTaskInfo(name, taskID)
		if err != nil {
			lastErr = err
			continue
		}
		return convertAsynqStatus(info), nil
	}
	return nil, fmt.Errorf("%w in any queue: %w", ErrTaskNotFound, lastErr)
}

func (q *AsynqQueue) CancelTask(ctx context.Context, taskID string) error {
	var lastErr error
	for _, name := range queueNames {
		err := q.inspector.DeleteTask(name, taskID)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("failed to cancel task: %w", lastErr)
}

// SaveFinalStatus keeps the outcome of a finished task after asynq drops it.
func (q *AsynqQueue) SaveFinalStatus(ctx context.Context, status *TaskStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	if err := q.redis.Set(ctx, statusKey(status.TaskID), data, q.cfg.StatusTTL).Err(); err != nil {
		return fmt.Errorf("failed to save status: %w", err)
	}
	return nil
}

func (q *AsynqQueue) Close() error {
	var errs []error
	if err := q.client.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := q.inspector.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := q.redis.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func statusKey(taskID string) string {
	return fmt.Sprintf("task_status:%s", taskID)
}

func convertAsynqStatus(info *asynq.TaskInfo) *TaskStatus {
	status := &TaskStatus{
		TaskID:    info.ID,
		StartedAt: info.NextProcessAt,
	}

	switch info.State {
	case asynq.TaskStatePending, asynq.TaskStateScheduled:
		status.Status = "pending"
	case asynq.TaskStateActive:
		status.Status = "running"
		status.Progress = 0.5
	case asynq.TaskStateCompleted:
		status.Status = "completed"
		status.Progress = 1.0
		status.FinishedAt = info.CompletedAt
	case asynq.TaskStateRetry:
		status.Status = "retrying"
		status.Error = info.LastErr
	case asynq.TaskStateArchived:
		status.Status = "failed"
		status.Error = info.LastErr
		status.FinishedAt = info.LastFailedAt
	default:
		status.Status = info.State.String()
	}
	return status
}
