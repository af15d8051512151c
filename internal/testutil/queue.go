package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/feichai0017/table-dispatcher/pkg/queue"
)

// FakeQueue records enqueued tasks.
type FakeQueue struct {
	mu       sync.Mutex
	tasks    []*queue.Task
	statuses map[string]*queue.TaskStatus
	err      error
	onTask   func(t *queue.Task)
}

func NewFakeQueue() *FakeQueue {
	return &FakeQueue{statuses: map[string]*queue.TaskStatus{}}
}

// Fail makes Enqueue return err.
func (q *FakeQueue) Fail(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.err = err
}

// OnEnqueue runs fn for each accepted task, outside the lock.
func (q *FakeQueue) OnEnqueue(fn func(t *queue.Task)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onTask = fn
}

// Tasks returns every accepted task in order.
func (q *FakeQueue) Tasks() []*queue.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*queue.Task(nil), q.tasks...)
}

// DataSourceIDs returns the node ids of accepted tasks in order.
func (q *FakeQueue) DataSourceIDs() []string {
	var ids []string
	for _, t := range q.Tasks() {
		ids = append(ids, t.DataSourceID)
	}
	return ids
}

// Reset drops recorded tasks.
func (q *FakeQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = nil
}

func (q *FakeQueue) Enqueue(ctx context.Context, task *queue.Task) error {
	q.mu.Lock()
	if q.err != nil {
		q.mu.Unlock()
		return q.err
	}
	q.tasks = append(q.tasks, task)
	hook := q.onTask
	q.mu.Unlock()

	if hook != nil {
		hook(task)
	}
	return nil
}

func (q *FakeQueue) GetTaskStatus(ctx context.Context, taskID string) (*queue.TaskStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if s, ok := q.statuses[taskID]; ok {
		return s, nil
	}
	for _, t := range q.tasks {
		if t.ID == taskID {
			return &queue.TaskStatus{TaskID: taskID, Status: "pending", StartedAt: t.CreatedAt}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", queue.ErrTaskNotFound, taskID)
}

func (q *FakeQueue) CancelTask(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, t := range q.tasks {
		if t.ID == taskID {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("failed to cancel task: %s", taskID)
}

func (q *FakeQueue) SaveFinalStatus(ctx context.Context, status *queue.TaskStatus) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.statuses[status.TaskID] = status
	return nil
}
