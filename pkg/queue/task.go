package queue

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

const TaskTypeRebuild = "datasource:rebuild"

const (
	PriorityCritical = 1
	PriorityDefault  = 2
	PriorityLow      = 3
)

// Rebuild triggers.
const (
	TriggerAPI     = "api"
	TriggerScan    = "scan"
	TriggerCascade = "cascade"
)

// Task is the payload of a rebuild job.
type Task struct {
	ID           string            `json:"id,omitempty"`
	Type         string            `json:"type"`
	Priority     int               `json:"priority"`
	Tenant       string            `json:"tenant"`
	DataSourceID string            `json:"dataSourceId"`
	Mode         string            `json:"mode"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// NewRebuildTask builds a rebuild job. Requests from the API go to the
// critical queue, automatic ones to the default queue.
func NewRebuildTask(tenant, dataSourceID, mode, trigger string) *Task {
	priority := PriorityDefault
	if strings.EqualFold(mode, "FromApi") {
		priority = PriorityCritical
	}
	return &Task{
		ID:           uuid.NewString(),
		Type:         TaskTypeRebuild,
		Priority:     priority,
		Tenant:       tenant,
		DataSourceID: dataSourceID,
		Mode:         mode,
		Metadata:     map[string]string{"trigger": trigger},
		CreatedAt:    time.Now(),
	}
}

// WithParent records the job whose commit caused this one.
func (t *Task) WithParent(taskID string) *Task {
	if taskID != "" {
		if t.Metadata == nil {
			t.Metadata = map[string]string{}
		}
		t.Metadata["causedBy"] = taskID
	}
	return t
}

// Trigger returns what created the job.
func (t *Task) Trigger() string {
	return t.Metadata["trigger"]
}

// deduplicated reports whether task is enqueued with asynq.Unique. asynq
// holds the unique lock until the task finishes, so a rebuild requested
// while the same node is running must not be dropped. Only scan rebuilds
// qualify: the next scan pass requeues what a dropped one missed.
func (t *Task) deduplicated(cfg *QueueConfig) bool {
	return cfg.UniqueTTL > 0 && t.Trigger() == TriggerScan
}

// payload marshals the task. For deduplicated queues only the fields that
// identify the rebuild are kept, so equal rebuilds yield equal payloads.
func (t *Task) payload(unique bool) ([]byte, error) {
	if !unique {
		return json.Marshal(t)
	}
	return json.Marshal(&Task{
		Type:         t.Type,
		Priority:     t.Priority,
		Tenant:       t.Tenant,
		DataSourceID: t.DataSourceID,
		Mode:         t.Mode,
	})
}
