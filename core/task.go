package core

import (
	"encoding/json"
	"time"
)

type TaskType string

const (
	TaskTypeHuman  TaskType = "HUMAN"
	TaskTypeTimer  TaskType = "TIMER"
	TaskTypeHTTP   TaskType = "HTTP"
	TaskTypeEmail  TaskType = "EMAIL"
	TaskTypeAI     TaskType = "AI"
	TaskTypeSystem TaskType = "SYSTEM"
)

var TaskTypes = []TaskType{TaskTypeHuman, TaskTypeTimer, TaskTypeHTTP, TaskTypeEmail, TaskTypeAI, TaskTypeSystem}

func (t TaskType) Valid() bool {
	for _, tt := range TaskTypes {
		if t == tt {
			return true
		}
	}

	return false
}

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusSucceeded TaskStatus = "SUCCEEDED"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusCancelled TaskStatus = "CANCELLED"
	TaskStatusSkipped   TaskStatus = "SKIPPED"
)

const DefaultMaxAttempts = 3

// Task is one unit of work spawned by a transition.
type Task struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenantId"`
	InstanceID string     `json:"instanceId"`
	Name       string     `json:"name"`
	Type       TaskType   `json:"type"`
	Status     TaskStatus `json:"status"`

	// RunAt is the earliest time the task may run. Nil means runnable immediately.
	RunAt *time.Time `json:"runAt,omitempty"`

	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"maxAttempts"`

	IdempotencyKey string `json:"idempotencyKey,omitempty"`

	// CompletionEvent is fed back to the state machine when the task succeeds.
	CompletionEvent string `json:"completionEvent"`

	LockedBy string     `json:"lockedBy,omitempty"`
	LockedAt *time.Time `json:"lockedAt,omitempty"`

	Input  json.RawMessage `json:"input,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`

	// TraceID correlates the task with the orchestrator run that created it.
	TraceID string `json:"traceId,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// WillRetry returns true if a failure of the current attempt leaves attempts for another claim.
func (t *Task) WillRetry() bool {
	return t.Attempts < t.MaxAttempts
}

// JobAttempts is the delivery budget for the task's queue job: every remaining attempt plus
// one delivery that finds the task terminal and resends a follow-up that never reached the
// orchestrator queue.
func (t *Task) JobAttempts() int {
	return max(t.MaxAttempts-t.Attempts, 1) + 1
}

// Waits returns true if a task of this shape blocks the instance on something external:
// a human decision or a timer that has not fired yet.
func (t *Task) Waits(now time.Time) bool {
	switch t.Type {
	case TaskTypeHuman:
		return true
	case TaskTypeTimer:
		return t.RunAt != nil && t.RunAt.After(now)
	}

	return false
}

// TaskRequest asks the orchestrator to create a task. Produced by the state evaluator.
type TaskRequest struct {
	Name            string          `json:"name"`
	Type            TaskType        `json:"type"`
	Input           json.RawMessage `json:"input,omitempty"`
	RunAt           *time.Time      `json:"runAt,omitempty"`
	MaxAttempts     int             `json:"maxAttempts,omitempty"`
	IdempotencyKey  string          `json:"idempotencyKey,omitempty"`
	CompletionEvent string          `json:"completionEvent,omitempty"`
}
