package backend

import (
	"encoding/json"
	"time"

	"github.com/tallybook/flowengine/core"
)

// Advance is the result of one orchestrator run.
type Advance struct {
	TenantID   string
	InstanceID string

	// ExpectedUpdatedAt is the version stamp the instance was loaded with.
	ExpectedUpdatedAt time.Time

	Status       core.InstanceStatus
	CurrentState string
	Context      json.RawMessage

	// Tasks are inserted unless a task with the same idempotency key exists for the tenant.
	Tasks []*core.Task

	Events []*core.Event
}

type TaskCompletion struct {
	TenantID string
	TaskID   string

	// ExpectedStatus is RUNNING for tasks executed by a worker and PENDING for human tasks.
	ExpectedStatus core.TaskStatus

	// LockedBy must match the lock holder if set.
	LockedBy string

	Output json.RawMessage

	Events []*core.Event
}

type TaskFailure struct {
	TenantID string
	TaskID   string
	LockedBy string

	Error json.RawMessage

	// Retry returns the task to PENDING and releases the lock. Otherwise the task is FAILED.
	Retry bool

	// FailInstance also sets the owning instance to FAILED with the same error, unless it is
	// already finished.
	FailInstance bool

	Events []*core.Event
}
