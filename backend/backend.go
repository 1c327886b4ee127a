package backend

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/tallybook/flowengine/core"
	"github.com/tallybook/flowengine/metrics"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrDefinitionNotFound      = errors.New("workflow definition not found")
	ErrDefinitionAlreadyExists = errors.New("workflow definition version already exists")

	ErrInstanceNotFound      = errors.New("workflow instance not found")
	ErrInstanceAlreadyExists = errors.New("workflow instance already exists")

	// ErrInstanceConflict is returned when an instance changed since it was loaded. The caller
	// has to start over from the current state.
	ErrInstanceConflict = errors.New("workflow instance updated concurrently")
	ErrInstanceTerminal = errors.New("workflow instance is already finished")

	ErrTaskNotFound = errors.New("workflow task not found")

	// ErrTaskNotLocked is returned when a task is not in the expected status or not held by the
	// expected worker.
	ErrTaskNotLocked = errors.New("workflow task is not held in the expected state")
)

const TracerName = "flowengine"

// Backend is the persistence layer. Every method is one transaction.
type Backend interface {
	// CreateDefinition stores a new definition. If Version is zero, the next version for the key
	// is assigned.
	CreateDefinition(ctx context.Context, def *core.Definition) error

	GetDefinition(ctx context.Context, tenantID, id string) (*core.Definition, error)

	// FindDefinition returns the given version of a definition. Version zero returns the
	// newest ACTIVE version.
	FindDefinition(ctx context.Context, tenantID, key string, version int) (*core.Definition, error)

	ListDefinitions(ctx context.Context, tenantID, key string) ([]*core.Definition, error)

	UpdateDefinitionStatus(ctx context.Context, tenantID, id string, status core.DefinitionStatus) error

	// CreateInstance stores a new instance together with its first events. Returns
	// ErrInstanceAlreadyExists if the business key is already taken.
	CreateInstance(ctx context.Context, instance *core.Instance, events ...*core.Event) error

	GetInstance(ctx context.Context, tenantID, id string) (*core.Instance, error)

	FindInstanceByBusinessKey(ctx context.Context, tenantID, businessKey string) (*core.Instance, error)

	ListInstances(ctx context.Context, tenantID string, opts ...ListOption) ([]*core.Instance, error)

	// UpdateInstanceStatus sets the status of an instance that is not finished yet. Returns
	// ErrInstanceTerminal otherwise.
	UpdateInstanceStatus(ctx context.Context, tenantID, id string, status core.InstanceStatus, lastError json.RawMessage, events ...*core.Event) error

	// AdvanceInstance atomically writes a new snapshot if the instance still carries the
	// expected version stamp, inserts tasks not suppressed by their idempotency key, and
	// appends the events plus one TASK_CREATED event per inserted task. Returns the inserted
	// tasks, or ErrInstanceConflict without writing anything.
	AdvanceInstance(ctx context.Context, advance *Advance) ([]*core.Task, error)

	// CancelInstance cancels an unfinished instance and its pending tasks. Running tasks are
	// left to finish.
	CancelInstance(ctx context.Context, tenantID, id string, reason json.RawMessage) error

	GetTask(ctx context.Context, tenantID, id string) (*core.Task, error)

	// ClaimTask locks a pending, due task for the worker and counts an attempt. Returns nil if
	// the task cannot be claimed.
	ClaimTask(ctx context.Context, tenantID, id, workerName string) (*core.Task, error)

	CompleteTask(ctx context.Context, completion *TaskCompletion) error

	// FailTask records a failed attempt. Returns ErrTaskNotLocked if the worker no longer holds
	// the task.
	FailTask(ctx context.Context, failure *TaskFailure) error

	CancelTask(ctx context.Context, tenantID, id string, reason json.RawMessage) error

	ListTasksByInstance(ctx context.Context, tenantID, instanceID string) ([]*core.Task, error)

	ListTasksByTrace(ctx context.Context, tenantID, traceID string) ([]*core.Task, error)

	// ReleaseStaleTasks returns running tasks locked before the given time to PENDING.
	ReleaseStaleTasks(ctx context.Context, lockedBefore time.Time, limit int) ([]*core.Task, error)

	// ListRunnableTasks returns pending, non-human tasks that are due and were not touched
	// since the given time.
	ListRunnableTasks(ctx context.Context, now, untouchedSince time.Time, limit int) ([]*core.Task, error)

	AppendEvents(ctx context.Context, events ...*core.Event) error

	// ListEvents returns the history of an instance in append order, starting after the given
	// event ID.
	ListEvents(ctx context.Context, tenantID, instanceID string, afterID int64) ([]*core.Event, error)

	GetStats(ctx context.Context) (*Stats, error)

	Tracer() trace.Tracer

	Metrics() metrics.Client

	Options() *Options

	Close() error
}
