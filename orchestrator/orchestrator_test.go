package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/tallybook/flowengine/backend"
	"github.com/tallybook/flowengine/backend/sqlite"
	"github.com/tallybook/flowengine/core"
	"github.com/tallybook/flowengine/queue"
	"github.com/tallybook/flowengine/queue/memory"
)

var testStart = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

const tasksSpec = `{
	"initial": "start",
	"states": {
		"start": {
			"on": {
				"EVENT_A": "done",
				"REVIEW": "review",
				"WAIT": "waiting",
				"WAIT_UNTIL": "waitingUntil",
				"NOTIFY": "notifying",
				"FORK": "forked"
			}
		},
		"review": {
			"tasks": [{"name": "approve", "type": "HUMAN", "completionEvent": "APPROVED"}],
			"on": {"APPROVED": "done"}
		},
		"waiting": {
			"tasks": [{"name": "cool-off", "type": "TIMER", "delay": "1h"}],
			"on": {"TASK_COMPLETED": "done"}
		},
		"waitingUntil": {
			"tasks": [{"name": "cool-off", "type": "TIMER", "runAt": "2024-01-01T00:00:00Z"}],
			"on": {"TASK_COMPLETED": "done"}
		},
		"notifying": {
			"tasks": [{"name": "notify", "type": "SYSTEM", "idempotencyKey": "notify", "maxAttempts": 5}],
			"on": {"AGAIN": "notifying", "TASK_COMPLETED": "done"}
		},
		"forked": {
			"tasks": [
				{"name": "ping", "type": "SYSTEM"},
				{"name": "sign-off", "type": "HUMAN"}
			]
		},
		"done": {"terminal": true}
	}
}`

type testEnv struct {
	b   backend.Backend
	q   *memory.Queue
	c   *clock.Mock
	o   *Orchestrator
	def *core.Definition
	ctx context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	c := clock.NewMock()
	c.Set(testStart)

	b := sqlite.NewInMemoryBackend(sqlite.WithBackendOptions(backend.WithClock(c)))
	t.Cleanup(func() { b.Close() })

	q := memory.New(c)

	spec, err := core.ParseMachineSpec([]byte(tasksSpec))
	require.NoError(t, err)

	ctx := context.Background()

	def := &core.Definition{
		ID:       uuid.NewString(),
		TenantID: "t1",
		Key:      "tasks",
		Status:   core.DefinitionStatusActive,
		Spec:     spec,
	}
	require.NoError(t, b.CreateDefinition(ctx, def))

	return &testEnv{
		b:   b,
		q:   q,
		c:   c,
		o:   New(b, q),
		def: def,
		ctx: ctx,
	}
}

func (e *testEnv) startInstance(t *testing.T, state string) *core.Instance {
	t.Helper()

	i := &core.Instance{
		ID:           uuid.NewString(),
		TenantID:     "t1",
		DefinitionID: e.def.ID,
		Status:       core.InstanceStatusRunning,
		CurrentState: state,
	}
	require.NoError(t, e.b.CreateInstance(e.ctx, i))

	return i
}

func (e *testEnv) handle(t *testing.T, i *core.Instance, events ...string) error {
	t.Helper()

	job := &core.OrchestratorJob{TenantID: i.TenantID, InstanceID: i.ID}
	for _, et := range events {
		job.Events = append(job.Events, core.MachineEvent{Type: et})
	}

	return e.o.Handle(e.ctx, job)
}

func (e *testEnv) instance(t *testing.T, i *core.Instance) *core.Instance {
	t.Helper()

	r, err := e.b.GetInstance(e.ctx, i.TenantID, i.ID)
	require.NoError(t, err)

	return r
}

func (e *testEnv) history(t *testing.T, i *core.Instance) []core.EventType {
	t.Helper()

	events, err := e.b.ListEvents(e.ctx, i.TenantID, i.ID, 0)
	require.NoError(t, err)

	types := make([]core.EventType, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}

	return types
}

func (e *testEnv) tasks(t *testing.T, i *core.Instance) []*core.Task {
	t.Helper()

	tasks, err := e.b.ListTasksByInstance(e.ctx, i.TenantID, i.ID)
	require.NoError(t, err)

	return tasks
}

func (e *testEnv) dequeueTask(t *testing.T) *core.TaskJob {
	t.Helper()

	job, err := e.q.Dequeue(e.ctx, queue.TaskQueue, time.Minute)
	require.NoError(t, err)

	if job == nil {
		return nil
	}

	var tj core.TaskJob
	require.NoError(t, job.Decode(&tj))
	require.Equal(t, tj.TaskID, job.ID)

	return &tj
}

func TestOrchestrator_Handle(t *testing.T) {
	tests := []struct {
		name string
		f    func(t *testing.T, e *testEnv)
	}{
		{
			name: "TerminalTransition_CompletesInstance",
			f: func(t *testing.T, e *testEnv) {
				i := e.startInstance(t, "start")

				require.NoError(t, e.handle(t, i, "EVENT_A"))

				r := e.instance(t, i)
				require.Equal(t, core.InstanceStatusCompleted, r.Status)
				require.Equal(t, "done", r.CurrentState)
				require.NotNil(t, r.CompletedAt)
				require.True(t, r.UpdatedAt.After(i.UpdatedAt))

				require.Equal(t, []core.EventType{
					core.EventTypeEventApplied,
					core.EventTypeStateTransition,
					core.EventTypeInstanceCompleted,
				}, e.history(t, i))
			},
		},
		{
			name: "HumanTask_WaitsAndIsNotEnqueued",
			f: func(t *testing.T, e *testEnv) {
				i := e.startInstance(t, "start")

				require.NoError(t, e.handle(t, i, "REVIEW"))

				require.Equal(t, core.InstanceStatusWaiting, e.instance(t, i).Status)

				tasks := e.tasks(t, i)
				require.Len(t, tasks, 1)
				require.Equal(t, core.TaskTypeHuman, tasks[0].Type)
				require.Equal(t, "APPROVED", tasks[0].CompletionEvent)
				require.Equal(t, core.TaskStatusPending, tasks[0].Status)
				require.NotEmpty(t, tasks[0].TraceID)

				require.Equal(t, 0, e.q.Len(queue.TaskQueue))
				require.Contains(t, e.history(t, i), core.EventTypeTaskCreated)
			},
		},
		{
			name: "FutureTimer_WaitsAndIsDelayed",
			f: func(t *testing.T, e *testEnv) {
				i := e.startInstance(t, "start")

				require.NoError(t, e.handle(t, i, "WAIT"))

				require.Equal(t, core.InstanceStatusWaiting, e.instance(t, i).Status)

				tasks := e.tasks(t, i)
				require.Len(t, tasks, 1)
				require.Equal(t, testStart.Add(time.Hour), *tasks[0].RunAt)

				require.Nil(t, e.dequeueTask(t))

				e.c.Add(time.Hour)

				tj := e.dequeueTask(t)
				require.NotNil(t, tj)
				require.Equal(t, tasks[0].ID, tj.TaskID)
				require.Equal(t, i.ID, tj.InstanceID)
			},
		},
		{
			name: "PastTimer_Runs",
			f: func(t *testing.T, e *testEnv) {
				i := e.startInstance(t, "start")

				require.NoError(t, e.handle(t, i, "WAIT_UNTIL"))

				require.Equal(t, core.InstanceStatusRunning, e.instance(t, i).Status)
				require.NotNil(t, e.dequeueTask(t))
			},
		},
		{
			name: "HumanTaskAmongOthers_Waits",
			f: func(t *testing.T, e *testEnv) {
				i := e.startInstance(t, "start")

				require.NoError(t, e.handle(t, i, "FORK"))

				require.Equal(t, core.InstanceStatusWaiting, e.instance(t, i).Status)
				require.Len(t, e.tasks(t, i), 2)

				// Only the system task is handed to the runner
				require.NotNil(t, e.dequeueTask(t))
				require.Nil(t, e.dequeueTask(t))
			},
		},
		{
			name: "SystemTask_EnqueuedWithAttempts",
			f: func(t *testing.T, e *testEnv) {
				i := e.startInstance(t, "start")

				require.NoError(t, e.handle(t, i, "NOTIFY"))

				require.Equal(t, core.InstanceStatusRunning, e.instance(t, i).Status)

				job, err := e.q.Dequeue(e.ctx, queue.TaskQueue, time.Minute)
				require.NoError(t, err)
				require.NotNil(t, job)
				require.Equal(t, 6, job.MaxAttempts)
				require.Equal(t, DefaultOptions.TaskBackoff, job.Backoff)

				tasks := e.tasks(t, i)
				require.Len(t, tasks, 1)
				require.Equal(t, i.ID+":notify", tasks[0].IdempotencyKey)
			},
		},
		{
			name: "IdempotencyKey_CreatesTaskOnce",
			f: func(t *testing.T, e *testEnv) {
				i := e.startInstance(t, "start")

				require.NoError(t, e.handle(t, i, "NOTIFY"))
				require.NoError(t, e.handle(t, i, "AGAIN"))

				require.Len(t, e.tasks(t, i), 1)
				require.Equal(t, 1, e.q.Len(queue.TaskQueue))

				created := 0
				for _, et := range e.history(t, i) {
					if et == core.EventTypeTaskCreated {
						created++
					}
				}
				require.Equal(t, 1, created)
			},
		},
		{
			name: "NoTransition_StaysRunning",
			f: func(t *testing.T, e *testEnv) {
				i := e.startInstance(t, "start")

				require.NoError(t, e.handle(t, i, "UNKNOWN"))

				r := e.instance(t, i)
				require.Equal(t, core.InstanceStatusRunning, r.Status)
				require.Equal(t, "start", r.CurrentState)
				require.Equal(t, []core.EventType{core.EventTypeEventApplied}, e.history(t, i))
			},
		},
		{
			name: "FailureSignal_FailsInstance",
			f: func(t *testing.T, e *testEnv) {
				i := e.startInstance(t, "notifying")

				require.NoError(t, e.handle(t, i, core.EventTaskFailed))

				r := e.instance(t, i)
				require.Equal(t, core.InstanceStatusFailed, r.Status)
				require.Equal(t, []core.EventType{
					core.EventTypeEventApplied,
					core.EventTypeInstanceFailed,
				}, e.history(t, i))
			},
		},
		{
			name: "FinishedInstance_OnlyRecordsEvents",
			f: func(t *testing.T, e *testEnv) {
				i := e.startInstance(t, "start")
				require.NoError(t, e.b.UpdateInstanceStatus(e.ctx, i.TenantID, i.ID, core.InstanceStatusFailed, json.RawMessage(`{"message": "boom"}`)))

				require.NoError(t, e.handle(t, i, core.EventTaskFailed, "NOTIFY"))

				r := e.instance(t, i)
				require.Equal(t, core.InstanceStatusFailed, r.Status)
				require.Equal(t, "start", r.CurrentState)
				require.Empty(t, e.tasks(t, i))
				require.Equal(t, []core.EventType{
					core.EventTypeEventApplied,
					core.EventTypeEventApplied,
					core.EventTypeInstanceFailed,
				}, e.history(t, i))
			},
		},
		{
			name: "StaleVersion_WritesNothing",
			f: func(t *testing.T, e *testEnv) {
				i := e.startInstance(t, "start")

				stale := &staleBackend{Backend: e.b}
				o := New(stale, e.q)

				err := o.Handle(e.ctx, &core.OrchestratorJob{
					TenantID:   i.TenantID,
					InstanceID: i.ID,
					Events:     []core.MachineEvent{{Type: "NOTIFY"}},
				})
				require.ErrorIs(t, err, backend.ErrInstanceConflict)

				r := e.instance(t, i)
				require.Equal(t, "start", r.CurrentState)
				require.Equal(t, i.UpdatedAt, r.UpdatedAt)
				require.Empty(t, e.tasks(t, i))
				require.Empty(t, e.history(t, i))
				require.Equal(t, 0, e.q.Len(queue.TaskQueue))
			},
		},
		{
			name: "UnknownInstance_IsDropped",
			f: func(t *testing.T, e *testEnv) {
				err := e.o.Handle(e.ctx, &core.OrchestratorJob{
					TenantID:   "t1",
					InstanceID: "missing",
					Events:     []core.MachineEvent{{Type: "EVENT_A"}},
				})
				require.NoError(t, err)
			},
		},
		{
			name: "MissingDefinition_Errors",
			f: func(t *testing.T, e *testEnv) {
				i := &core.Instance{
					ID:           uuid.NewString(),
					TenantID:     "t1",
					DefinitionID: "missing",
					Status:       core.InstanceStatusRunning,
					CurrentState: "start",
				}
				require.NoError(t, e.b.CreateInstance(e.ctx, i))

				require.ErrorIs(t, e.handle(t, i, "EVENT_A"), backend.ErrDefinitionNotFound)
			},
		},
		{
			name: "NoEvents_IsNoop",
			f: func(t *testing.T, e *testEnv) {
				i := e.startInstance(t, "start")

				require.NoError(t, e.handle(t, i))
				require.Empty(t, e.history(t, i))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.f(t, newTestEnv(t))
		})
	}
}

func TestOrchestrator_HandleJob(t *testing.T) {
	e := newTestEnv(t)
	i := e.startInstance(t, "start")

	require.NoError(t, e.q.Enqueue(e.ctx, queue.OrchestratorQueue, &core.OrchestratorJob{
		TenantID:   i.TenantID,
		InstanceID: i.ID,
		Events:     []core.MachineEvent{{Type: "EVENT_A"}},
	}))

	job, err := e.q.Dequeue(e.ctx, queue.OrchestratorQueue, time.Minute)
	require.NoError(t, err)
	require.NoError(t, e.o.HandleJob(e.ctx, job))
	require.Equal(t, core.InstanceStatusCompleted, e.instance(t, i).Status)

	require.ErrorIs(t, e.o.HandleJob(e.ctx, &queue.Job{ID: "j1", Data: json.RawMessage(`{"events": []}`)}), queue.ErrInvalidJob)
	require.ErrorIs(t, e.o.HandleJob(e.ctx, &queue.Job{ID: "j2", Data: json.RawMessage(`{"tenantId": `)}), queue.ErrInvalidJob)
}

// staleBackend hands out instances with an outdated version stamp.
type staleBackend struct {
	backend.Backend
}

func (b *staleBackend) GetInstance(ctx context.Context, tenantID, id string) (*core.Instance, error) {
	i, err := b.Backend.GetInstance(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	i.UpdatedAt = i.UpdatedAt.Add(-time.Second)

	return i, nil
}
