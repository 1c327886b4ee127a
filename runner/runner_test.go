package runner

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/tallybook/flowengine/backend"
	"github.com/tallybook/flowengine/backend/sqlite"
	"github.com/tallybook/flowengine/core"
	"github.com/tallybook/flowengine/handler"
	"github.com/tallybook/flowengine/internal/workflowerrors"
	"github.com/tallybook/flowengine/ports"
	"github.com/tallybook/flowengine/queue"
	"github.com/tallybook/flowengine/queue/memory"
)

type funcHandler struct {
	t core.TaskType
	f func(ctx context.Context, task *core.Task, input map[string]any) (*handler.Result, error)
}

func (h *funcHandler) Type() core.TaskType {
	return h.t
}

func (h *funcHandler) Execute(ctx context.Context, task *core.Task, input map[string]any, _ *ports.Ports) (*handler.Result, error) {
	return h.f(ctx, task, input)
}

type testEnv struct {
	ctx      context.Context
	b        backend.Backend
	q        *memory.Queue
	c        *clock.Mock
	registry *handler.Registry
	r        *Runner
}

func newTestEnv(t *testing.T, handlers ...handler.Handler) *testEnv {
	t.Helper()

	c := clock.NewMock()
	c.Set(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))

	b := sqlite.NewInMemoryBackend(sqlite.WithBackendOptions(
		backend.WithClock(c),
		backend.WithWorkerName("worker-1"),
	))
	t.Cleanup(func() { b.Close() })

	registry := handler.NewRegistry()
	for _, h := range handlers {
		require.NoError(t, registry.Register(h))
	}

	q := memory.New(c)

	return &testEnv{
		ctx:      context.Background(),
		b:        b,
		q:        q,
		c:        c,
		registry: registry,
		r:        New(b, q, registry, &ports.Ports{Clock: c}),
	}
}

// createTask creates a running instance with a single pending task.
func (e *testEnv) createTask(t *testing.T, taskType core.TaskType, input string, maxAttempts int, opts ...func(*core.Task)) *core.Task {
	t.Helper()

	def := &core.Definition{
		ID:       uuid.NewString(),
		TenantID: "t1",
		Key:      "wf",
		Status:   core.DefinitionStatusActive,
		Spec: &core.MachineSpec{
			Version: 1,
			Initial: "a",
			States:  map[string]*core.StateSpec{"a": {}},
		},
	}
	require.NoError(t, e.b.CreateDefinition(e.ctx, def))

	i := &core.Instance{
		ID:           uuid.NewString(),
		TenantID:     "t1",
		DefinitionID: def.ID,
		Status:       core.InstanceStatusRunning,
		CurrentState: "a",
	}
	require.NoError(t, e.b.CreateInstance(e.ctx, i))

	task := &core.Task{
		ID:              uuid.NewString(),
		TenantID:        i.TenantID,
		InstanceID:      i.ID,
		Name:            "task",
		Type:            taskType,
		MaxAttempts:     maxAttempts,
		CompletionEvent: "DONE",
	}
	if input != "" {
		task.Input = json.RawMessage(input)
	}

	for _, opt := range opts {
		opt(task)
	}

	created, err := e.b.AdvanceInstance(e.ctx, &backend.Advance{
		TenantID:          i.TenantID,
		InstanceID:        i.ID,
		ExpectedUpdatedAt: i.UpdatedAt,
		Status:            core.InstanceStatusRunning,
		CurrentState:      "a",
		Tasks:             []*core.Task{task},
	})
	require.NoError(t, err)
	require.Len(t, created, 1)

	return created[0]
}

func (e *testEnv) run(task *core.Task) error {
	return e.r.Handle(e.ctx, &core.TaskJob{TenantID: task.TenantID, TaskID: task.ID, InstanceID: task.InstanceID})
}

func (e *testEnv) task(t *testing.T, task *core.Task) *core.Task {
	t.Helper()

	r, err := e.b.GetTask(e.ctx, task.TenantID, task.ID)
	require.NoError(t, err)

	return r
}

func (e *testEnv) instanceStatus(t *testing.T, task *core.Task) core.InstanceStatus {
	t.Helper()

	i, err := e.b.GetInstance(e.ctx, task.TenantID, task.InstanceID)
	require.NoError(t, err)

	return i.Status
}

// taskEvents returns the history of the task's instance after its creation.
func (e *testEnv) taskEvents(t *testing.T, task *core.Task) []*core.Event {
	t.Helper()

	events, err := e.b.ListEvents(e.ctx, task.TenantID, task.InstanceID, 0)
	require.NoError(t, err)

	var r []*core.Event
	for _, ev := range events {
		if ev.Type != core.EventTypeTaskCreated {
			r = append(r, ev)
		}
	}

	return r
}

// withFlakyQueue makes the runner's next failures orchestrator enqueues fail.
func (e *testEnv) withFlakyQueue(failures int) {
	e.r = New(e.b, &flakyEnqueuer{Enqueuer: e.q, failures: failures}, e.registry, &ports.Ports{Clock: e.c})
}

type flakyEnqueuer struct {
	queue.Enqueuer
	failures int
}

func (f *flakyEnqueuer) Enqueue(ctx context.Context, name string, data any, opts ...queue.EnqueueOption) error {
	if name == queue.OrchestratorQueue && f.failures > 0 {
		f.failures--
		return errors.New("queue unavailable")
	}

	return f.Enqueuer.Enqueue(ctx, name, data, opts...)
}

func (e *testEnv) orchestratorJob(t *testing.T) *core.OrchestratorJob {
	t.Helper()

	job, err := e.q.Dequeue(e.ctx, queue.OrchestratorQueue, time.Minute)
	require.NoError(t, err)

	if job == nil {
		return nil
	}

	var oj core.OrchestratorJob
	require.NoError(t, job.Decode(&oj))

	return &oj
}

func succeeding(output map[string]any, emitted, suggested string) handler.Handler {
	return &funcHandler{t: core.TaskTypeSystem, f: func(context.Context, *core.Task, map[string]any) (*handler.Result, error) {
		r := handler.Succeeded(output)
		r.EmittedEvent = emitted
		r.SuggestedEvent = suggested
		return r, nil
	}}
}

func failing() handler.Handler {
	return &funcHandler{t: core.TaskTypeSystem, f: func(context.Context, *core.Task, map[string]any) (*handler.Result, error) {
		return handler.Failed(map[string]any{"message": "upstream said no", "status": 502}), nil
	}}
}

func eventTypes(events []*core.Event) []core.EventType {
	types := make([]core.EventType, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}

	return types
}

func TestRunner_Succeeds(t *testing.T) {
	e := newTestEnv(t, succeeding(map[string]any{"ok": true}, "", ""))
	task := e.createTask(t, core.TaskTypeSystem, "", 3)

	require.NoError(t, e.run(task))

	r := e.task(t, task)
	require.Equal(t, core.TaskStatusSucceeded, r.Status)
	require.Equal(t, 1, r.Attempts)
	require.JSONEq(t, `{"ok": true}`, string(r.Output))
	require.Empty(t, r.LockedBy)

	require.Equal(t, []core.EventType{core.EventTypeTaskStarted, core.EventTypeTaskCompleted}, eventTypes(e.taskEvents(t, task)))

	oj := e.orchestratorJob(t)
	require.NotNil(t, oj)
	require.Equal(t, task.InstanceID, oj.InstanceID)
	require.Len(t, oj.Events, 1)
	require.Equal(t, "DONE", oj.Events[0].Type)
	require.JSONEq(t, `{"taskId": "`+task.ID+`", "output": {"ok": true}}`, string(oj.Events[0].Payload))
}

func TestRunner_EmittedEventIsBatched(t *testing.T) {
	e := newTestEnv(t, succeeding(map[string]any{}, "APPROVE", ""))
	task := e.createTask(t, core.TaskTypeSystem, "", 3)

	require.NoError(t, e.run(task))

	oj := e.orchestratorJob(t)
	require.NotNil(t, oj)
	require.Len(t, oj.Events, 2)
	require.Equal(t, "DONE", oj.Events[0].Type)
	require.Equal(t, "APPROVE", oj.Events[1].Type)

	require.Nil(t, e.orchestratorJob(t))
}

func TestRunner_SuggestedEventIsRecorded(t *testing.T) {
	e := newTestEnv(t, succeeding(nil, "", "REJECT"))
	task := e.createTask(t, core.TaskTypeSystem, "", 3)

	require.NoError(t, e.run(task))

	require.JSONEq(t, `{"suggestedEvent": "REJECT"}`, string(e.task(t, task).Output))

	oj := e.orchestratorJob(t)
	require.Len(t, oj.Events, 1)
	require.Equal(t, "DONE", oj.Events[0].Type)
}

func TestRunner_FailureWithAttemptsLeft_ReleasesTask(t *testing.T) {
	e := newTestEnv(t, failing())
	task := e.createTask(t, core.TaskTypeSystem, "", 3)

	err := e.run(task)
	require.ErrorIs(t, err, ErrTaskFailed)

	r := e.task(t, task)
	require.Equal(t, core.TaskStatusPending, r.Status)
	require.Equal(t, 1, r.Attempts)
	require.Empty(t, r.LockedBy)

	var doc workflowerrors.Error
	require.NoError(t, json.Unmarshal(r.Error, &doc))
	require.Equal(t, "upstream said no", doc.Message)
	require.Equal(t, float64(502), doc.Details["status"])

	require.Equal(t, core.InstanceStatusRunning, e.instanceStatus(t, task))
	require.Nil(t, e.orchestratorJob(t))

	events := e.taskEvents(t, task)
	require.Equal(t, []core.EventType{core.EventTypeTaskStarted, core.EventTypeTaskFailed}, eventTypes(events))

	var payload core.TaskEventPayload
	require.NoError(t, json.Unmarshal(events[1].Payload, &payload))
	require.NotNil(t, payload.WillRetry)
	require.True(t, *payload.WillRetry)
}

func TestRunner_LastAttemptFails_FailsInstance(t *testing.T) {
	e := newTestEnv(t, failing())
	task := e.createTask(t, core.TaskTypeSystem, "", 3)

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, e.run(task), ErrTaskFailed)
	}

	r := e.task(t, task)
	require.Equal(t, core.TaskStatusFailed, r.Status)
	require.Equal(t, 3, r.Attempts)
	require.NotNil(t, r.CompletedAt)

	i, err := e.b.GetInstance(e.ctx, task.TenantID, task.InstanceID)
	require.NoError(t, err)
	require.Equal(t, core.InstanceStatusFailed, i.Status)
	require.JSONEq(t, string(r.Error), string(i.LastError))

	oj := e.orchestratorJob(t)
	require.NotNil(t, oj)
	require.Len(t, oj.Events, 1)
	require.Equal(t, core.EventTaskFailed, oj.Events[0].Type)

	// The task is no longer claimable, and the queued follow-up is not duplicated
	require.NoError(t, e.run(task))
	require.Equal(t, 3, e.task(t, task).Attempts)
	require.Nil(t, e.orchestratorJob(t))
}

func TestRunner_ReturnedErrorFollowsFailurePath(t *testing.T) {
	e := newTestEnv(t, &funcHandler{t: core.TaskTypeSystem, f: func(context.Context, *core.Task, map[string]any) (*handler.Result, error) {
		return nil, context.DeadlineExceeded
	}})
	task := e.createTask(t, core.TaskTypeSystem, "", 1)

	require.ErrorIs(t, e.run(task), ErrTaskFailed)
	require.Equal(t, core.TaskStatusFailed, e.task(t, task).Status)
	require.Equal(t, core.InstanceStatusFailed, e.instanceStatus(t, task))
}

func TestRunner_PanicIsRecovered(t *testing.T) {
	e := newTestEnv(t, &funcHandler{t: core.TaskTypeSystem, f: func(context.Context, *core.Task, map[string]any) (*handler.Result, error) {
		panic("nil map")
	}})
	task := e.createTask(t, core.TaskTypeSystem, "", 2)

	require.ErrorIs(t, e.run(task), ErrTaskFailed)

	var doc workflowerrors.Error
	require.NoError(t, json.Unmarshal(e.task(t, task).Error, &doc))
	require.Equal(t, "panic: nil map", doc.Message)
	require.NotEmpty(t, doc.Stacktrace)
}

func TestRunner_MissingHandler_FailsPermanently(t *testing.T) {
	e := newTestEnv(t)
	task := e.createTask(t, core.TaskTypeHTTP, "", 3)

	require.ErrorIs(t, e.run(task), ErrHandlerNotFound)

	r := e.task(t, task)
	require.Equal(t, core.TaskStatusFailed, r.Status)
	require.Equal(t, 1, r.Attempts)
	require.Equal(t, core.InstanceStatusFailed, e.instanceStatus(t, task))

	oj := e.orchestratorJob(t)
	require.NotNil(t, oj)
	require.Equal(t, core.EventTaskFailed, oj.Events[0].Type)
}

func TestRunner_MalformedInputIsEmpty(t *testing.T) {
	var got map[string]any
	e := newTestEnv(t, &funcHandler{t: core.TaskTypeSystem, f: func(_ context.Context, _ *core.Task, input map[string]any) (*handler.Result, error) {
		got = input
		return handler.Succeeded(nil), nil
	}})

	task := e.createTask(t, core.TaskTypeSystem, `[1, 2`, 3)

	require.NoError(t, e.run(task))
	require.NotNil(t, got)
	require.Empty(t, got)
}

func TestRunner_HumanTaskFails(t *testing.T) {
	e := newTestEnv(t, handler.NewHumanHandler())
	task := e.createTask(t, core.TaskTypeHuman, "", 1)

	require.ErrorIs(t, e.run(task), ErrTaskFailed)

	var doc workflowerrors.Error
	require.NoError(t, json.Unmarshal(e.task(t, task).Error, &doc))
	require.Contains(t, doc.Message, "must be completed via API")
}

func TestRunner_ClaimedElsewhere_IsNoop(t *testing.T) {
	called := false
	e := newTestEnv(t, &funcHandler{t: core.TaskTypeSystem, f: func(context.Context, *core.Task, map[string]any) (*handler.Result, error) {
		called = true
		return handler.Succeeded(nil), nil
	}})
	task := e.createTask(t, core.TaskTypeSystem, "", 3)

	claimed, err := e.b.ClaimTask(e.ctx, task.TenantID, task.ID, "worker-2")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, e.run(task))
	require.False(t, called)
	require.Equal(t, "worker-2", e.task(t, task).LockedBy)
	require.Nil(t, e.orchestratorJob(t))
}

func TestRunner_LostFollowUp(t *testing.T) {
	tests := []struct {
		name string
		f    func(t *testing.T)
	}{
		{
			name: "completion is resent on redelivery",
			f: func(t *testing.T) {
				e := newTestEnv(t, succeeding(map[string]any{"ok": true}, "APPROVE", ""))
				e.withFlakyQueue(1)
				task := e.createTask(t, core.TaskTypeSystem, "", 3)

				require.ErrorContains(t, e.run(task), "queue unavailable")
				require.Equal(t, core.TaskStatusSucceeded, e.task(t, task).Status)
				require.Nil(t, e.orchestratorJob(t))

				require.NoError(t, e.run(task))

				oj := e.orchestratorJob(t)
				require.NotNil(t, oj)
				require.Len(t, oj.Events, 2)
				require.Equal(t, "DONE", oj.Events[0].Type)
				require.Equal(t, "APPROVE", oj.Events[1].Type)
				require.JSONEq(t, `{"taskId": "`+task.ID+`", "output": {"ok": true}}`, string(oj.Events[0].Payload))

				// Further deliveries do not queue a second job
				require.NoError(t, e.run(task))
				require.Nil(t, e.orchestratorJob(t))
				require.Equal(t, 1, e.task(t, task).Attempts)
			},
		},
		{
			name: "terminal failure is resent on redelivery",
			f: func(t *testing.T) {
				e := newTestEnv(t, failing())
				e.withFlakyQueue(1)
				task := e.createTask(t, core.TaskTypeSystem, "", 1)

				err := e.run(task)
				require.ErrorContains(t, err, "queue unavailable")
				require.NotErrorIs(t, err, ErrTaskFailed)
				require.Equal(t, core.TaskStatusFailed, e.task(t, task).Status)
				require.Nil(t, e.orchestratorJob(t))

				require.NoError(t, e.run(task))

				oj := e.orchestratorJob(t)
				require.NotNil(t, oj)
				require.Len(t, oj.Events, 1)
				require.Equal(t, core.EventTaskFailed, oj.Events[0].Type)
				require.Contains(t, string(oj.Events[0].Payload), "upstream said no")

				require.NoError(t, e.run(task))
				require.Nil(t, e.orchestratorJob(t))
			},
		},
		{
			name: "applied follow-up is not resent",
			f: func(t *testing.T) {
				e := newTestEnv(t, succeeding(nil, "", ""))
				e.withFlakyQueue(1)
				task := e.createTask(t, core.TaskTypeSystem, "", 3)

				require.Error(t, e.run(task))

				applied, err := core.NewEvent(e.c.Now(), task.TenantID, task.InstanceID, core.EventTypeEventApplied, core.MachineEvent{
					Type:    "DONE",
					Payload: taskPayload(task.ID, "output", json.RawMessage(`{}`)),
				})
				require.NoError(t, err)
				require.NoError(t, e.b.AppendEvents(e.ctx, applied))

				require.NoError(t, e.run(task))
				require.Nil(t, e.orchestratorJob(t))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.f)
	}
}

func TestRunner_EarlyDelivery_Requeues(t *testing.T) {
	called := false
	e := newTestEnv(t, &funcHandler{t: core.TaskTypeTimer, f: func(context.Context, *core.Task, map[string]any) (*handler.Result, error) {
		called = true
		return handler.Succeeded(nil), nil
	}})

	runAt := e.c.Now().Add(time.Minute)
	task := e.createTask(t, core.TaskTypeTimer, "", 3, func(task *core.Task) {
		task.RunAt = &runAt
	})

	require.NoError(t, e.run(task))
	require.False(t, called)
	require.Equal(t, core.TaskStatusPending, e.task(t, task).Status)

	job, err := e.q.Dequeue(e.ctx, queue.TaskQueue, time.Minute)
	require.NoError(t, err)
	require.Nil(t, job)

	e.c.Add(time.Minute + time.Millisecond)

	job, err = e.q.Dequeue(e.ctx, queue.TaskQueue, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, task.ID+":"+strconv.FormatInt(runAt.UnixMilli(), 10), job.ID)
	require.Equal(t, 4, job.MaxAttempts)

	require.NoError(t, e.r.HandleJob(e.ctx, job))
	require.True(t, called)
	require.Equal(t, core.TaskStatusSucceeded, e.task(t, task).Status)
}

func TestRunner_OrchestratorJobAttempts(t *testing.T) {
	e := newTestEnv(t, succeeding(nil, "", ""))
	e.r = New(e.b, e.q, e.registry, &ports.Ports{Clock: e.c}, WithOrchestratorAttempts(7))
	task := e.createTask(t, core.TaskTypeSystem, "", 3)

	require.NoError(t, e.run(task))

	job, err := e.q.Dequeue(e.ctx, queue.OrchestratorQueue, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, task.ID+":1:completed", job.ID)
	require.Equal(t, 7, job.MaxAttempts)
}

func TestRunner_HandleJob(t *testing.T) {
	e := newTestEnv(t, succeeding(nil, "", ""))
	task := e.createTask(t, core.TaskTypeSystem, "", 3)

	require.NoError(t, e.q.Enqueue(e.ctx, queue.TaskQueue, &core.TaskJob{
		TenantID:   task.TenantID,
		TaskID:     task.ID,
		InstanceID: task.InstanceID,
	}))

	job, err := e.q.Dequeue(e.ctx, queue.TaskQueue, time.Minute)
	require.NoError(t, err)
	require.NoError(t, e.r.HandleJob(e.ctx, job))
	require.Equal(t, core.TaskStatusSucceeded, e.task(t, task).Status)

	require.ErrorIs(t, e.r.HandleJob(e.ctx, &queue.Job{ID: "j1", Data: json.RawMessage(`{"tenantId": "t1"}`)}), queue.ErrInvalidJob)
	require.ErrorIs(t, e.r.HandleJob(e.ctx, &queue.Job{ID: "j2", Data: json.RawMessage(`[`)}), queue.ErrInvalidJob)
}

func Test_parseInput(t *testing.T) {
	require.Equal(t, map[string]any{}, parseInput(nil))
	require.Equal(t, map[string]any{}, parseInput(json.RawMessage(`null`)))
	require.Equal(t, map[string]any{}, parseInput(json.RawMessage(`"text"`)))
	require.Equal(t, map[string]any{"a": float64(1)}, parseInput(json.RawMessage(`{"a": 1}`)))
}
