package test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"github.com/tallybook/flowengine/backend"
	"github.com/tallybook/flowengine/client"
	"github.com/tallybook/flowengine/core"
	"github.com/tallybook/flowengine/handler"
	"github.com/tallybook/flowengine/orchestrator"
	"github.com/tallybook/flowengine/ports"
	"github.com/tallybook/flowengine/queue/memory"
	"github.com/tallybook/flowengine/worker"
)

const e2eTimeout = time.Second * 5

// EndToEndBackendTest runs workflows through a worker and the in-memory queue on top of the
// backend.
func EndToEndBackendTest(t *testing.T, setup Setup, teardown func(b backend.Backend)) {
	tests := []struct {
		name     string
		handlers []handler.Handler
		f        func(t *testing.T, ctx context.Context, c *client.Client)
	}{
		{
			name: "HumanApproval",
			f: func(t *testing.T, ctx context.Context, c *client.Client) {
				publish(t, ctx, c, `{
					"initial": "submitted",
					"states": {
						"submitted": {
							"tasks": [{"name": "review", "type": "HUMAN", "completionEvent": "APPROVE"}],
							"on": {"APPROVE": {"target": "approved", "assign": {"approvedBy": "manager"}}}
						},
						"approved": {"terminal": true}
					}
				}`)

				i := start(t, ctx, c)

				review := waitForTask(t, ctx, c, i.ID, core.TaskTypeHuman)
				require.Equal(t, core.TaskStatusPending, review.Status)

				require.NoError(t, c.CompleteHumanTask(ctx, "t1", review.ID, map[string]any{"approved": true}))

				r := waitForInstance(t, ctx, c, i.ID)
				require.Equal(t, core.InstanceStatusCompleted, r.Status)
				require.Equal(t, "approved", r.CurrentState)
				require.JSONEq(t, `{"approvedBy": "manager"}`, string(r.Context))
			},
		},
		{
			name: "TimerTask",
			f: func(t *testing.T, ctx context.Context, c *client.Client) {
				publish(t, ctx, c, `{
					"initial": "cooling",
					"states": {
						"cooling": {
							"tasks": [{"name": "cool-off", "type": "TIMER", "delay": "50ms"}],
							"on": {"TASK_COMPLETED": "done"}
						},
						"done": {"terminal": true}
					}
				}`)

				i := start(t, ctx, c)

				r := waitForInstance(t, ctx, c, i.ID)
				require.Equal(t, core.InstanceStatusCompleted, r.Status)

				tasks, err := c.GetTasks(ctx, "t1", i.ID)
				require.NoError(t, err)
				require.Len(t, tasks, 1)
				require.NotNil(t, tasks[0].RunAt)
				require.False(t, tasks[0].UpdatedAt.Before(*tasks[0].RunAt))
			},
		},
		{
			name:     "RetriesFailedTasks",
			handlers: []handler.Handler{&flakyHandler{failures: 1}},
			f: func(t *testing.T, ctx context.Context, c *client.Client) {
				publish(t, ctx, c, `{
					"initial": "working",
					"states": {
						"working": {
							"tasks": [{"name": "flaky", "type": "SYSTEM", "maxAttempts": 3}],
							"on": {"TASK_COMPLETED": "done"}
						},
						"done": {"terminal": true}
					}
				}`)

				i := start(t, ctx, c)

				r := waitForInstance(t, ctx, c, i.ID)
				require.Equal(t, core.InstanceStatusCompleted, r.Status)

				tasks, err := c.GetTasks(ctx, "t1", i.ID)
				require.NoError(t, err)
				require.Len(t, tasks, 1)
				require.Equal(t, core.TaskStatusSucceeded, tasks[0].Status)
				require.Equal(t, 2, tasks[0].Attempts)
			},
		},
		{
			name:     "FailsInstanceWhenAttemptsAreExhausted",
			handlers: []handler.Handler{&flakyHandler{failures: 10}},
			f: func(t *testing.T, ctx context.Context, c *client.Client) {
				publish(t, ctx, c, `{
					"initial": "working",
					"states": {
						"working": {
							"tasks": [{"name": "flaky", "type": "SYSTEM", "maxAttempts": 2}],
							"on": {"TASK_COMPLETED": "done"}
						},
						"done": {"terminal": true}
					}
				}`)

				i := start(t, ctx, c)

				r := waitForInstance(t, ctx, c, i.ID)
				require.Equal(t, core.InstanceStatusFailed, r.Status)
				require.NotEmpty(t, r.LastError)

				tasks, err := c.GetTasks(ctx, "t1", i.ID)
				require.NoError(t, err)
				require.Len(t, tasks, 1)
				require.Equal(t, core.TaskStatusFailed, tasks[0].Status)
				require.Equal(t, 2, tasks[0].Attempts)
			},
		},
		{
			name: "Cancel",
			f: func(t *testing.T, ctx context.Context, c *client.Client) {
				publish(t, ctx, c, `{
					"initial": "submitted",
					"states": {
						"submitted": {
							"tasks": [{"name": "review", "type": "HUMAN"}],
							"on": {"APPROVE": "approved"}
						},
						"approved": {"terminal": true}
					}
				}`)

				i := start(t, ctx, c)
				review := waitForTask(t, ctx, c, i.ID, core.TaskTypeHuman)

				require.NoError(t, c.CancelWorkflow(ctx, "t1", i.ID, "withdrawn"))

				approve, err := core.NewMachineEvent("APPROVE", nil)
				require.NoError(t, err)
				require.NoError(t, c.SignalWorkflow(ctx, "t1", i.ID, approve))

				r := waitForInstance(t, ctx, c, i.ID)
				require.Equal(t, core.InstanceStatusCancelled, r.Status)
				require.Equal(t, "submitted", r.CurrentState)

				require.ErrorIs(t, c.CompleteHumanTask(ctx, "t1", review.ID, nil), client.ErrTaskNotPending)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := setup()
			ctx, cancel := context.WithCancel(context.Background())

			q := memory.New(clock.New())
			c := client.New(b, q)

			registry := handler.NewDefaultRegistry()
			if len(tt.handlers) > 0 {
				registry = handler.NewRegistry()
				for _, h := range tt.handlers {
					require.NoError(t, registry.Register(h))
				}

				require.NoError(t, registry.Register(handler.NewTimerHandler()))
			}

			options := worker.DefaultOptions
			options.PollingInterval = time.Millisecond * 5
			options.Handlers = registry
			options.OrchestratorOptions = []orchestrator.Option{orchestrator.WithTaskBackoff(time.Millisecond * 10)}
			options.Sweeper = nil

			w := worker.New(b, q, &options)
			require.NoError(t, w.Start(ctx))

			tt.f(t, ctx, c)

			cancel()
			require.NoError(t, w.WaitForCompletion())

			if teardown != nil {
				teardown(b)
			} else {
				require.NoError(t, b.Close())
			}
		})
	}
}

// flakyHandler fails the given number of attempts before it succeeds.
type flakyHandler struct {
	failures int32
	calls    atomic.Int32
}

func (*flakyHandler) Type() core.TaskType {
	return core.TaskTypeSystem
}

func (h *flakyHandler) Execute(context.Context, *core.Task, map[string]any, *ports.Ports) (*handler.Result, error) {
	if h.calls.Add(1) <= h.failures {
		return nil, errors.New("temporarily unavailable")
	}

	return handler.Succeeded(map[string]any{"ok": true}), nil
}

func publish(t *testing.T, ctx context.Context, c *client.Client, spec string) {
	t.Helper()

	_, err := c.PublishDefinition(ctx, "t1", "flow", []byte(spec))
	require.NoError(t, err)
}

func start(t *testing.T, ctx context.Context, c *client.Client) *core.Instance {
	t.Helper()

	i, err := c.StartWorkflow(ctx, client.StartOptions{TenantID: "t1", DefinitionKey: "flow"})
	require.NoError(t, err)

	return i
}

func waitForTask(t *testing.T, ctx context.Context, c *client.Client, instanceID string, taskType core.TaskType) *core.Task {
	t.Helper()

	var found *core.Task
	require.Eventually(t, func() bool {
		tasks, err := c.GetTasks(ctx, "t1", instanceID)
		if err != nil {
			return false
		}

		for _, task := range tasks {
			if task.Type == taskType {
				found = task
				return true
			}
		}

		return false
	}, e2eTimeout, time.Millisecond*10)

	return found
}

func waitForInstance(t *testing.T, ctx context.Context, c *client.Client, instanceID string) *core.Instance {
	t.Helper()

	i, err := c.WaitForWorkflowInstance(ctx, "t1", instanceID, e2eTimeout)
	require.NoError(t, err)

	return i
}
