package test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/tallybook/flowengine/backend"
	"github.com/tallybook/flowengine/core"
)

// Setup creates a fresh, empty backend with the given options applied.
type Setup func(opts ...backend.BackendOption) backend.Backend

var testStart = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// BackendTest runs the conformance suite every backend implementation has to pass.
func BackendTest(t *testing.T, setup Setup, teardown func(b backend.Backend)) {
	tests := []struct {
		name string
		f    func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock)
	}{
		{
			name: "CreateDefinition_AssignsNextVersion",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				d1 := newDefinition("t1", "approval")
				require.NoError(t, b.CreateDefinition(ctx, d1))
				require.Equal(t, 1, d1.Version)

				d2 := newDefinition("t1", "approval")
				require.NoError(t, b.CreateDefinition(ctx, d2))
				require.Equal(t, 2, d2.Version)

				// Versions are counted per tenant
				d3 := newDefinition("t2", "approval")
				require.NoError(t, b.CreateDefinition(ctx, d3))
				require.Equal(t, 1, d3.Version)

				defs, err := b.ListDefinitions(ctx, "t1", "approval")
				require.NoError(t, err)
				require.Len(t, defs, 2)
				require.Equal(t, d1.ID, defs[0].ID)
				require.Equal(t, d2.ID, defs[1].ID)
				require.Equal(t, "a", defs[0].Spec.Initial)
			},
		},
		{
			name: "CreateDefinition_DuplicateVersionErrors",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				d1 := newDefinition("t1", "approval")
				d1.Version = 3
				require.NoError(t, b.CreateDefinition(ctx, d1))

				d2 := newDefinition("t1", "approval")
				d2.Version = 3
				require.ErrorIs(t, b.CreateDefinition(ctx, d2), backend.ErrDefinitionAlreadyExists)
			},
		},
		{
			name: "FindDefinition_LatestActive",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				d1 := newDefinition("t1", "approval")
				require.NoError(t, b.CreateDefinition(ctx, d1))
				d2 := newDefinition("t1", "approval")
				require.NoError(t, b.CreateDefinition(ctx, d2))

				latest, err := b.FindDefinition(ctx, "t1", "approval", 0)
				require.NoError(t, err)
				require.Equal(t, d2.ID, latest.ID)

				require.NoError(t, b.UpdateDefinitionStatus(ctx, "t1", d2.ID, core.DefinitionStatusInactive))

				latest, err = b.FindDefinition(ctx, "t1", "approval", 0)
				require.NoError(t, err)
				require.Equal(t, d1.ID, latest.ID)

				v2, err := b.FindDefinition(ctx, "t1", "approval", 2)
				require.NoError(t, err)
				require.Equal(t, core.DefinitionStatusInactive, v2.Status)

				_, err = b.FindDefinition(ctx, "t1", "approval", 7)
				require.ErrorIs(t, err, backend.ErrDefinitionNotFound)

				_, err = b.GetDefinition(ctx, "t2", d1.ID)
				require.ErrorIs(t, err, backend.ErrDefinitionNotFound)

				require.ErrorIs(t, b.UpdateDefinitionStatus(ctx, "t1", uuid.NewString(), core.DefinitionStatusArchived), backend.ErrDefinitionNotFound)
			},
		},
		{
			name: "CreateInstance_StoresInstanceAndEvents",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				i := createInstance(t, ctx, b, "t1", "")

				got, err := b.GetInstance(ctx, "t1", i.ID)
				require.NoError(t, err)
				require.Equal(t, core.InstanceStatusPending, got.Status)
				require.Equal(t, "a", got.CurrentState)
				require.JSONEq(t, `{}`, string(got.Context))
				require.True(t, testStart.Equal(got.UpdatedAt))

				events, err := b.ListEvents(ctx, "t1", i.ID, 0)
				require.NoError(t, err)
				require.Len(t, events, 1)
				require.Equal(t, core.EventTypeInstanceStarted, events[0].Type)

				_, err = b.GetInstance(ctx, "t2", i.ID)
				require.ErrorIs(t, err, backend.ErrInstanceNotFound)
			},
		},
		{
			name: "CreateInstance_BusinessKeyIsUnique",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				i := createInstance(t, ctx, b, "t1", "order-1")

				dup := &core.Instance{
					ID:           uuid.NewString(),
					TenantID:     "t1",
					DefinitionID: i.DefinitionID,
					BusinessKey:  "order-1",
					Status:       core.InstanceStatusPending,
					CurrentState: "a",
				}
				require.ErrorIs(t, b.CreateInstance(ctx, dup), backend.ErrInstanceAlreadyExists)

				found, err := b.FindInstanceByBusinessKey(ctx, "t1", "order-1")
				require.NoError(t, err)
				require.Equal(t, i.ID, found.ID)

				// Other tenants and instances without a key are not affected
				createInstance(t, ctx, b, "t2", "order-1")
				createInstance(t, ctx, b, "t1", "")
				createInstance(t, ctx, b, "t1", "")

				_, err = b.FindInstanceByBusinessKey(ctx, "t1", "order-2")
				require.ErrorIs(t, err, backend.ErrInstanceNotFound)
			},
		},
		{
			name: "ListInstances_Filters",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				i1 := createInstance(t, ctx, b, "t1", "")
				c.Add(time.Second)
				i2 := createInstance(t, ctx, b, "t1", "")
				createInstance(t, ctx, b, "t2", "")

				require.NoError(t, b.UpdateInstanceStatus(ctx, "t1", i1.ID, core.InstanceStatusRunning, nil))

				all, err := b.ListInstances(ctx, "t1")
				require.NoError(t, err)
				require.Len(t, all, 2)
				require.Equal(t, i2.ID, all[0].ID)

				running, err := b.ListInstances(ctx, "t1", backend.WithStatus(core.InstanceStatusRunning))
				require.NoError(t, err)
				require.Len(t, running, 1)
				require.Equal(t, i1.ID, running[0].ID)

				page, err := b.ListInstances(ctx, "t1", backend.WithPage(1, 1))
				require.NoError(t, err)
				require.Len(t, page, 1)
				require.Equal(t, i1.ID, page[0].ID)

				byDef, err := b.ListInstances(ctx, "t1", backend.WithDefinitionID(uuid.NewString()))
				require.NoError(t, err)
				require.Empty(t, byDef)
			},
		},
		{
			name: "UpdateInstanceStatus_TerminalIsFinal",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				i := createInstance(t, ctx, b, "t1", "")

				lastError := json.RawMessage(`{"message":"boom"}`)
				require.NoError(t, b.UpdateInstanceStatus(ctx, "t1", i.ID, core.InstanceStatusFailed, lastError,
					mustEvent(t, i, core.EventTypeInstanceFailed)))

				got, err := b.GetInstance(ctx, "t1", i.ID)
				require.NoError(t, err)
				require.Equal(t, core.InstanceStatusFailed, got.Status)
				require.JSONEq(t, string(lastError), string(got.LastError))
				require.NotNil(t, got.CompletedAt)
				require.True(t, got.UpdatedAt.After(i.UpdatedAt))

				err = b.UpdateInstanceStatus(ctx, "t1", i.ID, core.InstanceStatusRunning, nil)
				require.ErrorIs(t, err, backend.ErrInstanceTerminal)

				err = b.UpdateInstanceStatus(ctx, "t1", uuid.NewString(), core.InstanceStatusRunning, nil)
				require.ErrorIs(t, err, backend.ErrInstanceNotFound)

				events, err := b.ListEvents(ctx, "t1", i.ID, 0)
				require.NoError(t, err)
				require.Len(t, events, 2)
			},
		},
		{
			name: "AdvanceInstance_WritesSnapshotTasksAndEvents",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				i := createInstance(t, ctx, b, "t1", "")
				c.Add(time.Second)

				created, err := b.AdvanceInstance(ctx, &backend.Advance{
					TenantID:          "t1",
					InstanceID:        i.ID,
					ExpectedUpdatedAt: i.UpdatedAt,
					Status:            core.InstanceStatusRunning,
					CurrentState:      "b",
					Context:           json.RawMessage(`{"amount":12}`),
					Tasks: []*core.Task{
						newTask(i, "notify", core.TaskTypeSystem),
						newTask(i, "review", core.TaskTypeHuman),
					},
					Events: []*core.Event{mustEvent(t, i, core.EventTypeEventApplied)},
				})
				require.NoError(t, err)
				require.Len(t, created, 2)

				got, err := b.GetInstance(ctx, "t1", i.ID)
				require.NoError(t, err)
				require.Equal(t, core.InstanceStatusRunning, got.Status)
				require.Equal(t, "b", got.CurrentState)
				require.JSONEq(t, `{"amount":12}`, string(got.Context))
				require.NotNil(t, got.StartedAt)
				require.Nil(t, got.CompletedAt)
				require.True(t, got.UpdatedAt.After(i.UpdatedAt))

				tasks, err := b.ListTasksByInstance(ctx, "t1", i.ID)
				require.NoError(t, err)
				require.Len(t, tasks, 2)
				for _, task := range tasks {
					require.Equal(t, core.TaskStatusPending, task.Status)
					require.Equal(t, 0, task.Attempts)
					require.Equal(t, "trace-1", task.TraceID)
				}

				events, err := b.ListEvents(ctx, "t1", i.ID, 0)
				require.NoError(t, err)
				require.Equal(t, []core.EventType{
					core.EventTypeInstanceStarted,
					core.EventTypeEventApplied,
					core.EventTypeTaskCreated,
					core.EventTypeTaskCreated,
				}, eventTypes(events))

				byTrace, err := b.ListTasksByTrace(ctx, "t1", "trace-1")
				require.NoError(t, err)
				require.Len(t, byTrace, 2)
			},
		},
		{
			name: "AdvanceInstance_StaleVersionWritesNothing",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				i := createInstance(t, ctx, b, "t1", "")

				_, err := b.AdvanceInstance(ctx, &backend.Advance{
					TenantID:          "t1",
					InstanceID:        i.ID,
					ExpectedUpdatedAt: i.UpdatedAt,
					Status:            core.InstanceStatusRunning,
					CurrentState:      "b",
				})
				require.NoError(t, err)

				// A second run that loaded the same version loses
				_, err = b.AdvanceInstance(ctx, &backend.Advance{
					TenantID:          "t1",
					InstanceID:        i.ID,
					ExpectedUpdatedAt: i.UpdatedAt,
					Status:            core.InstanceStatusCompleted,
					CurrentState:      "c",
					Tasks:             []*core.Task{newTask(i, "notify", core.TaskTypeSystem)},
					Events:            []*core.Event{mustEvent(t, i, core.EventTypeEventApplied)},
				})
				require.ErrorIs(t, err, backend.ErrInstanceConflict)

				got, err := b.GetInstance(ctx, "t1", i.ID)
				require.NoError(t, err)
				require.Equal(t, "b", got.CurrentState)
				require.Equal(t, core.InstanceStatusRunning, got.Status)

				tasks, err := b.ListTasksByInstance(ctx, "t1", i.ID)
				require.NoError(t, err)
				require.Empty(t, tasks)

				events, err := b.ListEvents(ctx, "t1", i.ID, 0)
				require.NoError(t, err)
				require.Len(t, events, 1)
			},
		},
		{
			name: "AdvanceInstance_VersionMovesWithFrozenClock",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				i := createInstance(t, ctx, b, "t1", "")

				for n := 0; n < 3; n++ {
					current, err := b.GetInstance(ctx, "t1", i.ID)
					require.NoError(t, err)

					_, err = b.AdvanceInstance(ctx, &backend.Advance{
						TenantID:          "t1",
						InstanceID:        i.ID,
						ExpectedUpdatedAt: current.UpdatedAt,
						Status:            core.InstanceStatusRunning,
						CurrentState:      "b",
					})
					require.NoError(t, err)

					// Writes outside of the orchestrator also move the version
					require.NoError(t, b.UpdateInstanceStatus(ctx, "t1", i.ID, core.InstanceStatusWaiting, nil))

					_, err = b.AdvanceInstance(ctx, &backend.Advance{
						TenantID:          "t1",
						InstanceID:        i.ID,
						ExpectedUpdatedAt: current.UpdatedAt,
						Status:            core.InstanceStatusRunning,
						CurrentState:      "b",
					})
					require.ErrorIs(t, err, backend.ErrInstanceConflict)
				}
			},
		},
		{
			name: "AdvanceInstance_IdempotencyKeySuppressesDuplicates",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				i := createInstance(t, ctx, b, "t1", "")

				t1 := newTask(i, "charge", core.TaskTypeHTTP)
				t1.IdempotencyKey = i.ID + ":charge"

				created, err := b.AdvanceInstance(ctx, &backend.Advance{
					TenantID:          "t1",
					InstanceID:        i.ID,
					ExpectedUpdatedAt: i.UpdatedAt,
					Status:            core.InstanceStatusRunning,
					CurrentState:      "a",
					Tasks:             []*core.Task{t1},
				})
				require.NoError(t, err)
				require.Len(t, created, 1)

				current, err := b.GetInstance(ctx, "t1", i.ID)
				require.NoError(t, err)

				t2 := newTask(i, "charge", core.TaskTypeHTTP)
				t2.IdempotencyKey = i.ID + ":charge"

				created, err = b.AdvanceInstance(ctx, &backend.Advance{
					TenantID:          "t1",
					InstanceID:        i.ID,
					ExpectedUpdatedAt: current.UpdatedAt,
					Status:            core.InstanceStatusRunning,
					CurrentState:      "a",
					Tasks:             []*core.Task{t2},
				})
				require.NoError(t, err)
				require.Empty(t, created)

				tasks, err := b.ListTasksByInstance(ctx, "t1", i.ID)
				require.NoError(t, err)
				require.Len(t, tasks, 1)
				require.Equal(t, t1.ID, tasks[0].ID)

				events, err := b.ListEvents(ctx, "t1", i.ID, 0)
				require.NoError(t, err)
				require.Equal(t, []core.EventType{core.EventTypeInstanceStarted, core.EventTypeTaskCreated}, eventTypes(events))
			},
		},
		{
			name: "ClaimTask_LocksAndCountsAttempt",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				_, task := createTask(t, ctx, b, core.TaskTypeSystem, nil)

				claimed, err := b.ClaimTask(ctx, "t1", task.ID, "worker-1")
				require.NoError(t, err)
				require.NotNil(t, claimed)
				require.Equal(t, core.TaskStatusRunning, claimed.Status)
				require.Equal(t, 1, claimed.Attempts)
				require.Equal(t, "worker-1", claimed.LockedBy)
				require.NotNil(t, claimed.LockedAt)
				require.NotNil(t, claimed.StartedAt)

				again, err := b.ClaimTask(ctx, "t1", task.ID, "worker-2")
				require.NoError(t, err)
				require.Nil(t, again)

				missing, err := b.ClaimTask(ctx, "t1", uuid.NewString(), "worker-1")
				require.NoError(t, err)
				require.Nil(t, missing)
			},
		},
		{
			name: "ClaimTask_ConcurrentClaimsHaveOneWinner",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				_, task := createTask(t, ctx, b, core.TaskTypeSystem, nil)

				var (
					wg      sync.WaitGroup
					mu      sync.Mutex
					winners []string
				)

				for n := 0; n < 8; n++ {
					wg.Add(1)
					go func(n int) {
						defer wg.Done()

						worker := "worker-" + string(rune('a'+n))
						claimed, err := b.ClaimTask(ctx, "t1", task.ID, worker)
						if err != nil || claimed == nil {
							return
						}

						mu.Lock()
						winners = append(winners, worker)
						mu.Unlock()
					}(n)
				}

				wg.Wait()

				require.Len(t, winners, 1)

				got, err := b.GetTask(ctx, "t1", task.ID)
				require.NoError(t, err)
				require.Equal(t, winners[0], got.LockedBy)
				require.Equal(t, 1, got.Attempts)
			},
		},
		{
			name: "ClaimTask_WaitsForRunAt",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				runAt := testStart.Add(10 * time.Minute)
				_, task := createTask(t, ctx, b, core.TaskTypeTimer, &runAt)

				claimed, err := b.ClaimTask(ctx, "t1", task.ID, "worker-1")
				require.NoError(t, err)
				require.Nil(t, claimed)

				c.Add(10 * time.Minute)

				claimed, err = b.ClaimTask(ctx, "t1", task.ID, "worker-1")
				require.NoError(t, err)
				require.NotNil(t, claimed)
			},
		},
		{
			name: "CompleteTask_RequiresLockHolder",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				i, task := createTask(t, ctx, b, core.TaskTypeSystem, nil)

				claimed, err := b.ClaimTask(ctx, "t1", task.ID, "worker-1")
				require.NoError(t, err)
				require.NotNil(t, claimed)

				err = b.CompleteTask(ctx, &backend.TaskCompletion{
					TenantID:       "t1",
					TaskID:         task.ID,
					ExpectedStatus: core.TaskStatusRunning,
					LockedBy:       "worker-2",
				})
				require.ErrorIs(t, err, backend.ErrTaskNotLocked)

				err = b.CompleteTask(ctx, &backend.TaskCompletion{
					TenantID:       "t1",
					TaskID:         task.ID,
					ExpectedStatus: core.TaskStatusRunning,
					LockedBy:       "worker-1",
					Output:         json.RawMessage(`{"ok":true}`),
					Events:         []*core.Event{mustEvent(t, i, core.EventTypeTaskCompleted)},
				})
				require.NoError(t, err)

				got, err := b.GetTask(ctx, "t1", task.ID)
				require.NoError(t, err)
				require.Equal(t, core.TaskStatusSucceeded, got.Status)
				require.JSONEq(t, `{"ok":true}`, string(got.Output))
				require.Empty(t, got.LockedBy)
				require.NotNil(t, got.CompletedAt)

				err = b.CompleteTask(ctx, &backend.TaskCompletion{
					TenantID:       "t1",
					TaskID:         uuid.NewString(),
					ExpectedStatus: core.TaskStatusRunning,
				})
				require.ErrorIs(t, err, backend.ErrTaskNotFound)
			},
		},
		{
			name: "CompleteTask_PendingHumanTask",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				_, task := createTask(t, ctx, b, core.TaskTypeHuman, nil)

				err := b.CompleteTask(ctx, &backend.TaskCompletion{
					TenantID:       "t1",
					TaskID:         task.ID,
					ExpectedStatus: core.TaskStatusPending,
					Output:         json.RawMessage(`{"approved":true}`),
				})
				require.NoError(t, err)

				// Only once
				err = b.CompleteTask(ctx, &backend.TaskCompletion{
					TenantID:       "t1",
					TaskID:         task.ID,
					ExpectedStatus: core.TaskStatusPending,
				})
				require.ErrorIs(t, err, backend.ErrTaskNotLocked)
			},
		},
		{
			name: "FailTask_RetryReleasesTask",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				i, task := createTask(t, ctx, b, core.TaskTypeHTTP, nil)

				_, err := b.ClaimTask(ctx, "t1", task.ID, "worker-1")
				require.NoError(t, err)

				err = b.FailTask(ctx, &backend.TaskFailure{
					TenantID:     "t1",
					TaskID:       task.ID,
					LockedBy:     "worker-1",
					Error:        json.RawMessage(`{"message":"timeout"}`),
					Retry:        true,
					FailInstance: true,
				})
				require.NoError(t, err)

				got, err := b.GetTask(ctx, "t1", task.ID)
				require.NoError(t, err)
				require.Equal(t, core.TaskStatusPending, got.Status)
				require.Empty(t, got.LockedBy)
				require.Nil(t, got.LockedAt)
				require.Equal(t, 1, got.Attempts)

				// Instance is untouched while retries remain
				instance, err := b.GetInstance(ctx, "t1", i.ID)
				require.NoError(t, err)
				require.Equal(t, core.InstanceStatusRunning, instance.Status)

				claimed, err := b.ClaimTask(ctx, "t1", task.ID, "worker-2")
				require.NoError(t, err)
				require.NotNil(t, claimed)
				require.Equal(t, 2, claimed.Attempts)
			},
		},
		{
			name: "FailTask_FailsInstance",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				i, task := createTask(t, ctx, b, core.TaskTypeHTTP, nil)

				_, err := b.ClaimTask(ctx, "t1", task.ID, "worker-1")
				require.NoError(t, err)

				err = b.FailTask(ctx, &backend.TaskFailure{
					TenantID:     "t1",
					TaskID:       task.ID,
					LockedBy:     "worker-2",
					Error:        json.RawMessage(`{"message":"boom"}`),
					FailInstance: true,
				})
				require.ErrorIs(t, err, backend.ErrTaskNotLocked)

				err = b.FailTask(ctx, &backend.TaskFailure{
					TenantID:     "t1",
					TaskID:       task.ID,
					LockedBy:     "worker-1",
					Error:        json.RawMessage(`{"message":"boom"}`),
					FailInstance: true,
					Events:       []*core.Event{mustEvent(t, i, core.EventTypeTaskFailed)},
				})
				require.NoError(t, err)

				got, err := b.GetTask(ctx, "t1", task.ID)
				require.NoError(t, err)
				require.Equal(t, core.TaskStatusFailed, got.Status)
				require.JSONEq(t, `{"message":"boom"}`, string(got.Error))

				instance, err := b.GetInstance(ctx, "t1", i.ID)
				require.NoError(t, err)
				require.Equal(t, core.InstanceStatusFailed, instance.Status)
				require.JSONEq(t, `{"message":"boom"}`, string(instance.LastError))
			},
		},
		{
			name: "CancelInstance_CancelsPendingTasks",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				i, pending := createTask(t, ctx, b, core.TaskTypeHuman, nil)

				require.NoError(t, b.CancelInstance(ctx, "t1", i.ID, json.RawMessage(`{"reason":"withdrawn"}`)))

				instance, err := b.GetInstance(ctx, "t1", i.ID)
				require.NoError(t, err)
				require.Equal(t, core.InstanceStatusCancelled, instance.Status)

				task, err := b.GetTask(ctx, "t1", pending.ID)
				require.NoError(t, err)
				require.Equal(t, core.TaskStatusCancelled, task.Status)

				events, err := b.ListEvents(ctx, "t1", i.ID, 0)
				require.NoError(t, err)
				types := eventTypes(events)
				require.Equal(t, core.EventTypeTaskCancelled, types[len(types)-2])
				require.Equal(t, core.EventTypeInstanceCancelled, types[len(types)-1])

				require.ErrorIs(t, b.CancelInstance(ctx, "t1", i.ID, nil), backend.ErrInstanceTerminal)
			},
		},
		{
			name: "CancelTask",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				_, task := createTask(t, ctx, b, core.TaskTypeSystem, nil)

				require.NoError(t, b.CancelTask(ctx, "t1", task.ID, nil))
				require.ErrorIs(t, b.CancelTask(ctx, "t1", task.ID, nil), backend.ErrTaskNotLocked)
				require.ErrorIs(t, b.CancelTask(ctx, "t1", uuid.NewString(), nil), backend.ErrTaskNotFound)
			},
		},
		{
			name: "ReleaseStaleTasks_ReturnsAbandonedClaims",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				i, task := createTask(t, ctx, b, core.TaskTypeSystem, nil)

				_, err := b.ClaimTask(ctx, "t1", task.ID, "worker-1")
				require.NoError(t, err)

				released, err := b.ReleaseStaleTasks(ctx, c.Now().Add(-time.Minute), 10)
				require.NoError(t, err)
				require.Empty(t, released)

				c.Add(2 * time.Minute)

				released, err = b.ReleaseStaleTasks(ctx, c.Now().Add(-time.Minute), 10)
				require.NoError(t, err)
				require.Len(t, released, 1)
				require.Equal(t, task.ID, released[0].ID)
				require.Equal(t, core.TaskStatusPending, released[0].Status)

				claimed, err := b.ClaimTask(ctx, "t1", task.ID, "worker-2")
				require.NoError(t, err)
				require.NotNil(t, claimed)
				require.Equal(t, 2, claimed.Attempts)

				events, err := b.ListEvents(ctx, "t1", i.ID, 0)
				require.NoError(t, err)
				require.Contains(t, eventTypes(events), core.EventTypeTaskLockExpired)
			},
		},
		{
			name: "ListRunnableTasks",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				_, due := createTask(t, ctx, b, core.TaskTypeSystem, nil)
				createTask(t, ctx, b, core.TaskTypeHuman, nil)

				later := testStart.Add(time.Hour)
				createTask(t, ctx, b, core.TaskTypeTimer, &later)

				tasks, err := b.ListRunnableTasks(ctx, c.Now(), c.Now(), 10)
				require.NoError(t, err)
				require.Empty(t, tasks)

				c.Add(time.Minute)

				tasks, err = b.ListRunnableTasks(ctx, c.Now(), c.Now(), 10)
				require.NoError(t, err)
				require.Len(t, tasks, 1)
				require.Equal(t, due.ID, tasks[0].ID)
			},
		},
		{
			name: "ListEvents_AfterID",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				i := createInstance(t, ctx, b, "t1", "")

				require.NoError(t, b.AppendEvents(ctx,
					mustEvent(t, i, core.EventTypeEventApplied),
					mustEvent(t, i, core.EventTypeStateTransition),
				))

				events, err := b.ListEvents(ctx, "t1", i.ID, 0)
				require.NoError(t, err)
				require.Len(t, events, 3)
				require.Less(t, events[0].ID, events[1].ID)
				require.Less(t, events[1].ID, events[2].ID)

				rest, err := b.ListEvents(ctx, "t1", i.ID, events[0].ID)
				require.NoError(t, err)
				require.Equal(t, []core.EventType{core.EventTypeEventApplied, core.EventTypeStateTransition}, eventTypes(rest))
			},
		},
		{
			name: "GetStats",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				_, task := createTask(t, ctx, b, core.TaskTypeSystem, nil)
				createTask(t, ctx, b, core.TaskTypeSystem, nil)

				_, err := b.ClaimTask(ctx, "t1", task.ID, "worker-1")
				require.NoError(t, err)

				s, err := b.GetStats(ctx)
				require.NoError(t, err)
				require.Equal(t, int64(2), s.ActiveInstances)
				require.Equal(t, int64(1), s.PendingTasks)
				require.Equal(t, int64(1), s.RunningTasks)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := clock.NewMock()
			c.Set(testStart)

			b := setup(backend.WithClock(c))
			ctx := context.Background()
			tt.f(t, ctx, b, c)
			require.NoError(t, b.Close())
			if teardown != nil {
				teardown(b)
			}
		})
	}
}

func newDefinition(tenantID, key string) *core.Definition {
	return &core.Definition{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		Key:      key,
		Status:   core.DefinitionStatusActive,
		Spec: &core.MachineSpec{
			Version: 1,
			Initial: "a",
			States: map[string]*core.StateSpec{
				"a": {On: map[string]*core.TransitionSpec{"GO": {Target: "b"}}},
				"b": {Terminal: true},
			},
		},
	}
}

func createInstance(t *testing.T, ctx context.Context, b backend.Backend, tenantID, businessKey string) *core.Instance {
	t.Helper()

	def := newDefinition(tenantID, "wf-"+uuid.NewString())
	require.NoError(t, b.CreateDefinition(ctx, def))

	i := &core.Instance{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		DefinitionID: def.ID,
		BusinessKey:  businessKey,
		Status:       core.InstanceStatusPending,
		CurrentState: def.Spec.Initial,
	}

	require.NoError(t, b.CreateInstance(ctx, i, mustEvent(t, i, core.EventTypeInstanceStarted)))

	return i
}

// createTask creates a running instance in tenant t1 with a single pending task.
func createTask(t *testing.T, ctx context.Context, b backend.Backend, taskType core.TaskType, runAt *time.Time) (*core.Instance, *core.Task) {
	t.Helper()

	i := createInstance(t, ctx, b, "t1", "")

	task := newTask(i, "task", taskType)
	task.RunAt = runAt

	created, err := b.AdvanceInstance(ctx, &backend.Advance{
		TenantID:          i.TenantID,
		InstanceID:        i.ID,
		ExpectedUpdatedAt: i.UpdatedAt,
		Status:            core.InstanceStatusRunning,
		CurrentState:      i.CurrentState,
		Tasks:             []*core.Task{task},
	})
	require.NoError(t, err)
	require.Len(t, created, 1)

	return i, created[0]
}

func newTask(i *core.Instance, name string, taskType core.TaskType) *core.Task {
	return &core.Task{
		ID:              uuid.NewString(),
		TenantID:        i.TenantID,
		InstanceID:      i.ID,
		Name:            name,
		Type:            taskType,
		MaxAttempts:     core.DefaultMaxAttempts,
		CompletionEvent: core.EventTaskCompleted,
		TraceID:         "trace-1",
	}
}

func mustEvent(t *testing.T, i *core.Instance, eventType core.EventType) *core.Event {
	t.Helper()

	e, err := core.NewEvent(time.Time{}, i.TenantID, i.ID, eventType, nil)
	require.NoError(t, err)

	return e
}

func eventTypes(events []*core.Event) []core.EventType {
	types := make([]core.EventType, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}

	return types
}
