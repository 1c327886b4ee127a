// Package runner executes workflow tasks claimed from the task queue.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-playground/validator/v10"
	"github.com/tallybook/flowengine/backend"
	"github.com/tallybook/flowengine/core"
	"github.com/tallybook/flowengine/handler"
	"github.com/tallybook/flowengine/internal/metrickeys"
	"github.com/tallybook/flowengine/internal/tracing"
	"github.com/tallybook/flowengine/internal/workflowerrors"
	"github.com/tallybook/flowengine/log"
	"github.com/tallybook/flowengine/metrics"
	"github.com/tallybook/flowengine/ports"
	"github.com/tallybook/flowengine/queue"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrHandlerNotFound is returned for tasks of a type no handler is registered for.
var ErrHandlerNotFound = errors.New("no handler registered for task type")

// ErrTaskFailed is returned when a task attempt failed, so the queue counts the delivery as
// failed as well.
var ErrTaskFailed = errors.New("task attempt failed")

type Runner struct {
	backend  backend.Backend
	queue    queue.Enqueuer
	registry *handler.Registry
	ports    *ports.Ports

	workerName string

	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  metrics.Client
	clock    clock.Clock
	validate *validator.Validate

	orchestratorAttempts int
}

type Option func(*Runner)

// WithOrchestratorAttempts limits the deliveries of the follow-up orchestrator jobs.
func WithOrchestratorAttempts(attempts int) Option {
	return func(r *Runner) {
		r.orchestratorAttempts = attempts
	}
}

// New returns a runner that claims tasks as the backend's configured worker.
func New(b backend.Backend, q queue.Enqueuer, registry *handler.Registry, p *ports.Ports, opts ...Option) *Runner {
	bo := b.Options()

	if p == nil {
		p = &ports.Ports{}
	}

	if p.Clock == nil {
		p.Clock = bo.Clock
	}

	r := &Runner{
		backend:              b,
		queue:                q,
		registry:             registry,
		ports:                p,
		workerName:           bo.WorkerName,
		logger:               bo.Logger,
		tracer:               b.Tracer(),
		metrics:              b.Metrics(),
		clock:                bo.Clock,
		validate:             validator.New(validator.WithRequiredStructEnabled()),
		orchestratorAttempts: queue.DefaultOrchestratorAttempts,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// HandleJob decodes a task job delivered by a queue and handles it.
func (r *Runner) HandleJob(ctx context.Context, job *queue.Job) error {
	var tj core.TaskJob
	if err := job.Decode(&tj); err != nil {
		return fmt.Errorf("%w: %v", queue.ErrInvalidJob, err)
	}

	if err := r.validate.Struct(&tj); err != nil {
		return fmt.Errorf("%w: task job %s: %v", queue.ErrInvalidJob, job.ID, err)
	}

	ctx = tracing.Extract(ctx, job.Trace)

	return r.Handle(ctx, &tj)
}

// Handle claims and executes the task. Deliveries for tasks that cannot be claimed are
// reconciled instead.
func (r *Runner) Handle(ctx context.Context, job *core.TaskJob) (err error) {
	logger := r.logger.With(
		log.TenantIDKey, job.TenantID,
		log.InstanceIDKey, job.InstanceID,
		log.TaskIDKey, job.TaskID,
		log.WorkerKey, r.workerName,
	)

	task, err := r.backend.ClaimTask(ctx, job.TenantID, job.TaskID, r.workerName)
	if err != nil {
		return fmt.Errorf("claiming task: %w", err)
	}

	if task == nil {
		return r.reconcile(ctx, logger, job)
	}

	ctx, span := r.tracer.Start(ctx, "Runner.Handle", trace.WithAttributes(
		attribute.String(tracing.TenantID, task.TenantID),
		attribute.String(tracing.InstanceID, task.InstanceID),
		attribute.String(tracing.TaskID, task.ID),
		attribute.String(tracing.TaskType, string(task.Type)),
		attribute.Int(tracing.TaskAttempt, task.Attempts),
	))
	defer func() {
		tracing.WithSpanError(span, err)
		span.End()
	}()

	logger = logger.With(
		log.TaskNameKey, task.Name,
		log.TaskTypeKey, task.Type,
		log.AttemptKey, task.Attempts,
		log.TraceIDKey, task.TraceID,
	)

	tags := metrics.Tags{metrickeys.TaskType: string(task.Type)}

	ready := task.CreatedAt
	if task.RunAt != nil && task.RunAt.After(ready) {
		ready = *task.RunAt
	}
	r.metrics.Distribution(metrickeys.TaskDelay, tags, float64(r.clock.Since(ready).Milliseconds()))

	timer := metrics.NewTimer(r.metrics, r.clock, metrickeys.TaskDuration, tags)
	defer timer.Stop()

	started, err := core.NewTaskEvent(r.clock.Now(), task, core.EventTypeTaskStarted, core.TaskEventPayload{})
	if err != nil {
		return err
	}

	if err := r.backend.AppendEvents(ctx, started); err != nil {
		return r.fail(ctx, logger, task, fmt.Errorf("recording task start: %w", err))
	}

	h, ok := r.registry.Get(task.Type)
	if !ok {
		err := fmt.Errorf("%w: %s", ErrHandlerNotFound, task.Type)
		if ferr := r.fail(ctx, logger, task, workflowerrors.NewPermanentError(err)); ferr != nil && !errors.Is(ferr, ErrTaskFailed) {
			return ferr
		}

		return err
	}

	result, err := r.execute(ctx, h, task, parseInput(task.Input))
	if err != nil {
		return r.fail(ctx, logger, task, err)
	}

	if result == nil || result.Status != core.TaskStatusSucceeded {
		return r.fail(ctx, logger, task, resultError(result))
	}

	return r.succeed(ctx, logger, task, result)
}

func (r *Runner) execute(ctx context.Context, h handler.Handler, task *core.Task, input map[string]any) (result *handler.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = workflowerrors.NewPanicError(rec)
		}
	}()

	return h.Execute(ctx, task, input, r.ports)
}

func (r *Runner) succeed(ctx context.Context, logger *slog.Logger, task *core.Task, result *handler.Result) error {
	output := result.Output
	if output == nil {
		output = map[string]any{}
	}

	if result.SuggestedEvent != "" {
		output["suggestedEvent"] = result.SuggestedEvent
	}

	encoded, err := json.Marshal(output)
	if err != nil {
		return r.fail(ctx, logger, task, fmt.Errorf("encoding task output: %w", err))
	}

	completed, err := core.NewTaskEvent(r.clock.Now(), task, core.EventTypeTaskCompleted, core.TaskEventPayload{
		Output:       encoded,
		EmittedEvent: result.EmittedEvent,
	})
	if err != nil {
		return err
	}

	err = r.backend.CompleteTask(ctx, &backend.TaskCompletion{
		TenantID:       task.TenantID,
		TaskID:         task.ID,
		ExpectedStatus: core.TaskStatusRunning,
		LockedBy:       r.workerName,
		Output:         encoded,
		Events:         []*core.Event{completed},
	})
	if err != nil {
		if errors.Is(err, backend.ErrTaskNotLocked) {
			// The lock expired and the task was handed to another worker
			logger.WarnContext(ctx, "lost task lock before completion")
			return nil
		}

		return r.fail(ctx, logger, task, fmt.Errorf("completing task: %w", err))
	}

	r.metrics.Counter(metrickeys.TaskProcessed, metrics.Tags{
		metrickeys.TaskType: string(task.Type),
		metrickeys.Status:   string(core.TaskStatusSucceeded),
	}, 1)

	logger.DebugContext(ctx, "task succeeded")

	return r.enqueueOrchestrator(ctx, task, completionEvents(task, encoded, result.EmittedEvent), "completed")
}

// fail records a failed attempt. The task goes back to PENDING while it has attempts left,
// otherwise the task and its instance fail and the orchestrator is told about it.
func (r *Runner) fail(ctx context.Context, logger *slog.Logger, task *core.Task, cause error) error {
	willRetry := task.WillRetry() && workflowerrors.CanRetry(cause)
	errDoc := workflowerrors.Encode(cause)

	logger.WarnContext(ctx, "task attempt failed", log.WillRetryKey, willRetry, "error", cause)

	failed, err := core.NewTaskEvent(r.clock.Now(), task, core.EventTypeTaskFailed, core.TaskEventPayload{
		Error:     errDoc,
		WillRetry: &willRetry,
	})
	if err != nil {
		return err
	}

	err = r.backend.FailTask(ctx, &backend.TaskFailure{
		TenantID:     task.TenantID,
		TaskID:       task.ID,
		LockedBy:     r.workerName,
		Error:        errDoc,
		Retry:        willRetry,
		FailInstance: !willRetry,
		Events:       []*core.Event{failed},
	})
	if err != nil {
		if errors.Is(err, backend.ErrTaskNotLocked) {
			logger.WarnContext(ctx, "lost task lock before recording failure")
			return nil
		}

		return fmt.Errorf("recording task failure: %w", err)
	}

	r.metrics.Counter(metrickeys.TaskProcessed, metrics.Tags{
		metrickeys.TaskType: string(task.Type),
		metrickeys.Status:   string(core.TaskStatusFailed),
	}, 1)

	if !willRetry {
		if err := r.enqueueOrchestrator(ctx, task, failureEvents(task, errDoc), "failed"); err != nil {
			return err
		}
	}

	return fmt.Errorf("%w: task %s: %v", ErrTaskFailed, task.ID, cause)
}

func (r *Runner) enqueueOrchestrator(ctx context.Context, task *core.Task, events []core.MachineEvent, outcome string) error {
	err := r.queue.Enqueue(ctx, queue.OrchestratorQueue, &core.OrchestratorJob{
		TenantID:   task.TenantID,
		InstanceID: task.InstanceID,
		Events:     events,
	},
		queue.WithJobID(fmt.Sprintf("%s:%d:%s", task.ID, task.Attempts, outcome)),
		queue.WithAttempts(r.orchestratorAttempts),
		queue.WithTrace(tracing.Inject(ctx)),
	)
	if err != nil {
		return fmt.Errorf("enqueueing orchestrator job for task %s: %w", task.ID, err)
	}

	return nil
}

// reconcile handles a delivery for a task that could not be claimed. A timer delivered before
// it is due goes back to the queue, and a terminal task whose follow-up never reached the
// orchestrator queue gets it resent under the same job ID.
func (r *Runner) reconcile(ctx context.Context, logger *slog.Logger, job *core.TaskJob) error {
	task, err := r.backend.GetTask(ctx, job.TenantID, job.TaskID)
	if err != nil {
		if errors.Is(err, backend.ErrTaskNotFound) {
			logger.WarnContext(ctx, "task not found, skipping")
			return nil
		}

		return fmt.Errorf("loading task: %w", err)
	}

	now := r.clock.Now()

	switch {
	case task.Type == core.TaskTypeHuman:
		// Human tasks are completed by the client, which sends its own follow-up

	case task.Status == core.TaskStatusPending && task.RunAt != nil && task.RunAt.After(now):
		return r.requeue(ctx, logger, task, now)

	case task.Status == core.TaskStatusSucceeded || task.Status == core.TaskStatusFailed:
		history, err := r.backend.ListEvents(ctx, task.TenantID, task.InstanceID, 0)
		if err != nil {
			return fmt.Errorf("loading history: %w", err)
		}

		if task.Status == core.TaskStatusFailed {
			return r.resend(ctx, logger, task, history, failureEvents(task, task.Error), "failed")
		}

		completed := lastTaskEvent(history, task.ID, core.EventTypeTaskCompleted)

		return r.resend(ctx, logger, task, history, completionEvents(task, task.Output, completed.EmittedEvent), "completed")
	}

	logger.DebugContext(ctx, "task not claimable, skipping", log.TaskStatusKey, task.Status)
	r.metrics.Counter(metrickeys.TaskClaimMissed, metrics.Tags{}, 1)

	return nil
}

func (r *Runner) requeue(ctx context.Context, logger *slog.Logger, task *core.Task, now time.Time) error {
	// A fresh job ID, the delivered job is still leased under the task ID
	err := r.queue.Enqueue(ctx, queue.TaskQueue, &core.TaskJob{
		TenantID:   task.TenantID,
		TaskID:     task.ID,
		InstanceID: task.InstanceID,
	},
		queue.WithJobID(fmt.Sprintf("%s:%d", task.ID, task.RunAt.UnixMilli())),
		queue.WithDelay(task.RunAt.Sub(now)+time.Millisecond),
		queue.WithAttempts(task.JobAttempts()),
		queue.WithTrace(tracing.Inject(ctx)),
	)
	if err != nil {
		return fmt.Errorf("requeueing task %s: %w", task.ID, err)
	}

	logger.DebugContext(ctx, "task not due yet, requeued", log.RunAtKey, task.RunAt)

	return nil
}

// resend enqueues the follow-up of a terminal task unless the orchestrator already applied it.
func (r *Runner) resend(ctx context.Context, logger *slog.Logger, task *core.Task, history []*core.Event, events []core.MachineEvent, outcome string) error {
	for _, e := range history {
		if e.Type != core.EventTypeEventApplied {
			continue
		}

		var applied struct {
			Type    string `json:"type"`
			Payload struct {
				TaskID string `json:"taskId"`
			} `json:"payload"`
		}
		if err := json.Unmarshal(e.Payload, &applied); err != nil {
			continue
		}

		if applied.Type == events[0].Type && applied.Payload.TaskID == task.ID {
			logger.DebugContext(ctx, "task follow-up already applied, skipping")
			return nil
		}
	}

	if err := r.enqueueOrchestrator(ctx, task, events, outcome); err != nil {
		return err
	}

	logger.InfoContext(ctx, "resent task follow-up", log.TaskStatusKey, task.Status)
	r.metrics.Counter(metrickeys.TaskFollowUp, metrics.Tags{metrickeys.TaskType: string(task.Type)}, 1)

	return nil
}

// lastTaskEvent returns the payload of the task's most recent event of the given type.
func lastTaskEvent(history []*core.Event, taskID string, eventType core.EventType) core.TaskEventPayload {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Type != eventType {
			continue
		}

		var p core.TaskEventPayload
		if err := json.Unmarshal(history[i].Payload, &p); err == nil && p.TaskID == taskID {
			return p
		}
	}

	return core.TaskEventPayload{}
}

func completionEvents(task *core.Task, output json.RawMessage, emitted string) []core.MachineEvent {
	payload := taskPayload(task.ID, "output", output)

	events := []core.MachineEvent{{Type: task.CompletionEvent, Payload: payload}}
	if emitted != "" {
		events = append(events, core.MachineEvent{Type: emitted, Payload: payload})
	}

	return events
}

func failureEvents(task *core.Task, errDoc json.RawMessage) []core.MachineEvent {
	return []core.MachineEvent{{
		Type:    core.EventTaskFailed,
		Payload: taskPayload(task.ID, "error", errDoc),
	}}
}

// parseInput decodes the task input. Malformed or missing input is treated as empty.
func parseInput(raw json.RawMessage) map[string]any {
	input := map[string]any{}
	if len(raw) == 0 {
		return input
	}

	if err := json.Unmarshal(raw, &input); err != nil || input == nil {
		return map[string]any{}
	}

	return input
}

func resultError(result *handler.Result) error {
	if result == nil {
		return errors.New("handler returned no result")
	}

	message := "task failed"
	if m, ok := result.Error["message"].(string); ok && m != "" {
		message = m
	}

	return &workflowerrors.Error{
		Type:    "TaskFailed",
		Message: message,
		Details: result.Error,
	}
}

func taskPayload(taskID, key string, value json.RawMessage) json.RawMessage {
	p := map[string]any{"taskId": taskID}
	if len(value) > 0 {
		p[key] = value
	}

	b, _ := json.Marshal(p)
	return b
}
