// Package orchestrator drives workflow instances through their state machine.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/tallybook/flowengine/backend"
	"github.com/tallybook/flowengine/core"
	"github.com/tallybook/flowengine/evaluator"
	"github.com/tallybook/flowengine/internal/metrickeys"
	"github.com/tallybook/flowengine/internal/tracing"
	"github.com/tallybook/flowengine/log"
	"github.com/tallybook/flowengine/metrics"
	"github.com/tallybook/flowengine/queue"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type Orchestrator struct {
	backend   backend.Backend
	queue     queue.Enqueuer
	evaluator evaluator.Evaluator
	options   Options

	definitions *definitionCache

	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  metrics.Client
	clock    clock.Clock
	validate *validator.Validate
}

func New(b backend.Backend, q queue.Enqueuer, opts ...Option) *Orchestrator {
	options := DefaultOptions
	for _, opt := range opts {
		opt(&options)
	}

	if options.Evaluator == nil {
		options.Evaluator = evaluator.NewTableEvaluator()
	}

	bo := b.Options()

	return &Orchestrator{
		backend:     b,
		queue:       q,
		evaluator:   options.Evaluator,
		options:     options,
		definitions: newDefinitionCache(options.DefinitionCacheSize, options.DefinitionCacheTTL),
		logger:      bo.Logger,
		tracer:      b.Tracer(),
		metrics:     b.Metrics(),
		clock:       bo.Clock,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

// StartCacheEviction removes expired definitions from memory until the context is canceled.
func (o *Orchestrator) StartCacheEviction(ctx context.Context) {
	o.definitions.StartEviction(ctx)
}

// HandleJob decodes an orchestrator job delivered by a queue and handles it.
func (o *Orchestrator) HandleJob(ctx context.Context, job *queue.Job) error {
	var oj core.OrchestratorJob
	if err := job.Decode(&oj); err != nil {
		return fmt.Errorf("%w: %v", queue.ErrInvalidJob, err)
	}

	if err := o.validate.Struct(&oj); err != nil {
		return fmt.Errorf("%w: orchestrator job %s: %v", queue.ErrInvalidJob, job.ID, err)
	}

	ctx = tracing.Extract(ctx, job.Trace)

	return o.Handle(ctx, &oj)
}

// Handle applies the events of the job to the instance. A returned error leaves the instance
// untouched and the job has to be delivered again.
func (o *Orchestrator) Handle(ctx context.Context, job *core.OrchestratorJob) (err error) {
	if len(job.Events) == 0 {
		return nil
	}

	ctx, span := o.tracer.Start(ctx, "Orchestrator.Handle", trace.WithAttributes(
		attribute.String(tracing.TenantID, job.TenantID),
		attribute.String(tracing.InstanceID, job.InstanceID),
		attribute.StringSlice(tracing.Events, eventTypes(job.Events)),
	))
	defer func() {
		tracing.WithSpanError(span, err)
		span.End()
	}()

	timer := metrics.NewTimer(o.metrics, o.clock, metrickeys.OrchestratorJobDuration, metrics.Tags{})
	defer timer.Stop()

	logger := o.logger.With(
		log.TenantIDKey, job.TenantID,
		log.InstanceIDKey, job.InstanceID,
		log.EventsKey, strings.Join(eventTypes(job.Events), ","),
	)

	instance, err := o.backend.GetInstance(ctx, job.TenantID, job.InstanceID)
	if err != nil {
		if errors.Is(err, backend.ErrInstanceNotFound) {
			logger.WarnContext(ctx, "dropping events for unknown instance")
			o.metrics.Counter(metrickeys.OrchestratorJobProcessed, metrics.Tags{metrickeys.Status: "dropped"}, 1)
			return nil
		}

		return fmt.Errorf("loading instance: %w", err)
	}

	def, err := o.definition(ctx, instance.TenantID, instance.DefinitionID)
	if err != nil {
		return err
	}

	snapshot, err := core.SnapshotOf(instance)
	if err != nil {
		return err
	}

	var adv *backend.Advance
	if instance.Status.Terminal() {
		adv, err = o.recordOnly(instance, job.Events)
	} else {
		adv, err = o.evaluate(ctx, def, instance, snapshot, job.Events)
	}
	if err != nil {
		return err
	}

	created, err := o.backend.AdvanceInstance(ctx, adv)
	if err != nil {
		if errors.Is(err, backend.ErrInstanceConflict) {
			o.metrics.Counter(metrickeys.InstanceConflict, metrics.Tags{}, 1)
			logger.InfoContext(ctx, "instance changed concurrently, retrying with fresh state")
		}

		return fmt.Errorf("advancing instance %s: %w", instance.ID, err)
	}

	span.SetAttributes(
		attribute.String(tracing.InstanceStatus, string(adv.Status)),
		attribute.String(tracing.InstanceState, adv.CurrentState),
	)

	o.metrics.Counter(metrickeys.OrchestratorJobProcessed, metrics.Tags{metrickeys.Status: string(adv.Status)}, 1)

	if adv.Status != instance.Status && adv.Status.Terminal() {
		o.metrics.Counter(metrickeys.InstanceFinished, metrics.Tags{metrickeys.Status: string(adv.Status)}, 1)
	}

	logger.DebugContext(ctx, "advanced instance",
		log.StatusKey, adv.Status,
		log.StateKey, adv.CurrentState,
		"tasks", len(created),
	)

	o.enqueueTasks(ctx, logger, created)

	return nil
}

// evaluate runs the state machine and builds the resulting write.
func (o *Orchestrator) evaluate(
	ctx context.Context, def *core.Definition, instance *core.Instance, snapshot core.Snapshot, events []core.MachineEvent,
) (*backend.Advance, error) {
	now := o.clock.Now()

	result, err := o.evaluator.Evaluate(evaluator.Request{
		Spec:     def.Spec,
		Snapshot: snapshot,
		Events:   events,
		Now:      now,
	})
	if err != nil {
		return nil, fmt.Errorf("evaluating instance %s: %w", instance.ID, err)
	}

	if !def.Spec.HasState(result.Snapshot.State) {
		return nil, fmt.Errorf("evaluating instance %s: state %q is not part of definition %s", instance.ID, result.Snapshot.State, def.ID)
	}

	traceID := tracing.TraceID(ctx)

	tasks := make([]*core.Task, 0, len(result.Tasks))
	for _, req := range result.Tasks {
		tasks = append(tasks, newTask(instance, req, traceID))
	}

	terminal := def.Spec.IsTerminal(result.Snapshot.State)
	status := DeriveStatus(events, terminal, tasks, now)

	history, err := o.history(now, instance, events, result.Transitions)
	if err != nil {
		return nil, err
	}

	switch status {
	case core.InstanceStatusCompleted:
		e, err := core.NewEvent(now, instance.TenantID, instance.ID, core.EventTypeInstanceCompleted, map[string]any{
			"state": result.Snapshot.State,
		})
		if err != nil {
			return nil, err
		}

		history = append(history, e)

	case core.InstanceStatusFailed:
		e, err := failedEvent(now, instance, events)
		if err != nil {
			return nil, err
		}

		history = append(history, e)
	}

	encoded, err := result.Snapshot.EncodeContext()
	if err != nil {
		return nil, err
	}

	return &backend.Advance{
		TenantID:          instance.TenantID,
		InstanceID:        instance.ID,
		ExpectedUpdatedAt: instance.UpdatedAt,
		Status:            status,
		CurrentState:      result.Snapshot.State,
		Context:           encoded,
		Tasks:             tasks,
		Events:            history,
	}, nil
}

// recordOnly appends the events of a finished instance to its history without evaluating them.
// The write still goes through the version check, so concurrent runs stay serialized.
func (o *Orchestrator) recordOnly(instance *core.Instance, events []core.MachineEvent) (*backend.Advance, error) {
	now := o.clock.Now()

	history, err := o.history(now, instance, events, nil)
	if err != nil {
		return nil, err
	}

	if instance.Status == core.InstanceStatusFailed {
		for _, e := range events {
			if !e.IsFailureSignal() {
				continue
			}

			fe, err := failedEvent(now, instance, events)
			if err != nil {
				return nil, err
			}

			history = append(history, fe)
			break
		}
	}

	return &backend.Advance{
		TenantID:          instance.TenantID,
		InstanceID:        instance.ID,
		ExpectedUpdatedAt: instance.UpdatedAt,
		Status:            instance.Status,
		CurrentState:      instance.CurrentState,
		Context:           instance.Context,
		Events:            history,
	}, nil
}

func (o *Orchestrator) history(now time.Time, instance *core.Instance, events []core.MachineEvent, transitions []evaluator.Transition) ([]*core.Event, error) {
	history := make([]*core.Event, 0, len(events)+len(transitions)+1)

	for _, me := range events {
		e, err := core.NewEvent(now, instance.TenantID, instance.ID, core.EventTypeEventApplied, me)
		if err != nil {
			return nil, err
		}

		history = append(history, e)
	}

	for _, tr := range transitions {
		e, err := core.NewEvent(now, instance.TenantID, instance.ID, core.EventTypeStateTransition, core.TransitionPayload{
			From:  tr.From,
			To:    tr.To,
			Event: tr.Event,
		})
		if err != nil {
			return nil, err
		}

		history = append(history, e)
	}

	return history, nil
}

func failedEvent(now time.Time, instance *core.Instance, events []core.MachineEvent) (*core.Event, error) {
	payload := map[string]any{}
	for _, e := range events {
		if e.IsFailureSignal() {
			payload["event"] = e
			break
		}
	}

	return core.NewEvent(now, instance.TenantID, instance.ID, core.EventTypeInstanceFailed, payload)
}

func (o *Orchestrator) definition(ctx context.Context, tenantID, id string) (*core.Definition, error) {
	if def, ok := o.definitions.Get(tenantID, id); ok {
		return def, nil
	}

	def, err := o.backend.GetDefinition(ctx, tenantID, id)
	if err != nil {
		return nil, fmt.Errorf("loading definition %s: %w", id, err)
	}

	if def.Spec == nil {
		return nil, fmt.Errorf("definition %s has no state machine specification", id)
	}

	o.definitions.Store(def)
	o.metrics.Gauge(metrickeys.DefinitionCacheSize, metrics.Tags{}, float64(o.definitions.Len()))

	return def, nil
}

// enqueueTasks hands newly created tasks to the task runner. Human tasks wait for the client.
// A failed enqueue is not an error of the job: the events are already applied, and the sweeper
// picks up tasks that never reached the queue.
func (o *Orchestrator) enqueueTasks(ctx context.Context, logger *slog.Logger, tasks []*core.Task) {
	now := o.clock.Now()
	tc := tracing.Inject(ctx)

	for _, t := range tasks {
		o.metrics.Counter(metrickeys.TaskCreated, metrics.Tags{metrickeys.TaskType: string(t.Type)}, 1)

		if t.Type == core.TaskTypeHuman {
			continue
		}

		var delay time.Duration
		if t.RunAt != nil {
			delay = t.RunAt.Sub(now)
		}

		err := o.queue.Enqueue(ctx, queue.TaskQueue, &core.TaskJob{
			TenantID:   t.TenantID,
			TaskID:     t.ID,
			InstanceID: t.InstanceID,
		},
			queue.WithJobID(t.ID),
			queue.WithDelay(delay),
			queue.WithAttempts(t.JobAttempts()),
			queue.WithBackoff(o.options.TaskBackoff),
			queue.WithTrace(tc),
		)
		if err != nil {
			logger.ErrorContext(ctx, "could not enqueue task", log.TaskIDKey, t.ID, log.TaskTypeKey, t.Type, "error", err)
			continue
		}

		o.metrics.Counter(metrickeys.TaskEnqueued, metrics.Tags{metrickeys.TaskType: string(t.Type)}, 1)
	}
}

func newTask(instance *core.Instance, req core.TaskRequest, traceID string) *core.Task {
	t := &core.Task{
		ID:              uuid.NewString(),
		TenantID:        instance.TenantID,
		InstanceID:      instance.ID,
		Name:            req.Name,
		Type:            req.Type,
		MaxAttempts:     req.MaxAttempts,
		CompletionEvent: req.CompletionEvent,
		Input:           req.Input,
		TraceID:         traceID,
	}

	if t.MaxAttempts <= 0 {
		t.MaxAttempts = core.DefaultMaxAttempts
	}

	if t.CompletionEvent == "" {
		t.CompletionEvent = core.EventTaskCompleted
	}

	if req.RunAt != nil {
		runAt := req.RunAt.UTC()
		t.RunAt = &runAt
	}

	// Keys only have to be unique within their instance
	if req.IdempotencyKey != "" {
		t.IdempotencyKey = instance.ID + ":" + req.IdempotencyKey
	}

	return t
}

func eventTypes(events []core.MachineEvent) []string {
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.Type
	}

	return types
}
