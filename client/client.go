package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/tallybook/flowengine/backend"
	"github.com/tallybook/flowengine/core"
	"github.com/tallybook/flowengine/internal/metrickeys"
	"github.com/tallybook/flowengine/internal/tracing"
	"github.com/tallybook/flowengine/log"
	"github.com/tallybook/flowengine/metrics"
	"github.com/tallybook/flowengine/queue"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrNotHumanTask    = errors.New("task is not a human task")
	ErrTaskNotPending  = errors.New("task is not pending")
	ErrWorkflowTimeout = errors.New("workflow did not finish in specified timeout")
)

type StartOptions struct {
	TenantID string

	// DefinitionKey selects the definition. Version zero starts the newest active version.
	DefinitionKey string
	Version       int

	// InstanceID is generated if not set.
	InstanceID string

	// BusinessKey makes starts idempotent. Starting again with a known key returns the existing
	// instance.
	BusinessKey string

	Context map[string]any
}

type Client struct {
	backend backend.Backend
	queue   queue.Enqueuer
	clock   clock.Clock

	orchestratorAttempts int
}

type Option func(*Client)

// WithOrchestratorAttempts limits the deliveries of the orchestrator jobs the client enqueues.
func WithOrchestratorAttempts(attempts int) Option {
	return func(c *Client) {
		c.orchestratorAttempts = attempts
	}
}

func New(b backend.Backend, q queue.Enqueuer, opts ...Option) *Client {
	c := &Client{
		backend:              b,
		queue:                q,
		clock:                b.Options().Clock,
		orchestratorAttempts: queue.DefaultOrchestratorAttempts,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// PublishDefinition validates the state machine specification and stores it as the next
// version of the definition.
func (c *Client) PublishDefinition(ctx context.Context, tenantID, key string, spec []byte) (*core.Definition, error) {
	ms, err := core.ParseMachineSpec(spec)
	if err != nil {
		return nil, err
	}

	def := &core.Definition{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		Key:      key,
		Status:   core.DefinitionStatusActive,
		Spec:     ms,
	}

	if err := c.backend.CreateDefinition(ctx, def); err != nil {
		return nil, fmt.Errorf("publishing definition %q: %w", key, err)
	}

	c.backend.Options().Logger.InfoContext(ctx, "published definition",
		log.TenantIDKey, tenantID,
		log.DefinitionIDKey, def.ID,
		"key", key,
		"version", def.Version,
	)

	return def, nil
}

// StartWorkflow creates a new instance in the initial state of the definition and asks the
// orchestrator to start it.
func (c *Client) StartWorkflow(ctx context.Context, options StartOptions) (*core.Instance, error) {
	ctx, span := c.backend.Tracer().Start(ctx, fmt.Sprintf("StartWorkflow: %s", options.DefinitionKey), trace.WithAttributes(
		attribute.String(tracing.TenantID, options.TenantID),
	))
	defer span.End()

	if options.BusinessKey != "" {
		existing, err := c.backend.FindInstanceByBusinessKey(ctx, options.TenantID, options.BusinessKey)
		if err == nil {
			return existing, nil
		}

		if !errors.Is(err, backend.ErrInstanceNotFound) {
			return nil, tracing.WithSpanError(span, err)
		}
	}

	def, err := c.backend.FindDefinition(ctx, options.TenantID, options.DefinitionKey, options.Version)
	if err != nil {
		return nil, tracing.WithSpanError(span, fmt.Errorf("finding definition %q: %w", options.DefinitionKey, err))
	}

	snapshot := core.Snapshot{State: def.Spec.Initial, Context: options.Context}
	encoded, err := snapshot.EncodeContext()
	if err != nil {
		return nil, err
	}

	id := options.InstanceID
	if id == "" {
		id = uuid.NewString()
	}

	instance := &core.Instance{
		ID:           id,
		TenantID:     options.TenantID,
		DefinitionID: def.ID,
		BusinessKey:  options.BusinessKey,
		Status:       core.InstanceStatusPending,
		CurrentState: def.Spec.Initial,
		Context:      encoded,
	}

	span.SetAttributes(attribute.String(tracing.InstanceID, instance.ID))

	started, err := core.NewEvent(c.clock.Now(), instance.TenantID, instance.ID, core.EventTypeInstanceStarted, map[string]any{
		"definitionId": def.ID,
		"version":      def.Version,
		"state":        def.Spec.Initial,
	})
	if err != nil {
		return nil, err
	}

	if err := c.backend.CreateInstance(ctx, instance, started); err != nil {
		if errors.Is(err, backend.ErrInstanceAlreadyExists) && options.BusinessKey != "" {
			// Lost a race against another start with the same key
			return c.backend.FindInstanceByBusinessKey(ctx, options.TenantID, options.BusinessKey)
		}

		return nil, tracing.WithSpanError(span, fmt.Errorf("creating workflow instance: %w", err))
	}

	c.backend.Metrics().Counter(metrickeys.InstanceCreated, metrics.Tags{}, 1)

	c.backend.Options().Logger.DebugContext(ctx, "created workflow instance",
		log.TenantIDKey, instance.TenantID,
		log.InstanceIDKey, instance.ID,
		log.DefinitionIDKey, def.ID,
		log.BusinessKeyKey, instance.BusinessKey,
	)

	err = c.enqueue(ctx, instance.TenantID, instance.ID, instance.ID+":start", core.MachineEvent{Type: core.EventStart})
	if err != nil {
		return nil, tracing.WithSpanError(span, err)
	}

	return instance, nil
}

// SignalWorkflow sends events to an instance. They are applied in order in one orchestrator
// run.
func (c *Client) SignalWorkflow(ctx context.Context, tenantID, instanceID string, events ...core.MachineEvent) error {
	if len(events) == 0 {
		return nil
	}

	ctx, span := c.backend.Tracer().Start(ctx, "SignalWorkflow", trace.WithAttributes(
		attribute.String(tracing.TenantID, tenantID),
		attribute.String(tracing.InstanceID, instanceID),
	))
	defer span.End()

	if _, err := c.backend.GetInstance(ctx, tenantID, instanceID); err != nil {
		return tracing.WithSpanError(span, err)
	}

	return tracing.WithSpanError(span, c.enqueue(ctx, tenantID, instanceID, "", events...))
}

// CompleteHumanTask records the decision for a pending human task and feeds its completion
// event to the state machine.
func (c *Client) CompleteHumanTask(ctx context.Context, tenantID, taskID string, output map[string]any) error {
	ctx, span := c.backend.Tracer().Start(ctx, "CompleteHumanTask", trace.WithAttributes(
		attribute.String(tracing.TenantID, tenantID),
		attribute.String(tracing.TaskID, taskID),
	))
	defer span.End()

	task, err := c.backend.GetTask(ctx, tenantID, taskID)
	if err != nil {
		return tracing.WithSpanError(span, err)
	}

	if task.Type != core.TaskTypeHuman {
		return tracing.WithSpanError(span, fmt.Errorf("%w: %s is %s", ErrNotHumanTask, taskID, task.Type))
	}

	if output == nil {
		output = map[string]any{}
	}

	encoded, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("encoding task output: %w", err)
	}

	completed, err := core.NewTaskEvent(c.clock.Now(), task, core.EventTypeTaskCompleted, core.TaskEventPayload{Output: encoded})
	if err != nil {
		return err
	}

	err = c.backend.CompleteTask(ctx, &backend.TaskCompletion{
		TenantID:       tenantID,
		TaskID:         taskID,
		ExpectedStatus: core.TaskStatusPending,
		Output:         encoded,
		Events:         []*core.Event{completed},
	})
	if err != nil {
		if errors.Is(err, backend.ErrTaskNotLocked) {
			err = fmt.Errorf("%w: %s", ErrTaskNotPending, taskID)
		}

		return tracing.WithSpanError(span, err)
	}

	payload, err := json.Marshal(map[string]any{"taskId": taskID, "output": json.RawMessage(encoded)})
	if err != nil {
		return err
	}

	event := core.MachineEvent{Type: task.CompletionEvent, Payload: payload}

	return tracing.WithSpanError(span, c.enqueue(ctx, tenantID, task.InstanceID, taskID+":completed", event))
}

// CancelWorkflow cancels an unfinished instance and its pending tasks. Running tasks finish,
// but their results no longer advance the instance.
func (c *Client) CancelWorkflow(ctx context.Context, tenantID, instanceID, reason string) error {
	ctx, span := c.backend.Tracer().Start(ctx, "CancelWorkflow", trace.WithAttributes(
		attribute.String(tracing.TenantID, tenantID),
		attribute.String(tracing.InstanceID, instanceID),
	))
	defer span.End()

	var doc json.RawMessage
	if reason != "" {
		b, err := json.Marshal(map[string]string{"reason": reason})
		if err != nil {
			return err
		}

		doc = b
	}

	if err := c.backend.CancelInstance(ctx, tenantID, instanceID, doc); err != nil {
		return tracing.WithSpanError(span, fmt.Errorf("cancelling instance %s: %w", instanceID, err))
	}

	c.backend.Metrics().Counter(metrickeys.InstanceFinished, metrics.Tags{metrickeys.Status: string(core.InstanceStatusCancelled)}, 1)

	return nil
}

func (c *Client) GetInstance(ctx context.Context, tenantID, instanceID string) (*core.Instance, error) {
	return c.backend.GetInstance(ctx, tenantID, instanceID)
}

// GetHistory returns every event recorded for the instance in append order.
func (c *Client) GetHistory(ctx context.Context, tenantID, instanceID string) ([]*core.Event, error) {
	if _, err := c.backend.GetInstance(ctx, tenantID, instanceID); err != nil {
		return nil, err
	}

	return c.backend.ListEvents(ctx, tenantID, instanceID, 0)
}

func (c *Client) GetTasks(ctx context.Context, tenantID, instanceID string) ([]*core.Task, error) {
	return c.backend.ListTasksByInstance(ctx, tenantID, instanceID)
}

// WaitForWorkflowInstance polls until the instance is finished or the timeout expired.
func (c *Client) WaitForWorkflowInstance(ctx context.Context, tenantID, instanceID string, timeout time.Duration) (*core.Instance, error) {
	if timeout == 0 {
		timeout = time.Second * 20
	}

	b := backoff.ExponentialBackOff{
		InitialInterval:     time.Millisecond * 1,
		MaxInterval:         time.Second * 1,
		Multiplier:          1.5,
		RandomizationFactor: 0.5,
		MaxElapsedTime:      timeout,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	ticker := backoff.NewTicker(backoff.WithContext(&b, ctx))
	defer ticker.Stop()

	for range ticker.C {
		i, err := c.backend.GetInstance(ctx, tenantID, instanceID)
		if err != nil {
			return nil, fmt.Errorf("getting workflow instance: %w", err)
		}

		if i.Status.Terminal() {
			return i, nil
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return nil, ErrWorkflowTimeout
}

func (c *Client) enqueue(ctx context.Context, tenantID, instanceID, jobID string, events ...core.MachineEvent) error {
	opts := []queue.EnqueueOption{
		queue.WithAttempts(c.orchestratorAttempts),
		queue.WithTrace(tracing.Inject(ctx)),
	}
	if jobID != "" {
		opts = append(opts, queue.WithJobID(jobID))
	}

	err := c.queue.Enqueue(ctx, queue.OrchestratorQueue, &core.OrchestratorJob{
		TenantID:   tenantID,
		InstanceID: instanceID,
		Events:     events,
	}, opts...)
	if err != nil {
		return fmt.Errorf("enqueueing events for instance %s: %w", instanceID, err)
	}

	return nil
}
