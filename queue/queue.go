// Package queue defines the job shape and the interfaces shared by all job transports.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Logical queues used by the engine.
const (
	OrchestratorQueue = "workflow-orchestrator"
	TaskQueue         = "workflow-tasks"
)

var (
	// ErrUnknownQueue is returned for jobs delivered to a queue without a handler.
	ErrUnknownQueue = errors.New("unknown queue")

	// ErrInvalidJob marks a job that can never be handled, no matter how often it is delivered.
	// Workers drop such jobs instead of retrying them.
	ErrInvalidJob = errors.New("invalid job")
)

// Job is a single delivery of a job, independent of the transport it arrived on.
type Job struct {
	ID        string          `json:"id"`
	Queue     string          `json:"queue"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`

	// AttemptsMade counts previous, failed deliveries of this job.
	AttemptsMade int `json:"attemptsMade"`

	// MaxAttempts is the number of deliveries allowed. Zero means unlimited.
	MaxAttempts int `json:"maxAttempts,omitempty"`

	// Backoff is the initial delay before a failed job is delivered again.
	Backoff time.Duration `json:"backoff,omitempty"`

	// Trace carries the W3C trace context of the enqueuing span.
	Trace map[string]string `json:"trace,omitempty"`
}

// Decode unmarshals the job payload.
func (j *Job) Decode(v any) error {
	if len(j.Data) == 0 {
		return errors.New("job has no data")
	}

	if err := json.Unmarshal(j.Data, v); err != nil {
		return fmt.Errorf("decoding job %s: %w", j.ID, err)
	}

	return nil
}

// Exhausted returns true if no further delivery is allowed after the current one fails.
func (j *Job) Exhausted() bool {
	return j.MaxAttempts > 0 && j.AttemptsMade+1 >= j.MaxAttempts
}

// Handler processes a job. A returned error asks the transport to deliver the job again.
type Handler func(ctx context.Context, job *Job) error

// Enqueuer is the write side of a transport.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, data any, opts ...EnqueueOption) error
}

// Queue is a transport workers pull jobs from. Jobs are leased to a consumer until they are
// completed or retried, or the lease expires.
type Queue interface {
	Enqueuer

	// Dequeue returns the next due job, or nil if none is available.
	Dequeue(ctx context.Context, queue string, lease time.Duration) (*Job, error)

	Extend(ctx context.Context, job *Job, lease time.Duration) error

	Complete(ctx context.Context, job *Job) error

	// Retry returns the job to the queue with one more attempt counted, due after the delay.
	Retry(ctx context.Context, job *Job, delay time.Duration) error

	Close() error
}

// NewJob builds the job for an enqueue call.
func NewJob(now time.Time, queue string, data any, opts ...EnqueueOption) (*Job, *EnqueueOptions, error) {
	o := ApplyEnqueueOptions(opts...)

	var payload json.RawMessage
	switch d := data.(type) {
	case json.RawMessage:
		payload = d
	case []byte:
		payload = d
	default:
		b, err := json.Marshal(data)
		if err != nil {
			return nil, nil, fmt.Errorf("encoding job data: %w", err)
		}

		payload = b
	}

	return &Job{
		ID:          o.JobID,
		Queue:       queue,
		Timestamp:   now,
		Data:        payload,
		MaxAttempts: o.Attempts,
		Backoff:     o.Backoff,
		Trace:       o.Trace,
	}, o, nil
}

// RetryDelay returns the delay before the next delivery of a failed job, growing
// exponentially from the job's initial backoff.
func RetryDelay(job *Job) time.Duration {
	initial := job.Backoff
	if initial <= 0 {
		initial = DefaultBackoff
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 0; i < job.AttemptsMade; i++ {
		d = b.NextBackOff()
	}

	return d
}
