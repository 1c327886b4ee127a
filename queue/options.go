package queue

import (
	"time"

	"github.com/google/uuid"
)

const (
	DefaultBackoff = time.Second
	MaxBackoff     = 5 * time.Minute

	// DefaultOrchestratorAttempts bounds the deliveries of an orchestrator job.
	DefaultOrchestratorAttempts = 25
)

type EnqueueOptions struct {
	// JobID deduplicates jobs. Transports ignore a job whose ID is already queued. A random ID is
	// generated if not set.
	JobID string

	// Delay postpones the first delivery.
	Delay time.Duration

	// Attempts limits the number of deliveries. Zero means unlimited.
	Attempts int

	// Backoff is the initial delay between deliveries of a failing job.
	Backoff time.Duration

	Trace map[string]string
}

type EnqueueOption func(*EnqueueOptions)

func WithJobID(id string) EnqueueOption {
	return func(o *EnqueueOptions) {
		o.JobID = id
	}
}

func WithDelay(delay time.Duration) EnqueueOption {
	return func(o *EnqueueOptions) {
		o.Delay = delay
	}
}

func WithAttempts(attempts int) EnqueueOption {
	return func(o *EnqueueOptions) {
		o.Attempts = attempts
	}
}

func WithBackoff(initial time.Duration) EnqueueOption {
	return func(o *EnqueueOptions) {
		o.Backoff = initial
	}
}

func WithTrace(carrier map[string]string) EnqueueOption {
	return func(o *EnqueueOptions) {
		o.Trace = carrier
	}
}

func ApplyEnqueueOptions(opts ...EnqueueOption) *EnqueueOptions {
	o := &EnqueueOptions{}
	for _, opt := range opts {
		opt(o)
	}

	if o.JobID == "" {
		o.JobID = uuid.NewString()
	}

	if o.Delay < 0 {
		o.Delay = 0
	}

	return o
}
