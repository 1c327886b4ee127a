package backend

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/tallybook/flowengine/metrics"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type Options struct {
	Logger *slog.Logger

	Metrics metrics.Client

	TracerProvider trace.TracerProvider

	Clock clock.Clock

	// WorkerName identifies this process as the holder of task locks. If not set, a random
	// name is generated.
	WorkerName string

	// LockTimeout determines how long a task can be held by a worker. After that the lock is
	// considered abandoned and the task can be claimed again.
	LockTimeout time.Duration
}

var DefaultOptions Options = Options{
	LockTimeout: time.Minute,

	Logger:         slog.Default(),
	Metrics:        metrics.NewNoopClient(),
	TracerProvider: noop.NewTracerProvider(),
	Clock:          clock.New(),
}

type BackendOption func(*Options)

func WithLogger(logger *slog.Logger) BackendOption {
	return func(o *Options) {
		o.Logger = logger
	}
}

func WithMetrics(client metrics.Client) BackendOption {
	return func(o *Options) {
		o.Metrics = client
	}
}

func WithTracerProvider(tp trace.TracerProvider) BackendOption {
	return func(o *Options) {
		o.TracerProvider = tp
	}
}

func WithClock(c clock.Clock) BackendOption {
	return func(o *Options) {
		o.Clock = c
	}
}

func WithWorkerName(name string) BackendOption {
	return func(o *Options) {
		o.WorkerName = name
	}
}

func WithLockTimeout(timeout time.Duration) BackendOption {
	return func(o *Options) {
		o.LockTimeout = timeout
	}
}

func ApplyOptions(opts ...BackendOption) *Options {
	options := DefaultOptions

	for _, opt := range opts {
		opt(&options)
	}

	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	if options.Clock == nil {
		options.Clock = clock.New()
	}

	if options.WorkerName == "" {
		options.WorkerName = fmt.Sprintf("worker-%v", uuid.NewString())
	}

	return &options
}
