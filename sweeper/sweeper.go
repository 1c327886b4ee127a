// Package sweeper recovers tasks that were abandoned by crashed workers or never reached the
// task queue.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron/v3"
	"github.com/tallybook/flowengine/backend"
	"github.com/tallybook/flowengine/core"
	"github.com/tallybook/flowengine/internal/metrickeys"
	"github.com/tallybook/flowengine/internal/tracing"
	"github.com/tallybook/flowengine/log"
	"github.com/tallybook/flowengine/metrics"
	"github.com/tallybook/flowengine/queue"
)

type Options struct {
	// Schedule is a cron spec. Defaults to every minute.
	Schedule string

	// Grace is how long a pending task may stay untouched before it is enqueued again.
	Grace time.Duration

	// BatchSize limits the number of tasks handled per pass and kind.
	BatchSize int

	// TaskBackoff is the initial delay between deliveries of a failing task job.
	TaskBackoff time.Duration
}

var DefaultOptions = Options{
	Schedule:    "@every 1m",
	Grace:       2 * time.Minute,
	BatchSize:   100,
	TaskBackoff: 5 * time.Second,
}

type Sweeper struct {
	backend backend.Backend
	queue   queue.Enqueuer
	options Options

	logger      *slog.Logger
	metrics     metrics.Client
	clock       clock.Clock
	lockTimeout time.Duration
}

func New(b backend.Backend, q queue.Enqueuer, options *Options) *Sweeper {
	if options == nil {
		options = &DefaultOptions
	}

	o := *options
	if o.Schedule == "" {
		o.Schedule = DefaultOptions.Schedule
	}

	if o.BatchSize <= 0 {
		o.BatchSize = DefaultOptions.BatchSize
	}

	bo := b.Options()

	return &Sweeper{
		backend:     b,
		queue:       q,
		options:     o,
		logger:      bo.Logger.With("component", "sweeper"),
		metrics:     b.Metrics(),
		clock:       bo.Clock,
		lockTimeout: bo.LockTimeout,
	}
}

// Run sweeps on the configured schedule until the context is canceled. It returns after the
// running pass finished.
func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	_, err := c.AddFunc(s.options.Schedule, func() {
		if err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling sweeper %q: %w", s.options.Schedule, err)
	}

	c.Start()

	<-ctx.Done()

	<-c.Stop().Done()

	return nil
}

// Sweep runs one recovery pass. Expired locks are released first, so released tasks are
// enqueued in the same pass.
func (s *Sweeper) Sweep(ctx context.Context) error {
	now := s.clock.Now()

	released, err := s.backend.ReleaseStaleTasks(ctx, now.Add(-s.lockTimeout), s.options.BatchSize)
	if err != nil {
		return fmt.Errorf("releasing stale tasks: %w", err)
	}

	for _, t := range released {
		s.logger.WarnContext(ctx, "released expired task lock",
			log.TenantIDKey, t.TenantID,
			log.InstanceIDKey, t.InstanceID,
			log.TaskIDKey, t.ID,
			log.TaskTypeKey, t.Type,
		)

		s.metrics.Counter(metrickeys.SweeperReleased, metrics.Tags{metrickeys.TaskType: string(t.Type)}, 1)
		s.enqueue(ctx, now, t)
	}

	runnable, err := s.backend.ListRunnableTasks(ctx, now, now.Add(-s.options.Grace), s.options.BatchSize)
	if err != nil {
		return fmt.Errorf("listing runnable tasks: %w", err)
	}

	for _, t := range runnable {
		s.enqueue(ctx, now, t)
	}

	if len(released) > 0 || len(runnable) > 0 {
		s.logger.InfoContext(ctx, "sweep finished", "released", len(released), "requeued", len(runnable))
	}

	return nil
}

func (s *Sweeper) enqueue(ctx context.Context, now time.Time, t *core.Task) {
	if t.Type == core.TaskTypeHuman {
		return
	}

	var delay time.Duration
	if t.RunAt != nil {
		delay = t.RunAt.Sub(now)
	}

	// The job ID is the task ID, so tasks still queued are not delivered twice
	err := s.queue.Enqueue(ctx, queue.TaskQueue, &core.TaskJob{
		TenantID:   t.TenantID,
		TaskID:     t.ID,
		InstanceID: t.InstanceID,
	},
		queue.WithJobID(t.ID),
		queue.WithDelay(delay),
		queue.WithAttempts(t.JobAttempts()),
		queue.WithBackoff(s.options.TaskBackoff),
		queue.WithTrace(tracing.Inject(ctx)),
	)
	if err != nil {
		s.logger.ErrorContext(ctx, "could not enqueue task", log.TaskIDKey, t.ID, "error", err)
		return
	}

	s.metrics.Counter(metrickeys.SweeperRequeued, metrics.Tags{metrickeys.TaskType: string(t.Type)}, 1)
}
