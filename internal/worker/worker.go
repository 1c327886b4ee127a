package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tallybook/flowengine/internal/metrickeys"
	"github.com/tallybook/flowengine/internal/workflowerrors"
	"github.com/tallybook/flowengine/log"
	"github.com/tallybook/flowengine/metrics"
	"github.com/tallybook/flowengine/queue"
)

// Worker pulls jobs from one logical queue and hands them to a handler.
type Worker struct {
	options *WorkerOptions

	q         queue.Queue
	queueName string
	handler   queue.Handler

	logger  *slog.Logger
	metrics metrics.Client

	workQueue *workQueue

	pollersWg sync.WaitGroup

	dispatcherDone chan struct{}
}

type WorkerOptions struct {
	Pollers int

	MaxParallelTasks int

	// LeaseDuration is how long a dequeued job stays invisible to other consumers.
	LeaseDuration time.Duration

	// HeartbeatInterval is how often the lease of a running job is extended. Zero disables
	// heartbeats.
	HeartbeatInterval time.Duration

	PollingInterval time.Duration
}

func NewWorker(
	q queue.Queue, queueName string, h queue.Handler, logger *slog.Logger, m metrics.Client, options *WorkerOptions,
) *Worker {
	if options.Pollers <= 0 {
		options.Pollers = 1
	}

	if options.LeaseDuration <= 0 {
		options.LeaseDuration = time.Minute
	}

	if options.PollingInterval <= 0 {
		options.PollingInterval = 200 * time.Millisecond
	}

	return &Worker{
		options:        options,
		q:              q,
		queueName:      queueName,
		handler:        h,
		logger:         logger.With(log.QueueKey, queueName),
		metrics:        m.WithTags(metrics.Tags{metrickeys.Queue: queueName}),
		workQueue:      newWorkQueue(options.MaxParallelTasks),
		dispatcherDone: make(chan struct{}, 1),
	}
}

func (w *Worker) Start(ctx context.Context) error {
	w.pollersWg.Add(w.options.Pollers)

	for i := 0; i < w.options.Pollers; i++ {
		go w.poller(ctx)
	}

	go w.dispatcher()

	return nil
}

// WaitForCompletion blocks until the pollers stopped and every dispatched job finished. The
// context passed to Start must be canceled first.
func (w *Worker) WaitForCompletion() error {
	w.pollersWg.Wait()

	close(w.workQueue.jobs)
	<-w.dispatcherDone

	return nil
}

func (w *Worker) poller(ctx context.Context) {
	defer w.pollersWg.Done()

	ticker := time.NewTicker(w.options.PollingInterval)
	defer ticker.Stop()

	for {
		// Only take a job from the queue when it can be processed right away
		if err := w.workQueue.reserve(ctx); err != nil {
			return
		}

		job, err := w.q.Dequeue(ctx, w.queueName, w.options.LeaseDuration)
		if err != nil && ctx.Err() == nil {
			w.logger.ErrorContext(ctx, "error polling queue", "error", err)
		}

		if job != nil {
			if err := w.workQueue.add(ctx, job); err != nil {
				// Shutting down, the lease expires and another consumer picks the job up
				w.workQueue.release()
				return
			}

			continue
		}

		w.workQueue.release()

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) dispatcher() {
	var wg sync.WaitGroup

	for job := range w.workQueue.jobs {
		wg.Add(1)

		go func(job *queue.Job) {
			defer wg.Done()
			defer w.workQueue.release()

			// Jobs run to completion even when the worker is shutting down
			w.handle(context.Background(), job)
		}(job)
	}

	wg.Wait()

	w.dispatcherDone <- struct{}{}
}

func (w *Worker) handle(ctx context.Context, job *queue.Job) {
	logger := w.logger.With(log.JobIDKey, job.ID, log.AttemptKey, job.AttemptsMade)

	if w.options.HeartbeatInterval > 0 {
		heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
		defer cancelHeartbeat()
		go w.heartbeatJob(heartbeatCtx, logger, job)
	}

	err := w.execute(ctx, job)
	if err == nil {
		if err := w.q.Complete(ctx, job); err != nil {
			logger.ErrorContext(ctx, "could not complete job", "error", err)
		}

		return
	}

	if errors.Is(err, queue.ErrInvalidJob) {
		logger.ErrorContext(ctx, "dropping invalid job", "error", err)
		w.drop(ctx, logger, job, "invalid")
		return
	}

	if job.Exhausted() {
		logger.ErrorContext(ctx, "job failed, no attempts left", "error", err)
		w.drop(ctx, logger, job, "exhausted")
		return
	}

	delay := queue.RetryDelay(job)
	logger.WarnContext(ctx, "job failed, retrying", "error", err, "delay", delay)
	w.metrics.Counter(metrickeys.JobRetried, metrics.Tags{}, 1)

	if err := w.q.Retry(ctx, job, delay); err != nil {
		logger.ErrorContext(ctx, "could not retry job", "error", err)
	}
}

func (w *Worker) drop(ctx context.Context, logger *slog.Logger, job *queue.Job, reason string) {
	w.metrics.Counter(metrickeys.JobDropped, metrics.Tags{metrickeys.Reason: reason}, 1)

	if err := w.q.Complete(ctx, job); err != nil {
		logger.ErrorContext(ctx, "could not drop job", "error", err)
	}
}

func (w *Worker) execute(ctx context.Context, job *queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handling job %s: %w", job.ID, workflowerrors.NewPanicError(r))
		}
	}()

	return w.handler(ctx, job)
}

func (w *Worker) heartbeatJob(ctx context.Context, logger *slog.Logger, job *queue.Job) {
	t := time.NewTicker(w.options.HeartbeatInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := w.q.Extend(ctx, job, w.options.LeaseDuration); err != nil {
				logger.ErrorContext(ctx, "could not heartbeat job", "error", err)
			}
		}
	}
}
