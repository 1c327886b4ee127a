// Package worker runs the orchestrator and the task runner as consumers of the two logical
// job queues.
package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/tallybook/flowengine/backend"
	"github.com/tallybook/flowengine/handler"
	internal "github.com/tallybook/flowengine/internal/worker"
	"github.com/tallybook/flowengine/orchestrator"
	"github.com/tallybook/flowengine/queue"
	"github.com/tallybook/flowengine/runner"
	"github.com/tallybook/flowengine/sweeper"
)

type Worker struct {
	backend backend.Backend
	queue   queue.Enqueuer

	orchestrator *orchestrator.Orchestrator
	runner       *runner.Runner
	sweeper      *sweeper.Sweeper

	workers []worker

	wg sync.WaitGroup
}

type worker interface {
	Start(context.Context) error
	WaitForCompletion() error
}

// New creates a worker that processes orchestrator and task jobs.
//
// If q can be pulled from (see queue.Queue), the worker polls both logical queues. Otherwise
// jobs have to be delivered by a push transport through Handler.
func New(b backend.Backend, q queue.Enqueuer, options *Options) *Worker {
	if options == nil {
		options = &DefaultOptions
	}

	registry := options.Handlers
	if registry == nil {
		registry = handler.NewDefaultRegistry()
	}

	var runnerOpts []runner.Option
	if options.OrchestratorJobAttempts > 0 {
		runnerOpts = append(runnerOpts, runner.WithOrchestratorAttempts(options.OrchestratorJobAttempts))
	}

	w := &Worker{
		backend:      b,
		queue:        q,
		orchestrator: orchestrator.New(b, q, options.OrchestratorOptions...),
		runner:       runner.New(b, q, registry, options.Ports, runnerOpts...),
	}

	if options.Sweeper != nil {
		w.sweeper = sweeper.New(b, q, options.Sweeper)
	}

	if pq, ok := q.(queue.Queue); ok {
		logger := b.Options().Logger

		w.workers = []worker{
			internal.NewWorker(pq, queue.OrchestratorQueue, w.orchestrator.HandleJob, logger, b.Metrics(), &internal.WorkerOptions{
				Pollers:           options.OrchestratorPollers,
				MaxParallelTasks:  options.MaxParallelOrchestratorJobs,
				LeaseDuration:     options.LeaseDuration,
				HeartbeatInterval: options.HeartbeatInterval,
				PollingInterval:   options.PollingInterval,
			}),
			internal.NewWorker(pq, queue.TaskQueue, w.runner.HandleJob, logger, b.Metrics(), &internal.WorkerOptions{
				Pollers:           options.TaskPollers,
				MaxParallelTasks:  options.MaxParallelTasks,
				LeaseDuration:     options.LeaseDuration,
				HeartbeatInterval: options.HeartbeatInterval,
				PollingInterval:   options.PollingInterval,
			}),
		}
	}

	return w
}

// Start starts the worker.
//
// To stop the worker, cancel the context passed to Start. To wait for completion of the active
// jobs, call `WaitForCompletion`.
func (w *Worker) Start(ctx context.Context) error {
	for _, worker := range w.workers {
		if err := worker.Start(ctx); err != nil {
			return fmt.Errorf("starting worker: %w", err)
		}
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.orchestrator.StartCacheEviction(ctx)
	}()

	if w.sweeper != nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()

			if err := w.sweeper.Run(ctx); err != nil {
				w.backend.Options().Logger.ErrorContext(ctx, "sweeper stopped", "error", err)
			}
		}()
	}

	return nil
}

// WaitForCompletion waits for all active jobs to complete.
func (w *Worker) WaitForCompletion() error {
	for _, worker := range w.workers {
		if err := worker.WaitForCompletion(); err != nil {
			return fmt.Errorf("waiting for worker completion: %w", err)
		}
	}

	w.wg.Wait()

	return nil
}

// Handler returns the job handler for a logical queue, for transports that push jobs.
func (w *Worker) Handler(queueName string) (queue.Handler, error) {
	switch queueName {
	case queue.OrchestratorQueue:
		return w.orchestrator.HandleJob, nil
	case queue.TaskQueue:
		return w.runner.HandleJob, nil
	}

	return nil, fmt.Errorf("%w: %s", queue.ErrUnknownQueue, queueName)
}
