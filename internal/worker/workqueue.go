package worker

import (
	"context"

	"github.com/tallybook/flowengine/queue"
)

// workQueue hands dequeued jobs to the dispatcher and bounds how many are in flight.
type workQueue struct {
	jobs  chan *queue.Job
	slots chan struct{}
}

func newWorkQueue(maxParallelJobs int) *workQueue {
	var slots chan struct{}
	if maxParallelJobs > 0 {
		slots = make(chan struct{}, maxParallelJobs)
	}

	return &workQueue{
		jobs:  make(chan *queue.Job),
		slots: slots,
	}
}

// reserve blocks until a slot is free. Without a limit it never blocks.
func (w *workQueue) reserve(ctx context.Context) error {
	if w.slots == nil {
		return ctx.Err()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case w.slots <- struct{}{}:
		return nil
	}
}

func (w *workQueue) add(ctx context.Context, job *queue.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case w.jobs <- job:
		return nil
	}
}

func (w *workQueue) release() {
	if w.slots == nil {
		return
	}

	<-w.slots
}
