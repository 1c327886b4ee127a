package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"github.com/tallybook/flowengine/metrics"
	"github.com/tallybook/flowengine/queue"
	"github.com/tallybook/flowengine/queue/memory"
	"go.uber.org/goleak"
)

const testQueue = "test"

func newTestWorker(q queue.Queue, h queue.Handler, options *WorkerOptions) *Worker {
	if options.PollingInterval == 0 {
		options.PollingInterval = time.Millisecond * 5
	}

	return NewWorker(q, testQueue, h, slog.Default(), metrics.NewNoopClient(), options)
}

func Test_Worker(t *testing.T) {
	tests := []struct {
		name string
		f    func(t *testing.T, q *memory.Queue)
	}{
		{
			name: "Processes and completes jobs",
			f: func(t *testing.T, q *memory.Queue) {
				var mu sync.Mutex
				seen := map[string]bool{}

				w := newTestWorker(q, func(ctx context.Context, job *queue.Job) error {
					mu.Lock()
					defer mu.Unlock()
					seen[job.ID] = true
					return nil
				}, &WorkerOptions{Pollers: 2})

				for _, id := range []string{"a", "b", "c"} {
					require.NoError(t, q.Enqueue(context.Background(), testQueue, id, queue.WithJobID(id)))
				}

				run(t, w, func() bool {
					mu.Lock()
					defer mu.Unlock()
					return len(seen) == 3
				})

				require.Equal(t, 0, q.Len(testQueue))
			},
		},
		{
			name: "Retries failed jobs",
			f: func(t *testing.T, q *memory.Queue) {
				var calls atomic.Int32
				var lastAttempt atomic.Int32

				w := newTestWorker(q, func(ctx context.Context, job *queue.Job) error {
					lastAttempt.Store(int32(job.AttemptsMade))
					if calls.Add(1) == 1 {
						return errors.New("transient")
					}

					return nil
				}, &WorkerOptions{})

				require.NoError(t, q.Enqueue(context.Background(), testQueue, 1,
					queue.WithJobID("j1"), queue.WithAttempts(3), queue.WithBackoff(time.Millisecond)))

				run(t, w, func() bool { return calls.Load() == 2 })

				require.Equal(t, int32(1), lastAttempt.Load())
				require.Equal(t, 0, q.Len(testQueue))
			},
		},
		{
			name: "Drops jobs without attempts left",
			f: func(t *testing.T, q *memory.Queue) {
				var calls atomic.Int32

				w := newTestWorker(q, func(ctx context.Context, job *queue.Job) error {
					calls.Add(1)
					return errors.New("permanent")
				}, &WorkerOptions{})

				require.NoError(t, q.Enqueue(context.Background(), testQueue, 1,
					queue.WithJobID("j1"), queue.WithAttempts(2), queue.WithBackoff(time.Millisecond)))

				run(t, w, func() bool { return calls.Load() == 2 && q.Len(testQueue) == 0 })

				time.Sleep(time.Millisecond * 20)
				require.Equal(t, int32(2), calls.Load())
			},
		},
		{
			name: "Drops invalid jobs without retrying",
			f: func(t *testing.T, q *memory.Queue) {
				var calls atomic.Int32

				w := newTestWorker(q, func(ctx context.Context, job *queue.Job) error {
					calls.Add(1)
					return fmt.Errorf("%w: unexpected end of JSON input", queue.ErrInvalidJob)
				}, &WorkerOptions{})

				require.NoError(t, q.Enqueue(context.Background(), testQueue, 1,
					queue.WithJobID("j1"), queue.WithBackoff(time.Millisecond)))

				run(t, w, func() bool { return calls.Load() == 1 && q.Len(testQueue) == 0 })

				time.Sleep(time.Millisecond * 20)
				require.Equal(t, int32(1), calls.Load())
			},
		},
		{
			name: "Recovers from panicking handlers",
			f: func(t *testing.T, q *memory.Queue) {
				var calls atomic.Int32

				w := newTestWorker(q, func(ctx context.Context, job *queue.Job) error {
					if calls.Add(1) == 1 {
						panic("boom")
					}

					return nil
				}, &WorkerOptions{})

				require.NoError(t, q.Enqueue(context.Background(), testQueue, 1,
					queue.WithJobID("j1"), queue.WithBackoff(time.Millisecond)))

				run(t, w, func() bool { return calls.Load() == 2 && q.Len(testQueue) == 0 })
			},
		},
		{
			name: "Limits parallel jobs",
			f: func(t *testing.T, q *memory.Queue) {
				var running, maxRunning, done atomic.Int32

				w := newTestWorker(q, func(ctx context.Context, job *queue.Job) error {
					n := running.Add(1)
					for {
						m := maxRunning.Load()
						if n <= m || maxRunning.CompareAndSwap(m, n) {
							break
						}
					}

					time.Sleep(time.Millisecond * 10)
					running.Add(-1)
					done.Add(1)
					return nil
				}, &WorkerOptions{Pollers: 4, MaxParallelTasks: 2})

				for i := 0; i < 8; i++ {
					require.NoError(t, q.Enqueue(context.Background(), testQueue, i))
				}

				run(t, w, func() bool { return done.Load() == 8 })

				require.LessOrEqual(t, maxRunning.Load(), int32(2))
			},
		},
		{
			name: "Heartbeat keeps the job leased",
			f: func(t *testing.T, q *memory.Queue) {
				var calls atomic.Int32
				var finished atomic.Bool

				w := newTestWorker(q, func(ctx context.Context, job *queue.Job) error {
					calls.Add(1)
					time.Sleep(time.Millisecond * 100)
					finished.Store(true)
					return nil
				}, &WorkerOptions{
					Pollers:           2,
					LeaseDuration:     time.Millisecond * 30,
					HeartbeatInterval: time.Millisecond * 5,
				})

				require.NoError(t, q.Enqueue(context.Background(), testQueue, 1, queue.WithJobID("j1")))

				run(t, w, func() bool { return finished.Load() })

				require.Equal(t, int32(1), calls.Load())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer goleak.VerifyNone(t)

			tt.f(t, memory.New(clock.New()))
		})
	}
}

func Test_Worker_WaitForCompletion(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := memory.New(clock.New())
	started := make(chan struct{})
	release := make(chan struct{})

	w := newTestWorker(q, func(ctx context.Context, job *queue.Job) error {
		close(started)
		<-release
		return nil
	}, &WorkerOptions{})

	require.NoError(t, q.Enqueue(context.Background(), testQueue, 1))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))

	<-started
	cancel()

	var stopped atomic.Bool
	done := make(chan struct{})
	go func() {
		w.WaitForCompletion()
		stopped.Store(true)
		close(done)
	}()

	time.Sleep(time.Millisecond * 20)
	require.False(t, stopped.Load(), "worker stopped while a job was running")

	close(release)
	<-done

	require.Equal(t, 0, q.Len(testQueue))
}

func Test_WorkQueue(t *testing.T) {
	t.Run("Unlimited parallelism never blocks", func(t *testing.T) {
		wq := newWorkQueue(0)
		require.Nil(t, wq.slots)

		for i := 0; i < 10; i++ {
			require.NoError(t, wq.reserve(context.Background()))
		}

		wq.release()
	})

	t.Run("Reserve blocks until a slot is released", func(t *testing.T) {
		wq := newWorkQueue(1)
		require.NoError(t, wq.reserve(context.Background()))

		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*10)
		defer cancel()
		require.ErrorIs(t, wq.reserve(ctx), context.DeadlineExceeded)

		wq.release()
		require.NoError(t, wq.reserve(context.Background()))
	})

	t.Run("Add respects cancellation", func(t *testing.T) {
		wq := newWorkQueue(1)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		require.ErrorIs(t, wq.add(ctx, &queue.Job{ID: "j1"}), context.Canceled)
	})
}

// run starts the worker, waits for the condition and shuts the worker down.
func run(t *testing.T, w *Worker, condition func() bool) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))

	require.Eventually(t, condition, time.Second*2, time.Millisecond*5)

	cancel()
	require.NoError(t, w.WaitForCompletion())
}
