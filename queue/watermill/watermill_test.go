package watermill

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"github.com/tallybook/flowengine/queue"
)

func dequeue(t *testing.T, q *Queue, name string) *queue.Job {
	t.Helper()

	var job *queue.Job
	require.Eventually(t, func() bool {
		j, err := q.Dequeue(context.Background(), name, time.Minute)
		if err != nil || j == nil {
			return false
		}

		job = j
		return true
	}, time.Second, time.Millisecond)

	return job
}

func Test_Queue(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		f    func(t *testing.T, q *Queue, c *clock.Mock)
	}{
		{
			name: "Enqueue and dequeue",
			f: func(t *testing.T, q *Queue, c *clock.Mock) {
				require.NoError(t, q.Enqueue(ctx, queue.TaskQueue, map[string]string{"taskId": "t1"},
					queue.WithJobID("t1"), queue.WithAttempts(3)))

				job := dequeue(t, q, queue.TaskQueue)
				require.Equal(t, "t1", job.ID)
				require.Equal(t, 3, job.MaxAttempts)
				require.JSONEq(t, `{"taskId":"t1"}`, string(job.Data))

				require.NoError(t, q.Extend(ctx, job, time.Minute))
				require.NoError(t, q.Complete(ctx, job))
				require.ErrorIs(t, q.Complete(ctx, job), ErrJobNotLeased)
			},
		},
		{
			name: "Unknown queue",
			f: func(t *testing.T, q *Queue, c *clock.Mock) {
				_, err := q.Dequeue(ctx, "other", time.Minute)
				require.ErrorIs(t, err, queue.ErrUnknownQueue)
			},
		},
		{
			name: "Retry publishes the next attempt",
			f: func(t *testing.T, q *Queue, c *clock.Mock) {
				require.NoError(t, q.Enqueue(ctx, queue.OrchestratorQueue, 1, queue.WithJobID("j1")))

				job := dequeue(t, q, queue.OrchestratorQueue)
				require.NoError(t, q.Retry(ctx, job, 0))

				job = dequeue(t, q, queue.OrchestratorQueue)
				require.Equal(t, "j1", job.ID)
				require.Equal(t, 1, job.AttemptsMade)
				require.NoError(t, q.Complete(ctx, job))
			},
		},
		{
			name: "Delayed jobs are published when due",
			f: func(t *testing.T, q *Queue, c *clock.Mock) {
				require.NoError(t, q.Enqueue(ctx, queue.TaskQueue, 1, queue.WithJobID("t1"), queue.WithDelay(time.Minute)))

				// A second enqueue of the same delayed job is ignored
				require.NoError(t, q.Enqueue(ctx, queue.TaskQueue, 2, queue.WithJobID("t1"), queue.WithDelay(time.Minute)))

				job, err := q.Dequeue(ctx, queue.TaskQueue, time.Minute)
				require.NoError(t, err)
				require.Nil(t, job)

				c.Add(time.Minute)

				job = dequeue(t, q, queue.TaskQueue)
				require.Equal(t, "1", string(job.Data))
				require.NoError(t, q.Complete(ctx, job))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := clock.NewMock()

			q, err := NewGoChannel(nil, Options{Clock: c})
			require.NoError(t, err)
			defer q.Close()

			tt.f(t, q, c)
		})
	}
}
