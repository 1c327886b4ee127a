package redis

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/tallybook/flowengine/queue"
)

const (
	address  = "localhost:6379"
	user     = ""
	password = "RedisPassw0rd"
)

func getClient() redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{address},
		Username: user,
		Password: password,
		DB:       1,
	})
}

func Test_Keys(t *testing.T) {
	k := queueKeys("flowengine:", "workflow-tasks")

	require.Equal(t, []string{
		"flowengine:{workflow-tasks}:jobs",
		"flowengine:{workflow-tasks}:ready",
		"flowengine:{workflow-tasks}:delayed",
		"flowengine:{workflow-tasks}:leases",
	}, k.all())
}

func Test_dueMillis(t *testing.T) {
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		t    time.Time
		want int64
	}{
		{name: "whole millisecond", t: base.Add(5 * time.Millisecond), want: base.UnixMilli() + 5},
		{name: "rounds up a nanosecond", t: base.Add(5*time.Millisecond + time.Nanosecond), want: base.UnixMilli() + 6},
		{name: "rounds up sub-millisecond delay", t: base.Add(999 * time.Microsecond), want: base.UnixMilli() + 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, dueMillis(tt.t))
		})
	}
}

func Test_Queue(t *testing.T) {
	// These cases rely on redis being running on localhost:6379. Skip this test if `-short` is set.
	if testing.Short() {
		t.Skip()
	}

	client := getClient()
	ctx := context.Background()
	lease := time.Minute

	tests := []struct {
		name string
		f    func(t *testing.T, q *Queue, c *clock.Mock)
	}{
		{
			name: "Simple enqueue/dequeue",
			f: func(t *testing.T, q *Queue, c *clock.Mock) {
				require.NoError(t, q.Enqueue(ctx, "tasks", map[string]string{"taskId": "t1"},
					queue.WithJobID("t1"), queue.WithAttempts(3), queue.WithTrace(map[string]string{"traceparent": "x"})))

				job, err := q.Dequeue(ctx, "tasks", lease)
				require.NoError(t, err)
				require.NotNil(t, job)
				require.Equal(t, "t1", job.ID)
				require.Equal(t, 3, job.MaxAttempts)
				require.Equal(t, "x", job.Trace["traceparent"])
				require.JSONEq(t, `{"taskId":"t1"}`, string(job.Data))

				job, err = q.Dequeue(ctx, "tasks", lease)
				require.NoError(t, err)
				require.Nil(t, job)

				require.NoError(t, q.Complete(ctx, &queue.Job{ID: "t1", Queue: "tasks"}))
				require.ErrorIs(t, q.Complete(ctx, &queue.Job{ID: "t1", Queue: "tasks"}), ErrJobNotLeased)
			},
		},
		{
			name: "Guarantee uniqueness",
			f: func(t *testing.T, q *Queue, c *clock.Mock) {
				require.NoError(t, q.Enqueue(ctx, "tasks", 1, queue.WithJobID("t1")))
				require.NoError(t, q.Enqueue(ctx, "tasks", 2, queue.WithJobID("t1")))

				job, err := q.Dequeue(ctx, "tasks", lease)
				require.NoError(t, err)
				require.Equal(t, "1", string(job.Data))

				// Leased jobs are still known
				require.NoError(t, q.Enqueue(ctx, "tasks", 3, queue.WithJobID("t1")))

				job2, err := q.Dequeue(ctx, "tasks", lease)
				require.NoError(t, err)
				require.Nil(t, job2)

				require.NoError(t, q.Complete(ctx, job))
				require.NoError(t, q.Enqueue(ctx, "tasks", 4, queue.WithJobID("t1")))

				job, err = q.Dequeue(ctx, "tasks", lease)
				require.NoError(t, err)
				require.Equal(t, "4", string(job.Data))
			},
		},
		{
			name: "Delayed jobs",
			f: func(t *testing.T, q *Queue, c *clock.Mock) {
				require.NoError(t, q.Enqueue(ctx, "tasks", 1, queue.WithDelay(time.Hour)))

				job, err := q.Dequeue(ctx, "tasks", lease)
				require.NoError(t, err)
				require.Nil(t, job)

				c.Add(time.Hour)

				job, err = q.Dequeue(ctx, "tasks", lease)
				require.NoError(t, err)
				require.NotNil(t, job)
			},
		},
		{
			name: "Retry",
			f: func(t *testing.T, q *Queue, c *clock.Mock) {
				require.NoError(t, q.Enqueue(ctx, "tasks", 1, queue.WithJobID("t1")))

				job, err := q.Dequeue(ctx, "tasks", lease)
				require.NoError(t, err)
				require.NoError(t, q.Retry(ctx, job, 10*time.Second))

				job, err = q.Dequeue(ctx, "tasks", lease)
				require.NoError(t, err)
				require.Nil(t, job)

				c.Add(10 * time.Second)

				job, err = q.Dequeue(ctx, "tasks", lease)
				require.NoError(t, err)
				require.NotNil(t, job)
				require.Equal(t, 1, job.AttemptsMade)
			},
		},
		{
			name: "Recover abandoned jobs",
			f: func(t *testing.T, q *Queue, c *clock.Mock) {
				require.NoError(t, q.Enqueue(ctx, "tasks", 1, queue.WithJobID("t1")))

				job, err := q.Dequeue(ctx, "tasks", lease)
				require.NoError(t, err)
				require.NotNil(t, job)

				c.Add(30 * time.Second)
				require.NoError(t, q.Extend(ctx, job, lease))
				c.Add(45 * time.Second)

				again, err := q.Dequeue(ctx, "tasks", lease)
				require.NoError(t, err)
				require.Nil(t, again)

				c.Add(time.Minute)

				again, err = q.Dequeue(ctx, "tasks", lease)
				require.NoError(t, err)
				require.NotNil(t, again)
				require.Equal(t, "t1", again.ID)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := clock.NewMock()
			c.Set(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))

			prefix := "test-" + uuid.NewString() + ":"
			q, err := New(ctx, client, Options{KeyPrefix: prefix, Clock: c})
			require.NoError(t, err)

			tt.f(t, q, c)

			require.NoError(t, client.Del(ctx, queueKeys(prefix, "tasks").all()...).Err())
		})
	}
}
