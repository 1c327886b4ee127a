package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewJob(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	job, o, err := NewJob(now, TaskQueue, map[string]string{"taskId": "t1"},
		WithJobID("t1"), WithDelay(time.Minute), WithAttempts(3), WithBackoff(2*time.Second))
	require.NoError(t, err)
	require.Equal(t, "t1", job.ID)
	require.Equal(t, TaskQueue, job.Queue)
	require.Equal(t, now, job.Timestamp)
	require.Equal(t, 3, job.MaxAttempts)
	require.Equal(t, 2*time.Second, job.Backoff)
	require.Equal(t, time.Minute, o.Delay)
	require.JSONEq(t, `{"taskId":"t1"}`, string(job.Data))

	raw, _, err := NewJob(now, TaskQueue, json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	require.NotEmpty(t, raw.ID)
	require.Equal(t, `{"a":1}`, string(raw.Data))
}

func TestJob_Exhausted(t *testing.T) {
	tests := []struct {
		name         string
		attemptsMade int
		maxAttempts  int
		want         bool
	}{
		{"unlimited", 10, 0, false},
		{"first of three", 0, 3, false},
		{"second of three", 1, 3, false},
		{"last of three", 2, 3, true},
		{"single attempt", 0, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := &Job{AttemptsMade: tt.attemptsMade, MaxAttempts: tt.maxAttempts}
			require.Equal(t, tt.want, j.Exhausted())
		})
	}
}

func TestRetryDelay(t *testing.T) {
	require.Equal(t, time.Second, RetryDelay(&Job{}))
	require.Equal(t, 2*time.Second, RetryDelay(&Job{Backoff: 2 * time.Second}))
	require.Equal(t, 8*time.Second, RetryDelay(&Job{Backoff: 2 * time.Second, AttemptsMade: 2}))
	require.Equal(t, MaxBackoff, RetryDelay(&Job{AttemptsMade: 30}))
}

func TestJob_Decode(t *testing.T) {
	var v struct{ TaskID string }

	require.NoError(t, (&Job{Data: json.RawMessage(`{"taskId":"t1"}`)}).Decode(&v))
	require.Equal(t, "t1", v.TaskID)

	require.Error(t, (&Job{}).Decode(&v))
	require.Error(t, (&Job{Data: json.RawMessage(`[`)}).Decode(&v))
}
