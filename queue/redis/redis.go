// Package redis implements a work queue on Redis. Jobs are kept in a hash, with a list of ready
// job IDs, a sorted set of delayed jobs, and a sorted set of leases. All state changes run as
// Lua scripts.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/tallybook/flowengine/queue"
)

var ErrJobNotLeased = errors.New("job is not leased")

type Options struct {
	// KeyPrefix is prepended to all keys. Defaults to "flowengine:".
	KeyPrefix string

	Clock clock.Clock
}

type Queue struct {
	rdb     redis.UniversalClient
	options Options

	mu   sync.Mutex
	keys map[string]*keys
}

var _ queue.Queue = (*Queue)(nil)

func New(ctx context.Context, rdb redis.UniversalClient, options Options) (*Queue, error) {
	if options.KeyPrefix == "" {
		options.KeyPrefix = "flowengine:"
	}

	if options.Clock == nil {
		options.Clock = clock.New()
	}

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &Queue{
		rdb:     rdb,
		options: options,
		keys:    map[string]*keys{},
	}, nil
}

func (q *Queue) queueKeys(name string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	k, ok := q.keys[name]
	if !ok {
		k = queueKeys(q.options.KeyPrefix, name)
		q.keys[name] = k
	}

	return k.all()
}

func (q *Queue) Enqueue(ctx context.Context, name string, data any, opts ...queue.EnqueueOption) error {
	now := q.options.Clock.Now()

	job, o, err := queue.NewJob(now, name, data, opts...)
	if err != nil {
		return err
	}

	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}

	var due int64
	if o.Delay > 0 {
		due = dueMillis(now.Add(o.Delay))
	}

	if err := enqueueCmd.Run(ctx, q.rdb, q.queueKeys(name), job.ID, string(b), due).Err(); err != nil {
		return fmt.Errorf("enqueueing job: %w", err)
	}

	return nil
}

// dueMillis rounds up to the next millisecond, so a job never becomes ready before its due time.
func dueMillis(t time.Time) int64 {
	ms := t.UnixMilli()
	if t.Sub(time.UnixMilli(ms)) > 0 {
		ms++
	}

	return ms
}

func (q *Queue) Dequeue(ctx context.Context, name string, lease time.Duration) (*queue.Job, error) {
	now := q.options.Clock.Now()

	res, err := dequeueCmd.Run(ctx, q.rdb, q.queueKeys(name), now.UnixMilli(), now.Add(lease).UnixMilli()).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}

		return nil, fmt.Errorf("dequeueing job: %w", err)
	}

	var job queue.Job
	if err := json.Unmarshal([]byte(res), &job); err != nil {
		return nil, fmt.Errorf("decoding job: %w", err)
	}

	return &job, nil
}

func (q *Queue) Extend(ctx context.Context, job *queue.Job, lease time.Duration) error {
	until := q.options.Clock.Now().Add(lease).UnixMilli()

	n, err := extendCmd.Run(ctx, q.rdb, q.queueKeys(job.Queue), job.ID, until).Int()
	if err != nil {
		return fmt.Errorf("extending lease: %w", err)
	}

	if n == 0 {
		return ErrJobNotLeased
	}

	return nil
}

func (q *Queue) Complete(ctx context.Context, job *queue.Job) error {
	n, err := completeCmd.Run(ctx, q.rdb, q.queueKeys(job.Queue), job.ID).Int()
	if err != nil {
		return fmt.Errorf("completing job: %w", err)
	}

	if n == 0 {
		return ErrJobNotLeased
	}

	return nil
}

func (q *Queue) Retry(ctx context.Context, job *queue.Job, delay time.Duration) error {
	retry := *job
	retry.AttemptsMade++

	b, err := json.Marshal(&retry)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}

	due := dueMillis(q.options.Clock.Now().Add(delay))

	n, err := retryCmd.Run(ctx, q.rdb, q.queueKeys(job.Queue), job.ID, string(b), due).Int()
	if err != nil {
		return fmt.Errorf("retrying job: %w", err)
	}

	if n == 0 {
		return ErrJobNotLeased
	}

	return nil
}

// Close does not close the client, it is owned by the caller.
func (q *Queue) Close() error {
	return nil
}
