// Package memory implements an in-process queue for tests and single process deployments.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/tallybook/flowengine/queue"
)

var ErrJobNotLeased = errors.New("job is not leased")

type entry struct {
	job *queue.Job
	due time.Time
}

type leased struct {
	job   *queue.Job
	until time.Time
}

type Queue struct {
	mu    sync.Mutex
	clock clock.Clock

	// waiting holds queued and delayed jobs per queue, in enqueue order
	waiting map[string][]*entry
	leases  map[string]*leased

	// ids contains every job that is waiting or leased
	ids map[string]struct{}
}

var _ queue.Queue = (*Queue)(nil)

func New(c clock.Clock) *Queue {
	if c == nil {
		c = clock.New()
	}

	return &Queue{
		clock:   c,
		waiting: map[string][]*entry{},
		leases:  map[string]*leased{},
		ids:     map[string]struct{}{},
	}
}

func (q *Queue) Enqueue(_ context.Context, name string, data any, opts ...queue.EnqueueOption) error {
	now := q.clock.Now()

	job, o, err := queue.NewJob(now, name, data, opts...)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	key := name + "/" + job.ID
	if _, ok := q.ids[key]; ok {
		return nil
	}

	q.ids[key] = struct{}{}
	q.waiting[name] = append(q.waiting[name], &entry{job: job, due: now.Add(o.Delay)})

	return nil
}

func (q *Queue) Dequeue(_ context.Context, name string, lease time.Duration) (*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	q.recover(now)

	entries := q.waiting[name]

	// Earliest due job first, enqueue order for ties
	idx := -1
	for i, e := range entries {
		if e.due.After(now) {
			continue
		}

		if idx < 0 || e.due.Before(entries[idx].due) {
			idx = i
		}
	}

	if idx < 0 {
		return nil, nil
	}

	e := entries[idx]
	q.waiting[name] = append(entries[:idx:idx], entries[idx+1:]...)
	q.leases[name+"/"+e.job.ID] = &leased{job: e.job, until: now.Add(lease)}

	j := *e.job
	return &j, nil
}

// recover returns jobs with expired leases to their queue.
func (q *Queue) recover(now time.Time) {
	keys := make([]string, 0)
	for key, l := range q.leases {
		if l.until.Before(now) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	for _, key := range keys {
		l := q.leases[key]
		delete(q.leases, key)
		q.waiting[l.job.Queue] = append(q.waiting[l.job.Queue], &entry{job: l.job, due: now})
	}
}

func (q *Queue) Extend(_ context.Context, job *queue.Job, lease time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.leases[job.Queue+"/"+job.ID]
	if !ok {
		return ErrJobNotLeased
	}

	l.until = q.clock.Now().Add(lease)

	return nil
}

func (q *Queue) Complete(_ context.Context, job *queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := job.Queue + "/" + job.ID
	if _, ok := q.leases[key]; !ok {
		return ErrJobNotLeased
	}

	delete(q.leases, key)
	delete(q.ids, key)

	return nil
}

func (q *Queue) Retry(_ context.Context, job *queue.Job, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := job.Queue + "/" + job.ID
	l, ok := q.leases[key]
	if !ok {
		return ErrJobNotLeased
	}

	delete(q.leases, key)

	retry := *l.job
	retry.AttemptsMade++
	q.waiting[job.Queue] = append(q.waiting[job.Queue], &entry{job: &retry, due: q.clock.Now().Add(delay)})

	return nil
}

// Len returns the number of waiting and leased jobs of a queue.
func (q *Queue) Len(name string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.waiting[name])
	for _, l := range q.leases {
		if l.job.Queue == name {
			n++
		}
	}

	return n
}

func (q *Queue) Close() error {
	return nil
}
