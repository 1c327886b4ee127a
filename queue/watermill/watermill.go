// Package watermill runs the engine queues over any Watermill pub/sub, e.g. Kafka in production
// and GoChannel in tests.
//
// Brokers have no delayed delivery. Delayed jobs are held in process until they are due, so they
// are lost if the process stops. The sweeper re-enqueues affected tasks.
package watermill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/benbjohnson/clock"
	"github.com/tallybook/flowengine/log"
	"github.com/tallybook/flowengine/queue"
)

var ErrJobNotLeased = errors.New("job is not leased")

const jobIDMetadataKey = "job_id"

type Options struct {
	// TopicPrefix is prepended to queue names. Defaults to "flowengine.".
	TopicPrefix string

	// Queues are subscribed to when the queue is created. Defaults to the engine queues.
	Queues []string

	Clock clock.Clock

	Logger *slog.Logger
}

type Queue struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	options    Options

	ctx    context.Context
	cancel context.CancelFunc

	messages map[string]<-chan *message.Message

	mu       sync.Mutex
	inflight map[string]*message.Message
	timers   map[string]*clock.Timer
}

var _ queue.Queue = (*Queue)(nil)

func New(publisher message.Publisher, subscriber message.Subscriber, options Options) (*Queue, error) {
	if options.TopicPrefix == "" {
		options.TopicPrefix = "flowengine."
	}

	if len(options.Queues) == 0 {
		options.Queues = []string{queue.OrchestratorQueue, queue.TaskQueue}
	}

	if options.Clock == nil {
		options.Clock = clock.New()
	}

	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	q := &Queue{
		publisher:  publisher,
		subscriber: subscriber,
		options:    options,
		ctx:        ctx,
		cancel:     cancel,
		messages:   map[string]<-chan *message.Message{},
		inflight:   map[string]*message.Message{},
		timers:     map[string]*clock.Timer{},
	}

	for _, name := range options.Queues {
		ch, err := subscriber.Subscribe(ctx, q.topic(name))
		if err != nil {
			cancel()
			return nil, fmt.Errorf("subscribing to queue %s: %w", name, err)
		}

		q.messages[name] = ch
	}

	return q, nil
}

func (q *Queue) topic(name string) string {
	return q.options.TopicPrefix + name
}

func (q *Queue) Enqueue(_ context.Context, name string, data any, opts ...queue.EnqueueOption) error {
	job, o, err := queue.NewJob(q.options.Clock.Now(), name, data, opts...)
	if err != nil {
		return err
	}

	return q.publish(job, o.Delay)
}

func (q *Queue) publish(job *queue.Job, delay time.Duration) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}

	msg := message.NewMessage(job.ID, payload)
	msg.Metadata.Set(jobIDMetadataKey, job.ID)

	if delay <= 0 {
		if err := q.publisher.Publish(q.topic(job.Queue), msg); err != nil {
			return fmt.Errorf("publishing job: %w", err)
		}

		return nil
	}

	key := job.Queue + "/" + job.ID

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.timers[key]; ok {
		return nil
	}

	q.timers[key] = q.options.Clock.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, key)
		q.mu.Unlock()

		if err := q.publisher.Publish(q.topic(job.Queue), msg); err != nil {
			q.options.Logger.Error("could not publish delayed job",
				log.QueueKey, job.Queue, log.JobIDKey, job.ID, "error", err)
		}
	})

	return nil
}

func (q *Queue) Dequeue(ctx context.Context, name string, _ time.Duration) (*queue.Job, error) {
	ch, ok := q.messages[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", queue.ErrUnknownQueue, name)
	}

	var msg *message.Message
	select {
	case msg, ok = <-ch:
		if !ok {
			return nil, errors.New("subscription closed")
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return nil, nil
	}

	var job queue.Job
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		// Redelivering a message that cannot be decoded does not help
		msg.Ack()
		return nil, fmt.Errorf("decoding message %s: %w", msg.UUID, err)
	}

	q.mu.Lock()
	q.inflight[name+"/"+job.ID] = msg
	q.mu.Unlock()

	return &job, nil
}

// Extend is a no-op, the broker keeps unacknowledged messages until they are acked.
func (q *Queue) Extend(_ context.Context, job *queue.Job, _ time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inflight[job.Queue+"/"+job.ID]; !ok {
		return ErrJobNotLeased
	}

	return nil
}

func (q *Queue) take(job *queue.Job) (*message.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := job.Queue + "/" + job.ID
	msg, ok := q.inflight[key]
	if !ok {
		return nil, ErrJobNotLeased
	}

	delete(q.inflight, key)

	return msg, nil
}

func (q *Queue) Complete(_ context.Context, job *queue.Job) error {
	msg, err := q.take(job)
	if err != nil {
		return err
	}

	msg.Ack()

	return nil
}

// Retry publishes the job again with the attempt counted and acknowledges the current delivery.
func (q *Queue) Retry(_ context.Context, job *queue.Job, delay time.Duration) error {
	msg, err := q.take(job)
	if err != nil {
		return err
	}

	retry := *job
	retry.AttemptsMade++

	if err := q.publish(&retry, delay); err != nil {
		msg.Nack()
		return err
	}

	msg.Ack()

	return nil
}

func (q *Queue) Close() error {
	q.mu.Lock()
	for key, t := range q.timers {
		t.Stop()
		delete(q.timers, key)
	}
	q.mu.Unlock()

	q.cancel()

	return errors.Join(q.publisher.Close(), q.subscriber.Close())
}
