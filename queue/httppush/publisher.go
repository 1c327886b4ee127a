package httppush

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/tallybook/flowengine/queue"
)

type PublisherOptions struct {
	// URL is the publish endpoint of the scheduler. The destination URL is appended.
	URL string

	Token string

	// Destinations maps queue names to the URLs the scheduler delivers jobs to.
	Destinations map[string]string

	// Secret is forwarded to the receiver in the secret header.
	Secret string

	Client *http.Client

	Clock clock.Clock
}

// Publisher enqueues jobs by handing them to the scheduler.
type Publisher struct {
	options PublisherOptions
}

var _ queue.Enqueuer = (*Publisher)(nil)

func NewPublisher(options PublisherOptions) *Publisher {
	if options.Client == nil {
		options.Client = &http.Client{Timeout: 10 * time.Second}
	}

	if options.Clock == nil {
		options.Clock = clock.New()
	}

	return &Publisher{options: options}
}

func (p *Publisher) Enqueue(ctx context.Context, name string, data any, opts ...queue.EnqueueOption) error {
	destination, ok := p.options.Destinations[name]
	if !ok {
		return fmt.Errorf("%w: %s", queue.ErrUnknownQueue, name)
	}

	job, o, err := queue.NewJob(p.options.Clock.Now(), name, data, opts...)
	if err != nil {
		return err
	}

	body, err := json.Marshal(&Envelope{
		Data:        job.Data,
		JobID:       job.ID,
		EnqueuedAt:  job.Timestamp.UnixMilli(),
		MaxAttempts: job.MaxAttempts,
		Trace:       job.Trace,
	})
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(p.options.URL, "/")+"/"+destination, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating publish request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(deduplicationIDHeader, job.ID)

	if p.options.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.options.Token)
	}

	if p.options.Secret != "" {
		req.Header.Set(forwardPrefix+SecretHeader, p.options.Secret)
	}

	if o.Delay > 0 {
		req.Header.Set(delayHeader, strconv.FormatInt(int64(o.Delay.Round(time.Second)/time.Second), 10)+"s")
	}

	if job.MaxAttempts > 0 {
		// The scheduler counts retries after the first delivery
		req.Header.Set(retriesHeader, strconv.Itoa(job.MaxAttempts-1))
	}

	resp, err := p.options.Client.Do(req)
	if err != nil {
		return fmt.Errorf("publishing job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("publishing job: scheduler returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	return nil
}
