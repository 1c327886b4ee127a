// Package httppush adapts an external scheduler that delivers jobs as HTTP requests. Provider
// specific header names do not leave this package.
package httppush

import (
	"encoding/json"
)

// Headers of the scheduler protocol.
const (
	SecretHeader = "x-queue-secret"

	retriedHeader         = "Upstash-Retried"
	retriesHeader         = "Upstash-Retries"
	delayHeader           = "Upstash-Delay"
	deduplicationIDHeader = "Upstash-Deduplication-Id"
	forwardPrefix         = "Upstash-Forward-"
)

// Envelope is the request body posted by the scheduler for every delivery.
type Envelope struct {
	Data  json.RawMessage `json:"data" validate:"required"`
	JobID string          `json:"jobId" validate:"required"`

	// EnqueuedAt is the enqueue time in unix milliseconds.
	EnqueuedAt  int64 `json:"enqueuedAt,omitempty" validate:"gte=0"`
	MaxAttempts int   `json:"maxAttempts,omitempty" validate:"gte=0"`

	Trace map[string]string `json:"trace,omitempty"`
}
