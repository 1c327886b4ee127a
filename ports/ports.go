// Package ports defines the narrow capabilities task handlers use to affect the outside world.
package ports

import (
	"context"
	"encoding/json"
	"time"

	"github.com/benbjohnson/clock"
)

type HTTPRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`

	// Timeout bounds the whole request. Zero uses the implementation default.
	Timeout time.Duration `json:"timeout,omitempty"`
}

type HTTPResponse struct {
	Status  int               `json:"status"`
	Body    string            `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type HTTP interface {
	Request(ctx context.Context, req HTTPRequest) (*HTTPResponse, error)
}

type EmailMessage struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html,omitempty"`
	Text    string   `json:"text,omitempty"`
	From    string   `json:"from,omitempty"`
	ReplyTo string   `json:"replyTo,omitempty"`
}

type EmailResult struct {
	MessageID string `json:"messageId,omitempty"`
}

type Email interface {
	Send(ctx context.Context, msg EmailMessage) (*EmailResult, error)
}

type CompletionRequest struct {
	Prompt      string            `json:"prompt"`
	Model       string            `json:"model,omitempty"`
	Temperature *float32          `json:"temperature,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type CompletionResult struct {
	Output string `json:"output"`

	// DecisionEvent is the machine event the model proposes. Empty if none.
	DecisionEvent string `json:"decisionEvent,omitempty"`

	Raw json.RawMessage `json:"raw,omitempty"`
}

type LLM interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error)
}

// Ports bundles the capabilities available to a task handler. Any port except Clock may be
// nil if the deployment does not provide it.
type Ports struct {
	Clock clock.Clock
	HTTP  HTTP
	Email Email
	LLM   LLM
}
