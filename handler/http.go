package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tallybook/flowengine/core"
	"github.com/tallybook/flowengine/ports"
)

type httpInput struct {
	Method    string            `json:"method" validate:"omitempty,alpha"`
	URL       string            `json:"url" validate:"required,url"`
	Headers   map[string]string `json:"headers"`
	Body      any               `json:"body"`
	TimeoutMs int               `json:"timeoutMs" validate:"gte=0"`
}

type httpHandler struct{}

// NewHTTPHandler returns a handler calling an HTTP endpoint. Responses with a status of
// 200-399 succeed.
func NewHTTPHandler() Handler {
	return &httpHandler{}
}

func (*httpHandler) Type() core.TaskType {
	return core.TaskTypeHTTP
}

func (*httpHandler) Execute(ctx context.Context, _ *core.Task, input map[string]any, p *ports.Ports) (*Result, error) {
	if p.HTTP == nil {
		return nil, errors.New("no http port configured")
	}

	var in httpInput
	if err := decodeInput(input, &in); err != nil {
		return failedf("%v", err), nil
	}

	in.Method = strings.ToUpper(in.Method)

	var body []byte
	switch b := in.Body.(type) {
	case nil:
	case string:
		body = []byte(b)
	default:
		var err error
		body, err = json.Marshal(b)
		if err != nil {
			return failedf("encoding body: %v", err), nil
		}
	}

	resp, err := p.HTTP.Request(ctx, ports.HTTPRequest{
		Method:  in.Method,
		URL:     in.URL,
		Headers: in.Headers,
		Body:    body,
		Timeout: time.Duration(in.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", in.URL, err)
	}

	if resp.Status < 200 || resp.Status > 399 {
		return Failed(map[string]any{
			"status": resp.Status,
			"body":   responseBody(resp.Body),
		}), nil
	}

	return Succeeded(map[string]any{
		"status":  resp.Status,
		"body":    responseBody(resp.Body),
		"headers": resp.Headers,
	}), nil
}

// responseBody decodes JSON bodies and keeps anything else as a string.
func responseBody(body string) any {
	var v any
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return body
	}

	return v
}
