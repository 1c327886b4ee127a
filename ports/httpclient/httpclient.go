// Package httpclient implements ports.HTTP on net/http.
package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tallybook/flowengine/ports"
)

const (
	DefaultTimeout = 30 * time.Second

	// maxBodySize limits how much of a response is kept.
	maxBodySize = 1 << 20
)

type client struct {
	c *http.Client
}

// New returns an HTTP port. A nil client uses a default client without a global timeout;
// every request is bounded by its own timeout instead.
func New(c *http.Client) ports.HTTP {
	if c == nil {
		c = &http.Client{}
	}

	return &client{c: c}
}

func (c *client) Request(ctx context.Context, r ports.HTTPRequest) (*ports.HTTPResponse, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := strings.ToUpper(r.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.URL, body)
	if err != nil {
		return nil, fmt.Errorf("creating http request: %w", err)
	}

	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}

	if len(r.Body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.c.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return &ports.HTTPResponse{
		Status:  resp.StatusCode,
		Body:    string(b),
		Headers: headers,
	}, nil
}
