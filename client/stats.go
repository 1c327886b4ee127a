package client

import (
	"context"

	"github.com/tallybook/flowengine/backend"
	"github.com/tallybook/flowengine/core"
)

func (c *Client) GetStats(ctx context.Context) (*backend.Stats, error) {
	return c.backend.GetStats(ctx)
}

// ListInstances returns the tenant's instances, newest first.
func (c *Client) ListInstances(ctx context.Context, tenantID string, opts ...backend.ListOption) ([]*core.Instance, error) {
	return c.backend.ListInstances(ctx, tenantID, opts...)
}
