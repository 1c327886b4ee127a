package sqlbackend

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tallybook/flowengine/core"
)

func (b *Backend) AppendEvents(ctx context.Context, events ...*core.Event) error {
	if len(events) == 0 {
		return nil
	}

	return b.inTx(ctx, func(tx *sql.Tx) error {
		return b.insertEvents(ctx, tx, events)
	})
}

func (b *Backend) insertEvents(ctx context.Context, tx *sql.Tx, events []*core.Event) error {
	for _, e := range events {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = b.now()
		}

		if _, err := b.exec(ctx, tx,
			"INSERT INTO events (tenant_id, instance_id, type, payload, created_at) VALUES (?, ?, ?, ?, ?)",
			e.TenantID, e.InstanceID, string(e.Type), nullJSON(e.Payload), micros(e.CreatedAt),
		); err != nil {
			return fmt.Errorf("inserting %s event: %w", e.Type, err)
		}
	}

	return nil
}

func (b *Backend) ListEvents(ctx context.Context, tenantID, instanceID string, afterID int64) ([]*core.Event, error) {
	rows, err := b.query(ctx, b.db,
		"SELECT "+eventColumns+" FROM events WHERE tenant_id = ? AND instance_id = ? AND id > ? ORDER BY id",
		tenantID, instanceID, afterID)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}

	return collect(rows, scanEvent)
}
