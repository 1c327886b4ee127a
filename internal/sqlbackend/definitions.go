package sqlbackend

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/tallybook/flowengine/backend"
	"github.com/tallybook/flowengine/core"
)

func (b *Backend) CreateDefinition(ctx context.Context, def *core.Definition) error {
	spec, err := json.Marshal(def.Spec)
	if err != nil {
		return fmt.Errorf("encoding specification: %w", err)
	}

	if def.ID == "" {
		def.ID = uuid.NewString()
	}

	if def.Status == "" {
		def.Status = core.DefinitionStatusActive
	}

	if def.CreatedAt.IsZero() {
		def.CreatedAt = b.now()
	}

	return b.inTx(ctx, func(tx *sql.Tx) error {
		if def.Version == 0 {
			row := b.queryRow(ctx, tx,
				"SELECT COALESCE(MAX(version), 0) FROM definitions WHERE tenant_id = ? AND def_key = ?",
				def.TenantID, def.Key)
			if err := row.Scan(&def.Version); err != nil {
				return fmt.Errorf("finding latest definition version: %w", err)
			}

			def.Version++
		}

		n, err := b.exec(ctx, tx,
			b.insertIgnore("definitions", definitionColumns, 7),
			def.ID, def.TenantID, def.Key, def.Version, string(def.Status), string(spec), micros(def.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("inserting definition: %w", err)
		}

		if n != 1 {
			return backend.ErrDefinitionAlreadyExists
		}

		return nil
	})
}

func (b *Backend) GetDefinition(ctx context.Context, tenantID, id string) (*core.Definition, error) {
	row := b.queryRow(ctx, b.db,
		"SELECT "+definitionColumns+" FROM definitions WHERE tenant_id = ? AND id = ?", tenantID, id)

	d, err := scanDefinition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, backend.ErrDefinitionNotFound
		}

		return nil, fmt.Errorf("getting definition: %w", err)
	}

	return d, nil
}

func (b *Backend) FindDefinition(ctx context.Context, tenantID, key string, version int) (*core.Definition, error) {
	var row *sql.Row
	if version == 0 {
		row = b.queryRow(ctx, b.db,
			"SELECT "+definitionColumns+" FROM definitions WHERE tenant_id = ? AND def_key = ? AND status = 'ACTIVE' ORDER BY version DESC LIMIT 1",
			tenantID, key)
	} else {
		row = b.queryRow(ctx, b.db,
			"SELECT "+definitionColumns+" FROM definitions WHERE tenant_id = ? AND def_key = ? AND version = ?",
			tenantID, key, version)
	}

	d, err := scanDefinition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, backend.ErrDefinitionNotFound
		}

		return nil, fmt.Errorf("finding definition: %w", err)
	}

	return d, nil
}

func (b *Backend) ListDefinitions(ctx context.Context, tenantID, key string) ([]*core.Definition, error) {
	var (
		rows *sql.Rows
		err  error
	)

	if key == "" {
		rows, err = b.query(ctx, b.db,
			"SELECT "+definitionColumns+" FROM definitions WHERE tenant_id = ? ORDER BY def_key, version", tenantID)
	} else {
		rows, err = b.query(ctx, b.db,
			"SELECT "+definitionColumns+" FROM definitions WHERE tenant_id = ? AND def_key = ? ORDER BY version", tenantID, key)
	}
	if err != nil {
		return nil, fmt.Errorf("listing definitions: %w", err)
	}

	return collect(rows, scanDefinition)
}

func (b *Backend) UpdateDefinitionStatus(ctx context.Context, tenantID, id string, status core.DefinitionStatus) error {
	n, err := b.exec(ctx, b.db,
		"UPDATE definitions SET status = ? WHERE tenant_id = ? AND id = ?", string(status), tenantID, id)
	if err != nil {
		return fmt.Errorf("updating definition status: %w", err)
	}

	if n == 0 {
		// MySQL reports zero affected rows if the status did not change
		if _, err := b.GetDefinition(ctx, tenantID, id); err != nil {
			return err
		}
	}

	return nil
}
