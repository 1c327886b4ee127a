package sqlbackend

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tallybook/flowengine/backend"
	"github.com/tallybook/flowengine/core"
)

// bumpUpdatedAt moves the version stamp forward even if the clock did not. Takes the current
// time twice.
const bumpUpdatedAt = "updated_at = CASE WHEN updated_at < ? THEN ? ELSE updated_at + 1 END"

const notTerminal = "status NOT IN ('COMPLETED', 'FAILED', 'CANCELLED')"

func (b *Backend) CreateInstance(ctx context.Context, instance *core.Instance, events ...*core.Event) error {
	now := b.now()
	if instance.CreatedAt.IsZero() {
		instance.CreatedAt = now
	}
	instance.UpdatedAt = now

	if len(instance.Context) == 0 {
		instance.Context = json.RawMessage("{}")
	}

	return b.inTx(ctx, func(tx *sql.Tx) error {
		n, err := b.exec(ctx, tx,
			b.insertIgnore("instances", instanceColumns, 12),
			instance.ID, instance.TenantID, instance.DefinitionID, nullString(instance.BusinessKey),
			string(instance.Status), instance.CurrentState, nullJSON(instance.Context), nullJSON(instance.LastError),
			nullMicros(instance.StartedAt), nullMicros(instance.CompletedAt),
			micros(instance.CreatedAt), micros(instance.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("inserting instance: %w", err)
		}

		if n != 1 {
			return backend.ErrInstanceAlreadyExists
		}

		return b.insertEvents(ctx, tx, events)
	})
}

func (b *Backend) GetInstance(ctx context.Context, tenantID, id string) (*core.Instance, error) {
	return b.getInstance(ctx, b.db, tenantID, id)
}

func (b *Backend) getInstance(ctx context.Context, e execer, tenantID, id string) (*core.Instance, error) {
	row := b.queryRow(ctx, e,
		"SELECT "+instanceColumns+" FROM instances WHERE tenant_id = ? AND id = ?", tenantID, id)

	i, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, backend.ErrInstanceNotFound
		}

		return nil, fmt.Errorf("getting instance: %w", err)
	}

	return i, nil
}

func (b *Backend) FindInstanceByBusinessKey(ctx context.Context, tenantID, businessKey string) (*core.Instance, error) {
	row := b.queryRow(ctx, b.db,
		"SELECT "+instanceColumns+" FROM instances WHERE tenant_id = ? AND business_key = ?", tenantID, businessKey)

	i, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, backend.ErrInstanceNotFound
		}

		return nil, fmt.Errorf("finding instance: %w", err)
	}

	return i, nil
}

func (b *Backend) ListInstances(ctx context.Context, tenantID string, opts ...backend.ListOption) ([]*core.Instance, error) {
	o := backend.ApplyListOptions(opts...)

	where := []string{"tenant_id = ?"}
	args := []any{tenantID}

	if o.DefinitionID != "" {
		where = append(where, "definition_id = ?")
		args = append(args, o.DefinitionID)
	}

	if o.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(o.Status))
	}

	args = append(args, o.Limit, o.Offset)

	rows, err := b.query(ctx, b.db,
		"SELECT "+instanceColumns+" FROM instances WHERE "+strings.Join(where, " AND ")+" ORDER BY created_at DESC, id LIMIT ? OFFSET ?",
		args...)
	if err != nil {
		return nil, fmt.Errorf("listing instances: %w", err)
	}

	return collect(rows, scanInstance)
}

func (b *Backend) UpdateInstanceStatus(
	ctx context.Context, tenantID, id string, status core.InstanceStatus, lastError json.RawMessage, events ...*core.Event,
) error {
	return b.inTx(ctx, func(tx *sql.Tx) error {
		if err := b.setInstanceStatus(ctx, tx, tenantID, id, status, lastError); err != nil {
			return err
		}

		return b.insertEvents(ctx, tx, events)
	})
}

func (b *Backend) setInstanceStatus(ctx context.Context, tx *sql.Tx, tenantID, id string, status core.InstanceStatus, lastError json.RawMessage) error {
	now := micros(b.now())

	var completedAt sql.NullInt64
	if status.Terminal() {
		completedAt = sql.NullInt64{Int64: now, Valid: true}
	}

	n, err := b.exec(ctx, tx,
		"UPDATE instances SET status = ?, last_error = COALESCE(?, last_error), completed_at = COALESCE(completed_at, ?), "+bumpUpdatedAt+
			" WHERE tenant_id = ? AND id = ? AND "+notTerminal,
		string(status), nullJSON(lastError), completedAt, now, now, tenantID, id,
	)
	if err != nil {
		return fmt.Errorf("updating instance status: %w", err)
	}

	if n == 0 {
		if _, err := b.getInstance(ctx, tx, tenantID, id); err != nil {
			return err
		}

		return backend.ErrInstanceTerminal
	}

	return nil
}

func (b *Backend) AdvanceInstance(ctx context.Context, a *backend.Advance) ([]*core.Task, error) {
	now := b.now()

	// The new stamp has to differ from the expected one, even if the clock did not move
	updatedAt := now
	if !updatedAt.After(a.ExpectedUpdatedAt) {
		updatedAt = a.ExpectedUpdatedAt.Add(time.Microsecond)
	}

	var startedAt, completedAt sql.NullInt64
	if a.Status != core.InstanceStatusPending {
		startedAt = sql.NullInt64{Int64: micros(now), Valid: true}
	}

	if a.Status.Terminal() {
		completedAt = sql.NullInt64{Int64: micros(now), Valid: true}
	}

	var created []*core.Task

	err := b.inTx(ctx, func(tx *sql.Tx) error {
		n, err := b.exec(ctx, tx,
			"UPDATE instances SET status = ?, current_state = ?, context = ?, started_at = COALESCE(started_at, ?), completed_at = COALESCE(completed_at, ?), updated_at = ?"+
				" WHERE tenant_id = ? AND id = ? AND updated_at = ?",
			string(a.Status), a.CurrentState, nullJSON(a.Context), startedAt, completedAt, micros(updatedAt),
			a.TenantID, a.InstanceID, micros(a.ExpectedUpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("updating instance: %w", err)
		}

		if n != 1 {
			return backend.ErrInstanceConflict
		}

		events := a.Events
		for _, t := range a.Tasks {
			inserted, err := b.insertTask(ctx, tx, t, now)
			if err != nil {
				return err
			}

			if !inserted {
				continue
			}

			created = append(created, t)

			e, err := core.NewTaskEvent(now, t, core.EventTypeTaskCreated, core.TaskEventPayload{})
			if err != nil {
				return err
			}

			events = append(events, e)
		}

		return b.insertEvents(ctx, tx, events)
	})
	if err != nil {
		return nil, err
	}

	return created, nil
}

func (b *Backend) CancelInstance(ctx context.Context, tenantID, id string, reason json.RawMessage) error {
	return b.inTx(ctx, func(tx *sql.Tx) error {
		if err := b.setInstanceStatus(ctx, tx, tenantID, id, core.InstanceStatusCancelled, reason); err != nil {
			return err
		}

		now := b.now()

		rows, err := b.query(ctx, tx,
			"SELECT "+taskColumns+" FROM tasks WHERE tenant_id = ? AND instance_id = ? AND status = 'PENDING'", tenantID, id)
		if err != nil {
			return fmt.Errorf("listing pending tasks: %w", err)
		}

		pending, err := collect(rows, scanTask)
		if err != nil {
			return fmt.Errorf("listing pending tasks: %w", err)
		}

		var events []*core.Event
		for _, t := range pending {
			n, err := b.exec(ctx, tx,
				"UPDATE tasks SET status = 'CANCELLED', completed_at = ?, updated_at = ? WHERE tenant_id = ? AND id = ? AND status = 'PENDING'",
				micros(now), micros(now), tenantID, t.ID)
			if err != nil {
				return fmt.Errorf("cancelling task: %w", err)
			}

			if n == 0 {
				continue
			}

			e, err := core.NewTaskEvent(now, t, core.EventTypeTaskCancelled, core.TaskEventPayload{Error: reason})
			if err != nil {
				return err
			}

			events = append(events, e)
		}

		var payload any
		if len(reason) > 0 {
			payload = reason
		}

		e, err := core.NewEvent(now, tenantID, id, core.EventTypeInstanceCancelled, payload)
		if err != nil {
			return err
		}

		return b.insertEvents(ctx, tx, append(events, e))
	})
}
