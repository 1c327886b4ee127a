package sqlbackend

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tallybook/flowengine/backend"
	"github.com/tallybook/flowengine/core"
)

// insertTask inserts the task unless its idempotency key is already taken for the tenant.
func (b *Backend) insertTask(ctx context.Context, tx *sql.Tx, t *core.Task, now time.Time) (bool, error) {
	t.Status = core.TaskStatusPending
	t.CreatedAt = now
	t.UpdatedAt = now

	n, err := b.exec(ctx, tx,
		b.insertIgnore("tasks", taskColumns, 21),
		t.ID, t.TenantID, t.InstanceID, t.Name, string(t.Type), string(t.Status), nullMicros(t.RunAt),
		t.Attempts, t.MaxAttempts, nullString(t.IdempotencyKey), t.CompletionEvent, nullString(t.LockedBy),
		nullMicros(t.LockedAt), nullJSON(t.Input), nullJSON(t.Output), nullJSON(t.Error), nullString(t.TraceID),
		micros(t.CreatedAt), micros(t.UpdatedAt), nullMicros(t.StartedAt), nullMicros(t.CompletedAt),
	)
	if err != nil {
		return false, fmt.Errorf("inserting task %q: %w", t.Name, err)
	}

	return n == 1, nil
}

func (b *Backend) GetTask(ctx context.Context, tenantID, id string) (*core.Task, error) {
	return b.getTask(ctx, b.db, tenantID, id)
}

func (b *Backend) getTask(ctx context.Context, e execer, tenantID, id string) (*core.Task, error) {
	row := b.queryRow(ctx, e, "SELECT "+taskColumns+" FROM tasks WHERE tenant_id = ? AND id = ?", tenantID, id)

	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, backend.ErrTaskNotFound
		}

		return nil, fmt.Errorf("getting task: %w", err)
	}

	return t, nil
}

func (b *Backend) ClaimTask(ctx context.Context, tenantID, id, workerName string) (*core.Task, error) {
	now := b.now()
	staleBefore := now.Add(-b.options.LockTimeout)

	var task *core.Task

	err := b.inTx(ctx, func(tx *sql.Tx) error {
		n, err := b.exec(ctx, tx,
			`UPDATE tasks SET status = 'RUNNING', attempts = attempts + 1, locked_by = ?, locked_at = ?, started_at = ?, updated_at = ?
			WHERE tenant_id = ? AND id = ? AND status = 'PENDING'
				AND (run_at IS NULL OR run_at <= ?)
				AND (locked_at IS NULL OR locked_at < ?)`,
			workerName, micros(now), micros(now), micros(now),
			tenantID, id,
			micros(now),
			micros(staleBefore),
		)
		if err != nil {
			return fmt.Errorf("claiming task: %w", err)
		}

		if n == 0 {
			return nil
		}

		task, err = b.getTask(ctx, tx, tenantID, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	return task, nil
}

func (b *Backend) CompleteTask(ctx context.Context, c *backend.TaskCompletion) error {
	now := micros(b.now())

	query := "UPDATE tasks SET status = 'SUCCEEDED', output = ?, locked_by = NULL, locked_at = NULL, completed_at = ?, updated_at = ? WHERE tenant_id = ? AND id = ? AND status = ?"
	args := []any{nullJSON(c.Output), now, now, c.TenantID, c.TaskID, string(c.ExpectedStatus)}

	if c.LockedBy != "" {
		query += " AND locked_by = ?"
		args = append(args, c.LockedBy)
	}

	return b.inTx(ctx, func(tx *sql.Tx) error {
		n, err := b.exec(ctx, tx, query, args...)
		if err != nil {
			return fmt.Errorf("completing task: %w", err)
		}

		if n == 0 {
			if _, err := b.getTask(ctx, tx, c.TenantID, c.TaskID); err != nil {
				return err
			}

			return backend.ErrTaskNotLocked
		}

		return b.insertEvents(ctx, tx, c.Events)
	})
}

func (b *Backend) FailTask(ctx context.Context, f *backend.TaskFailure) error {
	now := micros(b.now())

	return b.inTx(ctx, func(tx *sql.Tx) error {
		task, err := b.getTask(ctx, tx, f.TenantID, f.TaskID)
		if err != nil {
			return err
		}

		var n int64
		if f.Retry {
			n, err = b.exec(ctx, tx,
				"UPDATE tasks SET status = 'PENDING', error = ?, locked_by = NULL, locked_at = NULL, updated_at = ? WHERE tenant_id = ? AND id = ? AND status = 'RUNNING' AND locked_by = ?",
				nullJSON(f.Error), now, f.TenantID, f.TaskID, f.LockedBy)
		} else {
			n, err = b.exec(ctx, tx,
				"UPDATE tasks SET status = 'FAILED', error = ?, locked_by = NULL, locked_at = NULL, completed_at = ?, updated_at = ? WHERE tenant_id = ? AND id = ? AND status = 'RUNNING' AND locked_by = ?",
				nullJSON(f.Error), now, now, f.TenantID, f.TaskID, f.LockedBy)
		}
		if err != nil {
			return fmt.Errorf("failing task: %w", err)
		}

		if n == 0 {
			return backend.ErrTaskNotLocked
		}

		if f.FailInstance && !f.Retry {
			err := b.setInstanceStatus(ctx, tx, f.TenantID, task.InstanceID, core.InstanceStatusFailed, f.Error)
			if err != nil && !errors.Is(err, backend.ErrInstanceTerminal) {
				return err
			}
		}

		return b.insertEvents(ctx, tx, f.Events)
	})
}

func (b *Backend) CancelTask(ctx context.Context, tenantID, id string, reason json.RawMessage) error {
	now := b.now()

	return b.inTx(ctx, func(tx *sql.Tx) error {
		task, err := b.getTask(ctx, tx, tenantID, id)
		if err != nil {
			return err
		}

		n, err := b.exec(ctx, tx,
			"UPDATE tasks SET status = 'CANCELLED', locked_by = NULL, locked_at = NULL, completed_at = ?, updated_at = ? WHERE tenant_id = ? AND id = ? AND status IN ('PENDING', 'RUNNING')",
			micros(now), micros(now), tenantID, id)
		if err != nil {
			return fmt.Errorf("cancelling task: %w", err)
		}

		if n == 0 {
			return backend.ErrTaskNotLocked
		}

		e, err := core.NewTaskEvent(now, task, core.EventTypeTaskCancelled, core.TaskEventPayload{Error: reason})
		if err != nil {
			return err
		}

		return b.insertEvents(ctx, tx, []*core.Event{e})
	})
}

func (b *Backend) ListTasksByInstance(ctx context.Context, tenantID, instanceID string) ([]*core.Task, error) {
	rows, err := b.query(ctx, b.db,
		"SELECT "+taskColumns+" FROM tasks WHERE tenant_id = ? AND instance_id = ? ORDER BY created_at, id", tenantID, instanceID)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}

	return collect(rows, scanTask)
}

func (b *Backend) ListTasksByTrace(ctx context.Context, tenantID, traceID string) ([]*core.Task, error) {
	rows, err := b.query(ctx, b.db,
		"SELECT "+taskColumns+" FROM tasks WHERE tenant_id = ? AND trace_id = ? ORDER BY created_at, id", tenantID, traceID)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}

	return collect(rows, scanTask)
}

func (b *Backend) ReleaseStaleTasks(ctx context.Context, lockedBefore time.Time, limit int) ([]*core.Task, error) {
	now := b.now()

	var released []*core.Task

	err := b.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := b.query(ctx, tx,
			"SELECT "+taskColumns+" FROM tasks WHERE status = 'RUNNING' AND locked_at < ? ORDER BY locked_at LIMIT ?",
			micros(lockedBefore), limit)
		if err != nil {
			return fmt.Errorf("finding stale tasks: %w", err)
		}

		stale, err := collect(rows, scanTask)
		if err != nil {
			return fmt.Errorf("finding stale tasks: %w", err)
		}

		var events []*core.Event
		for _, t := range stale {
			n, err := b.exec(ctx, tx,
				"UPDATE tasks SET status = 'PENDING', locked_by = NULL, locked_at = NULL, updated_at = ? WHERE tenant_id = ? AND id = ? AND status = 'RUNNING' AND locked_at = ?",
				micros(now), t.TenantID, t.ID, nullMicros(t.LockedAt))
			if err != nil {
				return fmt.Errorf("releasing task: %w", err)
			}

			if n == 0 {
				continue
			}

			e, err := core.NewTaskEvent(now, t, core.EventTypeTaskLockExpired, core.TaskEventPayload{})
			if err != nil {
				return err
			}

			events = append(events, e)

			t.Status = core.TaskStatusPending
			t.LockedBy = ""
			t.LockedAt = nil
			t.UpdatedAt = now
			released = append(released, t)
		}

		return b.insertEvents(ctx, tx, events)
	})
	if err != nil {
		return nil, err
	}

	return released, nil
}

func (b *Backend) ListRunnableTasks(ctx context.Context, now, untouchedSince time.Time, limit int) ([]*core.Task, error) {
	rows, err := b.query(ctx, b.db,
		"SELECT "+taskColumns+" FROM tasks WHERE status = 'PENDING' AND type <> 'HUMAN' AND (run_at IS NULL OR run_at <= ?) AND updated_at < ? ORDER BY created_at LIMIT ?",
		micros(now), micros(untouchedSince), limit)
	if err != nil {
		return nil, fmt.Errorf("listing runnable tasks: %w", err)
	}

	return collect(rows, scanTask)
}
