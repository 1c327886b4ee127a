package sqlbackend

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/tallybook/flowengine/core"
)

type scanner interface {
	Scan(dest ...any) error
}

func micros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func nullMicros(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: micros(*t), Valid: true}
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

func fromNullMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}

	t := fromMicros(v.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullJSON(b json.RawMessage) sql.NullString {
	return sql.NullString{String: string(b), Valid: len(b) > 0}
}

func fromNullJSON(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return nil
	}

	return json.RawMessage(s.String)
}

const definitionColumns = "id, tenant_id, def_key, version, status, spec, created_at"

func scanDefinition(s scanner) (*core.Definition, error) {
	var (
		d         core.Definition
		spec      string
		createdAt int64
	)

	if err := s.Scan(&d.ID, &d.TenantID, &d.Key, &d.Version, &d.Status, &spec, &createdAt); err != nil {
		return nil, err
	}

	d.Spec = &core.MachineSpec{}
	if err := json.Unmarshal([]byte(spec), d.Spec); err != nil {
		return nil, err
	}

	d.CreatedAt = fromMicros(createdAt)

	return &d, nil
}

const instanceColumns = "id, tenant_id, definition_id, business_key, status, current_state, context, last_error, started_at, completed_at, created_at, updated_at"

func scanInstance(s scanner) (*core.Instance, error) {
	var (
		i                      core.Instance
		businessKey            sql.NullString
		context, lastError     sql.NullString
		startedAt, completedAt sql.NullInt64
		createdAt, updatedAt   int64
	)

	if err := s.Scan(
		&i.ID, &i.TenantID, &i.DefinitionID, &businessKey, &i.Status, &i.CurrentState,
		&context, &lastError, &startedAt, &completedAt, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	i.BusinessKey = businessKey.String
	i.Context = fromNullJSON(context)
	i.LastError = fromNullJSON(lastError)
	i.StartedAt = fromNullMicros(startedAt)
	i.CompletedAt = fromNullMicros(completedAt)
	i.CreatedAt = fromMicros(createdAt)
	i.UpdatedAt = fromMicros(updatedAt)

	return &i, nil
}

const taskColumns = "id, tenant_id, instance_id, name, type, status, run_at, attempts, max_attempts, idempotency_key, completion_event, locked_by, locked_at, input, output, error, trace_id, created_at, updated_at, started_at, completed_at"

func scanTask(s scanner) (*core.Task, error) {
	var (
		t                                  core.Task
		idempotencyKey, lockedBy, traceID  sql.NullString
		input, output, taskErr             sql.NullString
		runAt, lockedAt, startedAt, doneAt sql.NullInt64
		createdAt, updatedAt               int64
	)

	if err := s.Scan(
		&t.ID, &t.TenantID, &t.InstanceID, &t.Name, &t.Type, &t.Status, &runAt, &t.Attempts,
		&t.MaxAttempts, &idempotencyKey, &t.CompletionEvent, &lockedBy, &lockedAt, &input,
		&output, &taskErr, &traceID, &createdAt, &updatedAt, &startedAt, &doneAt,
	); err != nil {
		return nil, err
	}

	t.RunAt = fromNullMicros(runAt)
	t.IdempotencyKey = idempotencyKey.String
	t.LockedBy = lockedBy.String
	t.LockedAt = fromNullMicros(lockedAt)
	t.Input = fromNullJSON(input)
	t.Output = fromNullJSON(output)
	t.Error = fromNullJSON(taskErr)
	t.TraceID = traceID.String
	t.CreatedAt = fromMicros(createdAt)
	t.UpdatedAt = fromMicros(updatedAt)
	t.StartedAt = fromNullMicros(startedAt)
	t.CompletedAt = fromNullMicros(doneAt)

	return &t, nil
}

const eventColumns = "id, tenant_id, instance_id, type, payload, created_at"

func scanEvent(s scanner) (*core.Event, error) {
	var (
		e         core.Event
		payload   sql.NullString
		createdAt int64
	)

	if err := s.Scan(&e.ID, &e.TenantID, &e.InstanceID, &e.Type, &payload, &createdAt); err != nil {
		return nil, err
	}

	e.Payload = fromNullJSON(payload)
	e.CreatedAt = fromMicros(createdAt)

	return &e, nil
}

func collect[T any](rows *sql.Rows, scan func(scanner) (T, error)) ([]T, error) {
	defer rows.Close()

	var r []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}

		r = append(r, v)
	}

	return r, rows.Err()
}
