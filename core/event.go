package core

import (
	"encoding/json"
	"fmt"
	"time"
)

type EventType string

const (
	EventTypeInstanceStarted   EventType = "INSTANCE_STARTED"
	EventTypeEventApplied      EventType = "EVENT_APPLIED"
	EventTypeStateTransition   EventType = "STATE_TRANSITION"
	EventTypeTaskCreated       EventType = "TASK_CREATED"
	EventTypeTaskStarted       EventType = "TASK_STARTED"
	EventTypeTaskCompleted     EventType = "TASK_COMPLETED"
	EventTypeTaskFailed        EventType = "TASK_FAILED"
	EventTypeTaskCancelled     EventType = "TASK_CANCELLED"
	EventTypeTaskLockExpired   EventType = "TASK_LOCK_EXPIRED"
	EventTypeInstanceCompleted EventType = "INSTANCE_COMPLETED"
	EventTypeInstanceFailed    EventType = "INSTANCE_FAILED"
	EventTypeInstanceCancelled EventType = "INSTANCE_CANCELLED"
)

// Event is an immutable history record. Events are only ever appended.
type Event struct {
	ID         int64           `json:"id"`
	TenantID   string          `json:"tenantId"`
	InstanceID string          `json:"instanceId"`
	Type       EventType       `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

func NewEvent(now time.Time, tenantID, instanceID string, eventType EventType, payload any) (*Event, error) {
	var p json.RawMessage
	if payload != nil {
		var err error
		p, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling %s payload: %w", eventType, err)
		}
	}

	return &Event{
		TenantID:   tenantID,
		InstanceID: instanceID,
		Type:       eventType,
		Payload:    p,
		CreatedAt:  now,
	}, nil
}

type TransitionPayload struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Event string `json:"event"`
}

type TaskEventPayload struct {
	TaskID  string          `json:"taskId"`
	Name    string          `json:"name"`
	Type    TaskType        `json:"type"`
	Attempt int             `json:"attempt,omitempty"`
	Output  json.RawMessage `json:"output,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`

	// EmittedEvent is the event a handler emitted next to the completion event.
	EmittedEvent string `json:"emittedEvent,omitempty"`

	// WillRetry is only set on TASK_FAILED events.
	WillRetry *bool `json:"willRetry,omitempty"`
}

func NewTaskEvent(now time.Time, task *Task, eventType EventType, payload TaskEventPayload) (*Event, error) {
	payload.TaskID = task.ID
	payload.Name = task.Name
	payload.Type = task.Type
	if payload.Attempt == 0 {
		payload.Attempt = task.Attempts
	}

	return NewEvent(now, task.TenantID, task.InstanceID, eventType, payload)
}
