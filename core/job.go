package core

import "encoding/json"

// Reserved machine event types.
const (
	// EventStart is sent when an instance is started. Without an explicit transition it
	// creates the entry tasks of the initial state.
	EventStart = "START"

	EventTaskCompleted = "TASK_COMPLETED"
	EventTaskFailed    = "TASK_FAILED"
)

// MachineEvent is an input to the state machine.
type MachineEvent struct {
	Type    string          `json:"type" validate:"required"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewMachineEvent(eventType string, payload any) (MachineEvent, error) {
	e := MachineEvent{Type: eventType}
	if payload != nil {
		p, err := json.Marshal(payload)
		if err != nil {
			return e, err
		}

		e.Payload = p
	}

	return e, nil
}

// IsFailureSignal returns true if the event reports a task that failed without remaining retries.
func (e MachineEvent) IsFailureSignal() bool {
	return e.Type == EventTaskFailed
}

// OrchestratorJob asks the orchestrator to apply events to an instance.
type OrchestratorJob struct {
	TenantID   string         `json:"tenantId" validate:"required"`
	InstanceID string         `json:"instanceId" validate:"required"`
	Events     []MachineEvent `json:"events" validate:"dive"`
}

// TaskJob asks the task runner to execute a task.
type TaskJob struct {
	TenantID   string `json:"tenantId" validate:"required"`
	TaskID     string `json:"taskId" validate:"required"`
	InstanceID string `json:"instanceId" validate:"required"`
}
