package core

import (
	"encoding/json"
	"time"
)

type InstanceStatus string

const (
	InstanceStatusPending   InstanceStatus = "PENDING"
	InstanceStatusRunning   InstanceStatus = "RUNNING"
	InstanceStatusWaiting   InstanceStatus = "WAITING"
	InstanceStatusCompleted InstanceStatus = "COMPLETED"
	InstanceStatusFailed    InstanceStatus = "FAILED"
	InstanceStatusCancelled InstanceStatus = "CANCELLED"
)

// Terminal returns true if no further transitions are applied to an instance in this status.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case InstanceStatusCompleted, InstanceStatusFailed, InstanceStatusCancelled:
		return true
	}

	return false
}

// Instance is one running execution of a workflow definition.
type Instance struct {
	ID           string `json:"id"`
	TenantID     string `json:"tenantId"`
	DefinitionID string `json:"definitionId"`

	// BusinessKey optionally identifies the instance for idempotent starts. Empty means none.
	BusinessKey string `json:"businessKey,omitempty"`

	Status       InstanceStatus  `json:"status"`
	CurrentState string          `json:"currentState"`
	Context      json.RawMessage `json:"context,omitempty"`
	LastError    json.RawMessage `json:"lastError,omitempty"`

	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`

	// UpdatedAt is the version stamp of the last successful write. Updates to the snapshot are
	// conditioned on it.
	UpdatedAt time.Time `json:"updatedAt"`
}
