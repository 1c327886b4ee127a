package core

import "time"

type DefinitionStatus string

const (
	DefinitionStatusActive   DefinitionStatus = "ACTIVE"
	DefinitionStatusInactive DefinitionStatus = "INACTIVE"
	DefinitionStatusArchived DefinitionStatus = "ARCHIVED"
)

// Definition is an immutable, versioned workflow. Only Status changes after publishing.
type Definition struct {
	ID        string           `json:"id"`
	TenantID  string           `json:"tenantId"`
	Key       string           `json:"key"`
	Version   int              `json:"version"`
	Status    DefinitionStatus `json:"status"`
	Spec      *MachineSpec     `json:"spec"`
	CreatedAt time.Time        `json:"createdAt"`
}
