package backend

import (
	"github.com/tallybook/flowengine/core"
)

const DefaultListLimit = 100

type ListOptions struct {
	DefinitionID string
	Status       core.InstanceStatus
	Limit        int
	Offset       int
}

type ListOption func(o *ListOptions)

func WithDefinitionID(id string) ListOption {
	return func(o *ListOptions) {
		o.DefinitionID = id
	}
}

func WithStatus(status core.InstanceStatus) ListOption {
	return func(o *ListOptions) {
		o.Status = status
	}
}

func WithPage(limit, offset int) ListOption {
	return func(o *ListOptions) {
		o.Limit = limit
		o.Offset = offset
	}
}

func ApplyListOptions(opts ...ListOption) ListOptions {
	o := ListOptions{Limit: DefaultListLimit}
	for _, opt := range opts {
		opt(&o)
	}

	if o.Limit <= 0 {
		o.Limit = DefaultListLimit
	}

	return o
}
