package sqlite

import (
	"github.com/tallybook/flowengine/backend"
)

type options struct {
	*backend.Options

	applyMigrations bool
}

type option func(*options)

// WithApplyMigrations controls whether the schema is brought up to date on creation. In-memory
// backends always migrate.
func WithApplyMigrations(apply bool) option {
	return func(o *options) {
		o.applyMigrations = apply
	}
}

func WithBackendOptions(opts ...backend.BackendOption) option {
	return func(o *options) {
		for _, opt := range opts {
			opt(o.Options)
		}
	}
}
