package postgres

import (
	"time"

	"github.com/tallybook/flowengine/backend"
	"github.com/tallybook/flowengine/internal/sqlbackend"
)

type options struct {
	*backend.Options

	pool sqlbackend.Pool

	// applyMigrations brings the schema up to date when the backend is created.
	applyMigrations bool
}

type option func(*options)

func newOptions(opts []option) *options {
	o := &options{
		Options:         backend.ApplyOptions(),
		applyMigrations: true,
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

func WithApplyMigrations(apply bool) option {
	return func(o *options) {
		o.applyMigrations = apply
	}
}

// WithConnectionPool limits the pgx connection pool. Zero values keep the driver defaults.
func WithConnectionPool(maxOpen, maxIdle int, maxLifetime time.Duration) option {
	return func(o *options) {
		o.pool = sqlbackend.Pool{MaxOpenConns: maxOpen, MaxIdleConns: maxIdle, ConnMaxLifetime: maxLifetime}
	}
}

// WithBackendOptions applies engine wide options like logger, clock, or worker name.
func WithBackendOptions(opts ...backend.BackendOption) option {
	return func(o *options) {
		for _, opt := range opts {
			opt(o.Options)
		}
	}
}
