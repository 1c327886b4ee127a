package mysql

import (
	"time"

	"github.com/tallybook/flowengine/backend"
	"github.com/tallybook/flowengine/internal/sqlbackend"
)

type options struct {
	*backend.Options

	pool            sqlbackend.Pool
	applyMigrations bool
}

type option func(*options)

func WithApplyMigrations(apply bool) option {
	return func(o *options) {
		o.applyMigrations = apply
	}
}

// WithConnectionPool limits the connection pool. Zero values keep the driver defaults.
func WithConnectionPool(maxOpen, maxIdle int, maxLifetime time.Duration) option {
	return func(o *options) {
		o.pool = sqlbackend.Pool{MaxOpenConns: maxOpen, MaxIdleConns: maxIdle, ConnMaxLifetime: maxLifetime}
	}
}

func WithBackendOptions(opts ...backend.BackendOption) option {
	return func(o *options) {
		for _, opt := range opts {
			opt(o.Options)
		}
	}
}
