// Package sqlbackend implements backend.Backend on database/sql. The driver packages under
// backend/ provide the connection, the dialect, and the schema migrations.
//
// All timestamps are stored as UTC microseconds since the epoch, so version stamps compare
// exactly on every driver.
package sqlbackend

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tallybook/flowengine/backend"
	"github.com/tallybook/flowengine/internal/metrickeys"
	"github.com/tallybook/flowengine/metrics"
	"go.opentelemetry.io/otel/trace"
)

type Dialect struct {
	Name string

	// NumberedPlaceholders rewrites `?` placeholders to `$1`, `$2`, ...
	NumberedPlaceholders bool

	// InsertIgnore starts an insert that silently skips rows violating a unique constraint.
	InsertIgnore string

	// InsertIgnoreSuffix completes InsertIgnore where the dialect needs a trailing clause.
	InsertIgnoreSuffix string

	Isolation sql.IsolationLevel
}

var (
	SQLite = Dialect{
		Name:         "sqlite",
		InsertIgnore: "INSERT OR IGNORE INTO",
	}

	MySQL = Dialect{
		Name:         "mysql",
		InsertIgnore: "INSERT IGNORE INTO",
		Isolation:    sql.LevelReadCommitted,
	}

	Postgres = Dialect{
		Name:                 "postgres",
		NumberedPlaceholders: true,
		InsertIgnore:         "INSERT INTO",
		InsertIgnoreSuffix:   " ON CONFLICT DO NOTHING",
		Isolation:            sql.LevelReadCommitted,
	}
)

func (d Dialect) rebind(query string) string {
	if !d.NumberedPlaceholders {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)

	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}

		b.WriteRune(r)
	}

	return b.String()
}

type Backend struct {
	db      *sql.DB
	dialect Dialect
	options *backend.Options
}

var _ backend.Backend = (*Backend)(nil)

func New(db *sql.DB, dialect Dialect, options *backend.Options) *Backend {
	return &Backend{
		db:      db,
		dialect: dialect,
		options: options,
	}
}

func (b *Backend) DB() *sql.DB {
	return b.db
}

func (b *Backend) Tracer() trace.Tracer {
	return b.options.TracerProvider.Tracer(backend.TracerName)
}

func (b *Backend) Metrics() metrics.Client {
	return b.options.Metrics.WithTags(metrics.Tags{metrickeys.Backend: b.dialect.Name})
}

func (b *Backend) Options() *backend.Options {
	return b.options
}

// Close closes the connection. Driver packages override it when they do not own it.
func (b *Backend) Close() error {
	return b.db.Close()
}

func (b *Backend) now() time.Time {
	return b.options.Clock.Now().UTC().Truncate(time.Microsecond)
}

func (b *Backend) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, &sql.TxOptions{Isolation: b.dialect.Isolation})
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (b *Backend) exec(ctx context.Context, e execer, query string, args ...any) (int64, error) {
	res, err := e.ExecContext(ctx, b.dialect.rebind(query), args...)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

func (b *Backend) query(ctx context.Context, e execer, query string, args ...any) (*sql.Rows, error) {
	return e.QueryContext(ctx, b.dialect.rebind(query), args...)
}

func (b *Backend) queryRow(ctx context.Context, e execer, query string, args ...any) *sql.Row {
	return e.QueryRowContext(ctx, b.dialect.rebind(query), args...)
}

// insertIgnore builds an insert that skips rows violating a unique constraint.
func (b *Backend) insertIgnore(table, columns string, n int) string {
	return fmt.Sprintf("%s %s (%s) VALUES (%s)%s",
		b.dialect.InsertIgnore, table, columns, placeholders(n), b.dialect.InsertIgnoreSuffix)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (b *Backend) GetStats(ctx context.Context) (*backend.Stats, error) {
	s := &backend.Stats{}

	row := b.queryRow(ctx, b.db,
		"SELECT COUNT(*) FROM instances WHERE status NOT IN ('COMPLETED', 'FAILED', 'CANCELLED')")
	if err := row.Scan(&s.ActiveInstances); err != nil {
		return nil, fmt.Errorf("counting active instances: %w", err)
	}

	row = b.queryRow(ctx, b.db,
		"SELECT COALESCE(SUM(CASE WHEN status = 'PENDING' THEN 1 ELSE 0 END), 0), COALESCE(SUM(CASE WHEN status = 'RUNNING' THEN 1 ELSE 0 END), 0) FROM tasks WHERE status IN ('PENDING', 'RUNNING')")
	if err := row.Scan(&s.PendingTasks, &s.RunningTasks); err != nil {
		return nil, fmt.Errorf("counting tasks: %w", err)
	}

	return s, nil
}
