package sqlite

import (
	"database/sql"
	"embed"
	"fmt"

	msqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/tallybook/flowengine/backend"
	"github.com/tallybook/flowengine/internal/sqlbackend"
	_ "modernc.org/sqlite"
)

//go:embed db/migrations/*.sql
var migrationsFS embed.FS

// NewInMemoryBackend returns a backend on a private in-memory database. The database lives as
// long as its single connection, so migrations are always applied.
func NewInMemoryBackend(opts ...option) *sqliteBackend {
	opts = append(opts, WithApplyMigrations(true))

	return newSqliteBackend("file::memory:", opts...)
}

func NewSqliteBackend(path string, opts ...option) *sqliteBackend {
	return newSqliteBackend(
		fmt.Sprintf("file:%v?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path), opts...)
}

func newSqliteBackend(dsn string, opts ...option) *sqliteBackend {
	options := &options{
		Options:         backend.ApplyOptions(),
		applyMigrations: true,
	}

	for _, opt := range opts {
		opt(options)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		panic(err)
	}

	// SQLite allows a single writer. For the in-memory database every connection would also
	// see its own, empty database.
	db.SetMaxOpenConns(1)

	b := &sqliteBackend{
		Backend: sqlbackend.New(db, sqlbackend.SQLite, options.Options),
		db:      db,
	}

	if options.applyMigrations {
		if err := b.Migrate(); err != nil {
			panic(err)
		}
	}

	return b
}

type sqliteBackend struct {
	*sqlbackend.Backend

	db *sql.DB
}

var _ backend.Backend = (*sqliteBackend)(nil)

// Migrate applies any pending schema migrations.
func (sb *sqliteBackend) Migrate() error {
	conn, err := msqlite.WithInstance(sb.db, &msqlite.Config{})
	if err != nil {
		return fmt.Errorf("connecting migration driver: %w", err)
	}

	return sqlbackend.Migrate(migrationsFS, "db/migrations", sqlbackend.SQLite, conn)
}
