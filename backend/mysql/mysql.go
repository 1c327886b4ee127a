// Package mysql stores workflow state in MySQL 8.
package mysql

import (
	"database/sql"
	"embed"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/tallybook/flowengine/backend"
	"github.com/tallybook/flowengine/internal/sqlbackend"
)

//go:embed db/migrations/*.sql
var migrationsFS embed.FS

func NewMysqlBackend(host string, port int, user, password, database string, opts ...option) *mysqlBackend {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?interpolateParams=true", user, password, host, port, database)

	return NewMysqlBackendFromDSN(dsn, opts...)
}

// NewMysqlBackendFromDSN creates a backend from a go-sql-driver DSN like
// user:pass@tcp(host:3306)/db?interpolateParams=true.
func NewMysqlBackendFromDSN(dsn string, opts ...option) *mysqlBackend {
	options := &options{
		Options:         backend.ApplyOptions(),
		applyMigrations: true,
	}

	for _, opt := range opts {
		opt(options)
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		panic(err)
	}

	options.pool.Apply(db)

	b := &mysqlBackend{
		Backend: sqlbackend.New(db, sqlbackend.MySQL, options.Options),
		dsn:     dsn,
	}

	if options.applyMigrations {
		if err := b.Migrate(); err != nil {
			panic(err)
		}
	}

	return b
}

type mysqlBackend struct {
	*sqlbackend.Backend

	dsn string
}

var _ backend.Backend = (*mysqlBackend)(nil)

// Migrate applies any pending schema migrations over a separate connection that allows
// multi statement scripts.
func (mb *mysqlBackend) Migrate() error {
	sep := "?"
	if strings.Contains(mb.dsn, "?") {
		sep = "&"
	}

	db, err := sql.Open("mysql", mb.dsn+sep+"multiStatements=true")
	if err != nil {
		return fmt.Errorf("opening schema database: %w", err)
	}
	defer db.Close()

	conn, err := mysql.WithInstance(db, &mysql.Config{})
	if err != nil {
		return fmt.Errorf("connecting migration driver: %w", err)
	}

	return sqlbackend.Migrate(migrationsFS, "db/migrations", sqlbackend.MySQL, conn)
}
