package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/tallybook/flowengine/backend"
	"github.com/tallybook/flowengine/backend/test"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

// Creating and dropping databases is inefficient, but easiest for complete test isolation.

func Test_PostgresBackend(t *testing.T) {
	if testing.Short() {
		t.Skip()
	}

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("flowengine"),
		tcpostgres.WithUsername("flowengine"),
		tcpostgres.WithPassword("flowengine"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	adminDSN, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	admin, err := sql.Open("pgx", adminDSN)
	require.NoError(t, err)
	t.Cleanup(func() { admin.Close() })

	dbNames := map[backend.Backend]string{}

	test.BackendTest(t, func(opts ...backend.BackendOption) backend.Backend {
		dbName := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		if _, err := admin.Exec("CREATE DATABASE " + dbName); err != nil {
			panic(fmt.Errorf("creating database: %w", err))
		}

		u, err := url.Parse(adminDSN)
		if err != nil {
			panic(err)
		}
		u.Path = "/" + dbName

		b := NewPostgresBackendFromDSN(u.String(), WithBackendOptions(opts...))
		dbNames[b] = dbName

		return b
	}, func(b backend.Backend) {
		if _, err := admin.Exec("DROP DATABASE IF EXISTS " + dbNames[b] + " WITH (FORCE)"); err != nil {
			panic(fmt.Errorf("dropping database: %w", err))
		}
	})
}
