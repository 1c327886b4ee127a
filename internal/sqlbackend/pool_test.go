package sqlbackend

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func Test_Pool_Apply(t *testing.T) {
	db, err := sql.Open("sqlite", "file::memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	Pool{}.Apply(db)
	require.Equal(t, 0, db.Stats().MaxOpenConnections)

	Pool{MaxOpenConns: 4, MaxIdleConns: 2, ConnMaxLifetime: time.Minute}.Apply(db)
	require.Equal(t, 4, db.Stats().MaxOpenConnections)
}
