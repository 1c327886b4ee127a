package sqlbackend

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Migrate applies the pending migrations found in dir of the given file system. Already
// applied migrations are skipped.
func Migrate(migrations fs.FS, dir string, dialect Dialect, driver database.Driver) error {
	source, err := iofs.New(migrations, dir)
	if err != nil {
		return fmt.Errorf("reading %s migrations: %w", dialect.Name, err)
	}

	m, err := migrate.NewWithInstance("iofs", source, dialect.Name, driver)
	if err != nil {
		return fmt.Errorf("preparing %s migrations: %w", dialect.Name, err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying %s migrations: %w", dialect.Name, err)
	}

	return nil
}
