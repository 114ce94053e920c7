package storage

import (
	"context"
	"embed"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/developer-mesh/collabcore/pkg/observability"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const defaultMigrationTimeout = time.Minute

// Migrate applies the embedded schema migrations to db. The driver is
// picked from db.DriverName(): postgres or sqlite3.
func Migrate(ctx context.Context, db *sqlx.DB, timeout time.Duration, logger observability.Logger) error {
	if db == nil {
		return errors.New("db connection cannot be nil")
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if timeout <= 0 {
		timeout = defaultMigrationTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return errors.Wrap(err, "failed to open embedded migrations")
	}
	defer src.Close()

	var (
		driver  database.Driver
		release = func() {}
	)
	switch db.DriverName() {
	case "postgres":
		conn, err := db.Conn(ctx)
		if err != nil {
			return errors.Wrap(err, "failed to reserve migration connection")
		}
		release = func() { _ = conn.Close() }
		driver, err = postgres.WithConnection(ctx, conn, &postgres.Config{})
		if err != nil {
			release()
			return errors.Wrap(err, "failed to create postgres driver")
		}
	case "sqlite3":
		driver, err = sqlite3.WithInstance(db.DB, &sqlite3.Config{})
		if err != nil {
			return errors.Wrap(err, "failed to create sqlite3 driver")
		}
	default:
		return errors.Errorf("unsupported migration driver %q", db.DriverName())
	}
	defer release()

	// the migrator is not closed: closing it would close db as well
	m, err := migrate.NewWithInstance("iofs", src, db.DriverName(), driver)
	if err != nil {
		return errors.Wrap(err, "failed to create migrator")
	}

	done := make(chan error, 1)
	go func() {
		err := m.Up()
		if errors.Is(err, migrate.ErrNoChange) {
			err = nil
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return errors.Wrap(err, "migration error")
		}
	case <-ctx.Done():
		m.GracefulStop <- true
		<-done
		return errors.Errorf("migration timeout after %s", timeout)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return errors.Wrap(err, "failed to get migration version")
	}
	logger.Info("Database schema up to date", map[string]interface{}{
		"driver":  db.DriverName(),
		"version": version,
		"dirty":   dirty,
	})
	return nil
}
