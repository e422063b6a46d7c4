package store

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

func newMigrator(db *sqlx.DB) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return nil, fmt.Errorf("error opening embedded migrations: %w", err)
	}

	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("error creating postgres driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("error creating migration instance: %w", err)
	}
	return m, nil
}

// MigrateUp applies every pending migration.
func (p *Postgres) MigrateUp() error {
	m, err := newMigrator(p.db)
	if err != nil {
		return err
	}

	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		p.logger.Info("Migration state is up to date")
		return nil
	}
	if err != nil {
		return fmt.Errorf("error running migrations: %w", err)
	}

	p.logger.Info("Ran migrations successfully")
	return nil
}

// MigrateDown rolls back steps migrations. It drops data.
func (p *Postgres) MigrateDown(steps int) error {
	if steps <= 0 {
		return fmt.Errorf("steps must be positive, got %d", steps)
	}

	m, err := newMigrator(p.db)
	if err != nil {
		return err
	}

	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("error running down migrations: %w", err)
	}

	p.logger.Warn("Rolled back migrations", zap.Int("steps", steps))
	return nil
}

// MigrationVersion reports the applied schema version and whether the last
// migration failed halfway.
func (p *Postgres) MigrationVersion() (uint, bool, error) {
	m, err := newMigrator(p.db)
	if err != nil {
		return 0, false, err
	}

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("error reading migration version: %w", err)
	}
	return version, dirty, nil
}
