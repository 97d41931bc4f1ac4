package store

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // registers the "pgx5" migration driver
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// migrationDSN rewrites a standard postgres:// DSN to the pgx5:// scheme
// golang-migrate's pgx driver registers itself under.
func migrationDSN(dsn string) string {
	if idx := strings.Index(dsn, "://"); idx >= 0 {
		return "pgx5" + dsn[idx:]
	}
	return "pgx5://" + dsn
}

func newMigrator(dsn string) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return nil, fmt.Errorf("opening embedded migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, migrationDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("creating migrator: %w", err)
	}
	return m, nil
}

// CreateTables runs every pending migration up.
func CreateTables(dsn string) error {
	m, err := newMigrator(dsn)
	if err != nil {
		return err
	}
	defer closeMigrator(m)

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations up: %w", err)
	}

	version, dirty, err := m.Version()
	log.Info().Uint("schema_version", version).Bool("dirty", dirty).Err(err).Msg("schema created")
	return nil
}

// DropTables reverses every migration, dropping all tables. The caller is
// expected to gate this on an explicit --force flag before calling it.
func DropTables(dsn string) error {
	m, err := newMigrator(dsn)
	if err != nil {
		return err
	}
	defer closeMigrator(m)

	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations down: %w", err)
	}
	log.Info().Msg("schema dropped")
	return nil
}

func closeMigrator(m *migrate.Migrate) {
	if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
		log.Error().Err(srcErr).Err(dbErr).Msg("closing migrator")
	}
}
