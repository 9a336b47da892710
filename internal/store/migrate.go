package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrator wraps golang-migrate over the embedded Postgres migrations.
type Migrator struct {
	m   *migrate.Migrate
	log zerolog.Logger
}

func NewMigrator(dbURL string, log zerolog.Logger) (*Migrator, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("opening database connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating migrate driver: %w", err)
	}
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("opening embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating migrate instance: %w", err)
	}
	return &Migrator{m: m, log: log}, nil
}

// Up applies pending migrations, or n steps when n > 0.
func (mg *Migrator) Up(n int) error {
	version, dirty, err := mg.Version()
	if err != nil {
		return err
	}
	if dirty {
		return fmt.Errorf("database is in a dirty state (version %d). Manual intervention required", version)
	}

	if n > 0 {
		err = mg.m.Steps(n)
	} else {
		err = mg.m.Up()
	}
	if errors.Is(err, migrate.ErrNoChange) {
		mg.log.Info().Uint("version", version).Msg("database is up to date")
		return nil
	}
	if err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}

	newVersion, _, _ := mg.Version()
	if newVersion != version {
		mg.log.Info().Uint("from", version).Uint("to", newVersion).Msg("migrated")
	}
	return nil
}

// Down rolls back every migration, or n steps when n > 0.
func (mg *Migrator) Down(n int) error {
	var err error
	if n > 0 {
		err = mg.m.Steps(-n)
	} else {
		err = mg.m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("rolling back migrations: %w", err)
	}
	return nil
}

// Version returns the current migration version; 0 when none was applied.
func (mg *Migrator) Version() (uint, bool, error) {
	version, dirty, err := mg.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("checking migration version: %w", err)
	}
	return version, dirty, nil
}

func (mg *Migrator) Force(version int) error {
	if err := mg.m.Force(version); err != nil {
		return fmt.Errorf("forcing version: %w", err)
	}
	return nil
}

func (mg *Migrator) Close() error {
	srcErr, dbErr := mg.m.Close()
	if srcErr != nil {
		return srcErr
	}
	return dbErr
}

// ApplyMigrations brings the database at dbURL up to the latest version.
func ApplyMigrations(dbURL string, log zerolog.Logger) error {
	mg, err := NewMigrator(dbURL, log)
	if err != nil {
		return err
	}
	defer mg.Close()
	return mg.Up(0)
}
