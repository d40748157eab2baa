// Package migrations holds the embedded schema for the bsync state database
// and applies it with golang-migrate.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed files/*.sql
var schemaFS embed.FS

// ErrNotInitialized is returned by Check for a database that has never been
// migrated.
var ErrNotInitialized = errors.New("state database has no schema (run `bsync db migrate`)")

// Status describes where a database stands relative to the embedded schema.
// Current is 0 for a database that has never been migrated.
type Status struct {
	Current uint
	Latest  uint
	Dirty   bool
}

// Err returns nil only when the database is clean and at the latest version.
func (s Status) Err() error {
	switch {
	case s.Dirty:
		return fmt.Errorf("state database is dirty at version %d; a previous migration failed", s.Current)
	case s.Current == 0:
		return ErrNotInitialized
	case s.Current < s.Latest:
		return fmt.Errorf("state database is at version %d, latest is %d (run `bsync db migrate`)", s.Current, s.Latest)
	case s.Current > s.Latest:
		return fmt.Errorf("state database version %d is newer than this binary (%d)", s.Current, s.Latest)
	}
	return nil
}

// Inspect reports the schema status of db without changing it.
func Inspect(db *sql.DB) (Status, error) {
	latest, err := latestVersion()
	if err != nil {
		return Status{}, err
	}

	// m is not closed: that would close db, which the caller owns.
	m, err := newMigrate(db)
	if err != nil {
		return Status{}, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return Status{Latest: latest}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("reading schema version: %w", err)
	}
	return Status{Current: version, Latest: latest, Dirty: dirty}, nil
}

// Check returns an error unless db is at the latest schema version.
func Check(db *sql.DB) error {
	st, err := Inspect(db)
	if err != nil {
		return err
	}
	return st.Err()
}

// Up applies every pending migration and returns the resulting status.
// A database that is already current is left untouched.
func Up(db *sql.DB) (Status, error) {
	m, err := newMigrate(db)
	if err != nil {
		return Status{}, err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return Status{}, fmt.Errorf("applying migrations: %w", err)
	}
	return Inspect(db)
}

func newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(schemaFS, "files")
	if err != nil {
		return nil, fmt.Errorf("opening embedded migrations: %w", err)
	}
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("wrapping database for migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("creating migrator: %w", err)
	}
	return m, nil
}

func latestVersion() (uint, error) {
	src, err := iofs.New(schemaFS, "files")
	if err != nil {
		return 0, fmt.Errorf("opening embedded migrations: %w", err)
	}
	defer src.Close()
	return lastVersion(src)
}

// lastVersion walks the source from its first migration; Next fails past the end.
func lastVersion(src source.Driver) (uint, error) {
	v, err := src.First()
	if err != nil {
		return 0, fmt.Errorf("reading first migration: %w", err)
	}
	for {
		next, err := src.Next(v)
		if err != nil {
			return v, nil
		}
		v = next
	}
}
