/*
Package migrate applies embedded SQL migrations with golang-migrate. Every
component keeps its own history table, so repositories migrate independently.
*/
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver

	"github.com/shortlink-org/eventcore/db"
)

// MigrationError describes the failed phase of a migration.
type MigrationError struct {
	Err         error
	Description string
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("db/postgres/migrate: %s: %v", e.Description, e.Err)
}

func (e *MigrationError) Unwrap() error {
	return e.Err
}

// Migration applies migrations from the given filesystem to the database.
// The filesystem should contain a "migrations" directory with migration files.
func Migration(ctx context.Context, store db.DB, fsys fs.FS, tableName string) error {
	client, ok := store.GetConn().(*pgxpool.Pool)
	if !ok || client == nil {
		return db.ErrGetConnection
	}

	driverMigrations, err := iofs.New(fsys, "migrations")
	if err != nil {
		return &MigrationError{
			Err:         err,
			Description: "failed to create migration source",
		}
	}

	// Open separate sql.DB connection for migrations
	conn, err := sql.Open("pgx", client.Config().ConnString())
	if err != nil {
		return &MigrationError{
			Err:         err,
			Description: "failed to open migration connection",
		}
	}
	defer conn.Close()

	if err := conn.PingContext(ctx); err != nil {
		return &MigrationError{
			Err:         err,
			Description: "failed to ping migration connection",
		}
	}

	driverDB, err := pgx.WithInstance(conn, &pgx.Config{
		MigrationsTable: HistoryTable(tableName),
	})
	if err != nil {
		return &MigrationError{
			Err:         err,
			Description: "failed to create migration driver",
		}
	}

	migration, err := migrate.NewWithInstance("iofs", driverMigrations, "postgres", driverDB)
	if err != nil {
		return &MigrationError{
			Err:         err,
			Description: "failed to create migration instance",
		}
	}

	defer func() {
		migration.Close()
	}()

	if err := migration.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return &MigrationError{
			Err:         err,
			Description: "failed to apply migration",
		}
	}

	return nil
}

// HistoryTable is the name of the table that tracks applied versions of a component.
func HistoryTable(component string) string {
	return "schema_migrations_" + strings.ReplaceAll(component, "-", "_")
}
