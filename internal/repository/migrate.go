package repository

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"gorm.io/gorm"

	"github.com/tigerroll/almapipo/internal/support/exception"
	"github.com/tigerroll/almapipo/internal/support/logger"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql migrations/mysql/*.sql
var migrationFS embed.FS

const migrationsTable = "almapipo_schema_migrations"

// Migrate applies all pending schema migrations for the given dialect
// against the opened ledger database.
func Migrate(db *gorm.DB, dbType string) error {
	sqlDB, err := db.DB()
	if err != nil {
		return exception.NewBatchError(moduleName, "failed to resolve underlying sql.DB", err, false, false)
	}

	var driver database.Driver
	switch dbType {
	case "sqlite":
		driver, err = migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{MigrationsTable: migrationsTable})
	case "postgres":
		driver, err = migratepostgres.WithInstance(sqlDB, &migratepostgres.Config{MigrationsTable: migrationsTable})
	case "mysql":
		driver, err = migratemysql.WithInstance(sqlDB, &migratemysql.Config{MigrationsTable: migrationsTable})
	default:
		return exception.NewBatchError(moduleName,
			fmt.Sprintf("unsupported database type for migration: %s", dbType), nil, false, false)
	}
	if err != nil {
		return exception.NewBatchError(moduleName,
			fmt.Sprintf("failed to create %s migration driver", dbType), err, false, false)
	}

	source, err := iofs.New(migrationFS, "migrations/"+dbType)
	if err != nil {
		return exception.NewBatchError(moduleName, "failed to open embedded migrations", err, false, false)
	}

	m, err := migrate.NewWithInstance("iofs", source, dbType, driver)
	if err != nil {
		return exception.NewBatchError(moduleName, "failed to create migrate instance", err, false, false)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return exception.NewBatchError(moduleName,
			fmt.Sprintf("schema migration failed for %s", dbType), err, false, false)
	}

	logger.Debugf("Ledger schema is up to date (%s).", dbType)
	return nil
}
