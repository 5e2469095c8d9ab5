package repository

import (
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tigerroll/almapipo/internal/config"
	"github.com/tigerroll/almapipo/internal/support/exception"
	"github.com/tigerroll/almapipo/internal/support/logger"
)

// dialectorFactories maps the configured database type to its GORM dialector.
var dialectorFactories = map[string]func(dsn string) gorm.Dialector{
	"sqlite":   sqlite.Open,
	"postgres": postgres.Open,
	"mysql":    mysql.Open,
}

// OpenDB opens the ledger database named by the configuration, applies the
// connection pool settings and returns the shared GORM handle.
func OpenDB(cfg *config.Config) (*gorm.DB, error) {
	dbCfg := cfg.Almapipo.Database

	factory, ok := dialectorFactories[dbCfg.Type]
	if !ok {
		return nil, exception.NewBatchError(moduleName,
			fmt.Sprintf("unsupported database type: %s", dbCfg.Type), nil, false, false)
	}
	if dbCfg.DSN == "" {
		return nil, exception.NewBatchError(moduleName, "database.dsn is not configured", nil, false, false)
	}

	db, err := gorm.Open(factory(dbCfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, exception.NewBatchError(moduleName,
			fmt.Sprintf("failed to open %s database", dbCfg.Type), err, false, false)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, exception.NewBatchError(moduleName, "failed to resolve underlying sql.DB", err, false, false)
	}
	if dbCfg.Pool.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(dbCfg.Pool.MaxOpenConns)
	}
	if dbCfg.Pool.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(dbCfg.Pool.MaxIdleConns)
	}

	logger.Debugf("Opened %s ledger database.", dbCfg.Type)
	return db, nil
}
