// Package app assembles the application object graph with fx: configuration,
// the Alma client, the ledger database, metrics and the pipeline runner,
// with lifecycle hooks closing what was opened.
package app

import (
	"context"

	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/tigerroll/almapipo/internal/client"
	"github.com/tigerroll/almapipo/internal/config"
	"github.com/tigerroll/almapipo/internal/metrics"
	"github.com/tigerroll/almapipo/internal/pipeline"
	"github.com/tigerroll/almapipo/internal/repository"
	"github.com/tigerroll/almapipo/internal/support/logger"
)

// Params carries the launch-time inputs that do not come from the object
// graph itself.
type Params struct {
	// EnvFile is an optional dotenv path loaded before the embedded config.
	EnvFile string
	// EmbeddedConfig is the raw application.yaml content.
	EmbeddedConfig []byte
}

// Module builds the fx options shared by every entry point. The caller adds
// its own fx.Invoke to drive a run.
func Module(p Params) fx.Option {
	return fx.Options(
		fx.Provide(
			func() (*config.Config, error) {
				return config.Load(p.EnvFile, p.EmbeddedConfig)
			},
			newDB,
			newLedger,
			newClient,
			newRecorder,
			newRunner,
			pipeline.NewReporter,
		),
		fx.NopLogger,
	)
}

func newDB(lc fx.Lifecycle, cfg *config.Config) (*gorm.DB, error) {
	db, err := repository.OpenDB(cfg)
	if err != nil {
		return nil, err
	}
	if err := repository.Migrate(db, cfg.Almapipo.Database.Type); err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			logger.Debugf("Closing ledger database.")
			return sqlDB.Close()
		},
	})
	return db, nil
}

func newLedger(db *gorm.DB) repository.Ledger {
	return repository.NewGormLedger(db)
}

func newClient(cfg *config.Config) (*client.AlmaClient, error) {
	return client.NewAlmaClient(cfg)
}

func newRecorder() metrics.Recorder {
	return metrics.NewPrometheusRecorder()
}

func newRunner(c *client.AlmaClient, ledger repository.Ledger, rec metrics.Recorder) *pipeline.Runner {
	return pipeline.NewRunner(c, ledger, rec)
}
