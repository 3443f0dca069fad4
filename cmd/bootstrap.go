package cmd

import (
	"fmt"

	"github.com/nerdneilsfield/imagegen-billing/internal/config"
	"github.com/nerdneilsfield/imagegen-billing/internal/logger"
	"github.com/nerdneilsfield/imagegen-billing/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// environment holds what every subcommand needs before doing its own work.
type environment struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *gorm.DB
}

func bootstrap(validate bool) (*environment, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}
	if verbose {
		cfg.LogConfig.Level = "debug"
	}
	if validate {
		if err := config.ValidateConfig(cfg); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
	}

	log, err := logger.InitLogger(cfg.LogConfig)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	db, err := storage.Open(cfg.Database, log)
	if err != nil {
		_ = log.Sync()
		return nil, err
	}
	if err := storage.Migrate(db); err != nil {
		_ = storage.Close(db)
		_ = log.Sync()
		return nil, err
	}
	return &environment{cfg: cfg, logger: log, db: db}, nil
}

func (e *environment) Close() {
	if err := storage.Close(e.db); err != nil {
		e.logger.Warn("close database", zap.Error(err))
	}
	_ = e.logger.Sync()
}
