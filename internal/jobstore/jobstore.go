// Package jobstore opens the configured ports.JobStore backend.
package jobstore

import (
	"context"
	"fmt"
	"strings"

	"clipforge/internal/adapters/jobstore/postgres"
	"clipforge/internal/adapters/jobstore/sqlite"
	"clipforge/internal/config"
	"clipforge/internal/migrate"
	"clipforge/internal/pkg/logger"
	"clipforge/internal/ports"
)

// Open connects to the backend named by cfg.Driver. Postgres migrations run
// first when AutoMigrate is set; SQLite always applies its embedded schema.
func Open(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (ports.JobStore, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.WithComponent("jobstore")

	switch cfg.Driver {
	case "postgres":
		if cfg.AutoMigrate {
			if err := migrate.Run(ctx, cfg.URL); err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
			if v, err := migrate.Version(ctx, cfg.URL); err == nil {
				log.Info("postgres schema up to date", "version", v)
			}
		}
		st, err := postgres.Open(ctx, cfg.URL)
		if err != nil {
			return nil, err
		}
		log.Info("PostgreSQL connected")
		return st, nil

	case "sqlite":
		path := strings.TrimPrefix(cfg.URL, "sqlite://")
		st, err := sqlite.Open(ctx, path)
		if err != nil {
			return nil, err
		}
		log.Info("SQLite opened", "path", path)
		return st, nil

	default:
		return nil, fmt.Errorf("unknown database driver: %s", cfg.Driver)
	}
}
