package app

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"horse.fit/dupehub/internal/cli"
	"horse.fit/dupehub/internal/config"
	"horse.fit/dupehub/internal/db"
	"horse.fit/dupehub/internal/hub"
	"horse.fit/dupehub/internal/logging"
	"horse.fit/dupehub/internal/merge"
	"horse.fit/dupehub/internal/notify"
	"horse.fit/dupehub/internal/scanner"
)

// loadEnvironment reads the env file, config and logger shared by every
// command. A non-zero code means the command should exit with it.
func loadEnvironment(envLoader *cli.EnvLoader) (*config.Config, zerolog.Logger, int) {
	if envLoader != nil {
		if _, err := envLoader.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return nil, zerolog.Nop(), 1
	}

	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return nil, zerolog.Nop(), 1
	}
	return cfg, logger, 0
}

type services struct {
	pool    *db.Pool
	scanner *scanner.Scanner
	hub     *hub.Service
	merge   *merge.Engine
}

func openServices(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*services, error) {
	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	scan := scanner.New(pool, logger)
	return &services{
		pool:    pool,
		scanner: scan,
		hub:     hub.NewService(pool, scan, logger, cfg.ScanMinConfidence),
		merge: merge.NewEngine(pool, notify.New(cfg, logger), logger, merge.Options{
			RollbackWindow: cfg.RollbackWindow(),
			RecentActivity: cfg.RecentActivityWindow(),
		}),
	}, nil
}

func (s *services) Close() {
	if s != nil && s.pool != nil {
		_ = s.pool.Close()
	}
}
