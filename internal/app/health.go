package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"horse.fit/dupehub/internal/cli"
	"horse.fit/dupehub/internal/db"
)

// runHealth opens the pool (which also applies migrations) and pings it.
func runHealth(args []string) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 5*time.Second, "Connect and ping timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, logger, code := loadEnvironment(envLoader)
	if code != 0 {
		return code
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	started := time.Now()
	pool, err := db.NewPool(ctx, cfg)
	if err == nil {
		defer pool.Close()
		err = pool.Ping(ctx)
	}
	elapsed := time.Since(started)
	if err != nil {
		logger.Error().Err(err).Dur("elapsed", elapsed).Msg("dupehub health check failed")
		fmt.Fprintf(os.Stderr, "unhealthy: %v\n", err)
		return 1
	}

	logger.Info().Dur("elapsed", elapsed).Msg("dupehub health check passed")
	fmt.Printf("ok: database reachable in %s\n", elapsed.Round(time.Millisecond))
	return 0
}
