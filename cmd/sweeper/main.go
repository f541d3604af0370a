// Command sweeper runs the monthly free-tier reset once and exits. It is
// meant for external schedulers (Kubernetes CronJob, systemd timers) when
// the in-process schedule in cmd/server is disabled.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/p-n-ai/pai-quota/internal/platform/cache"
	"github.com/p-n-ai/pai-quota/internal/platform/config"
	"github.com/p-n-ai/pai-quota/internal/platform/database"
	"github.com/p-n-ai/pai-quota/internal/platform/logging"
	"github.com/p-n-ai/pai-quota/internal/quota"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	n, err := run(ctx, cfg, logger)
	switch {
	case errors.Is(err, quota.ErrSweepInProgress):
		logger.Info("monthly reset skipped, another sweep holds the latch")
	case err != nil:
		logger.Error("monthly reset failed", "reset", n, "error", err)
		os.Exit(1)
	default:
		logger.Info("monthly reset finished", "reset", n)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) (int, error) {
	loc, err := cfg.Location()
	if err != nil {
		return 0, fmt.Errorf("QUOTA_TIMEZONE: %w", err)
	}

	db, err := database.New(ctx, cfg.Database.URL, database.Options{MaxConns: 2, MinConns: 1})
	if err != nil {
		return 0, fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	store, err := quota.NewPostgresStore(db.Pool)
	if err != nil {
		return 0, err
	}

	var latch quota.Latch
	if cfg.Cache.URL != "" {
		c, err := cache.New(ctx, cfg.Cache.URL)
		if err != nil {
			return 0, fmt.Errorf("connect cache: %w", err)
		}
		defer c.Close()
		latch = c.SweepLatch(cfg.Sweep.LockTTL)
	}

	sweeper, err := quota.NewSweeper(quota.SweeperConfig{
		Ledger:   store,
		Latch:    latch,
		Location: loc,
		Logger:   logger,
	})
	if err != nil {
		return 0, err
	}
	return sweeper.RunMonthlyReset(ctx)
}
