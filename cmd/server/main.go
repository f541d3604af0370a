package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/p-n-ai/pai-quota/internal/ai"
	"github.com/p-n-ai/pai-quota/internal/api"
	"github.com/p-n-ai/pai-quota/internal/platform/cache"
	"github.com/p-n-ai/pai-quota/internal/platform/config"
	"github.com/p-n-ai/pai-quota/internal/platform/database"
	"github.com/p-n-ai/pai-quota/internal/platform/logging"
	"github.com/p-n-ai/pai-quota/internal/platform/tracing"
	"github.com/p-n-ai/pai-quota/internal/quota"
)

const serviceName = "pai-quota"

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		ServiceName: serviceName,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRate:  cfg.Tracing.SampleRate,
		Enabled:     cfg.Tracing.Enabled,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	db, err := database.New(ctx, cfg.Database.URL, database.Options{
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	if cfg.Database.Migrate {
		if err := db.Migrate(); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		logger.Info("database migrations applied")
	}

	checks := map[string]api.Check{"postgres": db.HealthCheck}

	var latch quota.Latch
	if cfg.Cache.URL != "" {
		c, err := cache.New(ctx, cfg.Cache.URL)
		if err != nil {
			return fmt.Errorf("connect cache: %w", err)
		}
		defer c.Close()
		latch = c.SweepLatch(cfg.Sweep.LockTTL)
		checks["redis"] = c.HealthCheck
	} else {
		logger.Warn("QUOTA_CACHE_URL not set, monthly reset is serialized per process only")
	}

	store, err := quota.NewPostgresStore(db.Pool)
	if err != nil {
		return err
	}

	catalog := quota.DefaultCatalog()
	if cfg.TiersPath != "" {
		if catalog, err = quota.LoadCatalog(cfg.TiersPath); err != nil {
			return fmt.Errorf("load tiers: %w", err)
		}
	}

	providers, err := newAIRouter(cfg.AI, logger)
	if err != nil {
		return err
	}
	logger.Info("AI providers registered", "chain", providers.Name())

	answerer := ai.NewAnswerer(providers, ai.AnswererConfig{
		SystemPrompt: cfg.AI.SystemPrompt,
		MaxTokens:    cfg.AI.MaxTokens,
	})

	allocator, err := quota.NewAllocator(quota.AllocatorConfig{
		Users:           store,
		Ledger:          store,
		Bundles:         store,
		Recorder:        store,
		Generator:       answerer,
		Location:        loc,
		GenerateTimeout: cfg.AI.Timeout,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	sweeper, err := quota.NewSweeper(quota.SweeperConfig{
		Ledger:   store,
		Latch:    latch,
		Location: loc,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	if cfg.Sweep.Enabled {
		scheduler, err := quota.NewScheduler(sweeper, cfg.Sweep.Schedule, loc, logger)
		if err != nil {
			return err
		}
		scheduler.Start()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := scheduler.Stop(sctx); err != nil {
				logger.Warn("scheduler stop timed out", "error", err)
			}
		}()
		logger.Info("monthly reset scheduled", "schedule", cfg.Sweep.Schedule, "next", scheduler.Next(time.Now()))
	}

	gin.SetMode(gin.ReleaseMode)
	router, err := api.NewRouter(api.Config{
		Allocator:    allocator,
		Sweeper:      sweeper,
		Store:        store,
		Catalog:      catalog,
		AdminKeyHash: cfg.Admin.KeyHash,
		ServiceName:  serviceName,
		Checks:       checks,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	srv := newHTTPServer(cfg.Server.Addr(), router, cfg.AI.Timeout)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

// newAIRouter registers every configured provider in preference order.
// QUOTA_AI_MODEL applies to OpenAI only; the others keep their defaults.
func newAIRouter(cfg config.AIConfig, logger *slog.Logger) (*ai.Router, error) {
	r := ai.NewRouter(logger)
	if cfg.OpenAI.APIKey != "" {
		var opts []ai.OpenAIOption
		if cfg.Model != "" {
			opts = append(opts, ai.WithDefaultModel(cfg.Model))
		}
		r.Register(ai.NewOpenAIProvider(cfg.OpenAI.APIKey, opts...))
	}
	if cfg.Anthropic.APIKey != "" {
		p, err := ai.NewAnthropicProvider(cfg.Anthropic.APIKey)
		if err != nil {
			return nil, fmt.Errorf("anthropic provider: %w", err)
		}
		r.Register(p)
	}
	if cfg.DeepSeek.APIKey != "" {
		r.Register(ai.NewDeepSeekProvider(cfg.DeepSeek.APIKey))
	}
	if !r.HasProvider() {
		return nil, ai.ErrNoProvider
	}
	return r, nil
}

// writeMargin covers the commit and response write that follow generation.
const writeMargin = 30 * time.Second

// newHTTPServer sizes WriteTimeout so an answer that finished within
// aiTimeout is still delivered after its quota is committed.
func newHTTPServer(addr string, handler http.Handler, aiTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      max(aiTimeout, 0) + writeMargin,
		IdleTimeout:       60 * time.Second,
	}
}
