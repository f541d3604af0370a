// Package api exposes the quota service over HTTP with gin.
package api

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/p-n-ai/pai-quota/internal/platform/metrics"
	"github.com/p-n-ai/pai-quota/internal/quota"
)

// Allocator serves questions and reports quota positions.
type Allocator interface {
	Ask(ctx context.Context, userID, question string) (quota.Exchange, error)
	Status(ctx context.Context, userID string) (quota.Status, error)
}

// Sweeper runs the monthly reset on demand.
type Sweeper interface {
	RunMonthlyReset(ctx context.Context) (int, error)
}

// Store is the read and grant side of persistence used by the handlers.
type Store interface {
	quota.UserStore
	quota.BundleStore
	quota.ExchangeStore
}

// Check reports whether a dependency is ready.
type Check func(ctx context.Context) error

// Config wires the HTTP layer.
type Config struct {
	Allocator Allocator
	Sweeper   Sweeper
	Store     Store
	Catalog   *quota.Catalog
	// AdminKeyHash is a bcrypt hash. Admin routes are not mounted when empty.
	AdminKeyHash string
	ServiceName  string
	Checks       map[string]Check
	Logger       *slog.Logger
	Now          func() time.Time
}

type server struct {
	alloc     Allocator
	sweeper   Sweeper
	store     Store
	catalog   *quota.Catalog
	adminHash []byte
	checks    map[string]Check
	logger    *slog.Logger
	now       func() time.Time
}

// NewRouter builds the gin engine with middleware and every route mounted.
func NewRouter(cfg Config) (*gin.Engine, error) {
	if cfg.Allocator == nil {
		return nil, errors.New("allocator is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	s := &server{
		alloc:     cfg.Allocator,
		sweeper:   cfg.Sweeper,
		store:     cfg.Store,
		catalog:   cfg.Catalog,
		adminHash: []byte(cfg.AdminKeyHash),
		checks:    cfg.Checks,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
	if s.catalog == nil {
		s.catalog = quota.DefaultCatalog()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "pai-quota"
	}

	r := gin.New()
	r.Use(
		recovery(s.logger),
		requestID(),
		otelgin.Middleware(serviceName),
		requestMetrics(),
		requestLogger(s.logger),
	)

	r.GET("/health", s.health)
	r.GET("/healthz", s.healthz)
	r.GET("/readyz", s.readyz)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	users := r.Group("/api/users/:userId")
	users.POST("/chat", s.postChat)
	users.GET("/chat/ws", s.chatSocket)
	users.GET("/chats", s.listChats)
	users.GET("/chats/export", s.exportChats)
	users.GET("/quota", s.quotaStatus)

	if len(s.adminHash) > 0 {
		admin := r.Group("/api/admin", requireAdmin(s.adminHash))
		admin.POST("/users", s.createUser)
		admin.GET("/users", s.findUserByEmail)
		admin.GET("/users/:userId", s.findUser)
		admin.POST("/users/:userId/bundles", s.grantBundle)
		if s.sweeper != nil {
			admin.POST("/sweeps", s.runSweep)
		}
	}

	return r, nil
}
