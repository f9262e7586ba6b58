package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/liamcoop/billingrules/internal/config"
	"github.com/liamcoop/billingrules/internal/logger"
	"github.com/liamcoop/billingrules/internal/metrics"
	"github.com/liamcoop/billingrules/multitenantengine"
	"github.com/liamcoop/billingrules/rules"
)

type Server struct {
	db      *sql.DB
	manager *multitenantengine.Manager
	router  *chi.Mux
}

// NewServer serves the tenants registered in manager. db backs the health
// check.
func NewServer(db *sql.DB, manager *multitenantengine.Manager) *Server {
	s := &Server{
		db:      db,
		manager: manager,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Post("/api/v1/evaluate", s.handleEvaluate)

	r.Route("/api/v1/tenants", func(r chi.Router) {
		r.Get("/", s.handleListTenants)
		r.Post("/", s.handleCreateTenant)

		r.Route("/{tenantId}", func(r chi.Router) {
			r.Post("/schema", s.handleUpdateSchema)
			r.Get("/schema", s.handleGetSchema)

			r.Post("/rule-groups", s.handleCreateRuleGroup)
			r.Get("/rule-groups", s.handleListRuleGroups)
			r.Get("/rule-groups/{groupId}", s.handleGetRuleGroup)
			r.Put("/rule-groups/{groupId}", s.handleUpdateRuleGroup)
			r.Delete("/rule-groups/{groupId}", s.handleDeleteRuleGroup)
			r.Post("/rule-groups/{groupId}/invalidate", s.handleInvalidateRuleGroup)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// newManager wires the per-tenant stores and caches described by cfg
func newManager(db *sql.DB, cfg config.Config) (*multitenantengine.Manager, func() error, error) {
	cacheConfig := rules.CacheConfig{TTL: cfg.Cache.TTL}
	cacheFactory := func(string) rules.RuleGroupCache {
		return rules.NewInMemoryRuleGroupCache(cacheConfig)
	}
	closeCache := func() error { return nil }

	if cfg.Redis.Enabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		cacheFactory = func(tenantID string) rules.RuleGroupCache {
			return rules.NewRedisRuleGroupCache(client, "billing-rules:"+tenantID, cacheConfig)
		}
		closeCache = client.Close
		logger.Info("redis rule group cache enabled", "addr", cfg.Redis.Addr)
	}

	manager := multitenantengine.NewManager(db,
		multitenantengine.WithNotifyChannel(cfg.NotifyChannel),
		multitenantengine.WithCacheFactory(cacheFactory),
		multitenantengine.WithEngineOptions(rules.WithParallelism(cfg.EvalParallelism)),
	)
	return manager, closeCache, nil
}

func run(ctx context.Context, cfg config.Config) error {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	manager, closeCache, err := newManager(db, cfg)
	if err != nil {
		return err
	}
	defer closeCache()

	if err := manager.LoadAllTenants(ctx); err != nil {
		return fmt.Errorf("failed to load tenants: %w", err)
	}

	listener, err := rules.NewListener(cfg.DatabaseURL, cfg.NotifyChannel, manager)
	if err != nil {
		return err
	}
	defer listener.Close()
	go func() {
		if err := listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("rule group listener stopped", "error", err)
		}
	}()

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      NewServer(db, manager),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.Port, "tenants", len(manager.ListTenants()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		logger.Fatal("invalid configuration", "error", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Fatal("server exited", "error", err)
	}

	if err := logger.Shutdown(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "logger shutdown: %v\n", err)
	}
}
