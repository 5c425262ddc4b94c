// Command leadscout serves batch people searches over the REST API and the
// MCP endpoint.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/leadscout/audit"
	"github.com/hazyhaar/leadscout/batch"
	"github.com/hazyhaar/leadscout/config"
	"github.com/hazyhaar/leadscout/dbopen"
	"github.com/hazyhaar/leadscout/httpapi"
	"github.com/hazyhaar/leadscout/linkedin"
	"github.com/hazyhaar/leadscout/maintenance"
	"github.com/hazyhaar/leadscout/ratelimit"
	"github.com/hazyhaar/leadscout/registry"
	"github.com/hazyhaar/leadscout/searchcache"
	"github.com/hazyhaar/leadscout/websearch"
)

var version = "dev"

func main() {
	cfg, err := config.Load(os.Getenv("LEADSCOUT_CONFIG"))
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("leadscout", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	limiter, err := ratelimit.New(cfg.Budgets(), ratelimit.WithDB(db), ratelimit.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	// Session.
	sessions, err := linkedin.NewSQLiteSessionStore(db, cfg.Passphrase)
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	if cfg.Passphrase == "" {
		logger.Warn("SESSION_PASSPHRASE not set: login secrets are not persisted")
	}
	machine, err := linkedin.NewMachine(linkedin.Config{
		NewDriver: linkedin.RodDriverFactory(cfg.Browser),
		Store:     sessions,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer machine.Close()
	if sess, err := machine.Restore(ctx); err != nil {
		logger.Warn("session restore failed", "error", err, "status", sess.Status)
	} else {
		logger.Info("session restored", "status", sess.Status)
	}

	// Redis is shared by the cache backend and the progress publisher.
	var rdb *redis.Client
	if cfg.Cache.RedisURL != "" {
		rdb, err = searchcache.NewRedisClient(ctx, cfg.Cache.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
	}

	cache, err := openCache(cfg, db, rdb)
	if err != nil {
		return err
	}

	var publisher batch.Publisher
	if cfg.Batch.PublishProgress {
		publisher = batch.NewRedisPublisher(rdb, logger)
	}

	orch, err := batch.New(batch.Config{
		DB:           db,
		Auth:         machine,
		Limiter:      limiter,
		Cache:        cache,
		ReuseWindow:  cfg.Batch.ReuseWindow,
		DefaultLimit: cfg.Batch.DefaultLimit,
		Publisher:    publisher,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	defer orch.Close()
	if _, err := orch.Recover(ctx); err != nil {
		return err
	}

	companies := registry.New(registry.Config{
		APIKey:  cfg.Registry.APIKey,
		BaseURL: cfg.Registry.BaseURL,
		Gate:    limiter,
		Logger:  logger,
	})
	profiles := websearch.New(websearch.Config{
		APIKey:   cfg.WebSearch.APIKey,
		EngineID: cfg.WebSearch.EngineID,
		BaseURL:  cfg.WebSearch.BaseURL,
		Gate:     limiter,
		Logger:   logger,
	})
	logger.Info("lookups", "registry", companies.Configured(), "websearch", profiles.Configured())

	var trail *audit.SQLiteLogger
	if !cfg.Audit.Disabled {
		trail = audit.NewSQLiteLogger(db, audit.WithLogger(logger))
		if err := trail.Init(); err != nil {
			return err
		}
		defer trail.Close()
	}

	// Maintenance.
	sched := maintenance.New(logger)
	jobs := []maintenance.Job{
		maintenance.CachePurge(cache, cfg.Maintenance.CachePurge, logger),
		maintenance.BatchRetention(orch, cfg.Batch.Retention, cfg.Maintenance.Retention, logger),
		maintenance.SessionCheck(machine, cfg.Maintenance.SessionCheck, logger),
	}
	if trail != nil {
		jobs = append(jobs, maintenance.AuditCleanup(trail, cfg.Audit.Retention, cfg.Maintenance.AuditCleanup, logger))
	}
	for _, job := range jobs {
		if job.Spec == "" {
			continue
		}
		if err := sched.Add(job); err != nil {
			return err
		}
	}
	sched.Start(ctx)
	defer sched.Stop(30 * time.Second)

	api := httpapi.New(httpapi.Config{
		Auth:      machine,
		Batches:   orch,
		Limits:    limiter,
		Companies: companies,
		Profiles:  profiles,
		Audit:     trail,
		Version:   version,
		Logger:    logger,

		AllowedOrigins: cfg.AllowedOrigins,
	})
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.Listen, "version", version)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	logger.Info("server stopped")
	return nil
}

func openCache(cfg *config.Config, db *sql.DB, rdb *redis.Client) (searchcache.Cache, error) {
	opts := searchcache.Options{TTL: cfg.Cache.TTL, MaxEntries: cfg.Cache.MaxEntries}
	switch cfg.Cache.Backend {
	case config.CacheMemory:
		return searchcache.NewMemory(opts), nil
	case config.CacheRedis:
		return searchcache.NewRedis(rdb, opts), nil
	default:
		c, err := searchcache.NewSQLite(db, opts)
		if err != nil {
			return nil, fmt.Errorf("search cache: %w", err)
		}
		return c, nil
	}
}
