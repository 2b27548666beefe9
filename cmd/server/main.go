package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/driftlabs/synccore/internal/auth"
	"github.com/driftlabs/synccore/internal/cache"
	"github.com/driftlabs/synccore/internal/conflict"
	"github.com/driftlabs/synccore/internal/db"
	"github.com/driftlabs/synccore/internal/httpapi"
	"github.com/driftlabs/synccore/internal/kv"
	"github.com/driftlabs/synccore/internal/version"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatal().Str("var", k).Str("value", v).Msg("env var must be an integer")
	}
	return n
}

func envDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatal().Str("var", k).Str("value", v).Msg("env var must be a duration")
	}
	return d
}

// registerCachePolicies loads per-entity-type cache policies from the
// CACHE_POLICIES env var (JSON map of entityType to policy). Falls back to a
// medium-priority default for common entity types.
func registerCachePolicies(c *cache.Selective) {
	if raw := env("CACHE_POLICIES", ""); raw != "" {
		var policies map[string]cache.Policy
		if err := json.Unmarshal([]byte(raw), &policies); err != nil {
			log.Fatal().Err(err).Msg("invalid CACHE_POLICIES")
		}
		for entityType, p := range policies {
			c.RegisterPolicy(entityType, p)
		}
		return
	}

	for _, entityType := range []string{"note", "task", "comment"} {
		c.RegisterPolicy(entityType, cache.Policy{
			Cacheable: true,
			Strategies: []cache.Strategy{
				{Key: "latest", TTL: 10 * time.Minute, Priority: cache.PriorityMedium},
			},
		})
	}
}

// maintenanceLoop runs the periodic background work: adaptive cache tuning,
// expired kv purging, and resolved-conflict retention.
func maintenanceLoop(ctx context.Context, selective *cache.Selective, store *kv.PGStore, conflicts *conflict.Resolver, optimizeEvery time.Duration, conflictRetentionDays int) {
	optimize := time.NewTicker(optimizeEvery)
	purge := time.NewTicker(5 * time.Minute)
	retention := time.NewTicker(24 * time.Hour)
	defer optimize.Stop()
	defer purge.Stop()
	defer retention.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-optimize.C:
			if adjusted := selective.Optimize(ctx); adjusted > 0 {
				log.Info().Int("adjusted", adjusted).Msg("cache ttls tuned")
			}
		case <-purge.C:
			if n, err := store.PurgeExpired(ctx); err != nil {
				log.Warn().Err(err).Msg("kv purge failed")
			} else if n > 0 {
				log.Debug().Int64("purged", n).Msg("expired kv entries purged")
			}
		case <-retention.C:
			if n, err := conflicts.CleanupResolved(ctx, conflictRetentionDays); err != nil {
				log.Warn().Err(err).Msg("conflict retention cleanup failed")
			} else if n > 0 {
				log.Info().Int64("deleted", n).Msg("old resolved conflicts deleted")
			}
		}
	}
}

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "synccore").Logger()

	// Pretty logging for local dev
	if env("ENV", "dev") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database connection
	pgURL := env("DATABASE_URL", "")
	if pgURL == "" {
		log.Fatal().Msg("DATABASE_URL is required")
	}

	pool, err := db.Open(ctx, pgURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate schema")
	}

	// Wire the engine: kv store, version store, conflict resolver, cache
	store := kv.NewPGStore(pool)

	versions, err := version.New(version.NewPGRepo(pool), store)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create version store")
	}

	conflicts := conflict.New(conflict.NewPGRepo(pool), versions)

	selective := cache.New(cache.NewRegistry(), store)
	registerCachePolicies(selective)

	go maintenanceLoop(ctx, selective, store, conflicts,
		envDuration("CACHE_OPTIMIZE_INTERVAL", 15*time.Minute),
		envInt("CONFLICT_RETENTION_DAYS", 30))

	// HTTP server setup
	srv := &httpapi.Server{
		DB:                   pool,
		Versions:             versions,
		Conflicts:            conflicts,
		Cache:                selective,
		RateLimitConfig:      httpapi.DefaultRateLimitConfig,
		VersionRetentionKeep: envInt("VERSION_RETENTION_KEEP", 10),
	}

	jwtCfg := auth.JWTCfg{
		HS256Secret: env("JWT_HS256_SECRET", "dev-secret-change-in-production"),
		DevMode:     env("ENV", "dev") == "dev",
	}

	httpAddr := env("HTTP_ADDR", ":8081")
	httpServer := &http.Server{
		Addr:         httpAddr,
		Handler:      srv.Routes(jwtCfg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", httpAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("server stopped")
}
