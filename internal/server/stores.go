package server

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/fleet-crawler/internal/api"
	"github.com/JakeFAU/fleet-crawler/internal/config"
	"github.com/JakeFAU/fleet-crawler/internal/crawler"
	"github.com/JakeFAU/fleet-crawler/internal/storage"
	"github.com/JakeFAU/fleet-crawler/internal/storage/memory"
	"github.com/JakeFAU/fleet-crawler/internal/storage/postgres"
	"github.com/JakeFAU/fleet-crawler/internal/storage/redis"
	"github.com/JakeFAU/fleet-crawler/internal/storage/sqlite"
)

// Stores bundles the shared state backends selected by configuration.
type Stores struct {
	Claims   crawler.ClaimStore
	Results  crawler.ResultStore
	Frontier crawler.Frontier
	// Checks are readiness probes for the durable backends.
	Checks map[string]api.Check

	closers []func() error
}

// ClaimConfig derives the claim store settings from cfg.
func ClaimConfig(cfg *config.Config, clock crawler.Clock) storage.ClaimConfig {
	return storage.ClaimConfig{
		LeaseTimeout: cfg.Claims.LeaseTimeout,
		Backoff: crawler.BackoffPolicy{
			Base:        cfg.Claims.BackoffBase,
			Max:         cfg.Claims.BackoffMax,
			MaxAttempts: cfg.Crawler.MaxAttempts,
		},
		Clock: clock,
	}
}

// BuildStores opens the claim, result and frontier backends. The claim ledger
// may live in Redis while results and the frontier stay in the main backend.
func BuildStores(ctx context.Context, cfg *config.Config, clock crawler.Clock, logger *zap.Logger) (*Stores, error) {
	claimCfg := ClaimConfig(cfg, clock)
	s := &Stores{Checks: map[string]api.Check{}}

	switch cfg.Store.Backend {
	case config.BackendPostgres:
		pg, err := postgres.New(ctx, cfg.Store.Postgres, claimCfg)
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		s.closers = append(s.closers, func() error { pg.Close(); return nil })
		if err := pg.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("postgres migrate failed: %w", err)
		}
		s.Claims, s.Results, s.Frontier = pg, pg, pg
		s.Checks[config.BackendPostgres] = pg.Ping
		logger.Info("using postgres store backend")
	case config.BackendSQLite:
		lite, err := sqlite.Open(ctx, cfg.Store.SQLite, claimCfg)
		if err != nil {
			return nil, fmt.Errorf("sqlite store init failed: %w", err)
		}
		s.closers = append(s.closers, lite.Close)
		s.Claims, s.Results, s.Frontier = lite, lite, lite
		s.Checks[config.BackendSQLite] = lite.Ping
		logger.Info("using sqlite store backend", zap.String("path", cfg.Store.SQLite.Path))
	default:
		s.Claims = memory.NewClaimStore(claimCfg)
		s.Results = memory.NewResultStore()
		s.Frontier = memory.NewFrontier(clock, claimCfg.LeaseTimeout)
		logger.Info("using in-memory store backend")
	}

	if cfg.ClaimsBackend() == config.BackendRedis {
		claims, err := redis.New(cfg.Store.Redis, claimCfg)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("redis claim store init failed: %w", err)
		}
		s.closers = append(s.closers, claims.Close)
		s.Claims = claims
		s.Checks[config.BackendRedis] = claims.Ping
		logger.Info("using redis claim ledger", zap.String("addr", cfg.Store.Redis.Addr))
	}
	return s, nil
}

// Close releases backend connections in reverse order of opening.
func (s *Stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
