package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/binary-engine/internal/config"
	"github.com/atmx/binary-engine/internal/events"
	"github.com/atmx/binary-engine/internal/genealogy"
	"github.com/atmx/binary-engine/internal/placement"
	"github.com/atmx/binary-engine/internal/settlement"
	"github.com/atmx/binary-engine/internal/store"
	"github.com/atmx/binary-engine/internal/volume"
	"github.com/atmx/binary-engine/internal/wallet"
)

// engine holds the wired components and their cleanup hooks.
type engine struct {
	store      store.Store
	placement  *placement.Resolver
	volume     *volume.Propagator
	settlement *settlement.Engine
	wallet     *wallet.Service
	genealogy  *genealogy.Service
	cleanup    []func()
}

func (e *engine) close() {
	for i := len(e.cleanup) - 1; i >= 0; i-- {
		e.cleanup[i]()
	}
}

// build connects storage and event sinks and wires the engine. extra is
// added to the event fan-out when non-nil.
func build(ctx context.Context, cfg *config.Config, extra events.Publisher) (*engine, error) {
	e := &engine{}

	// --- Initialize store ---
	if cfg.DatabaseURL != "" {
		if cfg.AutoMigrate {
			version, err := store.Migrate(cfg.DatabaseURL)
			if err != nil {
				return nil, err
			}
			slog.Info("migrations applied", "version", version)
		}

		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		e.cleanup = append(e.cleanup, pool.Close)
		e.store = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				e.close()
				return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
			}
			rdb := redis.NewClient(opt)
			e.cleanup = append(e.cleanup, func() { rdb.Close() })
			e.store = store.NewCachedStore(e.store, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		ms := store.NewMemoryStore()
		if cfg.SeedPlans {
			if err := ms.SeedDefaultPlans(ctx); err != nil {
				return nil, err
			}
		}
		e.store = ms
	}

	// --- Events ---
	pubs := events.Multi{}
	if extra != nil {
		pubs = append(pubs, extra)
	}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		e.cleanup = append(e.cleanup, func() {
			if err := kp.Close(); err != nil {
				slog.Error("kafka writer close failed", "err", err)
			}
		})
		pubs = append(pubs, kp)
		slog.Info("Kafka events enabled", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers)
	}

	logger := slog.Default()
	e.placement = placement.NewResolver(e.store, cfg.MaxTreeDepth, pubs, logger)
	e.volume = volume.NewPropagator(e.store, cfg.MaxTreeDepth, pubs, logger)
	e.settlement = settlement.NewEngine(e.store, cfg.SettlementWorkers, pubs, logger)
	e.wallet = wallet.NewService(e.store, pubs, logger)
	e.genealogy = genealogy.NewService(e.store)
	return e, nil
}
