package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tourflow/cmd/server/config"
	"tourflow/internal/app"
	"tourflow/internal/bus"
	"tourflow/internal/inventory"
	"tourflow/internal/observability"
)

var openDB = func(driver, dsn string) (*sql.DB, error) {
	return sql.Open(driver, dsn)
}

var loadRedis = config.LoadRedis

func buildRedisClient(ctx context.Context) (*redis.Client, int64, error) {
	cfg, err := loadRedis()
	if err != nil {
		return nil, 0, err
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, 0, err
	}
	if cfg.DialTimeout != nil {
		opts.DialTimeout = *cfg.DialTimeout
	}
	if cfg.ReadTimeout != nil {
		opts.ReadTimeout = *cfg.ReadTimeout
	}
	if cfg.WriteTimeout != nil {
		opts.WriteTimeout = *cfg.WriteTimeout
	}
	if cfg.PoolSize != nil {
		opts.PoolSize = *cfg.PoolSize
	}
	if cfg.MinIdleConns != nil {
		opts.MinIdleConns = *cfg.MinIdleConns
	}
	if cfg.MaxRetries != nil {
		opts.MaxRetries = *cfg.MaxRetries
	}
	if cfg.TLSConfig != nil {
		opts.TLSConfig = cfg.TLSConfig
	}

	client := redis.NewClient(opts)
	if cfg.EnableOTel {
		if err := redisotel.InstrumentTracing(client); err != nil {
			_ = client.Close()
			return nil, 0, err
		}
		if err := redisotel.InstrumentMetrics(client); err != nil {
			_ = client.Close()
			return nil, 0, err
		}
	}

	pingCtx := ctx
	if cfg.HealthcheckTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.HealthcheckTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, 0, fmt.Errorf("ping redis: %w", err)
	}
	return client, cfg.StreamMaxLen, nil
}

// buildBus returns the configured backend and a cleanup that releases it.
func buildBus(ctx context.Context, cfg config.BusConfig, log zerolog.Logger, metrics *observability.Metrics) (bus.Bus, func(), error) {
	log = log.With().Str("component", "bus").Str("driver", cfg.Driver).Logger()
	switch cfg.Driver {
	case config.BusRedis:
		client, maxLen, err := buildRedisClient(ctx)
		if err != nil {
			return nil, nil, err
		}
		b := bus.NewRedisStreams(client, bus.RedisStreamsOptions{
			Group:                cfg.Group,
			Consumer:             cfg.Consumer,
			BatchSize:            cfg.BatchSize,
			BlockTime:            cfg.BlockTime,
			ClaimMinIdle:         cfg.ClaimMinIdle,
			PendingCheckInterval: cfg.PendingCheckInterval,
			MaxDeliveries:        cfg.MaxDeliveries,
			MaxLen:               maxLen,
			Workers:              cfg.Workers,
			QueueSize:            cfg.QueueSize,
		}, log, metrics)
		return b, func() {
			if err := client.Close(); err != nil {
				log.Warn().Err(err).Msg("close redis")
			}
		}, nil
	case config.BusKafka:
		b := bus.NewKafka(bus.KafkaOptions{
			Brokers:       cfg.KafkaBrokers,
			GroupID:       cfg.Group,
			MaxDeliveries: cfg.MaxDeliveries,
			RetryBackoff:  cfg.RetryBackoff,
		}, log, metrics)
		return b, func() {
			if err := b.Close(); err != nil {
				log.Warn().Err(err).Msg("close kafka writer")
			}
		}, nil
	default:
		b := bus.NewMemoryBus(bus.MemoryOptions{
			QueueSize:       cfg.QueueSize,
			Workers:         cfg.Workers,
			MaxDeliveries:   cfg.MaxDeliveries,
			RedeliveryDelay: cfg.RetryBackoff,
		}, log, metrics)
		return b, func() { _ = b.Close() }, nil
	}
}

// buildStores opens the configured persistence for the enabled roles and
// loads any seeded products.
func buildStores(ctx context.Context, cfg config.StoreConfig, roles app.Roles, log zerolog.Logger) (app.Stores, func(), error) {
	products := make([]inventory.Product, 0, len(cfg.Seed))
	for _, s := range cfg.Seed {
		products = append(products, inventory.Product{ID: s.ID, AvailableStock: s.Stock, Price: s.Price})
	}

	if cfg.Driver != config.StorePostgres {
		stores, err := app.MemoryStores(ctx, products)
		return stores, func() {}, err
	}

	db, err := openDB("pgx", cfg.DatabaseURL)
	if err != nil {
		return app.Stores{}, nil, err
	}
	if cfg.MaxOpenConns != nil {
		db.SetMaxOpenConns(*cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns != nil {
		db.SetMaxIdleConns(*cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime != nil {
		db.SetConnMaxLifetime(*cfg.ConnMaxLifetime)
	}
	cleanup := func() {
		if err := db.Close(); err != nil {
			log.Warn().Err(err).Msg("close database")
		}
	}

	setupCtx, cancel := context.WithTimeout(ctx, cfg.SetupTimeout)
	defer cancel()
	if err := db.PingContext(setupCtx); err != nil {
		cleanup()
		return app.Stores{}, nil, fmt.Errorf("ping database: %w", err)
	}
	stores, err := app.PostgresStores(setupCtx, db, roles)
	if err != nil {
		cleanup()
		return app.Stores{}, nil, err
	}
	if stores.Ledger != nil {
		for _, p := range products {
			if err := stores.Ledger.UpsertProduct(setupCtx, p); err != nil {
				cleanup()
				return app.Stores{}, nil, fmt.Errorf("seed product %s: %w", p.ID, err)
			}
		}
	}
	return stores, cleanup, nil
}
