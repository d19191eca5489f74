// Package bootstrap assembles the allocation engine from configuration.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"consecutive/internal/config"
	"consecutive/internal/domain/sequence"
	"consecutive/internal/infrastructure/lease"
	"consecutive/internal/infrastructure/metrics"
	"consecutive/internal/infrastructure/storage/memory"
	"consecutive/internal/infrastructure/storage/postgres"
	"consecutive/pkg/logger"
)

// Check reports whether a backing dependency is usable.
type Check func(ctx context.Context) error

// Engine is a wired sequence service plus the resources it owns.
type Engine struct {
	Service *sequence.Service
	Checks  map[string]Check

	pool    *postgres.Pool
	closers []func()
}

// Open connects the configured store and lease backend and builds the service.
// When reg is non-nil the engine and pool metrics are registered on it.
func Open(ctx context.Context, cfg config.Engine, log *logger.Logger, reg prometheus.Registerer) (_ *Engine, err error) {
	e := &Engine{Checks: make(map[string]Check)}
	defer func() {
		if err != nil {
			e.Close()
		}
	}()

	store, err := e.openStore(ctx, cfg.Storage, log, reg)
	if err != nil {
		return nil, err
	}

	svcCfg := sequence.Config{
		Store:          store,
		Policy:         cfg.Lease.Policy,
		ReservationTTL: cfg.ReservationTTL,
		Logger:         log,
	}

	if cfg.Lease.Backend == config.LeaseRedis {
		locker, err := lease.NewRedisLocker(ctx, cfg.Lease.Redis)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, func() { _ = locker.Close() })
		e.Checks["redis"] = locker.Ping
		svcCfg.Locker = locker
	}

	if reg != nil {
		svcCfg.Observer = metrics.NewObserver(reg)
	}

	e.Service = sequence.NewService(svcCfg)
	log.Infow("sequence engine ready",
		"store", cfg.Storage.Backend,
		"lease", cfg.Lease.Backend,
		"lease_ttl", cfg.Lease.Policy.TTL,
		"reservation_ttl", cfg.ReservationTTL,
	)
	return e, nil
}

func (e *Engine) openStore(ctx context.Context, cfg config.Storage, log *logger.Logger, reg prometheus.Registerer) (sequence.Store, error) {
	if cfg.Backend != config.StorePostgres {
		log.Warn("using in-memory store; state is lost on restart")
		return memory.New(), nil
	}

	pool, err := postgres.NewPool(ctx, cfg.Pool())
	if err != nil {
		return nil, err
	}
	e.pool = pool
	e.closers = append(e.closers, pool.Close)
	e.Checks["database"] = pool.Ping

	if err := postgres.Migrate(ctx, pool); err != nil {
		return nil, err
	}

	store, err := postgres.NewStore(postgres.NewTxManager(pool))
	if err != nil {
		return nil, fmt.Errorf("create store: %w", err)
	}

	if reg != nil {
		reg.MustRegister(metrics.NewPoolCollector(func() postgres.PoolStats {
			return postgres.GetPoolStats(pool.Unwrap())
		}))
	}
	log.Info("database connection established")
	return store, nil
}

// LogPoolStats logs connection pool usage when the postgres store is in use.
func (e *Engine) LogPoolStats(ctx context.Context) {
	if e.pool != nil {
		postgres.LogPoolStats(ctx, e.pool.Unwrap())
	}
}

// Close releases resources in reverse order of acquisition.
func (e *Engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}
