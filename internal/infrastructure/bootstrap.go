package infrastructure

import (
	"context"
	"fmt"

	"hsaledger/internal/config"
	"hsaledger/internal/repository"
	"hsaledger/internal/service"
	transportHTTP "hsaledger/internal/transport/http"
	transportNATS "hsaledger/internal/transport/nats"
	"hsaledger/internal/worker"
)

// Bootstrap initialises all dependencies from config and wires up the
// application. Returns the App, a cleanup function, or an error.
func Bootstrap(ctx context.Context) (*App, func(), error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, err
	}

	var cleanupFns []func()

	var store repository.Store
	var cache *repository.BalanceCache

	switch cfg.Storage {
	case "memory":
		store = repository.NewMemory()
	case "postgres":
		db, err := connectPostgres(cfg.DSN())
		if err != nil {
			return nil, nil, err
		}
		cleanupFns = append(cleanupFns, db.Close)
		store = repository.NewPostgres(db)

		if cfg.RedisEnabled() {
			rdb, err := connectRedis(cfg.RedisAddr())
			if err != nil {
				return nil, runCleanup(cleanupFns), err
			}
			cleanupFns = append(cleanupFns, func() { _ = rdb.Close() })
			cache = repository.NewBalanceCache(rdb)
		}
	default:
		return nil, nil, fmt.Errorf("unknown storage provider %q", cfg.Storage)
	}

	var bus repository.MessageBus
	var servers []Server

	if cfg.NatsEnabled() {
		nc, err := connectNats(cfg.NatsAddr())
		if err != nil {
			return nil, runCleanup(cleanupFns), err
		}
		cleanupFns = append(cleanupFns, nc.Close)
		bus = transportNATS.NewBus(nc)

		svc := service.NewLedger(store, cache, bus)

		// NATS handles async deposit/purchase commands; the worker keeps
		// the balance cache in step with committed events.
		servers = append(servers, transportNATS.NewHandler(svc, nc))
		if cache != nil {
			servers = append(servers, worker.NewCacheWorker(cache, nc))
		}
		servers = append(servers, transportHTTP.NewServer(cfg.ApiAddr(), svc))
	} else {
		svc := service.NewLedger(store, cache, bus)
		servers = append(servers, transportHTTP.NewServer(cfg.ApiAddr(), svc))
	}

	return NewApp(servers), runCleanup(cleanupFns), nil
}

// runCleanup returns a single function that calls all cleanup functions in reverse order.
func runCleanup(fns []func()) func() {
	return func() {
		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
	}
}
