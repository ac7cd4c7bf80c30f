package main

import (
	"context"
	"fmt"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"

	"github.com/fortressi/saga"
	"github.com/fortressi/saga/config"
	"github.com/fortressi/saga/storage"
)

// openStore returns the event store selected by cfg and a func releasing it.
func openStore(ctx context.Context, cfg *config.Config) (saga.EventStore, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Store.Driver {
	case config.DriverMemory:
		return saga.NewMemoryEventStore(), noop, nil

	case config.DriverFile:
		store, err := saga.NewFileEventStore(cfg.Store.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, noop, nil

	case config.DriverRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.Store.RedisAddr})
		store := storage.NewRedisEventStore(client, storage.WithKeyPrefix(cfg.Store.RedisPrefix))
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		return store, store.Close, nil

	case config.DriverPostgres, config.DriverSQLite:
		store, err := storage.OpenSQLEventStore(ctx, storage.Dialect(cfg.Store.Driver), cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}
