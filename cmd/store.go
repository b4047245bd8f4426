package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/jlchulilla/libreborme/internal/entity"
	"github.com/jlchulilla/libreborme/internal/store"
)

const defaultSQLitePath = "libreborme.db"

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = defaultSQLitePath
		}
		return store.NewSQLite(dsn)
	case "postgres":
		if cfg.Store.DatabaseURL == "" {
			return nil, eris.New("store: database_url is required for postgres (LIBREBORME_STORE_DATABASE_URL)")
		}
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initLocker returns the entity locker shared by all imports of this
// process. With a Redis URL the locks are visible to other processes too.
func initLocker(ctx context.Context) (entity.Locker, func(), error) {
	if cfg.Lock.RedisURL == "" {
		return entity.NewKeyMutex(), func() {}, nil
	}

	client, err := entity.NewRedisClient(ctx, cfg.Lock.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	zap.L().Info("using redis entity locks", zap.Duration("ttl", cfg.Lock.TTL))
	return entity.NewRedisLocker(client, cfg.Lock.TTL), func() { _ = client.Close() }, nil
}
