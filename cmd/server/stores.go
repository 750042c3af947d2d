package main

import (
	"context"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"

	"ytkara/internal/app"
	"ytkara/internal/domain/ports"
	filestore "ytkara/internal/services/session/repository/file"
	sessionmongo "ytkara/internal/services/session/repository/mongo"
	sessionredis "ytkara/internal/services/session/repository/redis"
)

// openSessionStore connects the backend selected by STATE_STORE. The
// returned close function releases its connection.
func openSessionStore(ctx context.Context, cfg app.Config, logger *slog.Logger) (ports.SessionStore, func(), error) {
	switch cfg.StateStore {
	case app.StateStoreMongo:
		client, err := sessionmongo.Connect(ctx, cfg.MongoURI, options.Client().SetMonitor(otelmongo.NewMonitor()))
		if err != nil {
			return nil, nil, fmt.Errorf("mongo connect: %w", err)
		}
		if err := client.Ping(ctx, readpref.Primary()); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, fmt.Errorf("mongo ping: %w", err)
		}
		logger.Info("session store: mongo", slog.String("database", cfg.MongoDatabase))
		closeFn := func() {
			if err := client.Disconnect(context.Background()); err != nil {
				logger.Warn("mongo disconnect error", slog.String("error", err.Error()))
			}
		}
		return sessionmongo.NewSessionStateRepository(client, cfg.MongoDatabase), closeFn, nil

	case app.StateStoreRedis:
		client, err := sessionredis.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("redis connect: %w", err)
		}
		logger.Info("session store: redis", slog.String("key", cfg.RedisKey))
		closeFn := func() {
			if err := client.Close(); err != nil {
				logger.Warn("redis close error", slog.String("error", err.Error()))
			}
		}
		return sessionredis.NewSessionStateStore(client, cfg.RedisKey), closeFn, nil

	default:
		logger.Info("session store: file", slog.String("path", cfg.StateFile))
		return filestore.NewSessionStateStore(cfg.StateFile), func() {}, nil
	}
}
