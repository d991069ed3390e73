package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/hireflow/internal/config"
	"github.com/pitabwire/hireflow/internal/database"
	"github.com/pitabwire/hireflow/internal/definition"
	"github.com/pitabwire/hireflow/internal/idempotency"
	"github.com/pitabwire/hireflow/internal/notify"
	"github.com/pitabwire/hireflow/internal/observability"
	"github.com/pitabwire/hireflow/internal/workflow"
)

func noop() {}

// buildStore opens the configured entity store. The returned closer releases
// its connections.
func buildStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (workflow.Store, observability.HealthChecker, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Warn("using in-memory store; data is lost on restart")
		return workflow.NewMemoryStore(), nil, noop, nil

	case "postgres":
		if cfg.MigrateOnStart {
			if err := database.MigratePostgres(cfg.ResolveDSN(), logger); err != nil {
				return nil, nil, nil, err
			}
		}
		pool, err := database.OpenPostgres(ctx, cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		logger.Info("using postgres store")
		return workflow.NewPgStore(pool), database.PostgresHealth{Pool: pool}, pool.Close, nil

	case "mongo":
		client, err := database.OpenMongo(ctx, cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		closer := func() {
			if err := client.Disconnect(context.Background()); err != nil {
				logger.Warn("mongo disconnect", zap.Error(err))
			}
		}
		store := workflow.NewMongoStore(client, cfg.Database)
		if cfg.MigrateOnStart {
			if err := store.EnsureIndexes(ctx); err != nil {
				closer()
				return nil, nil, nil, fmt.Errorf("mongo indexes: %w", err)
			}
		}
		logger.Info("using mongo store", zap.String("database", cfg.Database))
		return store, database.MongoHealth{Client: client}, closer, nil

	case "sqlite":
		db, err := database.OpenSQLite(ctx, cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		store, err := workflow.NewSQLiteStore(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, nil, nil, err
		}
		logger.Info("using sqlite store")
		return store, database.SQLHealth{DB: db}, func() { _ = db.Close() }, nil

	default:
		return nil, nil, nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// buildIdempotencyStore returns nil stores when idempotency is disabled.
func buildIdempotencyStore(cfg config.IdempotencyConfig, logger *zap.Logger) (idempotency.Store, observability.HealthChecker, func(), error) {
	if !cfg.Enabled {
		return nil, nil, noop, nil
	}

	switch cfg.Store.Driver {
	case "memory", "":
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore(), nil, noop, nil
	case "redis":
		addr := os.Getenv(cfg.Store.AddrEnv)
		if addr == "" {
			return nil, nil, nil, fmt.Errorf("idempotency store: %s environment variable not set", cfg.Store.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Store.DB})
		store := idempotency.NewRedisStore(client)
		logger.Info("using redis idempotency store", zap.String("addr", addr))
		return store, store, func() { _ = client.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported idempotency store driver: %q", cfg.Store.Driver)
	}
}

func buildDispatcher(cfg config.NotificationsConfig, logger *zap.Logger) (notify.Dispatcher, error) {
	switch cfg.Driver {
	case "log", "":
		return notify.NewLogDispatcher(logger), nil
	case "none":
		return notify.Nop, nil
	case "smtp":
		return notify.NewSMTPDispatcher(notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: os.Getenv(cfg.SMTP.PasswordEnv),
			From:     cfg.SMTP.From,
		}, notify.DefaultTemplates(), logger), nil
	default:
		return nil, fmt.Errorf("unsupported notification driver: %q", cfg.Driver)
	}
}

// watchReload re-reads lifecycle files on SIGHUP. A failed reload keeps the
// current graphs.
func watchReload(ctx context.Context, cfg config.LifecyclesConfig, registry *definition.Registry, metrics *observability.Metrics, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			defs, err := readLifecycles(cfg, logger)
			if err != nil {
				metrics.RecordLifecycleReload("error", 0)
				logger.Error("lifecycle reload failed", zap.Error(err))
				continue
			}
			registry.Replace(defs)
			metrics.RecordLifecycleReload("ok", len(defs))
			logger.Info("lifecycles reloaded",
				zap.Strings("entity_types", registry.EntityTypes()),
				zap.String("checksum", registry.Checksum()))
		}
	}
}
