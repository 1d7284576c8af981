package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"

	"github.com/songzhibin97/letter-workflow/auth"
	"github.com/songzhibin97/letter-workflow/config"
	"github.com/songzhibin97/letter-workflow/logging"
	"github.com/songzhibin97/letter-workflow/storage"
	"github.com/songzhibin97/letter-workflow/types"
	"github.com/songzhibin97/letter-workflow/workflow"
)

// fullStore is what every configured backend provides.
type fullStore interface {
	storage.Storage
	storage.RoleStore
}

// app wires configuration, storage and the engine together.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    fullStore
	registry *prometheus.Registry
	engine   *workflow.Engine
	closers  []func()
}

func loadConfig(opts *rootOptions) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Development: cfg.Log.Development})
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	store, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = store

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := []workflow.Option{
		workflow.WithLogger(logger),
		workflow.WithMetrics(workflow.NewMetrics(a.registry)),
		workflow.WithConflictRetries(cfg.Engine.MaxConflictRetries),
	}
	if perms := cfg.PermissionCatalog(); len(perms) > 0 {
		opts = append(opts, workflow.WithCatalog(auth.NewCatalog(perms...)))
	}

	engine, err := workflow.NewEngine(generator.NewSnowflake(time.Now().Add(-1*time.Second), 1), store, auth.NewRoleGate(store), opts...)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	a.engine = engine
	a.closers = append(a.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := engine.Stop(ctx); err != nil {
			logger.Warn("event delivery did not finish", zap.Error(err))
		}
	})

	return a, nil
}

func (a *app) openStore(ctx context.Context) (fullStore, error) {
	cfg := a.cfg.Storage
	switch cfg.Backend {
	case config.BackendMemory:
		a.logger.Warn("using in-memory storage; state is lost on restart")
		return storage.NewMemoryStorage(), nil

	case config.BackendRedis:
		store, err := storage.NewRedisStorage(storage.RedisOptions{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			IdleTimeout:  cfg.Redis.IdleTimeout,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = store.Close() })
		a.logger.Info("redis storage connected", zap.String("addr", cfg.Redis.Addr), zap.Int("db", cfg.Redis.DB))
		return store, nil

	case config.BackendPostgres:
		poolConfig, err := pgxpool.ParseConfig(cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to parse database config: %w", err)
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create connection pool: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		if err := pool.Ping(ctx); err != nil {
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}

		store := storage.NewPostgresStorage(pool)
		if cfg.Postgres.Migrate {
			if err := store.Migrate(ctx); err != nil {
				return nil, err
			}
		}
		a.logger.Info("postgres storage connected", zap.String("host", poolConfig.ConnConfig.Host))
		return store, nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// seed applies the configured roles and definition files. Definitions that
// already exist are left alone since definitions are immutable.
func (a *app) seed(ctx context.Context) error {
	for _, role := range a.cfg.Engine.Roles {
		for _, perm := range role.Permissions {
			if err := a.store.GrantPermission(ctx, role.Name, types.Permission(perm)); err != nil {
				return fmt.Errorf("failed to grant %s to role %s: %w", perm, role.Name, err)
			}
		}
		for _, member := range role.Members {
			if err := a.store.GrantRole(ctx, member.ID, member.Type, role.Name); err != nil {
				return fmt.Errorf("failed to assign role %s to %s/%s: %w", role.Name, member.Type, member.ID, err)
			}
		}
	}

	for _, path := range a.cfg.Engine.Definitions {
		defs, err := workflow.LoadDefinitionsFile(path)
		if err != nil {
			return err
		}
		for _, def := range defs {
			err := a.engine.RegisterDefinition(ctx, def)
			switch {
			case err == nil:
			case errors.Is(err, workflow.ErrDefinitionExists):
				a.logger.Debug("definition already registered", zap.Uint64("definition_id", def.ID))
			default:
				return fmt.Errorf("%s: definition %d: %w", path, def.ID, err)
			}
		}
	}
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	_ = a.logger.Sync()
}
