package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/songzhibin97/letter-workflow/types"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config holds the configuration for letterflow.
type Config struct {
	Server struct {
		Addr            string        `mapstructure:"addr"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`
	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`
	Storage struct {
		Backend string `mapstructure:"backend"`
		Redis   struct {
			Addr         string        `mapstructure:"addr"`
			Password     string        `mapstructure:"password"`
			DB           int           `mapstructure:"db"`
			PoolSize     int           `mapstructure:"pool_size"`
			MinIdleConns int           `mapstructure:"min_idle_conns"`
			IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
		} `mapstructure:"redis"`
		Postgres struct {
			DSN     string `mapstructure:"dsn"`
			Migrate bool   `mapstructure:"migrate"`
		} `mapstructure:"postgres"`
	} `mapstructure:"storage"`
	Engine struct {
		MaxConflictRetries int          `mapstructure:"max_conflict_retries"`
		Permissions        []string     `mapstructure:"permissions"`
		Definitions        []string     `mapstructure:"definitions"`
		Roles              []RoleConfig `mapstructure:"roles"`
	} `mapstructure:"engine"`
}

// RoleConfig seeds a role, its grants and its members at startup.
type RoleConfig struct {
	Name        string        `mapstructure:"name"`
	Permissions []string      `mapstructure:"permissions"`
	Members     []types.Actor `mapstructure:"members"`
}

// PermissionCatalog returns the configured permissions as typed tags.
func (c *Config) PermissionCatalog() []types.Permission {
	perms := make([]types.Permission, 0, len(c.Engine.Permissions))
	for _, p := range c.Engine.Permissions {
		perms = append(perms, types.Permission(p))
	}
	return perms
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.idle_timeout", 5*time.Minute)
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.migrate", true)
	v.SetDefault("engine.max_conflict_retries", 3)
}

// Load reads letterflow.yaml (or the file at path) and LETTERFLOW_* environment
// overrides, e.g. LETTERFLOW_STORAGE_BACKEND=redis. Without an explicit path a
// missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("letterflow")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix("LETTERFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values viper cannot check by type.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory, BackendRedis:
	case BackendPostgres:
		if c.Storage.Postgres.DSN == "" {
			return errors.New("storage.postgres.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Engine.MaxConflictRetries < 0 {
		return errors.New("engine.max_conflict_retries cannot be negative")
	}
	for _, r := range c.Engine.Roles {
		if r.Name == "" {
			return errors.New("engine.roles: role name is required")
		}
	}
	return nil
}
