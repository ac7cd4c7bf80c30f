// Package config loads sagactl settings from an optional YAML file and
// SAGA_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fortressi/saga"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

type Config struct {
	Log struct {
		Level       string `mapstructure:"level" yaml:"level"`
		Development bool   `mapstructure:"development" yaml:"development"`
	} `mapstructure:"log" yaml:"log"`

	Store struct {
		Driver      string `mapstructure:"driver" yaml:"driver"`
		Path        string `mapstructure:"path" yaml:"path"`
		DSN         string `mapstructure:"dsn" yaml:"dsn"`
		RedisAddr   string `mapstructure:"redis_addr" yaml:"redis_addr"`
		RedisPrefix string `mapstructure:"redis_prefix" yaml:"redis_prefix"`
	} `mapstructure:"store" yaml:"store"`

	HTTP struct {
		Addr string `mapstructure:"addr" yaml:"addr"`
	} `mapstructure:"http" yaml:"http"`

	Metrics struct {
		Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
		Namespace string `mapstructure:"namespace" yaml:"namespace"`
	} `mapstructure:"metrics" yaml:"metrics"`

	Activity     Activity `mapstructure:"activity" yaml:"activity"`
	Compensation Activity `mapstructure:"compensation" yaml:"compensation"`
}

// Activity holds default invocation settings for activities.
type Activity struct {
	StartToCloseTimeout time.Duration `mapstructure:"start_to_close_timeout" yaml:"start_to_close_timeout"`
	InitialInterval     time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	MaximumInterval     time.Duration `mapstructure:"maximum_interval" yaml:"maximum_interval"`
	MaximumAttempts     int           `mapstructure:"maximum_attempts" yaml:"maximum_attempts"`
}

// Options converts a to saga activity options.
func (a Activity) Options() saga.ActivityOptions {
	return saga.ActivityOptions{
		StartToCloseTimeout: a.StartToCloseTimeout,
		RetryPolicy: saga.RetryPolicy{
			InitialInterval: a.InitialInterval,
			MaximumInterval: a.MaximumInterval,
			MaximumAttempts: a.MaximumAttempts,
		},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.path", "./saga-events")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_prefix", "saga:")

	v.SetDefault("http.addr", ":3000")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "saga")

	v.SetDefault("activity.start_to_close_timeout", 10*time.Second)
	v.SetDefault("activity.initial_interval", time.Second)
	v.SetDefault("activity.maximum_interval", 100*time.Second)
	v.SetDefault("activity.maximum_attempts", 0)

	v.SetDefault("compensation.start_to_close_timeout", 10*time.Second)
	v.SetDefault("compensation.initial_interval", time.Second)
	v.SetDefault("compensation.maximum_interval", 100*time.Second)
	v.SetDefault("compensation.maximum_attempts", 1)
}

// Load reads path if it is not empty, applies SAGA_* environment overrides
// and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SAGA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case DriverMemory:
	case DriverFile:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the file driver"))
		}
	case DriverRedis:
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("store.redis_addr is required for the redis driver"))
		}
	case DriverPostgres, DriverSQLite:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for the %s driver", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}

	sections := []struct {
		name string
		a    Activity
	}{{"activity", c.Activity}, {"compensation", c.Compensation}}
	for _, sec := range sections {
		name, a := sec.name, sec.a
		if a.StartToCloseTimeout < 0 || a.InitialInterval < 0 || a.MaximumInterval < 0 {
			errs = append(errs, fmt.Errorf("%s durations must not be negative", name))
		}
		if a.MaximumInterval > 0 && a.MaximumInterval < a.InitialInterval {
			errs = append(errs, fmt.Errorf("%s.maximum_interval must be at least initial_interval", name))
		}
		if a.MaximumAttempts < 0 {
			errs = append(errs, fmt.Errorf("%s.maximum_attempts must not be negative", name))
		}
	}

	return errors.Join(errs...)
}
