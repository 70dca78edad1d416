package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/stepwise/internal/engine"
	"github.com/rendis/stepwise/internal/scheduler"
	"github.com/rendis/stepwise/pkg/schema"
)

// Config holds all stepwise server configuration.
// Priority: flags > STEPWISE_* env vars > settings file > defaults.
type Config struct {
	ListenAddr     string               `mapstructure:"listen_addr"`
	MCPAddr        string               `mapstructure:"mcp_addr"`
	LogLevel       string               `mapstructure:"log_level"`
	LogFormat      string               `mapstructure:"log_format"`
	StepTimeout    time.Duration        `mapstructure:"step_timeout"`
	PoolSize       int                  `mapstructure:"pool_size"`
	Definitions    string               `mapstructure:"definitions"`
	Store          StoreConfig          `mapstructure:"store"`
	Sweep          SweepConfig          `mapstructure:"sweep"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// StoreConfig selects the execution store backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// SweepConfig drives the background sweeper. An empty schedule disables it.
type SweepConfig struct {
	Schedule      string        `mapstructure:"schedule"`
	MinAge        time.Duration `mapstructure:"min_age"`
	WorkflowTypes []string      `mapstructure:"workflow_types"`
	Limit         int           `mapstructure:"limit"`
}

// CircuitBreakerConfig toggles per-step circuit breaking.
type CircuitBreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

const (
	driverLibSQL   = "libsql"
	driverPostgres = "postgres"
	driverBadger   = "badger"
	driverMemory   = "memory"
)

func stepwiseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stepwise"
	}
	return filepath.Join(home, ".stepwise")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":4200")
	v.SetDefault("mcp_addr", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("step_timeout", 30*time.Second)
	v.SetDefault("pool_size", scheduler.DefaultPoolSize)
	v.SetDefault("definitions", "")
	v.SetDefault("store.driver", driverLibSQL)
	v.SetDefault("store.dsn", "")
	v.SetDefault("sweep.schedule", "")
	v.SetDefault("sweep.min_age", scheduler.DefaultMinAge)
	v.SetDefault("sweep.workflow_types", []string{})
	v.SetDefault("sweep.limit", scheduler.DefaultLimit)
	v.SetDefault("circuit_breaker.enabled", false)
	v.SetDefault("circuit_breaker.failure_threshold", 5)
	v.SetDefault("circuit_breaker.cooldown", 30*time.Second)
}

// newViper returns a viper instance with defaults and env binding applied.
// Config files are read by loadConfig.
func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("STEPWISE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// loadConfig reads the settings file (explicit path or ~/.stepwise/settings.*)
// and unmarshals the merged view. A missing default settings file is fine; a
// missing explicit one is not.
func loadConfig(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("settings")
		v.AddConfigPath(stepwiseDir())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, schema.NewErrorf(schema.ErrCodeConfig, "read config: %v", err).WithCause(err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, schema.NewErrorf(schema.ErrCodeConfig, "decode config: %v", err).WithCause(err)
	}
	if cfg.Store.DSN == "" {
		cfg.Store.DSN = defaultDSN(cfg.Store.Driver)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaultDSN(driver string) string {
	switch driver {
	case driverLibSQL:
		return filepath.Join(stepwiseDir(), "stepwise.db")
	case driverBadger:
		return filepath.Join(stepwiseDir(), "badger")
	}
	return ""
}

// Validate checks the decoded configuration for values no component accepts.
func (c Config) Validate() error {
	var issues schema.Issues
	switch c.Store.Driver {
	case driverLibSQL, driverBadger, driverMemory:
	case driverPostgres:
		if c.Store.DSN == "" {
			issues.Add("store.dsn", "required for the postgres driver")
		}
	default:
		issues.Addf("store.driver", "%q is not one of libsql, postgres, badger, memory", c.Store.Driver)
	}
	if c.StepTimeout <= 0 {
		issues.Addf("step_timeout", "must be positive, got %s", c.StepTimeout)
	}
	if c.PoolSize <= 0 {
		issues.Addf("pool_size", "must be positive, got %d", c.PoolSize)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		issues.Addf("log_format", "%q is not one of text, json", c.LogFormat)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		issues.Add("log_level", err.Error())
	}
	if c.CircuitBreaker.Enabled && c.CircuitBreaker.FailureThreshold <= 0 {
		issues.Addf("circuit_breaker.failure_threshold", "must be positive, got %d", c.CircuitBreaker.FailureThreshold)
	}
	return issues.Err()
}

// engineConfig maps the settings onto the executor's configuration.
func (c Config) engineConfig() engine.Config {
	cfg := engine.Config{StepTimeout: c.StepTimeout}
	if c.CircuitBreaker.Enabled {
		cb := engine.DefaultCircuitBreakerConfig()
		cb.FailureThreshold = c.CircuitBreaker.FailureThreshold
		if c.CircuitBreaker.Cooldown > 0 {
			cb.Cooldown = c.CircuitBreaker.Cooldown
		}
		cfg.CircuitBreaker = &cb
	}
	return cfg
}

// sweeperConfig maps the settings onto the sweeper's configuration.
func (c Config) sweeperConfig() scheduler.Config {
	return scheduler.Config{
		Schedule:      c.Sweep.Schedule,
		MinAge:        c.Sweep.MinAge,
		WorkflowTypes: c.Sweep.WorkflowTypes,
		Limit:         c.Sweep.Limit,
		PoolSize:      c.PoolSize,
	}
}

func (c Config) String() string {
	return fmt.Sprintf("store=%s listen=%s sweep=%q", c.Store.Driver, c.ListenAddr, c.Sweep.Schedule)
}
