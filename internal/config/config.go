// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chainscan Contributors

package config

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	chainerr "github.com/chainscan-dev/chainscan/pkg/errors"
)

// Config is the top-level Chainscan configuration.
type Config struct {
	Redis   RedisConfig   `mapstructure:"redis"`
	Plugins PluginsConfig `mapstructure:"plugins"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// RedisConfig locates the job stream.
type RedisConfig struct {
	Addr   string `mapstructure:"addr"`
	Stream string `mapstructure:"stream"`
	Group  string `mapstructure:"group"`
}

// PluginsConfig controls plugin discovery.
type PluginsConfig struct {
	Dir   string `mapstructure:"dir"`
	Watch bool   `mapstructure:"watch"`
}

// WorkerConfig controls the scan worker loop.
type WorkerConfig struct {
	Consumer          string        `mapstructure:"consumer"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	ReclaimSchedule   string        `mapstructure:"reclaim_schedule"`
	DataDir           string        `mapstructure:"data_dir"`
}

// SandboxConfig controls guest execution scaffolding.
type SandboxConfig struct {
	TmpRoot string `mapstructure:"tmp_root"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// Load reads configuration from the given path (or defaults) with
// environment variable overrides (prefix CHAINSCAN_).
func Load(path string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.stream", "chainscan:jobs")
	v.SetDefault("redis.group", "scanners")
	v.SetDefault("plugins.dir", "plugins")
	v.SetDefault("plugins.watch", false)
	v.SetDefault("worker.poll_interval", 5*time.Second)
	v.SetDefault("worker.visibility_timeout", 2*time.Minute)
	v.SetDefault("worker.reclaim_schedule", "@every 1m")
	v.SetDefault("worker.data_dir", "data")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "127.0.0.1:9464")

	// Environment
	v.SetEnvPrefix("CHAINSCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// File
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, chainerr.Errorf(chainerr.CodeConfigLoadReadFailure, "reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, chainerr.Errorf(chainerr.CodeConfigValidateInvalidValue, "unmarshalling config: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, chainerr.Errorf(chainerr.CodeConfigValidateInvalidValue, "validating config: %w", errors.Join(errs...))
	}

	return &cfg, nil
}

// Validate checks the configuration for logical errors. It returns every
// problem found rather than stopping at the first one.
func (c *Config) Validate() []error {
	var errs []error

	errs = append(errs, c.validateRedis()...)
	errs = append(errs, c.validateWorker()...)
	errs = append(errs, c.validateMetrics()...)

	return errs
}

func (c *Config) validateRedis() []error {
	var errs []error

	if c.Redis.Addr == "" {
		errs = append(errs, chainerr.Errorf(chainerr.CodeConfigValidateInvalidValue, "config: redis.addr must not be empty"))
	} else if err := validateHostPort(c.Redis.Addr); err != nil {
		errs = append(errs, chainerr.Errorf(chainerr.CodeConfigValidateInvalidValue,
			"config: redis.addr must be a valid host:port address, got %q: %w",
			c.Redis.Addr, err,
		))
	}

	if c.Redis.Stream == "" {
		errs = append(errs, chainerr.Errorf(chainerr.CodeConfigValidateInvalidValue, "config: redis.stream must not be empty"))
	}

	if c.Redis.Group == "" {
		errs = append(errs, chainerr.Errorf(chainerr.CodeConfigValidateInvalidValue, "config: redis.group must not be empty"))
	}

	return errs
}

func (c *Config) validateWorker() []error {
	var errs []error

	if c.Worker.PollInterval <= 0 {
		errs = append(errs, chainerr.Errorf(chainerr.CodeConfigValidateInvalidValue,
			"config: worker.poll_interval must be greater than 0, got %s",
			c.Worker.PollInterval,
		))
	}

	if c.Worker.VisibilityTimeout <= 0 {
		errs = append(errs, chainerr.Errorf(chainerr.CodeConfigValidateInvalidValue,
			"config: worker.visibility_timeout must be greater than 0, got %s",
			c.Worker.VisibilityTimeout,
		))
	}

	if c.Worker.ReclaimSchedule == "" {
		errs = append(errs, chainerr.Errorf(chainerr.CodeConfigValidateInvalidValue, "config: worker.reclaim_schedule must not be empty"))
	}

	if c.Worker.DataDir == "" {
		errs = append(errs, chainerr.Errorf(chainerr.CodeConfigValidateInvalidValue, "config: worker.data_dir must not be empty"))
	}

	return errs
}

func (c *Config) validateMetrics() []error {
	var errs []error

	if c.Metrics.Enabled {
		if err := validateHostPort(c.Metrics.Listen); err != nil {
			errs = append(errs, chainerr.Errorf(chainerr.CodeConfigValidateInvalidValue,
				"config: metrics.listen must be a valid host:port address, got %q: %w",
				c.Metrics.Listen, err,
			))
		}
	}

	return errs
}

func validateHostPort(addr string) error {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return chainerr.Errorf(chainerr.CodeConfigValidateInvalidValue, "port must be a number, got %q", portStr)
	}
	if port < 1 || port > 65535 {
		return chainerr.Errorf(chainerr.CodeConfigValidateInvalidValue, "port must be between 1 and 65535, got %d", port)
	}
	return nil
}
