// Package config loads the process configuration of the plproxy command
// from a config file and PLPROXY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/gridl/plproxy/ports/topology"
)

const EnvPrefix = "PLPROXY"

type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Local   LocalConfig   `mapstructure:"local"`
	Router  RouterConfig  `mapstructure:"router"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Clusters seed the topology when no NATS store is configured.
	Clusters []topology.ClusterSpec `mapstructure:"clusters"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// LocalConfig describes the database the router runs beside.
type LocalConfig struct {
	// DSN of the local database. Hash keys are computed there and the shard
	// sessions are tuned to its settings.
	DSN           string            `mapstructure:"dsn"`
	ServerVersion string            `mapstructure:"server_version"`
	Params        map[string]string `mapstructure:"params"`
}

type RouterConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	IdleCheck     time.Duration `mapstructure:"idle_check"`
	CancelTimeout time.Duration `mapstructure:"cancel_timeout"`
	// CheckInterval is how long a loaded cluster is reused before its
	// topology version is checked again.
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

type NATSConfig struct {
	URL    string `mapstructure:"url"`
	Bucket string `mapstructure:"bucket"`
}

type MetricsConfig struct {
	// Addr serves /metrics when set, e.g. ":9187".
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("local.dsn", "")
	v.SetDefault("local.server_version", "")
	v.SetDefault("local.params", map[string]string{"client_encoding": "UTF8"})
	v.SetDefault("router.poll_interval", time.Second)
	v.SetDefault("router.idle_check", 2*time.Second)
	v.SetDefault("router.cancel_timeout", 5*time.Second)
	v.SetDefault("router.check_interval", 30*time.Second)
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.bucket", "plproxy_topology")
	v.SetDefault("metrics.addr", "")
}

// Load reads path, if given, and applies PLPROXY_* environment overrides,
// e.g. PLPROXY_NATS_URL for nats.url.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(c.Clusters))
	for _, spec := range c.Clusters {
		if err := spec.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[spec.Name] {
			errs = append(errs, fmt.Errorf("%w: duplicate cluster %s", topology.ErrInvalidSpec, spec.Name))
		}
		seen[spec.Name] = true
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", s, err)
	}
	return level, nil
}

// Logger builds the process logger writing to w.
func (c LogConfig) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(c.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
