// Package config loads the telemetry hub configuration from an optional YAML
// file and HUB_* environment variables.
//
// Every key has a default, so an empty environment yields a working
// single-node setup: SQLite store, SQLite device table, no simulation relay
// and no Kafka mirror.
//
// Environment names are the upper-cased key with dots replaced by
// underscores, e.g. HUB_POLLER_INTERVAL=2s or HUB_KAFKA_BROKERS=k1:9092,k2:9092.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var ErrInvalidConfig = errors.New("invalid configuration")

const (
	EnvPrefix = "HUB"
	FileName  = "telemetry-hub"

	RegistrySQLite = "sqlite"
	RegistryRedis  = "redis"
)

type Config struct {
	HTTP       HTTP       `mapstructure:"http"`
	Metrics    Metrics    `mapstructure:"metrics"`
	Log        Log        `mapstructure:"log"`
	Store      Store      `mapstructure:"store"`
	Registry   Registry   `mapstructure:"registry"`
	Poller     Poller     `mapstructure:"poller"`
	Hub        Hub        `mapstructure:"hub"`
	Simulation Simulation `mapstructure:"simulation"`
	Kafka      Kafka      `mapstructure:"kafka"`
}

type HTTP struct {
	Addr            string        `mapstructure:"addr"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type Metrics struct {
	Addr string `mapstructure:"addr"`
}

type Log struct {
	Level string `mapstructure:"level"`
}

type Store struct {
	Backend    string `mapstructure:"backend"`
	SQLitePath string `mapstructure:"sqlite_path"`
	Influx     Influx `mapstructure:"influx"`
}

type Influx struct {
	URL         string `mapstructure:"url"`
	Token       string `mapstructure:"token"`
	Org         string `mapstructure:"org"`
	Bucket      string `mapstructure:"bucket"`
	Measurement string `mapstructure:"measurement"`
}

type Registry struct {
	Source          string        `mapstructure:"source"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	Redis           Redis         `mapstructure:"redis"`
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

type Poller struct {
	Interval    time.Duration `mapstructure:"interval"`
	BatchSize   int           `mapstructure:"batch_size"`
	WindowLimit int           `mapstructure:"window_limit"`
}

type Hub struct {
	QueueSize int `mapstructure:"queue_size"`
}

type Simulation struct {
	Enabled  bool          `mapstructure:"enabled"`
	URL      string        `mapstructure:"url"`
	Interval time.Duration `mapstructure:"interval"`
}

type Kafka struct {
	Enabled  bool     `mapstructure:"enabled"`
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	ClientID string   `mapstructure:"client_id"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.allowed_origins", []string{})
	v.SetDefault("http.request_timeout", 30*time.Second)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("metrics.addr", ":9102")
	v.SetDefault("log.level", "info")

	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.sqlite_path", "./data/telemetry.db")
	v.SetDefault("store.influx.url", "http://localhost:8086")
	v.SetDefault("store.influx.token", "")
	v.SetDefault("store.influx.org", "")
	v.SetDefault("store.influx.bucket", "telemetry")
	v.SetDefault("store.influx.measurement", "power_readings")

	v.SetDefault("registry.source", RegistrySQLite)
	v.SetDefault("registry.refresh_interval", time.Minute)
	v.SetDefault("registry.redis.addr", "localhost:6379")
	v.SetDefault("registry.redis.password", "")
	v.SetDefault("registry.redis.db", 0)
	v.SetDefault("registry.redis.key", "devices")

	v.SetDefault("poller.interval", 5*time.Second)
	v.SetDefault("poller.batch_size", 33)
	v.SetDefault("poller.window_limit", 1000)

	v.SetDefault("hub.queue_size", 64)

	v.SetDefault("simulation.enabled", false)
	v.SetDefault("simulation.url", "http://localhost:5002")
	v.SetDefault("simulation.interval", 5*time.Second)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "power-readings-enriched")
	v.SetDefault("kafka.client_id", "telemetry-hub")
}

// Load reads path when given, otherwise telemetry-hub.yaml from the working
// directory or /etc/telemetry-hub if present. Environment variables override
// the file. The result is validated.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/telemetry-hub")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first problem found, wrapped in ErrInvalidConfig.
func (c Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(c.HTTP.Addr != "", "http.addr is required")
	check(c.HTTP.RequestTimeout > 0, "http.request_timeout must be positive")
	check(c.Poller.Interval > 0, "poller.interval must be positive")
	check(c.Poller.BatchSize > 0, "poller.batch_size must be positive")
	check(c.Poller.WindowLimit >= 2, "poller.window_limit must be at least 2")
	check(c.Hub.QueueSize > 0, "hub.queue_size must be positive")
	check(c.Registry.RefreshInterval > 0, "registry.refresh_interval must be positive")

	switch c.Store.Backend {
	case "sqlite":
		check(c.Store.SQLitePath != "", "store.sqlite_path is required for the sqlite backend")
	case "influxdb":
		check(c.Store.Influx.URL != "" && c.Store.Influx.Bucket != "", "store.influx.url and store.influx.bucket are required for the influxdb backend")
	default:
		check(false, "store.backend %q is not one of sqlite, influxdb", c.Store.Backend)
	}

	switch c.Registry.Source {
	case RegistrySQLite:
		check(c.Store.SQLitePath != "", "registry.source sqlite needs store.sqlite_path")
	case RegistryRedis:
		check(c.Registry.Redis.Addr != "", "registry.redis.addr is required for the redis source")
	default:
		check(false, "registry.source %q is not one of sqlite, redis", c.Registry.Source)
	}

	if c.Simulation.Enabled {
		check(c.Simulation.URL != "", "simulation.url is required when simulation is enabled")
		check(c.Simulation.Interval > 0, "simulation.interval must be positive")
	}
	if c.Kafka.Enabled {
		check(len(c.Kafka.Brokers) > 0, "kafka.brokers is required when kafka is enabled")
		check(c.Kafka.Topic != "", "kafka.topic is required when kafka is enabled")
	}
	_, err := ParseLevel(c.Log.Level)
	check(err == nil, "log.level %q is not one of debug, info, warn, error", c.Log.Level)

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// ParseLevel maps a level name to slog.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(s))
	return l, err
}
