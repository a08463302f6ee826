// Package config loads benchsync configuration from defaults, an optional YAML file
// and BENCHSYNC_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Aidin1998/benchsync/internal/benchmark"
	"github.com/Aidin1998/benchsync/pkg/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/ulule/limiter/v3"
	"go.uber.org/zap"
)

// EnvPrefix prefixes every environment override, e.g. BENCHSYNC_SYNC_INTERVAL.
const EnvPrefix = "BENCHSYNC"

// MinLeaseTTL is the shortest lease the redis backend can keep renewed.
const MinLeaseTTL = time.Second

// Config is the full daemon configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server" json:"server" yaml:"server"`
	Log        LogConfig        `mapstructure:"log" json:"log" yaml:"log"`
	Document   DocumentConfig   `mapstructure:"document" json:"document" yaml:"document"`
	Relational RelationalConfig `mapstructure:"relational" json:"relational" yaml:"relational"`
	Sync       SyncConfig       `mapstructure:"sync" json:"sync" yaml:"sync"`
	Lease      LeaseConfig      `mapstructure:"lease" json:"lease" yaml:"lease"`
	Kafka      KafkaConfig      `mapstructure:"kafka" json:"kafka" yaml:"kafka"`
	Tracing    TracingConfig    `mapstructure:"tracing" json:"tracing" yaml:"tracing"`
}

type ServerConfig struct {
	Port int `mapstructure:"port" json:"port" yaml:"port"`
	// RateLimit is a limiter rate such as "100-M", applied per client IP to the
	// sync and benchmark routes. Empty disables limiting.
	RateLimit string `mapstructure:"rate_limit" json:"rate_limit" yaml:"rate_limit"`
}

// Rate parses RateLimit. The zero rate means unlimited.
func (s ServerConfig) Rate() limiter.Rate {
	if s.RateLimit == "" {
		return limiter.Rate{}
	}
	rate, err := limiter.NewRateFromFormatted(s.RateLimit)
	if err != nil {
		return limiter.Rate{}
	}
	return rate
}

type LogConfig struct {
	Level  string `mapstructure:"level" json:"level" yaml:"level"`
	Format string `mapstructure:"format" json:"format" yaml:"format"`
}

// DocumentConfig locates the badger directory. An empty path runs in memory.
type DocumentConfig struct {
	Path string `mapstructure:"path" json:"path" yaml:"path"`
}

type RelationalConfig struct {
	Driver          string        `mapstructure:"driver" json:"driver" yaml:"driver"`
	DSN             string        `mapstructure:"dsn" json:"-" yaml:"-"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

type SyncConfig struct {
	Interval     time.Duration `mapstructure:"interval" json:"interval" yaml:"interval"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout" json:"probe_timeout" yaml:"probe_timeout"`
	OpTimeout    time.Duration `mapstructure:"op_timeout" json:"op_timeout" yaml:"op_timeout"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout" json:"fetch_timeout" yaml:"fetch_timeout"`
	Workers      int           `mapstructure:"workers" json:"workers" yaml:"workers"`
	Kinds        []string      `mapstructure:"kinds" json:"kinds" yaml:"kinds"`
	RunOnStart   bool          `mapstructure:"run_on_start" json:"run_on_start" yaml:"run_on_start"`
}

type LeaseConfig struct {
	Backend string        `mapstructure:"backend" json:"backend" yaml:"backend"`
	TTL     time.Duration `mapstructure:"ttl" json:"ttl" yaml:"ttl"`
	Redis   RedisConfig   `mapstructure:"redis" json:"redis" yaml:"redis"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address" json:"address" yaml:"address"`
	Password string `mapstructure:"password" json:"-" yaml:"-"`
	DB       int    `mapstructure:"db" json:"db" yaml:"db"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	Brokers []string `mapstructure:"brokers" json:"brokers" yaml:"brokers"`
	Topic   string   `mapstructure:"topic" json:"topic" yaml:"topic"`
}

type TracingConfig struct {
	Enabled bool `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rate_limit", "100-M")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("document.path", "./data/documents")
	v.SetDefault("relational.driver", "sqlite")
	v.SetDefault("relational.dsn", "./data/benchsync.db")
	v.SetDefault("relational.max_open_conns", 20)
	v.SetDefault("relational.max_idle_conns", 5)
	v.SetDefault("relational.conn_max_lifetime", time.Hour)
	v.SetDefault("sync.interval", time.Minute)
	v.SetDefault("sync.probe_timeout", 2*time.Second)
	v.SetDefault("sync.op_timeout", 5*time.Second)
	v.SetDefault("sync.fetch_timeout", 30*time.Second)
	v.SetDefault("sync.workers", 4)
	v.SetDefault("sync.kinds", kindNames(benchmark.AllKinds))
	v.SetDefault("sync.run_on_start", true)
	v.SetDefault("lease.backend", "local")
	v.SetDefault("lease.ttl", 10*time.Minute)
	v.SetDefault("lease.redis.address", "localhost:6379")
	v.SetDefault("lease.redis.password", "")
	v.SetDefault("lease.redis.db", 0)
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "benchsync.reports")
	v.SetDefault("tracing.enabled", false)
}

func kindNames(kinds []benchmark.Kind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}

// LoadDotEnv loads .env style files into the process environment. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// Loader owns the viper instance so the file can be watched after the first load.
type Loader struct {
	v    *viper.Viper
	path string

	mu      sync.Mutex
	current *Config
}

// NewLoader prepares a loader. An empty path searches ., ./config and /etc/benchsync
// for config.yaml; a missing file there is not an error.
func NewLoader(path string) *Loader {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/benchsync")
	}
	return &Loader{v: v, path: path}
}

// Load reads, decodes and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if l.path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

// ConfigFile returns the file in use, or "" when running on defaults and environment.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch reloads the file whenever it changes and hands every valid result to onChange.
// Invalid edits are logged and ignored. It is a no-op when no file is in use.
func (l *Loader) Watch(logger *zap.Logger, onChange func(*Config)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := l.decode()
		if err != nil {
			logger.Error("Ignoring invalid configuration change", zap.String("file", e.Name), zap.Error(err))
			return
		}
		l.mu.Lock()
		l.current = cfg
		l.mu.Unlock()
		logger.Info("Configuration reloaded", zap.String("file", e.Name), zap.String("op", e.Op.String()))
		onChange(cfg)
	})
	l.v.WatchConfig()
}

// Current returns the most recently loaded configuration.
func (l *Loader) Current() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Load is a shortcut for NewLoader(path).Load().
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

// Validate rejects values the daemon cannot run with.
func (c *Config) Validate() error {
	err := errors.Invalid.Explain("invalid configuration")
	bad := false
	fail := func(field, msg string) {
		err = err.WithField("config", field, msg)
		bad = true
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		fail("server.port", "must be between 1 and 65535")
	}
	if c.Server.RateLimit != "" {
		if _, rerr := limiter.NewRateFromFormatted(c.Server.RateLimit); rerr != nil {
			fail("server.rate_limit", fmt.Sprintf("must look like 100-M: %v", rerr))
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		fail("log.format", "must be json or console")
	}
	switch c.Relational.Driver {
	case "postgres", "sqlite":
	default:
		fail("relational.driver", "must be postgres or sqlite")
	}
	if c.Relational.DSN == "" {
		fail("relational.dsn", "is required")
	}
	if c.Sync.Interval <= 0 {
		fail("sync.interval", "must be positive")
	}
	if c.Sync.ProbeTimeout <= 0 {
		fail("sync.probe_timeout", "must be positive")
	}
	if c.Sync.OpTimeout <= 0 {
		fail("sync.op_timeout", "must be positive")
	}
	if c.Sync.FetchTimeout <= 0 {
		fail("sync.fetch_timeout", "must be positive")
	}
	if c.Sync.Workers < 1 {
		fail("sync.workers", "must be at least 1")
	}
	if len(c.Sync.Kinds) == 0 {
		fail("sync.kinds", "at least one kind is required")
	}
	for _, k := range c.Sync.Kinds {
		if _, perr := benchmark.ParseKind(k); perr != nil {
			fail("sync.kinds", fmt.Sprintf("unknown kind %q", k))
		}
	}
	switch c.Lease.Backend {
	case "local":
	case "redis":
		if c.Lease.Redis.Address == "" {
			fail("lease.redis.address", "is required for the redis backend")
		}
	default:
		fail("lease.backend", "must be local or redis")
	}
	if c.Lease.TTL < MinLeaseTTL {
		fail("lease.ttl", fmt.Sprintf("must be at least %s", MinLeaseTTL))
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			fail("kafka.brokers", "at least one broker is required")
		}
		if c.Kafka.Topic == "" {
			fail("kafka.topic", "is required")
		}
	}

	if bad {
		return err
	}
	return nil
}

// SyncKinds returns the configured kinds, parsed.
func (c *Config) SyncKinds() []benchmark.Kind {
	out := make([]benchmark.Kind, 0, len(c.Sync.Kinds))
	for _, k := range c.Sync.Kinds {
		if kind, err := benchmark.ParseKind(k); err == nil {
			out = append(out, kind)
		}
	}
	return out
}
