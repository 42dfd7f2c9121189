package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type EventsCfg struct {
	Enabled bool   `env:"EVENTS_ENABLED" envDefault:"false"`
	Topic   string `env:"EVENTS_TOPIC" envDefault:"session-lifecycle"`
	Queue   int    `env:"EVENTS_QUEUE" envDefault:"1024"`
}

type InvalidationCfg struct {
	Enabled          bool          `env:"INVALIDATION_ENABLED" envDefault:"false"`
	Topic            string        `env:"INVALIDATION_TOPIC" envDefault:"session-invalidation"`
	GroupID          string        `env:"KAFKA_GROUP_ID" envDefault:"session-cache"`
	SessionTimeout   time.Duration `env:"KAFKA_SESSION_TIMEOUT" envDefault:"30s"`
	Heartbeat        time.Duration `env:"KAFKA_HEARTBEAT" envDefault:"3s"`
	RebalanceTimeout time.Duration `env:"KAFKA_REBALANCE_TIMEOUT" envDefault:"30s"`
	InitialOldest    bool          `env:"KAFKA_INITIAL_OLDEST" envDefault:"false"`
	DedupeSize       int           `env:"INVALIDATION_DEDUPE_SIZE" envDefault:"4096"`
}

type Config struct {
	Addr        string   `env:"ADDR" envDefault:":8000"`
	LogLevel    string   `env:"LOG_LEVEL" envDefault:"info"`
	LogConsole  bool     `env:"LOG_CONSOLE" envDefault:"false"`
	LogSampleN  int      `env:"LOG_SAMPLE_N" envDefault:"0"`
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`

	FetcherURL          string        `env:"FETCHER_URL" envDefault:"http://localhost:8001"`
	FetchTimeoutReduced time.Duration `env:"FETCH_TIMEOUT_REDUCED" envDefault:"60s"`
	FetchTimeoutFull    time.Duration `env:"FETCH_TIMEOUT_FULL" envDefault:"3m"`

	UpgradeWorkers       int           `env:"UPGRADE_WORKERS" envDefault:"2"`
	UpgradeQueue         int           `env:"UPGRADE_QUEUE" envDefault:"64"`
	EnsureTimeoutDefault time.Duration `env:"ENSURE_TIMEOUT_DEFAULT" envDefault:"120s"`
	MinSeason            int           `env:"MIN_SEASON" envDefault:"2018"`
	MaxSeason            int           `env:"MAX_SEASON" envDefault:"2025"`

	RedisEnabled        bool          `env:"REDIS_ENABLED" envDefault:"false"`
	RedisAddr           string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	FetchCacheTTL       time.Duration `env:"FETCH_CACHE_TTL" envDefault:"1h"`
	FetchCacheOpTimeout time.Duration `env:"FETCH_CACHE_OP_TIMEOUT" envDefault:"2s"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	Events       EventsCfg
	Invalidation InvalidationCfg

	MetricsEnabled bool   `env:"METRICS_ENABLED" envDefault:"false"`
	MetricsAddr    string `env:"METRICS_ADDR" envDefault:":9090"`
	MetricsPath    string `env:"METRICS_PATH" envDefault:"/metrics"`
}

const maxEnsureTimeout = 10 * time.Minute

// FromEnv reads the process environment; malformed values are an error.
func FromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

// Default is the configuration with no environment applied.
func Default() Config {
	var cfg Config
	_ = env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}})
	cfg.normalize()
	return cfg
}

func (c *Config) normalize() {
	if c.UpgradeWorkers <= 0 {
		c.UpgradeWorkers = 2
	}
	if c.UpgradeQueue < c.UpgradeWorkers {
		c.UpgradeQueue = c.UpgradeWorkers
	}
	if c.EnsureTimeoutDefault <= 0 {
		c.EnsureTimeoutDefault = 120 * time.Second
	}
	if c.EnsureTimeoutDefault > maxEnsureTimeout {
		c.EnsureTimeoutDefault = maxEnsureTimeout
	}
	if c.MinSeason > c.MaxSeason {
		c.MinSeason, c.MaxSeason = c.MaxSeason, c.MinSeason
	}
	if c.Events.Queue <= 0 {
		c.Events.Queue = 1024
	}
	c.FetcherURL = strings.TrimRight(strings.TrimSpace(c.FetcherURL), "/")
	c.KafkaBrokers = trimAll(c.KafkaBrokers)
	c.CORSOrigins = trimAll(c.CORSOrigins)
	if !strings.HasPrefix(c.MetricsPath, "/") {
		c.MetricsPath = "/" + c.MetricsPath
	}
}

// ClampEnsureTimeout bounds a caller supplied wait budget.
func (c Config) ClampEnsureTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return c.EnsureTimeoutDefault
	}
	if d > maxEnsureTimeout {
		return maxEnsureTimeout
	}
	return d
}

func trimAll(in []string) []string {
	var out []string
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
