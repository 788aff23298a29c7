// Package config loads the layered configuration every chainwatch/pulse
// binary shares: defaults, then an optional YAML file, then environment
// overrides, the way the teacher's pkg/config does it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the admin HTTP mux (§6 operational interface).
type ServerConfig struct {
	Host string `json:"host" yaml:"host" env:"SERVER_HOST,default=0.0.0.0"`
	Port int    `json:"port" yaml:"port" env:"SERVER_PORT,default=8080"`
}

// DatabaseConfig controls the Postgres connection shared by the trigger
// store, state store, and action queue's durable tables.
type DatabaseConfig struct {
	Driver          string `json:"driver" yaml:"driver" env:"DATABASE_DRIVER,default=postgres"`
	DSN             string `json:"dsn" yaml:"dsn" env:"DATABASE_DSN"`
	Host            string `json:"host" yaml:"host" env:"DATABASE_HOST"`
	Port            int    `json:"port" yaml:"port" env:"DATABASE_PORT"`
	User            string `json:"user" yaml:"user" env:"DATABASE_USER"`
	Password        string `json:"password" yaml:"password" env:"DATABASE_PASSWORD"`
	Name            string `json:"name" yaml:"name" env:"DATABASE_NAME"`
	SSLMode         string `json:"sslmode" yaml:"sslmode" env:"DATABASE_SSLMODE,default=disable"`
	MaxOpenConns    int    `json:"max_open_conns" yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS,default=10"`
	MaxIdleConns    int    `json:"max_idle_conns" yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS,default=5"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME,default=300"`
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START,default=true"`
}

// ConnectionString builds a libpq key=value DSN from host parameters, used
// when DSN itself is not set directly.
func (c DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// RedisConfig controls the Redis connection backing the state cache, action
// queue, and rate limiter.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr" env:"REDIS_ADDR,default=localhost:6379"`
	Password string `json:"password" yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `json:"db" yaml:"db" env:"REDIS_DB,default=0"`
}

// EngineConfig controls C6, the trigger engine orchestrator.
type EngineConfig struct {
	PollInterval      int `json:"poll_interval_ms" yaml:"poll_interval_ms" env:"ENGINE_POLL_INTERVAL_MS,default=200"`
	CatchupBatchSize  int `json:"catchup_batch_size" yaml:"catchup_batch_size" env:"ENGINE_CATCHUP_BATCH_SIZE,default=500"`
	ReconnectMinDelay int `json:"reconnect_min_delay_ms" yaml:"reconnect_min_delay_ms" env:"ENGINE_RECONNECT_MIN_DELAY_MS,default=100"`
	ReconnectMaxDelay int `json:"reconnect_max_delay_ms" yaml:"reconnect_max_delay_ms" env:"ENGINE_RECONNECT_MAX_DELAY_MS,default=30000"`
}

// CacheConfig controls C4, the write-through state cache.
type CacheConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled" env:"CACHE_ENABLED,default=true"`
	TTL     int  `json:"ttl_seconds" yaml:"ttl_seconds" env:"CACHE_TTL_SECONDS,default=300"`
	MinTTL  int  `json:"min_ttl_seconds" yaml:"min_ttl_seconds" env:"CACHE_MIN_TTL_SECONDS,default=30"`
}

// StateRetentionConfig controls C3's idle-retention cleanup sweep: state
// rows untouched for longer than RetentionSeconds are periodically removed.
type StateRetentionConfig struct {
	RetentionSeconds     int `json:"retention_seconds" yaml:"retention_seconds" env:"STATE_RETENTION_SECONDS,default=2592000"`
	SweepIntervalSeconds int `json:"sweep_interval_seconds" yaml:"sweep_interval_seconds" env:"STATE_RETENTION_SWEEP_INTERVAL_SECONDS,default=3600"`
}

// QueueConfig controls C7, the durable per-action-kind queue.
type QueueConfig struct {
	VisibilityTimeout int    `json:"visibility_timeout_seconds" yaml:"visibility_timeout_seconds" env:"QUEUE_VISIBILITY_TIMEOUT_SECONDS,default=30"`
	JobTTL            int    `json:"job_ttl_seconds" yaml:"job_ttl_seconds" env:"QUEUE_JOB_TTL_SECONDS,default=3600"`
	KeyPrefix         string `json:"key_prefix" yaml:"key_prefix" env:"QUEUE_KEY_PREFIX,default=pulse"`
}

// WorkersConfig controls C8, the action delivery worker pools.
type WorkersConfig struct {
	Concurrency             int    `json:"concurrency" yaml:"concurrency" env:"WORKERS_CONCURRENCY,default=4"`
	MaxAttempts             int    `json:"max_attempts" yaml:"max_attempts" env:"WORKERS_MAX_ATTEMPTS,default=3"`
	BaseBackoffMillis       int    `json:"base_backoff_millis" yaml:"base_backoff_millis" env:"WORKERS_BASE_BACKOFF_MILLIS,default=1000"`
	MaxBackoffMillis        int    `json:"max_backoff_millis" yaml:"max_backoff_millis" env:"WORKERS_MAX_BACKOFF_MILLIS,default=30000"`
	WebhookTimeoutMs        int    `json:"webhook_timeout_millis" yaml:"webhook_timeout_millis" env:"WORKERS_WEBHOOK_TIMEOUT_MILLIS,default=30000"`
	WebhookMaxTimeoutMs     int    `json:"webhook_max_timeout_millis" yaml:"webhook_max_timeout_millis" env:"WORKERS_WEBHOOK_MAX_TIMEOUT_MILLIS,default=120000"`
	WebhookRequireHTTPS     bool   `json:"webhook_require_https" yaml:"webhook_require_https" env:"WORKERS_WEBHOOK_REQUIRE_HTTPS,default=false"`
	PushBaseURL             string `json:"push_base_url" yaml:"push_base_url" env:"WORKERS_PUSH_BASE_URL"`
	PushAPIKey              string `json:"push_api_key" yaml:"push_api_key" env:"WORKERS_PUSH_API_KEY"`
	AgentRegistryURL        string `json:"agent_registry_url" yaml:"agent_registry_url" env:"WORKERS_AGENT_REGISTRY_URL"`
	EndpointCacheTTLSeconds int    `json:"endpoint_cache_ttl_seconds" yaml:"endpoint_cache_ttl_seconds" env:"WORKERS_ENDPOINT_CACHE_TTL_SECONDS,default=300"`
}

// RateLimitConfig controls C9, the sliding-window limiter.
type RateLimitConfig struct {
	DefaultLimit  int  `json:"default_limit" yaml:"default_limit" env:"RATE_LIMIT_DEFAULT_LIMIT,default=100"`
	WindowSeconds int  `json:"window_seconds" yaml:"window_seconds" env:"RATE_LIMIT_WINDOW_SECONDS,default=3600"`
	FailOpen      bool `json:"fail_open" yaml:"fail_open" env:"RATE_LIMIT_FAIL_OPEN,default=true"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level" env:"LOG_LEVEL,default=info"`
	Format     string `json:"format" yaml:"format" env:"LOG_FORMAT,default=text"`
	Output     string `json:"output" yaml:"output" env:"LOG_OUTPUT,default=stdout"`
	FilePrefix string `json:"file_prefix" yaml:"file_prefix" env:"LOG_FILE_PREFIX,default=pulse"`
}

// Config is the top-level configuration tree for every pulse binary.
type Config struct {
	Server         ServerConfig         `json:"server" yaml:"server"`
	Database       DatabaseConfig       `json:"database" yaml:"database"`
	Redis          RedisConfig          `json:"redis" yaml:"redis"`
	Logging        LoggingConfig        `json:"logging" yaml:"logging"`
	Engine         EngineConfig         `json:"engine" yaml:"engine"`
	Cache          CacheConfig          `json:"cache" yaml:"cache"`
	StateRetention StateRetentionConfig `json:"state_retention" yaml:"state_retention"`
	Queue          QueueConfig          `json:"queue" yaml:"queue"`
	Workers        WorkersConfig        `json:"workers" yaml:"workers"`
	RateLimit      RateLimitConfig      `json:"rate_limit" yaml:"rate_limit"`
}

// New returns a Config populated with the same defaults Load starts from,
// before any file or environment override is applied.
func New() *Config {
	cfg := &Config{}
	if err := envdecode.Decode(cfg); err != nil && !strings.Contains(err.Error(), "none of the target fields were set") {
		// defaults come from struct tags; a decode error here means a
		// tag itself is malformed, which is a programmer error worth
		// surfacing loudly during development.
		panic(fmt.Sprintf("config: invalid default tags: %v", err))
	}
	return cfg
}

// Load loads configuration from an optional YAML file and then environment
// variables, in that order, so environment always wins.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if path == "" {
		path = "configs/config.yaml"
	}
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	applyURLOverrides(cfg)

	return cfg, nil
}

// LoadFile reads configuration from a specific YAML file, skipping
// environment variable decoding; used by tests that want deterministic
// config without CONFIG_FILE/env interference.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	applyURLOverrides(cfg)
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyURLOverrides lets managed Postgres/Redis URLs override the
// file-based DSN/address, the way DATABASE_URL does for the teacher.
func applyURLOverrides(cfg *Config) {
	if cfg == nil {
		return
	}
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if addr := strings.TrimSpace(os.Getenv("REDIS_URL")); addr != "" {
		cfg.Redis.Addr = addr
	}
}
