// Package config loads runtime configuration for the server, worker and
// migrate binaries. Values are layered: built-in defaults, an optional YAML
// file, a .env file and finally process environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when CONFIG_FILE is not set.
const DefaultPath = "config/config.yaml"

// Config is the root configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Queue      QueueConfig      `yaml:"queue"`
	Worker     WorkerConfig     `yaml:"worker"`
	Engine     EngineConfig     `yaml:"engine"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Logging    LoggingConfig    `yaml:"logging"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Catalog    []CatalogItem    `yaml:"catalog"`
}

type ServerConfig struct {
	Host            string        `yaml:"host" env:"SERVER_HOST"`
	Port            int           `yaml:"port" env:"SERVER_PORT"`
	OpsPort         int           `yaml:"ops_port" env:"WORKER_OPS_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
}

// Addr returns host:port for the API listener.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// OpsAddr returns host:port for the worker ops listener.
func (s ServerConfig) OpsAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.OpsPort)
}

// DatabaseConfig selects persistence. An empty DSN means in-memory stores.
type DatabaseConfig struct {
	Driver          string `yaml:"driver" env:"DATABASE_DRIVER"`
	DSN             string `yaml:"dsn" env:"DATABASE_URL"`
	MaxOpenConns    int    `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// RedisConfig selects the queue backend. An empty Addr means the in-process queue.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

type QueueConfig struct {
	Name       string        `yaml:"name" env:"QUEUE_NAME"`
	Visibility time.Duration `yaml:"visibility" env:"QUEUE_VISIBILITY"`
}

type WorkerConfig struct {
	Concurrency int           `yaml:"concurrency" env:"WORKER_CONCURRENCY"`
	Lease       time.Duration `yaml:"lease" env:"WORKER_LEASE"`
}

// EngineConfig points at the external prediction engine. An empty URL
// disables it and every job takes the fallback path.
type EngineConfig struct {
	URL     string        `yaml:"url" env:"PREDICTION_ENGINE_URL"`
	Timeout time.Duration `yaml:"timeout" env:"PREDICTION_ENGINE_TIMEOUT"`
}

type ReconcilerConfig struct {
	Schedule    string        `yaml:"schedule" env:"RECONCILER_SCHEDULE"`
	QueuedGrace time.Duration `yaml:"queued_grace" env:"RECONCILER_QUEUED_GRACE"`
	BatchSize   int           `yaml:"batch_size" env:"RECONCILER_BATCH_SIZE"`
}

// KafkaConfig enables completion events when Brokers is set (comma separated).
type KafkaConfig struct {
	Brokers string `yaml:"brokers" env:"KAFKA_BROKERS"`
}

// BrokerList splits Brokers into addresses.
func (k KafkaConfig) BrokerList() []string {
	var out []string
	for _, b := range strings.Split(k.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

type LoggingConfig struct {
	Level      string `yaml:"level" env:"LOG_LEVEL"`
	Format     string `yaml:"format" env:"LOG_FORMAT"`
	Output     string `yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// RateLimitConfig bounds submissions per owner. Zero RPS disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"RATE_LIMIT_RPS"`
	Burst             int     `yaml:"burst" env:"RATE_LIMIT_BURST"`
	// IdleTimeout is how long an owner's bucket is kept after its last request.
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"RATE_LIMIT_IDLE_TIMEOUT"`
}

// CatalogItem is a seed entry for the model catalog.
type CatalogItem struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Price       string `yaml:"price"`
	ModelType   string `yaml:"model_type"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			OpsPort:         9090,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    45 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
		},
		Queue: QueueConfig{
			Name:       "predict_queue",
			Visibility: 2 * time.Minute,
		},
		Worker: WorkerConfig{
			Concurrency: 2,
			Lease:       2 * time.Minute,
		},
		Engine: EngineConfig{
			Timeout: 30 * time.Second,
		},
		Reconciler: ReconcilerConfig{
			Schedule:    "@every 30s",
			QueuedGrace: 10 * time.Minute,
			BatchSize:   100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 5,
			Burst:             10,
			IdleTimeout:       10 * time.Minute,
		},
	}
}

// Load builds the configuration from defaults, CONFIG_FILE (or DefaultPath),
// .env and the environment.
func Load() (*Config, error) {
	path := os.Getenv("CONFIG_FILE")
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	return LoadFromPath(path, explicit)
}

// LoadFromPath is Load with an explicit file. A missing file is an error only
// when required is true.
func LoadFromPath(path string, required bool) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && !required:
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be positive"))
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 || c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server timeouts must be positive"))
	}
	if c.Queue.Name == "" {
		errs = append(errs, errors.New("queue.name is required"))
	}
	if c.Queue.Visibility <= 0 {
		errs = append(errs, errors.New("queue.visibility must be positive"))
	}
	if c.Worker.Concurrency <= 0 {
		errs = append(errs, errors.New("worker.concurrency must be positive"))
	}
	if c.Worker.Lease <= 0 {
		errs = append(errs, errors.New("worker.lease must be positive"))
	}
	if c.Engine.Timeout <= 0 {
		errs = append(errs, errors.New("engine.timeout must be positive"))
	}
	if c.Reconciler.Schedule == "" {
		errs = append(errs, errors.New("reconciler.schedule is required"))
	}
	if c.Reconciler.QueuedGrace <= 0 || c.Reconciler.BatchSize <= 0 {
		errs = append(errs, errors.New("reconciler grace and batch size must be positive"))
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 || c.RateLimit.IdleTimeout < 0 {
		errs = append(errs, errors.New("rate_limit values must not be negative"))
	}

	seen := make(map[string]bool, len(c.Catalog))
	for i, item := range c.Catalog {
		if strings.TrimSpace(item.ID) == "" || strings.TrimSpace(item.Name) == "" {
			errs = append(errs, fmt.Errorf("catalog[%d]: id and name are required", i))
			continue
		}
		if seen[item.ID] {
			errs = append(errs, fmt.Errorf("catalog[%d]: duplicate id %q", i, item.ID))
		}
		seen[item.ID] = true
		price, err := decimal.NewFromString(item.Price)
		if err != nil || !price.IsPositive() {
			errs = append(errs, fmt.Errorf("catalog[%d]: price %q must be a positive decimal", i, item.Price))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
