// Package config loads the clinops.yaml file the CLI and the app package run
// from.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the default config file name
const ConfigFileName = "clinops.yaml"

// Environment variables that override file values.
const (
	EnvDatabaseURL  = "CLINOPS_DATABASE_URL"
	EnvRedisAddr    = "CLINOPS_REDIS_ADDR"
	EnvKafkaBrokers = "CLINOPS_KAFKA_BROKERS"
	EnvLogLevel     = "CLINOPS_LOG_LEVEL"
)

// Database drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Postgres client libraries.
const (
	ClientPGX = "pgx"
	ClientPQ  = "pq"
)

// Payload codecs.
const (
	CodecJSON    = "json"
	CodecMsgpack = "msgpack"
)

// Lock backends.
const (
	LockerMemory = "memory"
	LockerRedis  = "redis"
)

// Outbox payload formats.
const (
	FormatJSON     = "json"
	FormatProtobuf = "protobuf"
)

// Config is the clinops configuration
type Config struct {
	// Version of the config file format
	Version string `yaml:"version"`

	Project     ProjectConfig     `yaml:"project"`
	Database    DatabaseConfig    `yaml:"database"`
	Locker      LockerConfig      `yaml:"locker"`
	Commands    CommandConfig     `yaml:"commands"`
	Projections ProjectionConfig  `yaml:"projections"`
	Outbox      OutboxConfig      `yaml:"outbox"`
	RefData     RefDataConfig     `yaml:"reference_data"`
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

// ProjectConfig contains project-level settings
type ProjectConfig struct {
	Name string `yaml:"name"`
}

// DatabaseConfig selects where events and read models live
type DatabaseConfig struct {
	// Driver is memory or postgres
	Driver string `yaml:"driver"`

	// URL is the connection string (postgres only)
	URL string `yaml:"url,omitempty"`

	// Schema holds every clinops table
	Schema string `yaml:"schema"`

	// Client is the database/sql driver used for postgres: pgx or pq
	Client string `yaml:"client"`

	MaxConnections int `yaml:"max_connections"`

	// Codec encodes event payloads: json or msgpack
	Codec string `yaml:"codec"`

	// Compress wraps the codec with snappy
	Compress bool `yaml:"compress"`
}

// LockerConfig selects how commands on one aggregate are serialized
type LockerConfig struct {
	// Backend is memory (striped in-process mutexes) or redis
	Backend string `yaml:"backend"`

	// Stripes is the number of in-process lock stripes
	Stripes int `yaml:"stripes"`

	// RedisAddr is host:port or a redis:// URL
	RedisAddr string `yaml:"redis_addr,omitempty"`

	KeyPrefix string        `yaml:"key_prefix,omitempty"`
	TTL       time.Duration `yaml:"ttl"`
}

// CommandConfig tunes the command bus
type CommandConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	RetryAttempts  int           `yaml:"retry_attempts"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
}

// ProjectionConfig tunes the projection engine
type ProjectionConfig struct {
	BatchSize      int           `yaml:"batch_size"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`

	// CatchUpTimeout bounds how long a validator waits for its projection
	// to reach the head of the log
	CatchUpTimeout time.Duration `yaml:"catch_up_timeout"`
}

// OutboxConfig configures integration-event relay
type OutboxConfig struct {
	Enabled      bool          `yaml:"enabled"`
	BatchSize    int           `yaml:"batch_size"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxAttempts  int           `yaml:"max_attempts"`
	Routes       []RouteConfig `yaml:"routes,omitempty"`
	Kafka        KafkaConfig   `yaml:"kafka"`
	Webhook      WebhookConfig `yaml:"webhook"`
	SNS          SNSConfig     `yaml:"sns"`
}

// RouteConfig sends events of some families to one destination
type RouteConfig struct {
	Families    []string `yaml:"families,omitempty"`
	EventTypes  []string `yaml:"event_types,omitempty"`
	Destination string   `yaml:"destination"`

	// Format is json (default) or protobuf
	Format string `yaml:"format,omitempty"`
}

// KafkaConfig configures the kafka relay
type KafkaConfig struct {
	Brokers []string `yaml:"brokers,omitempty"`
}

// WebhookConfig configures the webhook relay
type WebhookConfig struct {
	SigningSecret string        `yaml:"signing_secret,omitempty"`
	Timeout       time.Duration `yaml:"timeout"`
}

// SNSConfig configures the SNS relay
type SNSConfig struct {
	MessageGroupID string `yaml:"message_group_id,omitempty"`
}

// RefDataConfig configures the reference-data snapshot
type RefDataConfig struct {
	// File is a YAML document of reference data. Empty uses the built-in set.
	File            string        `yaml:"file,omitempty"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// ServerConfig configures the operations HTTP server
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig configures the zerolog logger
type LoggingConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

// MetricsConfig configures prometheus collectors
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// TracingConfig configures OpenTelemetry spans
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Version: "1",
		Project: ProjectConfig{Name: "clinops"},
		Database: DatabaseConfig{
			Driver:         DriverMemory,
			Schema:         "clinops",
			Client:         ClientPGX,
			MaxConnections: 25,
			Codec:          CodecJSON,
		},
		Locker: LockerConfig{
			Backend:   LockerMemory,
			Stripes:   64,
			KeyPrefix: "clinops:lock:",
			TTL:       30 * time.Second,
		},
		Commands: CommandConfig{
			Timeout:        30 * time.Second,
			RetryAttempts:  3,
			IdempotencyTTL: 24 * time.Hour,
		},
		Projections: ProjectionConfig{
			BatchSize:      100,
			PollInterval:   100 * time.Millisecond,
			MaxRetries:     5,
			RetryBaseDelay: 100 * time.Millisecond,
			RetryMaxDelay:  10 * time.Second,
			CatchUpTimeout: 5 * time.Second,
		},
		Outbox: OutboxConfig{
			BatchSize:    100,
			PollInterval: time.Second,
			MaxAttempts:  5,
			Webhook:      WebhookConfig{Timeout: 30 * time.Second},
		},
		RefData: RefDataConfig{RefreshInterval: 10 * time.Minute},
		Server:  ServerConfig{Addr: ":8080"},
		Logging: LoggingConfig{Level: "info"},
		Metrics: MetricsConfig{Enabled: true, Namespace: "clinops"},
		Tracing: TracingConfig{ServiceName: "clinops"},
	}
}

// Load loads configuration from the specified directory
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, ConfigFileName))
}

// LoadFile loads configuration from a file. Unset fields keep their
// defaults and environment overrides are applied last.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a YAML document over DefaultConfig and applies environment
// overrides.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.ApplyEnv(os.LookupEnv)
	return cfg, nil
}

// ApplyEnv overrides file values with CLINOPS_* environment variables.
// References such as ${CLINOPS_DATABASE_URL} in database.url are expanded.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if strings.Contains(c.Database.URL, "$") {
		c.Database.URL = os.Expand(c.Database.URL, func(k string) string {
			v, _ := lookup(k)
			return v
		})
	}
	if v, ok := lookup(EnvDatabaseURL); ok && v != "" {
		c.Database.URL = v
		if c.Database.Driver == DriverMemory {
			c.Database.Driver = DriverPostgres
		}
	}
	if v, ok := lookup(EnvRedisAddr); ok && v != "" {
		c.Locker.RedisAddr = v
		c.Locker.Backend = LockerRedis
	}
	if v, ok := lookup(EnvKafkaBrokers); ok && v != "" {
		c.Outbox.Kafka.Brokers = splitList(v)
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Logging.Level = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// RedisURL returns Locker.RedisAddr as a redis:// URL.
func (c *Config) RedisURL() string {
	if c.Locker.RedisAddr == "" || strings.Contains(c.Locker.RedisAddr, "://") {
		return c.Locker.RedisAddr
	}
	return "redis://" + c.Locker.RedisAddr
}

// Save saves the configuration to the specified directory
func (c *Config) Save(dir string) error {
	return c.SaveFile(filepath.Join(dir, ConfigFileName))
}

// SaveFile saves the configuration to a specific file path
func (c *Config) SaveFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Exists checks if a config file exists in the directory
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ConfigFileName))
	return err == nil
}

// FindConfig searches for a config file starting from dir and going up
func FindConfig(dir string) (string, *Config, error) {
	current := dir
	for {
		configPath := filepath.Join(current, ConfigFileName)
		if _, err := os.Stat(configPath); err == nil {
			cfg, err := LoadFile(configPath)
			if err != nil {
				return "", nil, err
			}
			return current, cfg, nil
		}

		parent := filepath.Dir(current)
		if parent == current {
			return "", nil, os.ErrNotExist
		}
		current = parent
	}
}

// Validate validates the configuration
func (c *Config) Validate() []string {
	var problems []string

	if c.Project.Name == "" {
		problems = append(problems, "project.name is required")
	}

	switch c.Database.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Database.URL == "" {
			problems = append(problems, "database.url is required for postgres driver")
		}
		if c.Database.Client != ClientPGX && c.Database.Client != ClientPQ {
			problems = append(problems, "database.client must be 'pgx' or 'pq'")
		}
	case "":
		problems = append(problems, "database.driver is required")
	default:
		problems = append(problems, "database.driver must be 'postgres' or 'memory'")
	}

	if c.Database.Codec != CodecJSON && c.Database.Codec != CodecMsgpack {
		problems = append(problems, "database.codec must be 'json' or 'msgpack'")
	}

	switch c.Locker.Backend {
	case LockerMemory:
		if c.Locker.Stripes <= 0 {
			problems = append(problems, "locker.stripes must be positive")
		}
	case LockerRedis:
		if c.Locker.RedisAddr == "" {
			problems = append(problems, "locker.redis_addr is required for redis backend")
		} else if _, err := url.Parse(c.RedisURL()); err != nil {
			problems = append(problems, "locker.redis_addr is not a valid address")
		}
	default:
		problems = append(problems, "locker.backend must be 'memory' or 'redis'")
	}

	if c.Projections.BatchSize <= 0 {
		problems = append(problems, "projections.batch_size must be positive")
	}
	if c.Projections.PollInterval <= 0 {
		problems = append(problems, "projections.poll_interval must be positive")
	}
	if c.RefData.RefreshInterval < 0 {
		problems = append(problems, "reference_data.refresh_interval must not be negative")
	}

	if c.Outbox.Enabled {
		for i, r := range c.Outbox.Routes {
			prefix, _, ok := strings.Cut(r.Destination, ":")
			if !ok {
				problems = append(problems, fmt.Sprintf("outbox.routes[%d].destination must be prefix:target", i))
				continue
			}
			switch prefix {
			case "kafka":
				if len(c.Outbox.Kafka.Brokers) == 0 {
					problems = append(problems, fmt.Sprintf("outbox.routes[%d] needs outbox.kafka.brokers", i))
				}
			case "webhook", "sns":
			default:
				problems = append(problems, fmt.Sprintf("outbox.routes[%d].destination has unknown prefix %q", i, prefix))
			}
			if r.Format != "" && r.Format != FormatJSON && r.Format != FormatProtobuf {
				problems = append(problems, fmt.Sprintf("outbox.routes[%d].format must be 'json' or 'protobuf'", i))
			}
		}
	}

	return problems
}

// GenerateYAML renders cfg as a commented config file.
func GenerateYAML(cfg *Config) (string, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}
	return `# clinops configuration
# Environment overrides: ` + EnvDatabaseURL + `, ` + EnvRedisAddr + `,
# ` + EnvKafkaBrokers + ` (comma separated), ` + EnvLogLevel + `.

` + string(data), nil
}
