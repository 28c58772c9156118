package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jordanhubbard/tripdesk/pkg/models"
)

// Config represents the main configuration for the tripdesk server.
type Config struct {
	Server     ServerConfig              `yaml:"server" json:"server"`
	Database   DatabaseConfig            `yaml:"database" json:"database"`
	Scheduler  SchedulerConfig           `yaml:"scheduler" json:"scheduler"`
	Automation models.AutomationSettings `yaml:"automation" json:"automation"` // Seed used until settings are stored
	Locking    LockingConfig             `yaml:"locking" json:"locking"`
	EventBus   EventBusConfig            `yaml:"event_bus" json:"event_bus"`
	Audit      AuditConfig               `yaml:"audit" json:"audit"`
	NATS       NATSConfig                `yaml:"nats" json:"nats"`
	Temporal   TemporalConfig            `yaml:"temporal" json:"temporal"`
	Telemetry  TelemetryConfig           `yaml:"telemetry" json:"telemetry"`
}

// ServerConfig configures the HTTP and gRPC listeners
type ServerConfig struct {
	HTTPPort       int           `yaml:"http_port" json:"http_port"`
	GRPCPort       int           `yaml:"grpc_port" json:"grpc_port"` // Health service; 0 disables
	ReadTimeout    time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins" json:"allowed_origins"` // CORS and websocket origins
}

// DatabaseConfig configures persistence
type DatabaseConfig struct {
	Type string `yaml:"type" json:"type"` // "sqlite", "postgres", "memory"
	Path string `yaml:"path" json:"path"` // For SQLite
	DSN  string `yaml:"dsn" json:"dsn"`   // For Postgres
}

// SchedulerConfig configures the sweep loop
type SchedulerConfig struct {
	Interval     time.Duration `yaml:"interval" json:"interval"`
	Concurrency  int           `yaml:"concurrency" json:"concurrency"`
	SettingsFile string        `yaml:"settings_file" json:"settings_file,omitempty"` // Watched for automation settings
}

// LockingConfig selects how per-trip locks are shared
type LockingConfig struct {
	Backend       string        `yaml:"backend" json:"backend"` // "memory", "redis", "database"
	RedisAddr     string        `yaml:"redis_addr" json:"redis_addr,omitempty"`
	RedisPassword string        `yaml:"redis_password" json:"-"`
	RedisDB       int           `yaml:"redis_db" json:"redis_db,omitempty"`
	TTL           time.Duration `yaml:"ttl" json:"ttl"`
}

// EventBusConfig sizes the in-process event bus
type EventBusConfig struct {
	BufferSize  int `yaml:"buffer_size" json:"buffer_size"`
	HistorySize int `yaml:"history_size" json:"history_size"`
}

// AuditConfig configures asynchronous event and alert delivery
type AuditConfig struct {
	QueueSize       int           `yaml:"queue_size" json:"queue_size"`
	Workers         int           `yaml:"workers" json:"workers"`
	MaxTries        uint          `yaml:"max_tries" json:"max_tries"`
	InitialInterval time.Duration `yaml:"initial_interval" json:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval" json:"max_interval"`
}

// NATSConfig configures the JetStream publisher
type NATSConfig struct {
	Enabled    bool          `yaml:"enabled" json:"enabled"`
	URL        string        `yaml:"url" json:"url"`
	StreamName string        `yaml:"stream_name" json:"stream_name"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
}

// TemporalConfig configures the durable sweep workflow
type TemporalConfig struct {
	Enabled             bool          `yaml:"enabled" json:"enabled"`
	Host                string        `yaml:"host" json:"host"`
	Namespace           string        `yaml:"namespace" json:"namespace"`
	TaskQueue           string        `yaml:"task_queue" json:"task_queue"`
	WorkflowTaskTimeout time.Duration `yaml:"workflow_task_timeout" json:"workflow_task_timeout"`
	SweepInterval       time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
	ConnectAttempts     uint          `yaml:"connect_attempts" json:"connect_attempts"`
}

// TelemetryConfig configures OpenTelemetry export
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Endpoint    string `yaml:"endpoint" json:"endpoint"`
	ServiceName string `yaml:"service_name" json:"service_name"`
	Environment string `yaml:"environment" json:"environment"`
}

// LoadConfigFromFile loads configuration from a YAML file at the specified
// path. Fields the file leaves out keep their DefaultConfig values.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g. ${POSTGRES_PASSWORD}) before parsing YAML
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	return cfg, nil
}

// ApplyEnv overrides file values with TRIPDESK_* environment variables
func (c *Config) ApplyEnv() {
	if v := os.Getenv("TRIPDESK_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.HTTPPort = port
		}
	}
	if v := os.Getenv("TRIPDESK_DATABASE_TYPE"); v != "" {
		c.Database.Type = v
	}
	if v := os.Getenv("TRIPDESK_DATABASE_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("TRIPDESK_DATABASE_DSN"); v != "" {
		c.Database.DSN = v
		if os.Getenv("TRIPDESK_DATABASE_TYPE") == "" {
			c.Database.Type = "postgres"
		}
	}
	if v := os.Getenv("TRIPDESK_REDIS_ADDR"); v != "" {
		c.Locking.RedisAddr = v
		c.Locking.Backend = "redis"
	}
	if v := os.Getenv("TRIPDESK_NATS_URL"); v != "" {
		c.NATS.URL = v
		c.NATS.Enabled = true
	}
	if v := os.Getenv("TRIPDESK_TEMPORAL_HOST"); v != "" {
		c.Temporal.Host = v
		c.Temporal.Enabled = true
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true
	}
}

// Validate reports configuration that cannot start a server
func (c *Config) Validate() error {
	switch c.Database.Type {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for sqlite")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown database type %q", c.Database.Type)
	}

	switch c.Locking.Backend {
	case "memory":
	case "redis":
		if c.Locking.RedisAddr == "" {
			return fmt.Errorf("locking.redis_addr is required for the redis backend")
		}
	case "database":
		if c.Database.Type != "postgres" {
			return fmt.Errorf("the database lock backend requires postgres")
		}
	default:
		return fmt.Errorf("unknown lock backend %q", c.Locking.Backend)
	}
	if c.Locking.TTL <= 0 {
		return fmt.Errorf("locking.ttl must be positive")
	}

	if c.Server.HTTPPort <= 0 {
		return fmt.Errorf("server.http_port must be positive")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats is enabled")
	}
	return nil
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:       8080,
			GRPCPort:       9090,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			IdleTimeout:    120 * time.Second,
			AllowedOrigins: []string{"*"},
		},
		Database: DatabaseConfig{
			Type: "sqlite",
			Path: "./tripdesk.db",
		},
		Scheduler: SchedulerConfig{
			Interval:    15 * time.Minute,
			Concurrency: 4,
		},
		Automation: models.DefaultAutomationSettings(),
		Locking: LockingConfig{
			Backend: "memory",
			TTL:     30 * time.Second,
		},
		EventBus: EventBusConfig{
			BufferSize:  1000,
			HistorySize: 500,
		},
		Audit: AuditConfig{
			QueueSize:       1024,
			Workers:         2,
			MaxTries:        5,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     30 * time.Second,
		},
		NATS: NATSConfig{
			URL:        "nats://localhost:4222",
			StreamName: "TRIPDESK",
			Timeout:    10 * time.Second,
		},
		Temporal: TemporalConfig{
			Host:                "localhost:7233",
			Namespace:           "tripdesk",
			TaskQueue:           "tripdesk-sweeps",
			WorkflowTaskTimeout: 10 * time.Second,
			SweepInterval:       15 * time.Minute,
			ConnectAttempts:     5,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "tripdesk",
			Environment: "development",
		},
	}
}
