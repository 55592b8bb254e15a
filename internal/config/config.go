package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Admission orderings for the pending queue.
const (
	AdmissionFIFO          = "fifo"
	AdmissionSmallestFirst = "smallest_first"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Logging   LoggingConfig   `yaml:"logging"`
	App       AppConfig       `yaml:"app"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig selects the job store backend
type StoreConfig struct {
	Driver string `yaml:"driver"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int  `yaml:"prefetch_count"`
	AutoAck       bool `yaml:"auto_ack"`
	Exclusive     bool `yaml:"exclusive"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	Output           string `yaml:"output"`
	EnableCaller     bool   `yaml:"enable_caller"`
	EnableStackTrace bool   `yaml:"enable_stack_trace"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
	// EmbeddedPipeline runs the scheduler inside the API process instead
	// of publishing jobs to RabbitMQ for a separate worker service.
	EmbeddedPipeline bool `yaml:"embedded_pipeline"`
}

// PipelineConfig holds acquisition pipeline configuration
type PipelineConfig struct {
	Workers                 int           `yaml:"workers"`
	FetchSlots              int           `yaml:"fetch_slots"`
	TranscodeSlots          int           `yaml:"transcode_slots"`
	QueueCapacity           int           `yaml:"queue_capacity"`
	ScratchDir              string        `yaml:"scratch_dir"`
	Admission               string        `yaml:"admission"`
	SizeLimitBytes          int64         `yaml:"size_limit_bytes"`
	RateLimitBytesPerSec    int64         `yaml:"rate_limit_bytes_per_sec"`
	FetchAttemptTimeout     time.Duration `yaml:"fetch_attempt_timeout"`
	FetchRetryAttempts      int           `yaml:"fetch_retry_attempts"`
	FetchRetryInterval      time.Duration `yaml:"fetch_retry_interval"`
	TranscodeAttemptTimeout time.Duration `yaml:"transcode_attempt_timeout"`
	FFmpegBinary            string        `yaml:"ffmpeg_binary"`
	ShutdownTimeout         time.Duration `yaml:"shutdown_timeout"`
}

// ArtifactsConfig holds artifact storage and retention configuration
type ArtifactsConfig struct {
	Root           string        `yaml:"root"`
	MaxBytes       int64         `yaml:"max_bytes"`
	RetentionFloor time.Duration `yaml:"retention_floor"`
	EvictInterval  time.Duration `yaml:"evict_interval"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// ValidateAPIConfig checks the settings the API service needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateStore(); err != nil {
		return err
	}

	// Artifact streaming reads from the store root in either deployment.
	if c.Artifacts.Root == "" {
		return fmt.Errorf("artifacts root is required")
	}

	if c.App.EmbeddedPipeline {
		return c.validatePipeline()
	}
	return c.validateRabbitMQ()
}

// ValidateWorkerConfig checks the settings the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateStore(); err != nil {
		return err
	}
	if err := c.validateRabbitMQ(); err != nil {
		return err
	}
	return c.validatePipeline()
}

func (c *Config) validateStore() error {
	switch c.Store.Driver {
	case StoreMemory:
		return nil
	case StorePostgres:
	case "":
		return fmt.Errorf("store driver is required (%q or %q)", StoreMemory, StorePostgres)
	default:
		return fmt.Errorf("unknown store driver: %q", c.Store.Driver)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}
	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}
	return nil
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}
	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}
	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}
	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline workers must be greater than 0")
	}
	if c.Pipeline.FetchSlots <= 0 {
		return fmt.Errorf("pipeline fetch_slots must be greater than 0")
	}
	if c.Pipeline.TranscodeSlots <= 0 {
		return fmt.Errorf("pipeline transcode_slots must be greater than 0")
	}
	if c.Pipeline.ScratchDir == "" {
		return fmt.Errorf("pipeline scratch_dir is required")
	}
	switch c.Pipeline.Admission {
	case "", AdmissionFIFO, AdmissionSmallestFirst:
	default:
		return fmt.Errorf("unknown admission ordering: %q", c.Pipeline.Admission)
	}
	if c.Artifacts.Root == "" {
		return fmt.Errorf("artifacts root is required")
	}
	return nil
}
