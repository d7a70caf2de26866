package internal

import (
	"errors"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the full application configuration.
type Config struct {
	// Server holds HTTP server settings.
	Server struct {
		Port           int    `yaml:"port"`
		ReadTimeoutMS  int64  `yaml:"read_timeout_ms"`
		WriteTimeoutMS int64  `yaml:"write_timeout_ms"`
		IdleTimeoutMS  int64  `yaml:"idle_timeout_ms"`
		ReadHeaderMS   int64  `yaml:"read_header_timeout_ms"`
		MaxBodyBytes   int64  `yaml:"max_body_bytes"`
		RateLimitRPS   int64  `yaml:"rate_limit_rps"`
		RateLimitBurst int64  `yaml:"rate_limit_burst"`
		MetricsEnabled bool   `yaml:"metrics_enabled"`
		MetricsPath    string `yaml:"metrics_path"`
	} `yaml:"server"`
	// GitHub holds GitHub App credentials and the webhook endpoint.
	GitHub GitHubConfig `yaml:"github"`
	// Storage holds the relational store settings.
	Storage StorageConfig `yaml:"storage"`
	// Queue holds the build queue settings.
	Queue QueueConfig `yaml:"queue"`
	// Builder holds the external builder collaborator settings.
	Builder BuilderConfig `yaml:"builder"`
	// API holds the management API settings.
	API APIConfig `yaml:"api"`
}

// GitHubConfig holds GitHub App settings.
type GitHubConfig struct {
	AppID          int64  `yaml:"app_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
	WebhookSecret  string `yaml:"webhook_secret"`
	WebhookPath    string `yaml:"webhook_path"`
	BaseURL        string `yaml:"base_url"`
	TokenTimeoutMS int64  `yaml:"token_timeout_ms"`
}

// StorageConfig holds relational store settings.
type StorageConfig struct {
	Driver      string `yaml:"driver"`
	DSN         string `yaml:"dsn"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

// QueueConfig holds settings for the build queue publisher and subscriber.
type QueueConfig struct {
	Driver       string             `yaml:"driver"`
	Topic        string             `yaml:"topic"`
	GoChannel    GoChannelConfig    `yaml:"gochannel"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	NATS         NATSConfig         `yaml:"nats"`
	AMQP         AMQPConfig         `yaml:"amqp"`
	SQL          SQLConfig          `yaml:"sql"`
	HTTP         HTTPConfig         `yaml:"http"`
	RiverQueue   RiverQueueConfig   `yaml:"riverqueue"`
	PublishRetry PublishRetryConfig `yaml:"publish_retry"`
}

// GoChannelConfig holds configuration for the in-process pub/sub.
type GoChannelConfig struct {
	OutputChannelBuffer int64 `yaml:"output_buffer"`
	Persistent          bool  `yaml:"persistent"`
}

// KafkaConfig holds configuration for the Kafka driver.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
}

// NATSConfig holds configuration for the NATS streaming driver.
type NATSConfig struct {
	ClusterID string `yaml:"cluster_id"`
	ClientID  string `yaml:"client_id"`
	URL       string `yaml:"url"`
}

// AMQPConfig holds configuration for the AMQP driver.
type AMQPConfig struct {
	URL  string `yaml:"url"`
	Mode string `yaml:"mode"`
}

// SQLConfig holds configuration for the SQL queue driver.
type SQLConfig struct {
	Driver           string `yaml:"driver"`
	DSN              string `yaml:"dsn"`
	InitializeSchema bool   `yaml:"initialize_schema"`
}

// HTTPConfig holds configuration for the HTTP publisher driver.
type HTTPConfig struct {
	BaseURL string `yaml:"base_url"`
	Mode    string `yaml:"mode"`
}

// RiverQueueConfig holds configuration for the River job queue.
type RiverQueueConfig struct {
	Driver      string   `yaml:"driver"`
	DSN         string   `yaml:"dsn"`
	Table       string   `yaml:"table"`
	Queue       string   `yaml:"queue"`
	Kind        string   `yaml:"kind"`
	MaxAttempts int      `yaml:"max_attempts"`
	Priority    int      `yaml:"priority"`
	Tags        []string `yaml:"tags"`
	MaxWorkers  int      `yaml:"max_workers"`
}

// PublishRetryConfig controls retries when building or using a publisher.
type PublishRetryConfig struct {
	Attempts int `yaml:"attempts"`
	DelayMS  int `yaml:"delay_ms"`
}

// BuilderConfig holds the external builder collaborator settings.
type BuilderConfig struct {
	BaseURL        string `yaml:"base_url"`
	CallbackSecret string `yaml:"callback_secret"`
	TimeoutMS      int64  `yaml:"timeout_ms"`
	SweepAfterMS   int64  `yaml:"sweep_after_ms"`
	SweepEveryMS   int64  `yaml:"sweep_every_ms"`
}

// APIConfig holds management API settings.
type APIConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// LoadConfig loads the application configuration from a YAML file.
// It expands environment variables and applies default values.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cfg, err
	}

	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeoutMS == 0 {
		cfg.Server.ReadTimeoutMS = 5000
	}
	if cfg.Server.WriteTimeoutMS == 0 {
		cfg.Server.WriteTimeoutMS = 10000
	}
	if cfg.Server.IdleTimeoutMS == 0 {
		cfg.Server.IdleTimeoutMS = 60000
	}
	if cfg.Server.ReadHeaderMS == 0 {
		cfg.Server.ReadHeaderMS = 5000
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}
	if cfg.Server.MetricsPath == "" {
		cfg.Server.MetricsPath = "/metrics"
	}
	if cfg.GitHub.WebhookPath == "" {
		cfg.GitHub.WebhookPath = "/webhooks/github"
	}
	if cfg.GitHub.TokenTimeoutMS == 0 {
		cfg.GitHub.TokenTimeoutMS = 10000
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Queue.Driver == "" {
		cfg.Queue.Driver = "gochannel"
	}
	if cfg.Queue.Topic == "" {
		cfg.Queue.Topic = "builds.pending"
	}
	if cfg.Queue.GoChannel.OutputChannelBuffer == 0 {
		cfg.Queue.GoChannel.OutputChannelBuffer = 64
	}
	if cfg.Queue.HTTP.Mode == "" {
		cfg.Queue.HTTP.Mode = "topic_url"
	}
	if cfg.Queue.RiverQueue.Table == "" {
		cfg.Queue.RiverQueue.Table = "river_job"
	}
	if cfg.Queue.RiverQueue.Queue == "" {
		cfg.Queue.RiverQueue.Queue = "default"
	}
	if cfg.Queue.RiverQueue.Kind == "" {
		cfg.Queue.RiverQueue.Kind = "pluginhub.build"
	}
	if cfg.Queue.RiverQueue.MaxAttempts == 0 {
		cfg.Queue.RiverQueue.MaxAttempts = 25
	}
	if cfg.Queue.RiverQueue.MaxWorkers == 0 {
		cfg.Queue.RiverQueue.MaxWorkers = 5
	}
	if cfg.Queue.PublishRetry.Attempts == 0 {
		cfg.Queue.PublishRetry.Attempts = 3
	}
	if cfg.Queue.PublishRetry.DelayMS == 0 {
		cfg.Queue.PublishRetry.DelayMS = 500
	}
	if cfg.Builder.TimeoutMS == 0 {
		cfg.Builder.TimeoutMS = 15000
	}
	if cfg.Builder.SweepAfterMS == 0 {
		cfg.Builder.SweepAfterMS = 60000
	}
	if cfg.Builder.SweepEveryMS == 0 {
		cfg.Builder.SweepEveryMS = 300000
	}
}

func validate(cfg Config) error {
	if cfg.GitHub.WebhookSecret == "" {
		return errors.New("github webhook_secret is required")
	}
	if cfg.Storage.DSN == "" {
		return errors.New("storage dsn is required")
	}
	if cfg.Builder.BaseURL == "" {
		return errors.New("builder base_url is required")
	}
	return nil
}
