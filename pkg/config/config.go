// Package config loads and validates pipeline configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Postgres, Redis, Queues, OCR, Decision, Webhook, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level pipeline configuration. It is constructed once at
// startup and treated as immutable afterwards.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Queues   QueuesConfig   `yaml:"queues"`
	OCR      OCRConfig      `yaml:"ocr"`
	Decision DecisionConfig `yaml:"decision"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Retry    RetryConfig    `yaml:"retry"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings for the status API.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// RedisConfig holds connection parameters for the Redis task broker.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
}

// KafkaConfig holds the broker list and topic for the pipeline event stream.
type KafkaConfig struct {
	Brokers     []string `yaml:"brokers"`
	EventsTopic string   `yaml:"eventsTopic"`
}

// QueueNames maps pipeline stages to their broker queue names.
type QueueNames struct {
	Ingestion          string `yaml:"ingestion"`
	DocumentProcessing string `yaml:"documentProcessing"`
	Decision           string `yaml:"decision"`
	Webhooks           string `yaml:"webhooks"`
	DeadLetter         string `yaml:"deadLetter"`
}

// WorkerPoolConfig bounds the worker concurrency for one queue.
type WorkerPoolConfig struct {
	Concurrency    int           `yaml:"concurrency"`
	MinConcurrency int           `yaml:"minConcurrency"`
	MaxConcurrency int           `yaml:"maxConcurrency"`
	SoftTimeLimit  time.Duration `yaml:"softTimeLimit"`
	HardTimeLimit  time.Duration `yaml:"hardTimeLimit"`
	DrainTimeout   time.Duration `yaml:"drainTimeout"`
}

// QueuesConfig holds queue names, per-queue worker bounds, and broker-level
// delivery settings shared by all queues.
type QueuesConfig struct {
	Names             QueueNames       `yaml:"names"`
	VisibilityTimeout time.Duration    `yaml:"visibilityTimeout"`
	ReaperInterval    time.Duration    `yaml:"reaperInterval"`
	PrefetchLimit     int              `yaml:"prefetchLimit"`
	OCRWorkers        WorkerPoolConfig `yaml:"ocrWorkers"`
	WebhookWorkers    WorkerPoolConfig `yaml:"webhookWorkers"`
	PipelineWorkers   WorkerPoolConfig `yaml:"pipelineWorkers"`
}

// OCRConfig selects and configures the external OCR engine.
type OCRConfig struct {
	Engine         string        `yaml:"engine"`
	EndpointURL    string        `yaml:"endpointUrl"`
	StorageBaseURL string        `yaml:"storageBaseUrl"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	RequiredFields []string      `yaml:"requiredFields"`
}

// DecisionConfig holds the confidence routing thresholds. Thresholds are
// inclusive lower bounds.
type DecisionConfig struct {
	AutoApproveThreshold  float64 `yaml:"autoApproveThreshold"`
	ManualReviewThreshold float64 `yaml:"manualReviewThreshold"`
}

// WebhookConfig holds the subscriber endpoint and delivery settings.
type WebhookConfig struct {
	SubscriberURL           string        `yaml:"subscriberUrl"`
	RequestTimeout          time.Duration `yaml:"requestTimeout"`
	CircuitFailureThreshold int           `yaml:"circuitFailureThreshold"`
	CircuitResetTimeout     time.Duration `yaml:"circuitResetTimeout"`
}

// RetryConfig controls task retry and exponential backoff behaviour across
// all queues: delay = baseDelay * factor^attempt, capped at maxDelay. A task
// that fails maxAttempts times is dead-lettered.
type RetryConfig struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	BaseDelay   time.Duration `yaml:"baseDelay"`
	Factor      float64       `yaml:"factor"`
	MaxDelay    time.Duration `yaml:"maxDelay"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaultConfig returns a Config with production-ready defaults for local
// development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "mcapipeline",
			User:            "mcapipeline",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			PoolSize: 10,
		},
		Kafka: KafkaConfig{
			Brokers:     []string{"localhost:9092"},
			EventsTopic: "pipeline-events",
		},
		Queues: QueuesConfig{
			Names: QueueNames{
				Ingestion:          "ingestion",
				DocumentProcessing: "document_processing",
				Decision:           "decision",
				Webhooks:           "webhooks",
				DeadLetter:         "dead_letter",
			},
			VisibilityTimeout: 30 * time.Second,
			ReaperInterval:    5 * time.Second,
			PrefetchLimit:     1,
			OCRWorkers: WorkerPoolConfig{
				Concurrency:    4,
				MinConcurrency: 2,
				MaxConcurrency: 8,
				SoftTimeLimit:  25 * time.Second,
				HardTimeLimit:  30 * time.Second,
				DrainTimeout:   20 * time.Second,
			},
			WebhookWorkers: WorkerPoolConfig{
				Concurrency:    4,
				MinConcurrency: 2,
				MaxConcurrency: 8,
				SoftTimeLimit:  25 * time.Second,
				HardTimeLimit:  30 * time.Second,
				DrainTimeout:   20 * time.Second,
			},
			PipelineWorkers: WorkerPoolConfig{
				Concurrency:    4,
				MinConcurrency: 2,
				MaxConcurrency: 4,
				SoftTimeLimit:  25 * time.Second,
				HardTimeLimit:  30 * time.Second,
				DrainTimeout:   20 * time.Second,
			},
		},
		OCR: OCRConfig{
			Engine:         "http",
			EndpointURL:    "http://localhost:9191/v1/extract",
			StorageBaseURL: "http://localhost:9000/documents",
			RequestTimeout: 20 * time.Second,
			RequiredFields: []string{"merchant_name", "ein", "requested_amount"},
		},
		Decision: DecisionConfig{
			AutoApproveThreshold:  0.95,
			ManualReviewThreshold: 0.70,
		},
		Webhook: WebhookConfig{
			SubscriberURL:           "http://localhost:9292/webhooks/mca",
			RequestTimeout:          30 * time.Second,
			CircuitFailureThreshold: 5,
			CircuitResetTimeout:     30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 5,
			BaseDelay:   1 * time.Second,
			Factor:      2.0,
			MaxDelay:    60 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// validate rejects configurations the pipeline cannot run with.
func validate(cfg *Config) error {
	if cfg.Decision.AutoApproveThreshold < cfg.Decision.ManualReviewThreshold {
		return fmt.Errorf("auto-approve threshold %.2f below manual-review threshold %.2f",
			cfg.Decision.AutoApproveThreshold, cfg.Decision.ManualReviewThreshold)
	}
	if cfg.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry maxAttempts must be at least 1, got %d", cfg.Retry.MaxAttempts)
	}
	if len(cfg.OCR.RequiredFields) == 0 {
		return fmt.Errorf("ocr requiredFields must not be empty")
	}
	for _, pool := range []WorkerPoolConfig{cfg.Queues.OCRWorkers, cfg.Queues.WebhookWorkers, cfg.Queues.PipelineWorkers} {
		if pool.SoftTimeLimit > pool.HardTimeLimit {
			return fmt.Errorf("soft time limit %v exceeds hard time limit %v", pool.SoftTimeLimit, pool.HardTimeLimit)
		}
	}
	return nil
}

// applyEnvOverrides reads MCA_* environment variables and overrides the
// corresponding config fields. The two decision thresholds additionally
// honour their conventional unprefixed names.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MCA_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("MCA_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("MCA_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("MCA_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("MCA_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("MCA_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("MCA_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("MCA_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("MCA_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("MCA_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("MCA_OCR_ENGINE"); v != "" {
		cfg.OCR.Engine = v
	}
	if v := os.Getenv("MCA_OCR_ENDPOINT_URL"); v != "" {
		cfg.OCR.EndpointURL = v
	}
	if v := os.Getenv("AUTO_APPROVE_THRESHOLD"); v != "" {
		if t, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Decision.AutoApproveThreshold = t
		}
	}
	if v := os.Getenv("MANUAL_REVIEW_THRESHOLD"); v != "" {
		if t, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Decision.ManualReviewThreshold = t
		}
	}
	if v := os.Getenv("MCA_WEBHOOK_SUBSCRIBER_URL"); v != "" {
		cfg.Webhook.SubscriberURL = v
	}
	if v := os.Getenv("MCA_RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retry.MaxAttempts = n
		}
	}
	if v := os.Getenv("MCA_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MCA_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
