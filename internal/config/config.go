// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Generator GeneratorConfig `mapstructure:"generator"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	EnqueueTimeout  time.Duration `mapstructure:"enqueue_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DatabaseConfig selects and configures the session/question store.
type DatabaseConfig struct {
	Backend         string        `mapstructure:"backend"`
	DSN             string        `mapstructure:"dsn"`
	SessionsTable   string        `mapstructure:"sessions_table"`
	QuestionsTable  string        `mapstructure:"questions_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// QueueConfig selects the job queue backend. Scrape and answer jobs travel on
// separate queues named ScrapeName and AnswerName.
type QueueConfig struct {
	Backend    string       `mapstructure:"backend"`
	ScrapeName string       `mapstructure:"scrape_name"`
	AnswerName string       `mapstructure:"answer_name"`
	Capacity   int          `mapstructure:"capacity"`
	Redis      RedisConfig  `mapstructure:"redis"`
	PubSub     PubSubConfig `mapstructure:"pubsub"`
	SQS        SQSConfig    `mapstructure:"sqs"`
}

// RedisConfig configures the Redis list queue. URL wins over Host/Port.
type RedisConfig struct {
	URL           string        `mapstructure:"url"`
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	Password      string        `mapstructure:"password"`
	DB            int           `mapstructure:"db"`
	BlockTimeout  time.Duration `mapstructure:"block_timeout"`
	RecoverOnBoot bool          `mapstructure:"recover_on_boot"`
}

// Addr joins Host and Port.
func (r RedisConfig) Addr() string {
	if r.Host == "" {
		return ""
	}
	return net.JoinHostPort(r.Host, fmt.Sprint(r.Port))
}

// PubSubConfig holds Google Cloud Pub/Sub settings. Topics are named after
// the queue names and subscriptions are "<topic>-worker".
type PubSubConfig struct {
	ProjectID      string `mapstructure:"project_id"`
	MaxOutstanding int    `mapstructure:"max_outstanding"`
}

// SQSConfig holds Amazon SQS queue URLs.
type SQSConfig struct {
	Region            string        `mapstructure:"region"`
	ScrapeQueueURL    string        `mapstructure:"scrape_queue_url"`
	AnswerQueueURL    string        `mapstructure:"answer_queue_url"`
	WaitSeconds       int32         `mapstructure:"wait_seconds"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
}

// WorkerConfig governs the worker pools.
type WorkerConfig struct {
	ScrapeConcurrency int           `mapstructure:"scrape_concurrency"`
	AnswerConcurrency int           `mapstructure:"answer_concurrency"`
	JobTimeout        time.Duration `mapstructure:"job_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
}

// FetchConfig configures the static page fetch and text extraction.
type FetchConfig struct {
	UserAgent    string        `mapstructure:"user_agent"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxBodyBytes int           `mapstructure:"max_body_bytes"`
	Extraction   string        `mapstructure:"extraction"`
	MaxChars     int           `mapstructure:"max_chars"`
}

// HeadlessConfig configures the headless rendering fallback.
type HeadlessConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxParallel  int           `mapstructure:"max_parallel"`
	NavTimeout   time.Duration `mapstructure:"nav_timeout"`
	SettleDelay  time.Duration `mapstructure:"settle_delay"`
	MinTextChars int           `mapstructure:"min_text_chars"`
}

// GeneratorConfig configures the chat completion client.
type GeneratorConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	MaxTokens   int64         `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
}

// ArchiveConfig controls raw HTML snapshots of scraped pages.
type ArchiveConfig struct {
	Backend     string `mapstructure:"backend"`
	Bucket      string `mapstructure:"bucket"`
	Dir         string `mapstructure:"dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig configures tracing export.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	Version     string  `mapstructure:"version"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// LoadDotEnv loads KEY=value pairs from path into the process environment
// without overriding variables that are already set. A missing file is not an
// error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SUKTA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.enqueue_timeout", "5s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("database.backend", "memory")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.sessions_table", "sessions")
	v.SetDefault("database.questions_table", "questions")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("database.auto_migrate", false)
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.scrape_name", "sukta-scrape")
	v.SetDefault("queue.answer_name", "sukta-questions")
	v.SetDefault("queue.capacity", 256)
	v.SetDefault("queue.redis.url", "")
	v.SetDefault("queue.redis.host", "")
	v.SetDefault("queue.redis.port", 6379)
	v.SetDefault("queue.redis.password", "")
	v.SetDefault("queue.redis.db", 0)
	v.SetDefault("queue.redis.block_timeout", "5s")
	v.SetDefault("queue.redis.recover_on_boot", false)
	v.SetDefault("queue.pubsub.project_id", "")
	v.SetDefault("queue.pubsub.max_outstanding", 10)
	v.SetDefault("queue.sqs.region", "")
	v.SetDefault("queue.sqs.scrape_queue_url", "")
	v.SetDefault("queue.sqs.answer_queue_url", "")
	v.SetDefault("queue.sqs.wait_seconds", 20)
	v.SetDefault("queue.sqs.visibility_timeout", "3m")
	v.SetDefault("worker.scrape_concurrency", 2)
	v.SetDefault("worker.answer_concurrency", 2)
	v.SetDefault("worker.job_timeout", "2m")
	v.SetDefault("worker.write_timeout", "10s")
	v.SetDefault("worker.max_attempts", 5)
	v.SetDefault("fetch.user_agent", "")
	v.SetDefault("fetch.timeout", "30s")
	v.SetDefault("fetch.max_body_bytes", 5*1024*1024)
	v.SetDefault("fetch.extraction", "selector")
	v.SetDefault("fetch.max_chars", 8000)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout", "30s")
	v.SetDefault("headless.settle_delay", "500ms")
	v.SetDefault("headless.min_text_chars", 200)
	v.SetDefault("generator.api_key", "")
	v.SetDefault("generator.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("generator.model", "openai/gpt-3.5-turbo")
	v.SetDefault("generator.max_tokens", 500)
	v.SetDefault("generator.temperature", 0.7)
	v.SetDefault("generator.timeout", "60s")
	v.SetDefault("generator.max_retries", 2)
	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.dir", "data/snapshots")
	v.SetDefault("archive.prefix", "snapshots")
	v.SetDefault("archive.content_type", "text/html; charset=utf-8")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.service_name", "sukta")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// bindLegacyEnv accepts the unprefixed variable names used by existing
// deployments. Prefixed SUKTA_ variables take precedence.
func bindLegacyEnv(v *viper.Viper) error {
	bindings := map[string]string{
		"server.port":          "PORT",
		"database.dsn":         "DATABASE_URL",
		"generator.api_key":    "OPENROUTER_API_KEY",
		"generator.model":      "OPENROUTER_MODEL",
		"queue.redis.url":      "REDIS_URL",
		"queue.redis.host":     "REDIS_HOST",
		"queue.redis.port":     "REDIS_PORT",
		"queue.redis.password": "REDIS_PASSWORD",
	}
	for key, legacy := range bindings {
		prefixed := "SUKTA_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

func (c *Config) normalize() {
	c.Database.Backend = strings.ToLower(strings.TrimSpace(c.Database.Backend))
	c.Queue.Backend = strings.ToLower(strings.TrimSpace(c.Queue.Backend))
	c.Archive.Backend = strings.ToLower(strings.TrimSpace(c.Archive.Backend))
	c.Fetch.Extraction = strings.ToLower(strings.TrimSpace(c.Fetch.Extraction))
	if c.Archive.Backend == "" {
		c.Archive.Backend = "none"
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Database.Backend {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("database.backend %q is not one of memory, postgres", c.Database.Backend)
	}
	if c.Queue.ScrapeName == "" || c.Queue.AnswerName == "" {
		return fmt.Errorf("queue.scrape_name and queue.answer_name must be set")
	}
	if c.Queue.ScrapeName == c.Queue.AnswerName {
		return fmt.Errorf("queue.scrape_name and queue.answer_name must differ")
	}
	switch c.Queue.Backend {
	case "memory":
		if c.Queue.Capacity <= 0 {
			return fmt.Errorf("queue.capacity must be > 0")
		}
	case "redis":
		if c.Queue.Redis.URL == "" && c.Queue.Redis.Host == "" {
			return fmt.Errorf("queue.redis.url or queue.redis.host must be set for the redis backend")
		}
	case "pubsub":
		if c.Queue.PubSub.ProjectID == "" {
			return fmt.Errorf("queue.pubsub.project_id must be set for the pubsub backend")
		}
	case "sqs":
		if c.Queue.SQS.ScrapeQueueURL == "" || c.Queue.SQS.AnswerQueueURL == "" {
			return fmt.Errorf("queue.sqs.scrape_queue_url and queue.sqs.answer_queue_url must be set for the sqs backend")
		}
	default:
		return fmt.Errorf("queue.backend %q is not one of memory, redis, pubsub, sqs", c.Queue.Backend)
	}
	if c.Worker.ScrapeConcurrency <= 0 || c.Worker.AnswerConcurrency <= 0 {
		return fmt.Errorf("worker.scrape_concurrency and worker.answer_concurrency must be > 0")
	}
	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker.job_timeout must be > 0")
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if c.Fetch.Extraction != "selector" && c.Fetch.Extraction != "readability" {
		return fmt.Errorf("fetch.extraction %q is not one of selector, readability", c.Fetch.Extraction)
	}
	if c.Fetch.MaxChars <= 0 {
		return fmt.Errorf("fetch.max_chars must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Generator.Timeout <= 0 {
		return fmt.Errorf("generator.timeout must be > 0")
	}
	if c.Generator.Temperature < 0 || c.Generator.Temperature > 2 {
		return fmt.Errorf("generator.temperature must be between 0 and 2")
	}
	switch c.Archive.Backend {
	case "none", "memory":
	case "local":
		if c.Archive.Dir == "" {
			return fmt.Errorf("archive.dir must be set for the local backend")
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("archive.backend %q is not one of none, memory, local, gcs", c.Archive.Backend)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be between 0 and 1")
	}
	return nil
}
