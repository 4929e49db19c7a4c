// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Queue     QueueConfig     `mapstructure:"queue"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Asynq     AsynqConfig     `mapstructure:"asynq"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Tracker   TrackerConfig   `mapstructure:"tracker"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Workflow  WorkflowConfig  `mapstructure:"workflow"`
	Render    RenderConfig    `mapstructure:"render"`
	Classify  ClassifyConfig  `mapstructure:"classify"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Links     LinksConfig     `mapstructure:"links"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	RedirectTimeoutSeconds int `mapstructure:"redirect_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
	// OriginPatterns lists browser origins allowed to open the click socket.
	OriginPatterns []string `mapstructure:"origin_patterns"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// CacheConfig selects the fast cache used by the resolver.
type CacheConfig struct {
	Backend    string `mapstructure:"backend"` // redis | memory
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

// RedisConfig holds the Redis connection used by the cache, tracker, scheduler, and asynq.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// DatabaseConfig controls access to Postgres.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// StorageConfig selects the artifact blob store.
type StorageConfig struct {
	Backend string `mapstructure:"backend"` // gcs | local | memory
	Bucket  string `mapstructure:"bucket"`
	BaseDir string `mapstructure:"base_dir"`
	Prefix  string `mapstructure:"prefix"`
}

// QueueConfig selects the durable click queue.
type QueueConfig struct {
	Backend          string `mapstructure:"backend"` // memory | pubsub | asynq
	Depth            int    `mapstructure:"depth"`
	ConsumeInProcess bool   `mapstructure:"consume_in_process"`
}

// PubSubConfig holds the Pub/Sub topic and subscription for click events.
type PubSubConfig struct {
	ProjectID      string `mapstructure:"project_id"`
	TopicName      string `mapstructure:"topic_name"`
	Subscription   string `mapstructure:"subscription"`
	MaxOutstanding int    `mapstructure:"max_outstanding"`
}

// AsynqConfig controls the Redis-backed task queue.
type AsynqConfig struct {
	Queue       string `mapstructure:"queue"`
	Concurrency int    `mapstructure:"concurrency"`
	MaxRetry    int    `mapstructure:"max_retry"`
}

// IngestConfig sizes the click capture worker pool.
type IngestConfig struct {
	Workers         int `mapstructure:"workers"`
	Buffer          int `mapstructure:"buffer"`
	SubmitTimeoutMs int `mapstructure:"submit_timeout_ms"`
	SinkTimeoutMs   int `mapstructure:"sink_timeout_ms"`
}

// TrackerConfig shapes the per-account click aggregate.
type TrackerConfig struct {
	WindowSeconds      int  `mapstructure:"window_seconds"`
	RetentionMinutes   int  `mapstructure:"retention_minutes"`
	IdleTimeoutSeconds int  `mapstructure:"idle_timeout_seconds"`
	ObserverBuffer     int  `mapstructure:"observer_buffer"`
	Durable            bool `mapstructure:"durable"`
}

// SchedulerConfig selects the evaluation trigger policy.
type SchedulerConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	Policy             string `mapstructure:"policy"` // cooldown | first_click
	CooldownMinutes    int    `mapstructure:"cooldown_minutes"`
	IdleTimeoutSeconds int    `mapstructure:"idle_timeout_seconds"`
	Durable            bool   `mapstructure:"durable"`
}

// WorkflowConfig controls the durable workflow engine.
type WorkflowConfig struct {
	Concurrency         int  `mapstructure:"concurrency"`
	DefaultRetryLimit   int  `mapstructure:"default_retry_limit"`
	DefaultRetryDelayMs int  `mapstructure:"default_retry_delay_ms"`
	ResumeOnStart       bool `mapstructure:"resume_on_start"`
}

// RenderConfig configures the render capability and its step policy.
type RenderConfig struct {
	Backend        string `mapstructure:"backend"` // headless | static
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxParallel    int    `mapstructure:"max_parallel"`
	UserAgent      string `mapstructure:"user_agent"`
	QuietPeriodMs  int    `mapstructure:"quiet_period_ms"`
	RetryLimit     int    `mapstructure:"retry_limit"`
	RetryDelayMs   int    `mapstructure:"retry_delay_ms"`
}

// ClassifyConfig configures the classification capability.
type ClassifyConfig struct {
	Backend        string `mapstructure:"backend"` // heuristic | remote
	Endpoint       string `mapstructure:"endpoint"`
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxChars       int    `mapstructure:"max_chars"`
}

// TelemetryConfig identifies the service in traces.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	Version     string  `mapstructure:"version"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	// ProjectID enables Cloud Trace export. Empty falls back to pubsub.project_id.
	ProjectID string `mapstructure:"project_id"`
}

// LinksConfig seeds the in-memory link store when no database is configured.
type LinksConfig struct {
	Seed []SeedLink `mapstructure:"seed"`
}

// SeedLink is one link loaded at startup.
type SeedLink struct {
	ID           string            `mapstructure:"id"`
	AccountID    string            `mapstructure:"account_id"`
	Destinations map[string]string `mapstructure:"destinations"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GEOLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	// Every key needs a default so AutomaticEnv can override it during Unmarshal.
	v.AutomaticEnv()

	setDefaults(v)

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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.redirect_timeout_seconds", 10)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl_seconds", 60*60*24)
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "geolink")
	v.SetDefault("server.origin_patterns", []string{})
	v.SetDefault("redis.password", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("storage.bucket", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("pubsub.subscription", "")
	v.SetDefault("classify.endpoint", "")
	v.SetDefault("classify.api_key", "")
	v.SetDefault("classify.model", "")
	v.SetDefault("telemetry.version", "")
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.base_dir", "./artifacts")
	v.SetDefault("storage.prefix", "evaluations")
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.depth", 1024)
	v.SetDefault("queue.consume_in_process", true)
	v.SetDefault("pubsub.max_outstanding", 100)
	v.SetDefault("asynq.queue", "clicks")
	v.SetDefault("asynq.concurrency", 10)
	v.SetDefault("asynq.max_retry", 10)
	v.SetDefault("ingest.workers", 4)
	v.SetDefault("ingest.buffer", 1024)
	v.SetDefault("ingest.submit_timeout_ms", 100)
	v.SetDefault("ingest.sink_timeout_ms", 5000)
	v.SetDefault("tracker.window_seconds", 60)
	v.SetDefault("tracker.retention_minutes", 60)
	v.SetDefault("tracker.idle_timeout_seconds", 300)
	v.SetDefault("tracker.observer_buffer", 64)
	v.SetDefault("tracker.durable", false)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.policy", "cooldown")
	v.SetDefault("scheduler.cooldown_minutes", 60*24)
	v.SetDefault("scheduler.idle_timeout_seconds", 600)
	v.SetDefault("scheduler.durable", false)
	v.SetDefault("workflow.concurrency", 2)
	v.SetDefault("workflow.default_retry_limit", 5)
	v.SetDefault("workflow.default_retry_delay_ms", 1000)
	v.SetDefault("workflow.resume_on_start", true)
	v.SetDefault("render.backend", "headless")
	v.SetDefault("render.timeout_seconds", 30)
	v.SetDefault("render.max_parallel", 1)
	v.SetDefault("render.user_agent", "geolink-evaluator/0.1")
	v.SetDefault("render.quiet_period_ms", 500)
	v.SetDefault("render.retry_limit", 1)
	v.SetDefault("render.retry_delay_ms", 1000)
	v.SetDefault("classify.backend", "heuristic")
	v.SetDefault("classify.timeout_seconds", 20)
	v.SetDefault("classify.max_chars", 8000)
	v.SetDefault("telemetry.service_name", "geolink")
	v.SetDefault("telemetry.sample_ratio", 0.1)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Cache.TTLSeconds <= 0 {
		return fmt.Errorf("cache.ttl_seconds must be > 0")
	}
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("cache.backend %q is not supported", c.Cache.Backend)
	}
	switch c.Storage.Backend {
	case "memory", "local":
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set when storage.backend is gcs")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	switch c.Queue.Backend {
	case "memory", "asynq":
	case "pubsub":
		if c.PubSub.ProjectID == "" || c.PubSub.TopicName == "" {
			return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when queue.backend is pubsub")
		}
		if c.Queue.ConsumeInProcess && c.PubSub.Subscription == "" {
			return fmt.Errorf("pubsub.subscription must be set to consume clicks in process")
		}
	default:
		return fmt.Errorf("queue.backend %q is not supported", c.Queue.Backend)
	}
	if c.Ingest.Workers <= 0 || c.Ingest.Buffer <= 0 {
		return fmt.Errorf("ingest.workers and ingest.buffer must be > 0")
	}
	if c.Tracker.WindowSeconds <= 0 || c.Tracker.RetentionMinutes <= 0 {
		return fmt.Errorf("tracker.window_seconds and tracker.retention_minutes must be > 0")
	}
	switch c.Scheduler.Policy {
	case "cooldown", "first_click":
	default:
		return fmt.Errorf("scheduler.policy %q is not supported", c.Scheduler.Policy)
	}
	if c.Scheduler.Policy == "cooldown" && c.Scheduler.CooldownMinutes <= 0 {
		return fmt.Errorf("scheduler.cooldown_minutes must be > 0")
	}
	if c.Workflow.Concurrency <= 0 {
		return fmt.Errorf("workflow.concurrency must be > 0")
	}
	if c.Workflow.DefaultRetryLimit < 0 || c.Render.RetryLimit < 0 {
		return fmt.Errorf("retry limits must be >= 0")
	}
	switch c.Render.Backend {
	case "headless", "static":
	default:
		return fmt.Errorf("render.backend %q is not supported", c.Render.Backend)
	}
	if c.Render.TimeoutSeconds <= 0 {
		return fmt.Errorf("render.timeout_seconds must be > 0")
	}
	switch c.Classify.Backend {
	case "heuristic":
	case "remote":
		if c.Classify.Endpoint == "" {
			return fmt.Errorf("classify.endpoint must be set when classify.backend is remote")
		}
	default:
		return fmt.Errorf("classify.backend %q is not supported", c.Classify.Backend)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	return nil
}

// ShutdownTimeout bounds graceful shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// TraceProjectID returns the project spans are exported to, if any.
func (c Config) TraceProjectID() string {
	if c.Telemetry.ProjectID != "" {
		return c.Telemetry.ProjectID
	}
	return c.PubSub.ProjectID
}

// RedirectTimeout bounds link resolution on the redirect path.
func (c Config) RedirectTimeout() time.Duration {
	return time.Duration(c.Server.RedirectTimeoutSeconds) * time.Second
}

// CacheTTL returns the link cache expiry.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

// RenderTimeout returns the bounded render duration.
func (c Config) RenderTimeout() time.Duration {
	return time.Duration(c.Render.TimeoutSeconds) * time.Second
}

// CooldownWindow returns the scheduler cool-down window.
func (c Config) CooldownWindow() time.Duration {
	return time.Duration(c.Scheduler.CooldownMinutes) * time.Minute
}

// NeedsRedis reports whether any configured component talks to Redis.
func (c Config) NeedsRedis() bool {
	return c.Cache.Backend == "redis" ||
		c.Queue.Backend == "asynq" ||
		c.Tracker.Durable ||
		c.Scheduler.Durable
}
