// Package config loads the observer configuration from an optional YAML
// file plus environment overrides, and hot-reloads the privacy rule file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/arbiterlabs/observer/internal/redact"
)

// Config is the full observer configuration tree.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service" yaml:"service"`
	Data      DataConfig      `mapstructure:"data" yaml:"data"`
	Ingest    IngestConfig    `mapstructure:"ingest" yaml:"ingest"`
	Stream    StreamConfig    `mapstructure:"stream" yaml:"stream"`
	Privacy   PrivacyConfig   `mapstructure:"privacy" yaml:"privacy"`
	Auth      AuthConfig      `mapstructure:"auth" yaml:"auth"`
	Runtime   RuntimeConfig   `mapstructure:"runtime" yaml:"runtime"`
	Redis     RedisConfig     `mapstructure:"redis" yaml:"redis"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit" yaml:"ratelimit"`
	Tracing   TracingConfig   `mapstructure:"tracing" yaml:"tracing"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// ServiceConfig holds the HTTP listener settings. WriteTimeout stays zero
// because SSE responses are long-lived.
type ServiceConfig struct {
	Port            int           `mapstructure:"port" yaml:"port"`
	AdminPort       int           `mapstructure:"admin_port" yaml:"admin_port"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout" yaml:"graceful_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	MaxHeaderBytes  int           `mapstructure:"max_header_bytes" yaml:"max_header_bytes"`
}

// DataConfig holds the journal settings.
type DataConfig struct {
	Dir           string        `mapstructure:"dir" yaml:"dir"`
	RotationBytes int64         `mapstructure:"rotation_bytes" yaml:"rotation_bytes"`
	FsyncInterval time.Duration `mapstructure:"fsync_interval" yaml:"fsync_interval"`
}

// IngestConfig holds the admission policy knobs.
type IngestConfig struct {
	MaxQueueSize int   `mapstructure:"max_queue_size" yaml:"max_queue_size"`
	RingCapacity int   `mapstructure:"ring_capacity" yaml:"ring_capacity"`
	MaxBodyBytes int64 `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
}

// StreamConfig holds the SSE/WebSocket fan-out knobs.
type StreamConfig struct {
	MaxClients        int           `mapstructure:"max_clients" yaml:"max_clients"`
	SubscriberBuffer  int           `mapstructure:"subscriber_buffer" yaml:"subscriber_buffer"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
}

// PrivacyConfig selects the redaction mode and rule source. Inline rules
// and the rule file are merged, file rules last.
type PrivacyConfig struct {
	Mode      string        `mapstructure:"mode" yaml:"mode"`
	Rules     []redact.Rule `mapstructure:"rules" yaml:"rules"`
	RulesFile string        `mapstructure:"rules_file" yaml:"rules_file"`
}

// AuthConfig holds the bearer token and the Origin allowlist. An empty
// token disables authentication.
type AuthConfig struct {
	Token          string   `mapstructure:"token" yaml:"token"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// RuntimeConfig points at the arbiter runtime's control API. An empty
// BaseURL with Standalone set means the observer runs without a runtime.
type RuntimeConfig struct {
	BaseURL    string        `mapstructure:"base_url" yaml:"base_url"`
	Token      string        `mapstructure:"token" yaml:"token"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Standalone bool          `mapstructure:"standalone" yaml:"standalone"`
}

// RedisConfig points at the redis used for rate limiting and idempotency.
// Empty URL disables both and the limiter falls back to an in-process one.
type RedisConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// RateLimitConfig bounds request rates per client.
type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int  `mapstructure:"burst" yaml:"burst"`
}

// TracingConfig configures the OTLP exporter.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled" yaml:"enabled"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
	SamplingRate float64 `mapstructure:"sampling_rate" yaml:"sampling_rate"`
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Development bool   `mapstructure:"development" yaml:"development"`
}

// Default returns the configuration used when no file and no environment
// overrides are present.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Port:            8080,
			AdminPort:       8081,
			GracefulTimeout: 10 * time.Second,
			ReadTimeout:     15 * time.Second,
			IdleTimeout:     120 * time.Second,
			MaxHeaderBytes:  1 << 20,
		},
		Data: DataConfig{
			Dir:           "./data",
			RotationBytes: 128 << 20,
		},
		Ingest: IngestConfig{
			MaxQueueSize: 1000,
			RingCapacity: 5000,
			MaxBodyBytes: 1 << 20,
		},
		Stream: StreamConfig{
			MaxClients:        100,
			SubscriberBuffer:  64,
			HeartbeatInterval: 15 * time.Second,
		},
		Privacy: PrivacyConfig{
			Mode: redact.ModeStandard,
		},
		Runtime: RuntimeConfig{
			Timeout: 10 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 120,
			Burst:             20,
		},
		Tracing: TracingConfig{
			OTLPEndpoint: "localhost:4317",
			SamplingRate: 1.0,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// envBindings maps the documented environment overrides to config keys.
var envBindings = map[string]string{
	"service.port":       "OBSERVER_PORT",
	"service.admin_port": "OBSERVER_ADMIN_PORT",
	"data.dir":           "OBSERVER_DATA_DIR",
	"auth.token":         "OBSERVER_AUTH_TOKEN",
	"privacy.mode":       "OBSERVER_PRIVACY_MODE",
	"privacy.rules_file": "OBSERVER_RULES_FILE",
	"runtime.base_url":   "OBSERVER_RUNTIME_URL",
	"runtime.standalone": "OBSERVER_STANDALONE",
	"redis.url":          "REDIS_URL",
	"logging.level":      "LOG_LEVEL",
}

// Load reads the configuration file named by CONFIG_PATH (or observer.yaml
// in the working directory), applies environment overrides and validates
// the result. A missing default file is not an error; a missing explicit
// CONFIG_PATH is.
func Load() (*Config, error) {
	v := viper.New()

	def := Default()
	v.SetDefault("service.port", def.Service.Port)
	v.SetDefault("service.admin_port", def.Service.AdminPort)
	v.SetDefault("service.graceful_timeout", def.Service.GracefulTimeout)
	v.SetDefault("service.read_timeout", def.Service.ReadTimeout)
	v.SetDefault("service.idle_timeout", def.Service.IdleTimeout)
	v.SetDefault("service.max_header_bytes", def.Service.MaxHeaderBytes)
	v.SetDefault("data.dir", def.Data.Dir)
	v.SetDefault("data.rotation_bytes", def.Data.RotationBytes)
	v.SetDefault("data.fsync_interval", def.Data.FsyncInterval)
	v.SetDefault("ingest.max_queue_size", def.Ingest.MaxQueueSize)
	v.SetDefault("ingest.ring_capacity", def.Ingest.RingCapacity)
	v.SetDefault("ingest.max_body_bytes", def.Ingest.MaxBodyBytes)
	v.SetDefault("stream.max_clients", def.Stream.MaxClients)
	v.SetDefault("stream.subscriber_buffer", def.Stream.SubscriberBuffer)
	v.SetDefault("stream.heartbeat_interval", def.Stream.HeartbeatInterval)
	v.SetDefault("privacy.mode", def.Privacy.Mode)
	v.SetDefault("runtime.timeout", def.Runtime.Timeout)
	v.SetDefault("ratelimit.enabled", def.RateLimit.Enabled)
	v.SetDefault("ratelimit.requests_per_minute", def.RateLimit.RequestsPerMinute)
	v.SetDefault("ratelimit.burst", def.RateLimit.Burst)
	v.SetDefault("tracing.enabled", def.Tracing.Enabled)
	v.SetDefault("tracing.otlp_endpoint", def.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sampling_rate", def.Tracing.SamplingRate)
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.development", def.Logging.Development)

	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigFile("observer.yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, statErr := os.Stat("observer.yaml"); statErr == nil {
				return nil, fmt.Errorf("read config observer.yaml: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the observer cannot start with.
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("service.port %d out of range", c.Service.Port)
	}
	if c.Service.AdminPort < 1 || c.Service.AdminPort > 65535 {
		return fmt.Errorf("service.admin_port %d out of range", c.Service.AdminPort)
	}
	if c.Service.AdminPort == c.Service.Port {
		return fmt.Errorf("service.admin_port must differ from service.port")
	}
	if c.Data.Dir == "" {
		return fmt.Errorf("data.dir is required")
	}
	if c.Data.RotationBytes <= 0 {
		return fmt.Errorf("data.rotation_bytes must be positive")
	}
	if c.Ingest.MaxQueueSize <= 0 {
		return fmt.Errorf("ingest.max_queue_size must be positive")
	}
	if c.Ingest.RingCapacity <= 0 {
		return fmt.Errorf("ingest.ring_capacity must be positive")
	}
	if c.Stream.MaxClients <= 0 {
		return fmt.Errorf("stream.max_clients must be positive")
	}
	if !redact.ValidMode(c.Privacy.Mode) {
		return fmt.Errorf("privacy.mode %q is not standard or strict", c.Privacy.Mode)
	}
	if _, err := redact.New(c.Privacy.Mode, c.Privacy.Rules); err != nil {
		return fmt.Errorf("privacy.rules: %w", err)
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("ratelimit.requests_per_minute must be positive when enabled")
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing.sampling_rate %v out of [0,1]", c.Tracing.SamplingRate)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not a zap level", c.Logging.Level)
	}
	return nil
}

// AuthConfigured reports whether a bearer token is set.
func (c *Config) AuthConfigured() bool {
	return c.Auth.Token != ""
}
