package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type InstrumentationConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	RetentionDays   int     `mapstructure:"retention_days"`
	SamplingRate    float64 `mapstructure:"sampling_rate"`
	BufferSize      int     `mapstructure:"buffer_size"`
	FlushIntervalMs int     `mapstructure:"flush_interval_ms"`
}

// WebhookConfig tunes the outbound delivery engine.
type WebhookConfig struct {
	ProductName            string `mapstructure:"product_name"`
	UserAgent              string `mapstructure:"user_agent"`
	TickIntervalSeconds    int    `mapstructure:"tick_interval_seconds"`
	BatchSize              int    `mapstructure:"batch_size"`
	DeliveryTimeoutSeconds int    `mapstructure:"delivery_timeout_seconds"`
	TestTimeoutSeconds     int    `mapstructure:"test_timeout_seconds"`
	MaxBackoffSeconds      int    `mapstructure:"max_backoff_seconds"`
	ClaimLeaseSeconds      int    `mapstructure:"claim_lease_seconds"`
	RetentionDays          int    `mapstructure:"retention_days"`
	CleanupIntervalMinutes int    `mapstructure:"cleanup_interval_minutes"`
	MaxResponseBytes       int64  `mapstructure:"max_response_bytes"`
}

type Config struct {
	Server          ServerConfig          `mapstructure:"server"`
	Database        DatabaseConfig        `mapstructure:"database"`
	Instrumentation InstrumentationConfig `mapstructure:"instrumentation"`
	Webhooks        WebhookConfig         `mapstructure:"webhooks"`
	JWTSecret       string                `mapstructure:"jwt_secret"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	PoolSize int    `mapstructure:"pool_size"`
}

// ConnString returns the PostgreSQL connection string.
func (d DatabaseConfig) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

// DefaultWebhookConfig returns the values Load falls back to.
func DefaultWebhookConfig() WebhookConfig {
	return WebhookConfig{
		ProductName:            "FormFlow",
		UserAgent:              "FormFlow-Webhooks/1.0",
		TickIntervalSeconds:    10,
		BatchSize:              10,
		DeliveryTimeoutSeconds: 5,
		TestTimeoutSeconds:     10,
		MaxBackoffSeconds:      3600,
		ClaimLeaseSeconds:      120,
		RetentionDays:          30,
		CleanupIntervalMinutes: 60,
		MaxResponseBytes:       64 * 1024,
	}
}

// Normalized replaces non-positive intervals, timeouts and sizes with their defaults.
func (w WebhookConfig) Normalized() WebhookConfig {
	def := DefaultWebhookConfig()
	positive := func(v *int, fallback int) {
		if *v <= 0 {
			*v = fallback
		}
	}
	positive(&w.TickIntervalSeconds, def.TickIntervalSeconds)
	positive(&w.CleanupIntervalMinutes, def.CleanupIntervalMinutes)
	positive(&w.BatchSize, def.BatchSize)
	positive(&w.DeliveryTimeoutSeconds, def.DeliveryTimeoutSeconds)
	positive(&w.TestTimeoutSeconds, def.TestTimeoutSeconds)
	positive(&w.ClaimLeaseSeconds, def.ClaimLeaseSeconds)
	if w.MaxResponseBytes <= 0 {
		w.MaxResponseBytes = def.MaxResponseBytes
	}
	return w
}

func (w WebhookConfig) TickInterval() time.Duration {
	return time.Duration(w.TickIntervalSeconds) * time.Second
}

func (w WebhookConfig) DeliveryTimeout() time.Duration {
	return time.Duration(w.DeliveryTimeoutSeconds) * time.Second
}

func (w WebhookConfig) TestTimeout() time.Duration {
	return time.Duration(w.TestTimeoutSeconds) * time.Second
}

func (w WebhookConfig) MaxBackoff() time.Duration {
	return time.Duration(w.MaxBackoffSeconds) * time.Second
}

func (w WebhookConfig) ClaimLease() time.Duration {
	return time.Duration(w.ClaimLeaseSeconds) * time.Second
}

func (w WebhookConfig) Retention() time.Duration {
	return time.Duration(w.RetentionDays) * 24 * time.Hour
}

func (w WebhookConfig) CleanupInterval() time.Duration {
	return time.Duration(w.CleanupIntervalMinutes) * time.Minute
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("app")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("../..")

	setDefaults(v)

	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Webhooks = cfg.Webhooks.Normalized()

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.pool_size", 10)
	v.SetDefault("jwt_secret", "changeme-secret")
	v.SetDefault("instrumentation.enabled", true)
	v.SetDefault("instrumentation.retention_days", 7)
	v.SetDefault("instrumentation.sampling_rate", 1.0)
	v.SetDefault("instrumentation.buffer_size", 500)
	v.SetDefault("instrumentation.flush_interval_ms", 100)

	wh := DefaultWebhookConfig()
	v.SetDefault("webhooks.product_name", wh.ProductName)
	v.SetDefault("webhooks.user_agent", wh.UserAgent)
	v.SetDefault("webhooks.tick_interval_seconds", wh.TickIntervalSeconds)
	v.SetDefault("webhooks.batch_size", wh.BatchSize)
	v.SetDefault("webhooks.delivery_timeout_seconds", wh.DeliveryTimeoutSeconds)
	v.SetDefault("webhooks.test_timeout_seconds", wh.TestTimeoutSeconds)
	v.SetDefault("webhooks.max_backoff_seconds", wh.MaxBackoffSeconds)
	v.SetDefault("webhooks.claim_lease_seconds", wh.ClaimLeaseSeconds)
	v.SetDefault("webhooks.retention_days", wh.RetentionDays)
	v.SetDefault("webhooks.cleanup_interval_minutes", wh.CleanupIntervalMinutes)
	v.SetDefault("webhooks.max_response_bytes", wh.MaxResponseBytes)
}
