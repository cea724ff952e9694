package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvProduction = "production"

type Config struct {
	Environment string          `mapstructure:"environment"`
	Server      ServerConfig    `mapstructure:"server"`
	Database    DatabaseConfig  `mapstructure:"database"`
	JWT         JWTConfig       `mapstructure:"jwt"`
	MagicLink   MagicLinkConfig `mapstructure:"magic_link"`
	CORS        CORSConfig      `mapstructure:"cors"`
	RateLimit   RateLimitConfig `mapstructure:"rate_limit"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Webhooks    WebhooksConfig  `mapstructure:"webhooks"`
	Logging     LoggingConfig   `mapstructure:"logging"`
	Email       EmailConfig     `mapstructure:"email"`
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, EnvProduction)
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type DatabaseConfig struct {
	URL            string `mapstructure:"url"`
	MaxConnections int    `mapstructure:"max_connections"`
}

type JWTConfig struct {
	Secret     string        `mapstructure:"secret"`
	Issuer     string        `mapstructure:"issuer"`
	SessionTTL time.Duration `mapstructure:"session_ttl"`
}

type MagicLinkConfig struct {
	TTL               time.Duration `mapstructure:"ttl"`
	BaseURL           string        `mapstructure:"base_url"`
	RateLimitRequests int           `mapstructure:"rate_limit_requests"`
	RateLimitWindow   time.Duration `mapstructure:"rate_limit_window"`
	SingleUse         bool          `mapstructure:"single_use"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
	MaxAge         int      `mapstructure:"max_age"`
}

type RateLimitConfig struct {
	// Store selects the backing store for keyed limits: "memory" or "redis".
	Store             string `mapstructure:"store"`
	APIReadPerMinute  int    `mapstructure:"api_read_per_minute"`
	APIWritePerMinute int    `mapstructure:"api_write_per_minute"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type WebhooksConfig struct {
	WorkerCount      int           `mapstructure:"worker_count"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	DeliveryTimeout  time.Duration `mapstructure:"delivery_timeout"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	RetentionDays    int           `mapstructure:"retention_days"`
	ReconcileAfter   time.Duration `mapstructure:"reconcile_after"`
	ReconcileEvery   time.Duration `mapstructure:"reconcile_every"`
	CleanupEvery     time.Duration `mapstructure:"cleanup_every"`
	BreakerFailures  uint32        `mapstructure:"breaker_failures"`
	BreakerOpenFor   time.Duration `mapstructure:"breaker_open_for"`
}

type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"`
	FilePath string `mapstructure:"file_path"`
}

type EmailConfig struct {
	Provider string     `mapstructure:"provider"` // smtp, log
	SMTP     SMTPConfig `mapstructure:"smtp"`
}

type SMTPConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	FromAddress string `mapstructure:"from_address"`
	FromName    string `mapstructure:"from_name"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)

	v.SetDefault("database.url", "file:data/promptlab.db")
	v.SetDefault("database.max_connections", 10)

	v.SetDefault("jwt.issuer", "promptlab")
	v.SetDefault("jwt.session_ttl", 24*time.Hour)

	v.SetDefault("magic_link.ttl", 15*time.Minute)
	v.SetDefault("magic_link.base_url", "http://localhost:3000")
	v.SetDefault("magic_link.rate_limit_requests", 3)
	v.SetDefault("magic_link.rate_limit_window", time.Hour)
	v.SetDefault("magic_link.single_use", true)

	v.SetDefault("rate_limit.store", "memory")
	v.SetDefault("rate_limit.api_read_per_minute", 1000)
	v.SetDefault("rate_limit.api_write_per_minute", 100)

	v.SetDefault("webhooks.worker_count", 4)
	v.SetDefault("webhooks.poll_interval", time.Second)
	v.SetDefault("webhooks.delivery_timeout", 30*time.Second)
	v.SetDefault("webhooks.probe_timeout", 10*time.Second)
	v.SetDefault("webhooks.retry_backoff", 30*time.Second)
	v.SetDefault("webhooks.retention_days", 30)
	v.SetDefault("webhooks.reconcile_after", 10*time.Minute)
	v.SetDefault("webhooks.reconcile_every", 5*time.Minute)
	v.SetDefault("webhooks.cleanup_every", 24*time.Hour)
	v.SetDefault("webhooks.breaker_failures", 5)
	v.SetDefault("webhooks.breaker_open_for", time.Minute)

	v.SetDefault("cors.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"Authorization", "Content-Type"})
	v.SetDefault("cors.max_age", 300)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("email.provider", "log")
}

func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
