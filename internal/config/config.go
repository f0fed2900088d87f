package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jrjohn/engage-cloud-go/internal/jobs"
	"github.com/jrjohn/engage-cloud-go/internal/observability"
)

// DatabaseDriver represents supported database drivers
type DatabaseDriver string

const (
	DriverMySQL    DatabaseDriver = "mysql"
	DriverPostgres DatabaseDriver = "postgres"
	DriverSQLite   DatabaseDriver = "sqlite"
)

// Config holds all application configuration
type Config struct {
	App          AppConfig                   `mapstructure:"app"`
	Server       ServerConfig                `mapstructure:"server"`
	Database     DatabaseConfig              `mapstructure:"database"`
	Redis        RedisConfig                 `mapstructure:"redis"`
	JWT          JWTConfig                   `mapstructure:"jwt"`
	Jobs         JobsConfig                  `mapstructure:"jobs"`
	Scheduler    SchedulerConfig             `mapstructure:"scheduler"`
	Cache        CacheConfig                 `mapstructure:"cache"`
	Maintenance  MaintenanceConfig           `mapstructure:"maintenance"`
	Events       EventsConfig                `mapstructure:"events"`
	Integrations IntegrationsConfig          `mapstructure:"integrations"`
	Metrics      observability.MetricsConfig `mapstructure:"metrics"`
	Tracing      observability.TracingConfig `mapstructure:"tracing"`

	file string
}

// File returns the config file that was read, or "" when only defaults and
// the environment were used
func (c *Config) File() string {
	return c.file
}

// AppConfig holds application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
	LogLevel    string `mapstructure:"log_level"`
}

// ServerConfig holds the ops HTTP server settings
type ServerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// Addr returns the listen address
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig holds the queue backend connection settings
type RedisConfig struct {
	URL             string        `mapstructure:"url"`
	PoolSize        int           `mapstructure:"pool_size"`
	MaxRetries      int           `mapstructure:"max_retries"`
	MinRetryBackoff time.Duration `mapstructure:"min_retry_backoff"`
	MaxRetryBackoff time.Duration `mapstructure:"max_retry_backoff"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	ConnectAttempts int           `mapstructure:"connect_attempts"`
	ReadOnlyRetries int           `mapstructure:"read_only_retries"`
}

// JWTConfig holds the ops API token settings
type JWTConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

// CacheConfig holds handler cache settings
type CacheConfig struct {
	Prefix         string        `mapstructure:"prefix"`
	MetricsTTL     time.Duration `mapstructure:"metrics_ttl"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
}

// EventsConfig holds the live job event stream settings
type EventsConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Path              string        `mapstructure:"path"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins"`
	ReadBufferSize    int           `mapstructure:"read_buffer_size"`
	WriteBufferSize   int           `mapstructure:"write_buffer_size"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`

	// ProgressEvents also streams progress updates, which can be chatty
	ProgressEvents bool `mapstructure:"progress_events"`
}

// MaintenanceConfig holds the retention applied by queue cleanup
type MaintenanceConfig struct {
	CompletedGrace time.Duration `mapstructure:"completed_grace"`
	FailedGrace    time.Duration `mapstructure:"failed_grace"`
	Limit          int           `mapstructure:"limit"`
}

// ProviderConfig points at a remote provider. An empty BaseURL selects the
// logging implementation.
type ProviderConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// IntegrationsConfig holds the outbound provider settings
type IntegrationsConfig struct {
	MailFrom  string         `mapstructure:"mail_from"`
	Mail      ProviderConfig `mapstructure:"mail"`
	Notify    ProviderConfig `mapstructure:"notify"`
	Directory ProviderConfig `mapstructure:"directory"`
}

// Load reads configuration from file and environment variables
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/engage-cloud/")
	return load(v, true)
}

// LoadFile reads configuration from path and environment variables. The
// file must exist.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v, false)
}

func load(v *viper.Viper, optional bool) (*Config, error) {
	v.SetEnvPrefix("ENGAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	// REDIS_URL is the conventional name and wins over ENGAGE_REDIS_URL.
	_ = v.BindEnv("redis.url", "REDIS_URL", "ENGAGE_REDIS_URL")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !optional || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	cfg.file = v.ConfigFileUsed()

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "engage-cloud-go")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", true)
	v.SetDefault("app.log_level", "info")

	// Ops server defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 9100)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)

	// Database defaults
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.name", "engage_cloud")
	v.SetDefault("database.user", "root")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.auto_migrate", false)

	// Redis defaults
	v.SetDefault("redis.url", "redis://localhost:6379")
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.max_retries", 10)
	v.SetDefault("redis.min_retry_backoff", 50*time.Millisecond)
	v.SetDefault("redis.max_retry_backoff", 2*time.Second)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.connect_attempts", 5)
	v.SetDefault("redis.read_only_retries", 3)

	// JWT defaults
	v.SetDefault("jwt.secret", os.Getenv("JWT_SECRET"))
	v.SetDefault("jwt.issuer", "engage-cloud")

	// Cache defaults
	v.SetDefault("cache.prefix", "engage:cache")
	v.SetDefault("cache.metrics_ttl", time.Hour)
	v.SetDefault("cache.idempotency_ttl", 7*24*time.Hour)

	// Integration defaults
	v.SetDefault("integrations.mail_from", "no-reply@engage.example")
	for _, p := range []string{"mail", "notify", "directory"} {
		v.SetDefault("integrations."+p+".timeout", 10*time.Second)
	}

	// Maintenance defaults
	v.SetDefault("maintenance.completed_grace", time.Duration(0))
	v.SetDefault("maintenance.failed_grace", 24*time.Hour)
	v.SetDefault("maintenance.limit", 1000)

	// Event stream defaults
	v.SetDefault("events.enabled", true)
	v.SetDefault("events.path", "/jobs/events")
	v.SetDefault("events.allowed_origins", []string{"*"})
	v.SetDefault("events.read_buffer_size", 1024)
	v.SetDefault("events.write_buffer_size", 1024)
	v.SetDefault("events.handshake_timeout", 10*time.Second)
	v.SetDefault("events.heartbeat_interval", 30*time.Second)
	v.SetDefault("events.progress_events", false)

	// Metrics defaults
	metrics := observability.DefaultMetricsConfig()
	v.SetDefault("metrics.enabled", metrics.Enabled)
	v.SetDefault("metrics.service_name", metrics.ServiceName)
	v.SetDefault("metrics.path", metrics.Path)

	// Tracing defaults
	tracing := observability.DefaultTracingConfig()
	v.SetDefault("tracing.enabled", tracing.Enabled)
	v.SetDefault("tracing.service_name", "engage-cloud-worker")
	v.SetDefault("tracing.service_version", tracing.ServiceVersion)
	v.SetDefault("tracing.environment", tracing.Environment)
	v.SetDefault("tracing.exporter_type", tracing.ExporterType)
	v.SetDefault("tracing.otlp_endpoint", tracing.OTLPEndpoint)
	v.SetDefault("tracing.otlp_insecure", tracing.OTLPInsecure)
	v.SetDefault("tracing.sampling_rate", tracing.SamplingRate)

	// Scheduler defaults
	sched := DefaultSchedulerConfig()
	v.SetDefault("scheduler.enabled", sched.Enabled)
	v.SetDefault("scheduler.refresh_schedule", sched.RefreshSchedule)
	v.SetDefault("scheduler.lock_ttl", sched.LockTTL)

	// Queue and worker defaults, one block per kind
	v.SetDefault("jobs.key_prefix", "engage")
	for _, kind := range jobs.AllKinds() {
		setQueueDefaults(v, "jobs.queues."+kind.String(), DefaultQueueConfig(kind))
	}
}

func setQueueDefaults(v *viper.Viper, prefix string, q QueueConfig) {
	v.SetDefault(prefix+".attempts", q.Attempts)
	v.SetDefault(prefix+".backoff_type", q.BackoffType)
	v.SetDefault(prefix+".backoff_delay", q.BackoffDelay)
	v.SetDefault(prefix+".backoff_max", q.BackoffMax)
	v.SetDefault(prefix+".remove_on_complete_age", q.RemoveOnCompleteAge)
	v.SetDefault(prefix+".remove_on_complete_count", q.RemoveOnCompleteCount)
	v.SetDefault(prefix+".remove_on_fail_age", q.RemoveOnFailAge)

	w := q.Worker
	v.SetDefault(prefix+".worker.enabled", w.Enabled)
	v.SetDefault(prefix+".worker.concurrency", w.Concurrency)
	v.SetDefault(prefix+".worker.limiter_max", w.LimiterMax)
	v.SetDefault(prefix+".worker.limiter_duration", w.LimiterDuration)
	v.SetDefault(prefix+".worker.poll_interval", w.PollInterval)
	v.SetDefault(prefix+".worker.lock_duration", w.LockDuration)
	v.SetDefault(prefix+".worker.stalled_interval", w.StalledInterval)
	v.SetDefault(prefix+".worker.max_stalled_count", w.MaxStalledCount)
	v.SetDefault(prefix+".worker.promote_interval", w.PromoteInterval)
	v.SetDefault(prefix+".worker.shutdown_timeout", w.ShutdownTimeout)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Redis.URL == "" {
		return fmt.Errorf("redis url is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database name is required")
	}
	for name, q := range c.Jobs.Queues {
		if _, err := jobs.ParseKind(name); err != nil {
			return fmt.Errorf("jobs.queues: %w", err)
		}
		if q.Worker.Concurrency < 1 {
			return fmt.Errorf("jobs.queues.%s.worker.concurrency must be positive", name)
		}
	}
	return nil
}

// DSN returns the database connection string
func (c *DatabaseConfig) DSN() string {
	switch c.Driver {
	case string(DriverMySQL):
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			c.User, c.Password, c.Host, c.Port, c.Name)
	case string(DriverPostgres):
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
	case string(DriverSQLite):
		return c.Name
	default:
		return ""
	}
}
