package config

import (
	"testing"
	"time"

	"github.com/jrjohn/engage-cloud-go/internal/jobs"
)

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Database: DatabaseConfig{Name: "engage"},
			Redis:    RedisConfig{URL: "redis://localhost:6379"},
			Jobs: JobsConfig{Queues: map[string]QueueConfig{
				"send-email": DefaultQueueConfig(jobs.KindSendEmail),
			}},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid config", func(*Config) {}, false},
		{"missing redis url", func(c *Config) { c.Redis.URL = "" }, true},
		{"missing database name", func(c *Config) { c.Database.Name = "" }, true},
		{"unknown queue", func(c *Config) {
			c.Jobs.Queues["send-fax"] = DefaultQueueConfig(jobs.KindSendEmail)
		}, true},
		{"zero concurrency", func(c *Config) {
			q := c.Jobs.Queues["send-email"]
			q.Worker.Concurrency = 0
			c.Jobs.Queues["send-email"] = q
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	tests := []struct {
		name     string
		config   DatabaseConfig
		expected string
	}{
		{
			name: "mysql",
			config: DatabaseConfig{
				Driver: "mysql", Host: "localhost", Port: 3306,
				Name: "engage", User: "root", Password: "secret",
			},
			expected: "root:secret@tcp(localhost:3306)/engage?charset=utf8mb4&parseTime=True&loc=UTC",
		},
		{
			name: "postgres",
			config: DatabaseConfig{
				Driver: "postgres", Host: "db", Port: 5432,
				Name: "engage", User: "app", Password: "pw", SSLMode: "disable",
			},
			expected: "host=db port=5432 user=app password=pw dbname=engage sslmode=disable",
		},
		{
			name:     "sqlite",
			config:   DatabaseConfig{Driver: "sqlite", Name: "file::memory:?cache=shared"},
			expected: "file::memory:?cache=shared",
		},
		{
			name:     "unknown driver",
			config:   DatabaseConfig{Driver: "oracle"},
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.config.DSN(); got != tt.expected {
				t.Errorf("DSN() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestServerConfig_Addr(t *testing.T) {
	c := ServerConfig{Host: "0.0.0.0", Port: 9100}
	if got := c.Addr(); got != "0.0.0.0:9100" {
		t.Errorf("Addr() = %v, want 0.0.0.0:9100", got)
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	t.Setenv("ENGAGE_REDIS_URL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Redis.URL != "redis://localhost:6379" {
		t.Errorf("Redis.URL = %v, want redis://localhost:6379", cfg.Redis.URL)
	}
	if cfg.Redis.MaxRetryBackoff != 2*time.Second {
		t.Errorf("Redis.MaxRetryBackoff = %v, want 2s", cfg.Redis.MaxRetryBackoff)
	}
	if cfg.Scheduler.RefreshSchedule != "@hourly" {
		t.Errorf("Scheduler.RefreshSchedule = %v, want @hourly", cfg.Scheduler.RefreshSchedule)
	}

	if cfg.Maintenance.CompletedGrace != 0 || cfg.Maintenance.FailedGrace != 24*time.Hour || cfg.Maintenance.Limit != 1000 {
		t.Errorf("Maintenance = %+v, want 0s/24h/1000", cfg.Maintenance)
	}
	if !cfg.Events.Enabled || cfg.Events.Path != "/jobs/events" || cfg.Events.HeartbeatInterval != 30*time.Second {
		t.Errorf("Events = %+v, want enabled on /jobs/events with 30s heartbeat", cfg.Events)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %v, want /metrics", cfg.Metrics.Path)
	}

	email := cfg.Jobs.Queue(jobs.KindSendEmail)
	if email.Worker.Concurrency != 5 || email.Worker.LimiterMax != 10 || email.Worker.LimiterDuration != time.Second {
		t.Errorf("send-email worker = %+v, want concurrency 5 limit 10/s", email.Worker)
	}
	if email.Worker.PromoteInterval != time.Second {
		t.Errorf("send-email promote interval = %v, want 1s", email.Worker.PromoteInterval)
	}
	if got := cfg.Jobs.Policy(jobs.KindSendNotification).Attempts; got != 5 {
		t.Errorf("send-notification attempts = %v, want 5", got)
	}
}

func TestLoad_WithEnvVars(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://cache:6380/2")
	t.Setenv("ENGAGE_DATABASE_NAME", "test-db")
	t.Setenv("ENGAGE_SERVER_PORT", "9000")
	t.Setenv("ENGAGE_JOBS_QUEUES_SEND_EMAIL_WORKER_CONCURRENCY", "7")
	t.Setenv("ENGAGE_JOBS_QUEUES_SEND_EMAIL_WORKER_PROMOTE_INTERVAL", "250ms")
	t.Setenv("ENGAGE_JOBS_QUEUES_CLEANUP_OLD_DATA_ATTEMPTS", "2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Redis.URL != "redis://cache:6380/2" {
		t.Errorf("Redis.URL = %v, want redis://cache:6380/2", cfg.Redis.URL)
	}
	if cfg.Database.Name != "test-db" {
		t.Errorf("Database.Name = %v, want test-db", cfg.Database.Name)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %v, want 9000", cfg.Server.Port)
	}
	if got := cfg.Jobs.Queue(jobs.KindSendEmail).Worker.Concurrency; got != 7 {
		t.Errorf("send-email concurrency = %v, want 7", got)
	}
	if got := cfg.Jobs.Queue(jobs.KindSendEmail).Worker.PromoteInterval; got != 250*time.Millisecond {
		t.Errorf("send-email promote interval = %v, want 250ms", got)
	}
	if got := cfg.Jobs.Policy(jobs.KindCleanupOldData).Attempts; got != 2 {
		t.Errorf("cleanup-old-data attempts = %v, want 2", got)
	}
}

func BenchmarkDatabaseConfig_DSN_MySQL(b *testing.B) {
	config := DatabaseConfig{
		Driver: "mysql", Host: "localhost", Port: 3306,
		Name: "engage", User: "root", Password: "password",
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = config.DSN()
	}
}
