package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all runtime configuration loaded from environment variables
// and an optional config file. Every field has a sensible default; only
// DATABASE_URL is required. Components receive the values they need through
// their constructors and never read configuration on their own.
type Config struct {
	// Server
	HTTPPort        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	LogDevelopment  bool

	// Database
	DatabaseURL   string
	DBMaxConns    int32
	DBMinConns    int32
	RunMigrations bool

	// Notification channel and poll waiter
	NotifyChannel         string
	CallbackInterval      time.Duration
	PollInterval          time.Duration
	CoalesceNotifications bool

	// Processor tracker
	TrackerTable      string
	AutoCreateTracker bool

	// Processors to run, each fetching up to FetchBatchSize events per wake
	// and at most FetchRateLimit store queries per second.
	Processors     []string
	FetchBatchSize int
	FetchRateLimit int

	// Lock retry backoff durations: index 0 = first retry delay, etc.
	LockRetryBackoff []time.Duration

	// How often processor lag is sampled for the metrics gauge.
	LagInterval time.Duration

	// Demo reactor delivery target; empty disables delivery.
	WebhookURL     string
	WebhookTimeout time.Duration
}

// Load reads configuration from the environment (and ./config.yaml or
// /etc/eventsourcing-pg/config.yaml when present).
func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load(".env")
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/eventsourcing-pg/")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	dbURL := v.GetString("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg := &Config{
		HTTPPort:        v.GetString("HTTP_PORT"),
		ReadTimeout:     v.GetDuration("READ_TIMEOUT"),
		WriteTimeout:    v.GetDuration("WRITE_TIMEOUT"),
		ShutdownTimeout: v.GetDuration("SHUTDOWN_TIMEOUT"),
		LogDevelopment:  v.GetBool("LOG_DEVELOPMENT"),

		DatabaseURL:   dbURL,
		DBMaxConns:    v.GetInt32("DB_MAX_CONNS"),
		DBMinConns:    v.GetInt32("DB_MIN_CONNS"),
		RunMigrations: v.GetBool("RUN_MIGRATIONS"),

		NotifyChannel:         v.GetString("NOTIFY_CHANNEL"),
		CallbackInterval:      v.GetDuration("CALLBACK_INTERVAL"),
		PollInterval:          v.GetDuration("POLL_INTERVAL"),
		CoalesceNotifications: v.GetBool("COALESCE_NOTIFICATIONS"),

		TrackerTable:      v.GetString("TRACKER_TABLE"),
		AutoCreateTracker: v.GetBool("AUTO_CREATE_TRACKER"),

		Processors:     splitList(v.GetString("PROCESSORS")),
		FetchBatchSize: v.GetInt("FETCH_BATCH_SIZE"),
		FetchRateLimit: v.GetInt("FETCH_RATE_LIMIT"),

		LockRetryBackoff: []time.Duration{
			v.GetDuration("LOCK_RETRY_BACKOFF_1"),
			v.GetDuration("LOCK_RETRY_BACKOFF_2"),
			v.GetDuration("LOCK_RETRY_BACKOFF_3"),
		},
		LagInterval: v.GetDuration("LAG_INTERVAL"),

		WebhookURL:     v.GetString("WEBHOOK_URL"),
		WebhookTimeout: v.GetDuration("WEBHOOK_TIMEOUT"),
	}

	if cfg.FetchBatchSize <= 0 {
		return nil, fmt.Errorf("FETCH_BATCH_SIZE must be positive, got %d", cfg.FetchBatchSize)
	}
	if cfg.LagInterval <= 0 {
		return nil, fmt.Errorf("LAG_INTERVAL must be positive, got %s", cfg.LagInterval)
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("POLL_INTERVAL must be positive, got %s", cfg.PollInterval)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("READ_TIMEOUT", 5*time.Second)
	v.SetDefault("WRITE_TIMEOUT", 10*time.Second)
	v.SetDefault("SHUTDOWN_TIMEOUT", 30*time.Second)
	v.SetDefault("LOG_DEVELOPMENT", false)

	v.SetDefault("DB_MAX_CONNS", 25)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("RUN_MIGRATIONS", true)

	v.SetDefault("NOTIFY_CHANNEL", "new_event")
	v.SetDefault("CALLBACK_INTERVAL", 10*time.Second)
	v.SetDefault("POLL_INTERVAL", 100*time.Millisecond)
	v.SetDefault("COALESCE_NOTIFICATIONS", true)

	v.SetDefault("TRACKER_TABLE", "tracker")
	v.SetDefault("AUTO_CREATE_TRACKER", true)

	v.SetDefault("PROCESSORS", "event_logger")
	v.SetDefault("FETCH_BATCH_SIZE", 500)
	v.SetDefault("FETCH_RATE_LIMIT", 20)

	v.SetDefault("LOCK_RETRY_BACKOFF_1", 5*time.Second)
	v.SetDefault("LOCK_RETRY_BACKOFF_2", 30*time.Second)
	v.SetDefault("LOCK_RETRY_BACKOFF_3", 120*time.Second)
	v.SetDefault("LAG_INTERVAL", 15*time.Second)

	v.SetDefault("WEBHOOK_URL", "")
	v.SetDefault("WEBHOOK_TIMEOUT", 10*time.Second)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
