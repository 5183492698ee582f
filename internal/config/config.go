package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the dispatcher processes.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Queue      QueueConfig      `yaml:"queue"`
	Carrier    CarrierConfig    `yaml:"carrier"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Compliance ComplianceConfig `yaml:"compliance"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig selects the Postgres store. An empty URL runs on the
// in-memory store.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MigrateOnRun bool   `yaml:"migrate_on_run"`
}

// RedisConfig selects the shared rate counters and locks. An empty URL keeps
// them in process.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// QueueConfig selects the broker. An empty URL runs the in-process queue.
type QueueConfig struct {
	AMQPURL  string `yaml:"amqp_url"`
	Workers  int    `yaml:"workers"`
	Prefetch int    `yaml:"prefetch"`
}

// CarrierConfig holds the carrier gateway settings.
type CarrierConfig struct {
	Mode           string `yaml:"mode"` // "http" or "mock"
	BaseURL        string `yaml:"base_url"`
	AccountSID     string `yaml:"account_sid"`
	AuthToken      string `yaml:"auth_token"`
	StatusCallback string `yaml:"status_callback"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	RequestsPerSec int    `yaml:"requests_per_sec"`
}

// Timeout returns the configured timeout as a duration
func (c CarrierConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// DispatchConfig tunes the per-target state machine.
type DispatchConfig struct {
	HealthFloor          int           `yaml:"health_floor"`
	MaxRetries           int           `yaml:"max_retries"`
	NoNumberMaxDeferrals int           `yaml:"no_number_max_deferrals"`
	NoNumberBackoff      time.Duration `yaml:"no_number_backoff"`
	LockTTL              time.Duration `yaml:"lock_ttl"`
	LockBusyDelay        time.Duration `yaml:"lock_busy_delay"`
	StaleSendingAge      time.Duration `yaml:"stale_sending_age"`
	OverdueAge           time.Duration `yaml:"overdue_age"`
	RecoverySchedule     string        `yaml:"recovery_schedule"`
	RecoveryBatch        int           `yaml:"recovery_batch"`
}

// ComplianceConfig holds the quiet-hours defaults and keyword replies.
type ComplianceConfig struct {
	DefaultTimezone string   `yaml:"default_timezone"`
	DefaultRegion   string   `yaml:"default_region"` // for numbers without a country code
	QuietHoursStart string   `yaml:"quiet_hours_start"`
	QuietHoursEnd   string   `yaml:"quiet_hours_end"`
	AllowedDays     []string `yaml:"allowed_days"`
	Brand           string   `yaml:"brand"`
	StopReply       string   `yaml:"stop_reply"`
	HelpReply       string   `yaml:"help_reply"`
	StartReply      string   `yaml:"start_reply"`
}

// ReconcilerConfig tunes status callback handling and the periodic sweep.
type ReconcilerConfig struct {
	Schedule          string        `yaml:"schedule"`
	StaleAge          time.Duration `yaml:"stale_age"`
	BatchSize         int           `yaml:"batch_size"`
	UnmatchedAttempts int           `yaml:"unmatched_attempts"`
	UnmatchedBackoff  time.Duration `yaml:"unmatched_backoff"`
}

// LoggingConfig holds zerolog settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "console"
}

// Load reads a YAML config file and applies defaults. An empty path yields
// the defaults alone.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Queue.Workers == 0 {
		cfg.Queue.Workers = 4
	}
	if cfg.Queue.Prefetch == 0 {
		cfg.Queue.Prefetch = 10
	}
	if cfg.Carrier.Mode == "" {
		cfg.Carrier.Mode = "mock"
	}
	if cfg.Carrier.BaseURL == "" {
		cfg.Carrier.BaseURL = "https://api.twilio.com"
	}
	if cfg.Carrier.TimeoutSeconds == 0 {
		cfg.Carrier.TimeoutSeconds = 10
	}
	if cfg.Carrier.RequestsPerSec == 0 {
		cfg.Carrier.RequestsPerSec = 50
	}
	d := &cfg.Dispatch
	if d.HealthFloor == 0 {
		d.HealthFloor = 70
	}
	if d.MaxRetries == 0 {
		d.MaxRetries = 3
	}
	if d.NoNumberMaxDeferrals == 0 {
		d.NoNumberMaxDeferrals = 20
	}
	if d.NoNumberBackoff == 0 {
		d.NoNumberBackoff = 30 * time.Second
	}
	if d.LockTTL == 0 {
		d.LockTTL = 60 * time.Second
	}
	if d.LockBusyDelay == 0 {
		d.LockBusyDelay = 5 * time.Second
	}
	if d.StaleSendingAge == 0 {
		d.StaleSendingAge = 5 * time.Minute
	}
	if d.OverdueAge == 0 {
		d.OverdueAge = 10 * time.Minute
	}
	if d.RecoverySchedule == "" {
		d.RecoverySchedule = "@every 2m"
	}
	if d.RecoveryBatch == 0 {
		d.RecoveryBatch = 200
	}
	c := &cfg.Compliance
	if c.DefaultTimezone == "" {
		c.DefaultTimezone = "America/Chicago"
	}
	if c.DefaultRegion == "" {
		c.DefaultRegion = "US"
	}
	if c.QuietHoursStart == "" {
		c.QuietHoursStart = "20:00"
	}
	if c.QuietHoursEnd == "" {
		c.QuietHoursEnd = "08:00"
	}
	if len(c.AllowedDays) == 0 {
		c.AllowedDays = []string{"mon", "tue", "wed", "thu", "fri", "sat", "sun"}
	}
	if c.StopReply == "" {
		c.StopReply = "You have been opted out and will no longer receive messages. Reply START to opt back in."
	}
	if c.HelpReply == "" {
		c.HelpReply = "For support, reply STOP to opt out or HELP for more info. Msg & data rates may apply."
	}
	if c.StartReply == "" {
		c.StartReply = "You have been opted back in. Reply STOP to opt out."
	}
	r := &cfg.Reconciler
	if r.Schedule == "" {
		r.Schedule = "@every 5m"
	}
	if r.StaleAge == 0 {
		r.StaleAge = 5 * time.Minute
	}
	if r.BatchSize == 0 {
		r.BatchSize = 100
	}
	if r.UnmatchedAttempts == 0 {
		r.UnmatchedAttempts = 5
	}
	if r.UnmatchedBackoff == 0 {
		r.UnmatchedBackoff = 2 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// LoadFromEnv loads .env if present, reads the optional YAML file at path and
// lets environment variables override the file.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	} else if dsn := dsnFromParts(); dsn != "" {
		cfg.Database.URL = dsn
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.Queue.AMQPURL = v
	} else if v := os.Getenv("RABBITMQ_URL"); v != "" {
		cfg.Queue.AMQPURL = v
	}
	if v := os.Getenv("WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Queue.Workers = n
		}
	}
	if v := os.Getenv("CARRIER_MODE"); v != "" {
		cfg.Carrier.Mode = v
	}
	if v := os.Getenv("CARRIER_BASE_URL"); v != "" {
		cfg.Carrier.BaseURL = v
	}
	if v := os.Getenv("TWILIO_ACCOUNT_SID"); v != "" {
		cfg.Carrier.AccountSID = v
	}
	if v := os.Getenv("TWILIO_AUTH_TOKEN"); v != "" {
		cfg.Carrier.AuthToken = v
	}
	if v := os.Getenv("STATUS_CALLBACK_URL"); v != "" {
		cfg.Carrier.StatusCallback = v
	}
	if v := os.Getenv("COMPLIANCE_BRAND"); v != "" {
		cfg.Compliance.Brand = v
	}
	if v := os.Getenv("DEFAULT_TIMEZONE"); v != "" {
		cfg.Compliance.DefaultTimezone = v
	}
	if v := os.Getenv("DEFAULT_PHONE_REGION"); v != "" {
		cfg.Compliance.DefaultRegion = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	return cfg, nil
}

// dsnFromParts builds a Postgres URL from the DB_* variables used by the
// deploy scripts.
func dsnFromParts() string {
	host := os.Getenv("DB_HOST")
	name := os.Getenv("DB_NAME")
	if host == "" || name == "" {
		return ""
	}
	port := os.Getenv("DB_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		os.Getenv("DB_USER"), os.Getenv("DB_PASSWORD"), host, port, name)
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// Weekdays converts AllowedDays into time.Weekday values.
func (c ComplianceConfig) Weekdays() ([]time.Weekday, error) {
	days := make([]time.Weekday, 0, len(c.AllowedDays))
	for _, raw := range c.AllowedDays {
		key := strings.ToLower(strings.TrimSpace(raw))
		if len(key) > 3 {
			key = key[:3]
		}
		d, ok := weekdayNames[key]
		if !ok {
			return nil, fmt.Errorf("compliance.allowed_days: unknown day %q", raw)
		}
		days = append(days, d)
	}
	return days, nil
}
