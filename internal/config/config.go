// Package config provides YAML configuration loading and validation for the
// file integrity monitor.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for fim-monitor.
type Config struct {
	// MonitorDir is the root directory whose files are protected. Required.
	MonitorDir string `yaml:"monitor_dir"`

	// BaselineFile is the path of the baseline JSON document. Required.
	BaselineFile string `yaml:"baseline_file"`

	// Exclude lists glob patterns (path.Match syntax) matched against the
	// slash-separated relative path and against the base name. Matching
	// paths are neither baselined nor classified.
	Exclude []string `yaml:"exclude"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// LogFile, when set, receives a copy of every log record in addition
	// to stderr.
	LogFile string `yaml:"log_file"`

	Watcher   WatcherConfig   `yaml:"watcher"`
	Engine    EngineConfig    `yaml:"engine"`
	Email     EmailConfig     `yaml:"email"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Outbox    OutboxConfig    `yaml:"outbox"`
	Journal   JournalConfig   `yaml:"journal"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Dashboard DashboardConfig `yaml:"dashboard"`

	// GRPCHealthAddr is the listen address of the grpc.health.v1 service.
	// Empty disables it.
	GRPCHealthAddr string `yaml:"grpc_health_addr"`

	// VerifyEmailOnStart checks the SMTP server once at startup and logs
	// the outcome.
	VerifyEmailOnStart bool `yaml:"verify_email_on_start"`
}

// WatcherConfig selects how filesystem events are observed.
type WatcherConfig struct {
	// Mode is "fsnotify" (kernel notifications) or "poll" (periodic tree
	// scans, for network mounts). Defaults to "fsnotify".
	Mode string `yaml:"mode"`

	// PollInterval is the scan period in poll mode. Defaults to 2s.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// EngineConfig tunes event processing.
type EngineConfig struct {
	// Workers is the number of classification goroutines. Defaults to 4.
	Workers int `yaml:"workers"`

	// QueueSize is the total number of events buffered between intake and
	// workers. Defaults to 1024.
	QueueSize int `yaml:"queue_size"`

	// EnqueueTimeout is how long intake blocks on a full queue before the
	// event is dropped and counted. Defaults to 5s.
	EnqueueTimeout time.Duration `yaml:"enqueue_timeout"`

	// DrainTimeout bounds how long shutdown waits for in-flight work.
	// Defaults to 10s.
	DrainTimeout time.Duration `yaml:"drain_timeout"`

	// NotifyTimeout bounds each notification delivery. Defaults to 30s.
	NotifyTimeout time.Duration `yaml:"notify_timeout"`

	// HistorySize is the number of alerts kept in memory. Defaults to 50.
	HistorySize int `yaml:"history_size"`
}

// EmailConfig configures SMTP alert delivery. Email is disabled when
// SMTPServer is empty.
type EmailConfig struct {
	SMTPServer      string   `yaml:"smtp_server"`
	SMTPPort        int      `yaml:"smtp_port"`
	SenderEmail     string   `yaml:"sender_email"`
	SenderPassword  string   `yaml:"sender_password"`
	RecipientEmails []string `yaml:"recipient_emails"`

	// RatePerMinute caps outgoing mail. Defaults to 30.
	RatePerMinute int `yaml:"rate_per_minute"`
}

// Enabled reports whether email delivery is configured.
func (e EmailConfig) Enabled() bool { return e.SMTPServer != "" }

// WebhookConfig configures JSON webhook delivery. Disabled when URL is empty.
type WebhookConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// OutboxConfig configures the durable redelivery queue. Disabled when Path
// is empty.
type OutboxConfig struct {
	Path string `yaml:"path"`

	// RedeliverInterval is the initial redelivery backoff. Defaults to 10s.
	RedeliverInterval time.Duration `yaml:"redeliver_interval"`
}

// JournalConfig configures the hash-chained local alert journal. Disabled
// when Path is empty.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// ArchiveConfig configures the PostgreSQL alert archive. Disabled when DSN
// is empty.
type ArchiveConfig struct {
	DSN           string        `yaml:"dsn"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DashboardConfig configures the HTTP dashboard. Disabled when Addr is
// empty.
type DashboardConfig struct {
	Addr string `yaml:"addr"`

	// JWTPublicKey is a PEM-encoded RSA public key file. When set, the
	// baseline reload endpoint requires an RS256 bearer token.
	JWTPublicKey string `yaml:"jwt_public_key"`
	JWTIssuer    string `yaml:"jwt_issuer"`
	JWTAudience  string `yaml:"jwt_audience"`
}

// Environment variables that override file values.
const (
	EnvMonitorDir   = "FIM_MONITOR_DIR"
	EnvBaselineFile = "FIM_BASELINE_FILE"
	EnvSMTPPassword = "FIM_SMTP_PASSWORD"
	EnvWebhookURL   = "FIM_WEBHOOK_URL"
	EnvArchiveDSN   = "FIM_ARCHIVE_DSN"
	EnvLogLevel     = "FIM_LOG_LEVEL"
)

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validWatcherModes is the set of accepted watcher.mode strings.
var validWatcherModes = map[string]bool{
	"fsnotify": true,
	"poll":     true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults and environment overrides, and validates all required fields.
// All validation failures are reported together.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)
	applyEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// LoadEnvFile loads KEY=value pairs from a dotenv file into the process
// environment without overriding variables that are already set. A missing
// file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: cannot load env file %q: %w", path, err)
	}
	return nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Watcher.Mode == "" {
		cfg.Watcher.Mode = "fsnotify"
	}
	if cfg.Watcher.PollInterval == 0 {
		cfg.Watcher.PollInterval = 2 * time.Second
	}
	if cfg.Engine.Workers == 0 {
		cfg.Engine.Workers = 4
	}
	if cfg.Engine.QueueSize == 0 {
		cfg.Engine.QueueSize = 1024
	}
	if cfg.Engine.EnqueueTimeout == 0 {
		cfg.Engine.EnqueueTimeout = 5 * time.Second
	}
	if cfg.Engine.DrainTimeout == 0 {
		cfg.Engine.DrainTimeout = 10 * time.Second
	}
	if cfg.Engine.NotifyTimeout == 0 {
		cfg.Engine.NotifyTimeout = 30 * time.Second
	}
	if cfg.Engine.HistorySize == 0 {
		cfg.Engine.HistorySize = 50
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = 587
	}
	if cfg.Email.RatePerMinute == 0 {
		cfg.Email.RatePerMinute = 30
	}
	if cfg.Webhook.Timeout == 0 {
		cfg.Webhook.Timeout = 10 * time.Second
	}
	if cfg.Outbox.RedeliverInterval == 0 {
		cfg.Outbox.RedeliverInterval = 10 * time.Second
	}
	if cfg.Archive.BatchSize == 0 {
		cfg.Archive.BatchSize = 100
	}
	if cfg.Archive.FlushInterval == 0 {
		cfg.Archive.FlushInterval = 2 * time.Second
	}
}

// applyEnv overrides file values with non-empty environment variables.
func applyEnv(cfg *Config) {
	override := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	override(&cfg.MonitorDir, EnvMonitorDir)
	override(&cfg.BaselineFile, EnvBaselineFile)
	override(&cfg.Email.SenderPassword, EnvSMTPPassword)
	override(&cfg.Webhook.URL, EnvWebhookURL)
	override(&cfg.Archive.DSN, EnvArchiveDSN)
	override(&cfg.LogLevel, EnvLogLevel)
}

// validate checks that all required fields are populated and that enumerated
// fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.MonitorDir == "" {
		errs = append(errs, errors.New("monitor_dir is required"))
	}
	if cfg.BaselineFile == "" {
		errs = append(errs, errors.New("baseline_file is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if !validWatcherModes[cfg.Watcher.Mode] {
		errs = append(errs, fmt.Errorf("watcher.mode %q must be one of: fsnotify, poll", cfg.Watcher.Mode))
	}
	if cfg.Watcher.PollInterval < 0 {
		errs = append(errs, errors.New("watcher.poll_interval must be positive"))
	}

	e := cfg.Engine
	if e.Workers < 1 {
		errs = append(errs, fmt.Errorf("engine.workers %d must be at least 1", e.Workers))
	}
	if e.QueueSize < e.Workers {
		errs = append(errs, fmt.Errorf("engine.queue_size %d must be at least engine.workers (%d)", e.QueueSize, e.Workers))
	}
	if e.EnqueueTimeout < 0 {
		errs = append(errs, errors.New("engine.enqueue_timeout must be positive"))
	}
	if e.DrainTimeout < 0 {
		errs = append(errs, errors.New("engine.drain_timeout must be positive"))
	}
	if e.NotifyTimeout < 0 {
		errs = append(errs, errors.New("engine.notify_timeout must be positive"))
	}
	if e.HistorySize < 1 {
		errs = append(errs, fmt.Errorf("engine.history_size %d must be at least 1", e.HistorySize))
	}

	if cfg.Email.Enabled() {
		if cfg.Email.SenderEmail == "" {
			errs = append(errs, errors.New("email.sender_email is required when email.smtp_server is set"))
		}
		if len(cfg.Email.RecipientEmails) == 0 {
			errs = append(errs, errors.New("email.recipient_emails is required when email.smtp_server is set"))
		}
		if cfg.Email.SMTPPort < 1 || cfg.Email.SMTPPort > 65535 {
			errs = append(errs, fmt.Errorf("email.smtp_port %d is out of range", cfg.Email.SMTPPort))
		}
		if cfg.Email.RatePerMinute < 1 {
			errs = append(errs, errors.New("email.rate_per_minute must be at least 1"))
		}
	}

	if cfg.Archive.BatchSize < 1 {
		errs = append(errs, errors.New("archive.batch_size must be at least 1"))
	}

	return errors.Join(errs...)
}
