package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the application configuration
type Config struct {
	Environment string            `toml:"environment" validate:"oneof=development production"`
	DataDir     string            `toml:"data_dir" validate:"required"`
	Storage     StorageConfig     `toml:"storage"`
	Logging     LoggingConfig     `toml:"logging"`
	Credentials CredentialsConfig `toml:"credentials"`
	Mailbox     MailboxConfig     `toml:"mailbox"`
	Automation  AutomationConfig  `toml:"automation"`
	Dispatcher  DispatcherConfig  `toml:"dispatcher"`
	Drive       DriveConfig       `toml:"drive"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path" validate:"required"`
	ResetOnStartup bool   `toml:"reset_on_startup"`
}

type LoggingConfig struct {
	Level      string   `toml:"level" validate:"oneof=trace debug info warn error"`
	Output     []string `toml:"output"` // "stdout", "file"
	TimeFormat string   `toml:"time_format"`
	FileName   string   `toml:"file_name"`
}

// CredentialsConfig holds the OAuth client and the name of the env var
// carrying the 32-byte encryption secret. The secret itself is never read
// from a config file.
type CredentialsConfig struct {
	SecretKeyEnv  string `toml:"secret_key_env" validate:"required"`
	RefreshMargin string `toml:"refresh_margin"` // e.g. "5m"
	TokenURI      string `toml:"token_uri" validate:"omitempty,url"`
	ClientID      string `toml:"client_id"`
	ClientSecret  string `toml:"client_secret"`
}

type MailboxConfig struct {
	Backend      string     `toml:"backend" validate:"oneof=gmail imap"`
	SenderMatch  []string   `toml:"sender_match" validate:"min=1,dive,required"`
	PollInterval string     `toml:"poll_interval"` // e.g. "1m"
	MaxResults   int64      `toml:"max_results" validate:"gte=1"`
	IMAP         IMAPConfig `toml:"imap"`
}

type IMAPConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port" validate:"gte=0,lte=65535"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	UseTLS   bool   `toml:"use_tls"`
	Mailbox  string `toml:"mailbox"`
}

// AutomationConfig drives the browser session used to accept invitations
type AutomationConfig struct {
	TargetURL       string `toml:"target_url" validate:"required,url"`
	TargetDomain    string `toml:"target_domain" validate:"required"`
	AccountEmail    string `toml:"account_email"`
	AccountPassword string `toml:"account_password"`
	AccountIndex    int    `toml:"account_index" validate:"gte=0"`
	Headless        bool   `toml:"headless"`
	NoSandbox       bool   `toml:"no_sandbox"`
	UserAgent       string `toml:"user_agent"`
	StepTimeout     string `toml:"step_timeout"`      // e.g. "20s"
	StepRetryBudget int    `toml:"step_retry_budget"` // total attempts per step
	StepBackoff     string `toml:"step_backoff"`      // fixed delay between attempts
	PollEvery       string `toml:"poll_every"`        // condition polling cadence
	ShutdownGrace   string `toml:"shutdown_grace"`
	FlowFile        string `toml:"flow_file"` // optional TOML/YAML override of the accept flow
	LoginFlowFile   string `toml:"login_flow_file"`
}

type DispatcherConfig struct {
	AttemptCap int  `toml:"attempt_cap" validate:"gte=1"`
	Workers    int  `toml:"workers" validate:"gte=1"`
	Enabled    bool `toml:"enabled"`
}

type DriveConfig struct {
	PageSize       int64   `toml:"page_size" validate:"gte=1,lte=1000"`
	RequestsPerSec float64 `toml:"requests_per_sec" validate:"gt=0"`
	Burst          int     `toml:"burst" validate:"gte=1"`
	ReportAge      string  `toml:"report_age"` // e.g. "168h"
	WatchedOwner   string  `toml:"watched_owner" validate:"omitempty,email"`
	ReportRootID   string  `toml:"report_root_id"`
	ReportSchedule string  `toml:"report_schedule"` // cron expression, empty disables
}

// NewDefaultConfig returns the configuration used when no file overrides it
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		DataDir:     "./data",
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data/badger",
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05",
			FileName:   "handover.log",
		},
		Credentials: CredentialsConfig{
			SecretKeyEnv:  "SECRET_KEY",
			RefreshMargin: "5m",
			TokenURI:      "https://oauth2.googleapis.com/token",
		},
		Mailbox: MailboxConfig{
			Backend:      "gmail",
			SenderMatch:  []string{"drive-shares-dm-noreply@google.com"},
			PollInterval: "1m",
			MaxResults:   50,
			IMAP: IMAPConfig{
				Host:    "imap.gmail.com",
				Port:    993,
				UseTLS:  true,
				Mailbox: "INBOX",
			},
		},
		Automation: AutomationConfig{
			TargetURL:       "https://mail.google.com/mail/u/0/",
			TargetDomain:    ".google.com",
			AccountIndex:    0,
			Headless:        true,
			NoSandbox:       true,
			UserAgent:       "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
			StepTimeout:     "20s",
			StepRetryBudget: 3,
			StepBackoff:     "2s",
			PollEvery:       "250ms",
			ShutdownGrace:   "30s",
		},
		Dispatcher: DispatcherConfig{
			AttemptCap: 3,
			Workers:    1,
			Enabled:    true,
		},
		Drive: DriveConfig{
			PageSize:       1000,
			RequestsPerSec: 8,
			Burst:          10,
			ReportAge:      "168h",
		},
	}
}

// LoadFromFiles loads configuration with priority: default -> file1 -> file2 -> ... -> env.
// Later files override earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies HANDOVER_* environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("HANDOVER_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if dir := os.Getenv("HANDOVER_DATA_DIR"); dir != "" {
		config.DataDir = dir
	}
	if badgerPath := os.Getenv("HANDOVER_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	// Logging
	if level := os.Getenv("HANDOVER_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("HANDOVER_LOG_OUTPUT"); output != "" {
		config.Logging.Output = splitString(output, ",")
	}

	// Credentials
	if keyEnv := os.Getenv("HANDOVER_SECRET_KEY_ENV"); keyEnv != "" {
		config.Credentials.SecretKeyEnv = keyEnv
	}
	if clientID := os.Getenv("GOOGLE_CLIENT_ID"); clientID != "" {
		config.Credentials.ClientID = clientID
	}
	if clientSecret := os.Getenv("GOOGLE_CLIENT_SECRET"); clientSecret != "" {
		config.Credentials.ClientSecret = clientSecret
	}

	// Mailbox
	if backend := os.Getenv("HANDOVER_MAILBOX_BACKEND"); backend != "" {
		config.Mailbox.Backend = backend
	}
	if senders := os.Getenv("HANDOVER_SENDER_MATCH"); senders != "" {
		config.Mailbox.SenderMatch = splitString(senders, ",")
	}
	if interval := os.Getenv("HANDOVER_POLL_INTERVAL"); interval != "" {
		config.Mailbox.PollInterval = interval
	}
	if host := os.Getenv("HANDOVER_IMAP_HOST"); host != "" {
		config.Mailbox.IMAP.Host = host
	}
	if port := os.Getenv("HANDOVER_IMAP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Mailbox.IMAP.Port = p
		}
	}
	if user := os.Getenv("HANDOVER_IMAP_USERNAME"); user != "" {
		config.Mailbox.IMAP.Username = user
	}
	if pass := os.Getenv("HANDOVER_IMAP_PASSWORD"); pass != "" {
		config.Mailbox.IMAP.Password = pass
	}

	// Automation account
	if email := os.Getenv("HANDOVER_ACCOUNT_EMAIL"); email != "" {
		config.Automation.AccountEmail = email
	}
	if password := os.Getenv("HANDOVER_ACCOUNT_PASSWORD"); password != "" {
		config.Automation.AccountPassword = password
	}
	if headless := os.Getenv("HANDOVER_HEADLESS"); headless != "" {
		if b, err := strconv.ParseBool(headless); err == nil {
			config.Automation.Headless = b
		}
	}
	if budget := os.Getenv("HANDOVER_STEP_RETRY_BUDGET"); budget != "" {
		if b, err := strconv.Atoi(budget); err == nil {
			config.Automation.StepRetryBudget = b
		}
	}

	// Dispatcher
	if attemptCap := os.Getenv("HANDOVER_ATTEMPT_CAP"); attemptCap != "" {
		if c, err := strconv.Atoi(attemptCap); err == nil {
			config.Dispatcher.AttemptCap = c
		}
	}

	// Drive
	if owner := os.Getenv("HANDOVER_WATCHED_OWNER"); owner != "" {
		config.Drive.WatchedOwner = owner
	}
}

// ApplyFlagOverrides applies command line flag overrides (highest priority)
func ApplyFlagOverrides(config *Config, logLevel string, headless *bool) {
	if logLevel != "" {
		config.Logging.Level = logLevel
	}
	if headless != nil {
		config.Automation.Headless = *headless
	}
}

// Validate checks struct constraints and the duration / schedule strings
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	durations := map[string]string{
		"credentials.refresh_margin": c.Credentials.RefreshMargin,
		"mailbox.poll_interval":      c.Mailbox.PollInterval,
		"automation.step_timeout":    c.Automation.StepTimeout,
		"automation.step_backoff":    c.Automation.StepBackoff,
		"automation.poll_every":      c.Automation.PollEvery,
		"automation.shutdown_grace":  c.Automation.ShutdownGrace,
		"drive.report_age":           c.Drive.ReportAge,
	}
	for name, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", name, err)
		}
	}

	if c.Drive.ReportSchedule != "" {
		if err := ValidateSchedule(c.Drive.ReportSchedule); err != nil {
			return fmt.Errorf("invalid drive.report_schedule: %w", err)
		}
	}

	if c.Mailbox.Backend == "imap" && (c.Mailbox.IMAP.Host == "" || c.Mailbox.IMAP.Username == "") {
		return fmt.Errorf("imap backend requires mailbox.imap.host and mailbox.imap.username")
	}

	return nil
}

// ValidateSchedule validates a standard five field cron expression
func ValidateSchedule(schedule string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// ParseDurationOr parses value, falling back when it is empty or malformed
func ParseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func splitString(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
