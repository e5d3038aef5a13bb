package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestNewDefaultConfig_IsValid(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.Dispatcher.AttemptCap)
	assert.Equal(t, []string{"drive-shares-dm-noreply@google.com"}, cfg.Mailbox.SenderMatch)
}

func TestLoadFromFiles_LaterFilesOverride(t *testing.T) {
	base := writeConfig(t, "base.toml", `
[mailbox]
poll_interval = "30s"
max_results = 10

[dispatcher]
attempt_cap = 5
`)
	local := writeConfig(t, "local.toml", `
[dispatcher]
attempt_cap = 7
`)

	cfg, err := LoadFromFiles(base, local)
	require.NoError(t, err)

	assert.Equal(t, "30s", cfg.Mailbox.PollInterval)
	assert.Equal(t, int64(10), cfg.Mailbox.MaxResults)
	assert.Equal(t, 7, cfg.Dispatcher.AttemptCap)
	// Untouched sections keep defaults
	assert.Equal(t, "20s", cfg.Automation.StepTimeout)
}

func TestLoadFromFiles_MissingFile(t *testing.T) {
	_, err := LoadFromFiles(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestLoadFromFiles_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "handover.toml", `
[dispatcher]
attempt_cap = 5
`)
	t.Setenv("HANDOVER_ATTEMPT_CAP", "9")
	t.Setenv("HANDOVER_SENDER_MATCH", "a@example.com, @example.org")
	t.Setenv("HANDOVER_HEADLESS", "false")

	cfg, err := LoadFromFiles(path)
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.Dispatcher.AttemptCap)
	assert.Equal(t, []string{"a@example.com", "@example.org"}, cfg.Mailbox.SenderMatch)
	assert.False(t, cfg.Automation.Headless)
}

func TestApplyFlagOverrides(t *testing.T) {
	cfg := NewDefaultConfig()
	headless := false

	ApplyFlagOverrides(cfg, "debug", &headless)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.False(t, cfg.Automation.Headless)

	ApplyFlagOverrides(cfg, "", nil)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero attempt cap", func(c *Config) { c.Dispatcher.AttemptCap = 0 }},
		{"no sender match", func(c *Config) { c.Mailbox.SenderMatch = nil }},
		{"unknown backend", func(c *Config) { c.Mailbox.Backend = "pop3" }},
		{"bad poll interval", func(c *Config) { c.Mailbox.PollInterval = "soon" }},
		{"bad report schedule", func(c *Config) { c.Drive.ReportSchedule = "every day" }},
		{"imap without host", func(c *Config) {
			c.Mailbox.Backend = "imap"
			c.Mailbox.IMAP.Host = ""
		}},
		{"bad target url", func(c *Config) { c.Automation.TargetURL = "not a url" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateSchedule(t *testing.T) {
	assert.NoError(t, ValidateSchedule("0 6 * * 1"))
	assert.NoError(t, ValidateSchedule("@every 1m0s"))
	assert.NoError(t, ValidateSchedule("@daily"))
	assert.Error(t, ValidateSchedule("* * *"))
}

func TestParseDurationOr(t *testing.T) {
	assert.Equal(t, 30*time.Second, ParseDurationOr("30s", time.Minute))
	assert.Equal(t, time.Minute, ParseDurationOr("", time.Minute))
	assert.Equal(t, time.Minute, ParseDurationOr("bogus", time.Minute))
	assert.Equal(t, time.Minute, ParseDurationOr("-5s", time.Minute))
}
