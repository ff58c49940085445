// Package config loads the relay's runtime configuration. Values are
// layered: built-in defaults, then an optional YAML file, then
// environment variables. All keys from the environment use the bare
// names documented in the README (DISCORD_BOT_TOKEN, SSH_HOSTS, ...).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Thread cleanup policies applied when a session is killed.
const (
	CleanupArchive = "archive"
	CleanupDelete  = "delete"
)

// Config holds the relay's runtime configuration.
type Config struct {
	Addr    string `koanf:"addr"`
	DataDir string `koanf:"data_dir"`

	// Platforms is the enabled subset of {discord, slack}. Empty means
	// auto-detect from which tokens are present.
	Platforms []string `koanf:"platforms"`

	DiscordBotToken  string `koanf:"discord_bot_token"`
	DiscordChannelID string `koanf:"discord_channel_id"`

	SlackBotToken  string `koanf:"slack_bot_token"`
	SlackAppToken  string `koanf:"slack_app_token"`
	SlackChannelID string `koanf:"slack_channel_id"`

	SSHHosts   []string `koanf:"ssh_hosts"`
	SSHUser    string   `koanf:"ssh_user"`
	SSHKeyFile string   `koanf:"ssh_key_file"`

	ThreadCleanup    string `koanf:"thread_cleanup"`
	TmuxThreadSync   bool   `koanf:"tmux_thread_sync"`
	NotifyMaxRetries int    `koanf:"notify_max_retries"`
	NewSessionAgent  string `koanf:"new_session_agent"`

	DashboardToken string `koanf:"dashboard_token"`

	PollIntervalMS   int `koanf:"poll_interval_ms"`
	ScrapeIntervalMS int `koanf:"scrape_interval_ms"`
	IdleAfterSec     int `koanf:"idle_after_sec"`
	OrphanRetainHrs  int `koanf:"orphan_retain_hours"`

	BackupIntervalHrs int `koanf:"backup_interval_hours"`
	BackupRetainDays  int `koanf:"backup_retain_days"`

	MaxWSClients   int `koanf:"max_ws_clients"`
	RateLimitRPS   int `koanf:"rate_limit_rps"`
	RateLimitBurst int `koanf:"rate_limit_burst"`
}

// envKeys maps accepted environment variable names to config keys.
// Unknown variables are ignored rather than merged, so the process
// environment cannot inject arbitrary keys.
var envKeys = map[string]string{
	"AILY_ADDR":             "addr",
	"AILY_DATA_DIR":         "data_dir",
	"PLATFORMS":             "platforms",
	"DISCORD_BOT_TOKEN":     "discord_bot_token",
	"DISCORD_CHANNEL_ID":    "discord_channel_id",
	"SLACK_BOT_TOKEN":       "slack_bot_token",
	"SLACK_APP_TOKEN":       "slack_app_token",
	"SLACK_CHANNEL_ID":      "slack_channel_id",
	"SSH_HOSTS":             "ssh_hosts",
	"SSH_USER":              "ssh_user",
	"SSH_KEY_FILE":          "ssh_key_file",
	"THREAD_CLEANUP":        "thread_cleanup",
	"TMUX_THREAD_SYNC":      "tmux_thread_sync",
	"NOTIFY_MAX_RETRIES":    "notify_max_retries",
	"NEW_SESSION_AGENT":     "new_session_agent",
	"DASHBOARD_TOKEN":       "dashboard_token",
	"POLL_INTERVAL_MS":      "poll_interval_ms",
	"SCRAPE_INTERVAL_MS":    "scrape_interval_ms",
	"IDLE_AFTER_SEC":        "idle_after_sec",
	"ORPHAN_RETAIN_HOURS":   "orphan_retain_hours",
	"BACKUP_INTERVAL_HOURS": "backup_interval_hours",
	"BACKUP_RETAIN_DAYS":    "backup_retain_days",
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"addr":                  ":8080",
		"data_dir":              defaultDataDir(),
		"ssh_hosts":             []string{"localhost"},
		"thread_cleanup":        CleanupArchive,
		"tmux_thread_sync":      true,
		"notify_max_retries":    2,
		"poll_interval_ms":      10000,
		"scrape_interval_ms":    3000,
		"idle_after_sec":        900,
		"orphan_retain_hours":   24,
		"backup_interval_hours": 6,
		"backup_retain_days":    7,
		"max_ws_clients":        50,
		"rate_limit_rps":        20,
		"rate_limit_burst":      40,
	}
}

// Load builds a Config from defaults, the optional YAML file at path
// (ignored when path is empty or missing), and environment variables.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	err := k.Load(env.Provider("", ".", func(s string) string {
		return envKeys[s]
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Comma-separated lists arrive from the environment as one string.
	c.Platforms = splitList(c.Platforms)
	c.SSHHosts = splitList(c.SSHHosts)

	if len(c.Platforms) == 0 {
		if c.DiscordBotToken != "" && c.DiscordChannelID != "" {
			c.Platforms = append(c.Platforms, "discord")
		}
		if c.SlackBotToken != "" && c.SlackAppToken != "" && c.SlackChannelID != "" {
			c.Platforms = append(c.Platforms, "slack")
		}
	}

	return &c, nil
}

// splitList expands any comma-separated entries and trims whitespace.
func splitList(in []string) []string {
	var out []string
	for _, v := range in {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate checks configuration values and ensures required
// directories exist.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if len(c.SSHHosts) == 0 {
		return fmt.Errorf("at least one SSH host is required")
	}
	if c.ThreadCleanup != CleanupArchive && c.ThreadCleanup != CleanupDelete {
		return fmt.Errorf("thread_cleanup must be %q or %q, got %q",
			CleanupArchive, CleanupDelete, c.ThreadCleanup)
	}
	for _, p := range c.Platforms {
		switch p {
		case "discord":
			if c.DiscordBotToken == "" || c.DiscordChannelID == "" {
				return fmt.Errorf("platform discord enabled but DISCORD_BOT_TOKEN or DISCORD_CHANNEL_ID missing")
			}
		case "slack":
			if c.SlackBotToken == "" || c.SlackAppToken == "" || c.SlackChannelID == "" {
				return fmt.Errorf("platform slack enabled but SLACK_BOT_TOKEN, SLACK_APP_TOKEN or SLACK_CHANNEL_ID missing")
			}
		default:
			return fmt.Errorf("unknown platform %q", p)
		}
	}
	if c.NotifyMaxRetries < 0 {
		return fmt.Errorf("notify_max_retries must be >= 0")
	}

	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "aily")
	}
	return filepath.Join(home, ".config", "aily")
}

// DBPath returns the path to the SQLite database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "aily.db")
}

// BackupsDir returns the directory snapshots are written to.
func (c *Config) BackupsDir() string {
	return filepath.Join(c.DataDir, "backups")
}

// DefaultHost returns the first configured SSH host.
func (c *Config) DefaultHost() string {
	return c.SSHHosts[0]
}

// PollInterval returns the host poller interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// ScrapeInterval returns the transcript scraper interval.
func (c *Config) ScrapeInterval() time.Duration {
	return time.Duration(c.ScrapeIntervalMS) * time.Millisecond
}

// IdleAfter returns how long a session may be silent before it is
// demoted from active to idle.
func (c *Config) IdleAfter() time.Duration {
	return time.Duration(c.IdleAfterSec) * time.Second
}

// OrphanRetention returns how long orphaned sessions are kept before
// their threads are reaped.
func (c *Config) OrphanRetention() time.Duration {
	return time.Duration(c.OrphanRetainHrs) * time.Hour
}
