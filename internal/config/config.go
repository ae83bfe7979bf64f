// Package config provides YAML-based configuration loading for Switchboard.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Switchboard configuration, loaded from
// switchboard.yaml.
type Config struct {
	Platform  string          `yaml:"platform"` // "discord" or "slack"
	Discord   DiscordConfig   `yaml:"discord"`
	Slack     SlackConfig     `yaml:"slack"`
	Storage   StorageConfig   `yaml:"storage"`
	Relay     RelayConfig     `yaml:"relay"`
	Privacy   PrivacyConfig   `yaml:"privacy"`
	Dashboard DashboardConfig `yaml:"dashboard"`
}

// DiscordConfig holds Discord gateway credentials and channel routing.
type DiscordConfig struct {
	BotToken   string `yaml:"bot_token"`
	ModChannel string `yaml:"mod_channel"` // channel ID for moderator alerts
}

// SlackConfig holds Slack Socket Mode credentials and channel routing.
type SlackConfig struct {
	AppToken   string `yaml:"app_token"` // xapp-... app-level token
	BotToken   string `yaml:"bot_token"` // xoxb-... bot token
	ModChannel string `yaml:"mod_channel"`
}

// StorageConfig selects and configures the durable store.
type StorageConfig struct {
	Driver string `yaml:"driver"` // "sqlite" (default) or "mysql"
	Path   string `yaml:"path"`   // sqlite database file
	DSN    string `yaml:"dsn"`    // mysql DSN when driver=mysql
}

// RelayConfig holds the relay policy knobs. All abuse-prevention values are
// configuration, not architecture.
type RelayConfig struct {
	MaxActiveSuggestions int    `yaml:"max_active_suggestions"` // per-identity open case cap
	CooldownSec          int    `yaml:"cooldown_sec"`           // min interval between new suggestion cases
	ClaimWindowMin       int    `yaml:"claim_window_min"`       // claim inactivity expiry
	NotifyExpiredClaims  bool   `yaml:"notify_expired_claims"`  // alert the mod channel when a claim lapses
	RetentionDays        int    `yaml:"retention_days"`         // identity mappings purged after close + N days
	DigestCron           string `yaml:"digest_cron"`            // 5-field cron for the open-case digest; empty disables
}

// PrivacyConfig controls who may read case content and identities.
type PrivacyConfig struct {
	Elevated        []string `yaml:"elevated"`         // moderator IDs allowed to reveal identities
	RestrictHistory bool     `yaml:"restrict_history"` // suggestion history readable only by claimant/elevated
}

// DashboardConfig holds the read-only dashboard settings.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Driver == "sqlite" && c.Storage.Path == "" {
		c.Storage.Path = "switchboard.db"
	}
	if c.Relay.MaxActiveSuggestions == 0 {
		c.Relay.MaxActiveSuggestions = 1
	}
	if c.Relay.CooldownSec == 0 {
		c.Relay.CooldownSec = 300
	}
	if c.Relay.ClaimWindowMin == 0 {
		c.Relay.ClaimWindowMin = 30
	}
	if c.Relay.RetentionDays == 0 {
		c.Relay.RetentionDays = 90
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8080
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Platform {
	case "":
		errs = append(errs, "platform is required")
	case "discord":
		if c.Discord.BotToken == "" {
			errs = append(errs, "discord.bot_token is required")
		}
		if c.Discord.ModChannel == "" {
			errs = append(errs, "discord.mod_channel is required")
		}
	case "slack":
		if c.Slack.BotToken == "" {
			errs = append(errs, "slack.bot_token is required")
		}
		if c.Slack.AppToken == "" {
			errs = append(errs, "slack.app_token is required")
		}
		if c.Slack.ModChannel == "" {
			errs = append(errs, "slack.mod_channel is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("unsupported platform %q", c.Platform))
	}
	if c.Storage.Driver != "sqlite" && c.Storage.Driver != "mysql" {
		errs = append(errs, fmt.Sprintf("unsupported storage.driver %q", c.Storage.Driver))
	}
	if c.Storage.Driver == "mysql" && c.Storage.DSN == "" {
		errs = append(errs, "storage.dsn is required when storage.driver is mysql")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ModChannel returns the moderator channel for the configured platform.
func (c *Config) ModChannel() string {
	if c.Platform == "slack" {
		return c.Slack.ModChannel
	}
	return c.Discord.ModChannel
}

// ClaimWindow returns the claim inactivity window as a duration.
func (c *Config) ClaimWindow() time.Duration {
	return time.Duration(c.Relay.ClaimWindowMin) * time.Minute
}

// Cooldown returns the minimum interval between new suggestion cases.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.Relay.CooldownSec) * time.Second
}

// Retention returns how long identity mappings outlive a closed case.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Relay.RetentionDays) * 24 * time.Hour
}
