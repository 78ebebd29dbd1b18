// Package config provides YAML-based configuration loading for signalbox.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Supported chat platforms.
const (
	PlatformTelegram = "telegram"
	PlatformDiscord  = "discord"
	PlatformSlack    = "slack"
)

// Lock backends.
const (
	LockMemory = "memory"
	LockDB     = "db"
)

// DefaultSystemPrompt steers the model toward markup the Telegram HTML
// parser accepts.
const DefaultSystemPrompt = `You are a helpful assistant in a chat app. Format replies with Markdown ` +
	`(**bold**, *italic*, ` + "`code`" + `, fenced code blocks, [links](https://example.com)) ` +
	`or the HTML tags <b>, <i>, <u>, <s>, <code>, <pre>, <a href="...">. ` +
	`Do not use tables, images or other HTML tags.`

// Config is the top-level signalbox configuration, loaded from config.yaml.
type Config struct {
	Platform  string          `yaml:"platform"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Discord   DiscordConfig   `yaml:"discord"`
	Slack     SlackConfig     `yaml:"slack"`
	Database  DatabaseConfig  `yaml:"database"`
	LLM       LLMConfig       `yaml:"llm"`
	Prompt    PromptConfig    `yaml:"prompt"`
	History   HistoryConfig   `yaml:"history"`
	Stream    StreamConfig    `yaml:"stream"`
	Quota     QuotaConfig     `yaml:"quota"`
	Lock      LockConfig      `yaml:"lock"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	HTTP      HTTPConfig      `yaml:"http"`
}

// TelegramConfig holds Telegram bot settings.
type TelegramConfig struct {
	BotToken     string   `yaml:"bot_token"`
	AllowedUsers []string `yaml:"allowed_users"` // empty allows everyone
}

// DiscordConfig holds Discord bot settings.
type DiscordConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// SlackConfig holds Slack Socket Mode settings.
type SlackConfig struct {
	AppToken  string `yaml:"app_token"`
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// DatabaseConfig selects the database by URL scheme and tunes the pool.
type DatabaseConfig struct {
	URL                string `yaml:"url"`
	MaxOpenConns       int    `yaml:"max_open_conns"`
	MaxIdleConns       int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeSec int    `yaml:"conn_max_lifetime_sec"`
}

// ConnMaxLifetime returns the configured lifetime as a duration.
func (d DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(d.ConnMaxLifetimeSec) * time.Second
}

// LLMConfig holds completion endpoint settings.
type LLMConfig struct {
	BaseURL           string  `yaml:"base_url"`
	APIKey            string  `yaml:"api_key"`
	Model             string  `yaml:"model"`
	Temperature       float64 `yaml:"temperature"`
	MaxTokens         int     `yaml:"max_tokens"`
	ConnectTimeoutSec int     `yaml:"connect_timeout_sec"`
	ReadTimeoutSec    int     `yaml:"read_timeout_sec"`
	TotalTimeoutSec   int     `yaml:"total_timeout_sec"`
	MaxAttempts       int     `yaml:"max_attempts"`
}

func (l LLMConfig) ConnectTimeout() time.Duration {
	return time.Duration(l.ConnectTimeoutSec) * time.Second
}

func (l LLMConfig) ReadTimeout() time.Duration {
	return time.Duration(l.ReadTimeoutSec) * time.Second
}

func (l LLMConfig) TotalTimeout() time.Duration {
	return time.Duration(l.TotalTimeoutSec) * time.Second
}

// PromptConfig sets the system prompt, inline or from a file.
type PromptConfig struct {
	System     string `yaml:"system"`
	SystemFile string `yaml:"system_file"`
}

// HistoryConfig bounds what is stored and what is sent to the model.
type HistoryConfig struct {
	Limit          int    `yaml:"limit"`      // messages sent per request
	MaxStored      int    `yaml:"max_stored"` // per user; 0 keeps all
	ExpirationDays int    `yaml:"expiration_days"`
	PruneCron      string `yaml:"prune_cron"`
}

// Expiration returns the retention window.
func (h HistoryConfig) Expiration() time.Duration {
	return time.Duration(h.ExpirationDays) * 24 * time.Hour
}

// StreamConfig tunes the live-edit loop.
type StreamConfig struct {
	EditIntervalMs int    `yaml:"edit_interval_ms"`
	MaxMessageLen  int    `yaml:"max_message_len"`
	Placeholder    string `yaml:"placeholder"`
}

// EditInterval returns the minimum gap between edits of one message.
func (s StreamConfig) EditInterval() time.Duration {
	return time.Duration(s.EditIntervalMs) * time.Millisecond
}

// QuotaConfig sets the free request allowance. FreeRequests 0 disables
// quotas.
type QuotaConfig struct {
	FreeRequests int    `yaml:"free_requests"`
	ResetCron    string `yaml:"reset_cron"`
}

// LockConfig selects the single-flight backend.
type LockConfig struct {
	Backend             string `yaml:"backend"` // "memory" or "db"
	HeartbeatTimeoutSec int    `yaml:"heartbeat_timeout_sec"`
}

func (l LockConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(l.HeartbeatTimeoutSec) * time.Second
}

// RateLimitConfig throttles inbound messages per user. PerSecond 0
// disables it.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// HTTPConfig configures the health and metrics server. Port 0 disables it.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Load reads a YAML config file from path, expands ${VAR} references and
// returns a validated Config. A relative prompt.system_file is resolved
// against the config file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse([]byte(os.ExpandEnv(string(data))))
	if err != nil {
		return nil, err
	}
	if f := cfg.Prompt.SystemFile; f != "" {
		if !filepath.IsAbs(f) {
			f = filepath.Join(filepath.Dir(path), f)
		}
		prompt, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("config: read prompt %s: %w", f, err)
		}
		cfg.Prompt.System = strings.TrimSpace(string(prompt))
	}
	return cfg, nil
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv lets well-known environment variables override secrets and the
// database URL.
func (c *Config) applyEnv() {
	set := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}
	set(&c.Telegram.BotToken, "TELEGRAM_BOT_TOKEN")
	set(&c.LLM.APIKey, "DEEPSEEK_API_KEY", "LLM_API_KEY")
	set(&c.Database.URL, "DATABASE_URL")
	set(&c.Discord.BotToken, "DISCORD_BOT_TOKEN")
	set(&c.Slack.BotToken, "SLACK_BOT_TOKEN")
	set(&c.Slack.AppToken, "SLACK_APP_TOKEN")
}

// applyDefaults fills in default values.
func (c *Config) applyDefaults() {
	if c.Platform == "" {
		c.Platform = PlatformTelegram
	}
	c.Platform = strings.ToLower(c.Platform)
	if c.Database.URL == "" {
		c.Database.URL = "sqlite://signalbox.db"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetimeSec == 0 {
		c.Database.ConnMaxLifetimeSec = 1800
	}

	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = "https://api.deepseek.com/v1"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "deepseek-chat"
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = 0.7
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 4096
	}
	if c.LLM.ConnectTimeoutSec == 0 {
		c.LLM.ConnectTimeoutSec = 10
	}
	if c.LLM.ReadTimeoutSec == 0 {
		c.LLM.ReadTimeoutSec = 150
	}
	if c.LLM.TotalTimeoutSec == 0 {
		c.LLM.TotalTimeoutSec = 180
	}
	if c.LLM.MaxAttempts == 0 {
		c.LLM.MaxAttempts = 3
	}

	if c.Prompt.System == "" {
		c.Prompt.System = DefaultSystemPrompt
	}

	if c.History.Limit == 0 {
		c.History.Limit = 10
	}
	if c.History.ExpirationDays == 0 {
		c.History.ExpirationDays = 7
	}
	if c.History.PruneCron == "" {
		c.History.PruneCron = "0 3 * * *"
	}

	if c.Stream.EditIntervalMs == 0 {
		c.Stream.EditIntervalMs = 1200
	}
	if c.Stream.MaxMessageLen == 0 {
		c.Stream.MaxMessageLen = 4000
	}
	if c.Stream.Placeholder == "" {
		c.Stream.Placeholder = "…"
	}

	if c.Quota.ResetCron == "" {
		c.Quota.ResetCron = "0 0 * * *"
	}

	if c.Lock.Backend == "" {
		c.Lock.Backend = LockMemory
	}
	if c.Lock.HeartbeatTimeoutSec == 0 {
		c.Lock.HeartbeatTimeoutSec = 90
	}

	if c.RateLimit.PerSecond == 0 && c.RateLimit.Burst == 0 {
		c.RateLimit.PerSecond = 1
		c.RateLimit.Burst = 3
	}
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Platform {
	case PlatformTelegram:
		if c.Telegram.BotToken == "" {
			errs = append(errs, "telegram.bot_token is required")
		}
	case PlatformDiscord:
		if c.Discord.BotToken == "" {
			errs = append(errs, "discord.bot_token is required")
		}
	case PlatformSlack:
		if c.Slack.BotToken == "" {
			errs = append(errs, "slack.bot_token is required")
		}
		if c.Slack.AppToken == "" {
			errs = append(errs, "slack.app_token is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("platform %q is not one of telegram, discord, slack", c.Platform))
	}

	if c.LLM.APIKey == "" {
		errs = append(errs, "llm.api_key is required")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, "llm.temperature must be between 0 and 2")
	}
	if c.LLM.MaxAttempts < 1 {
		errs = append(errs, "llm.max_attempts must be at least 1")
	}
	if !strings.Contains(c.Database.URL, "://") {
		errs = append(errs, "database.url must have a scheme (sqlite://, mysql://, postgres://)")
	}
	if c.History.Limit < 1 {
		errs = append(errs, "history.limit must be at least 1")
	}
	if c.History.MaxStored < 0 {
		errs = append(errs, "history.max_stored must not be negative")
	}
	if c.Stream.MaxMessageLen < 100 || c.Stream.MaxMessageLen > 4096 {
		errs = append(errs, "stream.max_message_len must be between 100 and 4096")
	}
	if c.Stream.EditIntervalMs < 0 {
		errs = append(errs, "stream.edit_interval_ms must not be negative")
	}
	if c.Quota.FreeRequests < 0 {
		errs = append(errs, "quota.free_requests must not be negative")
	}
	if c.Lock.Backend != LockMemory && c.Lock.Backend != LockDB {
		errs = append(errs, fmt.Sprintf("lock.backend %q is not one of memory, db", c.Lock.Backend))
	}
	if c.RateLimit.PerSecond < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, "rate_limit values must not be negative")
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		errs = append(errs, "http.port must be between 0 and 65535")
	}
	for _, sched := range []struct{ key, expr string }{
		{"history.prune_cron", c.History.PruneCron},
		{"quota.reset_cron", c.Quota.ResetCron},
	} {
		if _, err := cronParser.Parse(sched.expr); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", sched.key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
