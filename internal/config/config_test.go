package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv blanks every override so the host environment cannot leak into
// a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"TELEGRAM_BOT_TOKEN", "DEEPSEEK_API_KEY", "LLM_API_KEY", "DATABASE_URL",
		"DISCORD_BOT_TOKEN", "SLACK_BOT_TOKEN", "SLACK_APP_TOKEN",
	} {
		t.Setenv(k, "")
	}
}

const minimalYAML = `
telegram:
  bot_token: "123:abc"
llm:
  api_key: sk-test
`

func TestParse_MinimalConfig_AppliesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Platform != PlatformTelegram {
		t.Errorf("Platform = %q, want %q", cfg.Platform, PlatformTelegram)
	}
	if cfg.Database.URL != "sqlite://signalbox.db" {
		t.Errorf("Database.URL = %q, want %q", cfg.Database.URL, "sqlite://signalbox.db")
	}
	if cfg.LLM.BaseURL != "https://api.deepseek.com/v1" {
		t.Errorf("LLM.BaseURL = %q", cfg.LLM.BaseURL)
	}
	if cfg.LLM.Model != "deepseek-chat" {
		t.Errorf("LLM.Model = %q, want %q", cfg.LLM.Model, "deepseek-chat")
	}
	if cfg.LLM.Temperature != 0.7 {
		t.Errorf("LLM.Temperature = %v, want 0.7", cfg.LLM.Temperature)
	}
	if cfg.LLM.MaxTokens != 4096 {
		t.Errorf("LLM.MaxTokens = %d, want 4096", cfg.LLM.MaxTokens)
	}
	if cfg.LLM.TotalTimeout() != 180*time.Second {
		t.Errorf("LLM.TotalTimeout() = %v, want 180s", cfg.LLM.TotalTimeout())
	}
	if cfg.LLM.ReadTimeout() != 150*time.Second {
		t.Errorf("LLM.ReadTimeout() = %v, want 150s", cfg.LLM.ReadTimeout())
	}
	if cfg.History.Limit != 10 {
		t.Errorf("History.Limit = %d, want 10", cfg.History.Limit)
	}
	if cfg.History.Expiration() != 7*24*time.Hour {
		t.Errorf("History.Expiration() = %v, want 168h", cfg.History.Expiration())
	}
	if cfg.Stream.EditInterval() != 1200*time.Millisecond {
		t.Errorf("Stream.EditInterval() = %v, want 1.2s", cfg.Stream.EditInterval())
	}
	if cfg.Stream.MaxMessageLen != 4000 {
		t.Errorf("Stream.MaxMessageLen = %d, want 4000", cfg.Stream.MaxMessageLen)
	}
	if cfg.Lock.Backend != LockMemory {
		t.Errorf("Lock.Backend = %q, want %q", cfg.Lock.Backend, LockMemory)
	}
	if cfg.Quota.FreeRequests != 0 {
		t.Errorf("Quota.FreeRequests = %d, want 0 (disabled)", cfg.Quota.FreeRequests)
	}
	if cfg.Prompt.System != DefaultSystemPrompt {
		t.Errorf("Prompt.System not defaulted")
	}
}

func TestParse_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("TELEGRAM_BOT_TOKEN", "999:env")
	t.Setenv("LLM_API_KEY", "sk-fallback")
	t.Setenv("DEEPSEEK_API_KEY", "sk-deepseek")
	t.Setenv("DATABASE_URL", "postgres://bot@db/signalbox")

	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Telegram.BotToken != "999:env" {
		t.Errorf("Telegram.BotToken = %q, want %q", cfg.Telegram.BotToken, "999:env")
	}
	if cfg.LLM.APIKey != "sk-deepseek" {
		t.Errorf("LLM.APIKey = %q, want DEEPSEEK_API_KEY to win", cfg.LLM.APIKey)
	}
	if cfg.Database.URL != "postgres://bot@db/signalbox" {
		t.Errorf("Database.URL = %q", cfg.Database.URL)
	}
}

func TestParse_EnvSuppliesMissingSecrets(t *testing.T) {
	clearEnv(t)
	t.Setenv("TELEGRAM_BOT_TOKEN", "1:x")
	t.Setenv("LLM_API_KEY", "sk-x")
	if _, err := Parse([]byte("platform: telegram\n")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing telegram token", "llm: {api_key: k}", "telegram.bot_token is required"},
		{"missing api key", "telegram: {bot_token: t}", "llm.api_key is required"},
		{"unknown platform", "platform: irc\nllm: {api_key: k}", `platform "irc" is not one of`},
		{"discord token", "platform: discord\nllm: {api_key: k}", "discord.bot_token is required"},
		{"slack tokens", "platform: slack\nllm: {api_key: k}", "slack.bot_token is required; slack.app_token is required"},
		{"message len", minimalYAML + "stream: {max_message_len: 5000}", "stream.max_message_len must be between 100 and 4096"},
		{"temperature", "telegram: {bot_token: t}\nllm: {api_key: k, temperature: 3}", "llm.temperature must be between 0 and 2"},
		{"lock backend", minimalYAML + "lock: {backend: redis}", `lock.backend "redis"`},
		{"bad cron", minimalYAML + "history: {prune_cron: \"every day\"}", "history.prune_cron"},
		{"db scheme", minimalYAML + "database: {url: bot.db}", "database.url must have a scheme"},
		{"negative quota", minimalYAML + "quota: {free_requests: -1}", "quota.free_requests must not be negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), "config: validation failed:") {
				t.Errorf("error = %q, want validation prefix", err.Error())
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want to contain %q", err.Error(), tt.want)
			}
		})
	}
}

func TestParse_MultipleValidationErrors(t *testing.T) {
	clearEnv(t)
	_, err := Parse([]byte("platform: telegram\n"))
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	for _, want := range []string{"telegram.bot_token is required", "llm.api_key is required"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error = %q, want to contain %q", msg, want)
		}
	}
	if !strings.Contains(msg, "; ") {
		t.Errorf("errors should be joined by \"; \": %q", msg)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("platform: [oops"))
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.Contains(err.Error(), "config: parse") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "config: parse")
	}
}

func TestLoad_ValidFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Telegram.BotToken != "123:abc" {
		t.Errorf("Telegram.BotToken = %q, want %q", cfg.Telegram.BotToken, "123:abc")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "config: read") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "config: read")
	}
}

// --- Fixture-based tests using testdata/ files ---

func TestLoad_FullFixture(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("testdata/valid_full.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Telegram.AllowedUsers) != 2 || cfg.Telegram.AllowedUsers[1] != "1002" {
		t.Errorf("Telegram.AllowedUsers = %v", cfg.Telegram.AllowedUsers)
	}
	if cfg.Prompt.System != "You are a terse assistant." {
		t.Errorf("Prompt.System = %q, want contents of prompt.txt", cfg.Prompt.System)
	}
	if cfg.LLM.Model != "deepseek-reasoner" || cfg.LLM.MaxAttempts != 4 {
		t.Errorf("LLM = %+v", cfg.LLM)
	}
	if cfg.History.MaxStored != 200 || cfg.History.PruneCron != "30 4 * * *" {
		t.Errorf("History = %+v", cfg.History)
	}
	if cfg.Stream.Placeholder != "Thinking…" || cfg.Stream.EditInterval() != 800*time.Millisecond {
		t.Errorf("Stream = %+v", cfg.Stream)
	}
	if cfg.Quota.FreeRequests != 50 {
		t.Errorf("Quota.FreeRequests = %d, want 50", cfg.Quota.FreeRequests)
	}
	if cfg.Lock.Backend != LockDB || cfg.Lock.HeartbeatTimeout() != time.Minute {
		t.Errorf("Lock = %+v", cfg.Lock)
	}
	if cfg.RateLimit.PerSecond != 0.5 || cfg.RateLimit.Burst != 2 {
		t.Errorf("RateLimit = %+v", cfg.RateLimit)
	}
	if cfg.HTTP.Port != 9090 {
		t.Errorf("HTTP.Port = %d, want 9090", cfg.HTTP.Port)
	}
	if cfg.Database.MaxOpenConns != 20 || cfg.Database.MaxIdleConns != 5 {
		t.Errorf("Database = %+v", cfg.Database)
	}
}

func TestLoad_MinimalFixture(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("testdata/minimal.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LLM.APIKey != "sk-min" {
		t.Errorf("LLM.APIKey = %q, want %q", cfg.LLM.APIKey, "sk-min")
	}
}

func TestLoad_MissingTokenFixture(t *testing.T) {
	clearEnv(t)
	_, err := Load("testdata/missing_token.yaml")
	if err == nil || !strings.Contains(err.Error(), "telegram.bot_token is required") {
		t.Errorf("err = %v, want missing token error", err)
	}
}

func TestLoad_InvalidYAMLFixture(t *testing.T) {
	_, err := Load("testdata/invalid_yaml.yaml")
	if err == nil || !strings.Contains(err.Error(), "config: parse") {
		t.Errorf("err = %v, want parse error", err)
	}
}

func TestLoad_ExpandsEnvReferences(t *testing.T) {
	clearEnv(t)
	t.Setenv("SIGNALBOX_TEST_TOKEN", "42:expanded")
	cfg, err := Load("testdata/env_ref.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Telegram.BotToken != "42:expanded" {
		t.Errorf("Telegram.BotToken = %q, want %q", cfg.Telegram.BotToken, "42:expanded")
	}
}

func TestLoad_MissingPromptFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := minimalYAML + "prompt: {system_file: nope.txt}\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "config: read prompt") {
		t.Errorf("err = %v, want prompt read error", err)
	}
}
