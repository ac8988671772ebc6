package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config keeps runtime settings for the service.
type Config struct {
	DatabaseURL string
	CachePath   string
	User        string
	Timezone    string
	Location    *time.Location

	HTTPAddr string

	SyncInterval  time.Duration
	ProbeInterval time.Duration
	DailyReportAt string

	TelegramToken  string
	TelegramChatID int64

	AIAPIKey  string
	AIBaseURL string
	AIModel   string

	LogLevel string
	LogFile  string
}

// Unprefixed variable names are still honoured alongside TASKFLOW_*.
var legacyEnv = map[string]string{
	"telegram.token":   "TELEGRAM_TOKEN",
	"telegram.chat_id": "TELEGRAM_CHAT_ID",
	"database_url":     "DATABASE_URL",
	"ai.api_key":       "OPENAI_API_KEY",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database_url", "taskflow.db")
	v.SetDefault("cache_path", ".taskflow/cache.json")
	v.SetDefault("user", "default")
	v.SetDefault("timezone", "Local")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("sync.interval", "1m")
	v.SetDefault("sync.probe_interval", "15s")
	v.SetDefault("report.daily_at", "20:00")
	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("ai.api_key", "")
	v.SetDefault("ai.base_url", "https://api.openai.com/v1")
	v.SetDefault("ai.model", "gpt-4o-mini")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
}

// Load reads configuration from an optional YAML file and environment
// variables with sane defaults. An empty path looks for taskflow.yaml in the
// working directory and falls back to defaults when it is absent.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TASKFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		_ = v.BindEnv(key, "TASKFLOW_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("taskflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		DatabaseURL:   strings.TrimSpace(v.GetString("database_url")),
		CachePath:     strings.TrimSpace(v.GetString("cache_path")),
		User:          strings.TrimSpace(v.GetString("user")),
		Timezone:      strings.TrimSpace(v.GetString("timezone")),
		HTTPAddr:      strings.TrimSpace(v.GetString("http.addr")),
		SyncInterval:  v.GetDuration("sync.interval"),
		ProbeInterval: v.GetDuration("sync.probe_interval"),
		DailyReportAt: strings.TrimSpace(v.GetString("report.daily_at")),
		TelegramToken: strings.TrimSpace(v.GetString("telegram.token")),
		AIAPIKey:      strings.TrimSpace(v.GetString("ai.api_key")),
		AIBaseURL:     strings.TrimRight(strings.TrimSpace(v.GetString("ai.base_url")), "/"),
		AIModel:       strings.TrimSpace(v.GetString("ai.model")),
		LogLevel:      strings.TrimSpace(v.GetString("log.level")),
		LogFile:       strings.TrimSpace(v.GetString("log.file")),
	}

	if raw := strings.TrimSpace(v.GetString("telegram.chat_id")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("telegram.chat_id must be numeric: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	c.Location = loc

	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("sync.probe_interval must be positive")
	}
	if _, _, err := ParseClock(c.DailyReportAt); err != nil {
		return fmt.Errorf("report.daily_at: %w", err)
	}
	if c.TelegramToken != "" && c.TelegramChatID == 0 {
		return fmt.Errorf("telegram.chat_id is required when telegram.token is set")
	}
	return nil
}

// AIEnabled reports whether an AI provider key is configured.
func (c Config) AIEnabled() bool {
	return c.AIAPIKey != ""
}

// ParseClock parses an HH:MM string.
func ParseClock(value string) (hour, minute int, err error) {
	parts := strings.Split(value, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", value)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", value)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", value)
	}
	return hour, minute, nil
}
