// Package config loads engine configuration from a JSON5 file with
// defaults and environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/titanous/json5"
)

// Config is the full engine configuration.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	LLM      LLMConfig      `json:"llm"`
	Search   SearchConfig   `json:"search"`
	Executor ExecutorConfig `json:"executor"`
	Workflow WorkflowConfig `json:"workflow"`
	Schedule ScheduleConfig `json:"schedule"`
	Notify   NotifyConfig   `json:"notify"`
	Events   EventsConfig   `json:"events"`
	Logging  LoggingConfig  `json:"logging"`
}

type ServerConfig struct {
	Addr string `json:"addr"` // HTTP listen address
}

type DatabaseConfig struct {
	// Driver is "postgres", "sqlite", or "memory".
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

type LLMConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
	Model   string `json:"model"`
	// MaxRetriesOnInvalidResponse bounds schema-violation retries per call.
	MaxRetriesOnInvalidResponse int `json:"max_retries_on_invalid_response"`
	// RequestsPerSecond rate-limits outbound LLM calls (0 = unlimited).
	RequestsPerSecond float64 `json:"requests_per_second"`
}

type SearchConfig struct {
	// Provider is "brave" (the only built-in web search backend).
	Provider string `json:"provider"`
	APIKey   string `json:"api_key"`
	BaseURL  string `json:"base_url"`
}

type ExecutorConfig struct {
	// CanonicalKeys toggles the canonical-hash fast path for state
	// comparison.
	CanonicalKeys bool `json:"state_hash_canonical_keys"`
	HashCacheSize int  `json:"hash_cache_size"`
}

type WorkflowConfig struct {
	LoadTimeout    Duration `json:"load_timeout"`
	ExecuteTimeout Duration `json:"execute_timeout"`
	PersistTimeout Duration `json:"persist_timeout"`
	DeliverTimeout Duration `json:"deliver_timeout"`
}

type ScheduleConfig struct {
	// MinInterval is the tightest cron cadence tasks may request.
	MinInterval Duration `json:"min_interval"`
	// TickInterval is the scheduler's due-check period.
	TickInterval Duration `json:"tick_interval"`
	// SweepInterval is the store reconciliation period.
	SweepInterval Duration `json:"sweep_interval"`
	// FilePath backs the file schedule store in standalone mode.
	FilePath string `json:"file_path"`
}

type NotifyConfig struct {
	DefaultChannel string         `json:"default_channel"`
	Slack          SlackConfig    `json:"slack"`
	Telegram       TelegramConfig `json:"telegram"`
	Discord        DiscordConfig  `json:"discord"`
	Webhook        WebhookConfig  `json:"webhook"`
}

type SlackConfig struct {
	Token   string `json:"token"`
	Channel string `json:"channel"`
}

type TelegramConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
}

type DiscordConfig struct {
	Token     string `json:"token"`
	ChannelID string `json:"channel_id"`
}

type WebhookConfig struct {
	URL string `json:"url"`
}

type EventsConfig struct {
	// RedisAddr enables execution event publishing when set.
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	Channel       string `json:"channel"`
}

type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text or json
}

// Duration unmarshals JSON5 strings like "30s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json5.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", time.Duration(d).String())), nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the engine defaults applied before file and env values.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Addr: ":8080"},
		Database: DatabaseConfig{Driver: "memory"},
		LLM: LLMConfig{
			BaseURL:                     "https://api.openai.com/v1",
			Model:                       "gpt-4o-mini",
			MaxRetriesOnInvalidResponse: 1,
		},
		Search:   SearchConfig{Provider: "brave", BaseURL: "https://api.search.brave.com/res/v1"},
		Executor: ExecutorConfig{CanonicalKeys: true, HashCacheSize: 1024},
		Workflow: WorkflowConfig{
			LoadTimeout:    Duration(30 * time.Second),
			ExecuteTimeout: Duration(5 * time.Minute),
			PersistTimeout: Duration(30 * time.Second),
			DeliverTimeout: Duration(time.Minute),
		},
		Schedule: ScheduleConfig{
			MinInterval:   Duration(time.Minute),
			TickInterval:  Duration(time.Second),
			SweepInterval: Duration(time.Minute),
			FilePath:      "data/schedules.json",
		},
		Notify:  NotifyConfig{DefaultChannel: "email"},
		Events:  EventsConfig{Channel: "torale.executions"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads the JSON5 config file, layers it over the defaults, and
// applies environment overrides. A missing file yields defaults plus env.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets secrets and deploy-specific values come from the
// environment instead of the config file.
func applyEnv(cfg *Config) {
	set := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	set(&cfg.Server.Addr, "TORALE_ADDR")
	set(&cfg.Database.Driver, "TORALE_DB_DRIVER")
	set(&cfg.Database.DSN, "TORALE_DB_DSN")
	set(&cfg.LLM.BaseURL, "TORALE_LLM_BASE_URL")
	set(&cfg.LLM.APIKey, "TORALE_LLM_API_KEY")
	set(&cfg.LLM.Model, "TORALE_LLM_MODEL")
	set(&cfg.Search.APIKey, "TORALE_SEARCH_API_KEY")
	set(&cfg.Notify.Slack.Token, "TORALE_SLACK_TOKEN")
	set(&cfg.Notify.Telegram.Token, "TORALE_TELEGRAM_TOKEN")
	set(&cfg.Notify.Discord.Token, "TORALE_DISCORD_TOKEN")
	set(&cfg.Events.RedisAddr, "TORALE_REDIS_ADDR")
	set(&cfg.Events.RedisPassword, "TORALE_REDIS_PASSWORD")
}

// Validate rejects configurations the engine cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite", "memory":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Database.Driver != "memory" && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for driver %q", c.Database.Driver)
	}
	if c.Search.Provider != "" && c.Search.Provider != "brave" {
		return fmt.Errorf("unknown search provider %q", c.Search.Provider)
	}
	if c.Schedule.MinInterval.Std() < 0 {
		return fmt.Errorf("schedule.min_interval cannot be negative")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	return nil
}
