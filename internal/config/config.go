// Package config loads babysitter configuration from JSON or YAML files and
// from the environment.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	StoreNotion = "notion"
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Answer store backends.
const (
	AnswersMemory = "memory"
	AnswersRedis  = "redis"
)

// Config is the top-level babysitter configuration.
type Config struct {
	Store      StoreConfig     `json:"store" yaml:"store"`
	Notion     NotionConfig    `json:"notion" yaml:"notion"`
	Tickets    TicketsConfig   `json:"tickets" yaml:"tickets"`
	Agent      AgentConfig     `json:"agent" yaml:"agent"`
	Poller     PollerConfig    `json:"poller" yaml:"poller"`
	Session    SessionConfig   `json:"session" yaml:"session"`
	Answers    AnswersConfig   `json:"answers" yaml:"answers"`
	API        APIConfig       `json:"api" yaml:"api"`
	Connectors ConnectorConfig `json:"connectors" yaml:"connectors"`
	Log        LogConfig       `json:"log" yaml:"log"`
}

// StoreConfig selects the document store backend.
type StoreConfig struct {
	Backend    string `json:"backend" yaml:"backend"` // notion, sqlite or memory
	SQLitePath string `json:"sqlite_path,omitempty" yaml:"sqlite_path,omitempty"`
}

// NotionConfig holds Notion API settings.
type NotionConfig struct {
	Token      string `json:"token" yaml:"token"`
	DatabaseID string `json:"database_id" yaml:"database_id"`
	BaseURL    string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
}

// TicketsConfig holds local ticket tracking settings.
type TicketsConfig struct {
	MarkerDir string `json:"marker_dir" yaml:"marker_dir"`
}

// AgentConfig describes the agent runtime command.
type AgentConfig struct {
	Command   []string `json:"command" yaml:"command"`
	MCPConfig string   `json:"mcp_config,omitempty" yaml:"mcp_config,omitempty"`
	Flags     []string `json:"flags,omitempty" yaml:"flags,omitempty"`
	WorkDir   string   `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`
	Timeout   Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// RuntimeFlags returns the flags passed to the agent after the session
// arguments.
func (a AgentConfig) RuntimeFlags() []string {
	var flags []string
	if a.MCPConfig != "" {
		flags = append(flags, "--mcp-config", a.MCPConfig)
	}
	return append(flags, a.Flags...)
}

// PollerConfig holds the schedules of the background jobs.
type PollerConfig struct {
	Schedule      string   `json:"schedule" yaml:"schedule"`
	ClaimSchedule string   `json:"claim_schedule,omitempty" yaml:"claim_schedule,omitempty"`
	SettleDelay   Duration `json:"settle_delay,omitempty" yaml:"settle_delay,omitempty"`
}

// SessionConfig holds hook behaviour settings.
type SessionConfig struct {
	AnswerTimeout   Duration `json:"answer_timeout" yaml:"answer_timeout"`
	PollInterval    Duration `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
	IncludeMetadata bool     `json:"include_metadata,omitempty" yaml:"include_metadata,omitempty"`
}

// AnswersConfig selects where pending answers are kept.
type AnswersConfig struct {
	Backend  string   `json:"backend" yaml:"backend"` // memory or redis
	RedisURL string   `json:"redis_url,omitempty" yaml:"redis_url,omitempty"`
	TTL      Duration `json:"ttl,omitempty" yaml:"ttl,omitempty"`
}

// APIConfig holds REST API server settings.
type APIConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
	Key  string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	// DaemonURL is where hook and MCP processes forward their events.
	// Empty disables forwarding.
	DaemonURL string `json:"daemon_url,omitempty" yaml:"daemon_url,omitempty"`
}

// ConnectorConfig holds settings for chat and webhook connectors.
type ConnectorConfig struct {
	Slack    *SlackConfig    `json:"slack,omitempty" yaml:"slack,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty" yaml:"telegram,omitempty"`
	Webhook  *WebhookConfig  `json:"webhook,omitempty" yaml:"webhook,omitempty"`
}

// SlackConfig holds Slack bot settings.
type SlackConfig struct {
	BotToken string `json:"bot_token" yaml:"bot_token"`
	AppToken string `json:"app_token" yaml:"app_token"`
	Channel  string `json:"channel" yaml:"channel"`
}

// TelegramConfig holds Telegram bot settings.
type TelegramConfig struct {
	Token     string  `json:"token" yaml:"token"`
	ChatID    int64   `json:"chat_id" yaml:"chat_id"`
	AllowFrom []int64 `json:"allow_from,omitempty" yaml:"allow_from,omitempty"`
}

// WebhookConfig holds webhook trigger settings.
type WebhookConfig struct {
	Secret string `json:"secret,omitempty" yaml:"secret,omitempty"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string `json:"level,omitempty" yaml:"level,omitempty"`
	Format     string `json:"format,omitempty" yaml:"format,omitempty"` // json or text
	BufferSize int    `json:"buffer_size,omitempty" yaml:"buffer_size,omitempty"`
}

// Duration is a time.Duration written as a Go duration string.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	return d.parse(s)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Defaults returns a config with every default applied.
func Defaults() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Store:   StoreConfig{Backend: StoreNotion, SQLitePath: "babysitter.db"},
		Tickets: TicketsConfig{MarkerDir: filepath.Join(home, ".claude-tickets")},
		Agent: AgentConfig{
			Command:   []string{"claude"},
			MCPConfig: "mcp-config.json",
			Flags:     []string{"--dangerously-skip-permissions"},
		},
		Poller: PollerConfig{
			Schedule:    "@every 30s",
			SettleDelay: Duration{2 * time.Second},
		},
		Session: SessionConfig{
			AnswerTimeout: Duration{60 * time.Second},
			PollInterval:  Duration{time.Second},
		},
		Answers: AnswersConfig{Backend: AnswersMemory, TTL: Duration{24 * time.Hour}},
		API:     APIConfig{Host: "127.0.0.1", Port: 8765},
		Log:     LogConfig{Level: "info", Format: "json", BufferSize: 1000},
	}
}

// Load reads configuration from a JSON (.json) or YAML (.yaml, .yml) file
// on top of the defaults. Environment variables override file values.
func Load(path string) (*Config, error) {
	loadDotEnv()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Defaults()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv builds the config from the defaults and environment variables.
func LoadFromEnv() (*Config, error) {
	loadDotEnv()
	cfg := Defaults()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv loads .env from the working directory. Existing variables win;
// a missing file is fine.
func loadDotEnv() {
	_ = godotenv.Load()
}

func applyEnv(cfg *Config) error {
	var errs []string

	setString(&cfg.Store.Backend, "BABYSITTER_STORE")
	setString(&cfg.Store.SQLitePath, "BABYSITTER_SQLITE_PATH")
	setString(&cfg.Notion.Token, "NOTION_TOKEN")
	setString(&cfg.Notion.DatabaseID, "NOTION_TICKET_DB")
	setString(&cfg.Tickets.MarkerDir, "CLAUDE_TICKET_DIR")
	if v := os.Getenv("BABYSITTER_AGENT_COMMAND"); v != "" {
		cfg.Agent.Command = strings.Fields(v)
	}
	setString(&cfg.Agent.MCPConfig, "BABYSITTER_MCP_CONFIG")
	setString(&cfg.Poller.Schedule, "BABYSITTER_POLL_SCHEDULE")
	setString(&cfg.Poller.ClaimSchedule, "BABYSITTER_CLAIM_SCHEDULE")
	if err := setDuration(&cfg.Session.AnswerTimeout, "BABYSITTER_ANSWER_TIMEOUT"); err != nil {
		errs = append(errs, err.Error())
	}
	setString(&cfg.Answers.Backend, "BABYSITTER_ANSWERS")
	setString(&cfg.Answers.RedisURL, "REDIS_URL")
	setString(&cfg.API.Host, "BABYSITTER_API_HOST")
	if v := os.Getenv("BABYSITTER_API_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("BABYSITTER_API_PORT: invalid integer %q", v))
		} else {
			cfg.API.Port = n
		}
	}
	setString(&cfg.API.Key, "BABYSITTER_API_KEY")
	setString(&cfg.API.DaemonURL, "BABYSITTER_DAEMON_URL")
	if v := os.Getenv("INCLUDE_METADATA"); v != "" {
		cfg.Session.IncludeMetadata = isTrue(v)
	}
	setString(&cfg.Log.Level, "BABYSITTER_LOG_LEVEL")

	if token := os.Getenv("SLACK_BOT_TOKEN"); token != "" {
		if cfg.Connectors.Slack == nil {
			cfg.Connectors.Slack = &SlackConfig{}
		}
		cfg.Connectors.Slack.BotToken = token
		setString(&cfg.Connectors.Slack.AppToken, "SLACK_APP_TOKEN")
		setString(&cfg.Connectors.Slack.Channel, "SLACK_CHANNEL")
	}

	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		if cfg.Connectors.Telegram == nil {
			cfg.Connectors.Telegram = &TelegramConfig{}
		}
		cfg.Connectors.Telegram.Token = token
		if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Sprintf("TELEGRAM_CHAT_ID: invalid integer %q", v))
			}
			cfg.Connectors.Telegram.ChatID = n
		}
		if ids := os.Getenv("TELEGRAM_ALLOW_FROM"); ids != "" {
			parsed, err := parseInt64List(ids)
			if err != nil {
				errs = append(errs, "TELEGRAM_ALLOW_FROM: "+err.Error())
			}
			cfg.Connectors.Telegram.AllowFrom = parsed
		}
	}

	if secret := os.Getenv("BABYSITTER_WEBHOOK_SECRET"); secret != "" {
		cfg.Connectors.Webhook = &WebhookConfig{Secret: secret}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: environment:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Validate checks for required fields and consistent values.
func (c *Config) Validate() error {
	var errs []string

	switch c.Store.Backend {
	case StoreNotion:
		if c.Notion.Token == "" {
			errs = append(errs, "notion.token is required (NOTION_TOKEN)")
		}
		if c.Notion.DatabaseID == "" {
			errs = append(errs, "notion.database_id is required (NOTION_TICKET_DB)")
		}
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required for the sqlite backend")
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Sprintf("store.backend %q is not one of notion, sqlite, memory", c.Store.Backend))
	}

	if c.Tickets.MarkerDir == "" {
		errs = append(errs, "tickets.marker_dir is required")
	}
	if len(c.Agent.Command) == 0 {
		errs = append(errs, "agent.command is required")
	}
	if c.Poller.Schedule == "" {
		errs = append(errs, "poller.schedule is required")
	}
	if c.Session.AnswerTimeout.Duration <= 0 {
		errs = append(errs, "session.answer_timeout must be positive")
	}

	switch c.Answers.Backend {
	case AnswersMemory:
	case AnswersRedis:
		if c.Answers.RedisURL == "" {
			errs = append(errs, "answers.redis_url is required for the redis backend (REDIS_URL)")
		}
	default:
		errs = append(errs, fmt.Sprintf("answers.backend %q is not one of memory, redis", c.Answers.Backend))
	}

	if c.API.Port < 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Sprintf("api.port %d is out of range", c.API.Port))
	}
	if s := c.Connectors.Slack; s != nil {
		if s.BotToken == "" || s.AppToken == "" {
			errs = append(errs, "connectors.slack needs bot_token and app_token")
		}
		if s.Channel == "" {
			errs = append(errs, "connectors.slack.channel is required")
		}
	}
	if tg := c.Connectors.Telegram; tg != nil {
		if tg.Token == "" {
			errs = append(errs, "connectors.telegram.token is required")
		}
		if tg.ChatID == 0 {
			errs = append(errs, "connectors.telegram.chat_id is required")
		}
	}
	switch c.Log.Format {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q is not one of json, text", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	// Bare numbers are seconds.
	if n, err := strconv.Atoi(v); err == nil {
		dst.Duration = time.Duration(n) * time.Second
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q", key, v)
	}
	dst.Duration = d
	return nil
}

func isTrue(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

func parseInt64List(s string) ([]int64, error) {
	parts := strings.Split(s, ",")
	result := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", p)
		}
		result = append(result, n)
	}
	return result, nil
}
