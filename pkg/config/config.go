package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	HomeDir = "~/.dotchat"

	ResponseLevelDisabled = "disabled"
	ResponseLevelAt       = "at"
	ResponseLevelAll      = "all"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Bot       BotConfig            `json:"bot"`
	Channels  ChannelsConfig       `json:"channels"`
	Providers ProvidersConfig      `json:"providers"`
	History   HistoryConfig        `json:"history"`
	Defaults  ConversationDefaults `json:"defaults"`
	Store     StoreConfig          `json:"store"`
	Gateway   GatewayConfig        `json:"gateway"`
	Telemetry TelemetryConfig      `json:"telemetry"`
	Prompts   PromptsConfig        `json:"prompts"`
	mu        sync.RWMutex
}

type BotConfig struct {
	Name       string              `json:"name" env:"DOTCHAT_BOT_NAME"`
	Moderators FlexibleStringSlice `json:"moderators" env:"DOTCHAT_BOT_MODERATORS"`
	Timezone   string              `json:"timezone" env:"DOTCHAT_BOT_TIMEZONE"`
	LogLevel   string              `json:"log_level" env:"DOTCHAT_BOT_LOG_LEVEL"`
	// Echo repeats a message several other members just sent in a row.
	EchoEnabled      bool    `json:"echo_enabled" env:"DOTCHAT_BOT_ECHO_ENABLED"`
	EchoDelaySeconds float64 `json:"echo_delay_seconds" env:"DOTCHAT_BOT_ECHO_DELAY_SECONDS"`
}

type ChannelsConfig struct {
	Discord DiscordConfig `json:"discord"`
	Console ConsoleConfig `json:"console"`
}

type DiscordConfig struct {
	Enabled   bool                `json:"enabled" env:"DOTCHAT_CHANNELS_DISCORD_ENABLED"`
	Token     string              `json:"token" env:"DOTCHAT_CHANNELS_DISCORD_TOKEN"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"DOTCHAT_CHANNELS_DISCORD_ALLOW_FROM"`
	// Backfill is how many earlier messages are fetched the first time a
	// channel is seen. Zero disables backfill.
	Backfill int `json:"backfill" env:"DOTCHAT_CHANNELS_DISCORD_BACKFILL"`
}

type ConsoleConfig struct {
	Conversation string `json:"conversation" env:"DOTCHAT_CHANNELS_CONSOLE_CONVERSATION"`
	UserName     string `json:"user_name" env:"DOTCHAT_CHANNELS_CONSOLE_USER_NAME"`
	HistoryFile  string `json:"history_file" env:"DOTCHAT_CHANNELS_CONSOLE_HISTORY_FILE"`
}

type ProvidersConfig struct {
	RoutesFile         string `json:"routes_file" env:"DOTCHAT_PROVIDERS_ROUTES_FILE"`
	CallTimeoutSeconds int    `json:"call_timeout_seconds" env:"DOTCHAT_PROVIDERS_CALL_TIMEOUT_SECONDS"`
	// Watch reloads routes when the routes file changes on disk.
	Watch bool `json:"watch" env:"DOTCHAT_PROVIDERS_WATCH"`
}

type HistoryConfig struct {
	Capacity        int    `json:"capacity" env:"DOTCHAT_HISTORY_CAPACITY"`
	IdleTTLMinutes  int    `json:"idle_ttl_minutes" env:"DOTCHAT_HISTORY_IDLE_TTL_MINUTES"`
	SweepCron       string `json:"sweep_cron" env:"DOTCHAT_HISTORY_SWEEP_CRON"`
	MaxReplyDepth   int    `json:"max_reply_depth" env:"DOTCHAT_HISTORY_MAX_REPLY_DEPTH"`
	InlineFileLimit int    `json:"inline_file_limit" env:"DOTCHAT_HISTORY_INLINE_FILE_LIMIT"`
}

// ConversationDefaults seed the per-conversation settings the first time a
// conversation is seen.
type ConversationDefaults struct {
	ResponseLevel          string   `json:"response_level" env:"DOTCHAT_DEFAULTS_RESPONSE_LEVEL"`
	MinCorrespondingLength int      `json:"min_corresponding_length" env:"DOTCHAT_DEFAULTS_MIN_CORRESPONDING_LENGTH"`
	MaxHistoryLength       int      `json:"max_history_length" env:"DOTCHAT_DEFAULTS_MAX_HISTORY_LENGTH"`
	Prompt                 string   `json:"prompt" env:"DOTCHAT_DEFAULTS_PROMPT"`
	ReplyIntervalSeconds   float64  `json:"reply_interval_seconds" env:"DOTCHAT_DEFAULTS_REPLY_INTERVAL_SECONDS"`
	Keywords               []string `json:"keywords" env:"DOTCHAT_DEFAULTS_KEYWORDS"`
}

type StoreConfig struct {
	Path string `json:"path" env:"DOTCHAT_STORE_PATH"`
}

type GatewayConfig struct {
	Host       string `json:"host" env:"DOTCHAT_GATEWAY_HOST"`
	Port       int    `json:"port" env:"DOTCHAT_GATEWAY_PORT"`
	AdminToken string `json:"admin_token" env:"DOTCHAT_GATEWAY_ADMIN_TOKEN"`
}

type TelemetryConfig struct {
	Enabled      bool   `json:"enabled" env:"DOTCHAT_TELEMETRY_ENABLED"`
	OTLPEndpoint string `json:"otlp_endpoint" env:"DOTCHAT_TELEMETRY_OTLP_ENDPOINT"`
	Insecure     bool   `json:"insecure" env:"DOTCHAT_TELEMETRY_INSECURE"`
	ServiceName  string `json:"service_name" env:"DOTCHAT_TELEMETRY_SERVICE_NAME"`
}

// PromptsConfig points at files that replace the built-in guidance texts.
type PromptsConfig struct {
	PreprocessFile string `json:"preprocess_file" env:"DOTCHAT_PROMPTS_PREPROCESS_FILE"`
	ChatFile       string `json:"chat_file" env:"DOTCHAT_PROMPTS_CHAT_FILE"`
	ThinkFile      string `json:"think_file" env:"DOTCHAT_PROMPTS_THINK_FILE"`
}

func DefaultConfig() *Config {
	return &Config{
		Bot: BotConfig{
			Name:             "dotchat",
			Moderators:       FlexibleStringSlice{},
			LogLevel:         "info",
			EchoEnabled:      true,
			EchoDelaySeconds: 1.5,
		},
		Channels: ChannelsConfig{
			Discord: DiscordConfig{
				AllowFrom: FlexibleStringSlice{},
				Backfill:  30,
			},
			Console: ConsoleConfig{
				Conversation: "console",
				UserName:     "you",
				HistoryFile:  filepath.Join(HomeDir, "console_history"),
			},
		},
		Providers: ProvidersConfig{
			RoutesFile:         filepath.Join(HomeDir, "models.yaml"),
			CallTimeoutSeconds: 60,
			Watch:              true,
		},
		History: HistoryConfig{
			Capacity:        100,
			IdleTTLMinutes:  1440,
			SweepCron:       "*/10 * * * *",
			MaxReplyDepth:   20,
			InlineFileLimit: 8 * 1024,
		},
		Defaults: ConversationDefaults{
			ResponseLevel:          ResponseLevelAt,
			MinCorrespondingLength: 8,
			MaxHistoryLength:       30,
			ReplyIntervalSeconds:   1.5,
			Keywords:               []string{},
		},
		Store: StoreConfig{
			Path: filepath.Join(HomeDir, "dotchat.db"),
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 18790,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
			Insecure:     true,
			ServiceName:  "dotchat",
		},
	}
}

// DefaultConfigPath is where the CLI looks for config.json.
func DefaultConfigPath() string {
	return filepath.Join(ExpandHome(HomeDir), "config.json")
}

// LoadDotEnv loads KEY=value pairs from .env files that exist. Variables
// already set in the process environment win.
func LoadDotEnv(paths ...string) error {
	var existing []string
	for _, p := range paths {
		p = ExpandHome(p)
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if err := LoadDotEnv(".env", filepath.Join(HomeDir, ".env")); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []error
	if !ValidResponseLevel(c.Defaults.ResponseLevel) {
		errs = append(errs, fmt.Errorf("defaults.response_level %q must be one of disabled, at, all", c.Defaults.ResponseLevel))
	}
	if c.Defaults.MinCorrespondingLength < 0 {
		errs = append(errs, errors.New("defaults.min_corresponding_length must not be negative"))
	}
	if c.Defaults.MaxHistoryLength < 0 {
		errs = append(errs, errors.New("defaults.max_history_length must not be negative"))
	}
	if c.Defaults.ReplyIntervalSeconds < 0 {
		errs = append(errs, errors.New("defaults.reply_interval_seconds must not be negative"))
	}
	if c.History.Capacity <= 0 {
		errs = append(errs, errors.New("history.capacity must be positive"))
	}
	if c.History.SweepCron != "" && !gronx.New().IsValid(c.History.SweepCron) {
		errs = append(errs, fmt.Errorf("history.sweep_cron %q is not a valid cron expression", c.History.SweepCron))
	}
	if c.Providers.CallTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("providers.call_timeout_seconds must be positive"))
	}
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port %d out of range", c.Gateway.Port))
	}
	if c.Bot.Timezone != "" {
		if _, err := time.LoadLocation(c.Bot.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("bot.timezone: %w", err))
		}
	}
	return errors.Join(errs...)
}

func ValidResponseLevel(level string) bool {
	switch level {
	case ResponseLevelDisabled, ResponseLevelAt, ResponseLevelAll:
		return true
	}
	return false
}

func (c *Config) RoutesPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Providers.RoutesFile)
}

func (c *Config) StorePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Store.Path)
}

func (c *Config) CallTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Providers.CallTimeoutSeconds) * time.Second
}

func (c *Config) IdleTTL() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.History.IdleTTLMinutes) * time.Minute
}

func (c *Config) EchoDelay() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Seconds(c.Bot.EchoDelaySeconds)
}

// Location is the bot's wall-clock zone, time.Local when unset.
func (c *Config) Location() *time.Location {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Bot.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Bot.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// IsModerator reports whether userID may run moderator-only commands.
func (c *Config) IsModerator(userID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, id := range c.Bot.Moderators {
		if strings.TrimSpace(id) == userID {
			return true
		}
	}
	return false
}

// Seconds converts fractional seconds from config into a Duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func ExpandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
