package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "CHATRELAY"
	envConfigPath        = "CHATRELAY_CONFIG"
	envTelegramBotToken  = "TELEGRAM_BOT_TOKEN"
	envTelegramAllowFrom = "TELEGRAM_ALLOW_FROM"
	envDiscordBotToken   = "DISCORD_BOT_TOKEN"
	envWebhookSecret     = "WEBHOOK_SECRET"
)

// Reply modes.
const (
	ReplyModeText    = "text"
	ReplyModeCommand = "command"
)

// Command output formats.
const (
	OutputFormatText = "text"
	OutputFormatJSON = "json"
)

// Session scopes.
const (
	ScopePerSender = "per-sender"
	ScopeGlobal    = "global"
)

// ErrInvalid wraps every validation failure reported by Validate.
var ErrInvalid = errors.New("invalid config")

// Config is the root runtime configuration for one profile.
type Config struct {
	Reply           ReplyConfig           `mapstructure:"reply" yaml:"reply"`
	Session         SessionConfig         `mapstructure:"session" yaml:"session"`
	Media           MediaConfig           `mapstructure:"media" yaml:"media"`
	TranscribeAudio TranscribeAudioConfig `mapstructure:"transcribe_audio" yaml:"transcribe_audio,omitempty"`
	Heartbeat       HeartbeatConfig       `mapstructure:"heartbeat" yaml:"heartbeat"`
	Channels        ChannelsConfig        `mapstructure:"channels" yaml:"channels"`
	Gateway         GatewayConfig         `mapstructure:"gateway" yaml:"gateway"`
	Logging         LoggingConfig         `mapstructure:"logging" yaml:"logging,omitempty"`

	// Path is the file the config was read from. Empty when only defaults applied.
	Path string `mapstructure:"-" yaml:"-"`
}

// ReplyConfig describes how inbound messages turn into replies.
type ReplyConfig struct {
	Mode                  string   `mapstructure:"mode" yaml:"mode"`
	Text                  string   `mapstructure:"text" yaml:"text,omitempty"`
	Command               []string `mapstructure:"command" yaml:"command,omitempty"`
	Cwd                   string   `mapstructure:"cwd" yaml:"cwd,omitempty"`
	Template              string   `mapstructure:"template" yaml:"template,omitempty"`
	BodyPrefix            string   `mapstructure:"body_prefix" yaml:"body_prefix,omitempty"`
	TimeoutSeconds        int      `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	TypingIntervalSeconds int      `mapstructure:"typing_interval_seconds" yaml:"typing_interval_seconds,omitempty"`
	OutputFormat          string   `mapstructure:"output_format" yaml:"output_format,omitempty"`
	MediaURL              string   `mapstructure:"media_url" yaml:"media_url,omitempty"`
	MediaRequired         bool     `mapstructure:"media_required" yaml:"media_required,omitempty"`
}

// SessionConfig controls conversation continuity for command replies.
type SessionConfig struct {
	Scope                string   `mapstructure:"scope" yaml:"scope"`
	ResetTriggers        []string `mapstructure:"reset_triggers" yaml:"reset_triggers"`
	IdleMinutes          int      `mapstructure:"idle_minutes" yaml:"idle_minutes"`
	HeartbeatIdleMinutes int      `mapstructure:"heartbeat_idle_minutes" yaml:"heartbeat_idle_minutes,omitempty"`
	Store                string   `mapstructure:"store" yaml:"store,omitempty"`
	SendSystemOnce       bool     `mapstructure:"send_system_once" yaml:"send_system_once,omitempty"`
	Intro                string   `mapstructure:"intro" yaml:"intro,omitempty"`
	IntroPath            string   `mapstructure:"intro_path" yaml:"intro_path,omitempty"`
	ArgNew               []string `mapstructure:"arg_new" yaml:"arg_new,omitempty"`
	ArgResume            []string `mapstructure:"arg_resume" yaml:"arg_resume,omitempty"`
	ArgBeforeBody        bool     `mapstructure:"arg_before_body" yaml:"arg_before_body"`
}

// MediaConfig bounds the local media cache.
type MediaConfig struct {
	MaxMB      int `mapstructure:"max_mb" yaml:"max_mb"`
	TTLSeconds int `mapstructure:"ttl_seconds" yaml:"ttl_seconds"`
}

// TranscribeAudioConfig configures the optional speech-to-text command.
type TranscribeAudioConfig struct {
	Command        []string `mapstructure:"command" yaml:"command,omitempty"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds" yaml:"timeout_seconds,omitempty"`
}

// HeartbeatConfig controls the periodic proactive turn.
type HeartbeatConfig struct {
	IntervalSeconds int    `mapstructure:"interval_seconds" yaml:"interval_seconds,omitempty"`
	Provider        string `mapstructure:"provider" yaml:"provider,omitempty"`
	To              string `mapstructure:"to" yaml:"to,omitempty"`
	Prompt          string `mapstructure:"prompt" yaml:"prompt,omitempty"`
	DryRun          bool   `mapstructure:"dry_run" yaml:"dry_run,omitempty"`
}

// ChannelsConfig stores transport adapter settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram" yaml:"telegram"`
	Discord  DiscordConfig  `mapstructure:"discord" yaml:"discord"`
	Webhook  WebhookConfig  `mapstructure:"webhook" yaml:"webhook"`
}

// TelegramConfig configures Telegram channel integration.
type TelegramConfig struct {
	Enabled   bool     `mapstructure:"enabled" yaml:"enabled"`
	Token     string   `mapstructure:"token" yaml:"token,omitempty"`
	AllowFrom []string `mapstructure:"allow_from" yaml:"allow_from,omitempty"`
}

// DiscordConfig configures Discord channel integration.
type DiscordConfig struct {
	Enabled          bool     `mapstructure:"enabled" yaml:"enabled"`
	Token            string   `mapstructure:"token" yaml:"token,omitempty"`
	AllowedUsers     []string `mapstructure:"allowed_users" yaml:"allowed_users,omitempty"`
	AllowedChannels  []string `mapstructure:"allowed_channels" yaml:"allowed_channels,omitempty"`
	AllowedGuilds    []string `mapstructure:"allowed_guilds" yaml:"allowed_guilds,omitempty"`
	MentionOnly      bool     `mapstructure:"mention_only" yaml:"mention_only"`
	ReplyInThread    bool     `mapstructure:"reply_in_thread" yaml:"reply_in_thread"`
	AssistantLabel   string   `mapstructure:"assistant_label" yaml:"assistant_label,omitempty"`
	AssistantPersona string   `mapstructure:"assistant_persona" yaml:"assistant_persona,omitempty"`
}

// WebhookConfig configures the generic JSON webhook endpoint.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Host    string `mapstructure:"host" yaml:"host,omitempty"`
	Port    int    `mapstructure:"port" yaml:"port,omitempty"`
	Path    string `mapstructure:"path" yaml:"path,omitempty"`
	Secret  string `mapstructure:"secret" yaml:"secret,omitempty"`
}

// GatewayConfig configures the status server bind settings.
type GatewayConfig struct {
	Host string `mapstructure:"host" yaml:"host,omitempty"`
	Port int    `mapstructure:"port" yaml:"port,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `mapstructure:"format" yaml:"format,omitempty"`
	Level     string `mapstructure:"level" yaml:"level,omitempty"`
	AddSource bool   `mapstructure:"add_source" yaml:"add_source,omitempty"`
	File      string `mapstructure:"file" yaml:"file,omitempty"`
}

// LoadOptions selects which config file Load reads.
type LoadOptions struct {
	// Path is an explicit config file, typically from --config.
	Path string
	// Home is the chatrelay home directory. Defaults to DefaultHome().
	Home string
	// Profile selects chatrelay.<profile>.yaml inside Home.
	Profile string
}

// Load resolves the config file, unmarshals it on top of defaults, and applies
// environment overrides. A missing implicit file is not an error.
func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	configPath, err := findConfigPath(opts)
	if err != nil {
		return nil, err
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.Path = configPath

	applyEnvOverrides(&cfg)

	if err := cfg.loadSessionIntro(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults registers every default so env overrides resolve for unset keys.
func setDefaults(v *viper.Viper) {
	v.SetDefault("reply.mode", ReplyModeText)
	v.SetDefault("reply.text", "")
	v.SetDefault("reply.command", []string{})
	v.SetDefault("reply.cwd", "")
	v.SetDefault("reply.template", "")
	v.SetDefault("reply.body_prefix", "")
	v.SetDefault("reply.timeout_seconds", 600)
	v.SetDefault("reply.typing_interval_seconds", 8)
	v.SetDefault("reply.output_format", OutputFormatText)
	v.SetDefault("reply.media_url", "")
	v.SetDefault("reply.media_required", false)

	v.SetDefault("session.scope", ScopePerSender)
	v.SetDefault("session.reset_triggers", []string{"/new"})
	v.SetDefault("session.idle_minutes", 60)
	v.SetDefault("session.heartbeat_idle_minutes", 0)
	v.SetDefault("session.store", "")
	v.SetDefault("session.send_system_once", false)
	v.SetDefault("session.intro", "")
	v.SetDefault("session.intro_path", "")
	v.SetDefault("session.arg_new", []string{"--session-id", "{{SessionId}}"})
	v.SetDefault("session.arg_resume", []string{"--resume", "{{SessionId}}"})
	v.SetDefault("session.arg_before_body", true)

	v.SetDefault("media.max_mb", 5)
	v.SetDefault("media.ttl_seconds", 120)

	v.SetDefault("transcribe_audio.command", []string{})
	v.SetDefault("transcribe_audio.timeout_seconds", 45)

	v.SetDefault("heartbeat.interval_seconds", 0)
	v.SetDefault("heartbeat.provider", "")
	v.SetDefault("heartbeat.to", "")
	v.SetDefault("heartbeat.prompt", "HEARTBEAT")
	v.SetDefault("heartbeat.dry_run", false)

	v.SetDefault("channels.telegram.enabled", false)
	v.SetDefault("channels.telegram.token", "")
	v.SetDefault("channels.discord.enabled", false)
	v.SetDefault("channels.discord.token", "")
	v.SetDefault("channels.discord.mention_only", true)
	v.SetDefault("channels.discord.reply_in_thread", true)
	v.SetDefault("channels.webhook.enabled", false)
	v.SetDefault("channels.webhook.host", "127.0.0.1")
	v.SetDefault("channels.webhook.port", 42873)
	v.SetDefault("channels.webhook.path", "/webhook")
	v.SetDefault("channels.webhook.secret", "")

	v.SetDefault("gateway.host", "")
	v.SetDefault("gateway.port", 0)

	v.SetDefault("logging.format", "")
	v.SetDefault("logging.level", "")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.file", "")
}

// applyEnvOverrides injects conventional secret variables on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if token := strings.TrimSpace(os.Getenv(envTelegramBotToken)); token != "" {
		cfg.Channels.Telegram.Token = token
	}

	if rawAllowFrom := strings.TrimSpace(os.Getenv(envTelegramAllowFrom)); rawAllowFrom != "" {
		cfg.Channels.Telegram.AllowFrom = parseCSV(rawAllowFrom)
	}

	if token := strings.TrimSpace(os.Getenv(envDiscordBotToken)); token != "" {
		cfg.Channels.Discord.Token = token
	}

	if secret := strings.TrimSpace(os.Getenv(envWebhookSecret)); secret != "" {
		cfg.Channels.Webhook.Secret = secret
	}
}

// loadSessionIntro reads session.intro_path relative to the config directory.
// The inline intro is kept when the file is missing.
func (c *Config) loadSessionIntro() error {
	introPath := strings.TrimSpace(c.Session.IntroPath)
	if introPath == "" {
		return nil
	}

	if !filepath.IsAbs(introPath) && c.Path != "" {
		introPath = filepath.Join(filepath.Dir(c.Path), introPath)
	}

	content, err := os.ReadFile(introPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read session intro: %w", err)
	}

	if intro := strings.TrimSpace(string(content)); intro != "" {
		c.Session.Intro = intro
	}

	return nil
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// Precedence is the explicit path, then CHATRELAY_CONFIG, then the profile file,
// then the default file in the home directory. Explicit paths must exist.
func findConfigPath(opts LoadOptions) (string, error) {
	if value := strings.TrimSpace(opts.Path); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("config file not found: %s", value)
	}

	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	home := strings.TrimSpace(opts.Home)
	if home == "" {
		resolved, err := DefaultHome()
		if err != nil {
			return "", err
		}
		home = resolved
	}

	candidates := make([]string, 0, 2)
	if profile := strings.TrimSpace(opts.Profile); profile != "" {
		candidates = append(candidates, filepath.Join(home, "chatrelay."+profile+".yaml"))
	} else {
		candidates = append(candidates, filepath.Join(home, "chatrelay.yaml"))
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", nil
}
