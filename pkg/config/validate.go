package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate reports every problem in cfg as one error wrapping ErrInvalid.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}

	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.Reply.Mode {
	case ReplyModeText:
	case ReplyModeCommand:
		if len(c.Reply.Command) == 0 || strings.TrimSpace(c.Reply.Command[0]) == "" {
			add("reply.command is required when reply.mode is %q", ReplyModeCommand)
		}
	default:
		add("reply.mode must be %q or %q, got %q", ReplyModeText, ReplyModeCommand, c.Reply.Mode)
	}

	if c.Reply.TimeoutSeconds < 0 {
		add("reply.timeout_seconds must not be negative")
	}
	if c.Reply.TypingIntervalSeconds < 0 {
		add("reply.typing_interval_seconds must not be negative")
	}

	switch c.Reply.OutputFormat {
	case "", OutputFormatText, OutputFormatJSON:
	default:
		add("reply.output_format must be %q or %q, got %q", OutputFormatText, OutputFormatJSON, c.Reply.OutputFormat)
	}

	switch c.Session.Scope {
	case "", ScopePerSender, ScopeGlobal:
	default:
		add("session.scope must be %q or %q, got %q", ScopePerSender, ScopeGlobal, c.Session.Scope)
	}
	if c.Session.IdleMinutes < 0 {
		add("session.idle_minutes must not be negative")
	}
	if c.Session.HeartbeatIdleMinutes < 0 {
		add("session.heartbeat_idle_minutes must not be negative")
	}

	if c.Media.MaxMB < 0 {
		add("media.max_mb must not be negative")
	}
	if c.Media.TTLSeconds < 0 {
		add("media.ttl_seconds must not be negative")
	}

	if c.Heartbeat.IntervalSeconds < 0 {
		add("heartbeat.interval_seconds must not be negative")
	}
	switch c.Heartbeat.Provider {
	case "", "telegram", "discord":
	default:
		add("heartbeat.provider must be telegram or discord, got %q", c.Heartbeat.Provider)
	}

	if c.Channels.Telegram.Enabled && strings.TrimSpace(c.Channels.Telegram.Token) == "" {
		add("channels.telegram.token is required when telegram is enabled")
	}
	if c.Channels.Discord.Enabled && strings.TrimSpace(c.Channels.Discord.Token) == "" {
		add("channels.discord.token is required when discord is enabled")
	}
	if c.Channels.Webhook.Enabled {
		if port := c.Channels.Webhook.Port; port <= 0 || port >= 65536 {
			add("channels.webhook.port must be between 1 and 65535")
		}
		if !strings.HasPrefix(c.Channels.Webhook.Path, "/") {
			add("channels.webhook.path must start with /")
		}
	}

	if len(problems) == 0 {
		return nil
	}

	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
}

// IsInvalid reports whether err came from config validation.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalid)
}
