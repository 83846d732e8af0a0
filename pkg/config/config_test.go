package config

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

func unsetConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{envConfigPath, envHome, envTelegramBotToken, envTelegramAllowFrom, envDiscordBotToken, envWebhookSecret} {
		t.Setenv(key, "")
	}
}

func writeFile(t *testing.T, path string, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadConfigFromExplicitPath(t *testing.T) {
	unsetConfigEnv(t)

	path := filepath.Join(t.TempDir(), "chatrelay.yaml")
	writeFile(t, path, `
reply:
  mode: command
  command: ["claude", "-p", "{{Body}}"]
  output_format: json
session:
  scope: global
  idle_minutes: 15
logging:
  format: json
  level: debug
  add_source: true
`)

	cfg, err := Load(LoadOptions{Path: path})
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Path != path {
		t.Fatalf("path = %q, want %q", cfg.Path, path)
	}
	if cfg.Reply.Mode != ReplyModeCommand {
		t.Fatalf("reply.mode = %q, want %q", cfg.Reply.Mode, ReplyModeCommand)
	}
	if !slices.Equal(cfg.Reply.Command, []string{"claude", "-p", "{{Body}}"}) {
		t.Fatalf("reply.command = %v", cfg.Reply.Command)
	}
	if cfg.Reply.OutputFormat != OutputFormatJSON {
		t.Fatalf("reply.output_format = %q, want %q", cfg.Reply.OutputFormat, OutputFormatJSON)
	}
	if cfg.Session.Scope != ScopeGlobal {
		t.Fatalf("session.scope = %q, want %q", cfg.Session.Scope, ScopeGlobal)
	}
	if cfg.Session.IdleMinutes != 15 {
		t.Fatalf("session.idle_minutes = %d, want 15", cfg.Session.IdleMinutes)
	}
	if cfg.Logging.Format != "json" || cfg.Logging.Level != "debug" || !cfg.Logging.AddSource {
		t.Fatalf("logging = %+v", cfg.Logging)
	}

	// Defaults fill in everything the file leaves out.
	if cfg.Reply.TimeoutSeconds != 600 {
		t.Fatalf("reply.timeout_seconds = %d, want 600", cfg.Reply.TimeoutSeconds)
	}
	if cfg.Media.MaxMB != 5 || cfg.Media.TTLSeconds != 120 {
		t.Fatalf("media = %+v, want max 5MB ttl 120s", cfg.Media)
	}
	if !slices.Equal(cfg.Session.ResetTriggers, []string{"/new"}) {
		t.Fatalf("session.reset_triggers = %v, want [/new]", cfg.Session.ResetTriggers)
	}
	if !cfg.Session.ArgBeforeBody {
		t.Fatal("session.arg_before_body = false, want true")
	}
	if !cfg.Channels.Discord.MentionOnly || !cfg.Channels.Discord.ReplyInThread {
		t.Fatalf("discord defaults = %+v", cfg.Channels.Discord)
	}
}

func TestLoadConfigMissingImplicitFileUsesDefaults(t *testing.T) {
	unsetConfigEnv(t)

	cfg, err := Load(LoadOptions{Home: t.TempDir()})
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Path != "" {
		t.Fatalf("path = %q, want empty", cfg.Path)
	}
	if cfg.Reply.Mode != ReplyModeText {
		t.Fatalf("reply.mode = %q, want %q", cfg.Reply.Mode, ReplyModeText)
	}
	if cfg.Heartbeat.Prompt != "HEARTBEAT" {
		t.Fatalf("heartbeat.prompt = %q, want HEARTBEAT", cfg.Heartbeat.Prompt)
	}
}

func TestLoadConfigProfileFile(t *testing.T) {
	unsetConfigEnv(t)

	home := t.TempDir()
	writeFile(t, filepath.Join(home, "chatrelay.yaml"), "reply:\n  text: default profile\n")
	writeFile(t, filepath.Join(home, "chatrelay.work.yaml"), "reply:\n  text: work profile\n")

	cfg, err := Load(LoadOptions{Home: home, Profile: "work"})
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Reply.Text != "work profile" {
		t.Fatalf("reply.text = %q, want %q", cfg.Reply.Text, "work profile")
	}

	cfg, err = Load(LoadOptions{Home: home})
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Reply.Text != "default profile" {
		t.Fatalf("reply.text = %q, want %q", cfg.Reply.Text, "default profile")
	}
}

func TestLoadConfigInvalidEnvPath(t *testing.T) {
	unsetConfigEnv(t)
	t.Setenv(envConfigPath, filepath.Join(t.TempDir(), "missing.yaml"))

	if _, err := Load(LoadOptions{}); err == nil {
		t.Fatal("expected error for missing config path")
	}
}

func TestLoadConfigInvalidExplicitPath(t *testing.T) {
	unsetConfigEnv(t)

	if _, err := Load(LoadOptions{Path: filepath.Join(t.TempDir(), "nope.yaml")}); err == nil {
		t.Fatal("expected error for missing explicit config path")
	}
}

func TestLoadConfigEnvironmentOverrides(t *testing.T) {
	unsetConfigEnv(t)
	t.Setenv("CHATRELAY_REPLY_TIMEOUT_SECONDS", "30")
	t.Setenv("CHATRELAY_SESSION_SCOPE", ScopeGlobal)
	t.Setenv(envTelegramBotToken, " tg-token ")
	t.Setenv(envTelegramAllowFrom, "1, 2,,3")
	t.Setenv(envDiscordBotToken, "dc-token")
	t.Setenv(envWebhookSecret, "s3cret")

	cfg, err := Load(LoadOptions{Home: t.TempDir()})
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Reply.TimeoutSeconds != 30 {
		t.Fatalf("reply.timeout_seconds = %d, want 30", cfg.Reply.TimeoutSeconds)
	}
	if cfg.Session.Scope != ScopeGlobal {
		t.Fatalf("session.scope = %q, want %q", cfg.Session.Scope, ScopeGlobal)
	}
	if cfg.Channels.Telegram.Token != "tg-token" {
		t.Fatalf("telegram.token = %q, want %q", cfg.Channels.Telegram.Token, "tg-token")
	}
	if !slices.Equal(cfg.Channels.Telegram.AllowFrom, []string{"1", "2", "3"}) {
		t.Fatalf("telegram.allow_from = %v", cfg.Channels.Telegram.AllowFrom)
	}
	if cfg.Channels.Discord.Token != "dc-token" {
		t.Fatalf("discord.token = %q, want %q", cfg.Channels.Discord.Token, "dc-token")
	}
	if cfg.Channels.Webhook.Secret != "s3cret" {
		t.Fatalf("webhook.secret = %q, want %q", cfg.Channels.Webhook.Secret, "s3cret")
	}
}

func TestLoadSessionIntroFromFile(t *testing.T) {
	unsetConfigEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "chatrelay.yaml")
	writeFile(t, path, "session:\n  intro: inline\n  intro_path: intro.md\n")
	writeFile(t, filepath.Join(dir, "intro.md"), "\nYou are a relay.\n")

	cfg, err := Load(LoadOptions{Path: path})
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Session.Intro != "You are a relay." {
		t.Fatalf("session.intro = %q, want %q", cfg.Session.Intro, "You are a relay.")
	}

	writeFile(t, path, "session:\n  intro: inline\n  intro_path: missing.md\n")
	cfg, err = Load(LoadOptions{Path: path})
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Session.Intro != "inline" {
		t.Fatalf("session.intro = %q, want inline fallback", cfg.Session.Intro)
	}
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	cfg.Reply.Mode = ReplyModeCommand
	cfg.Session.Scope = "per-channel"
	cfg.Channels.Telegram.Enabled = true

	err := cfg.Validate()
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("Validate error = %v, want ErrInvalid", err)
	}
	for _, want := range []string{"reply.command", "session.scope", "channels.telegram.token"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("Validate error %q missing %q", err, want)
		}
	}
}

func TestResolvePaths(t *testing.T) {
	home := t.TempDir()

	paths, err := ResolvePaths(home, "")
	if err != nil {
		t.Fatalf("ResolvePaths error: %v", err)
	}
	if paths.Label != "default" {
		t.Fatalf("label = %q, want default", paths.Label)
	}
	if paths.SessionStore != filepath.Join(home, "sessions.json") {
		t.Fatalf("session store = %q", paths.SessionStore)
	}
	if paths.MediaDir != filepath.Join(home, "media") {
		t.Fatalf("media dir = %q", paths.MediaDir)
	}

	paths, err = ResolvePaths(home, " work ")
	if err != nil {
		t.Fatalf("ResolvePaths error: %v", err)
	}
	if paths.Label != "work" {
		t.Fatalf("label = %q, want work", paths.Label)
	}
	if paths.SessionStore != filepath.Join(home, "state", "work", "sessions.json") {
		t.Fatalf("session store = %q", paths.SessionStore)
	}
	if paths.MediaDir != filepath.Join(home, "media", "work") {
		t.Fatalf("media dir = %q", paths.MediaDir)
	}
	if paths.CredentialsDir != filepath.Join(home, "credentials", "work") {
		t.Fatalf("credentials dir = %q", paths.CredentialsDir)
	}

	if _, err := ResolvePaths(home, "Bad Profile"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("ResolvePaths invalid profile error = %v, want ErrInvalid", err)
	}
}

func TestPathsWithSessionStore(t *testing.T) {
	paths := Paths{SessionStore: "/tmp/a.json"}
	if got := paths.WithSessionStore("  ").SessionStore; got != "/tmp/a.json" {
		t.Fatalf("blank override changed store to %q", got)
	}
	if got := paths.WithSessionStore("/tmp/b.json").SessionStore; got != "/tmp/b.json" {
		t.Fatalf("override store = %q, want /tmp/b.json", got)
	}
}

func TestProfilePort(t *testing.T) {
	if got := ProfilePort(42873, ""); got != 42873 {
		t.Fatalf("default profile port = %d, want 42873", got)
	}

	first := ProfilePort(42873, "work")
	if first == 42873 {
		t.Fatal("named profile should be offset from base port")
	}
	if again := ProfilePort(42873, "work"); again != first {
		t.Fatalf("profile port not stable: %d vs %d", first, again)
	}
	if got := ProfilePort(65535, "work"); got <= 0 || got > 65535+1000 {
		t.Fatalf("profile port near limit = %d", got)
	}
}

func TestWriteStarter(t *testing.T) {
	unsetConfigEnv(t)

	path := filepath.Join(t.TempDir(), "nested", "chatrelay.yaml")
	if err := WriteStarter(path, false); err != nil {
		t.Fatalf("WriteStarter error: %v", err)
	}

	cfg, err := Load(LoadOptions{Path: path})
	if err != nil {
		t.Fatalf("Load starter error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("starter config invalid: %v", err)
	}
	if cfg.Reply.Text != "Echo: {{Body}}" {
		t.Fatalf("reply.text = %q", cfg.Reply.Text)
	}

	if err := WriteStarter(path, false); !errors.Is(err, ErrExists) {
		t.Fatalf("second WriteStarter error = %v, want ErrExists", err)
	}
	if err := WriteStarter(path, true); err != nil {
		t.Fatalf("forced WriteStarter error: %v", err)
	}
}
