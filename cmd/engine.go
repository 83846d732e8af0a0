package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chatrelay/pkg/channel"
	"chatrelay/pkg/channel/discord"
	"chatrelay/pkg/channel/telegram"
	"chatrelay/pkg/channel/webhook"
	"chatrelay/pkg/config"
	"chatrelay/pkg/media"
	"chatrelay/pkg/reply"
	"chatrelay/pkg/session"
)

const (
	telegramChannelName = "telegram"
	discordChannelName  = "discord"
	webhookChannelName  = "webhook"
)

// engine is the reply pipeline shared by every command.
type engine struct {
	sessions *session.FileStore
	media    *media.Store
	resolver *reply.Resolver
}

func newEngine(cfg *config.Config, paths config.Paths, log *slog.Logger) (*engine, error) {
	store := media.NewStore(paths.MediaDir, media.Options{
		MaxBytes: int64(cfg.Media.MaxMB) * 1024 * 1024,
		TTL:      time.Duration(cfg.Media.TTLSeconds) * time.Second,
		Logger:   log,
	})

	sessions := session.NewFileStore(paths.SessionStore, log)

	resolver, err := reply.NewResolver(reply.Options{
		Reply:      cfg.Reply,
		Session:    cfg.Session,
		Transcribe: cfg.TranscribeAudio,
		Sessions:   sessions,
		Media:      store,
		Logger:     log,
	})
	if err != nil {
		return nil, fmt.Errorf("configure reply resolver: %w", err)
	}

	return &engine{sessions: sessions, media: store, resolver: resolver}, nil
}

func enabledAdapters(cfg *config.Config, store *media.Store, log *slog.Logger) ([]channel.Adapter, error) {
	adapters := make([]channel.Adapter, 0, 3)

	if cfg.Channels.Telegram.Enabled {
		adapter, err := telegram.NewAdapter(cfg.Channels.Telegram, store, log)
		if err != nil {
			return nil, fmt.Errorf("configure %s channel: %w", telegramChannelName, err)
		}
		adapters = append(adapters, adapter)
	}

	if cfg.Channels.Discord.Enabled {
		adapter, err := discord.NewAdapter(cfg.Channels.Discord, store, log)
		if err != nil {
			return nil, fmt.Errorf("configure %s channel: %w", discordChannelName, err)
		}
		adapters = append(adapters, adapter)
	}

	if cfg.Channels.Webhook.Enabled {
		adapter, err := webhook.NewAdapter(cfg.Channels.Webhook, log)
		if err != nil {
			return nil, fmt.Errorf("configure %s channel: %w", webhookChannelName, err)
		}
		adapters = append(adapters, adapter)
	}

	if len(adapters) == 0 {
		return nil, errors.New("no channels are enabled")
	}

	return adapters, nil
}

// heartbeatSender picks the adapter that delivers heartbeats: heartbeat.provider
// when set, otherwise the first enabled adapter able to send.
func heartbeatSender(cfg *config.Config, adapters []channel.Adapter) (channel.Sender, error) {
	want := strings.TrimSpace(cfg.Heartbeat.Provider)

	for _, adapter := range adapters {
		sender, ok := adapter.(channel.Sender)
		if !ok {
			continue
		}
		if want == "" || adapter.Name() == want {
			return sender, nil
		}
	}

	if want != "" {
		return nil, fmt.Errorf("%w: heartbeat.provider %q is not enabled", config.ErrInvalid, want)
	}
	return nil, fmt.Errorf("%w: heartbeats need an enabled telegram or discord channel", config.ErrInvalid)
}

func enabledChannelNames(adapters []channel.Adapter) string {
	names := make([]string, 0, len(adapters))
	for _, adapter := range adapters {
		names = append(names, adapter.Name())
	}

	return strings.Join(names, ",")
}
