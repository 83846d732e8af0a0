// Package discord relays Discord messages through discordgo.
package discord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"chatrelay/pkg/bus"
	"chatrelay/pkg/channel"
	"chatrelay/pkg/config"
	"chatrelay/pkg/media"
	"chatrelay/pkg/reply"

	"github.com/bwmarrin/discordgo"
)

const (
	channelName      = "discord"
	maxMessageLength = 2000
	channelPrefix    = "channel:"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// discordAPI is the subset of *discordgo.Session used for delivery.
type discordAPI interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
}

// Adapter bridges Discord gateway events into the relay.
type Adapter struct {
	cfg           config.DiscordConfig
	allowUsers    map[string]struct{}
	allowChannels map[string]struct{}
	allowGuilds   map[string]struct{}
	media         *media.Store
	log           *slog.Logger

	mu      sync.Mutex
	session *discordgo.Session
}

// origin describes where a message was posted.
type origin struct {
	isDM     bool
	isThread bool
	parentID string
}

// NewAdapter validates Discord configuration. store may be nil, in which case
// attachments are passed as URLs.
func NewAdapter(cfg config.DiscordConfig, store *media.Store, log *slog.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("%w: channels.discord.token is required", config.ErrInvalid)
	}

	if log == nil {
		log = slog.Default()
	}

	return &Adapter{
		cfg:           cfg,
		allowUsers:    channel.AllowSet(cfg.AllowedUsers),
		allowChannels: channel.AllowSet(cfg.AllowedChannels),
		allowGuilds:   channel.AllowSet(cfg.AllowedGuilds),
		media:         store,
		log:           log.With("component", "channel.discord"),
	}, nil
}

func (a *Adapter) Name() string {
	return channelName
}

// Run connects to the gateway and blocks until ctx is done.
func (a *Adapter) Run(ctx context.Context, handler channel.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	session, err := a.client()
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	remove := session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m == nil || m.Message == nil || s.State == nil || s.State.User == nil {
			return
		}

		where := a.lookupOrigin(s, m.Message)
		msg, ok := a.normalize(m.Message, s.State.User.ID, where)
		if !ok {
			return
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			a.handle(ctx, s, handler, msg, where)
		}()
	})
	defer remove()

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}

	a.log.Info("Discord channel started",
		"user", session.State.User.Username,
		"mention_only", a.cfg.MentionOnly,
		"reply_in_thread", a.cfg.ReplyInThread,
		"allow_users", len(a.allowUsers),
		"allow_channels", len(a.allowChannels),
		"allow_guilds", len(a.allowGuilds),
	)

	<-ctx.Done()
	a.log.Info("Discord channel stopping")
	wg.Wait()

	return session.Close()
}

// Send delivers payload to a user by DM, or to a channel when to is
// "channel:<id>".
func (a *Adapter) Send(ctx context.Context, to string, payload bus.ReplyPayload) error {
	session, err := a.client()
	if err != nil {
		return err
	}

	channelID, err := resolveRecipient(ctx, session, to)
	if err != nil {
		return err
	}

	return a.deliver(ctx, session, channelID, payload)
}

func (a *Adapter) client() (*discordgo.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.session != nil {
		return a.session, nil
	}

	session, err := discordgo.New("Bot " + strings.TrimSpace(a.cfg.Token))
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

	a.session = session
	return session, nil
}

func (a *Adapter) handle(ctx context.Context, api discordAPI, handler channel.Handler, msg bus.MsgContext, where origin) {
	if msg.MediaURL != "" && a.media != nil {
		saved, err := a.media.Save(ctx, msg.MediaURL, nil, media.InboundSubdir)
		if err != nil {
			a.log.Warn("Failed to save discord attachment", "channel_id", msg.ChannelID, "error", err)
		} else {
			msg.MediaPath = saved.Path
			msg.MediaType = saved.ContentType
		}
	}

	source := "channel " + msg.ChannelID
	if where.isDM {
		source = "DM"
	}
	a.log.Info("Discord inbound message",
		"user_id", msg.SenderID,
		"channel_id", msg.ChannelID,
		"guild_id", msg.GuildID,
		"source", source,
		"content", channel.PreviewText(msg.Body),
	)

	hooks := reply.Hooks{
		OnReplyStart: func(ctx context.Context) error {
			return api.ChannelTyping(msg.ChannelID, discordgo.WithContext(ctx))
		},
	}

	payload, err := handler(ctx, msg, hooks)
	if err != nil {
		a.log.Error("Discord reply failed", "channel_id", msg.ChannelID, "error", err)
		return
	}
	if payload.IsEmpty() {
		a.log.Debug("No reply produced", "channel_id", msg.ChannelID)
		return
	}

	target := replyChannel(msg.ChannelID, where, a.cfg.ReplyInThread)
	if err := a.deliver(ctx, api, target, payload); err != nil {
		a.log.Error("Discord reply failed", "channel_id", target, "error", err)
		return
	}

	a.log.Info("Discord reply sent",
		"user_id", msg.SenderID,
		"channel_id", target,
		"reply_chars", len(payload.Text),
		"media", len(payload.Media()),
	)
}

// normalize applies the mention and allow-list rules and maps the message to
// a MsgContext.
func (a *Adapter) normalize(m *discordgo.Message, botUserID string, where origin) (bus.MsgContext, bool) {
	if botUserID == "" || m.Author == nil || m.Author.Bot {
		return bus.MsgContext{}, false
	}
	if strings.TrimSpace(m.Content) == "" && len(m.Attachments) == 0 {
		return bus.MsgContext{}, false
	}

	mentions := make([]string, 0, len(m.Mentions))
	isMention := where.isDM
	for _, user := range m.Mentions {
		if user == nil {
			continue
		}
		mentions = append(mentions, user.ID)
		if user.ID == botUserID {
			isMention = true
		}
	}

	if !where.isDM && a.cfg.MentionOnly && !isMention {
		a.log.Debug("Ignoring message without mention", "channel_id", m.ChannelID)
		return bus.MsgContext{}, false
	}
	if !channel.Allowed(a.allowUsers, m.Author.ID) {
		a.log.Debug("Ignoring non-allowed user", "user_id", m.Author.ID)
		return bus.MsgContext{}, false
	}
	if !channel.Allowed(a.allowChannels, m.ChannelID) {
		a.log.Debug("Ignoring non-allowed channel", "channel_id", m.ChannelID)
		return bus.MsgContext{}, false
	}
	if m.GuildID != "" && !channel.Allowed(a.allowGuilds, m.GuildID) {
		a.log.Debug("Ignoring non-allowed guild", "guild_id", m.GuildID)
		return bus.MsgContext{}, false
	}

	content := m.Content
	if !where.isDM && isMention {
		content = stripBotMention(content, botUserID)
	}

	msg := bus.MsgContext{
		Body:             strings.TrimSpace(content),
		From:             m.Author.ID,
		To:               m.ChannelID,
		MessageSid:       m.ID,
		Provider:         channelName,
		AssistantLabel:   a.cfg.AssistantLabel,
		AssistantPersona: a.cfg.AssistantPersona,
		BotUserID:        botUserID,
		SenderID:         m.Author.ID,
		SenderName:       displayName(m.Author),
		GuildID:          m.GuildID,
		ChannelID:        m.ChannelID,
		MessageID:        m.ID,
		IsMentioned:      isMention,
		RawMentions:      mentions,
	}
	if where.isThread {
		msg.ThreadID = m.ChannelID
	}
	if len(m.Attachments) > 0 && m.Attachments[0] != nil {
		msg.MediaURL = m.Attachments[0].URL
		msg.MediaType = m.Attachments[0].ContentType
	}

	return msg, true
}

func (a *Adapter) lookupOrigin(s *discordgo.Session, m *discordgo.Message) origin {
	where := origin{isDM: m.GuildID == ""}
	if where.isDM {
		return where
	}

	ch, err := s.State.Channel(m.ChannelID)
	if err != nil {
		ch, err = s.Channel(m.ChannelID)
	}
	if err != nil || ch == nil {
		return where
	}

	where.isThread = ch.IsThread()
	where.parentID = ch.ParentID
	return where
}

// deliver chunks text to the Discord limit and attaches files to the first
// chunk. Remote references without a local copy are linked in the text.
func (a *Adapter) deliver(ctx context.Context, api discordAPI, channelID string, payload bus.ReplyPayload) error {
	text := payload.Text
	var files []*discordgo.File
	for _, ref := range payload.Media() {
		if media.LooksLikeURL(ref) {
			text = strings.TrimSpace(text + "\n" + ref)
			continue
		}

		file, closer, err := openAttachment(ref)
		if err != nil {
			a.log.Warn("Dropping attachment", "media", ref, "error", err)
			continue
		}
		defer closer.Close()
		files = append(files, file)
	}

	chunks := channel.SplitText(text, maxMessageLength)
	if len(chunks) == 0 {
		if len(files) == 0 {
			return nil
		}
		chunks = []string{""}
	}

	for i, chunk := range chunks {
		send := &discordgo.MessageSend{Content: chunk}
		if i == 0 {
			send.Files = files
		}
		if _, err := api.ChannelMessageSendComplex(channelID, send, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}

	return nil
}

// stripBotMention removes <@id> and <@!id> for the bot and collapses whitespace.
func stripBotMention(content string, botUserID string) string {
	cleaned := strings.ReplaceAll(content, "<@"+botUserID+">", "")
	cleaned = strings.ReplaceAll(cleaned, "<@!"+botUserID+">", "")
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(cleaned, " "))
}

// replyChannel routes thread replies to the parent channel when
// reply_in_thread is off.
func replyChannel(channelID string, where origin, replyInThread bool) string {
	if where.isThread && !replyInThread && where.parentID != "" {
		return where.parentID
	}
	return channelID
}

func resolveRecipient(ctx context.Context, api discordAPI, to string) (string, error) {
	to = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(to), channelName+":"))
	if id, ok := strings.CutPrefix(to, channelPrefix); ok {
		if id = strings.TrimSpace(id); id != "" {
			return id, nil
		}
		return "", fmt.Errorf("%w: discord channel %q", channel.ErrUnknownRecipient, to)
	}
	if to == "" {
		return "", fmt.Errorf("%w: empty discord recipient", channel.ErrUnknownRecipient)
	}

	dm, err := api.UserChannelCreate(to, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("open discord DM with %s: %w", to, err)
	}
	return dm.ID, nil
}

func openAttachment(path string) (*discordgo.File, io.Closer, error) {
	path = strings.TrimPrefix(path, "file://")
	handle, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}

	return &discordgo.File{
		Name:        filepath.Base(path),
		ContentType: media.DetectMime(nil, "", path),
		Reader:      handle,
	}, handle, nil
}

func displayName(user *discordgo.User) string {
	if user.GlobalName != "" {
		return user.GlobalName
	}
	return user.Username
}
