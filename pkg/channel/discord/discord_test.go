package discord

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"chatrelay/pkg/bus"
	"chatrelay/pkg/channel"
	"chatrelay/pkg/config"
	"chatrelay/pkg/reply"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/require"
)

const botID = "999"

type sentMessage struct {
	channelID string
	content   string
	files     []string
}

type fakeAPI struct {
	sent    []sentMessage
	typing  []string
	dmOpens []string
	sendErr error
}

func (f *fakeAPI) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	msg := sentMessage{channelID: channelID, content: data.Content}
	for _, file := range data.Files {
		msg.files = append(msg.files, file.Name)
	}
	f.sent = append(f.sent, msg)
	return &discordgo.Message{ID: "m"}, nil
}

func (f *fakeAPI) ChannelTyping(channelID string, _ ...discordgo.RequestOption) error {
	f.typing = append(f.typing, channelID)
	return nil
}

func (f *fakeAPI) UserChannelCreate(recipientID string, _ ...discordgo.RequestOption) (*discordgo.Channel, error) {
	f.dmOpens = append(f.dmOpens, recipientID)
	return &discordgo.Channel{ID: "dm-" + recipientID}, nil
}

func newTestAdapter(t *testing.T, cfg config.DiscordConfig) *Adapter {
	t.Helper()

	cfg.Token = "token"
	adapter, err := NewAdapter(cfg, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return adapter
}

func guildMessage(content string, mentions ...string) *discordgo.Message {
	msg := &discordgo.Message{
		ID:        "m1",
		ChannelID: "c1",
		GuildID:   "g1",
		Content:   content,
		Author:    &discordgo.User{ID: "u1", Username: "ana"},
	}
	for _, id := range mentions {
		msg.Mentions = append(msg.Mentions, &discordgo.User{ID: id})
	}
	return msg
}

func TestNewAdapterRequiresToken(t *testing.T) {
	_, err := NewAdapter(config.DiscordConfig{}, nil, nil)
	require.ErrorIs(t, err, config.ErrInvalid)
}

func TestStripBotMention(t *testing.T) {
	tests := map[string]string{
		"<@999> hello":             "hello",
		"<@!999>   hello   there":  "hello there",
		"<@999> hi <@999>":         "hi",
		"<@123> keep <@999> other": "<@123> keep other",
	}

	for input, want := range tests {
		require.Equal(t, want, stripBotMention(input, botID), input)
	}
}

func TestNormalizeMentionOnly(t *testing.T) {
	adapter := newTestAdapter(t, config.DiscordConfig{MentionOnly: true, AssistantLabel: "Bot"})

	_, ok := adapter.normalize(guildMessage("hello"), botID, origin{})
	require.False(t, ok, "guild message without mention must be ignored")

	msg, ok := adapter.normalize(guildMessage("<@999> hello", botID, "123"), botID, origin{})
	require.True(t, ok)
	require.Equal(t, "hello", msg.Body)
	require.Equal(t, "u1", msg.From)
	require.Equal(t, "c1", msg.To)
	require.Equal(t, "m1", msg.MessageSid)
	require.Equal(t, "discord", msg.Provider)
	require.Equal(t, "Bot", msg.AssistantLabel)
	require.True(t, msg.IsMentioned)
	require.Equal(t, []string{botID, "123"}, msg.RawMentions)

	dm := guildMessage("hi there")
	dm.GuildID = ""
	msg, ok = adapter.normalize(dm, botID, origin{isDM: true})
	require.True(t, ok, "DMs do not need a mention")
	require.True(t, msg.IsMentioned)
}

func TestNormalizeWithoutMentionOnly(t *testing.T) {
	adapter := newTestAdapter(t, config.DiscordConfig{MentionOnly: false})

	msg, ok := adapter.normalize(guildMessage("plain"), botID, origin{isThread: true})
	require.True(t, ok)
	require.Equal(t, "plain", msg.Body)
	require.False(t, msg.IsMentioned)
	require.Equal(t, "c1", msg.ThreadID)
}

func TestNormalizeAllowLists(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.DiscordConfig
		ok   bool
	}{
		{name: "user allowed", cfg: config.DiscordConfig{AllowedUsers: []string{"u1"}}, ok: true},
		{name: "user denied", cfg: config.DiscordConfig{AllowedUsers: []string{"u2"}}},
		{name: "channel denied", cfg: config.DiscordConfig{AllowedChannels: []string{"c2"}}},
		{name: "guild denied", cfg: config.DiscordConfig{AllowedGuilds: []string{"g2"}}},
		{name: "guild allowed", cfg: config.DiscordConfig{AllowedGuilds: []string{"g1"}}, ok: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			adapter := newTestAdapter(t, tc.cfg)
			_, ok := adapter.normalize(guildMessage("<@999> hi", botID), botID, origin{})
			require.Equal(t, tc.ok, ok)
		})
	}
}

func TestNormalizeDropsBotsAndEmpty(t *testing.T) {
	adapter := newTestAdapter(t, config.DiscordConfig{})

	fromBot := guildMessage("hi")
	fromBot.Author.Bot = true
	_, ok := adapter.normalize(fromBot, botID, origin{})
	require.False(t, ok)

	_, ok = adapter.normalize(guildMessage("   "), botID, origin{})
	require.False(t, ok)

	_, ok = adapter.normalize(guildMessage("hi"), "", origin{})
	require.False(t, ok)

	withFile := guildMessage("")
	withFile.Attachments = []*discordgo.MessageAttachment{{URL: "https://cdn.example/a.png", ContentType: "image/png"}}
	msg, ok := adapter.normalize(withFile, botID, origin{})
	require.True(t, ok)
	require.Equal(t, "https://cdn.example/a.png", msg.MediaURL)
	require.Equal(t, "image/png", msg.MediaType)
}

func TestReplyChannel(t *testing.T) {
	thread := origin{isThread: true, parentID: "parent"}

	require.Equal(t, "thread", replyChannel("thread", thread, true))
	require.Equal(t, "parent", replyChannel("thread", thread, false))
	require.Equal(t, "c1", replyChannel("c1", origin{}, false))
}

func TestDeliverChunksAndAttachesFilesToFirstChunk(t *testing.T) {
	adapter := newTestAdapter(t, config.DiscordConfig{})
	file := filepath.Join(t.TempDir(), "chart.png")
	require.NoError(t, os.WriteFile(file, []byte("png"), 0o600))

	api := &fakeAPI{}
	err := adapter.deliver(context.Background(), api, "c1", bus.ReplyPayload{
		Text:     strings.Repeat("line of text\n", 200),
		MediaURL: file,
	})
	require.NoError(t, err)
	require.Len(t, api.sent, 2)
	require.Equal(t, []string{"chart.png"}, api.sent[0].files)
	require.Empty(t, api.sent[1].files)
	for _, msg := range api.sent {
		require.LessOrEqual(t, len(msg.content), maxMessageLength)
		require.Equal(t, "c1", msg.channelID)
	}
}

func TestDeliverMediaOnlyAndRemoteLinks(t *testing.T) {
	adapter := newTestAdapter(t, config.DiscordConfig{})
	file := filepath.Join(t.TempDir(), "voice.ogg")
	require.NoError(t, os.WriteFile(file, []byte("ogg"), 0o600))

	api := &fakeAPI{}
	require.NoError(t, adapter.deliver(context.Background(), api, "c1", bus.ReplyPayload{MediaURL: file}))
	require.Len(t, api.sent, 1)
	require.Empty(t, api.sent[0].content)
	require.Equal(t, []string{"voice.ogg"}, api.sent[0].files)

	api = &fakeAPI{}
	require.NoError(t, adapter.deliver(context.Background(), api, "c1", bus.ReplyPayload{
		Text:     "see",
		MediaURL: "https://example.com/a.png",
	}))
	require.Equal(t, "see\nhttps://example.com/a.png", api.sent[0].content)

	api = &fakeAPI{}
	require.NoError(t, adapter.deliver(context.Background(), api, "c1", bus.ReplyPayload{}))
	require.Empty(t, api.sent)
}

func TestDeliverPropagatesSendErrors(t *testing.T) {
	adapter := newTestAdapter(t, config.DiscordConfig{})
	api := &fakeAPI{sendErr: errors.New("rate limited")}

	err := adapter.deliver(context.Background(), api, "c1", bus.ReplyPayload{Text: "hi"})
	require.ErrorContains(t, err, "rate limited")
}

func TestResolveRecipient(t *testing.T) {
	api := &fakeAPI{}

	id, err := resolveRecipient(context.Background(), api, "u1")
	require.NoError(t, err)
	require.Equal(t, "dm-u1", id)

	id, err = resolveRecipient(context.Background(), api, "discord:channel:c9")
	require.NoError(t, err)
	require.Equal(t, "c9", id)
	require.Equal(t, []string{"u1"}, api.dmOpens)

	_, err = resolveRecipient(context.Background(), api, " ")
	require.ErrorIs(t, err, channel.ErrUnknownRecipient)

	_, err = resolveRecipient(context.Background(), api, "channel:")
	require.ErrorIs(t, err, channel.ErrUnknownRecipient)
}

func TestHandleUsesTypingHookAndReplies(t *testing.T) {
	adapter := newTestAdapter(t, config.DiscordConfig{ReplyInThread: false})
	api := &fakeAPI{}

	handler := func(ctx context.Context, msg bus.MsgContext, hooks reply.Hooks) (bus.ReplyPayload, error) {
		if err := hooks.OnReplyStart(ctx); err != nil {
			return bus.ReplyPayload{}, err
		}
		return bus.ReplyPayload{Text: "echo " + msg.Body}, nil
	}

	msg := bus.MsgContext{Body: "hi", ChannelID: "thread-1", SenderID: "u1"}
	adapter.handle(context.Background(), api, handler, msg, origin{isThread: true, parentID: "parent-1"})

	require.Equal(t, []string{"thread-1"}, api.typing)
	require.Len(t, api.sent, 1)
	require.Equal(t, "parent-1", api.sent[0].channelID)
	require.Equal(t, "echo hi", api.sent[0].content)
}
