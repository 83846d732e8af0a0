package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"chatrelay/pkg/bus"
	"chatrelay/pkg/channel"
	"chatrelay/pkg/config"
	"chatrelay/pkg/media"
	"chatrelay/pkg/reply"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

const (
	channelName      = "telegram"
	maxMessageLength = 4096
	fromPrefix       = channelName + ":"
)

// botAPI is the subset of *telego.Bot used for delivery.
type botAPI interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	SendPhoto(ctx context.Context, params *telego.SendPhotoParams) (*telego.Message, error)
	SendDocument(ctx context.Context, params *telego.SendDocumentParams) (*telego.Message, error)
	SendChatAction(ctx context.Context, params *telego.SendChatActionParams) error
}

// Adapter bridges Telegram updates into the relay and delivers replies.
type Adapter struct {
	cfg       config.TelegramConfig
	allowFrom map[string]struct{}
	media     *media.Store
	log       *slog.Logger

	mu  sync.Mutex
	bot *telego.Bot
}

// inbound is one normalized Telegram message plus the attachment to fetch.
type inbound struct {
	msg       bus.MsgContext
	chatID    int64
	fileID    string
	mediaType string
}

// NewAdapter validates Telegram configuration. store may be nil, in which case
// inbound attachments are ignored.
func NewAdapter(cfg config.TelegramConfig, store *media.Store, log *slog.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("%w: channels.telegram.token is required", config.ErrInvalid)
	}

	if log == nil {
		log = slog.Default()
	}

	return &Adapter{
		cfg:       cfg,
		allowFrom: channel.AllowSet(cfg.AllowFrom),
		media:     store,
		log:       log.With("component", "channel.telegram"),
	}, nil
}

// Name returns the channel identifier used in bus metadata and logs.
func (a *Adapter) Name() string {
	return channelName
}

// Run starts long polling and handles each message in its own goroutine.
func (a *Adapter) Run(ctx context.Context, handler channel.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	bot, err := a.client()
	if err != nil {
		return err
	}

	updates, err := bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	a.log.Info("Telegram channel started", "allow_from", len(a.allowFrom))

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil
				}
				return errors.New("telegram updates channel closed")
			}

			in, ok := a.normalize(update.Message)
			if !ok {
				continue
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				a.handle(ctx, bot, handler, in)
			}()
		}
	}
}

// Send delivers payload to a chat id, with or without the "telegram:" prefix.
func (a *Adapter) Send(ctx context.Context, to string, payload bus.ReplyPayload) error {
	chatID, err := parseChatID(to)
	if err != nil {
		return err
	}

	bot, err := a.client()
	if err != nil {
		return err
	}

	return a.deliver(ctx, bot, chatID, payload)
}

func (a *Adapter) client() (*telego.Bot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.bot != nil {
		return a.bot, nil
	}

	bot, err := telego.NewBot(strings.TrimSpace(a.cfg.Token))
	if err != nil {
		return nil, fmt.Errorf("initialize telegram bot: %w", err)
	}
	a.bot = bot
	return bot, nil
}

func (a *Adapter) handle(ctx context.Context, bot *telego.Bot, handler channel.Handler, in inbound) {
	if in.fileID != "" {
		a.attachMedia(ctx, bot, &in)
	}

	a.log.Info("Received message",
		"chat_id", in.chatID,
		"sender_id", in.msg.SenderID,
		"media_type", in.msg.MediaType,
		"content", channel.PreviewText(in.msg.Body),
	)

	hooks := reply.Hooks{
		OnReplyStart: func(ctx context.Context) error {
			return bot.SendChatAction(ctx, tu.ChatAction(tu.ID(in.chatID), telego.ChatActionTyping))
		},
	}

	payload, err := handler(ctx, in.msg, hooks)
	if err != nil {
		a.log.Error("Failed to process inbound message", "chat_id", in.chatID, "error", err)
		return
	}
	if payload.IsEmpty() {
		return
	}

	a.log.Info("Sending message", "chat_id", in.chatID, "content", channel.PreviewText(payload.Text), "media", len(payload.Media()))
	if err := a.deliver(ctx, bot, in.chatID, payload); err != nil {
		a.log.Error("Failed to send telegram reply", "chat_id", in.chatID, "error", err)
	}
}

// normalize maps a Telegram message to a MsgContext. Messages without text or
// an attachment, and senders outside allow_from, are dropped.
func (a *Adapter) normalize(message *telego.Message) (inbound, bool) {
	if message == nil {
		return inbound{}, false
	}
	if message.From == nil {
		a.log.Debug("Ignoring message without sender")
		return inbound{}, false
	}

	senderID := strconv.FormatInt(message.From.ID, 10)
	if !channel.Allowed(a.allowFrom, senderID) {
		a.log.Debug("Ignoring message from unauthorized sender", "sender_id", senderID)
		return inbound{}, false
	}

	body := strings.TrimSpace(message.Text)
	if body == "" {
		body = strings.TrimSpace(message.Caption)
	}

	fileID, mediaType := attachment(message)
	if body == "" && fileID == "" {
		return inbound{}, false
	}

	chatID := strconv.FormatInt(message.Chat.ID, 10)
	messageID := strconv.Itoa(message.MessageID)

	return inbound{
		msg: bus.MsgContext{
			Body:        body,
			From:        fromPrefix + chatID,
			To:          chatID,
			MessageSid:  fromPrefix + chatID + ":" + messageID,
			MediaType:   mediaType,
			Provider:    channelName,
			SenderID:    senderID,
			SenderName:  senderName(message.From),
			ChannelID:   chatID,
			MessageID:   messageID,
			IsMentioned: message.Chat.Type == telego.ChatTypePrivate,
		},
		chatID:    message.Chat.ID,
		fileID:    fileID,
		mediaType: mediaType,
	}, true
}

// attachMedia downloads the attachment into the media store. Failures leave
// the message text-only.
func (a *Adapter) attachMedia(ctx context.Context, bot *telego.Bot, in *inbound) {
	if a.media == nil {
		return
	}

	file, err := bot.GetFile(ctx, &telego.GetFileParams{FileID: in.fileID})
	if err != nil {
		a.log.Warn("Failed to resolve telegram file", "chat_id", in.chatID, "error", err)
		return
	}

	saved, err := a.media.Save(ctx, bot.FileDownloadURL(file.FilePath), nil, media.InboundSubdir)
	if err != nil {
		a.log.Warn("Failed to save telegram attachment", "chat_id", in.chatID, "error", err)
		return
	}

	in.msg.MediaPath = saved.Path
	in.msg.MediaType = saved.ContentType
}

// deliver sends text chunks first and then each attachment.
func (a *Adapter) deliver(ctx context.Context, api botAPI, chatID int64, payload bus.ReplyPayload) error {
	var errs []error

	for _, chunk := range channel.SplitText(payload.Text, maxMessageLength) {
		if _, err := api.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			errs = append(errs, fmt.Errorf("send text: %w", err))
			break
		}
	}

	for _, ref := range payload.Media() {
		if err := a.sendMedia(ctx, api, chatID, ref); err != nil {
			errs = append(errs, fmt.Errorf("send media %s: %w", ref, err))
		}
	}

	return errors.Join(errs...)
}

func (a *Adapter) sendMedia(ctx context.Context, api botAPI, chatID int64, ref string) error {
	var file telego.InputFile
	if media.LooksLikeURL(ref) {
		file = tu.FileFromURL(ref)
	} else {
		handle, err := os.Open(strings.TrimPrefix(ref, "file://"))
		if err != nil {
			return err
		}
		defer handle.Close()
		file = tu.File(handle)
	}

	if media.Kind(media.DetectMime(nil, "", ref)) == "image" {
		_, err := api.SendPhoto(ctx, tu.Photo(tu.ID(chatID), file))
		return err
	}

	_, err := api.SendDocument(ctx, tu.Document(tu.ID(chatID), file))
	return err
}

func attachment(message *telego.Message) (fileID string, mediaType string) {
	switch {
	case len(message.Photo) > 0:
		return message.Photo[len(message.Photo)-1].FileID, "image/jpeg"
	case message.Voice != nil:
		return message.Voice.FileID, defaultMime(message.Voice.MimeType, "audio/ogg")
	case message.Audio != nil:
		return message.Audio.FileID, defaultMime(message.Audio.MimeType, "audio/mpeg")
	case message.Video != nil:
		return message.Video.FileID, defaultMime(message.Video.MimeType, "video/mp4")
	case message.Document != nil:
		return message.Document.FileID, defaultMime(message.Document.MimeType, "application/octet-stream")
	default:
		return "", ""
	}
}

func senderName(user *telego.User) string {
	if user == nil {
		return ""
	}
	if user.Username != "" {
		return user.Username
	}

	return strings.TrimSpace(user.FirstName + " " + user.LastName)
}

func parseChatID(to string) (int64, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(to), fromPrefix)
	chatID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || raw == "" {
		return 0, fmt.Errorf("%w: telegram chat id %q", channel.ErrUnknownRecipient, to)
	}

	return chatID, nil
}

func defaultMime(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
