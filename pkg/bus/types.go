package bus

import "strings"

// MsgContext is one normalized inbound message as produced by a channel adapter.
type MsgContext struct {
	Body       string `json:"body"`
	From       string `json:"from"`
	To         string `json:"to,omitempty"`
	MessageSid string `json:"message_sid,omitempty"`

	MediaPath  string `json:"media_path,omitempty"`
	MediaURL   string `json:"media_url,omitempty"`
	MediaType  string `json:"media_type,omitempty"`
	Transcript string `json:"transcript,omitempty"`

	Provider         string `json:"provider,omitempty"`
	AssistantProfile string `json:"assistant_profile,omitempty"`
	AssistantLabel   string `json:"assistant_label,omitempty"`
	AssistantPersona string `json:"assistant_persona,omitempty"`

	BotUserID   string   `json:"bot_user_id,omitempty"`
	SenderID    string   `json:"sender_id,omitempty"`
	SenderName  string   `json:"sender_name,omitempty"`
	GuildID     string   `json:"guild_id,omitempty"`
	ChannelID   string   `json:"channel_id,omitempty"`
	ThreadID    string   `json:"thread_id,omitempty"`
	MessageID   string   `json:"message_id,omitempty"`
	IsMentioned bool     `json:"is_mentioned,omitempty"`
	RawMentions []string `json:"raw_mentions,omitempty"`

	// Heartbeat marks scheduler-originated turns.
	Heartbeat bool `json:"heartbeat,omitempty"`
	// PromptPrefix is prepended to the body handed to the responder.
	PromptPrefix string `json:"prompt_prefix,omitempty"`
}

// ReplyPayload is the content delivered back to a conversation.
type ReplyPayload struct {
	Text      string   `json:"text,omitempty"`
	MediaURL  string   `json:"media_url,omitempty"`
	MediaURLs []string `json:"media_urls,omitempty"`
}

// Media returns every media reference in delivery order without duplicates.
func (p ReplyPayload) Media() []string {
	media := make([]string, 0, len(p.MediaURLs)+1)
	seen := make(map[string]struct{}, len(p.MediaURLs)+1)

	for _, ref := range append([]string{p.MediaURL}, p.MediaURLs...) {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		media = append(media, ref)
	}

	return media
}

// HasMedia reports whether the payload carries at least one media reference.
func (p ReplyPayload) HasMedia() bool {
	return len(p.Media()) > 0
}

// IsEmpty reports a payload with neither text nor media.
func (p ReplyPayload) IsEmpty() bool {
	return strings.TrimSpace(p.Text) == "" && !p.HasMedia()
}
