// Package template expands {{Name}} placeholders against a message context.
package template

import (
	"fmt"
	"regexp"
	"strings"

	"chatrelay/pkg/bus"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// Lookup resolves one placeholder name. ok is false for unknown or unset fields.
type Lookup interface {
	Lookup(name string) (string, bool)
}

// Context is the per-resolution view exposed to templates.
type Context struct {
	bus.MsgContext

	BodyStripped string
	SessionID    string
	IsNewSession bool
}

// fields maps lower-cased placeholder names to accessors. Names match case-insensitively
// so {{MediaUrl}} and {{MediaURL}} resolve the same field.
var fields = map[string]func(*Context) any{
	"body":             func(c *Context) any { return c.Body },
	"from":             func(c *Context) any { return c.From },
	"to":               func(c *Context) any { return c.To },
	"messagesid":       func(c *Context) any { return c.MessageSid },
	"mediapath":        func(c *Context) any { return c.MediaPath },
	"mediaurl":         func(c *Context) any { return c.MediaURL },
	"mediatype":        func(c *Context) any { return c.MediaType },
	"transcript":       func(c *Context) any { return c.Transcript },
	"provider":         func(c *Context) any { return c.Provider },
	"assistantprofile": func(c *Context) any { return c.AssistantProfile },
	"assistantlabel":   func(c *Context) any { return c.AssistantLabel },
	"assistantpersona": func(c *Context) any { return c.AssistantPersona },
	"botuserid":        func(c *Context) any { return c.BotUserID },
	"senderid":         func(c *Context) any { return c.SenderID },
	"sendername":       func(c *Context) any { return c.SenderName },
	"guildid":          func(c *Context) any { return c.GuildID },
	"channelid":        func(c *Context) any { return c.ChannelID },
	"threadid":         func(c *Context) any { return c.ThreadID },
	"messageid":        func(c *Context) any { return c.MessageID },
	"ismentioned":      func(c *Context) any { return c.IsMentioned },
	"rawmentions":      func(c *Context) any { return strings.Join(c.RawMentions, ",") },
	"bodystripped":     func(c *Context) any { return c.BodyStripped },
	"sessionid":        func(c *Context) any { return c.SessionID },
	"isnewsession":     func(c *Context) any { return c.IsNewSession },
}

// Lookup implements Lookup over the closed set of context fields.
func (c *Context) Lookup(name string) (string, bool) {
	if c == nil {
		return "", false
	}

	accessor, ok := fields[strings.ToLower(name)]
	if !ok {
		return "", false
	}

	return fmt.Sprint(accessor(c)), true
}

// Render replaces every {{Name}} in tmpl. Unknown names render as "" and
// substituted values are never re-expanded.
func Render(tmpl string, ctx Lookup) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}

	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		if ctx == nil {
			return ""
		}
		name := placeholderPattern.FindStringSubmatch(match)[1]
		value, _ := ctx.Lookup(name)
		return value
	})
}

// RenderAll renders each element of args.
func RenderAll(args []string, ctx Lookup) []string {
	rendered := make([]string, len(args))
	for i, arg := range args {
		rendered[i] = Render(arg, ctx)
	}
	return rendered
}
