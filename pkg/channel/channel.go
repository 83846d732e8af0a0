// Package channel defines the boundary between chat transports and the reply
// engine.
package channel

import (
	"context"
	"errors"

	"chatrelay/pkg/bus"
	"chatrelay/pkg/reply"
)

// ErrUnknownRecipient reports a recipient the transport cannot address.
var ErrUnknownRecipient = errors.New("unknown recipient")

// Handler resolves one normalized inbound message. An empty payload means
// nothing should be sent.
type Handler func(context.Context, bus.MsgContext, reply.Hooks) (bus.ReplyPayload, error)

// Adapter bridges one external transport (for example Telegram) into the relay.
type Adapter interface {
	Name() string
	Run(context.Context, Handler) error
}

// Sender delivers a payload to a fixed recipient outside any inbound turn.
// Heartbeats use it.
type Sender interface {
	Name() string
	Send(ctx context.Context, to string, payload bus.ReplyPayload) error
}
