// Package reply turns one inbound message into a reply by rendering a template
// or running an external responder command, with session continuity.
package reply

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatrelay/pkg/bus"
)

const (
	// HeartbeatToken is the responder's "nothing to say" sentinel.
	HeartbeatToken = "HEARTBEAT_OK"

	resetAck = "Started a new session."
)

var (
	ErrCommandTimeout = errors.New("reply command timed out")
	ErrCommandFailed  = errors.New("reply command failed")
)

// CommandError reports a responder that exited unsuccessfully or could not start.
type CommandError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	if e == nil {
		return ""
	}

	msg := fmt.Sprintf("%s (exit %d)", ErrCommandFailed, e.ExitCode)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Is matches ErrCommandFailed.
func (e *CommandError) Is(target error) bool {
	return target == ErrCommandFailed
}

// Kind tags the outcome of a resolution.
type Kind int

const (
	// KindEmpty means nothing should be sent.
	KindEmpty Kind = iota
	// KindDelivered carries a payload to send.
	KindDelivered
	// KindSuppressed means the responder answered with the heartbeat sentinel.
	KindSuppressed
)

func (k Kind) String() string {
	switch k {
	case KindDelivered:
		return "delivered"
	case KindSuppressed:
		return "suppressed"
	default:
		return "empty"
	}
}

// Result is the outcome of Resolve.
type Result struct {
	Kind         Kind
	Payload      bus.ReplyPayload
	SessionKey   string
	SessionID    string
	IsNewSession bool
	Duration     time.Duration
}

// Hooks are optional callbacks into the delivering channel. Their failures never
// affect the resolution.
type Hooks struct {
	// OnReplyStart fires when a responder command starts, and again every typing
	// interval while it runs.
	OnReplyStart func(context.Context) error
}

// StripHeartbeatToken removes the sentinel from text. skip is true when nothing
// else remains.
func StripHeartbeatToken(text string) (stripped string, skip bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", true
	}
	if !strings.Contains(trimmed, HeartbeatToken) {
		return trimmed, false
	}

	stripped = strings.TrimSpace(strings.ReplaceAll(trimmed, HeartbeatToken, ""))
	return stripped, stripped == ""
}
