package bus

import (
	"context"
	"sync"
	"time"
)

type EventType string

const (
	EventReplyResolved    EventType = "reply_resolved"
	EventReplySuppressed  EventType = "reply_suppressed"
	EventReplyEmpty       EventType = "reply_empty"
	EventReplyFailed      EventType = "reply_failed"
	EventReplyDelivered   EventType = "reply_delivered"
	EventDeliveryFailed   EventType = "delivery_failed"
	EventHeartbeatSent    EventType = "heartbeat_sent"
	EventHeartbeatSkipped EventType = "heartbeat_skipped"
	EventHeartbeatFailed  EventType = "heartbeat_failed"
)

type Event struct {
	Type       EventType         `json:"type"`
	At         time.Time         `json:"at"`
	Provider   string            `json:"provider,omitempty"`
	From       string            `json:"from,omitempty"`
	MessageSid string            `json:"message_sid,omitempty"`
	SessionKey string            `json:"session_key,omitempty"`
	SessionID  string            `json:"session_id,omitempty"`
	NewSession bool              `json:"new_session,omitempty"`
	Duration   time.Duration     `json:"duration,omitempty"`
	Payload    map[string]string `json:"payload,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// PublishEvent delivers event to every subscriber with room in its buffer. It
// returns false once the bus is closed or ctx is done.
func (b *Bus) PublishEvent(ctx context.Context, event Event) bool {
	if b == nil {
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	select {
	case <-ctx.Done():
		return false
	case <-b.done:
		return false
	default:
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Slow subscribers lose events.
		}
	}

	return true
}

// SubscribeEvents registers a buffered subscriber. The channel closes when ctx
// is done, the bus closes, or unsubscribe is called.
func (b *Bus) SubscribeEvents(ctx context.Context, buffer int) (<-chan Event, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	ch := make(chan Event, buffer)

	b.mu.Lock()
	select {
	case <-b.done:
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}

	id := b.nextSubscriberID
	b.nextSubscriberID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			if eventCh, ok := b.subscribers[id]; ok {
				delete(b.subscribers, id)
				close(eventCh)
			}
			b.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-b.done:
			unsubscribe()
		}
	}()

	return ch, unsubscribe
}
