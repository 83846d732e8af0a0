// Package session persists per-conversation responder sessions and decides when
// a conversation starts over.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"chatrelay/pkg/bus"
	"chatrelay/pkg/config"
	"chatrelay/pkg/fsstore"
)

const (
	// GlobalKey is the single slot used by the global scope.
	GlobalKey = "global"

	unknownSenderKey = "unknown"
)

// ErrStoreCorrupt reports an unreadable session file. Callers continue with an
// empty store.
var ErrStoreCorrupt = errors.New("session store corrupt")

// Entry is one persisted session slot. Timestamps are Unix milliseconds.
type Entry struct {
	SessionID  string `json:"sessionId"`
	CreatedAt  int64  `json:"createdAt,omitempty"`
	UpdatedAt  int64  `json:"updatedAt"`
	SystemSent bool   `json:"systemSent,omitempty"`
}

// UpdatedTime returns UpdatedAt as a time.
func (e Entry) UpdatedTime() time.Time {
	return time.UnixMilli(e.UpdatedAt)
}

// DeriveKey maps a message to its session slot.
func DeriveKey(scope string, msg bus.MsgContext) string {
	if scope == config.ScopeGlobal {
		return GlobalKey
	}

	if from := strings.TrimSpace(msg.From); from != "" {
		return from
	}

	return unknownSenderKey
}

// Load reads the store at path. A missing file is an empty store. A corrupt file
// yields an empty store and ErrStoreCorrupt.
func Load(path string) (map[string]Entry, error) {
	sessions := make(map[string]Entry)

	var decoded map[string]Entry
	found, err := fsstore.ReadJSON(path, &decoded)
	if err != nil {
		return sessions, fmt.Errorf("%w: %v", ErrStoreCorrupt, err)
	}
	if !found {
		return sessions, nil
	}

	for key, entry := range decoded {
		sessions[key] = entry
	}

	return sessions, nil
}

// Save atomically replaces the store at path with sessions.
func Save(path string, sessions map[string]Entry) error {
	if sessions == nil {
		sessions = map[string]Entry{}
	}

	if err := fsstore.WriteJSONAtomic(path, sessions); err != nil {
		return fmt.Errorf("save session store: %w", err)
	}

	return nil
}
