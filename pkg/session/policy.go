package session

import (
	"strings"
	"time"

	"chatrelay/pkg/config"
)

// Policy decides whether a stored slot is still live for an inbound body.
type Policy struct {
	ResetTriggers []string
	// Idle is the inactivity window. Zero disables expiry.
	Idle time.Duration
}

// Decision is the outcome of evaluating one slot.
type Decision struct {
	// Entry is the live slot. Zero when IsNew.
	Entry Entry
	IsNew bool
	// Reset reports that the body matched a reset trigger.
	Reset bool
	// Expired reports that an existing slot aged past the idle window.
	Expired bool
	// BodyStripped is the body with a matched trigger removed.
	BodyStripped string
	// ResetOnly reports a body that was nothing but a reset trigger.
	ResetOnly bool
}

// PolicyFromConfig builds the policy for normal or heartbeat turns.
func PolicyFromConfig(cfg config.SessionConfig, heartbeat bool) Policy {
	minutes := cfg.IdleMinutes
	if heartbeat && cfg.HeartbeatIdleMinutes > 0 {
		minutes = cfg.HeartbeatIdleMinutes
	}
	if heartbeat {
		minutes = max(minutes, 1)
	}

	return Policy{
		ResetTriggers: cfg.ResetTriggers,
		Idle:          time.Duration(minutes) * time.Minute,
	}
}

// MatchReset reports whether body is a trigger, or a trigger followed by a space
// and more text. rest is the trimmed remainder.
func MatchReset(body string, triggers []string) (rest string, matched bool) {
	trimmed := strings.TrimSpace(body)
	for _, trigger := range triggers {
		trigger = strings.TrimSpace(trigger)
		if trigger == "" {
			continue
		}
		if trimmed == trigger {
			return "", true
		}
		if strings.HasPrefix(trimmed, trigger+" ") {
			return strings.TrimSpace(trimmed[len(trigger):]), true
		}
	}

	return trimmed, false
}

// Evaluate applies reset triggers and idle expiry to the stored slot. Expiry is
// lazy: nothing is removed until a message for the key arrives.
func (p Policy) Evaluate(existing Entry, found bool, body string, now time.Time) Decision {
	rest, reset := MatchReset(body, p.ResetTriggers)

	decision := Decision{
		Reset:        reset,
		BodyStripped: rest,
		ResetOnly:    reset && rest == "",
	}
	if !reset {
		decision.BodyStripped = body
	}

	switch {
	case !found || strings.TrimSpace(existing.SessionID) == "":
		decision.IsNew = true
	case reset:
		decision.IsNew = true
	case p.Idle > 0 && now.Sub(existing.UpdatedTime()) > p.Idle:
		decision.IsNew = true
		decision.Expired = true
	default:
		decision.Entry = existing
	}

	return decision
}
