// Package heartbeat runs periodic synthetic turns through the reply resolver
// for one fixed recipient.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"chatrelay/pkg/bus"
	"chatrelay/pkg/channel"
	"chatrelay/pkg/config"
	"chatrelay/pkg/reply"
)

const (
	// DefaultInterval applies when a recipient is set without an interval.
	DefaultInterval = 60 * time.Second

	defaultPrompt = "HEARTBEAT"

	ReasonAlreadyRunning = "already_running"
	ReasonEmptyReply     = "empty_reply"
	ReasonHeartbeatToken = "heartbeat_token"
)

var ErrEmptyOverride = errors.New("override body must be non-empty")

// Resolver produces the reply for a heartbeat turn.
type Resolver interface {
	Resolve(ctx context.Context, msg bus.MsgContext, hooks reply.Hooks) (reply.Result, error)
}

// Toucher refreshes a session slot's idle clock.
type Toucher interface {
	Touch(key string, at time.Time) (bool, error)
}

type Outcome int

const (
	OutcomeSent Outcome = iota
	OutcomeSkipped
	OutcomeFailed
	OutcomeDryRun
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeDryRun:
		return "dry_run"
	default:
		return "failed"
	}
}

// TickResult reports what one cycle did.
type TickResult struct {
	Outcome    Outcome
	SkipReason string
	Err        error
	Payload    bus.ReplyPayload
}

// Options wires a Scheduler. Sessions and Bus may be nil.
type Options struct {
	Config   config.HeartbeatConfig
	Interval time.Duration
	Profile  string

	AssistantLabel   string
	AssistantPersona string

	Resolver Resolver
	Sender   channel.Sender
	Sessions Toucher
	Bus      *bus.Bus
	Logger   *slog.Logger
	Now      func() time.Time
}

// Scheduler runs heartbeat cycles. At most one cycle is in flight at a time.
type Scheduler struct {
	cfg      config.HeartbeatConfig
	to       string
	interval time.Duration
	profile  string
	label    string
	persona  string

	resolver Resolver
	sender   channel.Sender
	sessions Toucher
	bus      *bus.Bus
	log      *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	running bool
}

// ResolveInterval picks the override, then heartbeat.interval_seconds, then
// DefaultInterval when a recipient is configured. Zero disables heartbeats.
func ResolveInterval(override time.Duration, cfg config.HeartbeatConfig) time.Duration {
	if override > 0 {
		return override
	}
	if cfg.IntervalSeconds > 0 {
		return time.Duration(cfg.IntervalSeconds) * time.Second
	}
	if strings.TrimSpace(cfg.To) != "" {
		return DefaultInterval
	}

	return 0
}

func New(opts Options) (*Scheduler, error) {
	to := strings.TrimSpace(opts.Config.To)
	if to == "" {
		return nil, fmt.Errorf("%w: heartbeat.to is required", config.ErrInvalid)
	}
	if opts.Resolver == nil {
		return nil, errors.New("heartbeat resolver is required")
	}
	if opts.Sender == nil {
		return nil, errors.New("heartbeat sender is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Interval <= 0 {
		opts.Interval = ResolveInterval(0, opts.Config)
	}

	return &Scheduler{
		cfg:      opts.Config,
		to:       to,
		interval: opts.Interval,
		profile:  opts.Profile,
		label:    opts.AssistantLabel,
		persona:  opts.AssistantPersona,
		resolver: opts.Resolver,
		sender:   opts.Sender,
		sessions: opts.Sessions,
		bus:      opts.Bus,
		log:      opts.Logger.With("component", "heartbeat", "provider", opts.Sender.Name(), "to", to),
		now:      opts.Now,
	}, nil
}

// Interval returns the tick period.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Run ticks every interval until ctx is done. Cycles run in the background so
// a slow responder shows up as skipped ticks.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.interval <= 0 {
		return errors.New("heartbeat interval must be positive")
	}

	s.log.Info("Heartbeat scheduler started", "interval", s.interval, "dry_run", s.cfg.DryRun)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.Tick(ctx)
			}()
		}
	}
}

// Tick runs one heartbeat cycle. Failures are logged and reported, never
// returned as errors.
func (s *Scheduler) Tick(ctx context.Context) TickResult {
	if !s.start() {
		s.log.Info("Heartbeat skipped", "reason", ReasonAlreadyRunning)
		s.publish(ctx, bus.EventHeartbeatSkipped, "", ReasonAlreadyRunning, nil)
		return TickResult{Outcome: OutcomeSkipped, SkipReason: ReasonAlreadyRunning}
	}
	defer s.end()

	started := s.now()
	result, err := s.resolver.Resolve(ctx, s.heartbeatMessage(started), reply.Hooks{})
	if err != nil {
		s.log.Error("Heartbeat failed", "error", err)
		s.publish(ctx, bus.EventHeartbeatFailed, result.SessionKey, "", err)
		return TickResult{Outcome: OutcomeFailed, Err: err}
	}

	switch result.Kind {
	case reply.KindSuppressed:
		s.touch(result.SessionKey)
		s.log.Info("Heartbeat skipped", "reason", ReasonHeartbeatToken, "session_key", result.SessionKey)
		s.publish(ctx, bus.EventHeartbeatSkipped, result.SessionKey, ReasonHeartbeatToken, nil)
		return TickResult{Outcome: OutcomeSkipped, SkipReason: ReasonHeartbeatToken}
	case reply.KindEmpty:
		s.log.Info("Heartbeat skipped", "reason", ReasonEmptyReply)
		s.publish(ctx, bus.EventHeartbeatSkipped, result.SessionKey, ReasonEmptyReply, nil)
		return TickResult{Outcome: OutcomeSkipped, SkipReason: ReasonEmptyReply}
	}

	if s.cfg.DryRun {
		s.log.Info("[dry-run] heartbeat", "content", channel.PreviewText(result.Payload.Text), "media", len(result.Payload.Media()))
		return TickResult{Outcome: OutcomeDryRun, Payload: result.Payload}
	}

	if err := s.sender.Send(ctx, s.to, result.Payload); err != nil {
		s.log.Error("Heartbeat delivery failed", "error", err)
		s.publish(ctx, bus.EventHeartbeatFailed, result.SessionKey, "", err)
		return TickResult{Outcome: OutcomeFailed, Err: err, Payload: result.Payload}
	}

	s.log.Info("Heartbeat sent", "reply_chars", len(result.Payload.Text), "media", len(result.Payload.Media()), "duration", s.now().Sub(started))
	s.publish(ctx, bus.EventHeartbeatSent, result.SessionKey, "", nil)
	return TickResult{Outcome: OutcomeSent, Payload: result.Payload}
}

// SendManual delivers body to the recipient without running the resolver.
func (s *Scheduler) SendManual(ctx context.Context, body string) error {
	body = strings.TrimSpace(body)
	if body == "" {
		return ErrEmptyOverride
	}

	if s.cfg.DryRun {
		s.log.Info("[dry-run] manual heartbeat message", "content", channel.PreviewText(body))
		return nil
	}

	if err := s.sender.Send(ctx, s.to, bus.ReplyPayload{Text: body}); err != nil {
		return fmt.Errorf("send manual heartbeat: %w", err)
	}

	s.log.Info("Manual heartbeat message sent", "reply_chars", len(body))
	return nil
}

// heartbeatMessage builds the synthetic message for one cycle.
func (s *Scheduler) heartbeatMessage(at time.Time) bus.MsgContext {
	prompt := strings.TrimSpace(s.cfg.Prompt)
	if prompt == "" {
		prompt = defaultPrompt
	}

	provider := s.sender.Name()
	sentAt := at.UTC().Format("2006-01-02T15:04:05.000Z07:00")

	return bus.MsgContext{
		Body:             prompt,
		From:             s.to,
		To:               s.to,
		Provider:         provider,
		AssistantProfile: s.profile,
		AssistantLabel:   s.label,
		AssistantPersona: s.persona,
		SenderID:         s.to,
		SenderName:       s.to,
		ChannelID:        s.to,
		Heartbeat:        true,
		PromptPrefix:     fmt.Sprintf("[%s heartbeat] at %s:\n", provider, sentAt),
	}
}

// touch refreshes updatedAt so a suppressed heartbeat still counts as activity.
func (s *Scheduler) touch(key string) {
	if s.sessions == nil || key == "" {
		return
	}

	if _, err := s.sessions.Touch(key, s.now()); err != nil {
		s.log.Warn("Failed to refresh session after heartbeat", "session_key", key, "error", err)
	}
}

func (s *Scheduler) publish(ctx context.Context, eventType bus.EventType, sessionKey string, reason string, err error) {
	if s.bus == nil {
		return
	}

	event := bus.Event{
		Type:       eventType,
		Provider:   s.sender.Name(),
		From:       s.to,
		SessionKey: sessionKey,
	}
	if reason != "" {
		event.Payload = map[string]string{"reason": reason}
	}
	if err != nil {
		event.Error = err.Error()
	}
	s.bus.PublishEvent(context.WithoutCancel(ctx), event)
}

func (s *Scheduler) start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *Scheduler) end() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}
