package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatrelay/pkg/bus"
	"chatrelay/pkg/channel"
	"chatrelay/pkg/config"
	"chatrelay/pkg/heartbeat"
	"chatrelay/pkg/metrics"
	"chatrelay/pkg/reply"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const (
	defaultStatusHost = "127.0.0.1"
	defaultStatusPort = 18790

	dedupeCacheSize = 2048
	dedupeTTL       = 10 * time.Minute
)

// Resolver turns one inbound message into a reply.
type Resolver interface {
	Resolve(ctx context.Context, msg bus.MsgContext, hooks reply.Hooks) (reply.Result, error)
}

// Options wires a Service. Heartbeat, Sessions, Bus, Metrics and Gatherer may
// be nil.
type Options struct {
	Config    *config.Config
	Profile   string
	Resolver  Resolver
	Adapters  []channel.Adapter
	Heartbeat *heartbeat.Scheduler
	Sessions  heartbeat.Toucher
	Bus       *bus.Bus
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer
	Logger    *slog.Logger
	Now       func() time.Time
}

// Service runs the channel adapters, the heartbeat scheduler and the status
// server, and routes every inbound message through the resolver.
type Service struct {
	cfg       *config.Config
	profile   string
	log       *slog.Logger
	resolver  Resolver
	channels  []channel.Adapter
	heartbeat *heartbeat.Scheduler
	sessions  heartbeat.Toucher
	bus       *bus.Bus
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
	now       func() time.Time

	dedupeMu sync.Mutex
	seen     *lru.Cache[string, time.Time]

	mu            sync.RWMutex
	startedAt     time.Time
	lastReplyAt   time.Time
	lastReplyErr  string
	channelStates map[string]channelState
}

type channelState struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

type statusResponse struct {
	Status        string                  `json:"status"`
	Profile       string                  `json:"profile,omitempty"`
	UptimeSeconds int64                   `json:"uptime_seconds"`
	LastReplyAt   string                  `json:"last_reply_at,omitempty"`
	LastReplyErr  string                  `json:"last_reply_error,omitempty"`
	Heartbeat     string                  `json:"heartbeat,omitempty"`
	Channels      map[string]channelState `json:"channels"`
}

func NewService(opts Options) (*Service, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Resolver == nil {
		return nil, errors.New("resolver is required")
	}
	if len(opts.Adapters) == 0 {
		return nil, errors.New("at least one channel adapter is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	seen, err := lru.New[string, time.Time](dedupeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("initialize message deduper: %w", err)
	}

	channelStates := make(map[string]channelState, len(opts.Adapters))
	for _, adapter := range opts.Adapters {
		channelStates[adapter.Name()] = channelState{}
	}

	return &Service{
		cfg:           opts.Config,
		profile:       opts.Profile,
		log:           opts.Logger.With("component", "gateway.service"),
		resolver:      opts.Resolver,
		channels:      opts.Adapters,
		heartbeat:     opts.Heartbeat,
		sessions:      opts.Sessions,
		bus:           opts.Bus,
		metrics:       opts.Metrics,
		gatherer:      opts.Gatherer,
		now:           opts.Now,
		seen:          seen,
		channelStates: channelStates,
	}, nil
}

// Run blocks until ctx is done or a component fails. Adapter failures stop the
// whole service.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = s.now().UTC()
	s.mu.Unlock()

	group, groupCtx := errgroup.WithContext(ctx)

	server, addr := s.statusServer(groupCtx)
	group.Go(func() error {
		s.log.Info("Gateway status server started", "address", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("start status server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(groupCtx), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if s.metrics != nil && s.bus != nil {
		group.Go(func() error {
			s.metrics.Consume(groupCtx, s.bus)
			return nil
		})
	}

	if s.heartbeat != nil {
		group.Go(func() error {
			return s.heartbeat.Run(groupCtx)
		})
	}

	for _, adapter := range s.channels {
		s.setChannelState(adapter.Name(), channelState{Running: true})

		group.Go(func() error {
			err := adapter.Run(groupCtx, s.HandleInbound)
			s.setChannelState(adapter.Name(), channelState{Running: false, Error: errorString(err)})
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("run %s channel: %w", adapter.Name(), err)
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil && ctx.Err() == nil {
		return err
	}

	return nil
}

// HandleInbound is the channel.Handler for every adapter. Redelivered message
// ids are dropped, failures are logged and returned to the adapter.
func (s *Service) HandleInbound(ctx context.Context, msg bus.MsgContext, hooks reply.Hooks) (bus.ReplyPayload, error) {
	if s.isDuplicate(msg.MessageSid) {
		s.log.Debug("Duplicate message skipped", "provider", msg.Provider, "message_sid", msg.MessageSid)
		s.metrics.Duplicate(msg.Provider)
		return bus.ReplyPayload{}, nil
	}

	if msg.AssistantProfile == "" {
		msg.AssistantProfile = s.profile
	}

	release := s.metrics.TrackInFlight()
	result, err := s.resolver.Resolve(ctx, msg, hooks)
	release()

	event := bus.Event{
		Provider:   msg.Provider,
		From:       msg.From,
		MessageSid: msg.MessageSid,
		SessionKey: result.SessionKey,
		SessionID:  result.SessionID,
		NewSession: result.IsNewSession,
		Duration:   result.Duration,
	}

	if err != nil {
		s.recordReply(err)
		event.Type = bus.EventReplyFailed
		event.Error = err.Error()
		s.bus.PublishEvent(ctx, event)
		s.log.Error("Reply failed", "provider", msg.Provider, "from", msg.From, "session_key", result.SessionKey, "error", err)
		return bus.ReplyPayload{}, err
	}
	s.recordReply(nil)

	switch result.Kind {
	case reply.KindSuppressed:
		s.touch(result.SessionKey)
		event.Type = bus.EventReplySuppressed
		s.bus.PublishEvent(ctx, event)
		return bus.ReplyPayload{}, nil
	case reply.KindEmpty:
		event.Type = bus.EventReplyEmpty
		s.bus.PublishEvent(ctx, event)
		return bus.ReplyPayload{}, nil
	}

	event.Type = bus.EventReplyResolved
	event.Payload = map[string]string{
		"reply_chars": strconv.Itoa(len(result.Payload.Text)),
		"media":       strconv.Itoa(len(result.Payload.Media())),
	}
	s.bus.PublishEvent(ctx, event)

	return result.Payload, nil
}

// Handler returns the status mux: /healthz, /readyz and /metrics.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func (s *Service) statusServer(ctx context.Context) (*http.Server, string) {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultStatusHost
	}

	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = config.ProfilePort(defaultStatusPort, s.profile)
	}

	addr := host + ":" + strconv.Itoa(port)
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}, addr
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	payload := s.currentStatus(status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(s.now().Sub(s.startedAt).Seconds())
	}

	channels := make(map[string]channelState, len(s.channelStates))
	for name, state := range s.channelStates {
		channels[name] = state
	}

	lastReply := ""
	if !s.lastReplyAt.IsZero() {
		lastReply = s.lastReplyAt.Format(time.RFC3339)
	}

	heartbeatInterval := ""
	if s.heartbeat != nil {
		heartbeatInterval = s.heartbeat.Interval().String()
	}

	return statusResponse{
		Status:        status,
		Profile:       s.profile,
		UptimeSeconds: uptime,
		LastReplyAt:   lastReply,
		LastReplyErr:  s.lastReplyErr,
		Heartbeat:     heartbeatInterval,
		Channels:      channels,
	}
}

// isReady reports whether at least one channel is running.
func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, state := range s.channelStates {
		if state.Running {
			return true
		}
	}

	return false
}

func (s *Service) isDuplicate(messageSid string) bool {
	if messageSid == "" {
		return false
	}

	s.dedupeMu.Lock()
	defer s.dedupeMu.Unlock()

	now := s.now()
	if seenAt, ok := s.seen.Get(messageSid); ok {
		if now.Sub(seenAt) <= dedupeTTL {
			return true
		}
		s.seen.Remove(messageSid)
	}
	s.seen.Add(messageSid, now)
	return false
}

// touch keeps a sentinel-only turn counting as activity.
func (s *Service) touch(key string) {
	if s.sessions == nil || key == "" {
		return
	}

	if _, err := s.sessions.Touch(key, s.now()); err != nil {
		s.log.Warn("Failed to refresh session", "session_key", key, "error", err)
	}
}

func (s *Service) recordReply(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.lastReplyErr = err.Error()
		return
	}
	s.lastReplyErr = ""
	s.lastReplyAt = s.now().UTC()
}

func (s *Service) setChannelState(name string, state channelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelStates[name] = state
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
