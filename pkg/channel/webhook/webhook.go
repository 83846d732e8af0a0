// Package webhook accepts messages as signed JSON POSTs and answers each with
// the resolved reply.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chatrelay/pkg/bus"
	"chatrelay/pkg/channel"
	"chatrelay/pkg/config"
	"chatrelay/pkg/reply"
)

const (
	channelName     = "webhook"
	SignatureHeader = "X-Signature-256"
	signaturePrefix = "sha256="
	maxRequestBytes = 1 << 20
	defaultHost     = "127.0.0.1"
	defaultPort     = 42873
	defaultPath     = "/webhook"
)

// Adapter serves the webhook endpoint.
type Adapter struct {
	cfg config.WebhookConfig
	log *slog.Logger
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewAdapter(cfg config.WebhookConfig, log *slog.Logger) (*Adapter, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("%w: channels.webhook.port %d out of range", config.ErrInvalid, cfg.Port)
	}
	if log == nil {
		log = slog.Default()
	}

	return &Adapter{cfg: cfg, log: log.With("component", "channel.webhook")}, nil
}

func (a *Adapter) Name() string {
	return channelName
}

// Addr returns the configured listen address.
func (a *Adapter) Addr() string {
	host := strings.TrimSpace(a.cfg.Host)
	if host == "" {
		host = defaultHost
	}
	port := a.cfg.Port
	if port == 0 {
		port = defaultPort
	}

	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Run serves until ctx is done.
func (a *Adapter) Run(ctx context.Context, handler channel.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	mux := http.NewServeMux()
	mux.Handle(a.path(), a.Handler(handler))

	server := &http.Server{
		Addr:              a.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	a.log.Info("Webhook channel started", "address", server.Addr, "path", a.path(), "signed", a.cfg.Secret != "")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start webhook server: %w", err)
	}

	return nil
}

// Handler returns the HTTP handler for the webhook path.
func (a *Adapter) Handler(handler channel.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
			return
		}

		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
		if err != nil {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request too large"})
			return
		}

		if !a.verify(raw, r.Header.Get(SignatureHeader)) {
			a.log.Warn("Rejected webhook with bad signature", "remote", r.RemoteAddr)
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid signature"})
			return
		}

		var msg bus.MsgContext
		if err := json.Unmarshal(raw, &msg); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
			return
		}
		if strings.TrimSpace(msg.Body) == "" && msg.MediaURL == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "body or media_url is required"})
			return
		}

		// Only the scheduler may mark heartbeat turns.
		msg.Heartbeat = false
		msg.PromptPrefix = ""
		msg.MediaPath = ""
		if msg.Provider == "" {
			msg.Provider = channelName
		}

		a.log.Info("Webhook inbound message", "from", msg.From, "message_sid", msg.MessageSid, "content", channel.PreviewText(msg.Body))

		payload, err := handler(r.Context(), msg, reply.Hooks{})
		if err != nil {
			a.log.Error("Webhook reply failed", "from", msg.From, "error", err)
			writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
			return
		}
		if payload.IsEmpty() {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		writeJSON(w, http.StatusOK, bus.ReplyPayload{Text: payload.Text, MediaURLs: payload.Media()})
	})
}

// Sign returns the signature header value for body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

func (a *Adapter) verify(body []byte, header string) bool {
	if a.cfg.Secret == "" {
		return true
	}

	return hmac.Equal([]byte(Sign(a.cfg.Secret, body)), []byte(strings.TrimSpace(header)))
}

func (a *Adapter) path() string {
	path := strings.TrimSpace(a.cfg.Path)
	if path == "" {
		return defaultPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
