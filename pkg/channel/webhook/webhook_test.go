package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chatrelay/pkg/bus"
	"chatrelay/pkg/config"
	"chatrelay/pkg/reply"

	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, cfg config.WebhookConfig, handler func(context.Context, bus.MsgContext, reply.Hooks) (bus.ReplyPayload, error)) *httptest.Server {
	t.Helper()

	adapter, err := NewAdapter(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	server := httptest.NewServer(adapter.Handler(handler))
	t.Cleanup(server.Close)
	return server
}

func post(t *testing.T, server *httptest.Server, body string, signature string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, server.URL, strings.NewReader(body))
	require.NoError(t, err)
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}

	resp, err := server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func echoHandler(_ context.Context, msg bus.MsgContext, _ reply.Hooks) (bus.ReplyPayload, error) {
	return bus.ReplyPayload{Text: "Echo: " + msg.Body + " via " + msg.Provider}, nil
}

func TestWebhookReturnsPayload(t *testing.T) {
	server := newTestServer(t, config.WebhookConfig{}, echoHandler)

	resp := post(t, server, `{"body":"hi","from":"+100"}`, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var payload bus.ReplyPayload
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Equal(t, "Echo: hi via webhook", payload.Text)
}

func TestWebhookNoReplyIs204(t *testing.T) {
	server := newTestServer(t, config.WebhookConfig{}, func(context.Context, bus.MsgContext, reply.Hooks) (bus.ReplyPayload, error) {
		return bus.ReplyPayload{}, nil
	})

	resp := post(t, server, `{"body":"hi"}`, "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestWebhookHandlerErrorIs502(t *testing.T) {
	server := newTestServer(t, config.WebhookConfig{}, func(context.Context, bus.MsgContext, reply.Hooks) (bus.ReplyPayload, error) {
		return bus.ReplyPayload{}, reply.ErrCommandTimeout
	})

	resp := post(t, server, `{"body":"hi"}`, "")
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	var body errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Contains(t, body.Error, "timed out")
}

func TestWebhookRejectsBadRequests(t *testing.T) {
	server := newTestServer(t, config.WebhookConfig{}, echoHandler)

	require.Equal(t, http.StatusBadRequest, post(t, server, `not json`, "").StatusCode)
	require.Equal(t, http.StatusBadRequest, post(t, server, `{"body":"  "}`, "").StatusCode)

	resp, err := server.Client().Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestWebhookVerifiesSignature(t *testing.T) {
	server := newTestServer(t, config.WebhookConfig{Secret: "s3cret"}, echoHandler)
	body := `{"body":"hi"}`

	require.Equal(t, http.StatusUnauthorized, post(t, server, body, "").StatusCode)
	require.Equal(t, http.StatusUnauthorized, post(t, server, body, Sign("wrong", []byte(body))).StatusCode)
	require.Equal(t, http.StatusOK, post(t, server, body, Sign("s3cret", []byte(body))).StatusCode)
}

func TestWebhookStripsSchedulerFields(t *testing.T) {
	var seen bus.MsgContext
	server := newTestServer(t, config.WebhookConfig{}, func(_ context.Context, msg bus.MsgContext, _ reply.Hooks) (bus.ReplyPayload, error) {
		seen = msg
		return bus.ReplyPayload{Text: "ok"}, nil
	})

	resp := post(t, server, `{"body":"hi","heartbeat":true,"prompt_prefix":"x","media_path":"/etc/passwd","provider":"sms"}`, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.False(t, seen.Heartbeat)
	require.Empty(t, seen.PromptPrefix)
	require.Empty(t, seen.MediaPath)
	require.Equal(t, "sms", seen.Provider)
}

func TestAdapterAddrDefaults(t *testing.T) {
	adapter, err := NewAdapter(config.WebhookConfig{}, nil)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:42873", adapter.Addr())
	require.Equal(t, "/webhook", adapter.path())

	adapter, err = NewAdapter(config.WebhookConfig{Host: "0.0.0.0", Port: 9000, Path: "hooks/in"}, nil)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9000", adapter.Addr())
	require.Equal(t, "/hooks/in", adapter.path())

	_, err = NewAdapter(config.WebhookConfig{Port: 70000}, nil)
	require.True(t, errors.Is(err, config.ErrInvalid))
}
