package reply

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"chatrelay/pkg/bus"
	"chatrelay/pkg/config"
	"chatrelay/pkg/media"
	"chatrelay/pkg/session"
	"chatrelay/pkg/template"
	"chatrelay/pkg/workspace"

	"github.com/google/uuid"
)

const (
	outboundMediaSubdir      = "outbound"
	defaultTranscribeTimeout = 45 * time.Second
)

// Options wires a Resolver.
type Options struct {
	Reply      config.ReplyConfig
	Session    config.SessionConfig
	Transcribe config.TranscribeAudioConfig

	// Sessions enables continuity. Nil resolves every message as a fresh turn.
	Sessions *session.FileStore
	// Media resolves reply attachments. Nil passes references through unchanged.
	Media *media.Store

	Runner       Runner
	Logger       *slog.Logger
	Now          func() time.Time
	NewSessionID func() string
}

// Resolver produces replies. It is safe for concurrent use; turns that share a
// session key run one at a time.
type Resolver struct {
	reply      config.ReplyConfig
	session    config.SessionConfig
	transcribe config.TranscribeAudioConfig
	sessions   *session.FileStore
	media      *media.Store
	runner     Runner
	log        *slog.Logger
	now        func() time.Time
	newID      func() string
	locks      *keyedMutex
}

// turn is the session state for one resolution.
type turn struct {
	sessionID    string
	isNew        bool
	systemSent   bool
	bodyStripped string
	resetOnly    bool
}

// NewResolver validates opts and returns a Resolver.
func NewResolver(opts Options) (*Resolver, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Runner == nil {
		opts.Runner = ExecRunner{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewSessionID == nil {
		opts.NewSessionID = uuid.NewString
	}

	if opts.Reply.Mode == "" {
		opts.Reply.Mode = config.ReplyModeText
	}
	if opts.Reply.Mode == config.ReplyModeCommand && len(opts.Reply.Command) == 0 {
		return nil, fmt.Errorf("%w: reply.command is required in command mode", config.ErrInvalid)
	}

	if cwd := strings.TrimSpace(opts.Reply.Cwd); cwd != "" {
		resolved, err := workspace.ResolveDir(cwd)
		if err != nil {
			return nil, fmt.Errorf("resolve reply.cwd: %w", err)
		}
		opts.Reply.Cwd = resolved
	}

	return &Resolver{
		reply:      opts.Reply,
		session:    opts.Session,
		transcribe: opts.Transcribe,
		sessions:   opts.Sessions,
		media:      opts.Media,
		runner:     opts.Runner,
		log:        opts.Logger.With("component", "reply.resolver"),
		now:        opts.Now,
		newID:      opts.NewSessionID,
		locks:      newKeyedMutex(),
	}, nil
}

// SessionKey returns the slot msg maps to.
func (r *Resolver) SessionKey(msg bus.MsgContext) string {
	return session.DeriveKey(r.session.Scope, msg)
}

// Resolve produces the reply for msg. Command failures and timeouts are returned
// as errors; hook failures are ignored.
func (r *Resolver) Resolve(ctx context.Context, msg bus.MsgContext, hooks Hooks) (Result, error) {
	started := r.now()
	key := r.SessionKey(msg)

	unlock := r.locks.Lock(key)
	defer unlock()

	msg = r.transcribeAudio(ctx, msg)

	t, err := r.beginTurn(key, msg, started)
	if err != nil {
		return Result{SessionKey: key}, err
	}

	result := Result{SessionKey: key, SessionID: t.sessionID, IsNewSession: t.isNew}

	if t.resetOnly {
		result.Kind = KindDelivered
		result.Payload = bus.ReplyPayload{Text: resetAck}
		result.Duration = r.now().Sub(started)
		r.log.Info("Session reset by trigger", "session_key", key)
		return result, nil
	}

	tctx := r.templateContext(msg, &t)

	var out responderOutput
	if r.reply.Mode == config.ReplyModeCommand {
		out, err = r.runCommand(ctx, tctx, t, hooks)
		if err != nil {
			result.Duration = r.now().Sub(started)
			return result, err
		}
	} else {
		out.Text = strings.TrimSpace(template.Render(r.reply.Text, tctx))
	}

	if out.SessionID != "" && r.sessions != nil {
		t.sessionID = out.SessionID
		result.SessionID = out.SessionID
	}

	refs := out.Media
	if configured := strings.TrimSpace(template.Render(r.reply.MediaURL, tctx)); configured != "" {
		refs = append([]string{configured}, refs...)
	}
	mediaPaths, err := r.resolveMedia(ctx, refs)
	if err != nil {
		result.Duration = r.now().Sub(started)
		return result, err
	}

	text := out.Text
	if strings.Contains(text, HeartbeatToken) {
		stripped, skip := StripHeartbeatToken(text)
		if skip && len(mediaPaths) == 0 {
			r.finishTurn(key, t, r.now(), false)
			result.Kind = KindSuppressed
			result.Duration = r.now().Sub(started)
			r.log.Info("Reply suppressed by heartbeat token", "session_key", key, "heartbeat", msg.Heartbeat)
			return result, nil
		}
		text = stripped
	}

	payload := bus.ReplyPayload{Text: text}
	if len(mediaPaths) > 0 {
		payload.MediaURL = mediaPaths[0]
		payload.MediaURLs = mediaPaths
	}

	r.finishTurn(key, t, r.now(), true)

	result.Payload = payload
	result.Kind = KindDelivered
	if payload.IsEmpty() {
		result.Kind = KindEmpty
	}
	result.Duration = r.now().Sub(started)

	r.log.Info("Reply resolved",
		"session_key", key,
		"session_id", result.SessionID,
		"new_session", result.IsNewSession,
		"kind", result.Kind.String(),
		"reply_chars", len(payload.Text),
		"media", len(mediaPaths),
		"duration", result.Duration,
	)

	return result, nil
}

// beginTurn applies the reset and idle policy. Slots that are reset or expired
// are removed before the responder runs.
func (r *Resolver) beginTurn(key string, msg bus.MsgContext, now time.Time) (turn, error) {
	policy := session.PolicyFromConfig(r.session, msg.Heartbeat)

	if r.sessions == nil {
		decision := policy.Evaluate(session.Entry{}, false, msg.Body, now)
		return turn{isNew: true, bodyStripped: decision.BodyStripped, resetOnly: decision.ResetOnly}, nil
	}

	existing, found, err := r.sessions.Get(key)
	if err != nil {
		return turn{}, fmt.Errorf("load session: %w", err)
	}

	decision := policy.Evaluate(existing, found, msg.Body, now)

	t := turn{
		isNew:        decision.IsNew,
		bodyStripped: decision.BodyStripped,
		resetOnly:    decision.ResetOnly,
	}

	if !decision.IsNew {
		t.sessionID = decision.Entry.SessionID
		t.systemSent = decision.Entry.SystemSent
		return t, nil
	}

	if found {
		reason := "expired"
		if decision.Reset {
			reason = "reset_trigger"
		}
		r.log.Info("Starting new session", "session_key", key, "reason", reason, "previous_session_id", existing.SessionID)
		if err := r.sessions.Delete(key); err != nil {
			r.log.Warn("Failed to clear session slot", "session_key", key, "error", err)
		}
	}

	t.sessionID = r.newID()
	return t, nil
}

// templateContext builds the template view and the final prompt in Body:
// heartbeat prefix, then reply.template, then the session intro, then
// reply.body_prefix, then the stripped body.
func (r *Resolver) templateContext(msg bus.MsgContext, t *turn) *template.Context {
	tctx := &template.Context{
		MsgContext:   msg,
		BodyStripped: t.bodyStripped,
		SessionID:    t.sessionID,
		IsNewSession: t.isNew,
	}

	body := t.bodyStripped
	if prefix := template.Render(r.reply.BodyPrefix, tctx); prefix != "" {
		body = prefix + body
	}

	if intro := strings.TrimSpace(r.session.Intro); intro != "" {
		inject := t.isNew
		if r.session.SendSystemOnce {
			inject = !t.systemSent
		}
		if inject {
			body = joinParagraphs(template.Render(intro, tctx), body)
			t.systemSent = true
		}
	}

	if prefix := strings.TrimSpace(template.Render(r.reply.Template, tctx)); prefix != "" {
		body = joinParagraphs(prefix, body)
	}

	if msg.PromptPrefix != "" {
		body = msg.PromptPrefix + body
	}

	tctx.Body = body
	return tctx
}

func (r *Resolver) runCommand(ctx context.Context, tctx *template.Context, t turn, hooks Hooks) (responderOutput, error) {
	argv := r.withSessionArgs(template.RenderAll(r.reply.Command, tctx), tctx, t)

	timeout := DefaultTimeout
	if r.reply.TimeoutSeconds > 0 {
		timeout = time.Duration(r.reply.TimeoutSeconds) * time.Second
	}

	stopTyping := r.startTyping(ctx, hooks)
	defer stopTyping()

	r.log.Debug("Running reply command", "argv0", argv[0], "args", len(argv)-1, "new_session", t.isNew, "timeout", timeout)

	output, err := r.runner.Run(ctx, Command{Argv: argv, Dir: r.reply.Cwd, Timeout: timeout})
	if err != nil {
		r.log.Error("Reply command failed", "argv0", argv[0], "exit_code", output.ExitCode, "duration", output.Duration, "error", err)
		return responderOutput{}, err
	}

	return parseOutput(output.Stdout, r.reply.OutputFormat), nil
}

// withSessionArgs injects the new or resume arguments. They go before the final
// (body) argument unless session.arg_before_body is false.
func (r *Resolver) withSessionArgs(argv []string, tctx *template.Context, t turn) []string {
	if r.sessions == nil || t.sessionID == "" {
		return argv
	}

	args := r.session.ArgResume
	if t.isNew {
		args = r.session.ArgNew
	}
	if len(args) == 0 {
		return argv
	}

	rendered := template.RenderAll(args, tctx)
	if r.session.ArgBeforeBody && len(argv) > 1 {
		return slices.Insert(slices.Clone(argv), len(argv)-1, rendered...)
	}

	return append(slices.Clone(argv), rendered...)
}

// startTyping fires OnReplyStart now and every typing interval until stopped.
func (r *Resolver) startTyping(ctx context.Context, hooks Hooks) func() {
	if hooks.OnReplyStart == nil {
		return func() {}
	}

	typingCtx, cancel := context.WithCancel(ctx)
	r.fireHook(typingCtx, hooks.OnReplyStart)

	interval := time.Duration(r.reply.TypingIntervalSeconds) * time.Second
	if interval <= 0 {
		return cancel
	}

	done := make(chan struct{})
	go func() {
		defer close(done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-typingCtx.Done():
				return
			case <-ticker.C:
				r.fireHook(typingCtx, hooks.OnReplyStart)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (r *Resolver) fireHook(ctx context.Context, hook func(context.Context) error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			r.log.Warn("Reply hook panicked", "panic", fmt.Sprint(recovered))
		}
	}()

	if err := hook(ctx); err != nil && ctx.Err() == nil {
		r.log.Debug("Reply hook failed", "error", err)
	}
}

// resolveMedia copies each reference into the media store. Failures drop the
// attachment unless reply.media_required is set.
func (r *Resolver) resolveMedia(ctx context.Context, refs []string) ([]string, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	resolved := make([]string, 0, len(refs))
	for _, ref := range refs {
		if r.media == nil {
			resolved = append(resolved, ref)
			continue
		}

		source := ref
		var err error
		if !media.LooksLikeURL(ref) && !strings.HasPrefix(ref, "file://") {
			source, err = workspace.ResolveWithin(r.reply.Cwd, ref)
		}

		var saved media.Saved
		if err == nil {
			saved, err = r.media.Save(ctx, source, nil, outboundMediaSubdir)
		}
		if err != nil {
			if r.reply.MediaRequired {
				return nil, fmt.Errorf("resolve reply media %s: %w", ref, err)
			}
			attrs := []any{"media", ref, "error", err}
			if category := workspace.CategoryOf(err); category != "" {
				attrs = append(attrs, "category", category)
			}
			r.log.Warn("Dropping reply media", attrs...)
			continue
		}
		resolved = append(resolved, saved.Path)
	}

	return resolved, nil
}

// finishTurn persists the slot. touch=false keeps updatedAt of a resumed slot,
// which is how suppressed heartbeat replies leave idle tracking to the caller.
func (r *Resolver) finishTurn(key string, t turn, at time.Time, touch bool) {
	if r.sessions == nil || t.sessionID == "" {
		return
	}

	_, err := r.sessions.Update(key, func(existing session.Entry, found bool) (session.Entry, bool) {
		entry := existing
		if !found || t.isNew {
			entry = session.Entry{CreatedAt: at.UnixMilli(), UpdatedAt: at.UnixMilli()}
		}
		entry.SessionID = t.sessionID
		entry.SystemSent = entry.SystemSent || t.systemSent
		if touch {
			entry.UpdatedAt = at.UnixMilli()
		}
		return entry, true
	})
	if err != nil {
		r.log.Error("Failed to persist session", "session_key", key, "error", err)
	}
}

// transcribeAudio replaces Body with the transcript of an audio attachment when
// a transcription command is configured. Failures keep the original message.
func (r *Resolver) transcribeAudio(ctx context.Context, msg bus.MsgContext) bus.MsgContext {
	if len(r.transcribe.Command) == 0 || !strings.HasPrefix(strings.ToLower(msg.MediaType), "audio") {
		return msg
	}

	if msg.MediaPath == "" && msg.MediaURL != "" && r.media != nil {
		saved, err := r.media.Save(ctx, msg.MediaURL, nil, media.InboundSubdir)
		if err != nil {
			r.log.Warn("Failed to fetch audio for transcription", "error", err)
			return msg
		}
		msg.MediaPath = saved.Path
	}
	if msg.MediaPath == "" {
		return msg
	}

	timeout := defaultTranscribeTimeout
	if r.transcribe.TimeoutSeconds > 0 {
		timeout = time.Duration(r.transcribe.TimeoutSeconds) * time.Second
	}

	argv := template.RenderAll(r.transcribe.Command, &template.Context{MsgContext: msg})
	output, err := r.runner.Run(ctx, Command{Argv: argv, Dir: r.reply.Cwd, Timeout: timeout})
	if err != nil {
		r.log.Warn("Audio transcription failed", "error", err)
		return msg
	}

	transcript := strings.TrimSpace(output.Stdout)
	if transcript == "" {
		return msg
	}

	msg.Transcript = transcript
	msg.Body = transcript
	return msg
}

func joinParagraphs(first string, second string) string {
	switch {
	case first == "":
		return second
	case second == "":
		return first
	default:
		return first + "\n\n" + second
	}
}
