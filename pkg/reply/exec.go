package reply

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	DefaultTimeout = 600 * time.Second

	// waitDelay bounds how long Wait blocks on pipes held open by stray
	// descendants after the process group was killed.
	waitDelay = 2 * time.Second

	maxStdoutBytes = 4 << 20
	maxStderrBytes = 64 << 10
)

// Command is one responder invocation.
type Command struct {
	Argv    []string
	Dir     string
	Stdin   string
	Timeout time.Duration
}

// CommandOutput is what a finished command produced.
type CommandOutput struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Runner executes responder commands.
type Runner interface {
	Run(ctx context.Context, cmd Command) (CommandOutput, error)
}

// ExecRunner runs commands as child processes in their own process group so a
// timeout kills the whole tree.
type ExecRunner struct {
	// Env is appended to the inherited environment.
	Env []string
}

// Run starts cmd and waits for it. It returns ErrCommandTimeout when the timeout
// fires, a *CommandError for non-zero exits, and ctx.Err() on cancellation.
func (r ExecRunner) Run(ctx context.Context, cmd Command) (CommandOutput, error) {
	if len(cmd.Argv) == 0 || strings.TrimSpace(cmd.Argv[0]) == "" {
		return CommandOutput{}, &CommandError{ExitCode: -1, Err: errors.New("empty command")}
	}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if cmd.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
	}
	defer cancel()

	child := exec.CommandContext(runCtx, cmd.Argv[0], cmd.Argv[1:]...)
	child.Dir = cmd.Dir
	if len(r.Env) > 0 {
		child.Env = append(child.Environ(), r.Env...)
	}
	if cmd.Stdin != "" {
		child.Stdin = strings.NewReader(cmd.Stdin)
	}

	stdout := &limitedBuffer{Limit: maxStdoutBytes}
	stderr := &limitedBuffer{Limit: maxStderrBytes}
	child.Stdout = stdout
	child.Stderr = stderr
	child.WaitDelay = waitDelay
	killProcessGroupOnCancel(child)

	started := time.Now()
	runErr := child.Run()

	output := CommandOutput{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: -1,
		Duration: time.Since(started),
	}
	if child.ProcessState != nil {
		output.ExitCode = child.ProcessState.ExitCode()
	}

	// A clean exit wins even when the deadline fired while Wait returned.
	if runErr == nil {
		return output, nil
	}
	if ctx.Err() != nil {
		return output, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return output, fmt.Errorf("%w after %s", ErrCommandTimeout, cmd.Timeout)
	}
	return output, &CommandError{ExitCode: output.ExitCode, Stderr: strings.TrimSpace(output.Stderr), Err: runErr}
}

// limitedBuffer keeps the first Limit bytes and silently drops the rest so a
// chatty child never blocks on a full pipe.
type limitedBuffer struct {
	Limit     int
	Truncated bool
	buf       bytes.Buffer
}

func (w *limitedBuffer) Write(p []byte) (int, error) {
	if w.Limit <= 0 {
		return w.buf.Write(p)
	}
	remaining := w.Limit - w.buf.Len()
	if remaining <= 0 {
		w.Truncated = true
		return len(p), nil
	}
	if len(p) <= remaining {
		return w.buf.Write(p)
	}
	_, _ = w.buf.Write(p[:remaining])
	w.Truncated = true
	return len(p), nil
}

func (w *limitedBuffer) String() string {
	return w.buf.String()
}
