// Package runtime runs the coding agent as a subprocess.
package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	maxOutputSize = 10 * 1024 // 10KB
	// defaultWaitDelay bounds how long a run waits for output pipes after
	// the agent is killed; grandchildren may still hold them open.
	defaultWaitDelay = 5 * time.Second
)

// ErrCanceled reports a run stopped because the caller's context was
// cancelled. The agent did not fail; the ticket can be resumed later.
var ErrCanceled = fmt.Errorf("runtime: run canceled: %w", context.Canceled)

// Environment variables passed to the agent so its hooks can find the ticket.
const (
	EnvTicketID  = "BABYSITTER_TICKET_ID"
	EnvPageID    = "BABYSITTER_PAGE_ID"
	EnvSessionID = "CLAUDE_SESSION_ID"
)

// Config describes how to launch the agent.
type Config struct {
	// Command is the argv prefix, e.g. ["claude"].
	Command []string
	// Flags are appended after the session arguments, e.g.
	// ["--mcp-config", "mcp-config.json", "--dangerously-skip-permissions"].
	Flags   []string
	WorkDir string
	Timeout time.Duration // 0 = no limit
	// WaitDelay is how long to wait for output after the agent is killed.
	WaitDelay time.Duration
	Env     []string
}

// Invocation is one agent run.
type Invocation struct {
	SessionID string
	Prompt    string // the task on start, the human's answer on resume
	TicketID  string
	PageID    string
}

// ExitError reports a run that exited non-zero.
type ExitError struct {
	Code   int
	Output string // tail of combined output
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("runtime: agent exited with code %d", e.Code)
}

// Runtime launches agent processes.
type Runtime struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Runtime.
func New(cfg Config, logger *slog.Logger) *Runtime {
	if len(cfg.Command) == 0 {
		cfg.Command = []string{"claude"}
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = defaultWaitDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{cfg: cfg, logger: logger}
}

// Start begins a new session with the initial prompt.
func (r *Runtime) Start(ctx context.Context, inv Invocation) error {
	return r.run(ctx, inv, "--session-id")
}

// Resume continues an existing session, feeding the answer on stdin.
func (r *Runtime) Resume(ctx context.Context, inv Invocation) error {
	return r.run(ctx, inv, "--resume")
}

func (r *Runtime) run(ctx context.Context, inv Invocation, sessionFlag string) error {
	if inv.SessionID == "" {
		return fmt.Errorf("runtime: session id is required")
	}

	parent := ctx
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	args := append([]string{}, r.cfg.Command[1:]...)
	args = append(args, "-p", sessionFlag, inv.SessionID)
	args = append(args, r.cfg.Flags...)

	cmd := exec.CommandContext(ctx, r.cfg.Command[0], args...)
	if r.cfg.WorkDir != "" {
		cmd.Dir = r.cfg.WorkDir
	}
	cmd.Env = append(os.Environ(), r.cfg.Env...)
	cmd.Env = append(cmd.Env,
		EnvSessionID+"="+inv.SessionID,
		EnvTicketID+"="+inv.TicketID,
		EnvPageID+"="+inv.PageID,
	)
	cmd.Stdin = strings.NewReader(inv.Prompt)
	cmd.WaitDelay = r.cfg.WaitDelay

	out := &tailBuffer{max: maxOutputSize}
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	r.logger.Info("agent run starting", "session", inv.SessionID, "ticket", inv.TicketID, "mode", strings.TrimPrefix(sessionFlag, "--"))

	err := cmd.Run()
	elapsed := time.Since(start).Round(time.Millisecond)
	if err != nil {
		if parent.Err() != nil {
			r.logger.Warn("agent run canceled", "session", inv.SessionID, "elapsed", elapsed)
			return ErrCanceled
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			r.logger.Warn("agent run failed", "session", inv.SessionID, "code", exitErr.ExitCode(), "elapsed", elapsed)
			return &ExitError{Code: exitErr.ExitCode(), Output: out.String()}
		}
		return fmt.Errorf("runtime: run %s: %w", r.cfg.Command[0], err)
	}

	r.logger.Info("agent run finished", "session", inv.SessionID, "elapsed", elapsed)
	r.logger.Debug("agent output", "session", inv.SessionID, "output", out.String())
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
