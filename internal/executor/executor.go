// Package executor runs tasks by spawning the configured worker command as
// a constrained child process: argv only (no shell), workspace-jailed
// working directory, stdin closed, inherited environment plus CI=true,
// SIGTERM on timeout with a bounded kill escalation.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ocx/bridge/internal/task"
)

const (
	// maxOutputBytes caps stdout collection; past it the child keeps
	// running but further output is dropped.
	maxOutputBytes = 10 << 20

	stderrTailBytes = 8 * 1024

	// killDelay is how long a child gets between SIGTERM and SIGKILL.
	killDelay = 5 * time.Second
)

// Options configures the executor.
type Options struct {
	Command       string
	ExtraArgs     []string
	Allowed       []string
	WorkspaceRoot string
	MaxTimeout    time.Duration
}

// Executor spawns one child per task and tracks them for cancellation.
type Executor struct {
	opts   Options
	mock   bool
	logger *slog.Logger

	mu       sync.Mutex
	children map[string]*exec.Cmd
}

// New probes for the worker command once; if it is absent the executor
// runs in mock mode, returning templated completions instead of spawning.
func New(opts Options, logger *slog.Logger) *Executor {
	e := &Executor{
		opts:     opts,
		logger:   logger,
		children: make(map[string]*exec.Cmd),
	}
	if _, err := exec.LookPath(opts.Command); err != nil {
		e.mock = true
		logger.Warn("worker command not found, running in mock mode", "command", opts.Command)
	}
	return e
}

// Mock reports whether the worker command was absent at startup.
func (e *Executor) Mock() bool { return e.mock }

// Execute runs one task to a result. It never returns an error: every
// failure mode is a result with status failed or timeout.
func (e *Executor) Execute(ctx context.Context, t task.Task) task.Result {
	start := time.Now()

	if !allowed(e.opts.Allowed, e.opts.Command) {
		return e.fail(t, start, "configured command is not in the allowlist")
	}
	if task.ContainsMetachars(t.Prompt) {
		return e.fail(t, start, "prompt contains forbidden characters")
	}
	workdir := t.WorkingDir
	if workdir == "" {
		workdir = e.opts.WorkspaceRoot
	}
	if !insideRoot(workdir, e.opts.WorkspaceRoot) {
		return e.fail(t, start, "working directory escapes the workspace")
	}

	if e.mock {
		return e.mockResult(t, start)
	}

	timeout := t.Timeout
	if timeout <= 0 || timeout > e.opts.MaxTimeout {
		timeout = e.opts.MaxTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string{}, e.opts.ExtraArgs...), t.Prompt)
	cmd := exec.CommandContext(runCtx, e.opts.Command, args...)
	cmd.Dir = workdir
	cmd.Env = append(os.Environ(), "CI=true")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return terminate(cmd) }
	cmd.WaitDelay = killDelay

	stdout := &capBuffer{max: maxOutputBytes}
	stderr := newTailBuffer(stderrTailBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		e.logger.Error("worker start failed", "task", t.ID, "error", err)
		return e.fail(t, start, "failed to start worker process")
	}
	e.track(t.ID, cmd)
	err := cmd.Wait()
	e.untrack(t.ID)

	if tail := stderr.String(); tail != "" {
		e.logger.Debug("worker stderr", "task", t.ID, "tail", tail)
	}

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		return task.Result{
			TaskID:     t.ID,
			Status:     task.StatusTimeout,
			Error:      fmt.Sprintf("task timed out after %d seconds", int(timeout/time.Second)),
			DurationMS: time.Since(start).Milliseconds(),
		}
	case runCtx.Err() != nil:
		return task.Result{
			TaskID:     t.ID,
			Status:     task.StatusTimeout,
			Error:      "task terminated during shutdown",
			DurationMS: time.Since(start).Milliseconds(),
		}
	case err != nil:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if code := exitErr.ExitCode(); code >= 0 {
				return e.fail(t, start, fmt.Sprintf("command exited with code %d", code))
			}
			return e.fail(t, start, "command terminated by signal")
		}
		e.logger.Error("worker wait failed", "task", t.ID, "error", err)
		return e.fail(t, start, "worker process failed")
	}

	return task.Result{
		TaskID:     t.ID,
		Status:     task.StatusCompleted,
		Output:     stdout.String(),
		DurationMS: time.Since(start).Milliseconds(),
	}
}

// Cancel SIGTERMs the child attached to taskID, reporting whether one was
// found. It does not wait for the child to exit.
func (e *Executor) Cancel(taskID string) bool {
	e.mu.Lock()
	cmd, ok := e.children[taskID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	if err := terminate(cmd); err != nil {
		e.logger.Warn("cancel signal failed", "task", taskID, "error", err)
	}
	return true
}

func (e *Executor) track(id string, cmd *exec.Cmd) {
	e.mu.Lock()
	e.children[id] = cmd
	e.mu.Unlock()
}

func (e *Executor) untrack(id string) {
	e.mu.Lock()
	delete(e.children, id)
	e.mu.Unlock()
}

func (e *Executor) fail(t task.Task, start time.Time, msg string) task.Result {
	return task.Result{
		TaskID:     t.ID,
		Status:     task.StatusFailed,
		Error:      msg,
		DurationMS: time.Since(start).Milliseconds(),
	}
}

func (e *Executor) mockResult(t task.Task, start time.Time) task.Result {
	preview := t.Prompt
	if len(preview) > 200 {
		preview = preview[:200] + "…"
	}
	output := fmt.Sprintf(
		"Mock execution: command %q is not installed on this host.\n"+
			"Task %s (type %s) was accepted and validated.\n"+
			"Prompt preview:\n%s\n",
		e.opts.Command, t.ID, t.Type, preview)
	return task.Result{
		TaskID:     t.ID,
		Status:     task.StatusCompleted,
		Output:     output,
		DurationMS: time.Since(start).Milliseconds(),
		Mock:       true,
	}
}

// terminate signals the child's whole process group so grandchildren die
// with it.
func terminate(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if pgid, err := syscall.Getpgid(cmd.Process.Pid); err == nil {
		return syscall.Kill(-pgid, syscall.SIGTERM)
	}
	return cmd.Process.Signal(syscall.SIGTERM)
}

func allowed(list []string, command string) bool {
	for _, c := range list {
		if c == command {
			return true
		}
	}
	return false
}

func insideRoot(dir, root string) bool {
	clean := filepath.Clean(dir)
	return clean == root || strings.HasPrefix(clean, root+string(filepath.Separator))
}

// capBuffer keeps the first max bytes written and drops the rest, always
// reporting full writes so the child never blocks on a closed pipe.
type capBuffer struct {
	mu  sync.Mutex
	max int
	buf bytes.Buffer
}

func (b *capBuffer) Write(p []byte) (int, error) {
	n := len(p)
	b.mu.Lock()
	defer b.mu.Unlock()
	if remaining := b.max - b.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			p = p[:remaining]
		}
		b.buf.Write(p)
	}
	return n, nil
}

func (b *capBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// tailBuffer keeps the last max bytes written, for stderr diagnostics.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(p) >= t.max {
		t.buf = append(t.buf[:0], p[len(p)-t.max:]...)
		return n, nil
	}
	if excess := len(t.buf) + len(p) - t.max; excess > 0 {
		t.buf = t.buf[excess:]
	}
	t.buf = append(t.buf, p...)
	return n, nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
