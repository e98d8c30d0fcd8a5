package executor

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/bridge/internal/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newEcho(t *testing.T) (*Executor, string) {
	t.Helper()
	root := t.TempDir()
	e := New(Options{
		Command:       "echo",
		Allowed:       []string{"echo"},
		WorkspaceRoot: root,
		MaxTimeout:    time.Minute,
	}, testLogger())
	require.False(t, e.Mock())
	return e, root
}

func TestExecuteCapturesStdout(t *testing.T) {
	e, root := newEcho(t)
	res := e.Execute(context.Background(), task.Task{
		ID: "t1", Type: task.TypePrompt, Prompt: "hello world",
		WorkingDir: root, Timeout: 10 * time.Second,
	})
	assert.Equal(t, task.StatusCompleted, res.Status)
	assert.Equal(t, "hello world\n", res.Output)
	assert.False(t, res.Mock)
	assert.GreaterOrEqual(t, res.DurationMS, int64(0))
}

func TestExecuteSetsWorkingDirectory(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "proj")
	require.NoError(t, os.Mkdir(sub, 0o755))
	e := New(Options{
		Command:       "pwd",
		Allowed:       []string{"pwd"},
		WorkspaceRoot: root,
		MaxTimeout:    time.Minute,
	}, testLogger())
	res := e.Execute(context.Background(), task.Task{
		ID: "t1", Prompt: "ignored", WorkingDir: sub, Timeout: 10 * time.Second,
	})
	require.Equal(t, task.StatusCompleted, res.Status)
	assert.Equal(t, sub, strings.TrimSpace(res.Output))
}

func TestExecuteSetsCIAndNullStdin(t *testing.T) {
	root := t.TempDir()
	e := New(Options{
		Command:       "sh",
		ExtraArgs:     []string{"-c"},
		Allowed:       []string{"sh"},
		WorkspaceRoot: root,
		MaxTimeout:    time.Minute,
	}, testLogger())
	res := e.Execute(context.Background(), task.Task{
		ID: "t1", Prompt: "printf %s $CI", WorkingDir: root, Timeout: 10 * time.Second,
	})
	require.Equal(t, task.StatusCompleted, res.Status)
	assert.Equal(t, "true", res.Output)

	// cat with a closed stdin returns immediately instead of hanging.
	e2 := New(Options{
		Command:       "cat",
		Allowed:       []string{"cat"},
		WorkspaceRoot: root,
		MaxTimeout:    time.Minute,
	}, testLogger())
	done := make(chan task.Result, 1)
	go func() {
		done <- e2.Execute(context.Background(), task.Task{
			ID: "t2", Prompt: "-", WorkingDir: root, Timeout: 10 * time.Second,
		})
	}()
	select {
	case res := <-done:
		assert.Equal(t, task.StatusCompleted, res.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("cat blocked on stdin")
	}
}

func TestExecuteRefusesGuardViolations(t *testing.T) {
	e, root := newEcho(t)

	res := e.Execute(context.Background(), task.Task{
		ID: "t1", Prompt: "hi; rm -rf /", WorkingDir: root, Timeout: time.Second,
	})
	assert.Equal(t, task.StatusFailed, res.Status)
	assert.Contains(t, res.Error, "forbidden characters")

	res = e.Execute(context.Background(), task.Task{
		ID: "t2", Prompt: "hi", WorkingDir: "/etc", Timeout: time.Second,
	})
	assert.Equal(t, task.StatusFailed, res.Status)
	assert.Contains(t, res.Error, "workspace")

	outside := New(Options{
		Command:       "echo",
		Allowed:       []string{"rsync"},
		WorkspaceRoot: root,
		MaxTimeout:    time.Minute,
	}, testLogger())
	res = outside.Execute(context.Background(), task.Task{
		ID: "t3", Prompt: "hi", WorkingDir: root, Timeout: time.Second,
	})
	assert.Equal(t, task.StatusFailed, res.Status)
	assert.Contains(t, res.Error, "allowlist")
}

func TestExecuteTimeoutUsesSmallerBound(t *testing.T) {
	root := t.TempDir()
	e := New(Options{
		Command:       "sleep",
		Allowed:       []string{"sleep"},
		WorkspaceRoot: root,
		MaxTimeout:    time.Second,
	}, testLogger())
	start := time.Now()
	res := e.Execute(context.Background(), task.Task{
		ID: "t1", Prompt: "30", WorkingDir: root, Timeout: 20 * time.Second,
	})
	assert.Equal(t, task.StatusTimeout, res.Status)
	assert.Contains(t, res.Error, "timed out after 1 seconds")
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestExecuteNonZeroExit(t *testing.T) {
	root := t.TempDir()
	e := New(Options{
		Command:       "false",
		Allowed:       []string{"false"},
		WorkspaceRoot: root,
		MaxTimeout:    time.Minute,
	}, testLogger())
	res := e.Execute(context.Background(), task.Task{
		ID: "t1", Prompt: "anything", WorkingDir: root, Timeout: 10 * time.Second,
	})
	assert.Equal(t, task.StatusFailed, res.Status)
	assert.Contains(t, res.Error, "exited with code 1")
}

func TestMockModeSkipsSpawn(t *testing.T) {
	root := t.TempDir()
	e := New(Options{
		Command:       "no-such-worker-binary-a1b2c3",
		Allowed:       []string{"no-such-worker-binary-a1b2c3"},
		WorkspaceRoot: root,
		MaxTimeout:    time.Minute,
	}, testLogger())
	require.True(t, e.Mock())

	res := e.Execute(context.Background(), task.Task{
		ID: "t1", Type: task.TypePrompt, Prompt: "hello", WorkingDir: root, Timeout: time.Second,
	})
	assert.Equal(t, task.StatusCompleted, res.Status)
	assert.True(t, res.Mock)
	assert.Contains(t, res.Output, "Mock execution")
	assert.Contains(t, res.Output, "t1")
}

func TestCancelSignalsChild(t *testing.T) {
	root := t.TempDir()
	e := New(Options{
		Command:       "sleep",
		Allowed:       []string{"sleep"},
		WorkspaceRoot: root,
		MaxTimeout:    time.Minute,
	}, testLogger())

	done := make(chan task.Result, 1)
	go func() {
		done <- e.Execute(context.Background(), task.Task{
			ID: "t1", Prompt: "30", WorkingDir: root, Timeout: 30 * time.Second,
		})
	}()

	deadline := time.After(5 * time.Second)
	for {
		if e.Cancel("t1") {
			break
		}
		select {
		case <-deadline:
			t.Fatal("child never appeared in the tracking map")
		case <-time.After(10 * time.Millisecond):
		}
	}

	select {
	case res := <-done:
		assert.Equal(t, task.StatusFailed, res.Status)
		assert.Contains(t, res.Error, "signal")
	case <-time.After(10 * time.Second):
		t.Fatal("cancel did not terminate the child")
	}

	assert.False(t, e.Cancel("t1"), "cancel after exit finds nothing")
	assert.False(t, e.Cancel("never-existed"))
}

func TestCapBufferTruncatesButReportsFullWrites(t *testing.T) {
	b := &capBuffer{max: 8}
	n, err := b.Write([]byte("0123456"))
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	n, err = b.Write([]byte("789abc"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, "01234567", b.String())
}

func TestTailBufferKeepsTail(t *testing.T) {
	b := newTailBuffer(4)
	_, _ = b.Write([]byte("abcdef"))
	assert.Equal(t, "cdef", b.String())
	_, _ = b.Write([]byte("gh"))
	assert.Equal(t, "efgh", b.String())
	_, _ = b.Write([]byte("0123456789"))
	assert.Equal(t, "6789", b.String())
}
