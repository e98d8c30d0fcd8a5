// Package task defines the task model, wire-level validation, and the
// registry that tracks every task from acceptance to result expiry.
package task

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/bridge/internal/identity"
)

// Status of a finished task.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// Type classifies what the worker is asked to do. The bridge treats all
// types identically today; the field is carried for marketplace routing.
type Type string

const (
	TypePrompt     Type = "prompt"
	TypeCodeReview Type = "code-review"
	TypeRefactor   Type = "refactor"
	TypeDebug      Type = "debug"
	TypeCustom     Type = "custom"
)

var validTypes = map[Type]bool{
	TypePrompt:     true,
	TypeCodeReview: true,
	TypeRefactor:   true,
	TypeDebug:      true,
	TypeCustom:     true,
}

const (
	// MaxPromptLen bounds the prompt; anything longer is rejected, not
	// truncated.
	MaxPromptLen = 100000

	// DefaultTimeout applies when the submission carries none.
	DefaultTimeout = 300 * time.Second

	// MaxTimeout is the validation ceiling on the requested timeout.
	MaxTimeout = 3600 * time.Second

	// promptMetachars would reach a shell if one ever got involved; the
	// executor never uses one, but tasks carrying them are rejected at
	// the door anyway.
	promptMetachars = ";|&`<>"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Task is a resolved, validated unit of work.
type Task struct {
	ID         string
	Type       Type
	Prompt     string
	WorkingDir string // absolute, equal to or under the workspace root
	Timeout    time.Duration
	ClientID   string // owner identity
	EscrowID   string // optional numeric escrow reference
}

// Result is what execution produced.
type Result struct {
	TaskID     string `json:"taskId"`
	Status     Status `json:"status"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"durationMs"`
	Mock       bool   `json:"mock,omitempty"`
}

// Submission is the wire form of a task request before resolution.
type Submission struct {
	TaskID    string             `json:"taskId,omitempty"`
	Type      string             `json:"type,omitempty"`
	Prompt    string             `json:"prompt"`
	Context   *SubmissionContext `json:"context,omitempty"`
	TimeoutS  int64              `json:"timeout,omitempty"`
	ClientDID string             `json:"clientDid,omitempty"`
	EscrowID  string             `json:"escrowId,omitempty"`
}

// SubmissionContext carries optional execution context.
type SubmissionContext struct {
	WorkingDir string `json:"workingDir,omitempty"`
}

// FieldError is one validation finding, addressed by wire field path.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError aggregates everything wrong with a submission. Code
// distinguishes shape problems (VALIDATION_ERROR) from inputs rejected on
// security grounds (INVALID_INPUT).
type ValidationError struct {
	Code   string
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "invalid task"
	}
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

var numericPattern = regexp.MustCompile(`^[0-9]+$`)

// Resolve validates a submission and produces the task that will run.
// authID is the authenticated identity; workspaceRoot the executor sandbox
// root (absolute, cleaned).
func Resolve(sub Submission, authID identity.Identity, workspaceRoot string) (Task, error) {
	verr := &ValidationError{Code: "VALIDATION_ERROR"}

	id := sub.TaskID
	if id == "" {
		id = NewID()
	} else if !idPattern.MatchString(id) {
		verr.add("taskId", "must be 1-128 chars of [A-Za-z0-9_-]")
	}

	typ := Type(sub.Type)
	if sub.Type == "" {
		typ = TypePrompt
	} else if !validTypes[typ] {
		verr.add("type", "must be one of prompt, code-review, refactor, debug, custom")
	}

	switch {
	case sub.Prompt == "":
		verr.add("prompt", "is required")
	case len(sub.Prompt) > MaxPromptLen:
		verr.add("prompt", fmt.Sprintf("exceeds %d characters", MaxPromptLen))
	case strings.ContainsAny(sub.Prompt, promptMetachars):
		verr.Code = "INVALID_INPUT"
		verr.add("prompt", "must not contain shell metacharacters")
	}

	workingDir := workspaceRoot
	if sub.Context != nil && sub.Context.WorkingDir != "" {
		resolved, err := ResolveWorkingDir(sub.Context.WorkingDir, workspaceRoot)
		if err != nil {
			verr.Code = "INVALID_INPUT"
			verr.add("context.workingDir", err.Error())
		} else {
			workingDir = resolved
		}
	}

	timeout := DefaultTimeout
	if sub.TimeoutS != 0 {
		if sub.TimeoutS < 1 || time.Duration(sub.TimeoutS)*time.Second > MaxTimeout {
			verr.add("timeout", fmt.Sprintf("must be between 1 and %d seconds", int(MaxTimeout/time.Second)))
		} else {
			timeout = time.Duration(sub.TimeoutS) * time.Second
		}
	}

	clientID := authID.ID
	if sub.ClientDID != "" {
		if !identity.ValidKey(sub.ClientDID) {
			verr.add("clientDid", "is not a valid identity")
		} else {
			clientID = sub.ClientDID
		}
	}

	if sub.EscrowID != "" && !numericPattern.MatchString(sub.EscrowID) {
		verr.add("escrowId", "must be a numeric string")
	}

	if len(verr.Fields) > 0 {
		return Task{}, verr
	}
	return Task{
		ID:         id,
		Type:       typ,
		Prompt:     sub.Prompt,
		WorkingDir: workingDir,
		Timeout:    timeout,
		ClientID:   clientID,
		EscrowID:   sub.EscrowID,
	}, nil
}

// NewID generates a collision-resistant task id of the documented shape.
func NewID() string {
	u := uuid.New()
	return fmt.Sprintf("task-%d-%s", time.Now().UnixMilli(), hex.EncodeToString(u[:4]))
}

// ResolveWorkingDir URL-decodes raw, resolves it against root, and verifies
// the result stays at or under root. Relative paths resolve from root.
func ResolveWorkingDir(raw, root string) (string, error) {
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return "", fmt.Errorf("could not be decoded")
	}
	resolved := decoded
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(root, resolved)
	}
	resolved = filepath.Clean(resolved)
	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return "", fmt.Errorf("escapes the workspace root")
	}
	return resolved, nil
}

// ContainsMetachars reports whether the prompt carries any of the shell
// metacharacters the bridge refuses to pass to a child.
func ContainsMetachars(prompt string) bool {
	return strings.ContainsAny(prompt, promptMetachars)
}
