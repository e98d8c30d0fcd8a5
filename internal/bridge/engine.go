// Package bridge is the request-lifecycle engine shared by the REST,
// JSON-RPC and WebSocket surfaces. Every task submission runs the same
// gate sequence here, so the ordering guarantees (quota before register,
// escrow before execute, complete before settle before trust) hold no
// matter which wire shape carried the request.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ocx/bridge/internal/escrow"
	"github.com/ocx/bridge/internal/executor"
	"github.com/ocx/bridge/internal/identity"
	"github.com/ocx/bridge/internal/lifecycle"
	"github.com/ocx/bridge/internal/metrics"
	"github.com/ocx/bridge/internal/ratelimit"
	"github.com/ocx/bridge/internal/task"
	"github.com/ocx/bridge/internal/trust"
)

const (
	// validateTimeout bounds the synchronous escrow gate on the submit path.
	validateTimeout = 30 * time.Second

	// settleTimeout bounds the post-completion delivery confirmation.
	settleTimeout = 60 * time.Second

	// TrialTimeout is the fixed sandbox execution budget.
	TrialTimeout = 60 * time.Second

	// TrialMaxPrompt and TrialMaxOutput bound the unauthenticated path.
	TrialMaxPrompt = 500
	TrialMaxOutput = 500
)

// SubmitError is a gate refusal the wire layer can map directly onto a
// response. RetryAfter, when non-zero, is the unix second a denied quota
// resets at.
type SubmitError struct {
	Status     int
	Code       string
	Message    string
	Fields     []task.FieldError
	RetryAfter int64
}

func (e *SubmitError) Error() string { return e.Message }

// FreeTierStatus is the quota snapshot echoed to free-tier callers.
type FreeTierStatus struct {
	Tier       trust.Tier `json:"tier"`
	Remaining  int        `json:"remaining"`
	DailyLimit int        `json:"dailyLimit"`
	ResetAt    int64      `json:"resetAt"`
}

// Options wires the engine's collaborators. Escrow may be nil when the
// bridge runs without a chain.
type Options struct {
	Registry *task.Registry
	Executor *executor.Executor
	Life     *lifecycle.Coordinator
	FreeTier *ratelimit.FreeTier
	Trust    *trust.Store
	Escrow   *escrow.Client
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	WorkspaceRoot string
	MaxTimeout    time.Duration
}

// Engine owns the submit-execute-settle flow.
type Engine struct {
	registry *task.Registry
	exec     *executor.Executor
	life     *lifecycle.Coordinator
	freeTier *ratelimit.FreeTier
	trust    *trust.Store
	escrow   *escrow.Client
	metrics  *metrics.Metrics
	logger   *slog.Logger

	workspaceRoot string
	maxTimeout    time.Duration
	started       time.Time
}

// New builds the engine.
func New(opts Options) *Engine {
	return &Engine{
		registry:      opts.Registry,
		exec:          opts.Executor,
		life:          opts.Life,
		freeTier:      opts.FreeTier,
		trust:         opts.Trust,
		escrow:        opts.Escrow,
		metrics:       opts.Metrics,
		logger:        opts.Logger,
		workspaceRoot: opts.WorkspaceRoot,
		maxTimeout:    opts.MaxTimeout,
		started:       time.Now(),
	}
}

// Submit runs the full gate sequence for one submission and, on success,
// starts execution in the background. The returned task is registered and
// owned; callers deliver the 202 (or block on AwaitResult for ?wait=true).
func (e *Engine) Submit(sub task.Submission, authID identity.Identity, ip string) (task.Task, *SubmitError) {
	if !e.life.Accepting() {
		return task.Task{}, &SubmitError{
			Status:  http.StatusServiceUnavailable,
			Code:    "SERVICE_UNAVAILABLE",
			Message: "bridge is shutting down",
		}
	}

	t, err := task.Resolve(sub, authID, e.workspaceRoot)
	if err != nil {
		var verr *task.ValidationError
		if errors.As(err, &verr) {
			return task.Task{}, &SubmitError{
				Status:  http.StatusBadRequest,
				Code:    verr.Code,
				Message: verr.Error(),
				Fields:  clipFields(verr.Fields),
			}
		}
		return task.Task{}, &SubmitError{Status: http.StatusBadRequest, Code: "VALIDATION_ERROR", Message: "invalid task"}
	}
	if t.Timeout > e.maxTimeout {
		t.Timeout = e.maxTimeout
	}

	if authID.Tier == identity.TierFree {
		limit := e.trust.DailyLimit(authID.ID)
		if ok, reason := e.freeTier.CanProceed(authID, ip, limit); !ok {
			e.metrics.RateLimitDenials.WithLabelValues("did").Inc()
			return task.Task{}, &SubmitError{
				Status:     http.StatusTooManyRequests,
				Code:       "RATE_LIMITED",
				Message:    reason,
				RetryAfter: e.freeTier.ResetAt(authID),
			}
		}
	}

	if serr := e.validateEscrow(t); serr != nil {
		return task.Task{}, serr
	}

	if !e.life.TaskStarted() {
		return task.Task{}, &SubmitError{
			Status:  http.StatusServiceUnavailable,
			Code:    "SERVICE_UNAVAILABLE",
			Message: "bridge is shutting down",
		}
	}
	if err := e.registry.Register(t); err != nil {
		e.life.TaskFinished()
		return task.Task{}, &SubmitError{
			Status:  http.StatusBadRequest,
			Code:    "VALIDATION_ERROR",
			Message: fmt.Sprintf("task id %q is already in use", t.ID),
		}
	}

	if authID.Tier == identity.TierFree {
		e.freeTier.Record(authID, ip)
	}
	e.metrics.TasksInFlight.Inc()
	e.logger.Info("task accepted",
		"task_id", t.ID, "type", string(t.Type), "client", t.ClientID,
		"timeout", t.Timeout, "escrow_id", t.EscrowID)

	go e.run(t, authID)
	return t, nil
}

// run executes one accepted task to completion: execute, publish the
// result, then settle and record reputation behind it.
func (e *Engine) run(t task.Task, authID identity.Identity) {
	defer e.life.TaskFinished()
	defer e.metrics.TasksInFlight.Dec()

	res := e.exec.Execute(context.Background(), t)
	e.registry.Complete(t.ID, res)

	e.settle(t, res)
	e.recordTrust(authID, res)

	e.metrics.TasksTotal.WithLabelValues(string(res.Status), fmt.Sprintf("%t", res.Mock)).Inc()
	e.metrics.TaskDuration.WithLabelValues(string(res.Status)).Observe(float64(res.DurationMS) / 1000)
	e.logger.Info("task finished",
		"task_id", t.ID, "status", string(res.Status), "duration_ms", res.DurationMS, "mock", res.Mock)
}

// validateEscrow runs the pre-execution chain gate. Tasks without an
// escrow reference, or bridges without a chain, pass through. Mock mode
// skips the gate: there is no real delivery to fund.
func (e *Engine) validateEscrow(t task.Task) *SubmitError {
	if t.EscrowID == "" || e.escrow == nil || e.exec.Mock() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), validateTimeout)
	defer cancel()

	started := time.Now()
	v := e.escrow.Validate(ctx, t.EscrowID)
	e.metrics.EscrowRPCDuration.WithLabelValues("validate").Observe(time.Since(started).Seconds())
	if v.Valid {
		e.metrics.EscrowValidations.WithLabelValues("valid").Inc()
		return nil
	}
	e.metrics.EscrowValidations.WithLabelValues("invalid").Inc()
	e.logger.Warn("escrow validation failed", "task_id", t.ID, "escrow_id", t.EscrowID, "reason", v.Error)
	return &SubmitError{
		Status:  http.StatusPaymentRequired,
		Code:    "PAYMENT_REQUIRED",
		Message: v.Error,
	}
}

// settle confirms delivery on chain for completed escrow tasks. Failure
// logs and counts; the task result already stands.
func (e *Engine) settle(t task.Task, res task.Result) {
	if t.EscrowID == "" || e.escrow == nil || res.Mock || res.Status != task.StatusCompleted {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	started := time.Now()
	err := e.escrow.ConfirmDelivery(ctx, t.EscrowID, res.Output)
	e.metrics.EscrowRPCDuration.WithLabelValues("confirm").Observe(time.Since(started).Seconds())
	if err != nil {
		e.metrics.EscrowConfirmations.WithLabelValues("failed").Inc()
		e.logger.Error("delivery confirmation failed", "task_id", t.ID, "escrow_id", t.EscrowID, "error", err)
		return
	}
	e.metrics.EscrowConfirmations.WithLabelValues("ok").Inc()
}

// recordTrust books the outcome against the authenticated identity's
// reputation. Paid identities carry no free quota, so nothing to grow.
func (e *Engine) recordTrust(authID identity.Identity, res task.Result) {
	if authID.Tier != identity.TierFree {
		return
	}
	if res.Status == task.StatusCompleted {
		e.trust.RecordCompletion(authID.ID)
		return
	}
	e.trust.RecordFailure(authID.ID)
}

// CancelOwned cancels id on behalf of callerID. It reports NOT_FOUND for
// unknown, finished, and non-cancellable tasks alike so callers cannot
// probe other owners' ids.
func (e *Engine) CancelOwned(id, callerID, assertedDID string) *SubmitError {
	if _, pending := e.registry.GetPending(id); !pending {
		return &SubmitError{Status: http.StatusNotFound, Code: "NOT_FOUND", Message: "task not found or already finished"}
	}
	if !e.registry.AllowedToAccess(id, callerID, assertedDID) {
		return &SubmitError{Status: http.StatusForbidden, Code: "FORBIDDEN", Message: "task belongs to a different identity"}
	}
	if !e.registry.Cancel(id) {
		return &SubmitError{Status: http.StatusNotFound, Code: "NOT_FOUND", Message: "task not found or already finished"}
	}
	e.logger.Info("task cancelled", "task_id", id, "by", callerID)
	return nil
}

// ExecuteTrial runs the unauthenticated sandbox path: bounded prompt,
// fixed timeout, anonymous identity, no registry or reputation footprint.
// Output is clamped before it leaves the process.
func (e *Engine) ExecuteTrial(ctx context.Context, prompt string) (task.Result, *SubmitError) {
	if !e.life.Accepting() {
		return task.Result{}, &SubmitError{
			Status:  http.StatusServiceUnavailable,
			Code:    "SERVICE_UNAVAILABLE",
			Message: "bridge is shutting down",
		}
	}
	switch {
	case prompt == "":
		return task.Result{}, &SubmitError{Status: http.StatusBadRequest, Code: "VALIDATION_ERROR", Message: "prompt is required"}
	case len(prompt) > TrialMaxPrompt:
		return task.Result{}, &SubmitError{
			Status:  http.StatusBadRequest,
			Code:    "VALIDATION_ERROR",
			Message: fmt.Sprintf("prompt exceeds %d characters", TrialMaxPrompt),
		}
	case task.ContainsMetachars(prompt):
		return task.Result{}, &SubmitError{Status: http.StatusBadRequest, Code: "INVALID_INPUT", Message: "prompt must not contain shell metacharacters"}
	}

	if !e.life.TaskStarted() {
		return task.Result{}, &SubmitError{
			Status:  http.StatusServiceUnavailable,
			Code:    "SERVICE_UNAVAILABLE",
			Message: "bridge is shutting down",
		}
	}
	defer e.life.TaskFinished()

	t := task.Task{
		ID:         task.NewID(),
		Type:       task.TypePrompt,
		Prompt:     prompt,
		WorkingDir: e.workspaceRoot,
		Timeout:    TrialTimeout,
		ClientID:   identity.Anonymous,
	}
	res := e.exec.Execute(ctx, t)
	if len(res.Output) > TrialMaxOutput {
		res.Output = res.Output[:TrialMaxOutput]
	}
	e.metrics.TasksTotal.WithLabelValues(string(res.Status), fmt.Sprintf("%t", res.Mock)).Inc()
	return res, nil
}

// FreeTierQuota reports the caller's current quota, or nil for paid
// identities.
func (e *Engine) FreeTierQuota(authID identity.Identity) *FreeTierStatus {
	if authID.Tier != identity.TierFree {
		return nil
	}
	p := e.trust.Observe(authID.ID)
	limit := p.Tier.DailyLimit()
	return &FreeTierStatus{
		Tier:       p.Tier,
		Remaining:  e.freeTier.Remaining(authID, limit),
		DailyLimit: limit,
		ResetAt:    e.freeTier.ResetAt(authID),
	}
}

// CancelRemaining signals every task still pending. The drain watchdog
// calls it when the deadline fires.
func (e *Engine) CancelRemaining() int {
	n := 0
	for _, id := range e.registry.PendingIDs() {
		if e.registry.Cancel(id) {
			n++
		}
	}
	return n
}

// Mock reports whether the worker command was missing at startup.
func (e *Engine) Mock() bool { return e.exec.Mock() }

// InFlight counts executions in progress, sandbox trials included.
func (e *Engine) InFlight() int { return e.life.InFlight() }

// Uptime since engine construction.
func (e *Engine) Uptime() time.Duration { return time.Since(e.started) }

// State exposes the lifecycle phase for status surfaces.
func (e *Engine) State() lifecycle.State { return e.life.State() }

// clipFields caps validation detail at five findings.
func clipFields(fields []task.FieldError) []task.FieldError {
	if len(fields) > 5 {
		return fields[:5]
	}
	return fields
}
