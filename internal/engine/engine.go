// Package engine drives the per-request lifecycle: policy evaluation, human
// approval with timeout, execution, auditing, and online or offline reply
// delivery. One engine serves at most one agent session at a time.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"toolgate.local/gateway/internal/config"
	"toolgate.local/gateway/internal/dispatch"
	"toolgate.local/gateway/internal/messenger"
	"toolgate.local/gateway/internal/notify"
	"toolgate.local/gateway/internal/policy"
	"toolgate.local/gateway/internal/registry"
	"toolgate.local/gateway/internal/store"
	"toolgate.local/gateway/internal/types"
)

// ErrAgentConnected is returned when a second agent connection arrives while
// one is already attached.
var ErrAgentConnected = errors.New("another agent is already connected")

// Config carries the engine's tunables. Zero values fall back to the
// package defaults from config.
type Config struct {
	AgentToken           string
	ApprovalTimeout      time.Duration
	AuthTimeout          time.Duration
	MaxPendingApprovals  int
	MaxRequestsPerMinute int
}

func (c Config) withDefaults() Config {
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = config.DefaultApprovalTimeout
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = config.DefaultAuthTimeout
	}
	if c.MaxPendingApprovals <= 0 {
		c.MaxPendingApprovals = config.DefaultMaxPendingApprovals
	}
	if c.MaxRequestsPerMinute <= 0 {
		c.MaxRequestsPerMinute = config.DefaultMaxRequestsPerMinute
	}
	return c
}

type Engine struct {
	cfg       Config
	registry  *registry.Registry
	policy    *policy.Engine
	executor  *dispatch.Executor
	store     store.Store
	messenger messenger.Adapter
	notifier  *notify.Dispatcher
	logger    *log.Logger
	limiter   *rateLimiter
	now       func() time.Time

	// quotaMu serializes the pending-quota count with the insert that
	// consumes a slot; each message runs in its own goroutine.
	quotaMu sync.Mutex

	mu         sync.Mutex
	session    *session
	waiters    map[string]chan types.Resolution
	messageIDs map[string]string
	timers     map[string]*time.Timer
	stopCh     chan struct{}
	stopped    bool
}

type Option func(*Engine)

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func New(cfg Config, reg *registry.Registry, pol *policy.Engine, exec *dispatch.Executor,
	st store.Store, adapter messenger.Adapter, notifier *notify.Dispatcher, logger *log.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	e := &Engine{
		cfg:        cfg.withDefaults(),
		registry:   reg,
		policy:     pol,
		executor:   exec,
		store:      st,
		messenger:  adapter,
		notifier:   notifier,
		logger:     logger,
		now:        time.Now,
		waiters:    make(map[string]chan types.Resolution),
		messageIDs: make(map[string]string),
		timers:     make(map[string]*time.Timer),
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.limiter = newRateLimiter(e.cfg.MaxRequestsPerMinute, e.now)
	adapter.OnDecision(e.handleDecision)
	return e
}

// Start replays persisted pending approvals: expired ones are resolved as
// timed out and their results queued for offline pickup, unexpired ones get
// their timers re-armed. Must run before the engine accepts connections.
func (e *Engine) Start(ctx context.Context) error {
	now := e.now().UTC()
	swept, err := e.store.SweepStale(ctx, now)
	if err != nil {
		return fmt.Errorf("sweep stale pendings: %w", err)
	}
	for _, rec := range swept {
		e.logger.Printf("startup sweep request_id=%s tool=%s expired", rec.RequestID, rec.ToolName)
		e.audit(ctx, types.AuditEntry{
			Timestamp:  now,
			RequestID:  rec.RequestID,
			ToolName:   rec.ToolName,
			Signature:  rec.Signature,
			Args:       rec.Args,
			Decision:   types.DecisionAsk,
			Resolution: types.ResolutionTimedOut,
			ErrorKind:  types.ErrorKindTimedOut,
		})
		e.queueOffline(ctx, rec.RequestID, rec.ToolName, offlinePayload(types.ResolutionTimedOut, nil, ""))
	}

	waiting, err := e.store.ListWaiting(ctx)
	if err != nil {
		return fmt.Errorf("list waiting pendings: %w", err)
	}
	for _, rec := range waiting {
		e.armTimer(rec.RequestID, rec.ExpiresAt)
		e.logger.Printf("re-armed approval timer request_id=%s expires_at=%s", rec.RequestID, rec.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// Stop notifies the attached session of the shutdown with its outstanding
// request ids, closes it, and leaves pending approvals persisted for the
// next boot.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	close(e.stopCh)
	sess := e.session
	outstanding := make([]string, 0, len(e.waiters))
	for id := range e.waiters {
		outstanding = append(outstanding, id)
	}
	for _, timer := range e.timers {
		timer.Stop()
	}
	e.mu.Unlock()

	if sess != nil {
		sess.notifyShutdown(outstanding)
		_ = sess.conn.Close()
	}
}

// HealthStatus is the /healthz body. Store and messenger are critical;
// services are informational.
type HealthStatus struct {
	Status string       `json:"status"`
	Checks HealthChecks `json:"checks"`
}

type HealthChecks struct {
	Store     bool            `json:"store"`
	Messenger bool            `json:"messenger"`
	Services  map[string]bool `json:"services"`
}

func (e *Engine) Health(ctx context.Context) HealthStatus {
	checks := HealthChecks{
		Store:     e.store.HealthCheck(ctx),
		Messenger: e.messenger.HealthCheck(ctx),
		Services:  e.executor.HealthCheck(ctx),
	}
	status := "healthy"
	if !checks.Store || !checks.Messenger {
		status = "unhealthy"
	}
	return HealthStatus{Status: status, Checks: checks}
}

// handleDecision is invoked by the messenger when a guardian acts. The
// return value tells the adapter whether the decision was accepted; a
// request already resolved by the timer or a previous click reports false.
func (e *Engine) handleDecision(outcome messenger.Outcome) bool {
	resolution := types.ResolutionDeniedByUser
	if outcome.Action == messenger.ActionAllow {
		resolution = types.ResolutionApproved
	}

	ctx := context.Background()
	result, err := e.store.ResolvePending(ctx, outcome.RequestID, resolution)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.logger.Printf("resolve pending request_id=%s err=%v", outcome.RequestID, err)
		}
		return false
	}
	if !result.Won {
		return false
	}
	e.logger.Printf("guardian decision request_id=%s action=%s user=%s", outcome.RequestID, outcome.Action, outcome.UserID)
	e.deliverResolution(outcome.RequestID, resolution)
	return true
}

// resolveTimeout fires when an approval timer expires. Losing the race
// against a guardian decision is a silent no-op.
func (e *Engine) resolveTimeout(requestID string) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	delete(e.timers, requestID)
	e.mu.Unlock()

	ctx := context.Background()
	result, err := e.store.ResolvePending(ctx, requestID, types.ResolutionTimedOut)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.logger.Printf("timeout resolve request_id=%s err=%v", requestID, err)
		}
		return
	}
	if !result.Won {
		return
	}
	e.logger.Printf("approval timed out request_id=%s", requestID)
	e.updatePrompt(ctx, requestID, "⏰ Expired")
	e.deliverResolution(requestID, types.ResolutionTimedOut)
}

// deliverResolution hands a won resolution to the waiting request goroutine
// when one exists, or finalizes headless (restart-recovered pendings have
// no waiter).
func (e *Engine) deliverResolution(requestID string, resolution types.Resolution) {
	e.mu.Lock()
	waiter := e.waiters[requestID]
	e.mu.Unlock()

	if waiter != nil {
		waiter <- resolution
		return
	}
	go e.finalizeHeadless(requestID, resolution)
}

// finalizeHeadless completes a resolution that has no request goroutine
// attached: execute if approved, audit, and queue the result for offline
// pickup.
func (e *Engine) finalizeHeadless(requestID string, resolution types.Resolution) {
	ctx := context.Background()
	rec, err := e.store.GetPending(ctx, requestID)
	if err != nil {
		e.logger.Printf("headless finalize request_id=%s err=%v", requestID, err)
		return
	}

	entry := types.AuditEntry{
		Timestamp: e.now().UTC(),
		RequestID: rec.RequestID,
		ToolName:  rec.ToolName,
		Signature: rec.Signature,
		Args:      rec.Args,
		Decision:  types.DecisionAsk,
	}

	switch resolution {
	case types.ResolutionApproved:
		data, execErr := e.execute(ctx, rec.ToolName, rec.Args)
		if execErr != nil {
			entry.Resolution = types.ResolutionExecutionFailed
			entry.ErrorKind = execErr.Kind
			e.audit(ctx, entry)
			e.queueOffline(ctx, rec.RequestID, rec.ToolName, offlinePayload(entry.Resolution, nil, execErr.Message))
			return
		}
		entry.Resolution = types.ResolutionExecuted
		entry.Result = data
		e.audit(ctx, entry)
		e.queueOffline(ctx, rec.RequestID, rec.ToolName, offlinePayload(entry.Resolution, data, ""))
	case types.ResolutionDeniedByUser:
		entry.Resolution = resolution
		entry.ErrorKind = types.ErrorKindUserDenied
		e.audit(ctx, entry)
		e.queueOffline(ctx, rec.RequestID, rec.ToolName, offlinePayload(resolution, nil, ""))
	case types.ResolutionTimedOut:
		entry.Resolution = resolution
		entry.ErrorKind = types.ErrorKindTimedOut
		e.audit(ctx, entry)
		e.queueOffline(ctx, rec.RequestID, rec.ToolName, offlinePayload(resolution, nil, ""))
	}
}

// execute runs the tool and normalizes any failure into an ExecError.
func (e *Engine) execute(ctx context.Context, toolName string, args map[string]any) (json.RawMessage, *dispatch.ExecError) {
	data, err := e.executor.Execute(ctx, toolName, args)
	if err == nil {
		return data, nil
	}
	var execErr *dispatch.ExecError
	if errors.As(err, &execErr) {
		return nil, execErr
	}
	e.logger.Printf("unexpected execution error tool=%s err=%v", toolName, err)
	return nil, &dispatch.ExecError{Kind: types.ErrorKindInternal, Message: "internal execution error"}
}

func (e *Engine) audit(ctx context.Context, entry types.AuditEntry) {
	if err := e.store.AppendAudit(ctx, entry); err != nil {
		e.logger.Printf("append audit request_id=%s err=%v", entry.RequestID, err)
	}
	if e.notifier != nil {
		e.notifier.Dispatch(ctx, notify.EventFromAudit(entry))
	}
}

func (e *Engine) queueOffline(ctx context.Context, requestID, toolName string, payload json.RawMessage) {
	err := e.store.EnqueueOfflineResult(ctx, types.OfflineResult{
		RequestID: requestID,
		ToolName:  toolName,
		Result:    payload,
		CreatedAt: e.now().UTC(),
	})
	if err != nil {
		e.logger.Printf("enqueue offline result request_id=%s err=%v", requestID, err)
	}
}

func (e *Engine) armTimer(requestID string, expiresAt time.Time) {
	delay := expiresAt.Sub(e.now())
	if delay < 0 {
		delay = 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.timers[requestID] = time.AfterFunc(delay, func() { e.resolveTimeout(requestID) })
}

func (e *Engine) stopTimer(requestID string) {
	e.mu.Lock()
	timer := e.timers[requestID]
	delete(e.timers, requestID)
	e.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
}

func (e *Engine) registerWaiter(requestID string) chan types.Resolution {
	ch := make(chan types.Resolution, 1)
	e.mu.Lock()
	e.waiters[requestID] = ch
	e.mu.Unlock()
	return ch
}

func (e *Engine) removeWaiter(requestID string) {
	e.mu.Lock()
	delete(e.waiters, requestID)
	e.mu.Unlock()
}

func (e *Engine) rememberPrompt(requestID, messageID string) {
	e.mu.Lock()
	e.messageIDs[requestID] = messageID
	e.mu.Unlock()
}

// updatePrompt edits the messenger message best-effort. Prompts recovered
// from a previous boot have no known message id and are skipped.
func (e *Engine) updatePrompt(ctx context.Context, requestID, header string) {
	e.mu.Lock()
	messageID := e.messageIDs[requestID]
	delete(e.messageIDs, requestID)
	e.mu.Unlock()
	if messageID == "" {
		return
	}
	if err := e.messenger.UpdateApproval(ctx, messageID, header); err != nil {
		e.logger.Printf("update approval message request_id=%s err=%v", requestID, err)
	}
}

// offlinePayload is the shape stored for later get_pending_results drain.
func offlinePayload(resolution types.Resolution, data json.RawMessage, errMsg string) json.RawMessage {
	var body map[string]any
	switch resolution {
	case types.ResolutionExecuted:
		body = map[string]any{"status": "executed", "data": data}
	case types.ResolutionExecutionFailed:
		body = map[string]any{"status": "error", "data": errMsg}
	case types.ResolutionDeniedByUser:
		body = map[string]any{"status": "denied", "data": "Denied by user"}
	case types.ResolutionTimedOut:
		body = map[string]any{"status": "timed_out", "data": "Approval timed out"}
	default:
		body = map[string]any{"status": string(resolution)}
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return json.RawMessage(`{"status":"error","data":"encode failure"}`)
	}
	return encoded
}
