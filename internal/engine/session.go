package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"toolgate.local/gateway/internal/ids"
	"toolgate.local/gateway/internal/messenger"
	"toolgate.local/gateway/internal/protocol"
	"toolgate.local/gateway/internal/types"
)

// Conn is one agent connection. WriteEnvelope must be safe for concurrent
// use; the websocket layer serializes writes behind a mutex.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteEnvelope(env protocol.Envelope) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// session tracks one authenticated agent connection and its in-flight
// envelope ids.
type session struct {
	conn Conn

	mu       sync.Mutex
	inflight map[string]bool
	detached bool
}

func newSession(conn Conn) *session {
	return &session{conn: conn, inflight: make(map[string]bool)}
}

// claimID reserves an envelope id for the duration of its request. A second
// request reusing an in-flight id is rejected.
func (s *session) claimID(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[key] {
		return false
	}
	s.inflight[key] = true
	return true
}

func (s *session) releaseID(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, key)
}

func (s *session) detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached = true
}

// send writes one envelope; a closed connection reports an error so the
// caller can fall back to offline delivery.
func (s *session) send(env protocol.Envelope) error {
	s.mu.Lock()
	detached := s.detached
	s.mu.Unlock()
	if detached {
		return fmt.Errorf("session detached")
	}
	return s.conn.WriteEnvelope(env)
}

func (s *session) notifyShutdown(outstanding []string) {
	params, err := json.Marshal(map[string]any{"request_ids": outstanding})
	if err != nil {
		return
	}
	_ = s.send(protocol.Envelope{
		Version: protocol.Version,
		Method:  "shutting_down",
		Params:  params,
	})
}

// HandleSession owns one agent connection from accept to close: rejects a
// second concurrent agent, runs the auth handshake, then services messages
// until the connection drops. Each message runs in its own goroutine.
func (e *Engine) HandleSession(ctx context.Context, conn Conn) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return fmt.Errorf("engine stopped")
	}
	if e.session != nil {
		e.mu.Unlock()
		return ErrAgentConnected
	}
	sess := newSession(conn)
	e.session = sess
	e.mu.Unlock()

	defer func() {
		sess.detach()
		e.mu.Lock()
		if e.session == sess {
			e.session = nil
		}
		e.mu.Unlock()
		e.logger.Printf("agent session ended")
	}()

	e.logger.Printf("agent connected")
	if err := e.authenticate(sess); err != nil {
		return err
	}

	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			e.logger.Printf("agent disconnected: %v", err)
			return nil
		}
		go e.handleMessage(ctx, sess, raw)
	}
}

// authenticate enforces auth-first with the handshake deadline. Any failure
// closes the connection.
func (e *Engine) authenticate(sess *session) error {
	if err := sess.conn.SetReadDeadline(e.now().Add(e.cfg.AuthTimeout)); err != nil {
		return fmt.Errorf("set auth deadline: %w", err)
	}
	raw, err := sess.conn.ReadMessage()
	if err != nil {
		_ = sess.send(protocol.NewError(nil, protocol.CodeNotAuthenticated, "Authentication timeout"))
		_ = sess.conn.Close()
		return fmt.Errorf("auth deadline: %w", err)
	}
	if err := sess.conn.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("clear auth deadline: %w", err)
	}

	env, err := protocol.Decode(raw)
	if err != nil {
		_ = sess.send(protocol.NewError(nil, protocol.CodeParseError, "Parse error"))
		_ = sess.conn.Close()
		return fmt.Errorf("auth parse: %w", err)
	}
	if env.Method != protocol.MethodAuth {
		_ = sess.send(protocol.NewError(env.ID, protocol.CodeNotAuthenticated, "Not authenticated"))
		_ = sess.conn.Close()
		return fmt.Errorf("first message was %q, not auth", env.Method)
	}
	var params protocol.AuthParams
	if len(env.Params) > 0 {
		if err := json.Unmarshal(env.Params, &params); err != nil {
			_ = sess.send(protocol.NewError(env.ID, protocol.CodeParseError, "Parse error"))
			_ = sess.conn.Close()
			return fmt.Errorf("auth params: %w", err)
		}
	}
	if params.Token != e.cfg.AgentToken {
		_ = sess.send(protocol.NewError(env.ID, protocol.CodeNotAuthenticated, "Invalid token"))
		_ = sess.conn.Close()
		return errors.New("invalid agent token")
	}

	if err := sess.send(protocol.NewResult(env.ID, map[string]string{"status": "authenticated"})); err != nil {
		return fmt.Errorf("send auth result: %w", err)
	}
	e.logger.Printf("agent authenticated")
	return nil
}

func (e *Engine) handleMessage(ctx context.Context, sess *session, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		e.reply(sess, "", protocol.NewError(nil, protocol.CodeParseError, "Parse error"))
		return
	}

	switch env.Method {
	case "":
		e.reply(sess, "", protocol.NewError(env.ID, protocol.CodeInvalidRequest, "Missing method"))
	case protocol.MethodToolRequest:
		e.handleToolRequest(ctx, sess, env)
	case protocol.MethodListTools:
		e.reply(sess, "", protocol.NewResult(env.ID, map[string]any{"tools": e.registry.AllTools()}))
	case protocol.MethodGetPendingResults:
		e.handleGetPendingResults(ctx, sess, env)
	default:
		e.reply(sess, "", protocol.NewError(env.ID, protocol.CodeMethodNotFound, fmt.Sprintf("Unknown method: %s", env.Method)))
	}
}

func (e *Engine) handleToolRequest(ctx context.Context, sess *session, env protocol.Envelope) {
	if !env.HasID() {
		e.reply(sess, "", protocol.NewError(nil, protocol.CodeInvalidRequest, "Missing request id"))
		return
	}
	idKey := env.IDKey()
	if !sess.claimID(idKey) {
		e.reply(sess, "", protocol.NewError(env.ID, protocol.CodeInvalidRequest, "Duplicate in-flight request id"))
		return
	}
	defer sess.releaseID(idKey)

	var params protocol.ToolRequestParams
	if len(env.Params) > 0 {
		if err := json.Unmarshal(env.Params, &params); err != nil {
			e.reply(sess, "", protocol.NewError(env.ID, protocol.CodeInvalidRequest, "Malformed params"))
			return
		}
	}
	if params.Tool == "" {
		e.reply(sess, "", protocol.NewError(env.ID, protocol.CodeInvalidRequest, "Missing tool name"))
		return
	}
	if params.Args == nil {
		params.Args = map[string]any{}
	}

	req := types.ToolRequest{
		RequestID: ids.New(),
		ToolName:  params.Tool,
		Args:      params.Args,
	}

	if _, _, known := e.registry.Lookup(req.ToolName); !known {
		e.audit(ctx, types.AuditEntry{
			Timestamp:  e.now().UTC(),
			RequestID:  req.RequestID,
			ToolName:   req.ToolName,
			Signature:  req.ToolName,
			Args:       req.Args,
			Decision:   types.DecisionDeny,
			Resolution: types.ResolutionDeniedByPolicy,
			ErrorKind:  types.ErrorKindMethodNotFound,
		})
		e.reply(sess, req.RequestID, protocol.NewError(env.ID, protocol.CodeInvalidRequest, fmt.Sprintf("Unknown tool: %s", req.ToolName)))
		return
	}

	if err := e.registry.ValidateArgs(req.ToolName, req.Args); err != nil {
		e.audit(ctx, types.AuditEntry{
			Timestamp:  e.now().UTC(),
			RequestID:  req.RequestID,
			ToolName:   req.ToolName,
			Signature:  req.ToolName,
			Args:       req.Args,
			Decision:   types.DecisionDeny,
			Resolution: types.ResolutionDeniedByPolicy,
			ErrorKind:  types.ErrorKindInvalidRequest,
		})
		e.reply(sess, req.RequestID, protocol.NewError(env.ID, protocol.CodeInvalidRequest, err.Error()))
		return
	}

	req.Signature = e.registry.BuildSignature(req.ToolName, req.Args)
	decision := e.policy.Evaluate(req.Signature)
	e.logger.Printf("request_id=%s tool=%s signature=%q decision=%s", req.RequestID, req.ToolName, req.Signature, decision)

	switch decision {
	case types.DecisionAllow:
		if !e.limiter.Allow() {
			e.reply(sess, req.RequestID, protocol.NewError(env.ID, protocol.CodeRateLimitExceeded, "Rate limit exceeded"))
			return
		}
		e.executeAndReply(ctx, sess, req, env.ID, types.DecisionAllow)
	case types.DecisionDeny:
		e.audit(ctx, types.AuditEntry{
			Timestamp:  e.now().UTC(),
			RequestID:  req.RequestID,
			ToolName:   req.ToolName,
			Signature:  req.Signature,
			Args:       req.Args,
			Decision:   types.DecisionDeny,
			Resolution: types.ResolutionDeniedByPolicy,
			ErrorKind:  types.ErrorKindPolicyDenied,
		})
		e.reply(sess, req.RequestID, protocol.NewError(env.ID, protocol.CodeDeniedByPolicy, "Denied by policy"))
	case types.DecisionAsk:
		e.askAndReply(ctx, sess, req, env.ID)
	}
}

// executeAndReply dispatches the tool and audits the terminal state. Used by
// the auto-allow path and the post-approval path.
func (e *Engine) executeAndReply(ctx context.Context, sess *session, req types.ToolRequest, envID json.RawMessage, decision types.Decision) {
	entry := types.AuditEntry{
		Timestamp: e.now().UTC(),
		RequestID: req.RequestID,
		ToolName:  req.ToolName,
		Signature: req.Signature,
		Args:      req.Args,
		Decision:  decision,
	}

	data, execErr := e.execute(ctx, req.ToolName, req.Args)
	if execErr != nil {
		entry.Resolution = types.ResolutionExecutionFailed
		entry.ErrorKind = execErr.Kind
		e.audit(ctx, entry)
		e.replyOrQueue(ctx, sess, req,
			protocol.NewError(envID, protocol.CodeExecutionFailed, execErr.Message),
			offlinePayload(types.ResolutionExecutionFailed, nil, execErr.Message))
		return
	}

	entry.Resolution = types.ResolutionExecuted
	entry.Result = data
	e.audit(ctx, entry)
	e.replyOrQueue(ctx, sess, req,
		protocol.NewResult(envID, map[string]any{"status": "executed", "data": data}),
		offlinePayload(types.ResolutionExecuted, data, ""))
}

var errPendingQuota = errors.New("too many pending approvals")

// reservePendingSlot counts waiting approvals and inserts the new pending
// record under one lock, so two concurrent requests cannot both claim the
// last quota slot.
func (e *Engine) reservePendingSlot(ctx context.Context, req types.ToolRequest) (types.PendingApproval, error) {
	e.quotaMu.Lock()
	defer e.quotaMu.Unlock()

	count, err := e.store.CountWaiting(ctx)
	if err != nil {
		return types.PendingApproval{}, fmt.Errorf("count waiting: %w", err)
	}
	if count >= e.cfg.MaxPendingApprovals {
		return types.PendingApproval{}, errPendingQuota
	}

	now := e.now().UTC()
	pending := types.PendingApproval{
		RequestID: req.RequestID,
		ToolName:  req.ToolName,
		Signature: req.Signature,
		Args:      req.Args,
		CreatedAt: now,
		ExpiresAt: now.Add(e.cfg.ApprovalTimeout),
	}
	if err := e.store.InsertPending(ctx, pending); err != nil {
		return types.PendingApproval{}, fmt.Errorf("insert pending: %w", err)
	}
	return pending, nil
}

// askAndReply runs the human approval path: persist the pending record,
// prompt the guardian, and wait for whichever of decision and timeout wins
// the idempotent resolve.
func (e *Engine) askAndReply(ctx context.Context, sess *session, req types.ToolRequest, envID json.RawMessage) {
	pending, quotaErr := e.reservePendingSlot(ctx, req)
	switch {
	case errors.Is(quotaErr, errPendingQuota):
		e.reply(sess, req.RequestID, protocol.NewError(envID, protocol.CodeRateLimitExceeded, "Too many pending approvals"))
		return
	case quotaErr != nil:
		e.logger.Printf("reserve pending slot request_id=%s err=%v", req.RequestID, quotaErr)
		e.reply(sess, req.RequestID, protocol.NewError(envID, protocol.CodeExecutionFailed, "Internal error"))
		return
	}

	waiter := e.registerWaiter(req.RequestID)
	messageID, err := e.messenger.RequestApproval(ctx, messenger.ApprovalRequest{
		RequestID: req.RequestID,
		ToolName:  req.ToolName,
		Signature: req.Signature,
		Args:      req.Args,
	})
	if err != nil {
		// The guardian cannot act on this request; let the timer expire it.
		e.logger.Printf("send approval prompt request_id=%s err=%v", req.RequestID, err)
	} else {
		e.rememberPrompt(req.RequestID, messageID)
	}
	e.armTimer(req.RequestID, pending.ExpiresAt)

	var resolution types.Resolution
	select {
	case resolution = <-waiter:
	case <-e.stopCh:
		// Shutdown: the pending record stays persisted for the next boot.
		e.removeWaiter(req.RequestID)
		return
	}
	e.removeWaiter(req.RequestID)
	e.stopTimer(req.RequestID)

	switch resolution {
	case types.ResolutionApproved:
		e.executeAndReply(ctx, sess, req, envID, types.DecisionAsk)
	case types.ResolutionDeniedByUser:
		e.audit(ctx, types.AuditEntry{
			Timestamp:  e.now().UTC(),
			RequestID:  req.RequestID,
			ToolName:   req.ToolName,
			Signature:  req.Signature,
			Args:       req.Args,
			Decision:   types.DecisionAsk,
			Resolution: types.ResolutionDeniedByUser,
			ErrorKind:  types.ErrorKindUserDenied,
		})
		e.replyOrQueue(ctx, sess, req,
			protocol.NewError(envID, protocol.CodeDeniedByUser, "Denied by user"),
			offlinePayload(types.ResolutionDeniedByUser, nil, ""))
	case types.ResolutionTimedOut:
		e.audit(ctx, types.AuditEntry{
			Timestamp:  e.now().UTC(),
			RequestID:  req.RequestID,
			ToolName:   req.ToolName,
			Signature:  req.Signature,
			Args:       req.Args,
			Decision:   types.DecisionAsk,
			Resolution: types.ResolutionTimedOut,
			ErrorKind:  types.ErrorKindTimedOut,
		})
		e.replyOrQueue(ctx, sess, req,
			protocol.NewError(envID, protocol.CodeApprovalTimeout, "Approval timed out"),
			offlinePayload(types.ResolutionTimedOut, nil, ""))
	}
}

// OfflineResultEntry is the get_pending_results wire shape.
type OfflineResultEntry struct {
	RequestID string          `json:"request_id"`
	ToolName  string          `json:"tool_name"`
	Result    json.RawMessage `json:"result"`
	CreatedAt time.Time       `json:"created_at"`
}

func (e *Engine) handleGetPendingResults(ctx context.Context, sess *session, env protocol.Envelope) {
	results, err := e.store.DrainOfflineResults(ctx)
	if err != nil {
		e.logger.Printf("drain offline results err=%v", err)
		e.reply(sess, "", protocol.NewError(env.ID, protocol.CodeExecutionFailed, "Internal error"))
		return
	}
	entries := make([]OfflineResultEntry, 0, len(results))
	for _, res := range results {
		entries = append(entries, OfflineResultEntry{
			RequestID: res.RequestID,
			ToolName:  res.ToolName,
			Result:    res.Result,
			CreatedAt: res.CreatedAt,
		})
	}
	e.reply(sess, "", protocol.NewResult(env.ID, map[string]any{"results": entries}))
}

func (e *Engine) reply(sess *session, requestID string, env protocol.Envelope) {
	if err := sess.send(env); err != nil {
		e.logger.Printf("send reply request_id=%s err=%v", requestID, err)
	}
}

// replyOrQueue tries online delivery and falls back to the offline result
// queue when the originating session is gone.
func (e *Engine) replyOrQueue(ctx context.Context, sess *session, req types.ToolRequest, env protocol.Envelope, payload json.RawMessage) {
	if err := sess.send(env); err != nil {
		e.logger.Printf("queueing offline result request_id=%s: %v", req.RequestID, err)
		e.queueOffline(ctx, req.RequestID, req.ToolName, payload)
	}
}
