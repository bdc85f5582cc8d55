package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"toolgate.local/gateway/internal/config"
	"toolgate.local/gateway/internal/dispatch"
	"toolgate.local/gateway/internal/messenger"
	"toolgate.local/gateway/internal/policy"
	"toolgate.local/gateway/internal/protocol"
	"toolgate.local/gateway/internal/registry"
	"toolgate.local/gateway/internal/store"
	"toolgate.local/gateway/internal/types"
)

const testAgentToken = "agent-secret"

// fakeConn is an in-process Conn: messages are pushed into inbound and
// every written envelope is delivered on writes.
type fakeConn struct {
	inbound chan []byte
	writes  chan protocol.Envelope

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		writes:  make(chan protocol.Envelope, 64),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) push(raw string) {
	c.inbound <- []byte(raw)
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case msg := <-c.inbound:
		return msg, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteEnvelope(env protocol.Envelope) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	case c.writes <- env:
		return nil
	}
}

func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// fakeMessenger captures approval prompts and lets tests play the guardian.
type fakeMessenger struct {
	mu       sync.Mutex
	decision messenger.DecisionFunc

	prompts chan messenger.ApprovalRequest
	updates chan string

	failPrompt bool
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{
		prompts: make(chan messenger.ApprovalRequest, 16),
		updates: make(chan string, 16),
	}
}

func (m *fakeMessenger) RequestApproval(_ context.Context, req messenger.ApprovalRequest) (string, error) {
	if m.failPrompt {
		return "", errors.New("messenger unavailable")
	}
	m.prompts <- req
	return "msg-" + req.RequestID, nil
}

func (m *fakeMessenger) UpdateApproval(_ context.Context, _, header string) error {
	m.updates <- header
	return nil
}

func (m *fakeMessenger) OnDecision(fn messenger.DecisionFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decision = fn
}

func (m *fakeMessenger) Start() error { return nil }

func (m *fakeMessenger) Stop() error { return nil }

func (m *fakeMessenger) HealthCheck(context.Context) bool { return true }

func (m *fakeMessenger) decide(requestID, action string) bool {
	m.mu.Lock()
	fn := m.decision
	m.mu.Unlock()
	return fn(messenger.Outcome{
		RequestID: requestID,
		Action:    action,
		UserID:    "guardian-1",
		At:        time.Now(),
	})
}

func testServices(backendURL string) map[string]config.ServiceConfig {
	return map[string]config.ServiceConfig{
		"homeassistant": {
			Name: "homeassistant",
			URL:  backendURL,
			Auth: config.AuthConfig{Type: "none"},
			Tools: []config.ToolDefinition{
				{
					Name:        "ha_get_state",
					ServiceName: "homeassistant",
					Signature:   "{entity_id}",
					Args: map[string]config.ArgDefinition{
						"entity_id": {Required: true},
					},
					Request: &config.RequestDefinition{Method: "GET", Path: "/api/states/{entity_id}"},
				},
				{
					Name:        "ha_call_service",
					ServiceName: "homeassistant",
					Signature:   "{domain}.{service}, {entity_id}",
					Args: map[string]config.ArgDefinition{
						"domain":  {Required: true},
						"service": {Required: true},
					},
					Request: &config.RequestDefinition{
						Method:      "POST",
						Path:        "/api/services/{domain}/{service}",
						BodyExclude: []string{"domain", "service"},
					},
				},
			},
		},
	}
}

func testPermissions() config.Permissions {
	return config.Permissions{
		Rules: []config.PermissionRule{
			{Pattern: "ha_call_service(lock.*)", Action: "deny"},
			{Pattern: "ha_get_state(*)", Action: "allow"},
		},
		Defaults: []config.PermissionRule{
			{Pattern: "*", Action: "ask"},
		},
	}
}

func newTestEngine(t *testing.T, mutate func(*Config)) (*Engine, *store.MemoryStore, *fakeMessenger) {
	t.Helper()
	mem := store.NewMemoryStore()
	eng, fm := newTestEngineWithStore(t, mutate, mem)
	return eng, mem, fm
}

func newTestEngineWithStore(t *testing.T, mutate func(*Config), st store.Store) (*Engine, *fakeMessenger) {
	t.Helper()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "missing") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte(`{"state":"on"}`))
			return
		}
		_, _ = w.Write([]byte(`[{"entity_id":"light.kitchen"}]`))
	}))
	t.Cleanup(backend.Close)

	services := testServices(backend.URL)
	reg, err := registry.New(services)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	pol, err := policy.New(testPermissions())
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}
	exec, err := dispatch.NewExecutor(services, reg, nil)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	t.Cleanup(func() { _ = exec.Close() })

	fm := newFakeMessenger()

	cfg := Config{AgentToken: testAgentToken}
	if mutate != nil {
		mutate(&cfg)
	}
	eng := New(cfg, reg, pol, exec, st, fm, nil, nil)
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(eng.Stop)
	return eng, fm
}

func startSession(t *testing.T, eng *Engine) (*fakeConn, chan error) {
	t.Helper()
	conn := newFakeConn()
	errCh := make(chan error, 1)
	go func() { errCh <- eng.HandleSession(context.Background(), conn) }()
	t.Cleanup(func() { _ = conn.Close() })
	return conn, errCh
}

func authSession(t *testing.T, conn *fakeConn) {
	t.Helper()
	conn.push(fmt.Sprintf(`{"jsonrpc":"2.0","method":"auth","params":{"token":%q},"id":100}`, testAgentToken))
	env := awaitReply(t, conn, "100")
	if env.Error != nil {
		t.Fatalf("auth failed: %+v", env.Error)
	}
}

func awaitReply(t *testing.T, conn *fakeConn, idKey string) protocol.Envelope {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case env := <-conn.writes:
			if env.IDKey() == idKey {
				return env
			}
		case <-deadline:
			t.Fatalf("no reply for id %s", idKey)
		}
	}
}

func awaitNotification(t *testing.T, conn *fakeConn, method string) protocol.Envelope {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case env := <-conn.writes:
			if env.Method == method {
				return env
			}
		case <-deadline:
			t.Fatalf("no notification %s", method)
		}
	}
}

func awaitPrompt(t *testing.T, fm *fakeMessenger) messenger.ApprovalRequest {
	t.Helper()
	select {
	case req := <-fm.prompts:
		return req
	case <-time.After(3 * time.Second):
		t.Fatalf("no approval prompt")
		return messenger.ApprovalRequest{}
	}
}

func resultMap(t *testing.T, env protocol.Envelope) map[string]any {
	t.Helper()
	if env.Error != nil {
		t.Fatalf("expected result, got error %+v", env.Error)
	}
	raw, err := json.Marshal(env.Result)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	return out
}

func expectCode(t *testing.T, env protocol.Envelope, code int, fragment string) {
	t.Helper()
	if env.Error == nil {
		t.Fatalf("expected error %d, got result %v", code, env.Result)
	}
	if env.Error.Code != code {
		t.Fatalf("expected code %d, got %d (%s)", code, env.Error.Code, env.Error.Message)
	}
	if fragment != "" && !strings.Contains(env.Error.Message, fragment) {
		t.Fatalf("expected message containing %q, got %q", fragment, env.Error.Message)
	}
}

func auditFor(t *testing.T, st *store.MemoryStore, requestID string) []types.AuditEntry {
	t.Helper()
	entries, err := st.ListAudit(context.Background(), 0)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	var out []types.AuditEntry
	for _, entry := range entries {
		if entry.RequestID == requestID {
			out = append(out, entry)
		}
	}
	return out
}

func lastAudit(t *testing.T, st *store.MemoryStore) types.AuditEntry {
	t.Helper()
	entries, err := st.ListAudit(context.Background(), 1)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(entries) == 0 {
		t.Fatalf("audit log is empty")
	}
	return entries[0]
}

func TestAuthRequiredFirst(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)
	conn, errCh := startSession(t, eng)

	conn.push(`{"jsonrpc":"2.0","method":"list_tools","id":1}`)
	env := awaitReply(t, conn, "1")
	expectCode(t, env, protocol.CodeNotAuthenticated, "Not authenticated")

	if err := <-errCh; err == nil {
		t.Fatalf("session must end with an error")
	}
}

func TestAuthInvalidToken(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)
	conn, errCh := startSession(t, eng)

	conn.push(`{"jsonrpc":"2.0","method":"auth","params":{"token":"wrong"},"id":1}`)
	env := awaitReply(t, conn, "1")
	expectCode(t, env, protocol.CodeNotAuthenticated, "Invalid token")

	if err := <-errCh; err == nil {
		t.Fatalf("session must end with an error")
	}
}

func TestAuthDisconnectBeforeToken(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)
	conn, errCh := startSession(t, eng)

	_ = conn.Close()
	if err := <-errCh; err == nil {
		t.Fatalf("session must end with an error")
	}
}

func TestSecondAgentRejected(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)
	conn, _ := startSession(t, eng)
	authSession(t, conn)

	second := newFakeConn()
	if err := eng.HandleSession(context.Background(), second); !errors.Is(err, ErrAgentConnected) {
		t.Fatalf("expected ErrAgentConnected, got %v", err)
	}
}

func TestListTools(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)
	conn, _ := startSession(t, eng)
	authSession(t, conn)

	conn.push(`{"jsonrpc":"2.0","method":"list_tools","id":1}`)
	result := resultMap(t, awaitReply(t, conn, "1"))
	tools, ok := result["tools"].([]any)
	if !ok || len(tools) != 2 {
		t.Fatalf("unexpected tools payload: %v", result)
	}
}

func TestUnknownMethod(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)
	conn, _ := startSession(t, eng)
	authSession(t, conn)

	conn.push(`{"jsonrpc":"2.0","method":"do_magic","id":1}`)
	expectCode(t, awaitReply(t, conn, "1"), protocol.CodeMethodNotFound, "do_magic")
}

func TestAutoAllowExecutes(t *testing.T) {
	eng, st, _ := newTestEngine(t, nil)
	conn, _ := startSession(t, eng)
	authSession(t, conn)

	conn.push(`{"jsonrpc":"2.0","method":"tool_request","params":{"tool":"ha_get_state","args":{"entity_id":"light.kitchen"}},"id":1}`)
	result := resultMap(t, awaitReply(t, conn, "1"))
	if result["status"] != "executed" {
		t.Fatalf("unexpected status: %v", result)
	}
	data, ok := result["data"].(map[string]any)
	if !ok || data["state"] != "on" {
		t.Fatalf("unexpected data: %v", result["data"])
	}

	entry := lastAudit(t, st)
	if entry.Decision != types.DecisionAllow || entry.Resolution != types.ResolutionExecuted {
		t.Fatalf("unexpected audit entry: %+v", entry)
	}
	if string(entry.Result) != `{"state":"on"}` {
		t.Fatalf("result not audited: %s", entry.Result)
	}
}

func TestPolicyDeny(t *testing.T) {
	eng, st, fm := newTestEngine(t, nil)
	conn, _ := startSession(t, eng)
	authSession(t, conn)

	conn.push(`{"jsonrpc":"2.0","method":"tool_request","params":{"tool":"ha_call_service","args":{"domain":"lock","service":"unlock","entity_id":"lock.front"}},"id":1}`)
	expectCode(t, awaitReply(t, conn, "1"), protocol.CodeDeniedByPolicy, "Denied by policy")

	entry := lastAudit(t, st)
	if entry.Decision != types.DecisionDeny || entry.Resolution != types.ResolutionDeniedByPolicy {
		t.Fatalf("unexpected audit entry: %+v", entry)
	}
	if entry.ErrorKind != types.ErrorKindPolicyDenied {
		t.Fatalf("unexpected error kind: %s", entry.ErrorKind)
	}
	select {
	case req := <-fm.prompts:
		t.Fatalf("deny must not prompt the guardian: %+v", req)
	default:
	}
}

func TestUnknownToolAudited(t *testing.T) {
	eng, st, _ := newTestEngine(t, nil)
	conn, _ := startSession(t, eng)
	authSession(t, conn)

	conn.push(`{"jsonrpc":"2.0","method":"tool_request","params":{"tool":"nope","args":{}},"id":1}`)
	expectCode(t, awaitReply(t, conn, "1"), protocol.CodeInvalidRequest, "Unknown tool: nope")

	entry := lastAudit(t, st)
	if entry.Decision != types.DecisionDeny || entry.ErrorKind != types.ErrorKindMethodNotFound {
		t.Fatalf("unexpected audit entry: %+v", entry)
	}
}

func TestArgValidationRejectedBeforePolicy(t *testing.T) {
	eng, st, fm := newTestEngine(t, nil)
	conn, _ := startSession(t, eng)
	authSession(t, conn)

	conn.push(`{"jsonrpc":"2.0","method":"tool_request","params":{"tool":"ha_get_state","args":{"entity_id":"light.*"}},"id":1}`)
	expectCode(t, awaitReply(t, conn, "1"), protocol.CodeInvalidRequest, "forbidden characters")

	entry := lastAudit(t, st)
	if entry.ErrorKind != types.ErrorKindInvalidRequest {
		t.Fatalf("unexpected audit entry: %+v", entry)
	}
	select {
	case req := <-fm.prompts:
		t.Fatalf("rejected request must not prompt: %+v", req)
	default:
	}
}

func TestNonScalarArgRejectedBeforePolicy(t *testing.T) {
	eng, st, fm := newTestEngine(t, nil)
	conn, _ := startSession(t, eng)
	authSession(t, conn)

	conn.push(`{"jsonrpc":"2.0","method":"tool_request","params":{"tool":"ha_get_state","args":{"entity_id":["light.*"]}},"id":1}`)
	expectCode(t, awaitReply(t, conn, "1"), protocol.CodeInvalidRequest, "scalar")

	entry := lastAudit(t, st)
	if entry.ErrorKind != types.ErrorKindInvalidRequest || entry.Resolution == types.ResolutionExecuted {
		t.Fatalf("unexpected audit entry: %+v", entry)
	}
	select {
	case req := <-fm.prompts:
		t.Fatalf("rejected request must not prompt: %+v", req)
	default:
	}
}

func TestMissingRequestID(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)
	conn, _ := startSession(t, eng)
	authSession(t, conn)

	conn.push(`{"jsonrpc":"2.0","method":"tool_request","params":{"tool":"ha_get_state","args":{"entity_id":"light.kitchen"}}}`)
	env := awaitReply(t, conn, "")
	expectCode(t, env, protocol.CodeInvalidRequest, "Missing request id")
}

func TestAskApproveExecutes(t *testing.T) {
	eng, st, fm := newTestEngine(t, nil)
	conn, _ := startSession(t, eng)
	authSession(t, conn)

	conn.push(`{"jsonrpc":"2.0","method":"tool_request","params":{"tool":"ha_call_service","args":{"domain":"light","service":"turn_on","entity_id":"light.kitchen"}},"id":1}`)
	prompt := awaitPrompt(t, fm)
	if prompt.Signature != "ha_call_service(light.turn_on, light.kitchen)" {
		t.Fatalf("unexpected prompt signature: %q", prompt.Signature)
	}

	if !fm.decide(prompt.RequestID, messenger.ActionAllow) {
		t.Fatalf("first decision must be accepted")
	}

	result := resultMap(t, awaitReply(t, conn, "1"))
	if result["status"] != "executed" {
		t.Fatalf("unexpected status: %v", result)
	}

	entries := auditFor(t, st, prompt.RequestID)
	if len(entries) != 1 {
		t.Fatalf("expected exactly one audit row, got %d", len(entries))
	}
	if entries[0].Decision != types.DecisionAsk || entries[0].Resolution != types.ResolutionExecuted {
		t.Fatalf("unexpected audit entry: %+v", entries[0])
	}
}

func TestAskDenied(t *testing.T) {
	eng, st, fm := newTestEngine(t, nil)
	conn, _ := startSession(t, eng)
	authSession(t, conn)

	conn.push(`{"jsonrpc":"2.0","method":"tool_request","params":{"tool":"ha_call_service","args":{"domain":"light","service":"turn_off","entity_id":"light.kitchen"}},"id":1}`)
	prompt := awaitPrompt(t, fm)

	if !fm.decide(prompt.RequestID, messenger.ActionDeny) {
		t.Fatalf("first decision must be accepted")
	}
	expectCode(t, awaitReply(t, conn, "1"), protocol.CodeDeniedByUser, "Denied by user")

	entries := auditFor(t, st, prompt.RequestID)
	if len(entries) != 1 || entries[0].Resolution != types.ResolutionDeniedByUser {
		t.Fatalf("unexpected audit rows: %+v", entries)
	}
}

func TestApprovalTimeout(t *testing.T) {
	eng, st, fm := newTestEngine(t, func(cfg *Config) {
		cfg.ApprovalTimeout = 60 * time.Millisecond
	})
	conn, _ := startSession(t, eng)
	authSession(t, conn)

	conn.push(`{"jsonrpc":"2.0","method":"tool_request","params":{"tool":"ha_call_service","args":{"domain":"light","service":"turn_on","entity_id":"light.kitchen"}},"id":1}`)
	prompt := awaitPrompt(t, fm)

	expectCode(t, awaitReply(t, conn, "1"), protocol.CodeApprovalTimeout, "Approval timed out")

	entries := auditFor(t, st, prompt.RequestID)
	if len(entries) != 1 || entries[0].Resolution != types.ResolutionTimedOut {
		t.Fatalf("unexpected audit rows: %+v", entries)
	}
	select {
	case header := <-fm.updates:
		if !strings.Contains(header, "Expired") {
			t.Fatalf("unexpected prompt update: %q", header)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("prompt was not edited on expiry")
	}
}

func TestLateDecisionAfterTimeoutRejected(t *testing.T) {
	eng, st, fm := newTestEngine(t, func(cfg *Config) {
		cfg.ApprovalTimeout = 60 * time.Millisecond
	})
	conn, _ := startSession(t, eng)
	authSession(t, conn)

	conn.push(`{"jsonrpc":"2.0","method":"tool_request","params":{"tool":"ha_call_service","args":{"domain":"light","service":"turn_on","entity_id":"light.kitchen"}},"id":1}`)
	prompt := awaitPrompt(t, fm)
	expectCode(t, awaitReply(t, conn, "1"), protocol.CodeApprovalTimeout, "")

	if fm.decide(prompt.RequestID, messenger.ActionAllow) {
		t.Fatalf("decision after timeout must be rejected")
	}
	if entries := auditFor(t, st, prompt.RequestID); len(entries) != 1 {
		t.Fatalf("late decision must not add audit rows, got %d", len(entries))
	}
}

func TestSecondDecisionRejected(t *testing.T) {
	eng, _, fm := newTestEngine(t, nil)
	conn, _ := startSession(t, eng)
	authSession(t, conn)

	conn.push(`{"jsonrpc":"2.0","method":"tool_request","params":{"tool":"ha_call_service","args":{"domain":"light","service":"turn_on","entity_id":"light.kitchen"}},"id":1}`)
	prompt := awaitPrompt(t, fm)

	if !fm.decide(prompt.RequestID, messenger.ActionDeny) {
		t.Fatalf("first decision must be accepted")
	}
	if fm.decide(prompt.RequestID, messenger.ActionAllow) {
		t.Fatalf("second decision must be rejected")
	}
	expectCode(t, awaitReply(t, conn, "1"), protocol.CodeDeniedByUser, "")
}

func TestDuplicateInFlightRequestID(t *testing.T) {
	eng, _, fm := newTestEngine(t, nil)
	conn, _ := startSession(t, eng)
	authSession(t, conn)

	conn.push(`{"jsonrpc":"2.0","method":"tool_request","params":{"tool":"ha_call_service","args":{"domain":"light","service":"turn_on","entity_id":"light.kitchen"}},"id":7}`)
	prompt := awaitPrompt(t, fm)

	conn.push(`{"jsonrpc":"2.0","method":"tool_request","params":{"tool":"ha_get_state","args":{"entity_id":"light.kitchen"}},"id":7}`)
	expectCode(t, awaitReply(t, conn, "7"), protocol.CodeInvalidRequest, "Duplicate in-flight request id")

	fm.decide(prompt.RequestID, messenger.ActionDeny)
	expectCode(t, awaitReply(t, conn, "7"), protocol.CodeDeniedByUser, "")
}

func TestRateLimitOnAllowPath(t *testing.T) {
	eng, st, _ := newTestEngine(t, func(cfg *Config) {
		cfg.MaxRequestsPerMinute = 2
	})
	conn, _ := startSession(t, eng)
	authSession(t, conn)

	for i := 1; i <= 3; i++ {
		conn.push(fmt.Sprintf(`{"jsonrpc":"2.0","method":"tool_request","params":{"tool":"ha_get_state","args":{"entity_id":"light.kitchen"}},"id":%d}`, i))
	}

	executed, limited := 0, 0
	seen := map[string]bool{}
	deadline := time.After(3 * time.Second)
	for len(seen) < 3 {
		select {
		case env := <-conn.writes:
			if seen[env.IDKey()] {
				t.Fatalf("duplicate reply for id %s", env.IDKey())
			}
			seen[env.IDKey()] = true
			if env.Error == nil {
				executed++
			} else if env.Error.Code == protocol.CodeRateLimitExceeded {
				limited++
			} else {
				t.Fatalf("unexpected error: %+v", env.Error)
			}
		case <-deadline:
			t.Fatalf("missing replies, got %d", len(seen))
		}
	}
	if executed != 2 || limited != 1 {
		t.Fatalf("expected 2 executed and 1 limited, got %d/%d", executed, limited)
	}

	entries, err := st.ListAudit(context.Background(), 0)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("rate-limited request must not be audited, got %d rows", len(entries))
	}
}

func TestPendingApprovalQuota(t *testing.T) {
	eng, _, fm := newTestEngine(t, func(cfg *Config) {
		cfg.MaxPendingApprovals = 1
	})
	conn, _ := startSession(t, eng)
	authSession(t, conn)

	conn.push(`{"jsonrpc":"2.0","method":"tool_request","params":{"tool":"ha_call_service","args":{"domain":"light","service":"turn_on","entity_id":"light.kitchen"}},"id":1}`)
	prompt := awaitPrompt(t, fm)

	conn.push(`{"jsonrpc":"2.0","method":"tool_request","params":{"tool":"ha_call_service","args":{"domain":"light","service":"turn_on","entity_id":"light.bedroom"}},"id":2}`)
	expectCode(t, awaitReply(t, conn, "2"), protocol.CodeRateLimitExceeded, "Too many pending approvals")

	fm.decide(prompt.RequestID, messenger.ActionDeny)
	expectCode(t, awaitReply(t, conn, "1"), protocol.CodeDeniedByUser, "")
}

// slowCountStore widens the window between the quota count and the insert
// that consumes the slot.
type slowCountStore struct {
	store.Store
	delay time.Duration
}

func (s *slowCountStore) CountWaiting(ctx context.Context) (int, error) {
	time.Sleep(s.delay)
	return s.Store.CountWaiting(ctx)
}

func TestPendingApprovalQuotaConcurrent(t *testing.T) {
	mem := store.NewMemoryStore()
	slow := &slowCountStore{Store: mem, delay: 100 * time.Millisecond}
	eng, fm := newTestEngineWithStore(t, func(cfg *Config) {
		cfg.MaxPendingApprovals = 1
	}, slow)
	conn, _ := startSession(t, eng)
	authSession(t, conn)

	conn.push(`{"jsonrpc":"2.0","method":"tool_request","params":{"tool":"ha_call_service","args":{"domain":"light","service":"turn_on","entity_id":"light.kitchen"}},"id":1}`)
	conn.push(`{"jsonrpc":"2.0","method":"tool_request","params":{"tool":"ha_call_service","args":{"domain":"light","service":"turn_on","entity_id":"light.bedroom"}},"id":2}`)

	// Exactly one of the two claims the slot; the other is rejected. The
	// rejection is the only reply until the guardian decides.
	var rejected protocol.Envelope
	select {
	case rejected = <-conn.writes:
	case <-time.After(3 * time.Second):
		t.Fatalf("no quota rejection")
	}
	expectCode(t, rejected, protocol.CodeRateLimitExceeded, "Too many pending approvals")

	prompt := awaitPrompt(t, fm)
	time.Sleep(50 * time.Millisecond)
	select {
	case extra := <-fm.prompts:
		t.Fatalf("second request must not prompt: %+v", extra)
	default:
	}

	count, err := mem.CountWaiting(context.Background())
	if err != nil || count != 1 {
		t.Fatalf("expected exactly one waiting pending, got %d (%v)", count, err)
	}

	winner := "1"
	if rejected.IDKey() == "1" {
		winner = "2"
	}
	if !fm.decide(prompt.RequestID, messenger.ActionDeny) {
		t.Fatalf("decision must be accepted")
	}
	expectCode(t, awaitReply(t, conn, winner), protocol.CodeDeniedByUser, "")
}

func TestExecutionFailureAudited(t *testing.T) {
	eng, st, _ := newTestEngine(t, nil)
	conn, _ := startSession(t, eng)
	authSession(t, conn)

	conn.push(`{"jsonrpc":"2.0","method":"tool_request","params":{"tool":"ha_get_state","args":{"entity_id":"sensor.missing"}},"id":1}`)
	expectCode(t, awaitReply(t, conn, "1"), protocol.CodeExecutionFailed, "resource not found")

	entry := lastAudit(t, st)
	if entry.Resolution != types.ResolutionExecutionFailed || entry.ErrorKind != types.ErrorKindExecNotFound {
		t.Fatalf("unexpected audit entry: %+v", entry)
	}
}

func TestOfflineResultDeliveredOnReconnect(t *testing.T) {
	eng, st, fm := newTestEngine(t, nil)
	conn, errCh := startSession(t, eng)
	authSession(t, conn)

	conn.push(`{"jsonrpc":"2.0","method":"tool_request","params":{"tool":"ha_call_service","args":{"domain":"light","service":"turn_on","entity_id":"light.kitchen"}},"id":1}`)
	prompt := awaitPrompt(t, fm)

	_ = conn.Close()
	if err := <-errCh; err != nil {
		t.Fatalf("disconnect must end the session cleanly: %v", err)
	}

	if !fm.decide(prompt.RequestID, messenger.ActionAllow) {
		t.Fatalf("decision must be accepted")
	}

	// Executed while disconnected; the audit row lands before the offline
	// queue entry, so poll the drain until the result appears.
	reconn, _ := startSession(t, eng)
	authSession(t, reconn)

	deadline := time.Now().Add(3 * time.Second)
	for i := 1; ; i++ {
		reconn.push(fmt.Sprintf(`{"jsonrpc":"2.0","method":"get_pending_results","id":%d}`, i+10))
		result := resultMap(t, awaitReply(t, reconn, fmt.Sprintf("%d", i+10)))
		raw, _ := json.Marshal(result["results"])
		var entries []OfflineResultEntry
		if err := json.Unmarshal(raw, &entries); err != nil {
			t.Fatalf("decode results: %v", err)
		}
		if len(entries) > 0 {
			if len(entries) != 1 || entries[0].RequestID != prompt.RequestID {
				t.Fatalf("unexpected offline entries: %+v", entries)
			}
			var payload struct {
				Status string `json:"status"`
			}
			if err := json.Unmarshal(entries[0].Result, &payload); err != nil {
				t.Fatalf("decode payload: %v", err)
			}
			if payload.Status != "executed" {
				t.Fatalf("unexpected offline status: %q", payload.Status)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("offline result never arrived")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Drained exactly once.
	reconn.push(`{"jsonrpc":"2.0","method":"get_pending_results","id":99}`)
	result := resultMap(t, awaitReply(t, reconn, "99"))
	if entries, ok := result["results"].([]any); ok && len(entries) != 0 {
		t.Fatalf("second drain must be empty: %v", entries)
	}

	entries := auditFor(t, st, prompt.RequestID)
	if len(entries) != 1 || entries[0].Resolution != types.ResolutionExecuted {
		t.Fatalf("unexpected audit rows: %+v", entries)
	}
}

func TestPromptFailureStillTimesOut(t *testing.T) {
	eng, _, fm := newTestEngine(t, func(cfg *Config) {
		cfg.ApprovalTimeout = 60 * time.Millisecond
	})
	fm.failPrompt = true
	conn, _ := startSession(t, eng)
	authSession(t, conn)

	conn.push(`{"jsonrpc":"2.0","method":"tool_request","params":{"tool":"ha_call_service","args":{"domain":"light","service":"turn_on","entity_id":"light.kitchen"}},"id":1}`)
	expectCode(t, awaitReply(t, conn, "1"), protocol.CodeApprovalTimeout, "Approval timed out")
}

func TestStartupSweep(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer backend.Close()

	services := testServices(backend.URL)
	reg, err := registry.New(services)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	pol, err := policy.New(testPermissions())
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}
	exec, err := dispatch.NewExecutor(services, reg, nil)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	defer exec.Close()

	st := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	expired := types.PendingApproval{
		RequestID: "req-expired",
		ToolName:  "ha_call_service",
		Signature: "ha_call_service(light.turn_on, light.kitchen)",
		Args:      map[string]any{"domain": "light", "service": "turn_on", "entity_id": "light.kitchen"},
		CreatedAt: now.Add(-time.Hour),
		ExpiresAt: now.Add(-30 * time.Minute),
	}
	fresh := expired
	fresh.RequestID = "req-fresh"
	fresh.ExpiresAt = now.Add(time.Hour)
	if err := st.InsertPending(ctx, expired); err != nil {
		t.Fatalf("insert expired: %v", err)
	}
	if err := st.InsertPending(ctx, fresh); err != nil {
		t.Fatalf("insert fresh: %v", err)
	}

	eng := New(Config{AgentToken: testAgentToken}, reg, pol, exec, st, newFakeMessenger(), nil, nil)
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	defer eng.Stop()

	entries := auditFor(t, st, "req-expired")
	if len(entries) != 1 || entries[0].Resolution != types.ResolutionTimedOut {
		t.Fatalf("expired pending not audited: %+v", entries)
	}
	if len(auditFor(t, st, "req-fresh")) != 0 {
		t.Fatalf("fresh pending must not be audited at startup")
	}

	rec, err := st.GetPending(ctx, "req-fresh")
	if err != nil {
		t.Fatalf("get fresh: %v", err)
	}
	if !rec.Waiting() {
		t.Fatalf("fresh pending must stay waiting: %+v", rec)
	}

	offline, err := st.DrainOfflineResults(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(offline) != 1 || offline[0].RequestID != "req-expired" {
		t.Fatalf("unexpected offline results: %+v", offline)
	}
}

func TestStopNotifiesOutstandingRequests(t *testing.T) {
	eng, st, fm := newTestEngine(t, nil)
	conn, _ := startSession(t, eng)
	authSession(t, conn)

	conn.push(`{"jsonrpc":"2.0","method":"tool_request","params":{"tool":"ha_call_service","args":{"domain":"light","service":"turn_on","entity_id":"light.kitchen"}},"id":1}`)
	prompt := awaitPrompt(t, fm)

	eng.Stop()

	env := awaitNotification(t, conn, "shutting_down")
	var params struct {
		RequestIDs []string `json:"request_ids"`
	}
	if err := json.Unmarshal(env.Params, &params); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if len(params.RequestIDs) != 1 || params.RequestIDs[0] != prompt.RequestID {
		t.Fatalf("unexpected outstanding ids: %v", params.RequestIDs)
	}

	rec, err := st.GetPending(context.Background(), prompt.RequestID)
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if !rec.Waiting() {
		t.Fatalf("pending must survive shutdown unresolved: %+v", rec)
	}
}

func TestParseErrorReply(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)
	conn, _ := startSession(t, eng)
	authSession(t, conn)

	conn.push(`{broken`)
	env := awaitReply(t, conn, "")
	expectCode(t, env, protocol.CodeParseError, "Parse error")
}
