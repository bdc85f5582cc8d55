package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"toolgate.local/gateway/internal/client"
	"toolgate.local/gateway/internal/config"
	"toolgate.local/gateway/internal/dispatch"
	"toolgate.local/gateway/internal/engine"
	"toolgate.local/gateway/internal/messenger"
	"toolgate.local/gateway/internal/policy"
	"toolgate.local/gateway/internal/protocol"
	"toolgate.local/gateway/internal/registry"
	"toolgate.local/gateway/internal/store"
)

const testAgentToken = "agent-secret"

// autoAdapter decides every prompt by itself, playing an instant guardian.
type autoAdapter struct {
	mu     sync.Mutex
	fn     messenger.DecisionFunc
	action string
}

func (a *autoAdapter) RequestApproval(_ context.Context, req messenger.ApprovalRequest) (string, error) {
	a.mu.Lock()
	fn := a.fn
	action := a.action
	a.mu.Unlock()
	go fn(messenger.Outcome{RequestID: req.RequestID, Action: action, UserID: "guardian-1", At: time.Now()})
	return "msg-" + req.RequestID, nil
}

func (a *autoAdapter) UpdateApproval(context.Context, string, string) error { return nil }

func (a *autoAdapter) OnDecision(fn messenger.DecisionFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fn = fn
}

func (a *autoAdapter) Start() error { return nil }

func (a *autoAdapter) Stop() error { return nil }

func (a *autoAdapter) HealthCheck(context.Context) bool { return true }

func newGateway(t *testing.T, action string) *httptest.Server {
	t.Helper()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"state":"on"}`))
	}))
	t.Cleanup(backend.Close)

	services := map[string]config.ServiceConfig{
		"homeassistant": {
			Name: "homeassistant",
			URL:  backend.URL,
			Auth: config.AuthConfig{Type: "none"},
			Tools: []config.ToolDefinition{
				{
					Name:        "ha_get_state",
					ServiceName: "homeassistant",
					Signature:   "{entity_id}",
					Args:        map[string]config.ArgDefinition{"entity_id": {Required: true}},
					Request:     &config.RequestDefinition{Method: "GET", Path: "/api/states/{entity_id}"},
				},
				{
					Name:        "ha_call_service",
					ServiceName: "homeassistant",
					Signature:   "{domain}.{service}, {entity_id}",
					Args: map[string]config.ArgDefinition{
						"domain":  {Required: true},
						"service": {Required: true},
					},
					Request: &config.RequestDefinition{Method: "POST", Path: "/api/services/{domain}/{service}"},
				},
			},
		},
	}
	reg, err := registry.New(services)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	pol, err := policy.New(config.Permissions{
		Rules: []config.PermissionRule{
			{Pattern: "ha_call_service(lock.*)", Action: "deny"},
			{Pattern: "ha_get_state(*)", Action: "allow"},
		},
		Defaults: []config.PermissionRule{{Pattern: "*", Action: "ask"}},
	})
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}
	exec, err := dispatch.NewExecutor(services, reg, nil)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	t.Cleanup(func() { _ = exec.Close() })

	eng := engine.New(engine.Config{AgentToken: testAgentToken}, reg, pol, exec,
		store.NewMemoryStore(), &autoAdapter{action: action}, nil, nil)
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(eng.Stop)

	srv := NewServer(log.New(io.Discard, "", 0), "127.0.0.1:0", eng)
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/agent"
}

func TestHealthz(t *testing.T) {
	ts := newGateway(t, messenger.ActionAllow)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}

	var status engine.HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if status.Status != "healthy" || !status.Checks.Store || !status.Checks.Messenger {
		t.Fatalf("unexpected health: %+v", status)
	}
	if healthy, ok := status.Checks.Services["homeassistant"]; !ok || !healthy {
		t.Fatalf("service check missing: %+v", status.Checks.Services)
	}
}

func TestHealthzMethodNotAllowed(t *testing.T) {
	ts := newGateway(t, messenger.ActionAllow)

	resp, err := http.Post(ts.URL+"/healthz", "application/json", nil)
	if err != nil {
		t.Fatalf("post healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
}

func TestAgentEndToEnd(t *testing.T) {
	ts := newGateway(t, messenger.ActionAllow)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := client.Dial(ctx, wsURL(ts), testAgentToken)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	tools, err := c.ListTools(ctx)
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("unexpected tool count: %d", len(tools))
	}

	// Auto-allowed by policy.
	data, err := c.ToolRequest(ctx, "ha_get_state", map[string]any{"entity_id": "light.kitchen"})
	if err != nil {
		t.Fatalf("tool request: %v", err)
	}
	if string(data) != `{"state":"on"}` {
		t.Fatalf("unexpected data: %s", data)
	}

	// Requires approval; the adapter approves instantly.
	data, err = c.ToolRequest(ctx, "ha_call_service", map[string]any{
		"domain": "light", "service": "turn_on", "entity_id": "light.kitchen",
	})
	if err != nil {
		t.Fatalf("approved request: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("approved request returned no data")
	}

	results, err := c.GetPendingResults(ctx)
	if err != nil {
		t.Fatalf("pending results: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("unexpected offline results: %+v", results)
	}
}

func TestAgentDenials(t *testing.T) {
	ts := newGateway(t, messenger.ActionDeny)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := client.Dial(ctx, wsURL(ts), testAgentToken)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	_, err = c.ToolRequest(ctx, "ha_call_service", map[string]any{
		"domain": "lock", "service": "unlock", "entity_id": "lock.front",
	})
	if !client.IsDenied(err) {
		t.Fatalf("expected policy denial, got %v", err)
	}

	_, err = c.ToolRequest(ctx, "ha_call_service", map[string]any{
		"domain": "light", "service": "turn_on", "entity_id": "light.kitchen",
	})
	if !client.IsDenied(err) {
		t.Fatalf("expected user denial, got %v", err)
	}
}

func TestDialInvalidToken(t *testing.T) {
	ts := newGateway(t, messenger.ActionAllow)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := client.Dial(ctx, wsURL(ts), "wrong-token")
	if err == nil {
		t.Fatalf("expected auth failure")
	}
	var gwErr *client.Error
	if !errors.As(err, &gwErr) || gwErr.Code != protocol.CodeNotAuthenticated {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSecondAgentClosedWithCode(t *testing.T) {
	ts := newGateway(t, messenger.ActionAllow)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	first, err := client.Dial(ctx, wsURL(ts), testAgentToken)
	if err != nil {
		t.Fatalf("dial first: %v", err)
	}
	defer first.Close()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != CloseAgentConnected {
		t.Fatalf("expected close code %d, got %v", CloseAgentConnected, err)
	}
}
