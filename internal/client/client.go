// Package client is the agent-side SDK for the gateway websocket channel.
// It multiplexes concurrent requests over one authenticated connection.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"toolgate.local/gateway/internal/protocol"
)

const ioTimeout = 10 * time.Second

// Error is a gateway error response.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway error %d: %s", e.Code, e.Message)
}

// IsDenied reports whether the error is a policy or user denial.
func IsDenied(err error) bool {
	var gwErr *Error
	if !errors.As(err, &gwErr) {
		return false
	}
	return gwErr.Code == protocol.CodeDeniedByUser || gwErr.Code == protocol.CodeDeniedByPolicy
}

// IsTimeout reports whether the error is an approval timeout.
func IsTimeout(err error) bool {
	var gwErr *Error
	if !errors.As(err, &gwErr) {
		return false
	}
	return gwErr.Code == protocol.CodeApprovalTimeout
}

type response struct {
	Version string                `json:"jsonrpc"`
	Result  json.RawMessage       `json:"result"`
	Error   *protocol.ErrorObject `json:"error"`
	ID      json.RawMessage       `json:"id"`
}

type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan response
	nextID  int64
	closed  bool

	done chan struct{}
}

// Dial connects and authenticates. The returned client owns the connection.
func Dial(ctx context.Context, url, token string) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: ioTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}

	c := &Client{
		conn:    conn,
		pending: make(map[string]chan response),
		done:    make(chan struct{}),
	}
	if err := c.authenticate(token); err != nil {
		_ = conn.Close()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) authenticate(token string) error {
	params, err := json.Marshal(protocol.AuthParams{Token: token})
	if err != nil {
		return fmt.Errorf("marshal auth params: %w", err)
	}
	env := protocol.Envelope{
		Version: protocol.Version,
		Method:  protocol.MethodAuth,
		Params:  params,
		ID:      json.RawMessage(`"auth-1"`),
	}
	if err := c.write(env); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(ioTimeout))
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	_ = c.conn.SetReadDeadline(time.Time{})

	var resp response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("decode auth response: %w", err)
	}
	if resp.Error != nil {
		return &Error{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	var result struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil || result.Status != "authenticated" {
		return fmt.Errorf("unexpected auth response")
	}
	return nil
}

// ToolRequest submits one tool call and blocks until the gateway replies,
// which may take as long as a human approval.
func (c *Client) ToolRequest(ctx context.Context, tool string, args map[string]any) (json.RawMessage, error) {
	params, err := json.Marshal(protocol.ToolRequestParams{Tool: tool, Args: args})
	if err != nil {
		return nil, fmt.Errorf("marshal tool request: %w", err)
	}
	result, err := c.call(ctx, protocol.MethodToolRequest, params)
	if err != nil {
		return nil, err
	}
	var body struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(result, &body); err != nil {
		return nil, fmt.Errorf("decode tool result: %w", err)
	}
	return body.Data, nil
}

// ToolInfo mirrors the list_tools response entries.
type ToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Service     string                 `json:"service"`
	Args        map[string]ToolArgInfo `json:"args"`
}

type ToolArgInfo struct {
	Required bool   `json:"required"`
	Validate string `json:"validate,omitempty"`
}

func (c *Client) ListTools(ctx context.Context) ([]ToolInfo, error) {
	result, err := c.call(ctx, protocol.MethodListTools, nil)
	if err != nil {
		return nil, err
	}
	var body struct {
		Tools []ToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(result, &body); err != nil {
		return nil, fmt.Errorf("decode tool list: %w", err)
	}
	return body.Tools, nil
}

// OfflineResult is one buffered result from a resolution that happened
// while the agent was disconnected.
type OfflineResult struct {
	RequestID string          `json:"request_id"`
	ToolName  string          `json:"tool_name"`
	Result    json.RawMessage `json:"result"`
	CreatedAt time.Time       `json:"created_at"`
}

func (c *Client) GetPendingResults(ctx context.Context) ([]OfflineResult, error) {
	result, err := c.call(ctx, protocol.MethodGetPendingResults, nil)
	if err != nil {
		return nil, err
	}
	var body struct {
		Results []OfflineResult `json:"results"`
	}
	if err := json.Unmarshal(result, &body); err != nil {
		return nil, fmt.Errorf("decode pending results: %w", err)
	}
	return body.Results, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

// Done closes when the read loop exits (connection lost or closed).
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	id, ch := c.register()
	defer c.unregister(id)

	env := protocol.Envelope{
		Version: protocol.Version,
		Method:  method,
		Params:  params,
		ID:      json.RawMessage(id),
	}
	if err := c.write(env); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, &Error{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		return resp.Result, nil
	case <-c.done:
		return nil, fmt.Errorf("connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) register() (string, chan response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := strconv.FormatInt(c.nextID, 10)
	ch := make(chan response, 1)
	c.pending[id] = ch
	return id, ch
}

func (c *Client) unregister(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

func (c *Client) write(env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var resp response
		if err := json.Unmarshal(raw, &resp); err != nil {
			continue
		}
		if len(resp.ID) == 0 {
			// Notification (e.g. shutting_down); nothing to correlate.
			continue
		}
		c.mu.Lock()
		ch := c.pending[string(resp.ID)]
		c.mu.Unlock()
		if ch != nil {
			ch <- resp
		}
	}
}
