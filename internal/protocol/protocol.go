// Package protocol implements the JSON envelope exchanged with agents over
// the websocket channel.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const Version = "2.0"

// Error codes carried on response envelopes.
const (
	CodeParseError        = -32700
	CodeInvalidRequest    = -32600
	CodeMethodNotFound    = -32601
	CodeDeniedByUser      = -32001
	CodeApprovalTimeout   = -32002
	CodeDeniedByPolicy    = -32003
	CodeExecutionFailed   = -32004
	CodeNotAuthenticated  = -32005
	CodeRateLimitExceeded = -32006
)

// Methods accepted on the agent channel.
const (
	MethodAuth              = "auth"
	MethodToolRequest       = "tool_request"
	MethodListTools         = "list_tools"
	MethodGetPendingResults = "get_pending_results"
)

var ErrMalformed = errors.New("malformed envelope")

// Envelope is a request or response frame. ID is kept raw so it can be
// echoed back exactly as the agent sent it.
type Envelope struct {
	Version string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type AuthParams struct {
	Token string `json:"token"`
}

type ToolRequestParams struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// Decode parses one inbound frame. A missing or non-scalar payload yields
// ErrMalformed so the caller can answer with a parse error.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return env, nil
}

// HasID reports whether the envelope carries a usable correlation id.
func (e Envelope) HasID() bool {
	trimmed := strings.TrimSpace(string(e.ID))
	return trimmed != "" && trimmed != "null"
}

// IDKey returns a map key for the envelope id, valid only when HasID.
func (e Envelope) IDKey() string {
	return string(e.ID)
}

func NewResult(id json.RawMessage, result any) Envelope {
	return Envelope{Version: Version, Result: result, ID: id}
}

func NewError(id json.RawMessage, code int, message string) Envelope {
	return Envelope{
		Version: Version,
		Error:   &ErrorObject{Code: code, Message: message},
		ID:      id,
	}
}

// Encode serializes an envelope for the wire.
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}
