// Package types holds the data model shared across the gateway: tool
// requests, policy decisions, terminal resolutions, and the durable
// records derived from them.
package types

import (
	"encoding/json"
	"time"
)

// Decision is the outcome of policy evaluation for a tool request.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionAsk   Decision = "ask"
	DecisionDeny  Decision = "deny"
)

// Resolution is the terminal state of a request lifecycle.
type Resolution string

const (
	ResolutionApproved        Resolution = "approved"
	ResolutionDeniedByUser    Resolution = "denied_by_user"
	ResolutionTimedOut        Resolution = "timed_out"
	ResolutionExecuted        Resolution = "executed"
	ResolutionExecutionFailed Resolution = "execution_failed"
	ResolutionDeniedByPolicy  Resolution = "denied_by_policy"
)

// ErrorKind classifies per-request failures for auditing.
type ErrorKind string

const (
	ErrorKindNone            ErrorKind = ""
	ErrorKindParse           ErrorKind = "parse"
	ErrorKindInvalidRequest  ErrorKind = "invalid_request"
	ErrorKindMethodNotFound  ErrorKind = "method_not_found"
	ErrorKindNotAuthed       ErrorKind = "not_authenticated"
	ErrorKindRateLimited     ErrorKind = "rate_limited"
	ErrorKindPolicyDenied    ErrorKind = "policy_denied"
	ErrorKindUserDenied      ErrorKind = "user_denied"
	ErrorKindTimedOut        ErrorKind = "timed_out"
	ErrorKindExecAuth        ErrorKind = "execution_auth"
	ErrorKindExecNotFound    ErrorKind = "execution_not_found"
	ErrorKindExecConnection  ErrorKind = "execution_connection"
	ErrorKindExecProtocol    ErrorKind = "execution_protocol"
	ErrorKindExecOther       ErrorKind = "execution_other"
	ErrorKindInternal        ErrorKind = "internal"
)

// ToolRequest is an immutable request received from the agent. RequestID is
// generated by the gateway, never taken from the wire.
type ToolRequest struct {
	RequestID string
	ToolName  string
	Args      map[string]any
	Signature string
}

// PendingApproval is the durable record of a request awaiting a human
// decision.
type PendingApproval struct {
	RequestID string
	ToolName  string
	Signature string
	Args      map[string]any
	CreatedAt time.Time
	ExpiresAt time.Time
	// Resolution is zero while the approval is still waiting.
	Resolution Resolution
}

// Waiting reports whether the pending approval has not yet reached a
// terminal resolution.
func (p PendingApproval) Waiting() bool {
	return p.Resolution == ""
}

// AuditEntry is one append-only row of the audit log. Entries are written
// exactly once, at the terminal state of a request.
type AuditEntry struct {
	Timestamp  time.Time
	RequestID  string
	ToolName   string
	Signature  string
	Args       map[string]any
	Decision   Decision
	Resolution Resolution
	Result     json.RawMessage
	ErrorKind  ErrorKind
}

// OfflineResult buffers a resolution whose reply could not be delivered to
// its originating session.
type OfflineResult struct {
	RequestID string
	ToolName  string
	Result    json.RawMessage
	CreatedAt time.Time
}
