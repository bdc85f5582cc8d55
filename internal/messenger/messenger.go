// Package messenger delivers approval prompts to a human guardian and
// reports their decisions back. Adapters integrate one chat platform each.
package messenger

import (
	"context"
	"time"
)

// ApprovalRequest is a tool request awaiting a human decision.
type ApprovalRequest struct {
	RequestID string
	ToolName  string
	Signature string
	Args      map[string]any
}

const (
	ActionAllow = "allow"
	ActionDeny  = "deny"
)

// Outcome is a guardian's decision on one request.
type Outcome struct {
	RequestID string
	Action    string
	UserID    string
	At        time.Time
}

// DecisionFunc receives a guardian decision. The return value reports
// whether the decision was accepted; false means the request had already
// reached a terminal state and the adapter should tell the guardian so.
type DecisionFunc func(Outcome) bool

// Adapter is one messenger integration. RequestApproval returns an opaque
// message id used for later edits via UpdateApproval.
type Adapter interface {
	RequestApproval(ctx context.Context, req ApprovalRequest) (string, error)
	UpdateApproval(ctx context.Context, messageID, header string) error
	OnDecision(fn DecisionFunc)
	Start() error
	Stop() error
	HealthCheck(ctx context.Context) bool
}
