// Package store provides the durable audit log, pending-approval records,
// and the offline result queue. The audit log is append-only. Pending
// resolution is idempotent: the first writer wins and later writers observe
// the prior resolution, which is the only synchronization between the
// approval path and the timeout path.
package store

import (
	"context"
	"errors"
	"time"

	"toolgate.local/gateway/internal/types"
)

var ErrNotFound = errors.New("not found")

// ResolveOutcome reports what ResolvePending did. When Won is false the
// call was a no-op and Resolution carries the earlier winner's value.
type ResolveOutcome struct {
	Resolution types.Resolution
	Won        bool
}

type Store interface {
	// AppendAudit inserts one terminal audit row. Rows are never updated.
	AppendAudit(ctx context.Context, entry types.AuditEntry) error
	// ListAudit returns entries newest first.
	ListAudit(ctx context.Context, limit int) ([]types.AuditEntry, error)

	InsertPending(ctx context.Context, pending types.PendingApproval) error
	GetPending(ctx context.Context, requestID string) (types.PendingApproval, error)
	// ResolvePending applies the terminal transition if the record is still
	// waiting. A second resolution is a no-op returning the prior value.
	ResolvePending(ctx context.Context, requestID string, resolution types.Resolution) (ResolveOutcome, error)
	// ListWaiting returns all unresolved pending approvals.
	ListWaiting(ctx context.Context) ([]types.PendingApproval, error)
	CountWaiting(ctx context.Context) (int, error)
	// SweepStale resolves every waiting record with ExpiresAt <= now as
	// timed out and returns the swept records.
	SweepStale(ctx context.Context, now time.Time) ([]types.PendingApproval, error)

	EnqueueOfflineResult(ctx context.Context, result types.OfflineResult) error
	// DrainOfflineResults removes and returns all buffered results. Each
	// result is returned exactly once across all callers.
	DrainOfflineResults(ctx context.Context) ([]types.OfflineResult, error)

	HealthCheck(ctx context.Context) bool
	Close() error
}
