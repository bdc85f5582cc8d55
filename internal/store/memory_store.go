package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"toolgate.local/gateway/internal/types"
)

// MemoryStore mirrors GormStore semantics without persistence. Used in
// tests and useful for local experimentation.
type MemoryStore struct {
	mu      sync.Mutex
	audit   []types.AuditEntry
	pending map[string]types.PendingApproval
	offline []types.OfflineResult
	closed  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pending: make(map[string]types.PendingApproval),
	}
}

func (s *MemoryStore) AppendAudit(_ context.Context, entry types.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}
	s.audit = append(s.audit, entry)
	return nil
}

func (s *MemoryStore) ListAudit(_ context.Context, limit int) ([]types.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("memory store is closed")
	}
	out := make([]types.AuditEntry, len(s.audit))
	copy(out, s.audit)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) InsertPending(_ context.Context, pending types.PendingApproval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}
	if _, exists := s.pending[pending.RequestID]; exists {
		return fmt.Errorf("pending %s already exists", pending.RequestID)
	}
	s.pending[pending.RequestID] = pending
	return nil
}

func (s *MemoryStore) GetPending(_ context.Context, requestID string) (types.PendingApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.pending[requestID]
	if !ok {
		return types.PendingApproval{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) ResolvePending(_ context.Context, requestID string, resolution types.Resolution) (ResolveOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.pending[requestID]
	if !ok {
		return ResolveOutcome{}, ErrNotFound
	}
	if !rec.Waiting() {
		return ResolveOutcome{Resolution: rec.Resolution, Won: false}, nil
	}
	rec.Resolution = resolution
	s.pending[requestID] = rec
	return ResolveOutcome{Resolution: resolution, Won: true}, nil
}

func (s *MemoryStore) ListWaiting(_ context.Context) ([]types.PendingApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.PendingApproval, 0, len(s.pending))
	for _, rec := range s.pending {
		if rec.Waiting() {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CountWaiting(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, rec := range s.pending {
		if rec.Waiting() {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) SweepStale(_ context.Context, now time.Time) ([]types.PendingApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var swept []types.PendingApproval
	for id, rec := range s.pending {
		if rec.Waiting() && !rec.ExpiresAt.After(now) {
			rec.Resolution = types.ResolutionTimedOut
			s.pending[id] = rec
			swept = append(swept, rec)
		}
	}
	sort.Slice(swept, func(i, j int) bool { return swept[i].CreatedAt.Before(swept[j].CreatedAt) })
	return swept, nil
}

func (s *MemoryStore) EnqueueOfflineResult(_ context.Context, result types.OfflineResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}
	s.offline = append(s.offline, result)
	return nil
}

func (s *MemoryStore) DrainOfflineResults(_ context.Context) ([]types.OfflineResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	drained := s.offline
	s.offline = nil
	return drained, nil
}

func (s *MemoryStore) HealthCheck(_ context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
