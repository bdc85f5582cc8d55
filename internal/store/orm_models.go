package store

import (
	"encoding/json"
	"fmt"
	"time"

	"toolgate.local/gateway/internal/types"
)

const statusWaiting = "waiting"

type auditRow struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	Timestamp  time.Time `gorm:"not null;index"`
	RequestID  string    `gorm:"size:64;not null;index"`
	ToolName   string    `gorm:"size:191;not null;index"`
	Signature  string    `gorm:"type:text;not null"`
	ArgsJSON   string    `gorm:"type:text;not null"`
	Decision   string    `gorm:"size:32;not null"`
	Resolution string    `gorm:"size:32;not null"`
	ResultJSON string    `gorm:"type:text"`
	ErrorKind  string    `gorm:"size:64"`
}

func (auditRow) TableName() string {
	return "audit_log"
}

func auditRowFromEntry(entry types.AuditEntry) (auditRow, error) {
	argsJSON, err := json.Marshal(entry.Args)
	if err != nil {
		return auditRow{}, fmt.Errorf("marshal audit args: %w", err)
	}
	row := auditRow{
		Timestamp:  entry.Timestamp,
		RequestID:  entry.RequestID,
		ToolName:   entry.ToolName,
		Signature:  entry.Signature,
		ArgsJSON:   string(argsJSON),
		Decision:   string(entry.Decision),
		Resolution: string(entry.Resolution),
		ErrorKind:  string(entry.ErrorKind),
	}
	if len(entry.Result) > 0 {
		row.ResultJSON = string(entry.Result)
	}
	return row, nil
}

func (r auditRow) toEntry() (types.AuditEntry, error) {
	entry := types.AuditEntry{
		Timestamp:  r.Timestamp,
		RequestID:  r.RequestID,
		ToolName:   r.ToolName,
		Signature:  r.Signature,
		Decision:   types.Decision(r.Decision),
		Resolution: types.Resolution(r.Resolution),
		ErrorKind:  types.ErrorKind(r.ErrorKind),
	}
	if r.ArgsJSON != "" {
		if err := json.Unmarshal([]byte(r.ArgsJSON), &entry.Args); err != nil {
			return types.AuditEntry{}, fmt.Errorf("decode audit args: %w", err)
		}
	}
	if r.ResultJSON != "" {
		entry.Result = json.RawMessage(r.ResultJSON)
	}
	return entry, nil
}

type pendingRow struct {
	RequestID string    `gorm:"primaryKey;size:64"`
	ToolName  string    `gorm:"size:191;not null"`
	Signature string    `gorm:"type:text;not null"`
	ArgsJSON  string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null"`
	ExpiresAt time.Time `gorm:"not null;index"`
	Status    string    `gorm:"size:32;not null;index"`
}

func (pendingRow) TableName() string {
	return "pending_requests"
}

func pendingRowFromRecord(pending types.PendingApproval) (pendingRow, error) {
	argsJSON, err := json.Marshal(pending.Args)
	if err != nil {
		return pendingRow{}, fmt.Errorf("marshal pending args: %w", err)
	}
	status := statusWaiting
	if !pending.Waiting() {
		status = string(pending.Resolution)
	}
	return pendingRow{
		RequestID: pending.RequestID,
		ToolName:  pending.ToolName,
		Signature: pending.Signature,
		ArgsJSON:  string(argsJSON),
		CreatedAt: pending.CreatedAt,
		ExpiresAt: pending.ExpiresAt,
		Status:    status,
	}, nil
}

func (r pendingRow) toRecord() (types.PendingApproval, error) {
	pending := types.PendingApproval{
		RequestID: r.RequestID,
		ToolName:  r.ToolName,
		Signature: r.Signature,
		CreatedAt: r.CreatedAt,
		ExpiresAt: r.ExpiresAt,
	}
	if r.Status != statusWaiting {
		pending.Resolution = types.Resolution(r.Status)
	}
	if r.ArgsJSON != "" {
		if err := json.Unmarshal([]byte(r.ArgsJSON), &pending.Args); err != nil {
			return types.PendingApproval{}, fmt.Errorf("decode pending args: %w", err)
		}
	}
	return pending, nil
}

type offlineResultRow struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	RequestID  string    `gorm:"size:64;not null;index"`
	ToolName   string    `gorm:"size:191;not null"`
	ResultJSON string    `gorm:"type:text;not null"`
	CreatedAt  time.Time `gorm:"not null"`
}

func (offlineResultRow) TableName() string {
	return "offline_results"
}

func (r offlineResultRow) toRecord() types.OfflineResult {
	return types.OfflineResult{
		RequestID: r.RequestID,
		ToolName:  r.ToolName,
		Result:    json.RawMessage(r.ResultJSON),
		CreatedAt: r.CreatedAt,
	}
}
