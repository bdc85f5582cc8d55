package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"toolgate.local/gateway/internal/db"
	"toolgate.local/gateway/internal/types"
)

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(driver, dsn string) (*GormStore, error) {
	handle, err := db.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	store := &GormStore{db: handle}
	if err := store.migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *GormStore) migrate() error {
	return s.db.AutoMigrate(&auditRow{}, &pendingRow{}, &offlineResultRow{})
}

func (s *GormStore) AppendAudit(ctx context.Context, entry types.AuditEntry) error {
	row, err := auditRowFromEntry(entry)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (s *GormStore) ListAudit(ctx context.Context, limit int) ([]types.AuditEntry, error) {
	query := s.db.WithContext(ctx).Model(&auditRow{}).Order("timestamp DESC, id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []auditRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	out := make([]types.AuditEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := row.toEntry()
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *GormStore) InsertPending(ctx context.Context, pending types.PendingApproval) error {
	row, err := pendingRowFromRecord(pending)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert pending: %w", err)
	}
	return nil
}

func (s *GormStore) GetPending(ctx context.Context, requestID string) (types.PendingApproval, error) {
	var row pendingRow
	err := s.db.WithContext(ctx).Where("request_id = ?", requestID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return types.PendingApproval{}, ErrNotFound
		}
		return types.PendingApproval{}, fmt.Errorf("get pending: %w", err)
	}
	return row.toRecord()
}

func (s *GormStore) ResolvePending(ctx context.Context, requestID string, resolution types.Resolution) (ResolveOutcome, error) {
	var outcome ResolveOutcome
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&pendingRow{}).
			Where("request_id = ? AND status = ?", requestID, statusWaiting).
			Update("status", string(resolution))
		if res.Error != nil {
			return fmt.Errorf("resolve pending: %w", res.Error)
		}
		if res.RowsAffected > 0 {
			outcome = ResolveOutcome{Resolution: resolution, Won: true}
			return nil
		}

		var row pendingRow
		if err := tx.Where("request_id = ?", requestID).Take(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("resolve pending lookup: %w", err)
		}
		outcome = ResolveOutcome{Resolution: types.Resolution(row.Status), Won: false}
		return nil
	})
	if err != nil {
		return ResolveOutcome{}, err
	}
	return outcome, nil
}

func (s *GormStore) ListWaiting(ctx context.Context) ([]types.PendingApproval, error) {
	var rows []pendingRow
	err := s.db.WithContext(ctx).
		Where("status = ?", statusWaiting).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list waiting: %w", err)
	}
	out := make([]types.PendingApproval, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *GormStore) CountWaiting(ctx context.Context) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&pendingRow{}).
		Where("status = ?", statusWaiting).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count waiting: %w", err)
	}
	return int(count), nil
}

func (s *GormStore) SweepStale(ctx context.Context, now time.Time) ([]types.PendingApproval, error) {
	var swept []types.PendingApproval
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []pendingRow
		if err := tx.Where("status = ? AND expires_at <= ?", statusWaiting, now).Find(&rows).Error; err != nil {
			return fmt.Errorf("sweep select: %w", err)
		}
		for _, row := range rows {
			res := tx.Model(&pendingRow{}).
				Where("request_id = ? AND status = ?", row.RequestID, statusWaiting).
				Update("status", string(types.ResolutionTimedOut))
			if res.Error != nil {
				return fmt.Errorf("sweep resolve: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				continue
			}
			rec, err := row.toRecord()
			if err != nil {
				return err
			}
			rec.Resolution = types.ResolutionTimedOut
			swept = append(swept, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return swept, nil
}

func (s *GormStore) EnqueueOfflineResult(ctx context.Context, result types.OfflineResult) error {
	row := offlineResultRow{
		RequestID:  result.RequestID,
		ToolName:   result.ToolName,
		ResultJSON: string(result.Result),
		CreatedAt:  result.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("enqueue offline result: %w", err)
	}
	return nil
}

func (s *GormStore) DrainOfflineResults(ctx context.Context) ([]types.OfflineResult, error) {
	var drained []types.OfflineResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []offlineResultRow
		if err := tx.Order("created_at ASC, id ASC").Find(&rows).Error; err != nil {
			return fmt.Errorf("drain select: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		ids := make([]uint, 0, len(rows))
		for _, row := range rows {
			ids = append(ids, row.ID)
			drained = append(drained, row.toRecord())
		}
		if err := tx.Where("id IN ?", ids).Delete(&offlineResultRow{}).Error; err != nil {
			return fmt.Errorf("drain delete: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return drained, nil
}

func (s *GormStore) HealthCheck(ctx context.Context) bool {
	sqlDB, err := s.db.DB()
	if err != nil {
		return false
	}
	return sqlDB.PingContext(ctx) == nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}
