// Package db opens the gorm handle behind the durable store. Sqlite is the
// embedded default; postgres is available for deployments that already run
// one.
package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	sqliteDriver "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func Open(driver, dsn string) (*gorm.DB, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		driver = "sqlite"
	}
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	gormConfig := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	switch driver {
	case "sqlite":
		if path, onDisk := sqliteFilePath(dsn); onDisk {
			dir := filepath.Dir(path)
			if dir != "" && dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, fmt.Errorf("create sqlite db dir: %w", err)
				}
			}
			handle, err := gorm.Open(sqliteDriver.Open(dsn), gormConfig)
			if err != nil {
				return nil, err
			}
			// Audit data may include request args; keep the file private.
			if err := os.Chmod(path, 0o600); err != nil {
				return nil, fmt.Errorf("chmod sqlite db: %w", err)
			}
			return handle, nil
		}
		return gorm.Open(sqliteDriver.Open(dsn), gormConfig)
	case "postgres":
		return gorm.Open(postgres.Open(dsn), gormConfig)
	default:
		return nil, fmt.Errorf("unsupported storage type %q", driver)
	}
}

// sqliteFilePath extracts the on-disk path from a sqlite DSN, reporting
// false for in-memory databases.
func sqliteFilePath(dsn string) (string, bool) {
	raw := strings.TrimSpace(dsn)
	lower := strings.ToLower(raw)
	if strings.Contains(lower, ":memory:") || strings.Contains(lower, "mode=memory") {
		return "", false
	}
	raw = strings.TrimPrefix(raw, "file:")
	if i := strings.Index(raw, "?"); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "", false
	}
	return raw, true
}
