package storage

import (
	"fmt"
	"path/filepath"
)

// Open 根据驱动名称在 basePath 下打开持久化后端。
func Open(driver, basePath string) (Backend, error) {
	switch driver {
	case "", "file":
		return NewFileBackend(filepath.Join(basePath, "kv"))
	case "leveldb":
		return NewLevelDBBackend(filepath.Join(basePath, "leveldb"))
	case "sqlite":
		return NewSQLiteBackend(filepath.Join(basePath, "any-cache.db"))
	case "memory":
		return NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}
