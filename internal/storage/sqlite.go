package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteBackend 将条目保存在单表 SQLite 数据库中。
type SQLiteBackend struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteBackend 打开 filename 对应的数据库；filename 为空时使用共享内存库。
func NewSQLiteBackend(filename string) (*SQLiteBackend, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	} else if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS entries (
		key TEXT PRIMARY KEY,
		bytes BLOB
	)`); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteBackend{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteBackend) Load(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT bytes FROM entries WHERE key = ?", key).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (s *SQLiteBackend) Save(ctx context.Context, key string, data []byte) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, "INSERT OR REPLACE INTO entries (key, bytes) VALUES (?, ?)", key, data)
	return err
}

func (s *SQLiteBackend) Remove(ctx context.Context, key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE key = ?", key)
	return err
}

func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}
