package storage

import (
	"context"
	"errors"

	"github.com/syndtr/goleveldb/leveldb"
)

// LevelDBBackend 使用 goleveldb 持久化条目，适合条目数量较大的站点。
type LevelDBBackend struct {
	db *leveldb.DB
}

// NewLevelDBBackend 打开（或创建）path 下的 leveldb 数据库。
func NewLevelDBBackend(path string) (*LevelDBBackend, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDBBackend{db: db}, nil
}

func (l *LevelDBBackend) Load(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := l.db.Get([]byte("e:"+key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (l *LevelDBBackend) Save(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.db.Put([]byte("e:"+key), data, nil)
}

func (l *LevelDBBackend) Remove(ctx context.Context, key string) error {
	batch := new(leveldb.Batch)
	batch.Delete([]byte("e:" + key))
	return l.db.Write(batch, nil)
}

func (l *LevelDBBackend) Close() error {
	return l.db.Close()
}
