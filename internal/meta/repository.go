package meta

import (
	"context"
	"errors"
	"fmt"

	"github.com/any-hub/any-cache/internal/storage"
)

// Kind 区分元数据读写失败。
type Kind int

const (
	KindNotReadable Kind = iota + 1
	KindNotWritable
)

var (
	ErrNotReadable = errors.New("metadata not readable")
	ErrNotWritable = errors.New("metadata not writable")
)

// Error 携带失败类别与缓存键。
type Error struct {
	Kind Kind
	Key  string
	Err  error
}

func (e *Error) Error() string {
	if e.Kind == KindNotWritable {
		return fmt.Sprintf("metadata not writable: key=%q: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("metadata not readable: key=%q: %v", e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotReadable:
		return e.Kind == KindNotReadable
	case ErrNotWritable:
		return e.Kind == KindNotWritable
	}
	return false
}

// Repository 将元数据独立于正文保存，读取 Age/指纹时无需解码页面正文。
type Repository struct {
	store      storage.Storage
	sanitizers *Collection
}

// NewRepository 基于 store 构建元数据仓库，写入前统一经过 sanitizers。
func NewRepository(store storage.Storage, sanitizers *Collection) *Repository {
	return &Repository{store: store, sanitizers: sanitizers}
}

// Load 读取元数据；不存在时 ok 为 false 且 err 为 nil。
func (r *Repository) Load(ctx context.Context, key string) (Meta, bool, error) {
	var m Meta
	if err := r.store.Get(ctx, key, &m); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Meta{}, false, nil
		}
		return Meta{}, false, &Error{Kind: KindNotReadable, Key: key, Err: err}
	}
	return m, true, nil
}

// Save 清洗并持久化元数据，返回实际写入的结果。TTL 沿用条目自身的过期策略。
func (r *Repository) Save(ctx context.Context, m Meta) (Meta, error) {
	clean := r.sanitizers.Sanitize(m)
	if err := r.store.Set(ctx, clean.Key, clean, clean.TTL); err != nil {
		return clean, &Error{Kind: KindNotWritable, Key: clean.Key, Err: err}
	}
	return clean, nil
}

// Delete 删除元数据。
func (r *Repository) Delete(ctx context.Context, key string) error {
	if err := r.store.Delete(ctx, key); err != nil {
		return &Error{Kind: KindNotWritable, Key: key, Err: err}
	}
	return nil
}

// Sanitizers 返回仓库使用的 sanitizer 集合。
func (r *Repository) Sanitizers() *Collection {
	return r.sanitizers
}
