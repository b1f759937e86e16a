package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Storage 是页面缓存、元数据与预热状态共用的键值存取契约。
type Storage interface {
	// Get 将键对应的值解码进 dest；不存在或已过期时返回 ErrNotFound。
	Get(ctx context.Context, key any, dest any) error
	// Set 写入值；ttl<=0 表示永不过期。
	Set(ctx context.Context, key any, value any, ttl time.Duration) error
	// Delete 删除键，键不存在时视为成功。
	Delete(ctx context.Context, key any) error
	// Has 判断键是否存在且未过期。
	Has(ctx context.Context, key any) (bool, error)
}

// Backend 是各驱动需要实现的字节级持久化接口，键已经过 FormatKey 规范化。
// Load 在键不存在时必须返回 ErrNotFound。
type Backend interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
	Remove(ctx context.Context, key string) error
	Close() error
}

// envelope 是落盘格式，ExpiresAt 为 UnixNano，0 表示不过期。
type envelope struct {
	Value     json.RawMessage `json:"value"`
	ExpiresAt int64           `json:"expires_at,omitempty"`
}

// Store 在 Backend 之上提供命名空间、序列化与 TTL 语义。
type Store struct {
	backend   Backend
	namespace string
	now       func() time.Time
}

// New 基于 backend 构建指定命名空间的 Store。
func New(backend Backend, namespace string) *Store {
	return &Store{
		backend:   backend,
		namespace: namespace,
		now:       time.Now,
	}
}

// Namespace 返回共享同一 Backend 的另一个命名空间视图。
func (s *Store) Namespace(namespace string) *Store {
	return &Store{
		backend:   s.backend,
		namespace: namespace,
		now:       s.now,
	}
}

// WithClock 替换时钟，便于测试 TTL。
func (s *Store) WithClock(now func() time.Time) *Store {
	clone := *s
	clone.now = now
	return &clone
}

// Backend 暴露底层驱动，供关闭资源时使用。
func (s *Store) Backend() Backend {
	return s.backend
}

func (s *Store) Get(ctx context.Context, key any, dest any) error {
	formatted, err := FormatKey(s.namespace, key)
	if err != nil {
		return err
	}
	env, err := s.load(ctx, formatted)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(env.Value, dest); err != nil {
		return newError(KindRead, formatted, err)
	}
	return nil
}

func (s *Store) Set(ctx context.Context, key any, value any, ttl time.Duration) error {
	formatted, err := FormatKey(s.namespace, key)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return newError(KindWrite, formatted, err)
	}
	env := envelope{Value: encoded}
	if ttl > 0 {
		env.ExpiresAt = s.now().Add(ttl).UnixNano()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return newError(KindWrite, formatted, err)
	}
	if err := s.backend.Save(ctx, formatted, data); err != nil {
		return newError(KindWrite, formatted, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key any) error {
	formatted, err := FormatKey(s.namespace, key)
	if err != nil {
		return err
	}
	if err := s.backend.Remove(ctx, formatted); err != nil && !errors.Is(err, ErrNotFound) {
		return newError(KindWrite, formatted, err)
	}
	return nil
}

func (s *Store) Has(ctx context.Context, key any) (bool, error) {
	formatted, err := FormatKey(s.namespace, key)
	if err != nil {
		return false, err
	}
	if _, err := s.load(ctx, formatted); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// load 读取并解析信封，过期条目会被顺带清理并视为不存在。
func (s *Store) load(ctx context.Context, formatted string) (envelope, error) {
	var env envelope
	data, err := s.backend.Load(ctx, formatted)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return env, newError(KindNotFound, formatted, nil)
		}
		return env, newError(KindRead, formatted, err)
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, newError(KindRead, formatted, err)
	}
	if env.ExpiresAt > 0 && s.now().UnixNano() >= env.ExpiresAt {
		_ = s.backend.Remove(ctx, formatted)
		return env, newError(KindNotFound, formatted, nil)
	}
	return env, nil
}
