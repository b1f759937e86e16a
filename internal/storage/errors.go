package storage

import (
	"errors"
	"fmt"
)

// Kind 区分存储层错误的类别。
type Kind int

const (
	KindInvalidKey Kind = iota + 1
	KindNotFound
	KindRead
	KindWrite
)

func (k Kind) String() string {
	switch k {
	case KindInvalidKey:
		return "invalid_key"
	case KindNotFound:
		return "not_found"
	case KindRead:
		return "read_failed"
	case KindWrite:
		return "write_failed"
	default:
		return "unknown"
	}
}

// 供 errors.Is 比较的哨兵错误。
var (
	ErrInvalidKey = errors.New("invalid cache key")
	ErrNotFound   = errors.New("cache entry not found")
	ErrRead       = errors.New("storage read failed")
	ErrWrite      = errors.New("storage write failed")
)

// Error 携带错误类别与对应的缓存键。
type Error struct {
	Kind Kind
	Key  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("storage %s: key=%q", e.Kind, e.Key)
	}
	return fmt.Sprintf("storage %s: key=%q: %v", e.Kind, e.Key, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 让 errors.Is(err, ErrNotFound) 等判断基于 Kind 生效。
func (e *Error) Is(target error) bool {
	switch target {
	case ErrInvalidKey:
		return e.Kind == KindInvalidKey
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrRead:
		return e.Kind == KindRead
	case ErrWrite:
		return e.Kind == KindWrite
	}
	return false
}

func newError(kind Kind, key string, err error) error {
	return &Error{Kind: kind, Key: key, Err: err}
}

// IsNotFound 是 errors.Is(err, ErrNotFound) 的简写。
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
