package htaccess

import (
	"errors"
	"fmt"
)

// Kind 区分规则文件的读写失败。
type Kind int

const (
	KindRead Kind = iota + 1
	KindWrite
)

var (
	ErrRead  = errors.New("rule file read failed")
	ErrWrite = errors.New("rule file write failed")
)

// Error 携带失败类别与规则文件路径。
type Error struct {
	Kind Kind
	Path string
	Err  error
}

func (e *Error) Error() string {
	op := "read"
	if e.Kind == KindWrite {
		op = "write"
	}
	return fmt.Sprintf("%s rule file %s: %v", op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrRead:
		return e.Kind == KindRead
	case ErrWrite:
		return e.Kind == KindWrite
	}
	return false
}
