package config

import (
	"errors"
	"strings"
)

// ErrInvalid 标记语义校验失败的配置，可通过 errors.Is 判断。
var ErrInvalid = errors.New("invalid config")

// FieldError 指出出错字段（如 Origin.Upstream）及原因，供 check-config 直接展示。
type FieldError struct {
	Field  string
	Reason string
	// Err 为底层解析错误，可能为空。
	Err error
}

func (e *FieldError) Error() string {
	var b strings.Builder
	b.WriteString(e.Field)
	b.WriteString(": ")
	b.WriteString(e.Reason)
	if e.Err != nil {
		if e.Reason != "" {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *FieldError) Unwrap() error { return e.Err }

func (e *FieldError) Is(target error) bool { return target == ErrInvalid }

func fieldError(section, field, reason string) error {
	return &FieldError{Field: section + "." + field, Reason: reason}
}

func wrapField(section, field string, err error) error {
	return &FieldError{Field: section + "." + field, Err: err}
}
