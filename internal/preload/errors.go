package preload

import (
	"errors"
	"fmt"
)

// Kind 区分预热相关错误。
type Kind int

const (
	KindInProgress Kind = iota + 1
	KindCrawl
	KindDispatch
	KindMaxRetries
)

func (k Kind) String() string {
	switch k {
	case KindInProgress:
		return "preloader_in_progress"
	case KindCrawl:
		return "crawl_failed"
	case KindDispatch:
		return "preload_failed"
	case KindMaxRetries:
		return "monitor_max_retries"
	default:
		return "unknown"
	}
}

var (
	ErrInProgress = errors.New("a preload is already in progress")
	ErrCrawl      = errors.New("sitemap crawl failed")
	ErrPreload    = errors.New("preload failed")
	ErrMaxRetries = errors.New("preload monitor exceeded max retries")
)

// Error 携带错误类别与相关的预热任务 ID。
type Error struct {
	Kind      Kind
	PreloadID string
	Err       error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.PreloadID != "" {
		msg += " (preload_id=" + e.PreloadID + ")"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrInProgress:
		return e.Kind == KindInProgress
	case ErrCrawl:
		return e.Kind == KindCrawl
	case ErrPreload:
		return e.Kind == KindDispatch || e.Kind == KindCrawl
	case ErrMaxRetries:
		return e.Kind == KindMaxRetries
	}
	return false
}
