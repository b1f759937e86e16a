// Package notify delivers best-effort notifications about cache write
// failures and preload lifecycle events. A missing or failing sink never
// affects cache serving.
package notify

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// 事件类型。
const (
	KindCacheWriteFailed  = "cache_write_failed"
	KindPreloadCompleted  = "preload_completed"
	KindPreloadCanceled   = "preload_canceled"
	KindPreloadFailed     = "preload_failed"
	KindMonitorRetry      = "preload_monitor_retry"
	KindMonitorMaxRetries = "preload_monitor_max_retries"
)

// Event 是一次通知的内容。
type Event struct {
	Kind    string
	Message string
	Fields  logrus.Fields
	Err     error
}

// Notifier 接收通知；实现必须是非阻塞且不返回错误的。
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// Nop 丢弃所有通知。
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// LogNotifier 将通知写入结构化日志。
type LogNotifier struct {
	logger *logrus.Logger
}

// NewLogNotifier 基于 logger 创建通知器。
func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, event Event) {
	if n == nil || n.logger == nil {
		return
	}
	entry := n.logger.WithFields(logrus.Fields{"action": "notify", "kind": event.Kind})
	if len(event.Fields) > 0 {
		entry = entry.WithFields(event.Fields)
	}
	if event.Err != nil {
		entry.WithError(event.Err).Warn(event.Message)
		return
	}
	entry.Info(event.Message)
}

// Recorder 在内存中保存收到的通知，供诊断接口与测试读取。
type Recorder struct {
	mu     sync.Mutex
	events []Event
	limit  int
}

// NewRecorder 创建最多保留 limit 条记录的通知器；limit<=0 表示不限。
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

func (r *Recorder) Notify(_ context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	if r.limit > 0 && len(r.events) > r.limit {
		r.events = r.events[len(r.events)-r.limit:]
	}
}

// Events 返回已记录通知的副本。
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Multi 将通知广播给多个通知器。
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, event Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, event)
		}
	}
}
