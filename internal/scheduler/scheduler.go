// Package scheduler runs named background tasks on fixed intervals. It hosts
// the long-lived invocations that must stay off the request path, such as the
// preload monitor and routing-rule synchronisation.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Task 是一个可周期执行的任务。
type Task struct {
	Name     string
	Interval time.Duration
	// RunOnStart 为 true 时在 Run 开始后立即执行一次。
	RunOnStart bool
	Fn         func(ctx context.Context) error
}

// Scheduler 管理任务注册与执行。同名任务不会并发执行。
type Scheduler struct {
	logger *logrus.Logger

	mu      sync.Mutex
	tasks   map[string]*entry
	order   []string
	running bool
}

type entry struct {
	task    Task
	trigger chan struct{}
	busy    sync.Mutex
	runs    int
	lastErr error
}

// ErrUnknownTask 表示触发了未注册的任务。
var ErrUnknownTask = errors.New("unknown task")

// New 创建调度器。
func New(logger *logrus.Logger) *Scheduler {
	return &Scheduler{logger: logger, tasks: map[string]*entry{}}
}

// Register 注册任务；Run 开始后不再接受新任务。
func (s *Scheduler) Register(task Task) error {
	if task.Name == "" || task.Fn == nil {
		return errors.New("task requires a name and a function")
	}
	if task.Interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", task.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("task %s: scheduler already running", task.Name)
	}
	if _, ok := s.tasks[task.Name]; ok {
		return fmt.Errorf("task %s already registered", task.Name)
	}
	s.tasks[task.Name] = &entry{task: task, trigger: make(chan struct{}, 1)}
	s.order = append(s.order, task.Name)
	return nil
}

// Names 按注册顺序返回任务名。
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Trigger 请求尽快执行一次指定任务；已有挂起的触发时合并。
func (s *Scheduler) Trigger(name string) error {
	s.mu.Lock()
	e, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	select {
	case e.trigger <- struct{}{}:
	default:
	}
	return nil
}

// RunNow 在调用方 goroutine 中同步执行一次任务。
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return s.execute(ctx, e)
}

// Stats 返回任务执行次数与最近一次错误。
func (s *Scheduler) Stats(name string) (runs int, lastErr error, ok bool) {
	s.mu.Lock()
	e, found := s.tasks[name]
	s.mu.Unlock()
	if !found {
		return 0, nil, false
	}
	e.busy.Lock()
	defer e.busy.Unlock()
	return e.runs, e.lastErr, true
}

// Run 启动所有任务并阻塞到 ctx 结束。
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.running = true
	entries := make([]*entry, 0, len(s.order))
	for _, name := range s.order {
		entries = append(entries, s.tasks[name])
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			s.loop(ctx, e)
		}(e)
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	ticker := time.NewTicker(e.task.Interval)
	defer ticker.Stop()

	if e.task.RunOnStart {
		_ = s.execute(ctx, e)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.trigger:
		}
		_ = s.execute(ctx, e)
	}
}

func (s *Scheduler) execute(ctx context.Context, e *entry) (err error) {
	e.busy.Lock()
	defer e.busy.Unlock()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", e.task.Name, r)
		}
		e.runs++
		e.lastErr = err
		s.log(e.task.Name, time.Since(start), err)
	}()
	return e.task.Fn(ctx)
}

func (s *Scheduler) log(name string, elapsed time.Duration, err error) {
	if s.logger == nil {
		return
	}
	entry := s.logger.WithFields(logrus.Fields{
		"action":     "scheduler",
		"task":       name,
		"elapsed_ms": elapsed.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Warn("task_failed")
		return
	}
	entry.Debug("task_done")
}
