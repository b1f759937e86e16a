// Package lock provides named, timeout-bounded shared/exclusive locks used to
// guard cache entries and the routing-rule file. Guards release exactly once
// no matter how many times Release is called.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Mode 表示锁的持有方式。
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

func (m Mode) String() string {
	if m == Exclusive {
		return "exclusive"
	}
	return "shared"
}

// ErrTimeout 在超时内未能获取锁时返回，可用 errors.Is 判断。
var ErrTimeout = errors.New("lock acquire timeout")

// TimeoutError 记录超时的锁名称、模式与等待时长。
type TimeoutError struct {
	Name    string
	Mode    Mode
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("lock %q (%s) not acquired within %s", e.Name, e.Mode, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// Locker 是加锁原语的抽象，进程内与跨进程实现共享该契约。
type Locker interface {
	// Acquire 阻塞至多 timeout；timeout<=0 时仅受 ctx 约束。
	Acquire(ctx context.Context, name string, mode Mode, timeout time.Duration) (*Guard, error)
	// TryAcquire 立即返回，拿不到锁时 ok 为 false。
	TryAcquire(name string, mode Mode) (*Guard, bool)
}

// Guard 代表一次成功的加锁，Release 可重复调用但只生效一次。
type Guard struct {
	Name string
	Mode Mode

	once    sync.Once
	release func()
}

func newGuard(name string, mode Mode, release func()) *Guard {
	return &Guard{Name: name, Mode: mode, release: release}
}

// Release 释放锁；nil Guard 上调用为 no-op。
func (g *Guard) Release() {
	if g == nil {
		return
	}
	g.once.Do(func() {
		if g.release != nil {
			g.release()
		}
	})
}

// With 在持有锁期间执行 fn，无论 fn 是否出错或 panic 都会释放锁。
func With(ctx context.Context, l Locker, name string, mode Mode, timeout time.Duration, fn func() error) error {
	guard, err := l.Acquire(ctx, name, mode, timeout)
	if err != nil {
		return err
	}
	defer guard.Release()
	return fn()
}
