package lock

import (
	"context"
	"sync"
	"time"
)

// Manager 是进程内的命名读写锁集合，空闲的名称会被回收。
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	readers int
	writer  bool
	waiters int
	// notify 在每次释放时被关闭并替换，用于唤醒所有等待者重新竞争。
	notify chan struct{}
}

// NewManager 创建进程内锁管理器。
func NewManager() *Manager {
	return &Manager{entries: make(map[string]*entry)}
}

func (m *Manager) Acquire(ctx context.Context, name string, mode Mode, timeout time.Duration) (*Guard, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		m.mu.Lock()
		e := m.entryLocked(name)
		if e.grant(mode) {
			m.mu.Unlock()
			return m.guard(name, mode), nil
		}
		wait := e.notify
		e.waiters++
		m.mu.Unlock()

		var err error
		select {
		case <-wait:
		case <-deadline:
			err = &TimeoutError{Name: name, Mode: mode, Timeout: timeout}
		case <-ctx.Done():
			err = ctx.Err()
		}

		m.mu.Lock()
		e.waiters--
		m.reapLocked(name, e)
		m.mu.Unlock()

		if err != nil {
			return nil, err
		}
	}
}

func (m *Manager) TryAcquire(name string, mode Mode) (*Guard, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entryLocked(name)
	if !e.grant(mode) {
		m.reapLocked(name, e)
		return nil, false
	}
	return m.guard(name, mode), true
}

// Held 返回当前仍被持有或有等待者的锁名称数量。
func (m *Manager) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Manager) guard(name string, mode Mode) *Guard {
	return newGuard(name, mode, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		e := m.entries[name]
		if e == nil {
			return
		}
		if mode == Exclusive {
			e.writer = false
		} else if e.readers > 0 {
			e.readers--
		}
		close(e.notify)
		e.notify = make(chan struct{})
		m.reapLocked(name, e)
	})
}

func (m *Manager) entryLocked(name string) *entry {
	e := m.entries[name]
	if e == nil {
		e = &entry{notify: make(chan struct{})}
		m.entries[name] = e
	}
	return e
}

func (m *Manager) reapLocked(name string, e *entry) {
	if e.readers == 0 && !e.writer && e.waiters == 0 && m.entries[name] == e {
		delete(m.entries, name)
	}
}

func (e *entry) grant(mode Mode) bool {
	if e.writer {
		return false
	}
	if mode == Exclusive {
		if e.readers > 0 {
			return false
		}
		e.writer = true
		return true
	}
	e.readers++
	return true
}
