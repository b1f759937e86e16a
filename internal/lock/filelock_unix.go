//go:build unix

package lock

import (
	"context"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
	"lukechampine.com/blake3"
)

const flockPollInterval = 10 * time.Millisecond

// FileLocker 在进程内锁之上叠加 flock，使同一主机上的多个进程也互斥。
// 绝对路径名称的锁文件为 "<name>.lock"；其余名称取摘要后放在 dir 下。
type FileLocker struct {
	dir   string
	local *Manager
}

// NewFileLocker 构建以 dir 为相对锁名根目录的跨进程锁。
func NewFileLocker(dir string) *FileLocker {
	return &FileLocker{dir: dir, local: NewManager()}
}

func (f *FileLocker) Acquire(ctx context.Context, name string, mode Mode, timeout time.Duration) (*Guard, error) {
	start := time.Now()
	local, err := f.local.Acquire(ctx, name, mode, timeout)
	if err != nil {
		return nil, err
	}

	file, err := f.open(name)
	if err != nil {
		local.Release()
		return nil, err
	}

	for {
		ok, err := flock(file, mode)
		if err != nil {
			file.Close()
			local.Release()
			return nil, err
		}
		if ok {
			return f.guard(name, mode, file, local), nil
		}
		if timeout > 0 && time.Since(start) >= timeout {
			file.Close()
			local.Release()
			return nil, &TimeoutError{Name: name, Mode: mode, Timeout: timeout}
		}
		select {
		case <-ctx.Done():
			file.Close()
			local.Release()
			return nil, ctx.Err()
		case <-time.After(flockPollInterval):
		}
	}
}

func (f *FileLocker) TryAcquire(name string, mode Mode) (*Guard, bool) {
	local, ok := f.local.TryAcquire(name, mode)
	if !ok {
		return nil, false
	}
	file, err := f.open(name)
	if err != nil {
		local.Release()
		return nil, false
	}
	if ok, err := flock(file, mode); err != nil || !ok {
		file.Close()
		local.Release()
		return nil, false
	}
	return f.guard(name, mode, file, local), true
}

func (f *FileLocker) guard(name string, mode Mode, file *os.File, local *Guard) *Guard {
	return newGuard(name, mode, func() {
		_ = unix.Flock(int(file.Fd()), unix.LOCK_UN)
		file.Close()
		local.Release()
	})
}

func (f *FileLocker) open(name string) (*os.File, error) {
	path := name + ".lock"
	if !filepath.IsAbs(name) {
		sum := blake3.Sum256([]byte(name))
		path = filepath.Join(f.dir, hex.EncodeToString(sum[:16])+".lock")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
}

func flock(file *os.File, mode Mode) (bool, error) {
	how := unix.LOCK_SH
	if mode == Exclusive {
		how = unix.LOCK_EX
	}
	err := unix.Flock(int(file.Fd()), how|unix.LOCK_NB)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
		return false, nil
	}
	return false, err
}
