// Package htaccess reads and atomically rewrites the routing-rule file that
// lets the web server serve cached pages without reaching the application.
// Only the section between BeginMarker and EndMarker is ever touched.
package htaccess

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/any-hub/any-cache/internal/lock"
)

// File 封装对规则文件的加锁读写。
type File struct {
	path    string
	locker  lock.Locker
	timeout time.Duration
}

// New 创建规则文件句柄；timeout 用于读写锁的等待上限。
func New(path string, locker lock.Locker, timeout time.Duration) *File {
	return &File{path: path, locker: locker, timeout: timeout}
}

// Path 返回规则文件路径。
func (f *File) Path() string {
	return f.path
}

// Read 在共享锁下读取规则文件全文。
func (f *File) Read(ctx context.Context) (string, error) {
	guard, err := f.locker.Acquire(ctx, f.path, lock.Shared, f.timeout)
	if err != nil {
		return "", &Error{Kind: KindRead, Path: f.path, Err: err}
	}
	defer guard.Release()
	return f.readLocked()
}

// Write 在排他锁下以临时文件 + rename 替换规则文件全文。
func (f *File) Write(ctx context.Context, content string) (bool, error) {
	guard, err := f.locker.Acquire(ctx, f.path, lock.Exclusive, f.timeout)
	if err != nil {
		return false, &Error{Kind: KindWrite, Path: f.path, Err: err}
	}
	defer guard.Release()
	if err := f.writeLocked(content); err != nil {
		return false, err
	}
	return true, nil
}

// Apply 将 block 写入托管区段，托管区段以外的内容保持不变。
func (f *File) Apply(ctx context.Context, block string) (bool, error) {
	return f.update(ctx, func(current string) string {
		return Splice(current, block)
	})
}

// Remove 删除托管区段。
func (f *File) Remove(ctx context.Context) (bool, error) {
	return f.update(ctx, Strip)
}

// update 在同一个排他锁内完成读-改-写，避免与其他写者交错。
func (f *File) update(ctx context.Context, mutate func(string) string) (bool, error) {
	guard, err := f.locker.Acquire(ctx, f.path, lock.Exclusive, f.timeout)
	if err != nil {
		return false, &Error{Kind: KindWrite, Path: f.path, Err: err}
	}
	defer guard.Release()

	current, err := f.readLocked()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	next := mutate(current)
	if next == current && (err == nil || next == "") {
		return true, nil
	}
	if err := f.writeLocked(next); err != nil {
		return false, err
	}
	return true, nil
}

func (f *File) readLocked() (string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return "", &Error{Kind: KindRead, Path: f.path, Err: err}
	}
	return string(data), nil
}

func (f *File) writeLocked(content string) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &Error{Kind: KindWrite, Path: f.path, Err: err}
	}

	perm := fs.FileMode(0o644)
	if info, err := os.Stat(f.path); err == nil {
		perm = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(dir, ".htaccess-*")
	if err != nil {
		return &Error{Kind: KindWrite, Path: f.path, Err: err}
	}
	tmpName := tmp.Name()

	_, err = tmp.WriteString(content)
	if err == nil {
		err = tmp.Sync()
	}
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(tmpName, perm)
	}
	if err != nil {
		os.Remove(tmpName)
		return &Error{Kind: KindWrite, Path: f.path, Err: err}
	}

	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return &Error{Kind: KindWrite, Path: f.path, Err: err}
	}
	return nil
}
