package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileBackend 将每个键保存为 basePath/<digest 前两位>/<digest> 文件。
// 写入采用临时文件 + rename，读者永远不会看到写了一半的内容。
type FileBackend struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// NewFileBackend 以 basePath 为根目录构建文件后端。
func NewFileBackend(basePath string) (*FileBackend, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &FileBackend{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

func (b *FileBackend) Load(ctx context.Context, key string) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	filePath, err := b.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (b *FileBackend) Save(ctx context.Context, key string, data []byte) error {
	unlock := b.lockEntry(key)
	defer unlock()

	filePath, err := b.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".entry-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, bytes.NewReader(data))
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (b *FileBackend) Remove(ctx context.Context, key string) error {
	unlock := b.lockEntry(key)
	defer unlock()

	filePath, err := b.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (b *FileBackend) Close() error {
	return nil
}

// lockEntry 以引用计数维护按键的互斥锁，最后一个持有者释放时回收。
func (b *FileBackend) lockEntry(key string) func() {
	b.mu.Lock()
	lock := b.locks[key]
	if lock == nil {
		lock = &entryLock{}
		b.locks[key] = lock
	}
	lock.refs++
	b.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		b.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(b.locks, key)
		}
		b.mu.Unlock()
	}
}

func (b *FileBackend) path(key string) (string, error) {
	if key == "" {
		return "", errors.New("key required")
	}
	digest := Digest([]byte(key))
	filePath := filepath.Join(b.basePath, digest[:2], digest)
	if !strings.HasPrefix(filePath, b.basePath) {
		return "", errors.New("invalid storage path")
	}
	return filePath, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
