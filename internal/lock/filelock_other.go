//go:build !unix

package lock

// FileLocker 在不支持 flock 的平台上退化为进程内锁。
type FileLocker struct {
	*Manager
}

// NewFileLocker 构建进程内锁，dir 参数仅为保持接口一致。
func NewFileLocker(dir string) *FileLocker {
	return &FileLocker{Manager: NewManager()}
}
