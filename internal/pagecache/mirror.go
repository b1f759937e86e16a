package pagecache

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Mirror 将可缓存页面写成 <dir>/<host>/<path>/index.html，供 Web 服务器的改写规则直接返回。
type Mirror struct {
	dir string
}

// NewMirror 创建以 dir 为根目录的静态镜像。
func NewMirror(dir string) *Mirror {
	return &Mirror{dir: dir}
}

// Dir 返回镜像根目录。
func (m *Mirror) Dir() string {
	return m.dir
}

// Path 返回缓存键对应的镜像文件路径。
func (m *Mirror) Path(key string) (string, error) {
	u, err := url.Parse(key)
	if err != nil {
		return "", err
	}
	if u.Host == "" || u.RawQuery != "" {
		return "", fmt.Errorf("key not mirrorable: %s", key)
	}
	host := strings.ReplaceAll(u.Host, ":", "_")
	rel := path.Clean("/" + u.Path)
	root := filepath.Join(m.dir, host)
	target := filepath.Join(root, filepath.FromSlash(rel), "index.html")
	if !strings.HasPrefix(target, root+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid mirror path: %s", key)
	}
	return target, nil
}

// Write 以临时文件 + rename 写入镜像文件。
func (m *Mirror) Write(key string, body []byte) error {
	target, err := m.Path(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".mirror-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	_, err = tmp.Write(body)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(tmpName, 0o644)
	}
	if err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// Remove 删除镜像文件，不存在时视为成功。
func (m *Mirror) Remove(key string) error {
	target, err := m.Path(key)
	if err != nil {
		return nil
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
