package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fixture 返回 testdata 下的样例配置路径。
func fixture(name string) string {
	return filepath.Join("testdata", name)
}

// writeConfig 将内容写入临时 config.toml；首尾空白会被去掉，便于在测试中使用缩进的原始字符串。
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}
