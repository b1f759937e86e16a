package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// 测试进程共享 stdOut/stdErr，调用 useBufferWriters 的测试不能并行。
var (
	capturedOut *bytes.Buffer
	capturedErr *bytes.Buffer
)

// useBufferWriters 在当前测试期间把 CLI 输出重定向到内存缓冲区。
func useBufferWriters(t *testing.T) {
	t.Helper()
	prevOut, prevErr := stdOut, stdErr
	capturedOut, capturedErr = new(bytes.Buffer), new(bytes.Buffer)
	stdOut, stdErr = capturedOut, capturedErr
	t.Cleanup(func() {
		stdOut, stdErr = prevOut, prevErr
		capturedOut, capturedErr = nil, nil
	})
}

func stdOutBuffer() *bytes.Buffer { return capturedOut }

func stdErrBuffer() *bytes.Buffer { return capturedErr }

// configFixture 返回 internal/config/testdata 下的样例配置；go test 以包目录为工作目录。
func configFixture(t *testing.T, name string) string {
	t.Helper()
	path, err := filepath.Abs(filepath.Join("internal", "config", "testdata", name))
	if err != nil {
		t.Fatalf("解析样例路径失败: %v", err)
	}
	return path
}

// writeConfigFile 把 content 写入临时目录下的 config.toml 并返回其路径。
func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(file, []byte(strings.TrimSpace(content)), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return file
}
