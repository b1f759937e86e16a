// Package version 记录构建版本，供 CLI、日志与出站请求标识使用。
package version

import (
	"fmt"
	"runtime/debug"
)

// 发布构建通过 -ldflags "-X .../internal/version.Version=... -X .../internal/version.Commit=..." 注入。
var (
	Version = "0.1.0"
	Commit  = ""
)

// Revision 返回提交号：优先使用注入值，其次读取 go build 记录的 vcs.revision，都没有时为 "dev"。
func Revision() string {
	if Commit != "" {
		return Commit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" && len(setting.Value) >= 7 {
				return setting.Value[:7]
			}
		}
	}
	return "dev"
}

// Full 返回 CLI 打印的版本串，例如 "any-cache 0.1.0 (1a2b3c4)"。
func Full() string {
	return fmt.Sprintf("any-cache %s (%s)", Version, Revision())
}

// UserAgent 返回出站辅助请求（如获取 sitemap）使用的 User-Agent。
func UserAgent() string {
	return "any-cache/" + Version
}
