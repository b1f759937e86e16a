package htaccess

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
)

// Delivery 根据配置维护规则文件中的托管区段：启用时写入生成的规则，停用时移除。
type Delivery struct {
	file    *File
	opts    RuleOptions
	enabled bool
}

// NewDelivery 创建投递控制器。
func NewDelivery(file *File, opts RuleOptions, enabled bool) *Delivery {
	return &Delivery{file: file, opts: opts, enabled: enabled}
}

// CachePathFor 计算镜像目录相对于规则文件所在目录（文档根）的 URL 路径。
// 镜像目录不在文档根之下时返回空字符串。
func CachePathFor(ruleFile, cacheDir string) string {
	rel, err := filepath.Rel(filepath.Dir(ruleFile), cacheDir)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	return "/" + filepath.ToSlash(rel)
}

// Enabled 表示是否启用静态投递。
func (d *Delivery) Enabled() bool {
	return d.enabled
}

// File 返回底层规则文件。
func (d *Delivery) File() *File {
	return d.file
}

// Rules 返回期望写入的托管区段。
func (d *Delivery) Rules() string {
	return Generate(d.opts)
}

// Sync 让规则文件与配置保持一致，返回文件是否处于期望状态。
func (d *Delivery) Sync(ctx context.Context) (bool, error) {
	if d.enabled {
		return d.Apply(ctx)
	}
	return d.Remove(ctx)
}

// Apply 写入生成的规则。
func (d *Delivery) Apply(ctx context.Context) (bool, error) {
	if d.opts.CachePath == "" || d.opts.CachePath == "/" {
		return false, &Error{Kind: KindWrite, Path: d.file.Path(), Err: errors.New("cache directory is not under the document root")}
	}
	return d.file.Apply(ctx, d.Rules())
}

// Remove 移除托管区段。
func (d *Delivery) Remove(ctx context.Context) (bool, error) {
	return d.file.Remove(ctx)
}

// Current 读取当前托管区段；规则文件不存在时 ok 为 false 且不返回错误。
func (d *Delivery) Current(ctx context.Context) (string, bool, error) {
	content, err := d.file.Read(ctx)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, err
	}
	section, ok := Managed(content)
	return section, ok, nil
}

// InSync 判断托管区段是否与配置一致。
func (d *Delivery) InSync(ctx context.Context) (bool, error) {
	section, ok, err := d.Current(ctx)
	if err != nil {
		return false, err
	}
	if !d.enabled {
		return !ok, nil
	}
	want, _ := Managed(d.Rules())
	return ok && section == want, nil
}
