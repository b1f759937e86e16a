package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var supportedDrivers = map[string]struct{}{
	DriverFile:    {},
	DriverLevelDB: {},
	DriverSQLite:  {},
	DriverMemory:  {},
}

const supportedDriverList = "file|leveldb|sqlite|memory"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return fieldError("Global", "ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return fieldError("Global", "StoragePath", "不能为空")
	}
	if _, ok := supportedDrivers[g.StorageDriver]; !ok {
		return fieldError("Global", "StorageDriver", "仅支持 "+supportedDriverList)
	}
	if g.CacheTTL.DurationValue() <= 0 {
		return fieldError("Global", "CacheTTL", "必须大于 0")
	}
	if g.MaxBodySize <= 0 {
		return fieldError("Global", "MaxBodySize", "必须大于 0")
	}
	if g.MaxRetries < 0 {
		return fieldError("Global", "MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return fieldError("Global", "InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return fieldError("Global", "UpstreamTimeout", "必须大于 0")
	}
	if g.LockTimeout.DurationValue() <= 0 {
		return fieldError("Global", "LockTimeout", "必须大于 0")
	}

	if err := validateUpstream(c.Origin.Upstream); err != nil {
		return wrapField("Origin", "Upstream", err)
	}
	if c.Origin.Domain != "" {
		if err := validateDomain(c.Origin.Domain); err != nil {
			return wrapField("Origin", "Domain", err)
		}
	}
	if c.Origin.Scheme != "" && c.Origin.Scheme != "http" && c.Origin.Scheme != "https" {
		return fieldError("Origin", "Scheme", "仅支持 http/https")
	}
	for _, prefix := range c.Origin.ExcludedPaths {
		if !strings.HasPrefix(prefix, "/") {
			return fieldError("Origin", "ExcludedPaths", "路径前缀必须以 / 开头")
		}
	}

	p := c.Preload
	for _, raw := range p.Sitemaps {
		if strings.HasPrefix(raw, "/") {
			continue
		}
		if err := validateUpstream(raw); err != nil {
			return wrapField("Preload", "Sitemaps", err)
		}
	}
	if p.Delay.DurationValue() < 0 {
		return fieldError("Preload", "Delay", "不能为负数")
	}
	if p.Concurrency <= 0 {
		return fieldError("Preload", "Concurrency", "必须大于 0")
	}
	if p.MaxRetries < 0 {
		return fieldError("Preload", "MaxRetries", "不能为负数")
	}
	if p.MonitorInterval.DurationValue() <= 0 {
		return fieldError("Preload", "MonitorInterval", "必须大于 0")
	}
	if p.StaleAfter.DurationValue() < p.GracePeriod.DurationValue() {
		return fieldError("Preload", "StaleAfter", "不能小于 GracePeriod")
	}

	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

// PublicScheme 返回缓存键与预热请求使用的公开 scheme，未配置时回退到上游 scheme。
func (c *Config) PublicScheme() string {
	if c.Origin.Scheme != "" {
		return c.Origin.Scheme
	}
	if parsed, err := url.Parse(c.Origin.Upstream); err == nil && parsed.Scheme != "" {
		return strings.ToLower(parsed.Scheme)
	}
	return "http"
}

// PublicHost 返回缓存键使用的站点 Host，未配置 Domain 时回退到上游 Host。
func (c *Config) PublicHost() string {
	if c.Origin.Domain != "" {
		return c.Origin.Domain
	}
	if parsed, err := url.Parse(c.Origin.Upstream); err == nil {
		return strings.ToLower(parsed.Host)
	}
	return ""
}

// EntryTTL 返回页面缓存条目的生存期。
func (c *Config) EntryTTL() time.Duration {
	return c.Global.CacheTTL.DurationValue()
}
