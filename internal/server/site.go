package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/any-hub/any-cache/internal/config"
)

// Site 聚合站点配置派生出的属性（解析后的 Upstream、公开 Host），供路由与回源层复用。
type Site struct {
	// Host 是对外公开的站点域名，已小写且去掉端口。
	Host string
	// ListenPort 记录当前 CLI 监听端口，方便日志与转发头输出。
	ListenPort int
	// UpstreamURL 在构造时提前解析，回源时直接复用。
	UpstreamURL *url.URL
}

// SiteTable 提供 Host/Host:port 到 Site 的查询能力。公开域名与源站域名都会被接受。
type SiteTable struct {
	site  *Site
	hosts map[string]struct{}
}

// NewSiteTable 根据配置构建站点映射。调用方应在启动阶段创建一次并复用。
func NewSiteTable(cfg *config.Config) (*SiteTable, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	upstream, err := url.Parse(cfg.Origin.Upstream)
	if err != nil || upstream.Host == "" {
		return nil, fmt.Errorf("invalid upstream %q", cfg.Origin.Upstream)
	}

	site := &Site{
		Host:        normalizeDomain(cfg.PublicHost()),
		ListenPort:  cfg.Global.ListenPort,
		UpstreamURL: upstream,
	}
	if site.Host == "" {
		return nil, errors.New("public host could not be derived")
	}

	table := &SiteTable{site: site, hosts: map[string]struct{}{}}
	table.hosts[site.Host] = struct{}{}
	table.hosts[normalizeDomain(upstream.Host)] = struct{}{}
	return table, nil
}

// Lookup 根据 Host 或 Host:port 查找站点。
func (t *SiteTable) Lookup(host string) (*Site, bool) {
	if t == nil {
		return nil, false
	}
	normalized, _ := normalizeHost(host)
	if normalized == "" {
		return nil, false
	}
	if _, ok := t.hosts[normalized]; !ok {
		return nil, false
	}
	return t.site, true
}

// Site 返回唯一的站点定义。
func (t *SiteTable) Site() *Site {
	if t == nil {
		return nil
	}
	return t.site
}

// Hosts 返回可接受的 Host 列表，用于 /-/status 输出。
func (t *SiteTable) Hosts() []string {
	if t == nil {
		return nil
	}
	out := []string{t.site.Host}
	for h := range t.hosts {
		if h != t.site.Host {
			out = append(out, h)
		}
	}
	return out
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
