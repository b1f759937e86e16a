package pagecache

import (
	"errors"
	"net/url"
	"path"
	"strings"

	"github.com/any-hub/any-cache/internal/storage"
)

// DeriveKey 由 scheme、host、path 与参与缓存的查询参数构造规范化缓存键。
// ignored 中的参数（支持 "utm_*" 前缀通配）与预热标记不参与计算。
func DeriveKey(u *url.URL, fallbackHost string, ignored []string) (string, error) {
	if u == nil {
		return "", &storage.Error{Kind: storage.KindInvalidKey, Err: errors.New("missing url")}
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		scheme = "http"
	}
	host := strings.ToLower(u.Host)
	if host == "" {
		host = strings.ToLower(fallbackHost)
	}
	if host == "" {
		return "", &storage.Error{Kind: storage.KindInvalidKey, Key: u.String(), Err: errors.New("missing host")}
	}
	host = stripDefaultPort(scheme, host)

	return scheme + "://" + host + normalizePath(u.EscapedPath()) + normalizeQuery(u.Query(), ignored), nil
}

func stripDefaultPort(scheme, host string) string {
	switch {
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		return strings.TrimSuffix(host, ":80")
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		return strings.TrimSuffix(host, ":443")
	}
	return host
}

// normalizePath 折叠重复斜杠与点段，保留结尾斜杠。
func normalizePath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	clean := path.Clean("/" + raw)
	if strings.HasSuffix(raw, "/") && clean != "/" {
		clean += "/"
	}
	return clean
}

func normalizeQuery(values url.Values, ignored []string) string {
	for name := range values {
		if name == MarkerParam || isIgnoredParam(name, ignored) {
			values.Del(name)
		}
	}
	if len(values) == 0 {
		return ""
	}
	// Encode 按参数名排序，同名参数保持原有顺序。
	return "?" + values.Encode()
}

func isIgnoredParam(name string, ignored []string) bool {
	lower := strings.ToLower(name)
	for _, pattern := range ignored {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == "" {
			continue
		}
		if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
			if strings.HasPrefix(lower, prefix) {
				return true
			}
			continue
		}
		if lower == pattern {
			return true
		}
	}
	return false
}

// canonicalURL 把指向本站的 URL（公开域名、Aliases 中的源站域名或缺省 Host）
// 改写为公开 scheme 与域名，使访客请求、预热请求与管理接口得到同一个缓存键。
// 其他 Host 保持原样。u 本身不会被修改。
func (p *Pipeline) canonicalURL(u *url.URL) *url.URL {
	if u == nil || p.opts.DefaultHost == "" {
		return u
	}
	if !p.isSiteHost(u.Hostname()) {
		return u
	}
	out := *u
	out.Host = strings.ToLower(p.opts.DefaultHost)
	if p.opts.Scheme != "" {
		out.Scheme = p.opts.Scheme
	}
	return &out
}

func (p *Pipeline) isSiteHost(host string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" || host == strings.ToLower(p.opts.DefaultHost) {
		return true
	}
	for _, alias := range p.opts.Aliases {
		if host == strings.TrimSuffix(strings.ToLower(alias), ".") {
			return true
		}
	}
	return false
}

// hasQuery 判断缓存键是否带查询串；带查询串的页面不会被镜像到静态目录。
func hasQuery(key string) bool {
	return strings.Contains(key, "?")
}
