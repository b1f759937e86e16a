package htaccess

import (
	"regexp"
	"strings"
)

// RuleOptions 描述生成 mod_rewrite 规则所需的信息。
type RuleOptions struct {
	// CachePath 为静态镜像目录相对文档根的 URL 路径，例如 "/cache/pages"。
	CachePath string
	// BypassCookies 中任一前缀出现在 Cookie 中时不走静态文件。
	BypassCookies []string
	// ExcludedPaths 为永不命中静态文件的路径前缀。
	ExcludedPaths []string
	// MarkerParam 为预热请求的保留查询参数，带该参数的请求必须回源。
	MarkerParam string
}

// Generate 生成托管区段内容（含首尾标记），让 Web 服务器直接返回已镜像的页面。
func Generate(opts RuleOptions) string {
	cachePath := "/" + strings.Trim(opts.CachePath, "/")

	var b strings.Builder
	b.WriteString(BeginMarker + "\n")
	b.WriteString("<IfModule mod_rewrite.c>\n")
	b.WriteString("RewriteEngine On\n")
	b.WriteString("RewriteBase /\n")
	b.WriteString("RewriteCond %{REQUEST_METHOD} GET\n")
	b.WriteString("RewriteCond %{QUERY_STRING} ^$\n")
	if opts.MarkerParam != "" {
		b.WriteString("RewriteCond %{THE_REQUEST} !" + regexp.QuoteMeta(opts.MarkerParam) + "=\n")
	}
	if pattern := alternation(opts.BypassCookies, false); pattern != "" {
		b.WriteString("RewriteCond %{HTTP:Cookie} !(" + pattern + ") [NC]\n")
	}
	if pattern := alternation(opts.ExcludedPaths, true); pattern != "" {
		b.WriteString("RewriteCond %{REQUEST_URI} !^/(" + pattern + ") [NC]\n")
	}
	b.WriteString("RewriteCond %{DOCUMENT_ROOT}" + cachePath + "/%{HTTP_HOST}%{REQUEST_URI}/index.html -f\n")
	b.WriteString("RewriteRule .* " + cachePath + "/%{HTTP_HOST}%{REQUEST_URI}/index.html [L]\n")
	b.WriteString("</IfModule>\n")
	b.WriteString("<IfModule mod_headers.c>\n")
	b.WriteString("<FilesMatch \"index\\.html$\">\n")
	b.WriteString("Header set X-Any-Cache \"EDGE\"\n")
	b.WriteString("</FilesMatch>\n")
	b.WriteString("</IfModule>\n")
	b.WriteString(EndMarker + "\n")
	return b.String()
}

func alternation(items []string, trimSlash bool) string {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if trimSlash {
			item = strings.TrimPrefix(item, "/")
		}
		if item == "" {
			continue
		}
		parts = append(parts, regexp.QuoteMeta(item))
	}
	return strings.Join(parts, "|")
}
