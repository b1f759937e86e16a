package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-cache/internal/pagecache"
	"github.com/any-hub/any-cache/internal/server"
)

// Origin 通过共享 http.Client 回源生成页面，满足 pagecache.Generator。
type Origin struct {
	client   *http.Client
	logger   *logrus.Logger
	upstream *url.URL
	// publicHost 写入 X-Forwarded-Host，让源站按公开域名渲染链接。
	publicHost string
	port       int
}

// NewOrigin 基于站点定义创建回源生成器。
func NewOrigin(client *http.Client, logger *logrus.Logger, site *server.Site) *Origin {
	return &Origin{
		client:     client,
		logger:     logger,
		upstream:   site.UpstreamURL,
		publicHost: site.Host,
		port:       site.ListenPort,
	}
}

// Generate 将请求转发到源站并完整读取响应体。
func (o *Origin) Generate(ctx context.Context, req *pagecache.Request) (*pagecache.Response, error) {
	upstreamReq, err := o.buildUpstreamRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := o.client.Do(upstreamReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	header := http.Header{}
	server.CopyHeaders(header, resp.Header)
	header.Del("Content-Length")
	return &pagecache.Response{Status: resp.StatusCode, Header: header, Body: body}, nil
}

func (o *Origin) buildUpstreamRequest(ctx context.Context, req *pagecache.Request) (*http.Request, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	target := o.resolveUpstreamURL(req.URL)

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	upstreamReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(upstreamReq.Header, req.Header)
	// 需要明文响应体以检查 HTML 与计算指纹。
	upstreamReq.Header.Del("Accept-Encoding")
	upstreamReq.Host = o.upstream.Host
	upstreamReq.Header.Set("Host", o.upstream.Host)
	if o.publicHost != "" {
		upstreamReq.Header.Set("X-Forwarded-Host", o.publicHost)
	}
	if req.URL != nil && req.URL.Scheme != "" {
		upstreamReq.Header.Set("X-Forwarded-Proto", req.URL.Scheme)
	}
	upstreamReq.Header.Set("X-Forwarded-Port", fmt.Sprintf("%d", o.port))
	return upstreamReq, nil
}

func (o *Origin) resolveUpstreamURL(u *url.URL) *url.URL {
	clean := "/"
	rawQuery := ""
	if u != nil {
		if u.Path != "" {
			clean = path.Clean("/" + u.Path)
			if len(u.Path) > 1 && u.Path[len(u.Path)-1] == '/' && clean != "/" {
				clean += "/"
			}
		}
		rawQuery = u.RawQuery
	}
	relative := &url.URL{Path: clean}
	if rawQuery != "" {
		relative.RawQuery = rawQuery
	}
	return o.upstream.ResolveReference(relative)
}
