package server

import (
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/any-hub/any-cache/internal/config"
	"github.com/any-hub/any-cache/internal/version"
)

const defaultUpstreamTimeout = 30 * time.Second

// newTransport 为单一源站调优：请求几乎都落在同一 host，空闲连接上限按 host 给足。
func newTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   64,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ResponseHeaderTimeout: defaultUpstreamTimeout,
		ForceAttemptHTTP2:     true,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
}

func upstreamTimeout(cfg *config.Config) time.Duration {
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		return cfg.Global.UpstreamTimeout.DurationValue()
	}
	return defaultUpstreamTimeout
}

// NewUpstreamClient 返回回源使用的 http.Client。源站重定向原样交给访客，不在服务端跟随。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	timeout := upstreamTimeout(cfg)
	transport := newTransport()
	transport.ResponseHeaderTimeout = timeout
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// NewFetchClient 返回获取 sitemap 等辅助资源的 http.Client：跟随重定向，并以 any-cache 身份请求。
func NewFetchClient(cfg *config.Config) *http.Client {
	return &http.Client{
		Timeout:   upstreamTimeout(cfg),
		Transport: userAgentTransport{next: newTransport(), agent: version.UserAgent()},
	}
}

// userAgentTransport 在请求未指定 User-Agent 时补上默认值。
type userAgentTransport struct {
	next  http.RoundTripper
	agent string
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.next.RoundTrip(req)
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", t.agent)
	return t.next.RoundTrip(clone)
}

// hopByHopHeaders 为 RFC 7230 规定只在单跳内有效的头。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Proxy-Connection":    {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// CopyHeaders 将 src 中可透传的头追加到 dst，跳过 hop-by-hop 头以及 Connection 中列出的头。
func CopyHeaders(dst, src http.Header) {
	listed := connectionTokens(src)
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		if _, drop := listed[textproto.CanonicalMIMEHeaderKey(key)]; drop {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader 判断头是否只在单跳内有效。
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}

func connectionTokens(h http.Header) map[string]struct{} {
	var out map[string]struct{}
	for _, value := range h.Values("Connection") {
		for _, token := range strings.Split(value, ",") {
			token = strings.TrimSpace(token)
			if token == "" {
				continue
			}
			if out == nil {
				out = map[string]struct{}{}
			}
			out[textproto.CanonicalMIMEHeaderKey(token)] = struct{}{}
		}
	}
	return out
}
