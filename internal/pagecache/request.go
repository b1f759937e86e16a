package pagecache

import (
	"context"
	"net/http"
	"net/url"
)

// Cache status values reported in HeaderStatus.
const (
	StatusHit     = "HIT"
	StatusMiss    = "MISS"
	StatusBypass  = "BYPASS"
	StatusPreload = "PRELOAD"
)

const (
	HeaderStatus      = "X-Any-Cache"
	HeaderFingerprint = "X-Any-Cache-Fingerprint"
	// MarkerParam 标记预热引擎发出的合成请求。
	MarkerParam = "any_cache_preload"
	// PreloadUserAgent 是预热请求使用的 User-Agent；不带标记参数的同 UA 请求会被绕过以避免回环。
	PreloadUserAgent = "any-cache-preload"
)

// Request 是流经管道的请求视图。
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	// Body 仅在绕过缓存的非 GET 请求中透传给源站。
	Body []byte
}

// NewRequest 根据方法与绝对 URL 构造请求。
func NewRequest(method, rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return &Request{Method: method, URL: u, Header: http.Header{}}, nil
}

// Response 是源站生成或缓存返回的完整响应。
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Generator 是源站响应生成器，管道只检查其结果是否可缓存。
type Generator interface {
	Generate(ctx context.Context, req *Request) (*Response, error)
}

// GeneratorFunc 让普通函数满足 Generator。
type GeneratorFunc func(ctx context.Context, req *Request) (*Response, error)

func (f GeneratorFunc) Generate(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Context 保存一次请求在各阶段之间传递的状态。
type Context struct {
	ctx     context.Context
	Request *Request

	Key          string
	Status       string
	Preload      bool
	Bypass       bool
	BypassReason string
	// WriteSkipped 表示加锁后发现其他请求已写入新鲜条目。
	WriteSkipped bool
	Written      bool

	loopSuspect bool
}

// Context 返回请求级 context。
func (c *Context) Context() context.Context {
	return c.ctx
}

func (c *Context) bypass(reason string) {
	c.Bypass = true
	c.BypassReason = reason
	c.Status = StatusBypass
}
