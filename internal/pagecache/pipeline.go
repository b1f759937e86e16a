package pagecache

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-cache/internal/lock"
	"github.com/any-hub/any-cache/internal/logging"
	"github.com/any-hub/any-cache/internal/meta"
	"github.com/any-hub/any-cache/internal/notify"
	"github.com/any-hub/any-cache/internal/storage"
)

// Handler 处理 Context 并返回响应；Stage 通过调用 next 将控制权交给后续阶段。
type Handler func(c *Context) (*Response, error)

// Stage 是管道中的一个阶段。
type Stage interface {
	Name() string
	Handle(c *Context, next Handler) (*Response, error)
}

// StageFunc 让普通函数满足 Stage。
type StageFunc struct {
	Label string
	Fn    func(c *Context, next Handler) (*Response, error)
}

func (s StageFunc) Name() string { return s.Label }

func (s StageFunc) Handle(c *Context, next Handler) (*Response, error) {
	return s.Fn(c, next)
}

// Options 汇总管道依赖。
type Options struct {
	Pages      storage.Storage
	Metas      *meta.Repository
	Sanitizers *meta.Collection
	Locker     lock.Locker
	Origin     Generator
	Logger     *logrus.Logger
	Notifier   notify.Notifier
	Mirror     *Mirror

	TTL                time.Duration
	LockTimeout        time.Duration
	MaxBodySize        int64
	// DefaultHost 是站点公开域名；Aliases 中的域名（如源站域名）与其视为同一站点。
	DefaultHost string
	Aliases     []string
	// Scheme 为缓存键统一使用的 scheme，为空时沿用请求自身的 scheme。
	Scheme             string
	IgnoredQueryParams []string
	BypassCookies      []string
	ExcludedPaths      []string

	Now func() time.Time
}

// Pipeline 是页面缓存的阶段链。
type Pipeline struct {
	opts   Options
	stages []Stage
	now    func() time.Time
}

// New 创建管道；Origin、Pages、Metas、Locker、Logger 为必填。
func New(opts Options) (*Pipeline, error) {
	switch {
	case opts.Origin == nil:
		return nil, errors.New("origin generator is required")
	case opts.Pages == nil:
		return nil, errors.New("page storage is required")
	case opts.Metas == nil:
		return nil, errors.New("metadata repository is required")
	case opts.Locker == nil:
		return nil, errors.New("locker is required")
	case opts.Logger == nil:
		return nil, errors.New("logger is required")
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if opts.Sanitizers == nil {
		opts.Sanitizers = meta.DefaultCollection(opts.TTL)
	}
	p := &Pipeline{opts: opts, now: opts.Now}
	if p.now == nil {
		p.now = time.Now
	}
	p.stages = []Stage{
		StageFunc{Label: "eligibility", Fn: p.eligibility},
		StageFunc{Label: "preload_marker", Fn: p.preloadMarker},
		StageFunc{Label: "cache_key", Fn: p.deriveKey},
		StageFunc{Label: "lookup", Fn: p.lookup},
		StageFunc{Label: "store", Fn: p.store},
	}
	return p, nil
}

// Stages 返回按执行顺序排列的阶段名称。
func (p *Pipeline) Stages() []string {
	names := make([]string, 0, len(p.stages))
	for _, s := range p.stages {
		names = append(names, s.Name())
	}
	return names
}

// Process 让请求流经所有阶段，返回带 X-Any-Cache 状态头的响应。
// 只有源站生成失败会返回错误；缓存层的失败都被记录后吞掉。
func (p *Pipeline) Process(ctx context.Context, req *Request) (*Response, error) {
	if req.Header == nil {
		req.Header = http.Header{}
	}
	c := &Context{ctx: ctx, Request: req, Status: StatusMiss}

	handler := p.generate
	for i := len(p.stages) - 1; i >= 0; i-- {
		stage, next := p.stages[i], handler
		handler = func(c *Context) (*Response, error) {
			return stage.Handle(c, next)
		}
	}

	resp, err := handler(c)
	if err != nil {
		return nil, err
	}
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	resp.Header.Set(HeaderStatus, c.Status)
	return resp, nil
}

func (p *Pipeline) generate(c *Context) (*Response, error) {
	resp, err := p.opts.Origin.Generate(c.ctx, c.Request)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, errors.New("origin returned no response")
	}
	return resp, nil
}

func (p *Pipeline) eligibility(c *Context, next Handler) (*Response, error) {
	req := c.Request
	switch {
	case req.Method != http.MethodGet && req.Method != http.MethodHead:
		c.bypass("method")
	case req.Header.Get("Authorization") != "":
		c.bypass("authorization")
	case p.hasBypassCookie(req):
		c.bypass("cookie")
	case p.isExcludedPath(req):
		c.bypass("excluded_path")
	}
	if strings.HasPrefix(req.Header.Get("User-Agent"), PreloadUserAgent) {
		c.loopSuspect = true
	}
	return next(c)
}

func (p *Pipeline) preloadMarker(c *Context, next Handler) (*Response, error) {
	query := c.Request.URL.Query()
	if query.Has(MarkerParam) {
		c.Preload = true
		c.loopSuspect = false
		query.Del(MarkerParam)
		stripped := *c.Request.URL
		stripped.RawQuery = query.Encode()
		c.Request.URL = &stripped
		if !c.Bypass {
			c.Status = StatusPreload
		}
	} else if c.loopSuspect && !c.Bypass {
		c.bypass("preload_loop")
	}
	return next(c)
}

func (p *Pipeline) deriveKey(c *Context, next Handler) (*Response, error) {
	if c.Bypass {
		return next(c)
	}
	key, err := DeriveKey(p.canonicalURL(c.Request.URL), p.opts.DefaultHost, p.opts.IgnoredQueryParams)
	if err != nil {
		p.opts.Logger.WithError(err).WithFields(p.fields(c)).Warn("cache_key_invalid")
		c.bypass("invalid_key")
		return next(c)
	}
	c.Key = key
	return next(c)
}

// lookup 先读元数据判断新鲜度，只有新鲜条目才解码正文。
// 元数据存在即意味着正文已写入：写入顺序为正文在前，删除顺序为元数据在前。
func (p *Pipeline) lookup(c *Context, next Handler) (*Response, error) {
	if c.Bypass {
		return next(c)
	}
	now := p.now()
	m, ok, err := p.opts.Metas.Load(c.ctx, c.Key)
	if err != nil {
		p.opts.Logger.WithError(err).WithFields(p.fields(c)).Warn("cache_meta_unreadable")
		return next(c)
	}
	if !ok || !m.Fresh(now) {
		return next(c)
	}

	var entry Entry
	err = p.opts.Pages.Get(c.ctx, c.Key, &entry)
	switch {
	case err == nil:
		c.Status = StatusHit
		return entry.response(m, now, c.Request.Method), nil
	case errors.Is(err, storage.ErrNotFound):
		// 元数据残留，按未命中处理并在写入时覆盖。
	default:
		p.opts.Logger.WithError(err).WithFields(p.fields(c)).Warn("cache_lookup_failed")
	}
	return next(c)
}

func (p *Pipeline) store(c *Context, next Handler) (*Response, error) {
	resp, err := next(c)
	if err != nil || c.Bypass {
		return resp, err
	}
	reason, info := p.responseEligibility(c, resp)
	if reason != "" {
		p.opts.Logger.WithFields(p.fields(c)).WithField("reason", reason).Debug("cache_store_skipped")
		return resp, nil
	}
	p.write(c, resp, p.buildMeta(c, resp, info))
	return resp, nil
}

// responseEligibility 返回不可缓存的原因，空字符串表示可以缓存。
func (p *Pipeline) responseEligibility(c *Context, resp *Response) (string, meta.HTMLInfo) {
	var info meta.HTMLInfo
	if c.Request.Method != http.MethodGet {
		return "method", info
	}
	if resp.Status != http.StatusOK {
		return "status", info
	}
	if len(resp.Body) == 0 {
		return "empty_body", info
	}
	if p.opts.MaxBodySize > 0 && int64(len(resp.Body)) > p.opts.MaxBodySize {
		return "body_too_large", info
	}
	if !isHTML(resp.Header.Get("Content-Type")) {
		return "content_type", info
	}
	if len(resp.Header.Values("Set-Cookie")) > 0 {
		return "set_cookie", info
	}
	cacheControl := strings.ToLower(strings.Join(resp.Header.Values("Cache-Control"), ","))
	for _, directive := range []string{"no-store", "private", "no-cache"} {
		if strings.Contains(cacheControl, directive) {
			return "cache_control", info
		}
	}
	parsed, err := meta.InspectHTML(resp.Body)
	if err == nil {
		info = parsed
	}
	if info.NoCache {
		return "no_cache_marker", info
	}
	return "", info
}

func (p *Pipeline) buildMeta(c *Context, resp *Response, info meta.HTMLInfo) meta.Meta {
	source := meta.SourceRequest
	if c.Preload {
		source = meta.SourcePreload
	}
	m := meta.Meta{
		Key:         c.Key,
		URL:         c.Key,
		Status:      resp.Status,
		ContentType: resp.Header.Get("Content-Type"),
		Size:        int64(len(resp.Body)),
		Fingerprint: storage.Digest(resp.Body),
		Title:       info.Title,
		Canonical:   info.Canonical,
		Tags:        append(append([]string(nil), info.Keywords...), source),
		Source:      source,
		CreatedAt:   p.now(),
		TTL:         p.opts.TTL,
	}
	return p.opts.Sanitizers.Sanitize(m)
}

// write 在按键排他锁内复查并写入条目；所有失败只记录日志与通知。
func (p *Pipeline) write(c *Context, resp *Response, m meta.Meta) {
	ctx := context.WithoutCancel(c.ctx)

	guard, err := p.opts.Locker.Acquire(ctx, lockName(c.Key), lock.Exclusive, p.opts.LockTimeout)
	if err != nil {
		p.writeFailed(c, "cache_write_lock_failed", err)
		return
	}
	defer guard.Release()

	if existing, ok, err := p.opts.Metas.Load(ctx, c.Key); err == nil && ok && existing.Fresh(p.now()) {
		c.WriteSkipped = true
		p.opts.Logger.WithFields(p.fields(c)).Debug("cache_write_skipped")
		return
	}

	if err := p.opts.Pages.Set(ctx, c.Key, newEntry(resp), m.TTL); err != nil {
		p.writeFailed(c, "cache_write_failed", err)
		return
	}
	if _, err := p.opts.Metas.Save(ctx, m); err != nil {
		// 没有元数据的正文不会被命中，下次请求会重新生成。
		p.writeFailed(c, "cache_meta_write_failed", err)
		return
	}
	c.Written = true

	if p.opts.Mirror != nil && !hasQuery(c.Key) {
		if err := p.opts.Mirror.Write(c.Key, resp.Body); err != nil {
			p.writeFailed(c, "cache_mirror_write_failed", err)
		}
	}
}

func (p *Pipeline) writeFailed(c *Context, message string, err error) {
	fields := p.fields(c)
	p.opts.Logger.WithError(err).WithFields(fields).Warn(message)
	p.opts.Notifier.Notify(c.ctx, notify.Event{
		Kind:    notify.KindCacheWriteFailed,
		Message: message,
		Fields:  fields,
		Err:     err,
	})
}

func (p *Pipeline) fields(c *Context) logrus.Fields {
	req := c.Request
	fields := logging.RequestFields(req.Method, req.URL.Host, req.URL.Path, c.Status)
	fields["action"] = "pagecache"
	if c.Key != "" {
		fields["key"] = c.Key
	}
	if c.BypassReason != "" {
		fields["bypass_reason"] = c.BypassReason
	}
	return fields
}

func (p *Pipeline) hasBypassCookie(req *Request) bool {
	if len(p.opts.BypassCookies) == 0 {
		return false
	}
	for _, cookie := range (&http.Request{Header: req.Header}).Cookies() {
		for _, prefix := range p.opts.BypassCookies {
			if prefix != "" && strings.HasPrefix(cookie.Name, prefix) {
				return true
			}
		}
	}
	return false
}

func (p *Pipeline) isExcludedPath(req *Request) bool {
	for _, prefix := range p.opts.ExcludedPaths {
		if prefix != "" && strings.HasPrefix(req.URL.Path, prefix) {
			return true
		}
	}
	return false
}

func isHTML(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.HasPrefix(ct, "text/html") || strings.HasPrefix(ct, "application/xhtml+xml")
}

func lockName(key string) string {
	return "page:" + key
}
