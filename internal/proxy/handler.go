package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-cache/internal/logging"
	"github.com/any-hub/any-cache/internal/pagecache"
	"github.com/any-hub/any-cache/internal/server"
)

// Processor 是处理页面请求的缓存管道。
type Processor interface {
	Process(ctx context.Context, req *pagecache.Request) (*pagecache.Response, error)
}

// Handler 负责把 Fiber 请求交给页面缓存管道，并把结果写回客户端。
type Handler struct {
	pages  Processor
	logger *logrus.Logger
}

// NewHandler constructs a page handler around the cache pipeline.
func NewHandler(pages Processor, logger *logrus.Logger) *Handler {
	return &Handler{pages: pages, logger: logger}
}

// Handle 实现 server.PageHandler。源站失败返回 502，管道 panic 返回 500，均输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx, site *server.Site) (err error) {
	started := time.Now()
	requestID := server.RequestID(c)
	req := buildRequest(c, site)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	defer func() {
		if r := recover(); r != nil {
			h.logResult(req, "", requestID, 0, started, fmt.Errorf("panic: %v", r))
			err = h.writeError(c, fiber.StatusInternalServerError, "page_handler_panic")
		}
	}()

	resp, procErr := h.pages.Process(ctx, req)
	if procErr != nil {
		h.logResult(req, "", requestID, 0, started, procErr)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	cacheStatus := resp.Header.Get(pagecache.HeaderStatus)
	copyResponseHeaders(c, resp.Header)
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	h.logResult(req, cacheStatus, requestID, resp.Status, started, nil)

	c.Status(resp.Status)
	if req.Method == http.MethodHead {
		return nil
	}
	return c.Send(resp.Body)
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	req *pagecache.Request,
	cacheStatus string,
	requestID string,
	status int,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(req.Method, req.URL.Host, req.URL.Path, cacheStatus)
	fields["action"] = "page"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("page_failed")
		return
	}
	h.logger.WithFields(fields).Info("page_complete")
}

// buildRequest 以站点公开域名构造请求 URL，使访客请求与预热请求得到相同的缓存键。
func buildRequest(c fiber.Ctx, site *server.Site) *pagecache.Request {
	uri := c.Request().URI()
	scheme := strings.ToLower(strings.TrimSpace(c.Get("X-Forwarded-Proto")))
	if scheme != "https" && scheme != "http" {
		scheme = c.Protocol()
	}
	host := site.Host
	if host == "" {
		host = c.Hostname()
	}

	p := string(uri.Path())
	if p == "" {
		p = "/"
	}
	u := &url.URL{Scheme: scheme, Host: host, Path: p, RawQuery: string(uri.QueryString())}

	header := fiberHeadersAsHTTP(c)
	if ip := c.IP(); ip != "" {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			header.Set("X-Forwarded-For", ip)
		}
	}

	req := &pagecache.Request{Method: c.Method(), URL: u, Header: header}
	if body := c.Body(); len(body) > 0 {
		req.Body = append([]byte(nil), body...)
	}
	return req
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == "Content-Length" {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
}
