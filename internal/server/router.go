package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// AdminPrefix 是管理接口的路径前缀，这些请求不经过站点匹配与页面缓存。
const AdminPrefix = "/-/"

// PageHandler 通过缓存管道应答页面请求；测试中可替换为假实现。
type PageHandler interface {
	Handle(fiber.Ctx, *Site) error
}

// AppOptions 描述构建 Fiber 应用所需的依赖。
type AppOptions struct {
	Logger     *logrus.Logger
	Sites      *SiteTable
	Pages      PageHandler
	ListenPort int
	// BodyLimit 限制请求体大小，0 使用 Fiber 默认值。
	BodyLimit int
}

func (o AppOptions) validate() error {
	var errs []error
	if o.Logger == nil {
		errs = append(errs, errors.New("logger is required"))
	}
	if o.Sites == nil {
		errs = append(errs, errors.New("site table is required"))
	}
	if o.Pages == nil {
		errs = append(errs, errors.New("page handler is required"))
	}
	if o.ListenPort <= 0 {
		errs = append(errs, fmt.Errorf("invalid listen port: %d", o.ListenPort))
	}
	return errors.Join(errs...)
}

type localsKey int

const (
	siteKey localsKey = iota
	requestIDKey
)

// NewApp 构建 Fiber 应用：生成或沿用请求 ID，按 Host 匹配站点后交给 PageHandler。
// /-/ 下的管理接口由调用方在返回的 app 上注册。
func NewApp(opts AppOptions) (*fiber.App, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		BodyLimit:     opts.BodyLimit,
		ErrorHandler:  errorHandler(opts.Logger),
	})

	app.Use(recover.New())
	app.Use(assignRequestID)
	app.All("/*", func(c fiber.Ctx) error {
		if IsAdminPath(c.Path()) {
			return c.Next()
		}
		host := strings.TrimSpace(hostHeader(c))
		site, ok := opts.Sites.Lookup(host)
		if !ok {
			return hostUnmapped(c, opts.Logger, host, opts.ListenPort)
		}
		c.Locals(siteKey, site)
		return opts.Pages.Handle(c, site)
	})
	return app, nil
}

// assignRequestID 沿用上游传入的合法 UUID，否则生成新的请求 ID，并回写到响应头。
func assignRequestID(c fiber.Ctx) error {
	reqID := c.Get(fiber.HeaderXRequestID)
	if _, err := uuid.Parse(reqID); err != nil {
		reqID = uuid.NewString()
	}
	c.Locals(requestIDKey, reqID)
	c.Set(fiber.HeaderXRequestID, reqID)
	return c.Next()
}

// errorHandler 把未处理的错误统一输出为 {"error": ...} 形式。
func errorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		status, code := fiber.StatusInternalServerError, "internal_error"
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
			code = strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
		}
		if status >= fiber.StatusInternalServerError {
			logger.WithError(err).WithFields(logrus.Fields{
				"action":     "request",
				"path":       c.Path(),
				"request_id": RequestID(c),
			}).Error("request_failed")
		}
		return c.Status(status).JSON(fiber.Map{"error": code})
	}
}

func hostUnmapped(c fiber.Ctx, logger *logrus.Logger, host string, port int) error {
	logger.WithFields(logrus.Fields{
		"action":     "host_lookup",
		"host":       host,
		"port":       port,
		"request_id": RequestID(c),
	}).Warn("host unmapped")

	if host != "" {
		c.Set("X-Any-Cache-Host", host)
	}
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "host_unmapped"})
}

func hostHeader(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}

// SiteFromContext 返回当前请求匹配到的站点；管理接口与未匹配请求返回 nil。
func SiteFromContext(c fiber.Ctx) *Site {
	site, _ := c.Locals(siteKey).(*Site)
	return site
}

// RequestID 返回中间件为当前请求分配的 ID。
func RequestID(c fiber.Ctx) string {
	reqID, _ := c.Locals(requestIDKey).(string)
	return reqID
}

// IsAdminPath 判断路径是否属于管理接口。
func IsAdminPath(path string) bool {
	return strings.HasPrefix(path, AdminPrefix)
}
