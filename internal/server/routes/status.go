package routes

import (
	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/any-cache/internal/server"
	"github.com/any-hub/any-cache/internal/version"
)

// StatusInfo 是 /-/status 输出所需的静态信息。
type StatusInfo struct {
	Sites         *server.SiteTable
	Stages        []string
	StorageDriver string
	Delivery      bool
	Preload       PreloadController
	Tasks         []string
}

// RegisterStatusRoute 暴露 /-/status 诊断接口，供运维确认当前配置与预热状态。
func RegisterStatusRoute(app *fiber.App, info StatusInfo) {
	if app == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		payload := fiber.Map{
			"version":          version.Full(),
			"stages":           info.Stages,
			"storage_driver":   info.StorageDriver,
			"delivery_enabled": info.Delivery,
			"tasks":            info.Tasks,
		}
		if site := info.Sites.Site(); site != nil {
			payload["host"] = site.Host
			payload["hosts"] = info.Sites.Hosts()
			payload["upstream"] = site.UpstreamURL.String()
		}
		if info.Preload != nil {
			if status, err := info.Preload.Status(c.Context(), ""); err == nil {
				payload["preloading"] = status.Active
			}
		}
		return c.JSON(payload)
	})
}
