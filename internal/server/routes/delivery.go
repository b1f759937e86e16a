package routes

import (
	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-cache/internal/htaccess"
)

// RegisterDeliveryRoutes 暴露 /-/delivery：GET 查看托管区段，POST 按配置同步，DELETE 移除。
func RegisterDeliveryRoutes(app *fiber.App, delivery *htaccess.Delivery, logger *logrus.Logger) {
	if app == nil || delivery == nil {
		return
	}

	app.Get("/-/delivery", func(c fiber.Ctx) error {
		section, found, err := delivery.Current(c.Context())
		if err != nil {
			return renderError(c, logger, "delivery_read", err)
		}
		inSync, err := delivery.InSync(c.Context())
		if err != nil {
			return renderError(c, logger, "delivery_read", err)
		}
		return c.JSON(fiber.Map{
			"rule_file": delivery.File().Path(),
			"enabled":   delivery.Enabled(),
			"managed":   found,
			"in_sync":   inSync,
			"section":   section,
		})
	})

	app.Post("/-/delivery", func(c fiber.Ctx) error {
		ok, err := delivery.Sync(c.Context())
		if err != nil {
			return renderError(c, logger, "delivery_sync", err)
		}
		return c.JSON(fiber.Map{"written": ok, "enabled": delivery.Enabled()})
	})

	app.Delete("/-/delivery", func(c fiber.Ctx) error {
		ok, err := delivery.Remove(c.Context())
		if err != nil {
			return renderError(c, logger, "delivery_remove", err)
		}
		return c.JSON(fiber.Map{"removed": ok})
	})
}
