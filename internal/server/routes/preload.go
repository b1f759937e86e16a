package routes

import (
	"context"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-cache/internal/preload"
)

// PreloadController 是预热引擎对管理接口暴露的操作。
type PreloadController interface {
	Start(ctx context.Context, source string) (preload.State, error)
	Cancel(ctx context.Context) (bool, error)
	Status(ctx context.Context, token string) (preload.Status, error)
}

// RegisterPreloadRoutes 暴露 /-/preload：GET 轮询、POST 启动、DELETE 取消。
// 轮询方通过 preload_id 参数回传上次拿到的 ID，用于判断是否仍是同一个任务。
func RegisterPreloadRoutes(app *fiber.App, ctrl PreloadController, logger *logrus.Logger) {
	if app == nil || ctrl == nil {
		return
	}

	app.Get("/-/preload", func(c fiber.Ctx) error {
		status, err := ctrl.Status(c.Context(), c.Query("preload_id"))
		if err != nil {
			return renderError(c, logger, "preload_status", err)
		}
		return c.JSON(status)
	})

	app.Post("/-/preload", func(c fiber.Ctx) error {
		st, err := ctrl.Start(c.Context(), c.Query("source"))
		if err != nil {
			return renderError(c, logger, "preload_start", err)
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"preload_id": st.PreloadID,
			"state":      st,
		})
	})

	app.Delete("/-/preload", func(c fiber.Ctx) error {
		canceled, err := ctrl.Cancel(c.Context())
		if err != nil {
			return renderError(c, logger, "preload_cancel", err)
		}
		return c.JSON(fiber.Map{"canceled": canceled})
	})
}
