package server

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

// Serve 在 port 上监听，ctx 结束后在 grace 内优雅关闭。
func Serve(ctx context.Context, app *fiber.App, port int, grace time.Duration, logger *logrus.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"action": "listen",
			"port":   port,
		}).Info("Fiber 服务启动")
		errCh <- app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	logger.WithField("action", "shutdown").Info("Fiber 服务关闭")
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
