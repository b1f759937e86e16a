package routes

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-cache/internal/htaccess"
	"github.com/any-hub/any-cache/internal/lock"
	"github.com/any-hub/any-cache/internal/meta"
	"github.com/any-hub/any-cache/internal/preload"
	"github.com/any-hub/any-cache/internal/storage"
)

// statusFor 将领域错误映射为 HTTP 状态码与错误码。
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, storage.ErrInvalidKey):
		return fiber.StatusBadRequest, "invalid_key"
	case errors.Is(err, lock.ErrTimeout):
		return fiber.StatusConflict, "lock_timeout"
	case errors.Is(err, preload.ErrInProgress):
		return fiber.StatusConflict, "preloader_in_progress"
	case errors.Is(err, meta.ErrNotReadable):
		return fiber.StatusInternalServerError, "metadata_not_readable"
	case errors.Is(err, htaccess.ErrRead):
		return fiber.StatusInternalServerError, "rule_file_read_failed"
	case errors.Is(err, htaccess.ErrWrite):
		return fiber.StatusInternalServerError, "rule_file_write_failed"
	default:
		return fiber.StatusInternalServerError, "internal_error"
	}
}

func renderError(c fiber.Ctx, logger *logrus.Logger, action string, err error) error {
	status, code := statusFor(err)
	entry := logger.WithError(err).WithFields(logrus.Fields{"action": action, "error_code": code})
	if status >= fiber.StatusInternalServerError {
		entry.Error("admin_request_failed")
	} else {
		entry.Warn("admin_request_rejected")
	}
	return c.Status(status).JSON(fiber.Map{"error": code, "message": err.Error()})
}
