package routes

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-cache/internal/meta"
)

// Purger 是页面缓存的管理操作。
type Purger interface {
	Purge(ctx context.Context, rawURL string) (string, error)
	Lookup(ctx context.Context, rawURL string) (meta.Meta, bool, error)
}

type entryPayload struct {
	Key         string    `json:"key"`
	URL         string    `json:"url"`
	Status      int       `json:"status"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Fingerprint string    `json:"fingerprint"`
	Title       string    `json:"title,omitempty"`
	Source      string    `json:"source"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	AgeSeconds  int64     `json:"age_seconds"`
}

// RegisterPurgeRoutes 暴露 /-/cache 查询与 /-/purge 清除接口。
func RegisterPurgeRoutes(app *fiber.App, purger Purger, logger *logrus.Logger) {
	if app == nil || purger == nil {
		return
	}

	app.Get("/-/cache", func(c fiber.Ctx) error {
		m, ok, err := purger.Lookup(c.Context(), c.Query("url"))
		if err != nil {
			return renderError(c, logger, "cache_lookup", err)
		}
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "entry_not_found"})
		}
		return c.JSON(entryPayload{
			Key:         m.Key,
			URL:         m.URL,
			Status:      m.Status,
			ContentType: m.ContentType,
			Size:        m.Size,
			Fingerprint: m.Fingerprint,
			Title:       m.Title,
			Source:      m.Source,
			CreatedAt:   m.CreatedAt,
			ExpiresAt:   m.ExpiresAt,
			AgeSeconds:  m.Age(time.Now()),
		})
	})

	purge := func(c fiber.Ctx) error {
		target := c.Query("url")
		if target == "" {
			target = string(c.Body())
		}
		key, err := purger.Purge(c.Context(), target)
		if err != nil {
			return renderError(c, logger, "purge", err)
		}
		return c.JSON(fiber.Map{"key": key, "purged": true})
	}
	app.Post("/-/purge", purge)
	app.Delete("/-/purge", purge)
}
