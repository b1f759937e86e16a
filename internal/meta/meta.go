// Package meta describes the metadata stored next to every cached page and
// the ordered sanitizer collection that normalizes it before persistence.
package meta

import "time"

// Meta 描述一个缓存条目的元数据。
type Meta struct {
	Key         string        `json:"key"`
	URL         string        `json:"url"`
	Status      int           `json:"status"`
	ContentType string        `json:"content_type"`
	Size        int64         `json:"size"`
	Fingerprint string        `json:"fingerprint"`
	Title       string        `json:"title,omitempty"`
	Canonical   string        `json:"canonical,omitempty"`
	Tags        []string      `json:"tags,omitempty"`
	Source      string        `json:"source"`
	CreatedAt   time.Time     `json:"created_at"`
	TTL         time.Duration `json:"ttl"`
	ExpiresAt   time.Time     `json:"expires_at"`
}

// 条目来源。
const (
	SourceRequest = "request"
	SourcePreload = "preload"
)

// Fresh 判断条目在 now 时刻是否仍在有效期内；ExpiresAt 为零表示不过期。
func (m Meta) Fresh(now time.Time) bool {
	return m.ExpiresAt.IsZero() || now.Before(m.ExpiresAt)
}

// Age 返回条目自创建以来的秒数，用于 Age 响应头。
func (m Meta) Age(now time.Time) int64 {
	if m.CreatedAt.IsZero() || now.Before(m.CreatedAt) {
		return 0
	}
	return int64(now.Sub(m.CreatedAt) / time.Second)
}
