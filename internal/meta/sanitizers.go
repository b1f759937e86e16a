package meta

import (
	"mime"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

const maxTitleRunes = 256

// DefaultCollection 返回页面缓存使用的标准 sanitizer 顺序：先修剪，再规范化，最后计算过期时间。
func DefaultCollection(maxTTL time.Duration) *Collection {
	return NewCollection(
		TrimFields(),
		NormalizeContentType(),
		NormalizeTags(),
		NormalizeFingerprint(),
		TruncateTitle(maxTitleRunes),
		NormalizeTimes(),
		ClampTTL(maxTTL),
	)
}

// TrimFields 去除字符串字段首尾空白。
func TrimFields() Sanitizer {
	return SanitizerFunc{Label: "trim_fields", Fn: func(m Meta) Meta {
		m.Key = strings.TrimSpace(m.Key)
		m.URL = strings.TrimSpace(m.URL)
		m.ContentType = strings.TrimSpace(m.ContentType)
		m.Fingerprint = strings.TrimSpace(m.Fingerprint)
		m.Title = strings.Join(strings.Fields(m.Title), " ")
		m.Canonical = strings.TrimSpace(m.Canonical)
		m.Source = strings.TrimSpace(m.Source)
		return m
	}}
}

// NormalizeContentType 统一媒体类型大小写，只保留 charset 参数。
func NormalizeContentType() Sanitizer {
	return SanitizerFunc{Label: "normalize_content_type", Fn: func(m Meta) Meta {
		if m.ContentType == "" {
			return m
		}
		mediaType, params, err := mime.ParseMediaType(m.ContentType)
		if err != nil {
			m.ContentType = strings.ToLower(m.ContentType)
			return m
		}
		if charset, ok := params["charset"]; ok && charset != "" {
			m.ContentType = mediaType + "; charset=" + strings.ToLower(charset)
			return m
		}
		m.ContentType = mediaType
		return m
	}}
}

// NormalizeTags 小写、去空、去重并排序标签。
func NormalizeTags() Sanitizer {
	return SanitizerFunc{Label: "normalize_tags", Fn: func(m Meta) Meta {
		if len(m.Tags) == 0 {
			m.Tags = nil
			return m
		}
		seen := make(map[string]struct{}, len(m.Tags))
		tags := make([]string, 0, len(m.Tags))
		for _, tag := range m.Tags {
			tag = strings.ToLower(strings.TrimSpace(tag))
			if tag == "" {
				continue
			}
			if _, ok := seen[tag]; ok {
				continue
			}
			seen[tag] = struct{}{}
			tags = append(tags, tag)
		}
		sort.Strings(tags)
		if len(tags) == 0 {
			tags = nil
		}
		m.Tags = tags
		return m
	}}
}

// NormalizeFingerprint 将摘要统一为小写十六进制。
func NormalizeFingerprint() Sanitizer {
	return SanitizerFunc{Label: "normalize_fingerprint", Fn: func(m Meta) Meta {
		m.Fingerprint = strings.ToLower(m.Fingerprint)
		return m
	}}
}

// TruncateTitle 限制标题长度，按 rune 截断。
func TruncateTitle(max int) Sanitizer {
	return SanitizerFunc{Label: "truncate_title", Fn: func(m Meta) Meta {
		if max <= 0 || utf8.RuneCountInString(m.Title) <= max {
			return m
		}
		runes := []rune(m.Title)
		m.Title = strings.TrimSpace(string(runes[:max]))
		return m
	}}
}

// NormalizeTimes 将时间统一为 UTC 并截断到秒。
func NormalizeTimes() Sanitizer {
	return SanitizerFunc{Label: "normalize_times", Fn: func(m Meta) Meta {
		if !m.CreatedAt.IsZero() {
			m.CreatedAt = m.CreatedAt.UTC().Truncate(time.Second)
		}
		if !m.ExpiresAt.IsZero() {
			m.ExpiresAt = m.ExpiresAt.UTC().Truncate(time.Second)
		}
		return m
	}}
}

// ClampTTL 将 TTL 限制在 [0, max] 并据此重算 ExpiresAt。
func ClampTTL(max time.Duration) Sanitizer {
	return SanitizerFunc{Label: "clamp_ttl", Fn: func(m Meta) Meta {
		ttl := m.TTL.Truncate(time.Second)
		if ttl < 0 {
			ttl = 0
		}
		if max > 0 && ttl > max {
			ttl = max
		}
		m.TTL = ttl
		if ttl > 0 && !m.CreatedAt.IsZero() {
			m.ExpiresAt = m.CreatedAt.Add(ttl)
		}
		return m
	}}
}
