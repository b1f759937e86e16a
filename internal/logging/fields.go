package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供请求方法、Host、路径与缓存状态字段，供页面缓存日志复用。
func RequestFields(method, host, path, cacheStatus string) logrus.Fields {
	return logrus.Fields{
		"method":       method,
		"host":         host,
		"path":         path,
		"cache_status": cacheStatus,
	}
}

// PreloadFields 标记预热任务 ID 与来源 sitemap。
func PreloadFields(preloadID, source string) logrus.Fields {
	return logrus.Fields{
		"preload_id": preloadID,
		"source":     source,
	}
}
