package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// Storage driver 名称。
const (
	DriverFile    = "file"
	DriverLevelDB = "leveldb"
	DriverSQLite  = "sqlite"
	DriverMemory  = "memory"
)

// GlobalConfig 描述全局运行时行为。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	StorageDriver   string   `mapstructure:"StorageDriver"`
	CacheTTL        Duration `mapstructure:"CacheTTL"`
	MaxBodySize     int64    `mapstructure:"MaxBodySize"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	LockTimeout     Duration `mapstructure:"LockTimeout"`
	MaxRetries      int      `mapstructure:"MaxRetries"`
	InitialBackoff  Duration `mapstructure:"InitialBackoff"`
}

// OriginConfig 描述被缓存站点的源站及缓存资格规则。
type OriginConfig struct {
	Upstream           string   `mapstructure:"Upstream"`
	Domain             string   `mapstructure:"Domain"`
	// Scheme 是访客访问站点使用的 scheme，为空时沿用 Upstream 的 scheme。
	Scheme             string   `mapstructure:"Scheme"`
	IgnoredQueryParams []string `mapstructure:"IgnoredQueryParams"`
	BypassCookies      []string `mapstructure:"BypassCookies"`
	ExcludedPaths      []string `mapstructure:"ExcludedPaths"`
}

// DeliveryConfig 控制路由规则文件（.htaccess）与静态镜像目录。
type DeliveryConfig struct {
	Enabled  bool   `mapstructure:"Enabled"`
	RuleFile string `mapstructure:"RuleFile"`
	CacheDir string `mapstructure:"CacheDir"`
}

// PreloadConfig 描述 sitemap 预热任务及其监控策略。
type PreloadConfig struct {
	Sitemaps        []string `mapstructure:"Sitemaps"`
	Delay           Duration `mapstructure:"Delay"`
	Concurrency     int      `mapstructure:"Concurrency"`
	RequestTimeout  Duration `mapstructure:"RequestTimeout"`
	MonitorInterval Duration `mapstructure:"MonitorInterval"`
	GracePeriod     Duration `mapstructure:"GracePeriod"`
	StaleAfter      Duration `mapstructure:"StaleAfter"`
	MaxRetries      int      `mapstructure:"MaxRetries"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global   GlobalConfig   `mapstructure:",squash"`
	Origin   OriginConfig   `mapstructure:"Origin"`
	Delivery DeliveryConfig `mapstructure:"Delivery"`
	Preload  PreloadConfig  `mapstructure:"Preload"`
}

// PreloadEnabled 表示是否配置了可用于预热的 sitemap。
func (c *Config) PreloadEnabled() bool {
	return c != nil && len(c.Preload.Sitemaps) > 0
}
