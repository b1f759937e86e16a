package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvConfigPath 指定配置文件路径的环境变量，优先级低于 --config 参数。
const EnvConfigPath = "ANY_CACHE_CONFIG"

// ResolvePath 依次使用显式参数、环境变量与默认文件名确定配置路径。
func ResolvePath(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(EnvConfigPath)); env != "" {
		return env
	}
	return "config.toml"
}

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyOriginDefaults(&cfg.Origin)
	applyPreloadDefaults(&cfg.Preload)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage
	applyDeliveryDefaults(&cfg.Delivery, absStorage)

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StorageDriver", DriverFile)
	v.SetDefault("CacheTTL", 86400)
	v.SetDefault("MaxBodySize", 8*1024*1024)
	v.SetDefault("MaxRetries", 3)
	v.SetDefault("InitialBackoff", "1s")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("LockTimeout", "5s")
	v.SetDefault("Preload.Delay", "500ms")
	v.SetDefault("Preload.Concurrency", 1)
	v.SetDefault("Preload.RequestTimeout", "30s")
	v.SetDefault("Preload.MonitorInterval", "1m")
	v.SetDefault("Preload.GracePeriod", "5m")
	v.SetDefault("Preload.StaleAfter", "2h")
	v.SetDefault("Preload.MaxRetries", 3)
}

// defaultIgnoredQueryParams 为常见的营销追踪参数，默认不参与缓存键计算。
var defaultIgnoredQueryParams = []string{
	"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content",
	"fbclid", "gclid",
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.CacheTTL.DurationValue() == 0 {
		g.CacheTTL = Duration(24 * time.Hour)
	}
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(time.Second)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.LockTimeout.DurationValue() == 0 {
		g.LockTimeout = Duration(5 * time.Second)
	}
	if g.MaxBodySize == 0 {
		g.MaxBodySize = 8 * 1024 * 1024
	}
	g.StorageDriver = strings.ToLower(strings.TrimSpace(g.StorageDriver))
	if g.StorageDriver == "" {
		g.StorageDriver = DriverFile
	}
}

func applyOriginDefaults(o *OriginConfig) {
	if o.IgnoredQueryParams == nil {
		o.IgnoredQueryParams = append([]string(nil), defaultIgnoredQueryParams...)
	}
	o.Upstream = strings.TrimRight(strings.TrimSpace(o.Upstream), "/")
	o.Domain = strings.ToLower(strings.TrimSpace(o.Domain))
	o.Scheme = strings.ToLower(strings.TrimSpace(o.Scheme))
}

func applyPreloadDefaults(p *PreloadConfig) {
	if p.Concurrency <= 0 {
		p.Concurrency = 1
	}
	if p.RequestTimeout.DurationValue() == 0 {
		p.RequestTimeout = Duration(30 * time.Second)
	}
	if p.MonitorInterval.DurationValue() == 0 {
		p.MonitorInterval = Duration(time.Minute)
	}
	if p.GracePeriod.DurationValue() == 0 {
		p.GracePeriod = Duration(5 * time.Minute)
	}
	if p.StaleAfter.DurationValue() == 0 {
		p.StaleAfter = Duration(2 * time.Hour)
	}
}

func applyDeliveryDefaults(d *DeliveryConfig, storagePath string) {
	if strings.TrimSpace(d.RuleFile) == "" {
		d.RuleFile = filepath.Join(storagePath, ".htaccess")
	}
	if strings.TrimSpace(d.CacheDir) == "" {
		d.CacheDir = filepath.Join(storagePath, "pages")
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
