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

// 支持的存储后端。
const (
	StorageBackendFS     = "fs"
	StorageBackendSQLite = "sqlite"
)

// GlobalConfig 描述全局运行时行为：监听端口、日志、存储与上游访问参数。
type GlobalConfig struct {
	ListenPort       int      `mapstructure:"ListenPort"`
	LogLevel         string   `mapstructure:"LogLevel"`
	LogFormat        string   `mapstructure:"LogFormat"`
	LogFilePath      string   `mapstructure:"LogFilePath"`
	LogMaxSize       int      `mapstructure:"LogMaxSize"`
	LogMaxBackups    int      `mapstructure:"LogMaxBackups"`
	LogCompress      bool     `mapstructure:"LogCompress"`
	StoragePath      string   `mapstructure:"StoragePath"`
	StorageBackend   string   `mapstructure:"StorageBackend"`
	MaxRetries       int      `mapstructure:"MaxRetries"`
	InitialBackoff   Duration `mapstructure:"InitialBackoff"`
	UpstreamTimeout  Duration `mapstructure:"UpstreamTimeout"`
	FetchConcurrency int      `mapstructure:"FetchConcurrency"`
}

// AppConfig 描述被托管的前端应用：源站地址、构建产物清单以及三个缓存代的名称。
type AppConfig struct {
	Name          string `mapstructure:"Name"`
	Origin        string `mapstructure:"Origin"`
	ManifestPath  string `mapstructure:"ManifestPath"`
	WatchManifest bool   `mapstructure:"WatchManifest"`
	SkipWaiting   bool   `mapstructure:"SkipWaiting"`
	StagingCache  string `mapstructure:"StagingCache"`
	ContentCache  string `mapstructure:"ContentCache"`
	ManifestCache string `mapstructure:"ManifestCache"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	App    AppConfig    `mapstructure:"App"`
}

// CacheNames 返回 staging/content/manifest 三个缓存代的名称，顺序固定。
func (a AppConfig) CacheNames() []string {
	return []string{a.StagingCache, a.ContentCache, a.ManifestCache}
}

// NormalizedOrigin 去掉 Origin 末尾的斜杠，保证与请求 URL 拼接时只有一个分隔符。
func (a AppConfig) NormalizedOrigin() string {
	return strings.TrimRight(strings.TrimSpace(a.Origin), "/")
}
