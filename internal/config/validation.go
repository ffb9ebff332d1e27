package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var supportedBackends = map[string]struct{}{
	StorageBackendFS:     {},
	StorageBackendSQLite: {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if _, ok := supportedBackends[g.StorageBackend]; !ok {
		return newFieldError("Global.StorageBackend", "仅支持 fs|sqlite")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.FetchConcurrency <= 0 {
		return newFieldError("Global.FetchConcurrency", "必须大于 0")
	}

	app := c.App
	if err := validateOrigin(app.Origin); err != nil {
		return fmt.Errorf("%s: %w", appField("Origin"), err)
	}
	if strings.TrimSpace(app.ManifestPath) == "" {
		return newFieldError(appField("ManifestPath"), "不能为空")
	}

	seen := map[string]string{}
	for field, name := range map[string]string{
		"StagingCache":  app.StagingCache,
		"ContentCache":  app.ContentCache,
		"ManifestCache": app.ManifestCache,
	} {
		name = strings.TrimSpace(name)
		if name == "" {
			return newFieldError(appField(field), "不能为空")
		}
		if strings.ContainsAny(name, `/\`) {
			return newFieldError(appField(field), "不允许包含路径分隔符")
		}
		if other, exists := seen[name]; exists {
			return newFieldError(appField(field), fmt.Sprintf("与 %s 重名", other))
		}
		seen[name] = field
	}

	return nil
}

// validateOrigin 要求 Origin 只包含 scheme + host(:port)，缓存 key 均以它为前缀计算。
func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	if strings.Trim(parsed.Path, "/") != "" || parsed.RawQuery != "" || parsed.Fragment != "" {
		return fmt.Errorf("源站不能包含路径或查询参数: %s", raw)
	}
	return nil
}
