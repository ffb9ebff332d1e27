package config

import "testing"

func TestLoadFailsWithMissingFile(t *testing.T) {
	if _, err := Load(testConfigPath(t, "does-not-exist.toml")); err == nil {
		t.Fatalf("不存在的配置文件应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
StoragePath = "./data"
UpstreamTimeout = "boom"

[App]
Origin = "http://localhost:8080"
ManifestPath = "release.json"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadSQLiteBackend(t *testing.T) {
	cfg := `
StorageBackend = "SQLite"

[App]
Origin = "https://app.example.com"
ManifestPath = "/srv/web/release.json"
SkipWaiting = false
ContentCache = "content-v2"
`
	path := writeTempConfig(t, cfg)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if loaded.Global.StorageBackend != StorageBackendSQLite {
		t.Fatalf("后端名称应被规范化为小写，得到 %s", loaded.Global.StorageBackend)
	}
	if loaded.App.SkipWaiting {
		t.Fatalf("显式关闭的 SkipWaiting 不应被默认值覆盖")
	}
	if loaded.App.ContentCache != "content-v2" {
		t.Fatalf("ContentCache 应使用配置值，得到 %s", loaded.App.ContentCache)
	}
	if loaded.App.ManifestPath != "/srv/web/release.json" {
		t.Fatalf("绝对 ManifestPath 不应被改写，得到 %s", loaded.App.ManifestPath)
	}
}
