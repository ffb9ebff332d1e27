package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseCLIFlagsPriority(t *testing.T) {
	t.Setenv("APP_CACHE_CONFIG", "/tmp/env.toml")

	opts, err := parseCLIFlags([]string{})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/env.toml" {
		t.Fatalf("应优先使用环境变量，得到 %s", opts.configPath)
	}

	opts, err = parseCLIFlags([]string{"--config", "/tmp/flag.toml"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/flag.toml" {
		t.Fatalf("flag 应高于环境变量，得到 %s", opts.configPath)
	}
}

func TestParseCLIFlagsDefault(t *testing.T) {
	t.Setenv("APP_CACHE_CONFIG", "")

	opts, err := parseCLIFlags([]string{"--check-config"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "config.toml" || !opts.checkOnly {
		t.Fatalf("unexpected options: %+v", opts)
	}
	if _, err := parseCLIFlags([]string{"--unknown"}); err == nil {
		t.Fatalf("未知参数应返回错误")
	}
}

func TestRunCheckConfigSuccess(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "valid.toml"), checkOnly: true})
	if code != 0 {
		t.Fatalf("期望退出码 0，得到 %d: %s", code, stdErrBuffer().String())
	}
}

func TestRunCheckConfigFailure(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "missing.toml"), checkOnly: true})
	if code == 0 {
		t.Fatalf("无效配置应返回非零退出码")
	}
	if !strings.Contains(stdErrBuffer().String(), "加载配置失败") {
		t.Fatalf("应输出配置错误: %s", stdErrBuffer().String())
	}
}

func TestRunCheckConfigInvalidRelease(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "release.json"), []byte(`{"version":"1","resources":{}}`), 0o600); err != nil {
		t.Fatalf("写入发布文件失败: %v", err)
	}
	configPath := filepath.Join(dir, "config.toml")
	content := strings.Join([]string{
		`StoragePath = "` + filepath.Join(dir, "storage") + `"`,
		``,
		`[App]`,
		`Origin = "http://127.0.0.1:8080"`,
		`ManifestPath = "release.json"`,
	}, "\n")
	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}

	useBufferWriters(t)
	code := run(cliOptions{configPath: configPath, checkOnly: true})
	if code == 0 {
		t.Fatalf("空清单应导致校验失败")
	}
	if !strings.Contains(stdErrBuffer().String(), "发布清单无效") {
		t.Fatalf("应输出发布清单错误: %s", stdErrBuffer().String())
	}
}

func TestRunVersionOutput(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{showVersion: true})
	if code != 0 {
		t.Fatalf("version 模式应成功退出，得到 %d", code)
	}
	if !strings.Contains(stdOutBuffer().String(), "app-cache") {
		t.Fatalf("version 输出应包含 app-cache 标识")
	}
}
