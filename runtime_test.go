package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/any-hub/app-cache/internal/config"
	"github.com/any-hub/app-cache/internal/logging"
	"github.com/any-hub/app-cache/internal/proxy"
	"github.com/any-hub/app-cache/internal/worker"
)

// testOriginServer 模拟前端源站，offline 为真时所有请求返回连接错误。
type testOriginServer struct {
	*httptest.Server
	offline atomic.Bool
	hits    atomic.Int64
}

func newTestOriginServer(t *testing.T, files map[string]string) *testOriginServer {
	t.Helper()
	origin := &testOriginServer{}
	origin.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin.offline.Load() {
			hj, ok := w.(http.Hijacker)
			if ok {
				conn, _, _ := hj.Hijack()
				_ = conn.Close()
				return
			}
		}
		origin.hits.Add(1)
		body, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(origin.Close)
	return origin
}

func newTestRuntime(t *testing.T, origin string) *appRuntime {
	t.Helper()
	dir := t.TempDir()
	releasePath := writeReleaseFile(t, dir, `{
  "version": "1.0.0",
  "resources": {
    "/": "r1",
    "index.html": "i1",
    "main.js": "m1",
    "logo.png": "l1"
  },
  "core": ["main.js", "index.html"]
}`)

	cfg := &config.Config{
		Global: config.GlobalConfig{
			ListenPort:       5000,
			StoragePath:      filepath.Join(dir, "storage"),
			StorageBackend:   config.StorageBackendFS,
			MaxRetries:       1,
			InitialBackoff:   config.Duration(time.Millisecond),
			UpstreamTimeout:  config.Duration(2 * time.Second),
			FetchConcurrency: 2,
		},
		App: config.AppConfig{
			Name:          "web",
			Origin:        origin,
			ManifestPath:  releasePath,
			SkipWaiting:   true,
			StagingCache:  config.DefaultStagingCache,
			ContentCache:  config.DefaultContentCache,
			ManifestCache: config.DefaultManifestCache,
		},
	}

	rt, err := newRuntime(context.Background(), cfg, logging.NewDiscardLogger())
	if err != nil {
		t.Fatalf("初始化运行时失败: %v", err)
	}
	t.Cleanup(rt.Close)
	return rt
}

func doRequest(t *testing.T, rt *appRuntime, method, path string, body io.Reader) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	resp, err := rt.app.Test(req)
	if err != nil {
		t.Fatalf("%s %s 失败: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("读取响应失败: %v", err)
	}
	return resp, string(data)
}

func TestRuntimeServesInstalledRelease(t *testing.T) {
	origin := newTestOriginServer(t, map[string]string{
		"/":           "<html>root</html>",
		"/index.html": "<html>index</html>",
		"/main.js":    "console.log(1)",
		"/logo.png":   "png",
		"/api/ping":   "pong",
	})
	rt := newTestRuntime(t, origin.URL)

	rt.registerRelease(context.Background())

	resp, body := doRequest(t, rt, http.MethodGet, "/-/status", nil)
	var status worker.Status
	if err := json.Unmarshal([]byte(body), &status); err != nil {
		t.Fatalf("解析状态失败: %v (%s)", err, body)
	}
	if resp.StatusCode != http.StatusOK || status.Active == nil || status.Active.Version != "1.0.0" {
		t.Fatalf("发布应已激活: %d %s", resp.StatusCode, body)
	}

	origin.hits.Store(0)
	resp, body = doRequest(t, rt, http.MethodGet, "/main.js?v=1.0.0", nil)
	if resp.Header.Get(proxy.CacheHeader) != "hit" || body != "console.log(1)" {
		t.Fatalf("外壳文件应命中缓存: %s %q", resp.Header.Get(proxy.CacheHeader), body)
	}
	if n := origin.hits.Load(); n != 0 {
		t.Fatalf("缓存命中不应访问源站，实际 %d 次", n)
	}

	resp, body = doRequest(t, rt, http.MethodGet, "/logo.png", nil)
	if resp.Header.Get(proxy.CacheHeader) != "miss" || body != "png" {
		t.Fatalf("未预取资源应回源: %s %q", resp.Header.Get(proxy.CacheHeader), body)
	}
	resp, _ = doRequest(t, rt, http.MethodGet, "/logo.png", nil)
	if resp.Header.Get(proxy.CacheHeader) != "hit" {
		t.Fatalf("第二次请求应命中缓存: %s", resp.Header.Get(proxy.CacheHeader))
	}

	resp, body = doRequest(t, rt, http.MethodGet, "/api/ping", nil)
	if resp.Header.Get(proxy.CacheHeader) != "bypass" || body != "pong" {
		t.Fatalf("清单外请求应透传: %s %q", resp.Header.Get(proxy.CacheHeader), body)
	}
}

func TestRuntimeRootFallsBackWhenOffline(t *testing.T) {
	origin := newTestOriginServer(t, map[string]string{
		"/":           "<html>root</html>",
		"/index.html": "<html>index</html>",
		"/main.js":    "console.log(1)",
		"/logo.png":   "png",
	})
	rt := newTestRuntime(t, origin.URL)
	rt.registerRelease(context.Background())

	resp, body := doRequest(t, rt, http.MethodGet, "/", nil)
	if resp.Header.Get(proxy.CacheHeader) != "network" || body != "<html>root</html>" {
		t.Fatalf("根路径应在线优先: %s %q", resp.Header.Get(proxy.CacheHeader), body)
	}

	origin.offline.Store(true)
	resp, body = doRequest(t, rt, http.MethodGet, "/", nil)
	if resp.Header.Get(proxy.CacheHeader) != "fallback" || body != "<html>root</html>" {
		t.Fatalf("离线时根路径应回退到缓存: %s %q", resp.Header.Get(proxy.CacheHeader), body)
	}
}

func TestRuntimeDownloadOfflineMessage(t *testing.T) {
	origin := newTestOriginServer(t, map[string]string{
		"/":           "<html>root</html>",
		"/index.html": "<html>index</html>",
		"/main.js":    "console.log(1)",
		"/logo.png":   "png",
	})
	rt := newTestRuntime(t, origin.URL)
	rt.registerRelease(context.Background())

	resp, body := doRequest(t, rt, http.MethodPost, "/-/message", strings.NewReader("downloadOffline"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("downloadOffline 应成功: %d %s", resp.StatusCode, body)
	}

	origin.offline.Store(true)
	resp, body = doRequest(t, rt, http.MethodGet, "/logo.png", nil)
	if resp.Header.Get(proxy.CacheHeader) != "hit" || body != "png" {
		t.Fatalf("离线下载后资源应可从缓存读取: %s %q", resp.Header.Get(proxy.CacheHeader), body)
	}
}

func TestRuntimeRestoreAfterRestart(t *testing.T) {
	origin := newTestOriginServer(t, map[string]string{
		"/":           "<html>root</html>",
		"/index.html": "<html>index</html>",
		"/main.js":    "console.log(1)",
		"/logo.png":   "png",
	})
	first := newTestRuntime(t, origin.URL)
	first.registerRelease(context.Background())
	if err := first.storage.Close(); err != nil {
		t.Fatalf("关闭存储失败: %v", err)
	}

	second, err := newRuntime(context.Background(), first.cfg, logging.NewDiscardLogger())
	if err != nil {
		t.Fatalf("重启运行时失败: %v", err)
	}
	t.Cleanup(second.Close)

	origin.offline.Store(true)
	resp, body := doRequest(t, second, http.MethodGet, "/main.js", nil)
	if resp.Header.Get(proxy.CacheHeader) != "hit" || body != "console.log(1)" {
		t.Fatalf("重启后应继续由缓存服务: %s %q", resp.Header.Get(proxy.CacheHeader), body)
	}
}
