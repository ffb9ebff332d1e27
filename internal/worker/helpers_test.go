package worker

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/any-hub/app-cache/internal/cache"
	"github.com/any-hub/app-cache/internal/config"
	"github.com/any-hub/app-cache/internal/manifest"
	"github.com/any-hub/app-cache/internal/upstream"
)

const testOrigin = "https://app.example.com"

var errOffline = errors.New("dial tcp: network is unreachable")

// fakeOrigin 以清单 key 为索引模拟源站，记录每一次抓取。
type fakeOrigin struct {
	mu      sync.Mutex
	files   map[string]string
	failing map[string]int
	offline bool
	calls   []upstream.Request
}

func newFakeOrigin(files map[string]string) *fakeOrigin {
	copied := make(map[string]string, len(files))
	for k, v := range files {
		copied[k] = v
	}
	return &fakeOrigin{files: copied, failing: make(map[string]int)}
}

func (f *fakeOrigin) Fetch(ctx context.Context, req upstream.Request) (*cache.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, req)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.offline {
		return nil, errOffline
	}
	key := pathOf(req.URL)
	if remaining, ok := f.failing[key]; ok && remaining != 0 {
		if remaining > 0 {
			f.failing[key] = remaining - 1
		}
		return nil, errOffline
	}
	body, ok := f.files[key]
	if !ok {
		return &cache.Response{URL: req.URL, Status: http.StatusNotFound, Header: http.Header{}, Body: []byte("not found")}, nil
	}
	return &cache.Response{
		URL:    req.URL,
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte(body),
	}, nil
}

func (f *fakeOrigin) set(key, body string) {
	f.mu.Lock()
	f.files[key] = body
	f.mu.Unlock()
}

func (f *fakeOrigin) setOffline(offline bool) {
	f.mu.Lock()
	f.offline = offline
	f.mu.Unlock()
}

// fail 让 key 的接下来 times 次抓取失败，times < 0 表示一直失败。
func (f *fakeOrigin) fail(key string, times int) {
	f.mu.Lock()
	f.failing[key] = times
	f.mu.Unlock()
}

func (f *fakeOrigin) resetCalls() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}

func (f *fakeOrigin) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, call := range f.calls {
		if pathOf(call.URL) == key {
			n++
		}
	}
	return n
}

func (f *fakeOrigin) requested() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int)
	for _, call := range f.calls {
		out[pathOf(call.URL)]++
	}
	return out
}

func (f *fakeOrigin) allReload() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, call := range f.calls {
		if !call.Reload {
			return false
		}
	}
	return len(f.calls) > 0
}

func pathOf(url string) string {
	key, ok := manifest.NormalizeKey(testOrigin, url)
	if !ok {
		return url
	}
	if idx := strings.IndexAny(key, "?#"); idx >= 0 && key != manifest.RootKey {
		key = key[:idx]
	}
	return key
}

// faultyStorage 在指定缓存代上让 Put 失败，用于触发激活阶段的存储错误。
type faultyStorage struct {
	cache.Storage

	mu      sync.Mutex
	failPut string
}

func (s *faultyStorage) Open(ctx context.Context, name string) (cache.Cache, error) {
	c, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	failing := s.failPut == name
	s.mu.Unlock()
	if failing {
		return &faultyCache{Cache: c}, nil
	}
	return c, nil
}

func (s *faultyStorage) breakPuts(name string) {
	s.mu.Lock()
	s.failPut = name
	s.mu.Unlock()
}

type faultyCache struct {
	cache.Cache
}

func (c *faultyCache) Put(ctx context.Context, url string, resp *cache.Response) error {
	return errors.New("disk full")
}

var v1Files = map[string]string{
	manifest.RootKey:  "<html>root v1</html>",
	"index.html":      "<html>index v1</html>",
	"main.dart.js":    "main v1",
	"flutter.js":      "flutter v1",
	"assets/logo.png": "logo v1",
	"canvaskit.wasm":  "wasm v1",
}

func v1Release(t *testing.T) manifest.Release {
	t.Helper()
	return mustRelease(t, "v1", map[string]string{
		manifest.RootKey:  "d-root-1",
		"index.html":      "d-index-1",
		"main.dart.js":    "d-main-1",
		"flutter.js":      "d-flutter-1",
		"assets/logo.png": "d-logo-1",
		"canvaskit.wasm":  "d-wasm-1",
	})
}

// v2Release: flutter.js 未变，main.dart.js 与 logo 变化，canvaskit 被移除。
func v2Release(t *testing.T) manifest.Release {
	t.Helper()
	return mustRelease(t, "v2", map[string]string{
		manifest.RootKey:  "d-root-2",
		"index.html":      "d-index-1",
		"main.dart.js":    "d-main-2",
		"flutter.js":      "d-flutter-1",
		"assets/logo.png": "d-logo-2",
	})
}

func mustRelease(t *testing.T, version string, resources map[string]string) manifest.Release {
	t.Helper()
	rel, err := manifest.NewRelease(version, resources, []string{"main.dart.js", "index.html"})
	if err != nil {
		t.Fatalf("build release: %v", err)
	}
	return rel
}

func newTestStorage(t *testing.T) cache.Storage {
	t.Helper()
	storage, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("create storage: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close() })
	return storage
}

func testOptions(storage cache.Storage, fetcher Fetcher, rel manifest.Release) Options {
	return Options{
		App:           "test",
		Origin:        testOrigin + "/",
		Release:       rel,
		Storage:       storage,
		Fetcher:       fetcher,
		StagingCache:  config.DefaultStagingCache,
		ContentCache:  config.DefaultContentCache,
		ManifestCache: config.DefaultManifestCache,
		Concurrency:   4,
	}
}

func activeCoordinator(t *testing.T, storage cache.Storage, fetcher Fetcher, rel manifest.Release) *Coordinator {
	t.Helper()
	coord := NewCoordinator(testOptions(storage, fetcher, rel))
	if err := coord.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := coord.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}
	return coord
}

func testConfig() *config.Config {
	return &config.Config{
		Global: config.GlobalConfig{
			MaxRetries:       2,
			InitialBackoff:   config.Duration(time.Millisecond),
			FetchConcurrency: 4,
		},
		App: config.AppConfig{
			Name:          "test",
			Origin:        testOrigin,
			SkipWaiting:   true,
			StagingCache:  config.DefaultStagingCache,
			ContentCache:  config.DefaultContentCache,
			ManifestCache: config.DefaultManifestCache,
		},
	}
}

func cachedBody(t *testing.T, storage cache.Storage, name, key string) (string, bool) {
	t.Helper()
	c, err := storage.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	resp, err := c.Match(context.Background(), manifest.RequestURL(testOrigin, key))
	if errors.Is(err, cache.ErrNotFound) {
		return "", false
	}
	if err != nil {
		t.Fatalf("match %s: %v", key, err)
	}
	return string(resp.Body), true
}

func generationExists(t *testing.T, storage cache.Storage, name string) bool {
	t.Helper()
	exists, err := storage.Has(context.Background(), name)
	if err != nil {
		t.Fatalf("has %s: %v", name, err)
	}
	return exists
}

func get(url string) Request {
	return Request{Method: http.MethodGet, URL: url}
}

// gatedFetcher 在第一次抓取 key 拿到源站响应后阻塞，直到 release 被关闭，
// 用于构造回源与激活交错的场景。阻塞期间 ctx 被取消时返回 ctx 错误，与 http.Client 行为一致。
type gatedFetcher struct {
	Fetcher

	key     string
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedFetcher(inner Fetcher, key string) *gatedFetcher {
	return &gatedFetcher{
		Fetcher: inner,
		key:     key,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gatedFetcher) Fetch(ctx context.Context, req upstream.Request) (*cache.Response, error) {
	resp, err := g.Fetcher.Fetch(ctx, req)
	if pathOf(req.URL) != g.key {
		return resp, err
	}
	gated := false
	g.once.Do(func() { gated = true })
	if !gated {
		return resp, err
	}
	close(g.entered)
	<-g.release
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	return resp, err
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}
