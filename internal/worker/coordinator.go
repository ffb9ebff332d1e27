package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/app-cache/internal/cache"
	"github.com/any-hub/app-cache/internal/logging"
	"github.com/any-hub/app-cache/internal/manifest"
	"github.com/any-hub/app-cache/internal/upstream"
)

// State 是单个发布版本的生命周期状态。
type State string

const (
	StateInstalling State = "installing"
	StateWaiting    State = "waiting"
	StateActivating State = "activating"
	StateActive     State = "active"
	StateRedundant  State = "redundant"
)

// 路由策略名称，用于日志。
const (
	PolicyCacheFirst  = "cache-first"
	PolicyOnlineFirst = "online-first"
)

// Source 标记响应的来源，对外以 X-App-Cache 头暴露。
type Source string

const (
	// SourceHit 表示 cache-first 直接命中缓存。
	SourceHit Source = "hit"
	// SourceMiss 表示 cache-first 未命中，经源站获取。
	SourceMiss Source = "miss"
	// SourceNetwork 表示 online-first 从源站获取。
	SourceNetwork Source = "network"
	// SourceFallback 表示 online-first 网络失败后回退到缓存。
	SourceFallback Source = "fallback"
)

// 消息通道上可识别的命令。
const (
	MessageSkipWaiting     = "skipWaiting"
	MessageDownloadOffline = "downloadOffline"
)

// Request 是一次进入缓存层的请求。URL 为绝对地址。
type Request struct {
	Method string
	URL    string
	Header http.Header
}

// Result 是被拦截请求的响应。
type Result struct {
	Response *cache.Response
	Source   Source
	Key      string
	Policy   string
}

// Options 描述构建 Coordinator 所需的依赖，三个缓存代名称由配置给出。
type Options struct {
	App           string
	Origin        string
	Release       manifest.Release
	Storage       cache.Storage
	Fetcher       Fetcher
	StagingCache  string
	ContentCache  string
	ManifestCache string
	Concurrency   int
	Logger        *logrus.Logger
	// Writes 在共享同一 content 代的各 Coordinator 之间协调写入：
	// 激活期间持有写锁，运行期回填持有读锁。为空时使用私有锁。
	Writes *sync.RWMutex
}

// Coordinator 驱动单个发布版本的 install/activate/fetch/message。
type Coordinator struct {
	app     string
	origin  string
	release manifest.Release
	fetcher Fetcher
	logger  *logrus.Logger

	manifests *ManifestStore
	staging   *StagingCache
	content   *ContentCache
	// 同一 URL 的并发未命中只回源一次。
	inflight singleflight.Group
	writes   *sync.RWMutex

	mu          sync.RWMutex
	state       State
	skipWaiting bool
}

// NewCoordinator 创建处于 installing 状态的 Coordinator。
func NewCoordinator(opts Options) *Coordinator {
	return newCoordinator(opts, StateInstalling)
}

// ResumeCoordinator 为已激活过的清单直接创建 active 状态的 Coordinator，
// 用于进程重启后沿用已有缓存。
func ResumeCoordinator(opts Options) *Coordinator {
	return newCoordinator(opts, StateActive)
}

func newCoordinator(opts Options, state State) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	origin := strings.TrimRight(opts.Origin, "/")
	writes := opts.Writes
	if writes == nil {
		writes = &sync.RWMutex{}
	}

	return &Coordinator{
		app:       opts.App,
		origin:    origin,
		release:   opts.Release,
		fetcher:   opts.Fetcher,
		logger:    logger,
		manifests: NewManifestStore(opts.Storage, opts.ManifestCache),
		staging:   NewStagingCache(opts.Storage, opts.StagingCache, origin, opts.Fetcher, opts.Concurrency),
		content:   NewContentCache(opts.Storage, opts.ContentCache, origin),
		writes:    writes,
		state:     state,
	}
}

// State 返回当前状态。
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Release 返回该 Coordinator 对应的发布。
func (c *Coordinator) Release() manifest.Release {
	return c.release
}

// SkipWaiting 请求跳过 waiting 状态；实际激活由 Host 完成。
func (c *Coordinator) SkipWaiting() {
	c.mu.Lock()
	c.skipWaiting = true
	c.mu.Unlock()
}

// SkipRequested 报告是否收到过 skip-waiting 请求。
func (c *Coordinator) SkipRequested() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.skipWaiting
}

// Retire 将已被替换的 Coordinator 标记为 redundant。
func (c *Coordinator) Retire() {
	c.mu.Lock()
	c.state = StateRedundant
	c.mu.Unlock()
}

func (c *Coordinator) transition(from, to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return fmt.Errorf("%w: %s -> %s (current %s)", ErrInvalidTransition, from, to, c.state)
	}
	c.state = to
	return nil
}

func (c *Coordinator) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// Install 把外壳文件下载到 staging 代。失败时丢弃 staging 并进入 redundant。
func (c *Coordinator) Install(ctx context.Context) error {
	c.mu.RLock()
	state := c.state
	c.mu.RUnlock()
	if state != StateInstalling {
		return fmt.Errorf("%w: install in state %s", ErrInvalidTransition, state)
	}

	fields := logging.LifecycleFields(c.app, "install", c.release.Label())
	if err := c.staging.Populate(ctx, c.release.Shell); err != nil {
		if discardErr := c.staging.Discard(context.WithoutCancel(ctx)); discardErr != nil {
			c.logger.WithFields(fields).WithError(discardErr).Warn("staging_discard_failed")
		}
		c.setState(StateRedundant)
		c.logger.WithFields(fields).WithError(err).Error("install_failed")
		return fmt.Errorf("install %s: %w", c.release.Label(), err)
	}

	if err := c.transition(StateInstalling, StateWaiting); err != nil {
		return err
	}
	c.logger.WithFields(fields).WithField("shell", len(c.release.Shell)).Info("install_completed")
	return nil
}

// Activate 按清单差异整理 content 代并吸收 staging，成功后进入 active。
// 任何错误都会清空 content、staging 与 manifest-record 三个缓存代。
func (c *Coordinator) Activate(ctx context.Context) error {
	if err := c.transition(StateWaiting, StateActivating); err != nil {
		return err
	}

	fields := logging.LifecycleFields(c.app, "activate", c.release.Label())
	if err := c.activate(ctx, fields); err != nil {
		c.logger.WithFields(fields).WithError(err).Error("activate_failed")
		c.wipe(context.WithoutCancel(ctx), fields)
		c.setState(StateRedundant)
		return fmt.Errorf("activate %s: %w", c.release.Label(), err)
	}

	c.setState(StateActive)
	c.logger.WithFields(fields).Info("activate_completed")
	return nil
}

func (c *Coordinator) activate(ctx context.Context, fields logrus.Fields) error {
	prev, found, err := c.manifests.Load(ctx)
	if err != nil {
		return err
	}

	if !found {
		if err := c.content.Reset(ctx); err != nil {
			return err
		}
		c.logger.WithFields(fields).Info("content_cache_reset")
	} else {
		removed, err := c.content.Reconcile(ctx, prev, c.release.Resources)
		if err != nil {
			return err
		}
		c.logger.WithFields(fields).WithField("removed", removed).Info("content_cache_reconciled")
	}

	copied, err := c.content.Absorb(ctx, c.staging)
	if err != nil {
		return err
	}
	if err := c.staging.Discard(ctx); err != nil {
		return err
	}
	if err := c.manifests.Save(ctx, c.release.Resources); err != nil {
		return err
	}
	c.logger.WithFields(fields).WithField("absorbed", copied).Debug("staging_absorbed")
	return nil
}

// wipe 删除全部三个缓存代，下一次激活将从空缓存重建。
func (c *Coordinator) wipe(ctx context.Context, fields logrus.Fields) {
	errs := []error{
		c.content.Delete(ctx),
		c.staging.Discard(ctx),
		c.manifests.Delete(ctx),
	}
	if err := errors.Join(errs...); err != nil {
		c.logger.WithFields(fields).WithError(err).Error("cache_wipe_failed")
		return
	}
	c.logger.WithFields(fields).Warn("cache_wiped")
}

// Fetch 按路由策略处理请求。intercepted 为 false 时调用方应自行回源。
func (c *Coordinator) Fetch(ctx context.Context, req Request) (*Result, bool, error) {
	if c.State() != StateActive {
		return nil, false, nil
	}
	if req.Method != "" && req.Method != http.MethodGet {
		return nil, false, nil
	}
	key, ok := manifest.NormalizeKey(c.origin, req.URL)
	if !ok || !c.release.Resources.Has(key) {
		return nil, false, nil
	}

	if key == manifest.RootKey {
		result, err := c.onlineFirst(ctx, key, req)
		return result, true, err
	}
	result, err := c.cacheFirst(ctx, key, req)
	return result, true, err
}

// cacheFirst 命中直接返回；未命中时回源并回填 content 代。
// 回填失败只记录日志，响应照常返回给调用方。
func (c *Coordinator) cacheFirst(ctx context.Context, key string, req Request) (*Result, error) {
	identity := manifest.RequestURL(c.origin, key)
	cached, err := c.content.Get(ctx, identity)
	if err == nil {
		return &Result{Response: cached, Source: SourceHit, Key: key, Policy: PolicyCacheFirst}, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		return nil, err
	}

	// 合并后的回源由所有等待者共享，不随首个调用方断开而取消，只受上游超时约束。
	detached := context.WithoutCancel(ctx)
	shared, err, _ := c.inflight.Do(identity, func() (any, error) {
		resp, err := c.network(detached, req)
		if err != nil {
			return nil, err
		}
		c.store(detached, key, identity, resp)
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return &Result{Response: shared.(*cache.Response).Clone(), Source: SourceMiss, Key: key, Policy: PolicyCacheFirst}, nil
}

func (c *Coordinator) onlineFirst(ctx context.Context, key string, req Request) (*Result, error) {
	identity := manifest.RequestURL(c.origin, key)
	resp, netErr := c.network(ctx, req)
	if netErr == nil {
		c.store(ctx, key, identity, resp)
		return &Result{Response: resp, Source: SourceNetwork, Key: key, Policy: PolicyOnlineFirst}, nil
	}

	cached, err := c.content.Get(ctx, identity)
	if err == nil {
		return &Result{Response: cached, Source: SourceFallback, Key: key, Policy: PolicyOnlineFirst}, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		c.logger.WithFields(logrus.Fields{"app": c.app, "key": key}).WithError(err).Warn("fallback_lookup_failed")
	}
	return nil, netErr
}

// store 仅在本代仍为 active 时回填 content 代。激活进行中（写锁被占用）或
// 本代已被替换时放弃写入，旧版本的响应不会落在新清单整理之后。
func (c *Coordinator) store(ctx context.Context, key, identity string, resp *cache.Response) {
	if !resp.OK() {
		return
	}
	fields := logrus.Fields{"app": c.app, "key": key}
	if !c.writes.TryRLock() {
		c.logger.WithFields(fields).Debug("content_cache_put_skipped")
		return
	}
	defer c.writes.RUnlock()

	if state := c.State(); state != StateActive {
		c.logger.WithFields(fields).WithField("state", state).Debug("content_cache_put_skipped")
		return
	}
	if err := c.content.Put(ctx, identity, resp); err != nil {
		c.logger.WithFields(fields).WithError(err).Warn("content_cache_put_failed")
	}
}

func (c *Coordinator) network(ctx context.Context, req Request) (*cache.Response, error) {
	resp, err := c.fetcher.Fetch(ctx, upstream.Request{
		Method: http.MethodGet,
		URL:    req.URL,
		Header: req.Header,
	})
	if err != nil {
		return nil, &NetworkError{URL: req.URL, Err: err}
	}
	return resp, nil
}

// HandleMessage 处理消息通道命令，未知命令返回 recognized=false 并被忽略。
func (c *Coordinator) HandleMessage(ctx context.Context, msg string) (bool, error) {
	switch msg {
	case MessageSkipWaiting:
		c.SkipWaiting()
		return true, nil
	case MessageDownloadOffline:
		return true, c.DownloadOffline(ctx)
	default:
		c.logger.WithFields(logrus.Fields{"app": c.app, "message": msg}).Debug("message_ignored")
		return false, nil
	}
}

// DownloadOffline 抓取清单中尚未缓存的全部资源，任一失败即整体失败，不回滚。
func (c *Coordinator) DownloadOffline(ctx context.Context) error {
	c.writes.RLock()
	defer c.writes.RUnlock()

	if state := c.State(); state != StateActive {
		return fmt.Errorf("%w: download offline in state %s", ErrInvalidTransition, state)
	}

	present, err := c.content.Keys(ctx)
	if err != nil {
		return err
	}
	var urls []string
	for _, key := range c.release.Resources.Keys() {
		if _, ok := present[key]; ok {
			continue
		}
		urls = append(urls, manifest.RequestURL(c.origin, key))
	}

	fields := logging.LifecycleFields(c.app, "download_offline", c.release.Label())
	if len(urls) == 0 {
		c.logger.WithFields(fields).Info("offline_up_to_date")
		return nil
	}

	handle, err := c.content.handle(ctx)
	if err != nil {
		return err
	}
	if err := addAll(ctx, c.fetcher, handle, urls, false, c.staging.concurrency); err != nil {
		c.logger.WithFields(fields).WithError(err).Error("offline_download_failed")
		return err
	}
	c.logger.WithFields(fields).WithField("fetched", len(urls)).Info("offline_download_completed")
	return nil
}
