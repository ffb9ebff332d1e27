package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/app-cache/internal/cache"
	"github.com/any-hub/app-cache/internal/config"
	"github.com/any-hub/app-cache/internal/logging"
	"github.com/any-hub/app-cache/internal/manifest"
)

// Host 扮演浏览器中 worker 注册表的角色：持有正在服务的 active 代，
// 以及安装完成、等待接管的 waiting 代。
type Host struct {
	cfg     *config.Config
	storage cache.Storage
	fetcher Fetcher
	logger  *logrus.Logger

	// register 串行化发布注册，activation 串行化激活切换。
	register   sync.Mutex
	activation sync.Mutex
	// writes 由所有 Coordinator 共享，激活与切换期间阻止旧代回填 content 代。
	writes sync.RWMutex

	mu         sync.RWMutex
	active     *Coordinator
	waiting    *Coordinator
	installing *Coordinator
}

// GenerationStatus 是单个 Coordinator 的快照。
type GenerationStatus struct {
	Release   string `json:"release"`
	Version   string `json:"version,omitempty"`
	State     State  `json:"state"`
	Resources int    `json:"resources"`
	Shell     int    `json:"shell"`
}

// Status 汇总 Host 当前持有的各代。
type Status struct {
	App        string            `json:"app"`
	Origin     string            `json:"origin"`
	Active     *GenerationStatus `json:"active,omitempty"`
	Waiting    *GenerationStatus `json:"waiting,omitempty"`
	Installing *GenerationStatus `json:"installing,omitempty"`
}

// NewHost 构建 Host，logger 为空时丢弃日志。
func NewHost(cfg *config.Config, storage cache.Storage, fetcher Fetcher, logger *logrus.Logger) *Host {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &Host{cfg: cfg, storage: storage, fetcher: fetcher, logger: logger}
}

func (h *Host) options(rel manifest.Release) Options {
	return Options{
		App:           h.cfg.App.Name,
		Origin:        h.cfg.App.NormalizedOrigin(),
		Release:       rel,
		Storage:       h.storage,
		Fetcher:       h.fetcher,
		StagingCache:  h.cfg.App.StagingCache,
		ContentCache:  h.cfg.App.ContentCache,
		ManifestCache: h.cfg.App.ManifestCache,
		Concurrency:   h.cfg.Global.FetchConcurrency,
		Logger:        h.logger,
		Writes:        &h.writes,
	}
}

// Restore 在启动时读取 manifest-record，存在时直接恢复一个 active 代继续服务。
func (h *Host) Restore(ctx context.Context) (bool, error) {
	store := NewManifestStore(h.storage, h.cfg.App.ManifestCache)
	m, found, err := store.Load(ctx)
	if err != nil {
		return false, err
	}
	if !found || m.Len() == 0 {
		return false, nil
	}

	rel := manifest.Release{ID: "restored", Resources: m}
	coord := ResumeCoordinator(h.options(rel))

	h.mu.Lock()
	h.active = coord
	h.mu.Unlock()

	h.logger.WithFields(logging.LifecycleFields(h.cfg.App.Name, "restore", rel.Label())).
		WithField("resources", m.Len()).Info("active_generation_restored")
	return true, nil
}

// Register 安装新发布。清单与 active 代一致时不做任何事；
// 安装失败按指数退避重试，成功后进入 waiting，需要时立即激活。
func (h *Host) Register(ctx context.Context, rel manifest.Release) error {
	h.register.Lock()
	defer h.register.Unlock()

	fields := logging.LifecycleFields(h.cfg.App.Name, "register", rel.Label())

	h.mu.RLock()
	active, waiting := h.active, h.waiting
	h.mu.RUnlock()
	if active != nil && active.Release().Resources.Equal(rel.Resources) {
		h.logger.WithFields(fields).Info("release_unchanged")
		return nil
	}
	if waiting != nil && waiting.Release().Same(rel) {
		h.logger.WithFields(fields).Info("release_already_waiting")
		return nil
	}

	coord, err := h.install(ctx, rel, fields)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if h.waiting != nil {
		h.waiting.Retire()
	}
	h.waiting = coord
	h.installing = nil
	h.mu.Unlock()

	if h.cfg.App.SkipWaiting || coord.SkipRequested() {
		return h.activate(ctx, coord)
	}
	h.logger.WithFields(fields).Info("release_waiting")
	return nil
}

func (h *Host) install(ctx context.Context, rel manifest.Release, fields logrus.Fields) (*Coordinator, error) {
	b := backoff.NewExponentialBackOff()
	if initial := h.cfg.Global.InitialBackoff.DurationValue(); initial > 0 {
		b.InitialInterval = initial
	}
	tries := h.cfg.Global.MaxRetries + 1
	if tries < 1 {
		tries = 1
	}

	attempt := 0
	operation := func() (*Coordinator, error) {
		attempt++
		coord := NewCoordinator(h.options(rel))

		h.mu.Lock()
		// 安装期间收到的 skipWaiting 需要延续到重试后的新实例上。
		if h.installing != nil && h.installing.SkipRequested() {
			coord.SkipWaiting()
		}
		h.installing = coord
		h.mu.Unlock()

		if err := coord.Install(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return coord, nil
	}

	coord, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(tries)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			h.logger.WithFields(fields).WithError(err).
				WithFields(logrus.Fields{"attempt": attempt, "retry_in": wait.String()}).
				Warn("install_retry")
		}),
	)

	if err != nil {
		h.mu.Lock()
		h.installing = nil
		h.mu.Unlock()
		h.logger.WithFields(fields).WithError(err).WithField("attempts", attempt).Error("install_gave_up")
		return nil, fmt.Errorf("install release %s: %w", rel.Label(), err)
	}
	return coord, nil
}

// activate 激活 waiting 代并替换 active；失败时保留原 active 继续服务。
func (h *Host) activate(ctx context.Context, coord *Coordinator) error {
	h.activation.Lock()
	defer h.activation.Unlock()

	if coord.State() != StateWaiting {
		return nil
	}

	// 写锁覆盖整理、吸收与切换：旧 active 的回填要么在整理前完成，要么在其退役后被丢弃。
	h.writes.Lock()
	defer h.writes.Unlock()

	err := coord.Activate(ctx)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.waiting == coord {
		h.waiting = nil
	}
	if err != nil {
		return err
	}
	previous := h.active
	h.active = coord
	if previous != nil {
		previous.Retire()
	}
	// 立即接管：后续请求全部路由到新的 active 代。
	h.logger.WithFields(logging.LifecycleFields(h.cfg.App.Name, "claim", coord.Release().Label())).Info("clients_claimed")
	return nil
}

// Fetch 把请求交给 active 代；没有 active 代时不拦截。
func (h *Host) Fetch(ctx context.Context, req Request) (*Result, bool, error) {
	h.mu.RLock()
	active := h.active
	h.mu.RUnlock()
	if active == nil {
		return nil, false, nil
	}
	return active.Fetch(ctx, req)
}

// PostMessage 分发消息：skipWaiting 作用于 waiting（或安装中的）代，
// downloadOffline 作用于 active 代。未知消息返回 recognized=false。
func (h *Host) PostMessage(ctx context.Context, msg string) (bool, error) {
	h.mu.RLock()
	active, waiting, installing := h.active, h.waiting, h.installing
	h.mu.RUnlock()

	switch msg {
	case MessageSkipWaiting:
		switch {
		case waiting != nil:
			waiting.SkipWaiting()
			return true, h.activate(ctx, waiting)
		case installing != nil:
			installing.SkipWaiting()
		}
		return true, nil
	case MessageDownloadOffline:
		if active == nil {
			return true, errors.New("no active generation")
		}
		return active.HandleMessage(ctx, msg)
	default:
		h.logger.WithFields(logrus.Fields{"app": h.cfg.App.Name, "message": msg}).Debug("message_ignored")
		return false, nil
	}
}

// Status 返回当前各代的快照。
func (h *Host) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Status{
		App:        h.cfg.App.Name,
		Origin:     h.cfg.App.NormalizedOrigin(),
		Active:     describe(h.active),
		Waiting:    describe(h.waiting),
		Installing: describe(h.installing),
	}
}

func describe(coord *Coordinator) *GenerationStatus {
	if coord == nil {
		return nil
	}
	rel := coord.Release()
	return &GenerationStatus{
		Release:   rel.ID,
		Version:   rel.Version,
		State:     coord.State(),
		Resources: rel.Resources.Len(),
		Shell:     len(rel.Shell),
	}
}
