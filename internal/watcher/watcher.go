// Package watcher 监听构建产物中的发布文件，文件变化时触发重新注册，
// 让新版本在不重启进程的情况下进入 install/activate 流程。
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DefaultDebounce 合并构建工具短时间内的多次写入。
const DefaultDebounce = 100 * time.Millisecond

// ReleaseWatcher 监听发布文件所在目录，只关心目标文件的写入、创建与重命名。
type ReleaseWatcher struct {
	fsWatcher *fsnotify.Watcher
	path      string
	debounce  time.Duration
	onChange  func(ctx context.Context)
	logger    *logrus.Logger

	mu      sync.Mutex
	stopped bool
}

// New 创建 ReleaseWatcher。目录不存在时会先创建，以便捕获之后生成的发布文件。
func New(path string, debounce time.Duration, logger *logrus.Logger, onChange func(ctx context.Context)) (*ReleaseWatcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fsWatcher.Close()
		return nil, err
	}
	// 监听目录而不是文件本身：构建工具通常以 rename 方式替换文件。
	if err := fsWatcher.Add(dir); err != nil {
		fsWatcher.Close()
		return nil, err
	}

	return &ReleaseWatcher{
		fsWatcher: fsWatcher,
		path:      path,
		debounce:  debounce,
		onChange:  onChange,
		logger:    logger,
	}, nil
}

// Run 阻塞直到 ctx 结束或 Stop 被调用。
func (w *ReleaseWatcher) Run(ctx context.Context) {
	defer w.Stop()

	var debounceTimer *time.Timer
	releaseName := filepath.Base(w.path)
	fields := logrus.Fields{"action": "release_watch", "path": w.path}

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != releaseName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.WithFields(fields).WithField("op", event.Op.String()).Debug("release_file_event")

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, func() {
				if ctx.Err() != nil {
					return
				}
				if _, err := os.Stat(w.path); err != nil {
					// rename 的源事件，新文件尚未就位
					return
				}
				w.logger.WithFields(fields).Info("release_file_changed")
				w.onChange(ctx)
			})

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.WithFields(fields).WithError(err).Warn("release_watch_error")
		}
	}
}

// Stop 关闭底层 fsnotify watcher，可重复调用。
func (w *ReleaseWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	w.fsWatcher.Close()
}
