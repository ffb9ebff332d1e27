package worker

import (
	"context"

	"github.com/any-hub/app-cache/internal/cache"
	"github.com/any-hub/app-cache/internal/manifest"
)

// StagingCache 在安装阶段保存新版本的外壳文件，激活结束后丢弃。
type StagingCache struct {
	storage     cache.Storage
	name        string
	origin      string
	fetcher     Fetcher
	concurrency int
}

// NewStagingCache 构建 staging 代句柄。
func NewStagingCache(storage cache.Storage, name, origin string, fetcher Fetcher, concurrency int) *StagingCache {
	return &StagingCache{
		storage:     storage,
		name:        name,
		origin:      origin,
		fetcher:     fetcher,
		concurrency: concurrency,
	}
}

// Name 返回缓存代名称。
func (s *StagingCache) Name() string {
	return s.name
}

// Populate 绕过 HTTP 缓存抓取全部外壳文件并写入 staging 代，任一失败即整体失败。
func (s *StagingCache) Populate(ctx context.Context, shell manifest.ShellSet) error {
	urls := make([]string, 0, len(shell))
	for _, path := range shell {
		urls = append(urls, manifest.RequestURL(s.origin, path))
	}

	c, err := s.storage.Open(ctx, s.name)
	if err != nil {
		return storageErr("open", s.name, err)
	}
	return addAll(ctx, s.fetcher, c, urls, true, s.concurrency)
}

// each 依次回调 staging 中的全部条目。
func (s *StagingCache) each(ctx context.Context, fn func(url string, resp *cache.Response) error) error {
	exists, err := s.storage.Has(ctx, s.name)
	if err != nil {
		return storageErr("has", s.name, err)
	}
	if !exists {
		return nil
	}
	c, err := s.storage.Open(ctx, s.name)
	if err != nil {
		return storageErr("open", s.name, err)
	}
	urls, err := c.Keys(ctx)
	if err != nil {
		return storageErr("keys", s.name, err)
	}
	for _, url := range urls {
		resp, err := c.Match(ctx, url)
		if err != nil {
			return storageErr("match", s.name, err)
		}
		if err := fn(url, resp); err != nil {
			return err
		}
	}
	return nil
}

// Discard 删除整个 staging 代。
func (s *StagingCache) Discard(ctx context.Context) error {
	_, err := s.storage.Delete(ctx, s.name)
	return storageErr("delete", s.name, err)
}
