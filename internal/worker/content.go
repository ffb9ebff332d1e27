package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/any-hub/app-cache/internal/cache"
	"github.com/any-hub/app-cache/internal/manifest"
)

// ContentCache 是长期保存的资源缓存代，跨版本存活，激活时按清单差异修剪。
// 条目以规范化后的 URL（manifest.RequestURL）为 key，"?v=" 变体共用一条。
type ContentCache struct {
	storage cache.Storage
	name    string
	origin  string
}

// NewContentCache 构建 content 代句柄。
func NewContentCache(storage cache.Storage, name, origin string) *ContentCache {
	return &ContentCache{storage: storage, name: name, origin: origin}
}

// Name 返回缓存代名称。
func (c *ContentCache) Name() string {
	return c.name
}

// Get 返回 URL 对应的条目，不存在时返回 cache.ErrNotFound。
func (c *ContentCache) Get(ctx context.Context, url string) (*cache.Response, error) {
	handle, err := c.storage.Open(ctx, c.name)
	if err != nil {
		return nil, storageErr("open", c.name, err)
	}
	resp, err := handle.Match(ctx, url)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, cache.ErrNotFound
		}
		return nil, storageErr("match", c.name, err)
	}
	return resp, nil
}

// Put 写入响应副本，只接受 2xx 响应。
func (c *ContentCache) Put(ctx context.Context, url string, resp *cache.Response) error {
	if !resp.OK() {
		return fmt.Errorf("refusing to cache non-ok response for %s", url)
	}
	handle, err := c.storage.Open(ctx, c.name)
	if err != nil {
		return storageErr("open", c.name, err)
	}
	return storageErr("put", c.name, handle.Put(ctx, url, resp.Clone()))
}

// Reconcile 删除新清单中不存在、或摘要与旧清单记录不一致的条目。
func (c *ContentCache) Reconcile(ctx context.Context, prev, next manifest.Manifest) (int, error) {
	handle, err := c.storage.Open(ctx, c.name)
	if err != nil {
		return 0, storageErr("open", c.name, err)
	}
	urls, err := handle.Keys(ctx)
	if err != nil {
		return 0, storageErr("keys", c.name, err)
	}

	removed := 0
	for _, url := range urls {
		key, ok := manifest.NormalizeKey(c.origin, url)
		if ok && manifest.Retains(prev, next, key) {
			continue
		}
		deleted, err := handle.Delete(ctx, url)
		if err != nil {
			return removed, storageErr("delete", c.name, err)
		}
		if deleted {
			removed++
		}
	}
	return removed, nil
}

// Absorb 把 staging 中的全部条目复制进来，同 key 覆盖。
func (c *ContentCache) Absorb(ctx context.Context, staging *StagingCache) (int, error) {
	handle, err := c.storage.Open(ctx, c.name)
	if err != nil {
		return 0, storageErr("open", c.name, err)
	}
	copied := 0
	err = staging.each(ctx, func(url string, resp *cache.Response) error {
		if err := handle.Put(ctx, url, resp); err != nil {
			return storageErr("put", c.name, err)
		}
		copied++
		return nil
	})
	return copied, err
}

// Keys 返回当前条目对应的逻辑 key 集合。
func (c *ContentCache) Keys(ctx context.Context) (map[string]struct{}, error) {
	exists, err := c.storage.Has(ctx, c.name)
	if err != nil {
		return nil, storageErr("has", c.name, err)
	}
	keys := make(map[string]struct{})
	if !exists {
		return keys, nil
	}
	handle, err := c.storage.Open(ctx, c.name)
	if err != nil {
		return nil, storageErr("open", c.name, err)
	}
	urls, err := handle.Keys(ctx)
	if err != nil {
		return nil, storageErr("keys", c.name, err)
	}
	for _, url := range urls {
		if key, ok := manifest.NormalizeKey(c.origin, url); ok {
			keys[key] = struct{}{}
		}
	}
	return keys, nil
}

// Reset 删除整个 content 代并重新创建空代。
func (c *ContentCache) Reset(ctx context.Context) error {
	if err := c.Delete(ctx); err != nil {
		return err
	}
	_, err := c.storage.Open(ctx, c.name)
	return storageErr("open", c.name, err)
}

// Delete 删除整个 content 代。
func (c *ContentCache) Delete(ctx context.Context) error {
	_, err := c.storage.Delete(ctx, c.name)
	return storageErr("delete", c.name, err)
}

// handle 返回底层缓存句柄，供批量写入使用。
func (c *ContentCache) handle(ctx context.Context) (cache.Cache, error) {
	h, err := c.storage.Open(ctx, c.name)
	if err != nil {
		return nil, storageErr("open", c.name, err)
	}
	return h, nil
}
