package worker

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/any-hub/app-cache/internal/cache"
	"github.com/any-hub/app-cache/internal/upstream"
)

// fetchAll 并发抓取 urls，全部成功（2xx）才返回结果，顺序与 urls 一致。
// 单个失败不会取消其它请求，最终以 BatchError 汇总。
func fetchAll(ctx context.Context, fetcher Fetcher, urls []string, reload bool, limit int) ([]*cache.Response, error) {
	if limit <= 0 {
		limit = 1
	}

	results := make([]*cache.Response, len(urls))
	var (
		mu       sync.Mutex
		failures = make(map[string]error)
	)

	var g errgroup.Group
	g.SetLimit(limit)
	for i, url := range urls {
		g.Go(func() error {
			resp, err := fetcher.Fetch(ctx, upstream.Request{URL: url, Reload: reload})
			if err == nil && !resp.OK() {
				err = fmt.Errorf("unexpected status %d", resp.Status)
			}
			if err != nil {
				mu.Lock()
				failures[url] = &NetworkError{URL: url, Err: err}
				mu.Unlock()
				return nil
			}
			results[i] = resp
			return nil
		})
	}
	_ = g.Wait()

	if len(failures) > 0 {
		return nil, &BatchError{Total: len(urls), Failures: failures}
	}
	return results, nil
}

// addAll 对应 Cache.addAll：先完整抓取，再依次写入目标缓存代。
// 写入阶段失败时已写入的条目保留，不做回滚。
func addAll(ctx context.Context, fetcher Fetcher, target cache.Cache, urls []string, reload bool, limit int) error {
	responses, err := fetchAll(ctx, fetcher, urls, reload, limit)
	if err != nil {
		return err
	}
	for i, url := range urls {
		if err := target.Put(ctx, url, responses[i]); err != nil {
			return storageErr("put", target.Name(), err)
		}
	}
	return nil
}
