package worker

import (
	"context"

	"github.com/any-hub/app-cache/internal/cache"
	"github.com/any-hub/app-cache/internal/upstream"
)

// Fetcher 是对源站的抓取能力，*upstream.Client 即为生产实现。
// 返回的任何错误都会被包装为 NetworkError。
type Fetcher interface {
	Fetch(ctx context.Context, req upstream.Request) (*cache.Response, error)
}
