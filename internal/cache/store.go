package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Storage 管理一组具名缓存代，语义对应浏览器的 CacheStorage：
// Open 不存在时创建，Delete 整体删除某一代。
type Storage interface {
	// Open 返回指定名称的缓存句柄，不存在时创建。
	Open(ctx context.Context, name string) (Cache, error)

	// Has 判断缓存代是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Delete 删除整个缓存代及其全部条目，返回删除前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Names 返回现有缓存代名称（按字典序）。
	Names(ctx context.Context) ([]string, error)

	// Close 释放底层资源。
	Close() error
}

// Cache 是单个缓存代内 URL -> Response 的存取接口。实现需保证单 key 操作的原子性。
type Cache interface {
	Name() string

	// Match 返回 URL 对应的响应快照，不存在时返回 ErrNotFound。
	Match(ctx context.Context, url string) (*Response, error)

	// Put 写入（或覆盖）URL 对应的响应快照。
	Put(ctx context.Context, url string, resp *Response) error

	// Delete 删除条目，返回删除前是否存在。
	Delete(ctx context.Context, url string) (bool, error)

	// Keys 返回当前全部条目的 URL。
	Keys(ctx context.Context) ([]string, error)
}

// Response 是缓存中保存的响应快照。正文已完整读入内存，可任意次数读取。
type Response struct {
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// OK 对应 fetch 语义中的 response.ok（2xx）。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status <= 299
}

// Clone 深拷贝响应，写入缓存与返回给调用方的副本互不影响。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := *r
	cloned.Header = r.Header.Clone()
	if r.Body != nil {
		cloned.Body = append([]byte(nil), r.Body...)
	}
	return &cloned
}

// ErrNotFound 表示缓存条目不存在。
var ErrNotFound = errors.New("cache entry not found")

// 支持的存储后端标识。
const (
	BackendFS     = "fs"
	BackendSQLite = "sqlite"
)

// OpenStorage 根据后端类型在 basePath 下创建存储实例。
func OpenStorage(backend, basePath string) (Storage, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendFS:
		return NewStore(basePath)
	case BackendSQLite:
		return OpenSQLite(basePath)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", backend)
	}
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("cache name required")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("invalid cache name: %s", name)
	}
	return nil
}
