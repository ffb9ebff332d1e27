package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	metaSuffix = ".meta"
	bodySuffix = ".body"
)

// NewStore 以 basePath 为根目录构建磁盘存储，每个缓存代对应一个子目录：
//
//	<basePath>/<generation>/<xxhash(url)>.meta   # URL、状态码、响应头
//	<basePath>/<generation>/<xxhash(url)>.body   # 正文
func NewStore(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一条目并发读写，所有缓存代共享一把锁表。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// fileMeta 是 .meta 文件的 JSON 结构。
type fileMeta struct {
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	StoredAt time.Time   `json:"stored_at"`
}

func (s *fileStore) Open(ctx context.Context, name string) (Cache, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.basePath, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fileCache{store: s, name: name, dir: dir}, nil
}

func (s *fileStore) Has(ctx context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	info, err := os.Stat(filepath.Join(s.basePath, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStore) Delete(ctx context.Context, name string) (bool, error) {
	exists, err := s.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}
	if err := os.RemoveAll(filepath.Join(s.basePath, name)); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStore) Names(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStore) Close() error {
	return nil
}

func (s *fileStore) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// fileCache 是单个缓存代目录的句柄。
type fileCache struct {
	store *fileStore
	name  string
	dir   string
}

func (c *fileCache) Name() string {
	return c.name
}

func (c *fileCache) Match(ctx context.Context, url string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := c.store.lockEntry(c.lockKey(url))
	defer unlock()

	base := c.entryPath(url)
	meta, err := readMeta(base + metaSuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if meta.URL != url {
		// xxhash 碰撞：同一文件名属于另一个 URL。
		return nil, ErrNotFound
	}

	body, err := os.ReadFile(base + bodySuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &Response{
		URL:      meta.URL,
		Status:   meta.Status,
		Header:   meta.Header,
		Body:     body,
		StoredAt: meta.StoredAt,
	}, nil
}

func (c *fileCache) Put(ctx context.Context, url string, resp *Response) error {
	if resp == nil {
		return errors.New("response required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := c.store.lockEntry(c.lockKey(url))
	defer unlock()

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return err
	}

	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	metaBytes, err := json.Marshal(fileMeta{
		URL:      url,
		Status:   resp.Status,
		Header:   resp.Header,
		StoredAt: storedAt,
	})
	if err != nil {
		return err
	}

	base := c.entryPath(url)
	// 先写正文再写 meta：Match 以 meta 为准，读到 meta 时正文一定已就位。
	if err := writeAtomic(c.dir, base+bodySuffix, resp.Body); err != nil {
		return err
	}
	return writeAtomic(c.dir, base+metaSuffix, metaBytes)
}

func (c *fileCache) Delete(ctx context.Context, url string) (bool, error) {
	unlock := c.store.lockEntry(c.lockKey(url))
	defer unlock()

	base := c.entryPath(url)
	meta, err := readMeta(base + metaSuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if meta.URL != url {
		return false, nil
	}
	if err := os.Remove(base + metaSuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	if err := os.Remove(base + bodySuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	return true, nil
}

func (c *fileCache) Keys(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var keys []string
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), metaSuffix) {
			continue
		}
		meta, err := readMeta(filepath.Join(c.dir, entry.Name()))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// 并发删除
				continue
			}
			return nil, err
		}
		keys = append(keys, meta.URL)
	}
	sort.Strings(keys)
	return keys, nil
}

func (c *fileCache) entryPath(url string) string {
	return filepath.Join(c.dir, strconv.FormatUint(xxhash.Sum64String(url), 16))
}

func (c *fileCache) lockKey(url string) string {
	return c.name + "::" + url
}

func readMeta(path string) (fileMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fileMeta{}, err
	}
	var meta fileMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return fileMeta{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return meta, nil
}

// writeAtomic 通过临时文件 + rename 写入，失败时清理临时文件。
func writeAtomic(dir, target string, data []byte) error {
	tempFile, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(data)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}
