package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/any-hub/app-cache/internal/cache"
	"github.com/any-hub/app-cache/internal/manifest"
)

// manifestKey 是 manifest-record 代中唯一条目的 key。
const manifestKey = "manifest"

// ManifestStore 把最近一次成功激活的清单保存在独立的缓存代中。
type ManifestStore struct {
	storage cache.Storage
	name    string
}

// NewManifestStore 绑定存储与 manifest-record 代的名称。
func NewManifestStore(storage cache.Storage, name string) *ManifestStore {
	return &ManifestStore{storage: storage, name: name}
}

// Name 返回缓存代名称。
func (s *ManifestStore) Name() string {
	return s.name
}

// Load 读取上次激活的清单；首次运行时 found 为 false。
func (s *ManifestStore) Load(ctx context.Context) (manifest.Manifest, bool, error) {
	exists, err := s.storage.Has(ctx, s.name)
	if err != nil {
		return manifest.Manifest{}, false, storageErr("has", s.name, err)
	}
	if !exists {
		return manifest.Manifest{}, false, nil
	}

	c, err := s.storage.Open(ctx, s.name)
	if err != nil {
		return manifest.Manifest{}, false, storageErr("open", s.name, err)
	}
	resp, err := c.Match(ctx, manifestKey)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return manifest.Manifest{}, false, nil
		}
		return manifest.Manifest{}, false, storageErr("match", s.name, err)
	}

	var m manifest.Manifest
	if err := json.Unmarshal(resp.Body, &m); err != nil {
		return manifest.Manifest{}, false, storageErr("decode", s.name, fmt.Errorf("manifest record: %w", err))
	}
	return m, true, nil
}

// Save 覆盖写入清单记录。
func (s *ManifestStore) Save(ctx context.Context, m manifest.Manifest) error {
	body, err := json.Marshal(m)
	if err != nil {
		return err
	}
	c, err := s.storage.Open(ctx, s.name)
	if err != nil {
		return storageErr("open", s.name, err)
	}
	record := &cache.Response{
		URL:    manifestKey,
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   body,
	}
	return storageErr("put", s.name, c.Put(ctx, manifestKey, record))
}

// Delete 删除整个 manifest-record 代。
func (s *ManifestStore) Delete(ctx context.Context) error {
	_, err := s.storage.Delete(ctx, s.name)
	return storageErr("delete", s.name, err)
}
