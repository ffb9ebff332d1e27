package manifest

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// RootKey 是入口文档的逻辑 key，空路径与裸 origin 都归一到它。
const RootKey = "/"

// Manifest 是不可变的 path -> digest 映射。零值表示空清单。
type Manifest struct {
	digests map[string]string
}

// New 复制 resources 构建 Manifest，调用方之后对 map 的修改不会影响结果。
func New(resources map[string]string) Manifest {
	digests := make(map[string]string, len(resources))
	for key, digest := range resources {
		digests[key] = digest
	}
	return Manifest{digests: digests}
}

// Digest 返回 key 对应的摘要。
func (m Manifest) Digest(key string) (string, bool) {
	digest, ok := m.digests[key]
	return digest, ok
}

// Has 判断 key 是否在清单中且摘要非空。
func (m Manifest) Has(key string) bool {
	digest, ok := m.digests[key]
	return ok && digest != ""
}

// Len 返回条目数量。
func (m Manifest) Len() int {
	return len(m.digests)
}

// Keys 返回按字典序排列的全部 key。
func (m Manifest) Keys() []string {
	keys := make([]string, 0, len(m.digests))
	for key := range m.digests {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Map 返回底层映射的副本。
func (m Manifest) Map() map[string]string {
	out := make(map[string]string, len(m.digests))
	for key, digest := range m.digests {
		out[key] = digest
	}
	return out
}

// Equal 要求两份清单的 key 集合与摘要完全一致。
func (m Manifest) Equal(other Manifest) bool {
	if len(m.digests) != len(other.digests) {
		return false
	}
	for key, digest := range m.digests {
		if otherDigest, ok := other.digests[key]; !ok || otherDigest != digest {
			return false
		}
	}
	return true
}

// Retains 判断升级到 next 时，缓存中 key 对应的条目能否保留：
// next 中存在该 key，且摘要与 prev 记录的一致。
func Retains(prev, next Manifest, key string) bool {
	nextDigest, ok := next.digests[key]
	if !ok || nextDigest == "" {
		return false
	}
	prevDigest, ok := prev.digests[key]
	return ok && prevDigest == nextDigest
}

// MarshalJSON 输出扁平的 {"path": "digest"} 对象，与持久化的 manifest 记录格式一致。
func (m Manifest) MarshalJSON() ([]byte, error) {
	if m.digests == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m.digests)
}

// UnmarshalJSON 解析扁平对象并拒绝空 key。
func (m *Manifest) UnmarshalJSON(data []byte) error {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key := range raw {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("manifest contains empty key")
		}
	}
	*m = New(raw)
	return nil
}
