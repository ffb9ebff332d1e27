package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// ShellSet 是安装阶段必须完整下载的应用外壳文件，顺序即抓取顺序。
type ShellSet []string

// Release 描述一次构建产物：资源清单 + 外壳文件集合。
type Release struct {
	// ID 在加载时生成，仅用于日志区分同一版本号的多次发布。
	ID        string
	Version   string
	Resources Manifest
	Shell     ShellSet
}

// releaseFile 是构建流水线生成的 JSON 文件结构。
type releaseFile struct {
	Version   string            `json:"version"`
	Resources map[string]string `json:"resources"`
	Core      []string          `json:"core"`
}

// ErrEmptyManifest 表示发布文件没有任何资源。
var ErrEmptyManifest = errors.New("release manifest has no resources")

// NewRelease 校验并构建 Release。
func NewRelease(version string, resources map[string]string, shell []string) (Release, error) {
	rel := Release{
		ID:        uuid.NewString(),
		Version:   strings.TrimSpace(version),
		Resources: New(resources),
		Shell:     append(ShellSet(nil), shell...),
	}
	if err := rel.Validate(); err != nil {
		return Release{}, err
	}
	return rel, nil
}

// Validate 检查清单非空、key 合法，且外壳文件全部出现在清单中。
func (r Release) Validate() error {
	if r.Resources.Len() == 0 {
		return ErrEmptyManifest
	}
	for _, key := range r.Resources.Keys() {
		if strings.TrimSpace(key) == "" {
			return errors.New("release manifest contains empty key")
		}
		if !r.Resources.Has(key) {
			return fmt.Errorf("release manifest entry %q has empty digest", key)
		}
	}
	seen := make(map[string]struct{}, len(r.Shell))
	for _, path := range r.Shell {
		if !r.Resources.Has(path) {
			return fmt.Errorf("shell path %q is not in the release manifest", path)
		}
		if _, dup := seen[path]; dup {
			return fmt.Errorf("shell path %q listed twice", path)
		}
		seen[path] = struct{}{}
	}
	return nil
}

// Label 返回日志中使用的版本标识，未声明版本时退回 ID。
func (r Release) Label() string {
	if r.Version != "" {
		return r.Version
	}
	return r.ID
}

// Same 判断两个发布是否指向完全相同的资源集合与外壳。
func (r Release) Same(other Release) bool {
	if !r.Resources.Equal(other.Resources) || len(r.Shell) != len(other.Shell) {
		return false
	}
	for i := range r.Shell {
		if r.Shell[i] != other.Shell[i] {
			return false
		}
	}
	return true
}

// ParseRelease 解析发布文件内容。
func ParseRelease(data []byte) (Release, error) {
	var file releaseFile
	if err := json.Unmarshal(data, &file); err != nil {
		return Release{}, fmt.Errorf("decode release: %w", err)
	}
	return NewRelease(file.Version, file.Resources, file.Core)
}

// LoadRelease 从磁盘读取构建产物中的发布文件。
func LoadRelease(path string) (Release, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Release{}, fmt.Errorf("read release %s: %w", path, err)
	}
	rel, err := ParseRelease(data)
	if err != nil {
		return Release{}, fmt.Errorf("%s: %w", path, err)
	}
	return rel, nil
}
