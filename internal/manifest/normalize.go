package manifest

import "strings"

// cacheBustMarker 是构建工具追加在资源 URL 上的版本参数。
const cacheBustMarker = "?v="

// NormalizeKey 将同源请求 URL 映射为清单中的逻辑 key：
//   - 去掉 "?v=<token>" 形式的缓存破坏参数；
//   - 裸 origin、origin + "/#..."、以及空路径都映射为 "/"。
//
// 非同源 URL 返回 ok=false。
func NormalizeKey(origin, rawURL string) (string, bool) {
	origin = strings.TrimRight(origin, "/")
	if !strings.HasPrefix(rawURL, origin) {
		return "", false
	}
	rest := rawURL[len(origin):]
	if rest != "" && rest[0] != '/' {
		return "", false
	}

	key := strings.TrimPrefix(rest, "/")
	if idx := strings.Index(key, cacheBustMarker); idx >= 0 {
		key = key[:idx]
	}
	if rest == "" || strings.HasPrefix(rest, "/#") || key == "" {
		key = RootKey
	}
	return key, true
}

// RequestURL 是 NormalizeKey 的逆运算，给出抓取某个清单 key 时使用的绝对 URL。
func RequestURL(origin, key string) string {
	origin = strings.TrimRight(origin, "/")
	if key == RootKey || key == "" {
		return origin + "/"
	}
	return origin + "/" + strings.TrimPrefix(key, "/")
}
