// Package upstream wraps the shared HTTP client used to reach the application
// origin: buffered fetches for cacheable resources and streaming forwards for
// requests the cache does not intercept.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"time"

	"github.com/any-hub/app-cache/internal/cache"
	"github.com/any-hub/app-cache/internal/config"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// Request 描述一次对源站的抓取。Reload 对应 fetch 的 cache: 'reload'，
// 要求沿途 HTTP 缓存重新向源站取数。
type Request struct {
	Method string
	URL    string
	Header http.Header
	Reload bool
}

// Client 持有共享 http.Client，所有源站请求都经由它发出。
type Client struct {
	http *http.Client
}

// NewClient 按配置中的 UpstreamTimeout 构造共享客户端。
func NewClient(cfg *config.Config) *Client {
	timeout := 30 * time.Second
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}

	return &Client{http: &http.Client{
		Timeout:   timeout,
		Transport: defaultTransport.Clone(),
	}}
}

// NewClientWith 使用外部提供的 http.Client，便于测试注入。
func NewClientWith(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{http: httpClient}
}

// Timeout 返回客户端的整体超时。
func (c *Client) Timeout() time.Duration {
	return c.http.Timeout
}

// Fetch 发出请求并把正文完整读入内存，返回可写入缓存的响应快照。
// 任何状态码都算抓取成功，是否可缓存由调用方根据 OK() 判断。
func (c *Client) Fetch(ctx context.Context, req Request) (*cache.Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, http.NoBody)
	if err != nil {
		return nil, err
	}
	CopyHeaders(httpReq.Header, req.Header)
	// 正文会被缓存后原样回放，不能让 Transport 自动解压后丢掉 Content-Encoding 语义。
	httpReq.Header.Del("Accept-Encoding")
	if req.Reload {
		httpReq.Header.Set("Cache-Control", "no-cache")
		httpReq.Header.Set("Pragma", "no-cache")
		httpReq.Header.Del("If-None-Match")
		httpReq.Header.Del("If-Modified-Since")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	header := http.Header{}
	CopyHeaders(header, resp.Header)
	return &cache.Response{
		URL:    req.URL,
		Status: resp.StatusCode,
		Header: header,
		Body:   body,
	}, nil
}

// Forward 原样转发未被缓存接管的请求，调用方负责关闭返回的 Body。
func (c *Client) Forward(ctx context.Context, method, url string, header http.Header, body io.Reader) (*http.Response, error) {
	if body == nil {
		body = http.NoBody
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	CopyHeaders(req.Header, header)
	req.Header.Del("Accept-Encoding")
	return c.http.Do(req)
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}
