package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/app-cache/internal/config"
	"github.com/any-hub/app-cache/internal/logging"
	"github.com/any-hub/app-cache/internal/server"
	"github.com/any-hub/app-cache/internal/upstream"
	"github.com/any-hub/app-cache/internal/worker"
)

// CacheHeader 标记响应来源：hit / miss / network / fallback / bypass。
const CacheHeader = "X-App-Cache"

const sourceBypass = "bypass"

// Dispatcher 把请求交给当前 active 代，*worker.Host 为生产实现。
type Dispatcher interface {
	Fetch(ctx context.Context, req worker.Request) (*worker.Result, bool, error)
}

// Forwarder 负责把未被缓存接管的请求原样转发给源站，*upstream.Client 为生产实现。
type Forwarder interface {
	Forward(ctx context.Context, method, url string, header http.Header, body io.Reader) (*http.Response, error)
}

// Handler 是网关入口：先询问缓存层是否拦截，未拦截的请求走源站透传。
type Handler struct {
	app     string
	origin  string
	host    Dispatcher
	forward Forwarder
	logger  *logrus.Logger
}

// NewHandler constructs a gateway handler bound to the configured origin.
func NewHandler(cfg *config.Config, host Dispatcher, forward Forwarder, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &Handler{
		app:     cfg.App.Name,
		origin:  cfg.App.NormalizedOrigin(),
		host:    host,
		forward: forward,
		logger:  logger,
	}
}

// conditionalHeaders 只对浏览器自身的 HTTP 缓存有意义，缓存层返回完整响应，不向源站透传。
var conditionalHeaders = []string{
	"If-None-Match",
	"If-Modified-Since",
	"If-Match",
	"If-Unmodified-Since",
	"If-Range",
	"Range",
}

// Handle 实现 server.ProxyHandler。处理过程中的 panic 会被转换成 500 JSON 响应。
func (h *Handler) Handle(c fiber.Ctx) (err error) {
	started := time.Now()
	requestID := server.RequestID(c)
	defer func() {
		if r := recover(); r != nil {
			err = h.respondPanic(c, r, requestID)
		}
	}()

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	target := h.origin + requestURI(c)
	header := fiberHeadersAsHTTP(c)

	if c.Method() == http.MethodGet {
		cacheHeader := header.Clone()
		for _, name := range conditionalHeaders {
			cacheHeader.Del(name)
		}
		result, intercepted, fetchErr := h.host.Fetch(ctx, worker.Request{
			Method: c.Method(),
			URL:    target,
			Header: cacheHeader,
		})
		if intercepted {
			if fetchErr != nil {
				return h.respondFetchError(c, target, requestID, started, fetchErr)
			}
			return h.serveResult(c, result, requestID, started)
		}
	}

	return h.passthrough(c, target, header, requestID, started)
}

func (h *Handler) serveResult(c fiber.Ctx, result *worker.Result, requestID string, started time.Time) error {
	resp := result.Response
	copyResponseHeaders(c, resp.Header)
	c.Response().Header.Del(fiber.HeaderContentLength)
	c.Set(CacheHeader, string(result.Source))
	setRequestIDHeader(c, requestID)
	c.Status(resp.Status)

	fields := logging.RequestFields(h.app, c.Method(), result.Key, result.Policy, string(result.Source), result.Source == worker.SourceHit)
	h.logResult(fields, requestID, resp.Status, started, nil)
	return c.Send(resp.Body)
}

func (h *Handler) respondFetchError(c fiber.Ctx, target, requestID string, started time.Time, err error) error {
	status, code := fiber.StatusInternalServerError, "internal_error"
	var (
		netErr     *worker.NetworkError
		storageErr *worker.StorageError
	)
	switch {
	case errors.As(err, &storageErr):
		status, code = fiber.StatusInternalServerError, "cache_unavailable"
	case errors.As(err, &netErr):
		status, code = fiber.StatusBadGateway, "upstream_failed"
	}

	fields := logging.RequestFields(h.app, c.Method(), target, "", "", false)
	h.logResult(fields, requestID, status, started, err)
	setRequestIDHeader(c, requestID)
	return h.writeError(c, status, code)
}

func (h *Handler) respondPanic(c fiber.Ctx, recovered any, requestID string) error {
	fields := logrus.Fields{"app": h.app, "action": "proxy", "error": "handler_panic"}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	h.logger.WithFields(fields).Error(fmt.Sprintf("panic: %v", recovered))
	setRequestIDHeader(c, requestID)
	return h.writeError(c, fiber.StatusInternalServerError, "handler_panic")
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(fields logrus.Fields, requestID string, status int, started time.Time, err error) {
	fields["action"] = "proxy"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

// requestURI 返回 path + query，保证以 "/" 开头。
func requestURI(c fiber.Ctx) string {
	uri := c.Request().URI()
	pathVal := string(uri.PathOriginal())
	if pathVal == "" {
		pathVal = "/"
	}
	if query := uri.QueryString(); len(query) > 0 {
		return pathVal + "?" + string(query)
	}
	return pathVal
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	header.Del(fiber.HeaderHost)
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if upstream.IsHopByHopHeader(key) {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}
