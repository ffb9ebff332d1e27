package proxy

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/app-cache/internal/logging"
)

// passthrough 对应平台默认的网络处理：非 GET、清单外或尚无 active 代的请求
// 直接转发到源站，响应以流的方式写回。
func (h *Handler) passthrough(c fiber.Ctx, target string, header http.Header, requestID string, started time.Time) error {
	fields := logging.RequestFields(h.app, c.Method(), target, "", sourceBypass, false)

	if h.forward == nil {
		h.logResult(fields, requestID, fiber.StatusBadGateway, started, fmt.Errorf("no upstream forwarder"))
		setRequestIDHeader(c, requestID)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	resp, err := h.forward.Forward(c.Context(), c.Method(), target, header, bytesReader(c.Body()))
	if err != nil {
		h.logResult(fields, requestID, 0, started, err)
		setRequestIDHeader(c, requestID)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set(CacheHeader, sourceBypass)
	setRequestIDHeader(c, requestID)
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		h.logResult(fields, requestID, resp.StatusCode, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(fields, requestID, resp.StatusCode, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(append([]byte(nil), b...))
}
