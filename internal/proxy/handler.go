package proxy

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/article-cache/internal/cacheerr"
	"github.com/any-hub/article-cache/internal/engine"
	"github.com/any-hub/article-cache/internal/keys"
	"github.com/any-hub/article-cache/internal/logging"
	"github.com/any-hub/article-cache/internal/server"
	"github.com/any-hub/article-cache/internal/upstream"
)

// 请求侧控制头。
const (
	HeaderItemType = "X-Cache-Item-Type"
	HeaderVariant  = "X-Cache-Variant"
	HeaderGroup    = "X-Cache-Group"
	HeaderSource   = "X-Cache-Source"
)

// forwardedRequestHeaders 是允许透传给上游的客户端请求头。
var forwardedRequestHeaders = []string{
	fiber.HeaderAccept,
	fiber.HeaderUserAgent,
	fiber.HeaderCacheControl,
}

// CacheFetcher 是 Handler 依赖的读路径入口，由 engine.Engine 实现。
type CacheFetcher interface {
	Fetch(ctx context.Context, req engine.Request) (*engine.Response, error)
}

// Handler 把被拦截的请求交给缓存引擎，并把结果写回 Fiber 响应。
type Handler struct {
	fetcher CacheFetcher
	logger  *logrus.Logger
}

// NewHandler constructs a proxy handler around the cache engine.
func NewHandler(fetcher CacheFetcher, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{fetcher: fetcher, logger: logger}
}

// Handle 实现 server.ProxyHandler：构造 engine.Request、执行 Fetch、回写头与正文。
func (h *Handler) Handle(c fiber.Ctx, target *server.Target) error {
	started := time.Now()
	requestID := server.RequestID(c)
	method := c.Method()
	if method != fiber.MethodGet && method != fiber.MethodHead {
		return writeError(c, fiber.StatusMethodNotAllowed, "method_not_allowed")
	}

	req := buildEngineRequest(c, target)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	resp, err := h.fetcher.Fetch(ctx, req)
	if err != nil {
		status, code := classifyError(err)
		h.logResult(target, req, requestID, status, "", started, err)
		return writeError(c, status, code)
	}

	for key, values := range resp.Header {
		if upstream.IsHopByHopHeader(key) || strings.EqualFold(key, fiber.HeaderContentLength) {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
			} else {
				c.Response().Header.Add(key, value)
			}
		}
	}
	c.Set(HeaderSource, string(resp.Source))
	c.Set(HeaderVariant, resp.Variant)
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.Status)
	h.logResult(target, req, requestID, resp.Status, string(resp.Source), started, nil)

	if method == fiber.MethodHead {
		resp.Body.Close()
		if resp.Size >= 0 {
			c.Response().Header.SetContentLength(int(resp.Size))
		}
		return nil
	}
	// fasthttp 写完正文后会关闭 Body
	c.Response().SetBodyStream(resp.Body, int(resp.Size))
	return nil
}

// RequestType 返回请求的资源类型：优先 X-Cache-Item-Type，其次站点默认类型。
func RequestType(c fiber.Ctx, target *server.Target) keys.ResourceType {
	if raw := requestHeader(c, HeaderItemType); raw != "" && keys.Valid(raw) {
		return keys.ParseType(raw)
	}
	if target != nil && target.Site != nil {
		return target.Site.Type
	}
	return keys.TypeGeneric
}

func buildEngineRequest(c fiber.Ctx, target *server.Target) engine.Request {
	header := http.Header{}
	for _, name := range forwardedRequestHeaders {
		if value := requestHeader(c, name); value != "" {
			header.Set(name, value)
		}
	}

	groupKey := strings.TrimSpace(requestHeader(c, HeaderGroup))
	if groupKey == "" {
		groupKey = target.URL
	}

	return engine.Request{
		URL:            target.URL,
		Type:           RequestType(c, target),
		Variant:        strings.TrimSpace(requestHeader(c, HeaderVariant)),
		AcceptLanguage: requestHeader(c, fiber.HeaderAcceptLanguage),
		GroupKey:       groupKey,
		Header:         header,
		Transport:      target.Site.Transport(),
	}
}

// classifyError 将引擎错误映射为 HTTP 状态与 JSON 错误码。
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, cacheerr.ErrInvalidURL):
		return fiber.StatusBadRequest, "invalid_url"
	case errors.Is(err, cacheerr.ErrCacheMiss):
		return fiber.StatusBadGateway, "cache_miss"
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout, "upstream_timeout"
	case cacheerr.IsNetwork(err):
		return fiber.StatusBadGateway, "upstream_failed"
	default:
		return fiber.StatusInternalServerError, "internal_error"
	}
}

func writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	target *server.Target,
	req engine.Request,
	requestID string,
	status int,
	source string,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(
		target.Site.Config.Name,
		target.Site.Config.Domain,
		string(req.Type),
		req.Variant,
		source,
	)
	fields["action"] = "proxy"
	fields["upstream"] = req.URL
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

func requestHeader(c fiber.Ctx, name string) string {
	return strings.TrimSpace(string(c.Request().Header.Peek(name)))
}
