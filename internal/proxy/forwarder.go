package proxy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/article-cache/internal/keys"
	"github.com/any-hub/article-cache/internal/logging"
	"github.com/any-hub/article-cache/internal/server"
)

// ErrTypeHandlerExists indicates a handler has already been registered for the type.
var ErrTypeHandlerExists = errors.New("type handler already registered")

// Forwarder 根据请求的资源类型选择对应的 ProxyHandler，默认回退到构造时注入的 handler。
// 任何 handler 的 panic 都会被转换为 500 JSON 响应。
type Forwarder struct {
	defaultHandler server.ProxyHandler
	logger         *logrus.Logger

	mu       sync.RWMutex
	handlers map[keys.ResourceType]server.ProxyHandler
}

// NewForwarder 创建 Forwarder；defaultHandler 为空时未注册类型会返回 type_handler_missing。
func NewForwarder(defaultHandler server.ProxyHandler, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		defaultHandler: defaultHandler,
		logger:         logger,
		handlers:       make(map[keys.ResourceType]server.ProxyHandler),
	}
}

// Register 为资源类型绑定专用 handler。
func (f *Forwarder) Register(t keys.ResourceType, handler server.ProxyHandler) error {
	if handler == nil {
		return errors.New("type handler required")
	}
	if !keys.Valid(string(t)) {
		return fmt.Errorf("unsupported resource type %q", t)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.handlers[t]; exists {
		return fmt.Errorf("%w: %s", ErrTypeHandlerExists, t)
	}
	f.handlers[t] = handler
	return nil
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx, target *server.Target) error {
	requestID := server.RequestID(c)
	resourceType := RequestType(c, target)
	handler := f.lookup(resourceType)
	if handler == nil {
		return f.respondMissingHandler(c, target, resourceType, requestID)
	}
	return f.invokeHandler(c, target, resourceType, handler, requestID)
}

func (f *Forwarder) respondMissingHandler(c fiber.Ctx, target *server.Target, t keys.ResourceType, requestID string) error {
	f.logDispatchError(target, t, "type_handler_missing", nil, requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "type_handler_missing"})
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, target *server.Target, t keys.ResourceType, handler server.ProxyHandler, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, target, t, r, requestID)
		}
	}()
	return handler.Handle(c, target)
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, target *server.Target, t keys.ResourceType, recovered interface{}, requestID string) error {
	f.logDispatchError(target, t, "type_handler_panic", fmt.Errorf("panic: %v", recovered), requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "type_handler_panic"})
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (f *Forwarder) logDispatchError(target *server.Target, t keys.ResourceType, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := targetFields(target, t, requestID)
	fields["action"] = "proxy"
	fields["error"] = code
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("type handler unavailable")
}

func (f *Forwarder) lookup(t keys.ResourceType) server.ProxyHandler {
	f.mu.RLock()
	handler, ok := f.handlers[t]
	f.mu.RUnlock()
	if ok {
		return handler
	}
	return f.defaultHandler
}

func targetFields(target *server.Target, t keys.ResourceType, requestID string) logrus.Fields {
	site, domain := "", ""
	if target != nil && target.Site != nil {
		site = target.Site.Config.Name
		domain = target.Site.Config.Domain
	}
	fields := logging.RequestFields(site, domain, string(t), "", "")
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}
