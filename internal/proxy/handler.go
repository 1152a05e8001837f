package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-agent/internal/host"
	"github.com/any-hub/offline-agent/internal/logging"
	"github.com/any-hub/offline-agent/internal/server"
	"github.com/any-hub/offline-agent/internal/worker"
)

// SourceHeader 标记响应来源：cache/network/offline/passthrough。
const SourceHeader = "X-Offline-Agent-Source"

// Controllers 提供当前接管请求的版本，*host.Host 即满足。
type Controllers interface {
	Controller() *host.Version
}

// Handler 把 Fiber 请求转换为 worker.Request，交给当前控制者处理并写回响应；
// 尚无控制者时直接回源透传。
type Handler struct {
	controllers Controllers
	client      worker.Doer
	origin      *url.URL
	logger      *logrus.Logger
}

// NewHandler constructs a proxy handler bound to a single origin.
func NewHandler(controllers Controllers, client worker.Doer, origin *url.URL, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		controllers: controllers,
		client:      client,
		origin:      origin,
		logger:      logger,
	}
}

// Handle 实现 server.ProxyHandler；控制者 panic 时返回 500 worker_panic。
func (h *Handler) Handle(c fiber.Ctx) (err error) {
	started := time.Now()
	requestID := server.RequestID(c)

	req, buildErr := h.buildRequest(c, requestID)
	if buildErr != nil {
		h.logger.WithFields(logrus.Fields{
			"action":     "proxy",
			"request_id": requestID,
		}).WithError(buildErr).Warn("request_rejected")
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	var ctx context.Context = c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	generation := ""
	defer func() {
		if r := recover(); r != nil {
			err = h.respondPanic(c, req, generation, requestID, r)
		}
	}()

	var resp *worker.Response
	if controller := h.controllers.Controller(); controller != nil {
		generation = controller.Name()
		resp = controller.Fetch(ctx, req)
	} else {
		resp, err = h.passthrough(ctx, req)
		if err != nil {
			h.logResult(req, generation, requestID, 0, worker.SourcePassthrough, started, err)
			return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
		}
	}
	if resp == nil {
		h.logResult(req, generation, requestID, 0, "", started, fmt.Errorf("controller returned no response"))
		return h.writeError(c, fiber.StatusInternalServerError, "worker_no_response")
	}

	h.logResult(req, generation, requestID, resp.Status, resp.Source, started, nil)
	return writeResponse(c, resp)
}

// passthrough 在尚无控制者时直接访问源站，不读写缓存。
func (h *Handler) passthrough(ctx context.Context, req *worker.Request) (*worker.Response, error) {
	resp, err := worker.FetchNetwork(ctx, h.client, h.origin, req, 0)
	if err != nil {
		return nil, err
	}
	resp.Source = worker.SourcePassthrough
	return resp, nil
}

// buildRequest 以源站为基准解析请求 URL，复制请求头并补充 X-Forwarded-*。
func (h *Handler) buildRequest(c fiber.Ctx, requestID string) (*worker.Request, error) {
	ref, err := url.Parse(c.OriginalURL())
	if err != nil {
		return nil, err
	}
	// absolute-form 请求目标（显式代理、app.Test）只取路径与查询，始终回到配置的源站。
	ref.Scheme, ref.Host, ref.User = "", "", nil
	target := h.origin.ResolveReference(ref)

	header := http.Header{}
	server.CopyHeaders(header, fiberHeadersAsHTTP(c))
	header.Del("Accept-Encoding")
	header.Del("Host")
	header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			header.Set("X-Forwarded-For", ip)
		}
	}
	header.Set("X-Forwarded-Proto", c.Scheme())
	if requestID != "" {
		header.Set("X-Request-ID", requestID)
	}

	method := c.Method()
	return &worker.Request{
		Method: method,
		URL:    target,
		Header: header,
		Body:   append([]byte(nil), c.Body()...),
		Mode:   worker.DetectMode(method, header),
	}, nil
}

// writeResponse 写回状态码、原因短语、响应头与响应体。
func writeResponse(c fiber.Ctx, resp *worker.Response) error {
	c.Status(resp.Status)
	if resp.StatusText != "" && resp.StatusText != http.StatusText(resp.Status) {
		c.Response().Header.SetStatusMessage([]byte(resp.StatusText))
	}
	if resp.Header.Get("Content-Type") == "" {
		c.Response().Header.SetNoDefaultContentType(true)
	}
	copyResponseHeaders(c, resp.Header)
	if resp.Source != "" {
		c.Set(SourceHeader, string(resp.Source))
	}
	return c.Send(resp.Body)
}

func (h *Handler) respondPanic(c fiber.Ctx, req *worker.Request, generation, requestID string, recovered interface{}) error {
	fields := logging.RequestFields(generation, req.Method, req.URL.String(), string(req.Mode), "")
	fields["action"] = "proxy"
	fields["request_id"] = requestID
	h.logger.WithFields(fields).Error(fmt.Sprintf("worker_panic: %v", recovered))
	return h.writeError(c, fiber.StatusInternalServerError, "worker_panic")
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	req *worker.Request,
	generation string,
	requestID string,
	status int,
	source worker.Source,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(generation, req.Method, req.URL.String(), string(req.Mode), string(source))
	fields["action"] = "proxy"
	fields["request_id"] = requestID
	fields["status"] = status
	fields["elapsed_ms"] = logging.ElapsedMillis(started)
	if err != nil {
		h.logger.WithFields(fields).WithError(err).Warn("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// copyResponseHeaders 跳过 hop-by-hop 与 Content-Length（由 fasthttp 按实际响应体计算）。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == "Content-Length" {
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
