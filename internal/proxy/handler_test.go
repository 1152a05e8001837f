package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-agent/internal/cache"
	"github.com/any-hub/offline-agent/internal/host"
	"github.com/any-hub/offline-agent/internal/server"
	"github.com/any-hub/offline-agent/internal/worker"
)

type originRecorder struct {
	mu      sync.Mutex
	headers http.Header
}

func newOrigin(t *testing.T, rec *originRecorder) (*httptest.Server, *url.URL) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rec != nil {
			rec.mu.Lock()
			rec.headers = r.Header.Clone()
			rec.mu.Unlock()
		}
		switch r.URL.Path {
		case "/", "/index.html":
			w.Header().Set("Content-Type", "text/html")
			_, _ = io.WriteString(w, "<html>app</html>")
		case "/manifest.json":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{}`)
		case "/icon.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = io.WriteString(w, "png")
		case "/api/echo":
			body, _ := io.ReadAll(r.Body)
			w.Header().Set("Content-Type", "text/plain")
			w.Header().Add("X-Multi", "a")
			w.Header().Add("X-Multi", "b")
			_, _ = io.WriteString(w, r.Method+":"+string(body))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	origin, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse origin: %v", err)
	}
	return srv, origin
}

func newProxyApp(t *testing.T, controllers Controllers, client worker.Doer, origin *url.URL) *fiber.App {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	handler := NewHandler(controllers, client, origin, logger)
	app, err := server.NewApp(server.AppOptions{Logger: logger, Proxy: handler, ListenPort: 5000})
	if err != nil {
		t.Fatalf("create app: %v", err)
	}
	return app
}

func newControlledHost(t *testing.T, srv *httptest.Server, origin *url.URL) *host.Host {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	w, err := worker.New(cache.NewMemoryStore(), srv.Client(), logger, worker.DefaultOptions(origin))
	if err != nil {
		t.Fatalf("create worker: %v", err)
	}
	h := host.New(logger, host.Options{})
	if _, err := h.Register(context.Background(), w); err != nil {
		t.Fatalf("register worker: %v", err)
	}
	return h
}

type noController struct{}

func (noController) Controller() *host.Version { return nil }

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestHandlerPassesThroughWithoutController(t *testing.T) {
	srv, origin := newOrigin(t, nil)
	app := newProxyApp(t, noController{}, srv.Client(), origin)

	req := httptest.NewRequest(http.MethodPost, "http://localhost:5000/api/echo", strings.NewReader("ping"))
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if got := readBody(t, resp); got != "POST:ping" {
		t.Fatalf("unexpected body %q", got)
	}
	if resp.Header.Get(SourceHeader) != "passthrough" {
		t.Fatalf("expected passthrough source, got %q", resp.Header.Get(SourceHeader))
	}
	if values := resp.Header.Values("X-Multi"); len(values) != 2 {
		t.Fatalf("expected both X-Multi values, got %v", values)
	}
}

func TestHandlerPassthroughUpstreamFailure(t *testing.T) {
	srv, origin := newOrigin(t, nil)
	app := newProxyApp(t, noController{}, srv.Client(), origin)
	srv.Close()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "http://localhost:5000/index.html", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
}

func TestHandlerServesFromCacheWhenControlled(t *testing.T) {
	srv, origin := newOrigin(t, nil)
	h := newControlledHost(t, srv, origin)
	app := newProxyApp(t, h, srv.Client(), origin)

	req := httptest.NewRequest(http.MethodGet, "http://localhost:5000/index.html", nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.Header.Get(SourceHeader) != "cache" {
		t.Fatalf("expected cache source, got %q", resp.Header.Get(SourceHeader))
	}
	if resp.Header.Get("Content-Type") != "text/html" {
		t.Fatalf("cached content type lost: %q", resp.Header.Get("Content-Type"))
	}
	if got := readBody(t, resp); got != "<html>app</html>" {
		t.Fatalf("unexpected body %q", got)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID")
	}
}

func TestHandlerOfflineResponses(t *testing.T) {
	srv, origin := newOrigin(t, nil)
	h := newControlledHost(t, srv, origin)
	app := newProxyApp(t, h, srv.Client(), origin)
	srv.Close()

	nav := httptest.NewRequest(http.MethodGet, "http://localhost:5000/settings", nil)
	nav.Header.Set("Accept", "text/html")
	resp, err := app.Test(nav)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK || readBody(t, resp) != "<html>app</html>" {
		t.Fatalf("navigation should fall back to offline page")
	}
	if resp.Header.Get(SourceHeader) != "offline" {
		t.Fatalf("expected offline source, got %q", resp.Header.Get(SourceHeader))
	}

	asset := httptest.NewRequest(http.MethodGet, "http://localhost:5000/app.js", nil)
	asset.Header.Set("Sec-Fetch-Mode", "no-cors")
	resp, err = app.Test(asset)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Content-Type") != "text/plain; charset=utf-8" {
		t.Fatalf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}
	if got := readBody(t, resp); got != "Offline or resource unavailable." {
		t.Fatalf("unexpected body %q", got)
	}

	post := httptest.NewRequest(http.MethodPost, "http://localhost:5000/api/echo", strings.NewReader("x"))
	resp, err = app.Test(post)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.Header.Get("Content-Type") != "application/json" {
		t.Fatalf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}
	if got := readBody(t, resp); got != `{"result":"error","msg":"You are offline."}` {
		t.Fatalf("unexpected body %q", got)
	}
}

func TestHandlerForwardsProxyHeaders(t *testing.T) {
	rec := &originRecorder{}
	srv, origin := newOrigin(t, rec)
	app := newProxyApp(t, noController{}, srv.Client(), origin)

	req := httptest.NewRequest(http.MethodGet, "http://localhost:5000/api/echo", nil)
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("X-Custom", "1")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.headers.Get("X-Custom") != "1" {
		t.Fatalf("custom header not forwarded")
	}
	if rec.headers.Get("X-Forwarded-Host") == "" {
		t.Fatalf("forwarded host missing: %v", rec.headers)
	}
	if got := rec.headers.Get("X-Forwarded-Proto"); got != "http" {
		t.Fatalf("X-Forwarded-Proto should carry the scheme, got %q", got)
	}
	if rec.headers.Get("X-Request-ID") != resp.Header.Get("X-Request-ID") {
		t.Fatalf("request id not propagated")
	}
}

func TestBuildRequestTargetsOriginForAbsoluteForm(t *testing.T) {
	origin, _ := url.Parse("http://127.0.0.1:9999")
	h := NewHandler(noController{}, http.DefaultClient, origin, nil)
	app := fiber.New()
	defer app.Shutdown()

	var got *worker.Request
	app.Get("/*", func(c fiber.Ctx) error {
		req, err := h.buildRequest(c, "")
		if err != nil {
			return err
		}
		got = req
		return c.SendStatus(fiber.StatusNoContent)
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "http://localhost:5000/index.html?v=2", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent || got == nil {
		t.Fatalf("handler not reached, status %d", resp.StatusCode)
	}
	if target := got.URL.String(); target != "http://127.0.0.1:9999/index.html?v=2" {
		t.Fatalf("request should target the origin, got %s", target)
	}
}

type panickingLifecycle struct{}

func (panickingLifecycle) Name() string { return "app-v4" }

func (panickingLifecycle) Install(ctx context.Context, scope worker.Scope) error { return nil }

func (panickingLifecycle) Activate(ctx context.Context, scope worker.Scope) error {
	return scope.Claim(ctx)
}

func (panickingLifecycle) Fetch(ctx context.Context, req *worker.Request) *worker.Response {
	panic("boom")
}

func TestHandlerRecoversWorkerPanic(t *testing.T) {
	srv, origin := newOrigin(t, nil)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	h := host.New(logger, host.Options{})
	if _, err := h.Register(context.Background(), panickingLifecycle{}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	app := newProxyApp(t, h, srv.Client(), origin)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "http://localhost:5000/", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	if got := readBody(t, resp); !strings.Contains(got, "worker_panic") {
		t.Fatalf("expected worker_panic body, got %q", got)
	}
}
