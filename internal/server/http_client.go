package server

import (
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/any-hub/offline-agent/internal/config"
)

const (
	defaultUpstreamTimeout = 30 * time.Second
	maxUpstreamRedirects   = 10
)

// NewUpstreamClient 返回所有回源请求共用的 http.Client：单次请求受 UpstreamTimeout 约束，
// 配置了 Worker.Proxy 时经由该代理出站，否则遵循 HTTP(S)_PROXY 环境变量。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	timeout := defaultUpstreamTimeout
	transport := newTransport()
	if cfg != nil {
		if d := cfg.Global.UpstreamTimeout.DurationValue(); d > 0 {
			timeout = d
		}
		if cfg.Worker.Proxy != "" {
			if proxyURL, err := url.Parse(cfg.Worker.Proxy); err == nil {
				transport.Proxy = http.ProxyURL(proxyURL)
			}
		}
	}

	return &http.Client{
		Timeout:       timeout,
		Transport:     transport,
		CheckRedirect: limitRedirects,
	}
}

func newTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
}

// limitRedirects 跟随重定向但拒绝跳出 http/https，最终响应由调用方标记为 redirected。
func limitRedirects(req *http.Request, via []*http.Request) error {
	if len(via) >= maxUpstreamRedirects {
		return http.ErrUseLastResponse
	}
	switch req.URL.Scheme {
	case "http", "https":
		return nil
	default:
		return http.ErrUseLastResponse
	}
}

// hopByHopHeaders 是 RFC 7230 规定代理不得转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {},
}

// CopyHeaders 复制 src 中可转发的头部到 dst，同时剔除 Connection 头中点名的字段。
func CopyHeaders(dst, src http.Header) {
	listed := connectionTokens(src)
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		if _, ok := listed[textproto.CanonicalMIMEHeaderKey(key)]; ok {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader 判断头部是否属于逐跳字段。
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}

func connectionTokens(header http.Header) map[string]struct{} {
	tokens := map[string]struct{}{}
	for _, value := range header.Values("Connection") {
		for _, token := range strings.Split(value, ",") {
			if token = strings.TrimSpace(token); token != "" {
				tokens[textproto.CanonicalMIMEHeaderKey(token)] = struct{}{}
			}
		}
	}
	return tokens
}
