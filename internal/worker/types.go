package worker

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/any-hub/offline-agent/internal/cache"
)

// RequestMode 对应浏览器 Sec-Fetch-Mode 的取值。
type RequestMode string

const (
	ModeNavigate   RequestMode = "navigate"
	ModeSameOrigin RequestMode = "same-origin"
	ModeNoCORS     RequestMode = "no-cors"
	ModeCORS       RequestMode = "cors"
)

// ResponseType 描述响应的来源分类，只有 basic 响应允许落盘。
type ResponseType string

const (
	TypeBasic   ResponseType = "basic"
	TypeCORS    ResponseType = "cors"
	TypeOpaque  ResponseType = "opaque"
	TypeError   ResponseType = "error"
	TypeDefault ResponseType = "default"
)

// Source 标记响应由哪条路径产生，写入 X-Offline-Agent-Source。
type Source string

const (
	SourceCache       Source = "cache"
	SourceNetwork     Source = "network"
	SourceOffline     Source = "offline"
	SourcePassthrough Source = "passthrough"
)

// Request 是被拦截的一次页面请求，URL 必须是绝对地址。
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
	Mode   RequestMode
}

// Response 是 Fetch 的结果；Body 已完整读入内存。
type Response struct {
	Status     int
	StatusText string
	Type       ResponseType
	Redirected bool
	Header     http.Header
	Body       []byte
	Source     Source
}

// DetectMode 优先读取 Sec-Fetch-Mode；缺失时把偏好 HTML 的 GET 视为导航请求。
func DetectMode(method string, header http.Header) RequestMode {
	switch RequestMode(strings.ToLower(strings.TrimSpace(header.Get("Sec-Fetch-Mode")))) {
	case ModeNavigate:
		return ModeNavigate
	case ModeSameOrigin:
		return ModeSameOrigin
	case ModeNoCORS:
		return ModeNoCORS
	case ModeCORS:
		return ModeCORS
	}
	if method == http.MethodGet && strings.Contains(strings.ToLower(header.Get("Accept")), "text/html") {
		return ModeNavigate
	}
	return ModeNoCORS
}

// Cacheable 仅当状态码为 200 且为同源、未经重定向的 basic 响应时返回 true。
func (r *Response) Cacheable() bool {
	return r != nil && r.Status == http.StatusOK && r.Type == TypeBasic && !r.Redirected
}

// Clone 深拷贝 Header 与 Body，供后台写缓存使用。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Header = r.Header.Clone()
	if r.Body != nil {
		clone.Body = append([]byte(nil), r.Body...)
	}
	return &clone
}

// uncacheableHeaders 不随缓存条目保存，命中时也不会重放。
var uncacheableHeaders = []string{"Set-Cookie", "Set-Cookie2"}

// toEntry 生成缓存条目；basic 响应不暴露 Set-Cookie，缓存中同样剔除。
func (r *Response) toEntry(key string, storedAt time.Time) cache.Entry {
	header := r.Header.Clone()
	for _, name := range uncacheableHeaders {
		header.Del(name)
	}
	return cache.Entry{
		Key:        key,
		Status:     r.Status,
		StatusText: r.StatusText,
		Type:       string(r.Type),
		Redirected: r.Redirected,
		Header:     header,
		Body:       append([]byte(nil), r.Body...),
		StoredAt:   storedAt,
	}
}

func responseFromEntry(entry *cache.Entry, source Source) *Response {
	header := entry.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &Response{
		Status:     entry.Status,
		StatusText: entry.StatusText,
		Type:       ResponseType(entry.Type),
		Redirected: entry.Redirected,
		Header:     header,
		Body:       entry.Body,
		Source:     source,
	}
}
