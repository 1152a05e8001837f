package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/any-hub/offline-agent/internal/cache"
)

// Doer 抽象出站 HTTP 客户端，*http.Client 即满足。
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// FetchNetwork 发起一次网络请求并完整读取响应体。timeout > 0 时整个过程（含响应体）
// 受同一个 deadline 约束，超时即中断连接。
func FetchNetwork(ctx context.Context, client Doer, origin *url.URL, req *Request, timeout time.Duration) (*Response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if req.Header != nil {
		httpReq.Header = req.Header.Clone()
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	final := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}

	header := resp.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &Response{
		Status:     resp.StatusCode,
		StatusText: statusText(resp),
		Type:       classify(origin, final, req.Mode),
		Redirected: cache.Key(final) != cache.Key(req.URL),
		Header:     header,
		Body:       payload,
		Source:     SourceNetwork,
	}, nil
}

// classify 按最终 URL 与配置源站是否同源给出响应类型。
func classify(origin, final *url.URL, mode RequestMode) ResponseType {
	if sameOrigin(origin, final) {
		return TypeBasic
	}
	if mode == ModeNoCORS {
		return TypeOpaque
	}
	return TypeCORS
}

func sameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return originOf(a) == originOf(b)
}

func originOf(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == "" {
		switch scheme {
		case "http":
			port = "80"
		case "https":
			port = "443"
		}
	}
	return scheme + "://" + host + ":" + port
}

// statusText 从 "200 OK" 形式的状态行中取出原因短语。
func statusText(resp *http.Response) string {
	text := strings.TrimSpace(strings.TrimPrefix(resp.Status, fmt.Sprintf("%d", resp.StatusCode)))
	if text == "" {
		return http.StatusText(resp.StatusCode)
	}
	return text
}
