package worker

import (
	"encoding/json"
	"net/http"
)

type offlineJSON struct {
	Result string `json:"result"`
	Msg    string `json:"msg"`
}

// mutationError 构造非 GET 请求回源失败时的 JSON 错误响应。
func (w *Worker) mutationError() *Response {
	body, _ := json.Marshal(offlineJSON{Result: "error", Msg: w.opts.OfflineJSONMessage})
	status := w.opts.MutationErrorStatus
	return &Response{
		Status:     status,
		StatusText: http.StatusText(status),
		Type:       TypeDefault,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       body,
		Source:     SourceOffline,
	}
}

// offlineText 构造子资源不可用时的 503 纯文本响应。
func (w *Worker) offlineText() *Response {
	return &Response{
		Status:     http.StatusServiceUnavailable,
		StatusText: "Service Unavailable",
		Type:       TypeDefault,
		Header:     http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:       []byte(w.opts.OfflineTextMessage),
		Source:     SourceOffline,
	}
}
