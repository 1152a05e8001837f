package worker

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-agent/internal/cache"
	"github.com/any-hub/offline-agent/internal/logging"
)

// Fetch 处理一次被拦截的请求，永远返回非 nil 响应：
//   - 非 GET：限时回源，失败返回 JSON 错误，不读写缓存；
//   - GET 命中：直接返回缓存；
//   - GET 未命中：限时回源，200+basic 响应后台写入缓存；失败时导航请求返回离线页，其余返回 503。
func (w *Worker) Fetch(ctx context.Context, req *Request) *Response {
	start := time.Now()
	var resp *Response
	if req.Method != http.MethodGet {
		resp = w.fetchMutation(ctx, req)
	} else {
		resp = w.fetchCacheFirst(ctx, req)
	}

	fields := logging.RequestFields(w.opts.CacheName, req.Method, req.URL.String(), string(req.Mode), string(resp.Source))
	fields["action"] = "fetch"
	fields["status"] = resp.Status
	fields["elapsed_ms"] = logging.ElapsedMillis(start)
	w.logger.WithFields(fields).Debug("fetch_complete")
	return resp
}

func (w *Worker) fetchMutation(ctx context.Context, req *Request) *Response {
	resp, err := FetchNetwork(ctx, w.client, w.opts.Origin, req, w.opts.MutationTimeout)
	if err != nil {
		w.logNetworkFailure(req, err)
		return w.mutationError()
	}
	return resp
}

func (w *Worker) fetchCacheFirst(ctx context.Context, req *Request) *Response {
	key := cache.Key(req.URL)
	if entry := w.lookup(ctx, key); entry != nil {
		return responseFromEntry(entry, SourceCache)
	}

	resp, err := FetchNetwork(ctx, w.client, w.opts.Origin, req, w.opts.FetchTimeout)
	if err == nil {
		if resp.Cacheable() {
			w.storeAsync(key, resp.Clone())
		}
		return resp
	}

	w.logNetworkFailure(req, err)
	if req.Mode == ModeNavigate {
		if page := w.lookup(ctx, w.offlineKey); page != nil {
			return responseFromEntry(page, SourceOffline)
		}
	}
	return w.offlineText()
}

// lookup 在当前缓存代中精确匹配，读取错误按未命中处理。
func (w *Worker) lookup(ctx context.Context, key string) *cache.Entry {
	gen, err := w.generation(ctx)
	if err != nil {
		w.logger.WithFields(logrus.Fields{
			"action":     "cache_lookup",
			"generation": w.opts.CacheName,
		}).WithError(err).Warn("cache_open_failed")
		return nil
	}
	entry, err := gen.Match(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			w.logger.WithFields(logrus.Fields{
				"action":     "cache_lookup",
				"generation": w.opts.CacheName,
				"key":        key,
			}).WithError(err).Warn("cache_read_failed")
		}
		return nil
	}
	return entry
}

// storeAsync 在后台写入缓存，不阻塞调用方；请求上下文可能已回收，因此使用独立超时。
func (w *Worker) storeAsync(key string, resp *Response) {
	entry := resp.toEntry(key, w.now())
	w.pending.Add(1)
	go func() {
		defer w.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), w.opts.StoreTimeout)
		defer cancel()

		fields := logrus.Fields{
			"action":     "cache_put",
			"generation": w.opts.CacheName,
			"key":        key,
		}
		gen, err := w.generation(ctx)
		if err == nil {
			err = gen.Put(ctx, entry)
		}
		switch {
		case err == nil:
			w.logger.WithFields(fields).Debug("cache_put_complete")
		case errors.Is(err, cache.ErrGenerationDeleted):
			w.logger.WithFields(fields).Debug("cache_put_skipped")
		default:
			w.logger.WithFields(fields).WithError(err).Warn("cache_put_failed")
		}
	}()
}

func (w *Worker) logNetworkFailure(req *Request, err error) {
	fields := logging.RequestFields(w.opts.CacheName, req.Method, req.URL.String(), string(req.Mode), string(SourceOffline))
	fields["action"] = "fetch"
	w.logger.WithFields(fields).WithError(err).Warn("network_failed")
}
