package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/offline-agent/internal/cache"
	"github.com/any-hub/offline-agent/internal/logging"
)

// ErrProvisionFailed 表示 Manifest 预加载未全部成功，本次安装作废。
var ErrProvisionFailed = errors.New("provision failed")

// Install 请求跳过等待，随后并发拉取全部 Manifest 资源；只有全部成功才一次性写入缓存代。
func (w *Worker) Install(ctx context.Context, scope Scope) error {
	start := time.Now()
	if scope != nil {
		scope.SkipWaiting()
	}

	name := w.opts.CacheName
	existed, err := w.storage.Has(ctx, name)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProvisionFailed, err)
	}
	gen, err := w.storage.Open(ctx, name)
	if err != nil {
		return fmt.Errorf("%w: open generation %s: %w", ErrProvisionFailed, name, err)
	}

	entries, err := w.fetchManifest(ctx)
	if err == nil {
		err = gen.PutAll(ctx, entries)
	}
	if err != nil {
		if !existed {
			w.discardGeneration(name)
		}
		w.logger.WithFields(logging.GenerationFields("install", name)).
			WithError(err).Warn("install_failed")
		return fmt.Errorf("%w: %w", ErrProvisionFailed, err)
	}

	w.setGeneration(gen)
	fields := logging.GenerationFields("install", name)
	fields["entries"] = len(entries)
	fields["elapsed_ms"] = logging.ElapsedMillis(start)
	w.logger.WithFields(fields).Info("install_complete")
	return nil
}

func (w *Worker) fetchManifest(ctx context.Context) ([]cache.Entry, error) {
	entries := make([]cache.Entry, len(w.manifest))
	g, gctx := errgroup.WithContext(ctx)
	for i, target := range w.manifest {
		g.Go(func() error {
			req := &Request{
				Method: http.MethodGet,
				URL:    target,
				Header: http.Header{},
				Mode:   ModeSameOrigin,
			}
			resp, err := FetchNetwork(gctx, w.client, w.opts.Origin, req, w.opts.InstallTimeout)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", target, err)
			}
			if resp.Status < 200 || resp.Status > 299 {
				return fmt.Errorf("fetch %s: unexpected status %d", target, resp.Status)
			}
			entries[i] = resp.toEntry(cache.Key(target), w.now())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

// discardGeneration 删除本次安装新建的缓存代，避免残留半成品。
func (w *Worker) discardGeneration(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.StoreTimeout)
	defer cancel()
	if _, err := w.storage.Delete(ctx, name); err != nil {
		w.logger.WithFields(logrus.Fields{
			"action":     "install",
			"generation": name,
		}).WithError(err).Warn("install_cleanup_failed")
	}
}
