package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/any-hub/offline-agent/internal/logging"
)

// Activate 并发删除所有非当前缓存代并等待完成，然后接管客户端。
// 单个删除失败只记录并汇总进返回的错误，不会阻止其它删除或 claim。
func (w *Worker) Activate(ctx context.Context, scope Scope) error {
	current := w.opts.CacheName
	reapErr := w.reap(ctx, current)

	if scope != nil {
		if err := scope.Claim(ctx); err != nil {
			return errors.Join(reapErr, fmt.Errorf("claim clients: %w", err))
		}
	}
	return reapErr
}

func (w *Worker) reap(ctx context.Context, current string) error {
	names, err := w.storage.Names(ctx)
	if err != nil {
		w.logger.WithFields(logging.GenerationFields("activate", current)).
			WithError(err).Warn("generation_list_failed")
		return fmt.Errorf("list generations: %w", err)
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, name := range names {
		if name == current {
			continue
		}
		g.Go(func() error {
			if _, err := w.storage.Delete(ctx, name); err != nil {
				w.logger.WithFields(logging.GenerationFields("activate", name)).
					WithError(err).Warn("generation_reap_failed")
				mu.Lock()
				errs = append(errs, fmt.Errorf("delete generation %s: %w", name, err))
				mu.Unlock()
				return nil
			}
			w.logger.WithFields(logging.GenerationFields("activate", name)).Info("generation_reaped")
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
