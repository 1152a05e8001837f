package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-agent/internal/cache"
)

const (
	defaultFetchTimeout    = 3 * time.Second
	defaultMutationTimeout = 5 * time.Second
	defaultInstallTimeout  = 30 * time.Second
	defaultStoreTimeout    = 10 * time.Second
)

// Scope 由宿主实现，Worker 在生命周期事件中通过它请求跳过等待或接管客户端。
type Scope interface {
	SkipWaiting()
	Claim(ctx context.Context) error
}

// Options 描述单个 Worker 版本的全部行为参数。
type Options struct {
	CacheName           string
	Origin              *url.URL
	Manifest            []string
	OfflinePage         string
	FetchTimeout        time.Duration
	MutationTimeout     time.Duration
	InstallTimeout      time.Duration
	StoreTimeout        time.Duration
	MutationErrorStatus int
	OfflineJSONMessage  string
	OfflineTextMessage  string
}

// DefaultOptions 返回以 origin 为源站的默认参数。
func DefaultOptions(origin *url.URL) Options {
	return Options{
		CacheName:           "app-v4",
		Origin:              origin,
		Manifest:            []string{"/", "/index.html", "/manifest.json", "/icon.png"},
		OfflinePage:         "/index.html",
		FetchTimeout:        defaultFetchTimeout,
		MutationTimeout:     defaultMutationTimeout,
		InstallTimeout:      defaultInstallTimeout,
		StoreTimeout:        defaultStoreTimeout,
		MutationErrorStatus: http.StatusServiceUnavailable,
		OfflineJSONMessage:  "You are offline.",
		OfflineTextMessage:  "Offline or resource unavailable.",
	}
}

// Worker 是一个缓存代版本的处理器：负责安装、清理旧代以及拦截请求。
type Worker struct {
	storage cache.Storage
	client  Doer
	logger  *logrus.Logger
	opts    Options

	manifest   []*url.URL
	offlineKey string
	now        func() time.Time

	mu  sync.RWMutex
	gen cache.Generation

	pending sync.WaitGroup
}

// New 校验参数并解析 Manifest，返回尚未安装的 Worker。
func New(storage cache.Storage, client Doer, logger *logrus.Logger, opts Options) (*Worker, error) {
	if storage == nil {
		return nil, errors.New("storage required")
	}
	if client == nil {
		return nil, errors.New("http client required")
	}
	if opts.Origin == nil || opts.Origin.Scheme == "" || opts.Origin.Host == "" {
		return nil, errors.New("absolute origin required")
	}
	if strings.TrimSpace(opts.CacheName) == "" {
		return nil, errors.New("cache name required")
	}
	if len(opts.Manifest) == 0 {
		return nil, errors.New("manifest must not be empty")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	applyOptionDefaults(&opts)

	manifest := make([]*url.URL, 0, len(opts.Manifest))
	for _, item := range opts.Manifest {
		target, err := resolve(opts.Origin, item)
		if err != nil {
			return nil, fmt.Errorf("manifest entry %q: %w", item, err)
		}
		manifest = append(manifest, target)
	}
	offline, err := resolve(opts.Origin, opts.OfflinePage)
	if err != nil {
		return nil, fmt.Errorf("offline page %q: %w", opts.OfflinePage, err)
	}

	return &Worker{
		storage:    storage,
		client:     client,
		logger:     logger,
		opts:       opts,
		manifest:   manifest,
		offlineKey: cache.Key(offline),
		now:        time.Now,
	}, nil
}

func applyOptionDefaults(opts *Options) {
	if opts.OfflinePage == "" {
		opts.OfflinePage = "/index.html"
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.MutationTimeout <= 0 {
		opts.MutationTimeout = defaultMutationTimeout
	}
	if opts.InstallTimeout <= 0 {
		opts.InstallTimeout = defaultInstallTimeout
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}
	if opts.MutationErrorStatus == 0 {
		opts.MutationErrorStatus = http.StatusServiceUnavailable
	}
	if opts.OfflineJSONMessage == "" {
		opts.OfflineJSONMessage = "You are offline."
	}
	if opts.OfflineTextMessage == "" {
		opts.OfflineTextMessage = "Offline or resource unavailable."
	}
}

func resolve(origin *url.URL, ref string) (*url.URL, error) {
	parsed, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	return origin.ResolveReference(parsed), nil
}

// Name 返回该 Worker 使用的缓存代名称。
func (w *Worker) Name() string {
	return w.opts.CacheName
}

// Options 返回生效参数的副本。
func (w *Worker) Options() Options {
	opts := w.opts
	opts.Manifest = append([]string(nil), w.opts.Manifest...)
	return opts
}

// ManifestKeys 返回预加载资源的缓存键，顺序与配置一致。
func (w *Worker) ManifestKeys() []string {
	keys := make([]string, len(w.manifest))
	for i, target := range w.manifest {
		keys[i] = cache.Key(target)
	}
	return keys
}

// Wait 阻塞直到所有后台缓存写入结束。
func (w *Worker) Wait() {
	w.pending.Wait()
}

// Restore 在进程重启时复用已完整预加载的缓存代，避免离线状态下重新安装失败。
// 返回 true 表示缓存代存在且包含全部 Manifest 条目。
func (w *Worker) Restore(ctx context.Context) (bool, error) {
	gen, err := w.storage.Lookup(ctx, w.opts.CacheName)
	if errors.Is(err, cache.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for _, key := range w.ManifestKeys() {
		if _, err := gen.Match(ctx, key); err != nil {
			if errors.Is(err, cache.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
	}
	w.setGeneration(gen)
	w.logger.WithFields(logrus.Fields{
		"action":     "restore",
		"generation": w.opts.CacheName,
		"entries":    len(w.manifest),
	}).Info("generation_restored")
	return true, nil
}

func (w *Worker) setGeneration(gen cache.Generation) {
	w.mu.Lock()
	w.gen = gen
	w.mu.Unlock()
}

// generation 返回当前缓存代句柄，未安装时按需打开。
func (w *Worker) generation(ctx context.Context) (cache.Generation, error) {
	w.mu.RLock()
	gen := w.gen
	w.mu.RUnlock()
	if gen != nil {
		return gen, nil
	}
	gen, err := w.storage.Open(ctx, w.opts.CacheName)
	if err != nil {
		return nil, err
	}
	w.setGeneration(gen)
	return gen, nil
}
