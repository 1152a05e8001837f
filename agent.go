package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-agent/internal/cache"
	"github.com/any-hub/offline-agent/internal/config"
	"github.com/any-hub/offline-agent/internal/host"
	"github.com/any-hub/offline-agent/internal/logging"
	"github.com/any-hub/offline-agent/internal/proxy"
	"github.com/any-hub/offline-agent/internal/server"
	"github.com/any-hub/offline-agent/internal/server/routes"
	"github.com/any-hub/offline-agent/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// agent 持有进程级共享组件：存储、出站客户端、宿主与 Fiber 应用。
type agent struct {
	configPath string
	logger     *logrus.Logger
	origin     *url.URL
	storage    cache.Storage
	client     *http.Client
	host       *host.Host
	app        *fiber.App

	mu  sync.Mutex
	cfg *config.Config
}

func newAgent(cfg *config.Config, configPath string, logger *logrus.Logger) (*agent, error) {
	origin, err := url.Parse(cfg.Worker.Origin)
	if err != nil {
		return nil, fmt.Errorf("解析 Origin 失败: %w", err)
	}

	storage, err := cache.NewStorage(cfg.Global.StorageBackend, cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存存储失败: %w", err)
	}

	client := server.NewUpstreamClient(cfg)
	h := host.New(logger, host.Options{
		MaxRetries:     cfg.Global.MaxRetries,
		InitialBackoff: cfg.Global.InitialBackoff.DurationValue(),
	})

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      proxy.NewHandler(h, client, origin, logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		storage.Close()
		return nil, err
	}
	routes.RegisterStatusRoutes(app, h, storage)

	return &agent{
		configPath: configPath,
		logger:     logger,
		origin:     origin,
		storage:    storage,
		client:     client,
		host:       h,
		app:        app,
		cfg:        cfg,
	}, nil
}

// workerOptions 把配置映射为 worker 参数；UpstreamTimeout 同时约束 Manifest 预加载。
func workerOptions(cfg *config.Config, origin *url.URL) worker.Options {
	w := cfg.Worker
	return worker.Options{
		CacheName:           w.CacheName,
		Origin:              origin,
		Manifest:            append([]string(nil), w.Manifest...),
		OfflinePage:         w.OfflinePage,
		FetchTimeout:        w.FetchTimeout.DurationValue(),
		MutationTimeout:     w.MutationTimeout.DurationValue(),
		InstallTimeout:      cfg.Global.UpstreamTimeout.DurationValue(),
		MutationErrorStatus: w.MutationErrorStatus,
		OfflineJSONMessage:  w.OfflineJSONMessage,
		OfflineTextMessage:  w.OfflineTextMessage,
	}
}

// register 用给定配置构建 worker 并交给宿主安装/激活。
func (a *agent) register(ctx context.Context, cfg *config.Config) error {
	w, err := worker.New(a.storage, a.client, a.logger, workerOptions(cfg, a.origin))
	if err != nil {
		return err
	}
	_, err = a.host.Register(ctx, w)
	return err
}

// reload 重新读取配置文件；CacheName 变化时注册新 worker，触发安装、清理旧缓存代与接管。
// Origin、监听端口与存储相关配置需要重启进程才会生效。
func (a *agent) reload(ctx context.Context) error {
	next, err := config.Load(a.configPath)
	if err != nil {
		return err
	}

	a.mu.Lock()
	current := a.cfg
	a.mu.Unlock()

	fields := logging.BaseFields("reload", a.configPath)
	fields["generation"] = next.Worker.CacheName
	if next.Worker.Origin != current.Worker.Origin ||
		next.Global.ListenPort != current.Global.ListenPort ||
		next.Global.StoragePath != current.Global.StoragePath ||
		next.Global.StorageBackend != current.Global.StorageBackend {
		a.logger.WithFields(fields).Warn("reload_requires_restart")
	}
	if next.Worker.CacheName == current.Worker.CacheName {
		a.logger.WithFields(fields).Info("reload_unchanged")
		return nil
	}

	next.Worker.Origin = current.Worker.Origin
	if err := a.register(ctx, next); err != nil {
		return err
	}
	a.mu.Lock()
	a.cfg = next
	a.mu.Unlock()
	a.logger.WithFields(fields).Info("reload_complete")
	return nil
}

// serve 启动 HTTP 服务并在后台注册 worker；SIGHUP 触发重载，SIGINT/SIGTERM 优雅退出。
func (a *agent) serve() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.mu.Lock()
	cfg := a.cfg
	a.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.register(ctx, cfg); err != nil {
			a.logger.WithFields(logging.BaseFields("register", a.configPath)).
				WithError(err).Error("initial_register_failed")
		}
	}()

	port := cfg.Global.ListenPort
	errCh := make(chan error, 1)
	go func() {
		a.logger.WithFields(logrus.Fields{
			"action": "listen",
			"port":   port,
		}).Info("server_listening")
		errCh <- a.app.Listen(fmt.Sprintf(":%d", port))
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	var serveErr error
loop:
	for {
		select {
		case err := <-errCh:
			serveErr = err
			break loop
		case sig := <-signals:
			if sig == syscall.SIGHUP {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := a.reload(ctx); err != nil {
						a.logger.WithFields(logging.BaseFields("reload", a.configPath)).
							WithError(err).Error("reload_failed")
					}
				}()
				continue
			}
			a.logger.WithFields(logrus.Fields{
				"action": "shutdown",
				"signal": sig.String(),
			}).Info("shutdown_requested")
			if err := a.app.ShutdownWithTimeout(shutdownTimeout); err != nil {
				serveErr = err
			}
			break loop
		}
	}

	cancel()
	wg.Wait()
	a.close()
	return serveErr
}

// close 等待后台缓存写入结束后关闭存储。
func (a *agent) close() {
	a.host.Shutdown()
	if err := a.storage.Close(); err != nil {
		a.logger.WithFields(logrus.Fields{"action": "shutdown"}).WithError(err).Warn("storage_close_failed")
	}
}
