package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrNoWaitingVersion 表示当前没有处于等待状态的版本可以激活。
var ErrNoWaitingVersion = errors.New("no waiting version")

const maxTrackedVersions = 16

// Options 控制安装失败后的重试策略。
type Options struct {
	MaxRetries     int
	InitialBackoff time.Duration
}

// VersionInfo 是单个版本的诊断信息。
type VersionInfo struct {
	ID        string    `json:"id"`
	CacheName string    `json:"cache_name"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	Error     string    `json:"error,omitempty"`
}

// Snapshot 汇总宿主当前状态，供 /-/status 输出。
type Snapshot struct {
	Controller *VersionInfo  `json:"controller"`
	Active     *VersionInfo  `json:"active"`
	Waiting    *VersionInfo  `json:"waiting"`
	Versions   []VersionInfo `json:"versions"`
}

// Host 管理 worker 版本的安装、激活与控制权。
type Host struct {
	logger *logrus.Logger
	opts   Options
	sleep  func(ctx context.Context, d time.Duration) error

	activateMu sync.Mutex

	mu       sync.Mutex
	active   *Version
	waiting  *Version
	versions []*Version

	controller atomic.Pointer[Version]
}

// New 创建宿主；MaxRetries 为负数时按 0 处理。
func New(logger *logrus.Logger, opts Options) *Host {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	return &Host{
		logger: logger,
		opts:   opts,
		sleep:  sleepContext,
	}
}

// Register 安装一个新版本：安装成功后若尚无活跃版本或 worker 请求了 skip-waiting 则立即激活，
// 否则进入等待，直到 ActivateWaiting。安装最终失败时版本标记为 redundant，原控制者不受影响。
func (h *Host) Register(ctx context.Context, lc Lifecycle) (*Version, error) {
	v := newVersion(h, lc)
	h.track(v)

	fields := logrus.Fields{
		"action":     "register",
		"version":    v.id,
		"generation": lc.Name(),
	}

	restored := false
	if r, ok := lc.(Restorer); ok {
		var err error
		restored, err = r.Restore(ctx)
		if err != nil {
			h.logger.WithFields(fields).WithError(err).Warn("restore_failed")
		}
	}

	if restored {
		versionScope{version: v}.SkipWaiting()
		h.logger.WithFields(fields).Info("install_skipped_restored")
	} else if err := h.installWithRetry(ctx, v); err != nil {
		v.setError(err)
		v.setState(StateRedundant)
		h.logger.WithFields(fields).WithError(err).Error("install_abandoned")
		return v, err
	}
	v.setState(StateInstalled)

	h.mu.Lock()
	activateNow := h.active == nil || v.wantsSkipWaiting()
	if !activateNow {
		if prev := h.waiting; prev != nil {
			prev.setState(StateRedundant)
		}
		h.waiting = v
	}
	h.mu.Unlock()

	if !activateNow {
		h.logger.WithFields(fields).Info("version_waiting")
		return v, nil
	}
	return v, h.activate(ctx, v)
}

// ActivateWaiting 激活等待中的版本。
func (h *Host) ActivateWaiting(ctx context.Context) (*Version, error) {
	h.mu.Lock()
	v := h.waiting
	h.mu.Unlock()
	if v == nil {
		return nil, ErrNoWaitingVersion
	}
	return v, h.activate(ctx, v)
}

// Controller 返回当前接管请求的版本，首次 claim 之前为 nil。
func (h *Host) Controller() *Version {
	return h.controller.Load()
}

// Active 返回当前活跃版本。
func (h *Host) Active() *Version {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

// Snapshot 输出所有版本的状态。
func (h *Host) Snapshot() Snapshot {
	h.mu.Lock()
	versions := append([]*Version(nil), h.versions...)
	active, waiting := h.active, h.waiting
	h.mu.Unlock()

	snap := Snapshot{Versions: make([]VersionInfo, 0, len(versions))}
	for _, v := range versions {
		snap.Versions = append(snap.Versions, v.Info())
	}
	if c := h.Controller(); c != nil {
		info := c.Info()
		snap.Controller = &info
	}
	if active != nil {
		info := active.Info()
		snap.Active = &info
	}
	if waiting != nil {
		info := waiting.Info()
		snap.Waiting = &info
	}
	return snap
}

// Shutdown 等待所有版本的后台写入完成。
func (h *Host) Shutdown() {
	h.mu.Lock()
	versions := append([]*Version(nil), h.versions...)
	h.mu.Unlock()
	for _, v := range versions {
		v.drain()
	}
}

func (h *Host) installWithRetry(ctx context.Context, v *Version) error {
	scope := versionScope{version: v}
	backoff := h.opts.InitialBackoff
	attempts := h.opts.MaxRetries + 1

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		start := time.Now()
		err = v.lifecycle.Install(ctx, scope)
		if err == nil {
			h.logger.WithFields(logrus.Fields{
				"action":     "install",
				"version":    v.id,
				"generation": v.Name(),
				"attempt":    attempt,
				"elapsed_ms": time.Since(start).Milliseconds(),
			}).Info("version_installed")
			return nil
		}
		if attempt == attempts {
			break
		}
		h.logger.WithFields(logrus.Fields{
			"action":     "install",
			"version":    v.id,
			"generation": v.Name(),
			"attempt":    attempt,
			"backoff_ms": backoff.Milliseconds(),
		}).WithError(err).Warn("install_retry")
		if sleepErr := h.sleep(ctx, backoff); sleepErr != nil {
			return fmt.Errorf("%w (retry aborted: %v)", err, sleepErr)
		}
		backoff *= 2
	}
	return fmt.Errorf("install %s after %d attempts: %w", v.Name(), attempts, err)
}

// activate 串行执行激活：清理错误不致命，版本仍成为 activated；上一活跃版本退役并等待其后台写入。
func (h *Host) activate(ctx context.Context, v *Version) error {
	h.activateMu.Lock()
	defer h.activateMu.Unlock()

	v.setState(StateActivating)
	fields := logrus.Fields{
		"action":     "activate",
		"version":    v.id,
		"generation": v.Name(),
	}
	if err := v.lifecycle.Activate(ctx, versionScope{version: v}); err != nil {
		v.setError(err)
		h.logger.WithFields(fields).WithError(err).Warn("activate_partial")
	}

	h.mu.Lock()
	prev := h.active
	h.active = v
	if h.waiting == v {
		h.waiting = nil
	}
	h.mu.Unlock()
	v.setState(StateActivated)

	if prev != nil && prev != v {
		prev.setState(StateRedundant)
		prev.drain()
	}
	h.logger.WithFields(fields).Info("version_activated")
	return nil
}

func (h *Host) claim(v *Version) error {
	switch v.State() {
	case StateActivating, StateActivated:
	default:
		return errNotActive
	}
	h.controller.Store(v)
	h.logger.WithFields(logrus.Fields{
		"action":     "claim",
		"version":    v.id,
		"generation": v.Name(),
	}).Info("clients_claimed")
	return nil
}

func (h *Host) track(v *Version) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.versions = append(h.versions, v)
	if len(h.versions) <= maxTrackedVersions {
		return
	}
	// 只裁剪已退役的旧版本。
	kept := h.versions[:0]
	drop := len(h.versions) - maxTrackedVersions
	for _, item := range h.versions {
		if drop > 0 && item.State() == StateRedundant {
			drop--
			continue
		}
		kept = append(kept, item)
	}
	h.versions = kept
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
