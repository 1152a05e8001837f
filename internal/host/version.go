package host

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/any-hub/offline-agent/internal/worker"
)

// State 是版本的生命周期状态。
type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// Lifecycle 是宿主驱动的一个 worker 实现，*worker.Worker 即满足。
type Lifecycle interface {
	Name() string
	Install(ctx context.Context, scope worker.Scope) error
	Activate(ctx context.Context, scope worker.Scope) error
	Fetch(ctx context.Context, req *worker.Request) *worker.Response
}

// Restorer 可选：进程重启时若缓存代已完整存在，则跳过安装直接激活。
type Restorer interface {
	Restore(ctx context.Context) (bool, error)
}

// Drainer 可选：版本退役或进程退出时等待后台写入完成。
type Drainer interface {
	Wait()
}

var errNotActive = errors.New("version is not activating or activated")

// Version 是一次注册产生的 worker 版本。
type Version struct {
	id        string
	lifecycle Lifecycle
	createdAt time.Time
	host      *Host

	mu          sync.RWMutex
	state       State
	skipWaiting bool
	lastErr     error
}

func newVersion(h *Host, lc Lifecycle) *Version {
	return &Version{
		id:        uuid.NewString(),
		lifecycle: lc,
		createdAt: time.Now(),
		host:      h,
		state:     StateInstalling,
	}
}

// ID 返回版本唯一标识。
func (v *Version) ID() string { return v.id }

// Name 返回该版本使用的缓存代名称。
func (v *Version) Name() string { return v.lifecycle.Name() }

// State 返回当前生命周期状态。
func (v *Version) State() State {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state
}

// Lifecycle 返回底层 worker。
func (v *Version) Lifecycle() Lifecycle { return v.lifecycle }

// Fetch 把请求交给底层 worker 处理。
func (v *Version) Fetch(ctx context.Context, req *worker.Request) *worker.Response {
	return v.lifecycle.Fetch(ctx, req)
}

func (v *Version) setState(state State) {
	v.mu.Lock()
	v.state = state
	v.mu.Unlock()
}

func (v *Version) setError(err error) {
	v.mu.Lock()
	v.lastErr = err
	v.mu.Unlock()
}

func (v *Version) wantsSkipWaiting() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.skipWaiting
}

func (v *Version) drain() {
	if d, ok := v.lifecycle.(Drainer); ok {
		d.Wait()
	}
}

// Info 生成诊断快照。
func (v *Version) Info() VersionInfo {
	v.mu.RLock()
	defer v.mu.RUnlock()
	info := VersionInfo{
		ID:        v.id,
		CacheName: v.lifecycle.Name(),
		State:     v.state,
		CreatedAt: v.createdAt,
	}
	if v.lastErr != nil {
		info.Error = v.lastErr.Error()
	}
	return info
}

// versionScope 实现 worker.Scope，把回调路由回宿主。
type versionScope struct {
	version *Version
}

func (s versionScope) SkipWaiting() {
	s.version.mu.Lock()
	s.version.skipWaiting = true
	s.version.mu.Unlock()
}

func (s versionScope) Claim(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.version.host.claim(s.version)
}
