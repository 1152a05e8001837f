package host

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/offline-agent/internal/cache"
	"github.com/any-hub/offline-agent/internal/worker"
)

type fakeLifecycle struct {
	name         string
	failInstalls int
	skipWaiting  bool
	claim        bool
	activateErr  error
	restorable   bool

	mu        sync.Mutex
	installs  int
	activates int
	drained   bool
}

func (f *fakeLifecycle) Name() string { return f.name }

func (f *fakeLifecycle) Install(ctx context.Context, scope worker.Scope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installs++
	if f.skipWaiting {
		scope.SkipWaiting()
	}
	if f.installs <= f.failInstalls {
		return errors.New("origin unreachable")
	}
	return nil
}

func (f *fakeLifecycle) Activate(ctx context.Context, scope worker.Scope) error {
	f.mu.Lock()
	f.activates++
	f.mu.Unlock()
	if f.claim {
		if err := scope.Claim(ctx); err != nil {
			return err
		}
	}
	return f.activateErr
}

func (f *fakeLifecycle) Fetch(ctx context.Context, req *worker.Request) *worker.Response {
	return &worker.Response{Status: http.StatusOK, Body: []byte(f.name), Source: worker.SourceCache}
}

func (f *fakeLifecycle) Wait() {
	f.mu.Lock()
	f.drained = true
	f.mu.Unlock()
}

type restorableLifecycle struct {
	*fakeLifecycle
}

func (r restorableLifecycle) Restore(ctx context.Context) (bool, error) {
	return r.restorable, nil
}

func newTestHost(t *testing.T, opts Options) (*Host, *[]time.Duration) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	h := New(logger, opts)
	var sleeps []time.Duration
	h.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return ctx.Err()
	}
	return h, &sleeps
}

func TestRegisterFirstVersionActivatesAndClaims(t *testing.T) {
	h, _ := newTestHost(t, Options{MaxRetries: 1, InitialBackoff: time.Second})
	lc := &fakeLifecycle{name: "app-v4", claim: true}

	require.Nil(t, h.Controller())
	v, err := h.Register(context.Background(), lc)
	require.NoError(t, err)
	require.Equal(t, StateActivated, v.State())
	require.Same(t, v, h.Controller())
	require.Same(t, v, h.Active())
}

func TestRegisterRetriesWithExponentialBackoff(t *testing.T) {
	h, sleeps := newTestHost(t, Options{MaxRetries: 3, InitialBackoff: 100 * time.Millisecond})
	lc := &fakeLifecycle{name: "app-v4", failInstalls: 2, claim: true}

	v, err := h.Register(context.Background(), lc)
	require.NoError(t, err)
	require.Equal(t, 3, lc.installs)
	require.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *sleeps)
	require.Equal(t, StateActivated, v.State())
}

func TestRegisterGivesUpAndKeepsPreviousController(t *testing.T) {
	h, sleeps := newTestHost(t, Options{MaxRetries: 2, InitialBackoff: 10 * time.Millisecond})
	first := &fakeLifecycle{name: "app-v3", claim: true}
	v3, err := h.Register(context.Background(), first)
	require.NoError(t, err)

	broken := &fakeLifecycle{name: "app-v4", failInstalls: 10, claim: true, skipWaiting: true}
	v4, err := h.Register(context.Background(), broken)
	require.Error(t, err)
	require.Equal(t, 3, broken.installs)
	require.Len(t, *sleeps, 2)
	require.Equal(t, StateRedundant, v4.State())
	require.Same(t, v3, h.Controller())
	require.Equal(t, StateActivated, v3.State())
	require.Zero(t, broken.activates)
}

func TestRegisterWithoutSkipWaitingWaits(t *testing.T) {
	h, _ := newTestHost(t, Options{})
	v3, err := h.Register(context.Background(), &fakeLifecycle{name: "app-v3", claim: true})
	require.NoError(t, err)

	next := &fakeLifecycle{name: "app-v4", claim: true}
	v4, err := h.Register(context.Background(), next)
	require.NoError(t, err)
	require.Equal(t, StateInstalled, v4.State())
	require.Same(t, v3, h.Controller())
	require.NotNil(t, h.Snapshot().Waiting)

	activated, err := h.ActivateWaiting(context.Background())
	require.NoError(t, err)
	require.Same(t, v4, activated)
	require.Same(t, v4, h.Controller())
	require.Equal(t, StateRedundant, v3.State())
	require.Nil(t, h.Snapshot().Waiting)

	_, err = h.ActivateWaiting(context.Background())
	require.ErrorIs(t, err, ErrNoWaitingVersion)
}

func TestSkipWaitingReplacesActiveAndDrainsIt(t *testing.T) {
	h, _ := newTestHost(t, Options{})
	old := &fakeLifecycle{name: "app-v3", claim: true}
	v3, err := h.Register(context.Background(), old)
	require.NoError(t, err)

	v4, err := h.Register(context.Background(), &fakeLifecycle{name: "app-v4", claim: true, skipWaiting: true})
	require.NoError(t, err)
	require.Same(t, v4, h.Controller())
	require.Equal(t, StateRedundant, v3.State())
	require.True(t, old.drained)
}

func TestControllerChangesOnlyOnClaim(t *testing.T) {
	h, _ := newTestHost(t, Options{})
	v, err := h.Register(context.Background(), &fakeLifecycle{name: "app-v4"})
	require.NoError(t, err)
	require.Equal(t, StateActivated, v.State())
	require.Nil(t, h.Controller())
}

func TestActivateErrorIsNotFatal(t *testing.T) {
	h, _ := newTestHost(t, Options{})
	v, err := h.Register(context.Background(), &fakeLifecycle{name: "app-v4", claim: true, activateErr: errors.New("reap failed")})
	require.NoError(t, err)
	require.Equal(t, StateActivated, v.State())
	require.Same(t, v, h.Controller())
	require.Equal(t, "reap failed", h.Snapshot().Controller.Error)
}

func TestRestoredVersionSkipsInstall(t *testing.T) {
	h, _ := newTestHost(t, Options{})
	lc := restorableLifecycle{&fakeLifecycle{name: "app-v4", claim: true, restorable: true, failInstalls: 10}}

	v, err := h.Register(context.Background(), lc)
	require.NoError(t, err)
	require.Zero(t, lc.installs)
	require.Same(t, v, h.Controller())
}

func TestSnapshotListsVersions(t *testing.T) {
	h, _ := newTestHost(t, Options{})
	_, _ = h.Register(context.Background(), &fakeLifecycle{name: "app-v3", claim: true})
	_, _ = h.Register(context.Background(), &fakeLifecycle{name: "app-v4", claim: true, skipWaiting: true})

	snap := h.Snapshot()
	require.Len(t, snap.Versions, 2)
	require.Equal(t, "app-v4", snap.Controller.CacheName)
	require.Equal(t, StateRedundant, snap.Versions[0].State)
}

func TestRedeployWithRealWorkersReapsOldGeneration(t *testing.T) {
	var body = "v3"
	var mu sync.Mutex
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		_, _ = io.WriteString(w, body+r.URL.Path)
	}))
	t.Cleanup(origin.Close)
	originURL, err := url.Parse(origin.URL)
	require.NoError(t, err)

	storage := cache.NewMemoryStore()
	h, _ := newTestHost(t, Options{})
	newWorker := func(name string) *worker.Worker {
		opts := worker.DefaultOptions(originURL)
		opts.CacheName = name
		w, err := worker.New(storage, origin.Client(), nil, opts)
		require.NoError(t, err)
		return w
	}

	_, err = h.Register(context.Background(), newWorker("app-v3"))
	require.NoError(t, err)

	mu.Lock()
	body = "v4"
	mu.Unlock()
	_, err = h.Register(context.Background(), newWorker("app-v4"))
	require.NoError(t, err)

	names, err := storage.Names(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"app-v4"}, names)

	req := &worker.Request{Method: http.MethodGet, URL: originURL.ResolveReference(&url.URL{Path: "/index.html"}), Header: http.Header{}, Mode: worker.ModeNavigate}
	resp := h.Controller().Fetch(context.Background(), req)
	require.Equal(t, worker.SourceCache, resp.Source)
	require.Equal(t, "v4/index.html", string(resp.Body))
}
