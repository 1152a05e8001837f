package integration

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// originStub 模拟单页应用源站，记录每个路径的请求次数，并可切换发布版本或整体下线。
type originStub struct {
	server *httptest.Server

	mu      sync.Mutex
	release string
	hits    map[string]int
}

func newOriginStub(t *testing.T, release string) *originStub {
	t.Helper()
	stub := &originStub{release: release, hits: map[string]int{}}
	stub.server = httptest.NewServer(http.HandlerFunc(stub.serve))
	t.Cleanup(stub.server.Close)
	return stub
}

func (s *originStub) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.hits[r.Method+" "+r.URL.Path]++
	release := s.release
	s.mu.Unlock()

	switch r.URL.Path {
	case "/", "/index.html":
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<html>"+release+"</html>")
	case "/manifest.json":
		w.Header().Set("Content-Type", "application/manifest+json")
		_, _ = io.WriteString(w, `{"name":"app","release":"`+release+`"}`)
	case "/icon.png":
		w.Header().Set("Content-Type", "image/png")
		_, _ = io.WriteString(w, "icon-"+release)
	case "/assets/app.js":
		w.Header().Set("Content-Type", "application/javascript")
		_, _ = io.WriteString(w, "console.log('"+release+"')")
	case "/api/notes":
		if r.Method == http.MethodPost {
			body, _ := io.ReadAll(r.Body)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_, _ = io.WriteString(w, `{"saved":`+string(body)+`}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[]`)
	case "/broken":
		http.Error(w, "boom", http.StatusInternalServerError)
	default:
		http.NotFound(w, r)
	}
}

func (s *originStub) setRelease(release string) {
	s.mu.Lock()
	s.release = release
	s.mu.Unlock()
}

func (s *originStub) count(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[method+" "+path]
}
