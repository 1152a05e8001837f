package cache

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Storage 管理全部缓存代（generation），对应浏览器里的 CacheStorage。
type Storage interface {
	// Open 打开指定名称的缓存代，不存在时自动创建。
	Open(ctx context.Context, name string) (Generation, error)

	// Lookup 返回已存在的缓存代，不存在时返回 ErrNotFound 且不会创建。
	Lookup(ctx context.Context, name string) (Generation, error)

	// Has 判断缓存代是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Names 返回所有缓存代名称，按字典序排列。
	Names(ctx context.Context) ([]string, error)

	// Delete 整体删除一个缓存代，返回删除前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Close 释放底层资源（数据库连接等）。
	Close() error
}

// Generation 是单个缓存代的 key/value 视图，key 为 Key() 规范化后的请求 URL。
type Generation interface {
	Name() string

	// Match 精确匹配 key，未命中时返回 ErrNotFound。
	Match(ctx context.Context, key string) (*Entry, error)

	// Put 写入单个条目，同一 key 并发写入时后写者生效。
	Put(ctx context.Context, entry Entry) error

	// PutAll 原子地写入一批条目：要么全部可见，要么全部不可见。
	PutAll(ctx context.Context, entries []Entry) error

	// Remove 删除单个条目，返回删除前是否存在。
	Remove(ctx context.Context, key string) (bool, error)

	// Keys 返回当前缓存代内全部 key。
	Keys(ctx context.Context) ([]string, error)
}

// Entry 表示一份已存储的响应快照，写入后不可修改。
type Entry struct {
	Key        string      `json:"key"`
	Status     int         `json:"status"`
	StatusText string      `json:"status_text,omitempty"`
	Type       string      `json:"type"`
	Redirected bool        `json:"redirected,omitempty"`
	Header     http.Header `json:"header,omitempty"`
	Body       []byte      `json:"body"`
	StoredAt   time.Time   `json:"stored_at"`
}

// Clone 深拷贝条目，避免调用方修改共享的 Header/Body。
func (e Entry) Clone() Entry {
	cloned := e
	cloned.Header = e.Header.Clone()
	if e.Body != nil {
		cloned.Body = append([]byte(nil), e.Body...)
	}
	return cloned
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")

// ErrGenerationDeleted 表示写入的缓存代已被删除（通常是被新版本清理）。
var ErrGenerationDeleted = errors.New("cache generation deleted")

// 支持的存储后端。
const (
	BackendFS     = "fs"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// NewStorage 根据后端名称构造 Storage，basePath 对 memory 后端无意义。
func NewStorage(backend, basePath string) (Storage, error) {
	switch backend {
	case "", BackendFS:
		return NewStore(basePath)
	case BackendSQLite:
		return NewSQLiteStore(basePath)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, errors.New("unsupported storage backend: " + backend)
	}
}

// validateName 拒绝可能逃逸存储目录的缓存代名称。
func validateName(name string) error {
	switch {
	case name == "":
		return errors.New("generation name required")
	case name == "." || name == "..":
		return errors.New("invalid generation name")
	}
	for _, r := range name {
		if r == '/' || r == '\\' || r == 0 {
			return errors.New("invalid generation name")
		}
	}
	if name[0] == '.' {
		return errors.New("generation name must not start with a dot")
	}
	return nil
}
