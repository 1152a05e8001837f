package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// memoryStore 把全部缓存代保存在进程内存中，主要用于测试与无盘部署。
type memoryStore struct {
	mu          sync.RWMutex
	generations map[string]map[string]Entry
}

type memoryGeneration struct {
	store *memoryStore
	name  string
}

// NewMemoryStore 返回一个空的内存存储。
func NewMemoryStore() Storage {
	return &memoryStore{generations: make(map[string]map[string]Entry)}
}

func (m *memoryStore) Open(ctx context.Context, name string) (Generation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.generations[name]; !ok {
		m.generations[name] = make(map[string]Entry)
	}
	return &memoryGeneration{store: m, name: name}, nil
}

func (m *memoryStore) Lookup(ctx context.Context, name string) (Generation, error) {
	exists, err := m.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	return &memoryGeneration{store: m, name: name}, nil
}

func (m *memoryStore) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.generations[name]
	return ok, nil
}

func (m *memoryStore) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.generations))
	for name := range m.generations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *memoryStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.generations[name]
	delete(m.generations, name)
	return ok, nil
}

func (m *memoryStore) Close() error {
	return nil
}

func (g *memoryGeneration) Name() string {
	return g.name
}

func (g *memoryGeneration) Match(ctx context.Context, key string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.store.mu.RLock()
	defer g.store.mu.RUnlock()
	entry, ok := g.store.generations[g.name][key]
	if !ok {
		return nil, ErrNotFound
	}
	cloned := entry.Clone()
	return &cloned, nil
}

func (g *memoryGeneration) Put(ctx context.Context, entry Entry) error {
	return g.PutAll(ctx, []Entry{entry})
}

func (g *memoryGeneration) PutAll(ctx context.Context, entries []Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.Key == "" {
			return errors.New("cache key required")
		}
	}
	g.store.mu.Lock()
	defer g.store.mu.Unlock()
	bucket, ok := g.store.generations[g.name]
	if !ok {
		return ErrGenerationDeleted
	}
	for _, entry := range entries {
		bucket[entry.Key] = entry.Clone()
	}
	return nil
}

func (g *memoryGeneration) Remove(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	g.store.mu.Lock()
	defer g.store.mu.Unlock()
	bucket := g.store.generations[g.name]
	_, ok := bucket[key]
	delete(bucket, key)
	return ok, nil
}

func (g *memoryGeneration) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.store.mu.RLock()
	defer g.store.mu.RUnlock()
	bucket := g.store.generations[g.name]
	keys := make([]string, 0, len(bucket))
	for key := range bucket {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
