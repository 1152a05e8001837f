package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const entrySuffix = ".entry"

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。磁盘布局：
//
//	<basePath>/<generation>/<sha1(key)>.entry    # JSON 编码的 Entry
func NewStore(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一 key 并发写入，同时复用 basePath。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type fileGeneration struct {
	store *fileStore
	name  string
	dir   string
}

func (s *fileStore) Open(ctx context.Context, name string) (Generation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.generationDir(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create generation %s: %w", name, err)
	}
	return &fileGeneration{store: s, name: name, dir: dir}, nil
}

func (s *fileStore) Lookup(ctx context.Context, name string) (Generation, error) {
	exists, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	dir, _ := s.generationDir(name)
	return &fileGeneration{store: s, name: name, dir: dir}, nil
}

func (s *fileStore) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.generationDir(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStore) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		if !item.IsDir() || strings.HasPrefix(item.Name(), ".") {
			continue
		}
		names = append(names, item.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	existed, err := s.Has(ctx, name)
	if err != nil || !existed {
		return false, err
	}
	dir, _ := s.generationDir(name)

	// 先改名再删除，避免删除过程中目录被当作仍然存在的缓存代。
	trash, err := os.MkdirTemp(s.basePath, ".trash-*")
	if err != nil {
		return false, err
	}
	target := filepath.Join(trash, name)
	if err := os.Rename(dir, target); err != nil {
		os.RemoveAll(trash)
		return false, err
	}
	if err := os.RemoveAll(trash); err != nil {
		return true, err
	}
	return true, nil
}

func (s *fileStore) Close() error {
	return nil
}

func (s *fileStore) generationDir(name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, name), nil
}

func (g *fileGeneration) Name() string {
	return g.name
}

func (g *fileGeneration) Match(ctx context.Context, key string) (*Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	raw, err := os.ReadFile(g.entryPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	if entry.Key != key {
		// sha1 碰撞几乎不可能，但仍按未命中处理。
		return nil, ErrNotFound
	}
	return &entry, nil
}

func (g *fileGeneration) Put(ctx context.Context, entry Entry) error {
	tempName, err := g.writeTemp(ctx, entry)
	if err != nil {
		return err
	}
	if err := g.commit(tempName, entry.Key); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (g *fileGeneration) PutAll(ctx context.Context, entries []Entry) error {
	temps := make([]string, 0, len(entries))
	cleanup := func() {
		for _, name := range temps {
			os.Remove(name)
		}
	}

	// 先全部写入临时文件，任何一个失败都不会产生可见条目。
	for _, entry := range entries {
		tempName, err := g.writeTemp(ctx, entry)
		if err != nil {
			cleanup()
			return err
		}
		temps = append(temps, tempName)
	}

	// 覆盖前以硬链接保留旧条目，提交中途失败时逆序恢复，新增的 key 直接删除。
	backups := make([]string, 0, len(entries))
	discardBackups := func() {
		for _, backup := range backups {
			if backup != "" {
				os.Remove(backup)
			}
		}
	}
	for i, entry := range entries {
		backup, err := g.commitKeeping(temps[i], entry.Key)
		if err != nil {
			cleanup()
			for j := i - 1; j >= 0; j-- {
				g.rollback(entries[j].Key, backups[j])
			}
			return err
		}
		backups = append(backups, backup)
	}
	discardBackups()
	return nil
}

// commitKeeping 提交临时文件；目标已存在时先硬链接为备份并返回备份路径。
func (g *fileGeneration) commitKeeping(tempName, key string) (string, error) {
	unlock := g.store.lockEntry(g.name, key)
	defer unlock()

	target := g.entryPath(key)
	backup := ""
	if _, err := os.Stat(target); err == nil {
		backup = tempName + ".prev"
		if err := os.Link(target, backup); err != nil {
			return "", fmt.Errorf("backup cache entry: %w", err)
		}
	}
	if err := os.Rename(tempName, target); err != nil {
		if backup != "" {
			os.Remove(backup)
		}
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrGenerationDeleted
		}
		return "", err
	}
	return backup, nil
}

func (g *fileGeneration) rollback(key, backup string) {
	unlock := g.store.lockEntry(g.name, key)
	defer unlock()

	if backup == "" {
		os.Remove(g.entryPath(key))
		return
	}
	os.Rename(backup, g.entryPath(key))
}

func (g *fileGeneration) Remove(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	unlock := g.store.lockEntry(g.name, key)
	defer unlock()

	if err := os.Remove(g.entryPath(key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (g *fileGeneration) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(g.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	keys := make([]string, 0, len(items))
	for _, item := range items {
		if item.IsDir() || !strings.HasSuffix(item.Name(), entrySuffix) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(g.dir, item.Name()))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		var head struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			return nil, fmt.Errorf("decode cache entry %s: %w", item.Name(), err)
		}
		keys = append(keys, head.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (g *fileGeneration) writeTemp(ctx context.Context, entry Entry) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if entry.Key == "" {
		return "", errors.New("cache key required")
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("encode cache entry: %w", err)
	}

	tempFile, err := os.CreateTemp(g.dir, ".cache-*")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrGenerationDeleted
		}
		return "", err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(payload)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return "", err
	}
	return tempName, nil
}

func (g *fileGeneration) commit(tempName, key string) error {
	unlock := g.store.lockEntry(g.name, key)
	defer unlock()

	if err := os.Rename(tempName, g.entryPath(key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrGenerationDeleted
		}
		return err
	}
	return nil
}

func (g *fileGeneration) entryPath(key string) string {
	sum := sha1.Sum([]byte(key))
	return filepath.Join(g.dir, hex.EncodeToString(sum[:])+entrySuffix)
}

func (s *fileStore) lockEntry(generation, key string) func() {
	lockKey := generation + "::" + key
	s.mu.Lock()
	lock := s.locks[lockKey]
	if lock == nil {
		lock = &entryLock{}
		s.locks[lockKey] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, lockKey)
		}
		s.mu.Unlock()
	}
}
