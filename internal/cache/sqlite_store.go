package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

const sqliteFileName = "generations.db"

// sqliteStore 把全部缓存代放进同一个 SQLite 文件，PutAll 通过事务保证原子性。
type sqliteStore struct {
	db *sql.DB
}

type sqliteGeneration struct {
	store *sqliteStore
	name  string
}

// NewSQLiteStore 在 basePath 下创建（或打开）generations.db。
func NewSQLiteStore(basePath string) (Storage, error) {
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

	db, err := sql.Open("sqlite", filepath.Join(abs, sqliteFileName))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// 单连接串行化读写，避免 SQLITE_BUSY。
	db.SetMaxOpenConns(1)

	statements := []string{
		`CREATE TABLE IF NOT EXISTS generations (
			name TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			generation TEXT NOT NULL,
			key TEXT NOT NULL,
			status INTEGER NOT NULL,
			status_text TEXT,
			type TEXT,
			redirected INTEGER NOT NULL DEFAULT 0,
			header BLOB,
			body BLOB,
			stored_at INTEGER NOT NULL,
			PRIMARY KEY (generation, key)
		)`,
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite schema: %w", err)
		}
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Open(ctx context.Context, name string) (Generation, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO generations (name, created_at) VALUES (?, ?)",
		name, time.Now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("create generation %s: %w", name, err)
	}
	return &sqliteGeneration{store: s, name: name}, nil
}

func (s *sqliteStore) Lookup(ctx context.Context, name string) (Generation, error) {
	exists, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	return &sqliteGeneration{store: s, name: name}, nil
}

func (s *sqliteStore) Has(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM generations WHERE name = ?", name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM generations ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *sqliteStore) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, "DELETE FROM generations WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE generation = ?", name); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func (g *sqliteGeneration) Name() string {
	return g.name
}

func (g *sqliteGeneration) Match(ctx context.Context, key string) (*Entry, error) {
	var (
		entry      Entry
		statusText sql.NullString
		typ        sql.NullString
		redirected int
		header     []byte
		storedAt   int64
	)
	err := g.store.db.QueryRowContext(ctx, `SELECT
		key, status, status_text, type, redirected, header, body, stored_at
		FROM entries WHERE generation = ? AND key = ?`, g.name, key).
		Scan(&entry.Key, &entry.Status, &statusText, &typ, &redirected, &header, &entry.Body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	entry.StatusText = statusText.String
	entry.Type = typ.String
	entry.Redirected = redirected != 0
	entry.StoredAt = time.Unix(0, storedAt).UTC()
	if len(header) > 0 {
		entry.Header = http.Header{}
		if err := json.Unmarshal(header, &entry.Header); err != nil {
			return nil, fmt.Errorf("decode cached header: %w", err)
		}
	}
	if entry.Body == nil {
		entry.Body = []byte{}
	}
	return &entry, nil
}

func (g *sqliteGeneration) Put(ctx context.Context, entry Entry) error {
	return g.PutAll(ctx, []Entry{entry})
}

func (g *sqliteGeneration) PutAll(ctx context.Context, entries []Entry) error {
	tx, err := g.store.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM generations WHERE name = ?", g.name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrGenerationDeleted
	}
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.Key == "" {
			return errors.New("cache key required")
		}
		header, err := json.Marshal(entry.Header)
		if err != nil {
			return fmt.Errorf("encode cached header: %w", err)
		}
		redirected := 0
		if entry.Redirected {
			redirected = 1
		}
		body := entry.Body
		if body == nil {
			body = []byte{}
		}
		_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO entries
			(generation, key, status, status_text, type, redirected, header, body, stored_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			g.name, entry.Key, entry.Status, entry.StatusText, entry.Type, redirected,
			header, body, entry.StoredAt.UnixNano())
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (g *sqliteGeneration) Remove(ctx context.Context, key string) (bool, error) {
	result, err := g.store.db.ExecContext(ctx,
		"DELETE FROM entries WHERE generation = ? AND key = ?", g.name, key)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (g *sqliteGeneration) Keys(ctx context.Context) ([]string, error) {
	rows, err := g.store.db.QueryContext(ctx,
		"SELECT key FROM entries WHERE generation = ? ORDER BY key", g.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
